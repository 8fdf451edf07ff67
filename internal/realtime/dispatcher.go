package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogardn/pios-pos/internal/store"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/sirupsen/logrus"
)

type TableProjector interface {
	Project(ctx context.Context, tableNumber int) (models.TableStatus, error)
}

// Dispatcher routes change notifications from a realtime feed into the
// store and keeps table statuses projected. Feeds call HandleChange from a
// single goroutine so changes are applied in arrival order.
type Dispatcher struct {
	store     *store.Store
	projector TableProjector
	logger    *logrus.Logger
}

func NewDispatcher(st *store.Store, projector TableProjector, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{store: st, projector: projector, logger: logger}
}

func (d *Dispatcher) HandleChange(ctx context.Context, change models.Change) error {
	switch change.Relation {
	case models.RelationOrders:
		return d.handleOrder(ctx, change)
	case models.RelationTables:
		tc, err := change.TableChange()
		if err != nil {
			return err
		}
		d.store.ApplyTableChange(tc)
		return nil
	default:
		d.logger.WithField("relation", change.Relation).Debug("Ignoring change for unknown relation")
		return nil
	}
}

func (d *Dispatcher) handleOrder(ctx context.Context, change models.Change) error {
	oc, err := change.OrderChange()
	if err != nil {
		return err
	}

	outcome := d.store.ApplyOrderChange(oc)
	d.logger.WithFields(logrus.Fields{
		"order_id": oc.ID(),
		"kind":     oc.Kind,
		"outcome":  outcome.String(),
	}).Info("Order change applied")

	if d.projector == nil {
		return nil
	}

	// Projection reads the latest row itself and is idempotent, so it also
	// runs for stale and out-of-day changes. A redelivered change whose
	// projection failed the first time is reported stale by the store.
	for _, tableNumber := range affectedTables(oc) {
		if _, err := d.projector.Project(ctx, tableNumber); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return fmt.Errorf("failed to project table %d: %w", tableNumber, err)
		}
	}
	return nil
}

// affectedTables lists the tables whose status may have changed: the new
// image's table and, when the order moved, the old one.
func affectedTables(oc models.OrderChange) []int {
	var tables []int
	if oc.New != nil {
		if n, ok := oc.New.TableNumber(); ok {
			tables = append(tables, n)
		}
	}
	if oc.Old != nil {
		if n, ok := oc.Old.TableNumber(); ok && (len(tables) == 0 || tables[0] != n) {
			tables = append(tables, n)
		}
	}
	return tables
}

// IsRetryable reports whether redelivering the change can succeed. Malformed
// payloads never will.
func (d *Dispatcher) IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, models.ErrMalformedChange) && !errors.Is(err, context.Canceled)
}
