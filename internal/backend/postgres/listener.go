package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// ChangeHandler consumes decoded change notifications.
type ChangeHandler interface {
	HandleChange(ctx context.Context, change models.Change) error
}

// OrderFetcher reloads an order whose notification arrived truncated.
type OrderFetcher interface {
	GetOrder(ctx context.Context, id string) (models.Order, error)
}

// Listener turns pg_notify payloads on NotifyChannel into Change values and
// hands them to the handler one at a time, in arrival order.
type Listener struct {
	dsn         string
	handler     ChangeHandler
	onReconnect func()
	fetcher     OrderFetcher
	logger      *logrus.Logger
}

func NewListener(dsn string, handler ChangeHandler, logger *logrus.Logger) *Listener {
	return &Listener{dsn: dsn, handler: handler, logger: logger}
}

// OnReconnect registers fn to run after the connection was re-established.
// Notifications sent while disconnected are lost, so fn should reload.
func (l *Listener) OnReconnect(fn func()) {
	l.onReconnect = fn
}

// SetFetcher sets the source used to complete truncated order notifications.
// Without one they are dropped and left to the drift audit.
func (l *Listener) SetFetcher(f OrderFetcher) {
	l.fetcher = f
}

// Start listens until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, 2*time.Second, time.Minute, l.logEvent)
	defer listener.Close()

	if err := listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	l.logger.WithField("channel", NotifyChannel).Info("Listening for change notifications")

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Change listener stopped")
			return nil
		case <-ping.C:
			go listener.Ping()
		case n, ok := <-listener.Notify:
			if !ok {
				return nil
			}
			if n == nil {
				l.logger.Warn("Change listener reconnected, notifications may have been missed")
				if l.onReconnect != nil {
					l.onReconnect()
				}
				continue
			}
			l.dispatch(ctx, n.Extra)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, payload string) {
	var change models.Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		l.logger.WithError(err).WithField("payload_size", len(payload)).Error("Failed to decode change notification")
		return
	}
	if change.Truncated {
		if err := l.complete(ctx, &change); err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"relation": change.Relation,
				"kind":     change.Kind,
			}).Warn("Dropping truncated change notification")
			return
		}
	}
	if err := l.handler.HandleChange(ctx, change); err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"relation": change.Relation,
			"kind":     change.Kind,
		}).Error("Failed to handle change notification")
	}
}

// complete replaces the new image of a truncated order notification with the
// current row. Deletes and table changes need no items and pass unchanged.
func (l *Listener) complete(ctx context.Context, change *models.Change) error {
	if change.Relation != models.RelationOrders || change.Kind == models.ChangeDelete {
		return nil
	}
	if l.fetcher == nil {
		return errors.New("no order fetcher configured")
	}

	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(change.Record, &ref); err != nil || ref.ID == "" {
		return fmt.Errorf("%w: truncated change without order id", models.ErrMalformedChange)
	}
	order, err := l.fetcher.GetOrder(ctx, ref.ID)
	if err != nil {
		return fmt.Errorf("failed to refetch order %s: %w", ref.ID, err)
	}
	record, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to encode order %s: %w", ref.ID, err)
	}
	change.Record = record
	change.Truncated = false
	return nil
}

func (l *Listener) logEvent(ev pq.ListenerEventType, err error) {
	entry := l.logger.WithField("channel", NotifyChannel)
	if err != nil {
		entry = entry.WithError(err)
	}
	switch ev {
	case pq.ListenerEventConnected:
		entry.Info("Change listener connected")
	case pq.ListenerEventDisconnected:
		entry.Warn("Change listener disconnected")
	case pq.ListenerEventReconnected:
		entry.Info("Change listener reconnecting")
	case pq.ListenerEventConnectionAttemptFailed:
		entry.Warn("Change listener connection attempt failed")
	}
}
