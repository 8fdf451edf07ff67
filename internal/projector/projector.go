package projector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/pios-pos/internal/circuitbreaker"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/sirupsen/logrus"
)

// Backend is the subset of the data service the projector reads and writes.
type Backend interface {
	LatestOrderForTable(ctx context.Context, tableNumber int) (*models.Order, error)
	UpdateTableStatus(ctx context.Context, tableNumber int, status models.TableStatus, at time.Time) error
}

// Projector derives a table's status from the most recent order placed for
// it and writes the result to the tables relation. It is the only writer of
// table status.
type Projector struct {
	backend Backend
	breaker *circuitbreaker.CircuitBreaker
	clock   func() time.Time
	logger  *logrus.Logger

	locks sync.Map
}

func New(backend Backend, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *Projector {
	return &Projector{
		backend: backend,
		breaker: breaker,
		clock:   time.Now,
		logger:  logger,
	}
}

// Project recomputes and stores the status of one table. Running it twice
// in a row writes the same status twice.
func (p *Projector) Project(ctx context.Context, tableNumber int) (models.TableStatus, error) {
	if tableNumber <= 0 {
		return "", fmt.Errorf("invalid table number %d", tableNumber)
	}

	// Projections of the same table are serialized so a slow lookup cannot
	// overwrite the result of a newer one.
	mu, _ := p.locks.LoadOrStore(tableNumber, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	var latest *models.Order
	err := p.run(ctx, func(ctx context.Context) error {
		var err error
		latest, err = p.backend.LatestOrderForTable(ctx, tableNumber)
		return err
	})
	if err != nil {
		p.logger.WithError(err).WithField("table", tableNumber).Error("Failed to look up latest order for table")
		return "", fmt.Errorf("failed to look up table %d: %w", tableNumber, err)
	}

	status := models.TableAvailable
	if latest != nil {
		status = models.TableStatusFor(latest.Status)
	}

	err = p.run(ctx, func(ctx context.Context) error {
		return p.backend.UpdateTableStatus(ctx, tableNumber, status, p.clock())
	})
	if errors.Is(err, models.ErrNotFound) {
		p.logger.WithField("table", tableNumber).Warn("Table row does not exist, status not projected")
		return status, err
	}
	if err != nil {
		p.logger.WithError(err).WithField("table", tableNumber).Error("Failed to write table status")
		return status, fmt.Errorf("failed to update table %d: %w", tableNumber, err)
	}

	p.logger.WithFields(logrus.Fields{
		"table":  tableNumber,
		"status": status,
	}).Debug("Table status projected")
	return status, nil
}

// ProjectOrder projects the table an order belongs to. Orders for general
// channels have no table and are skipped.
func (p *Projector) ProjectOrder(ctx context.Context, order models.Order) error {
	tableNumber, ok := order.TableNumber()
	if !ok {
		return nil
	}
	_, err := p.Project(ctx, tableNumber)
	return err
}

func (p *Projector) run(ctx context.Context, fn func(context.Context) error) error {
	if p.breaker == nil {
		return fn(ctx)
	}
	return p.breaker.Execute(ctx, fn)
}
