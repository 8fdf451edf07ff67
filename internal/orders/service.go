package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/pios-pos/internal/circuitbreaker"
	"github.com/jogardn/pios-pos/internal/events"
	"github.com/jogardn/pios-pos/internal/store"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	BreakerReads  = "orders-read"
	BreakerWrites = "orders-write"
)

var tracer = otel.Tracer("github.com/jogardn/pios-pos/internal/orders")

// Backend is the hosted data service holding the orders and tables relations.
type Backend interface {
	ListOrders(ctx context.Context, from, to time.Time, paid bool) ([]models.Order, error)
	GetOrder(ctx context.Context, id string) (models.Order, error)
	InsertOrder(ctx context.Context, order models.Order) (models.Order, error)
	UpdateOrder(ctx context.Context, id string, patch models.OrderPatch) error
	DeleteOrder(ctx context.Context, id string) error
	ListTables(ctx context.Context) ([]models.Table, error)
}

type TableProjector interface {
	ProjectOrder(ctx context.Context, order models.Order) error
}

type PaidPublisher interface {
	PublishOrderPaid(event events.OrderPaidEvent) error
}

// Service performs the order operations of the point of sale. Writes go to
// the backend only; the local store learns about them from the realtime
// echo.
type Service struct {
	backend   Backend
	store     *store.Store
	projector TableProjector
	breakers  *circuitbreaker.Manager
	publisher PaidPublisher
	clock     func() time.Time
	logger    *logrus.Logger
}

func NewService(backend Backend, st *store.Store, projector TableProjector, breakers *circuitbreaker.Manager, logger *logrus.Logger) *Service {
	return &Service{
		backend:   backend,
		store:     st,
		projector: projector,
		breakers:  breakers,
		clock:     time.Now,
		logger:    logger,
	}
}

// SetPublisher enables order.paid events.
func (s *Service) SetPublisher(p PaidPublisher) {
	s.publisher = p
}

func (s *Service) Store() *store.Store {
	return s.store
}

func (s *Service) read(ctx context.Context, fn func(context.Context) error) error {
	return s.breakers.Get(BreakerReads).Execute(ctx, fn)
}

func (s *Service) write(ctx context.Context, fn func(context.Context) error) error {
	return s.breakers.Get(BreakerWrites).Execute(ctx, fn)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Load fetches today's active orders, paid orders and tables concurrently
// and seeds the store. A failed half is logged and leaves that list as it
// was; the other half is still installed.
func (s *Service) Load(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "orders.Load")
	defer span.End()

	from, to := s.store.Window()
	token := s.store.BeginLoad()
	defer s.store.FinishLoad()

	var errs [3]error
	var g errgroup.Group
	g.Go(func() error {
		var orders []models.Order
		errs[0] = s.read(ctx, func(ctx context.Context) (err error) {
			orders, err = s.backend.ListOrders(ctx, from, to, false)
			return err
		})
		if errs[0] != nil {
			errs[0] = backendError("load active orders", errs[0])
			return errs[0]
		}
		s.store.SeedActive(token, orders)
		return nil
	})
	g.Go(func() error {
		var orders []models.Order
		errs[1] = s.read(ctx, func(ctx context.Context) (err error) {
			orders, err = s.backend.ListOrders(ctx, from, to, true)
			return err
		})
		if errs[1] != nil {
			errs[1] = backendError("load paid orders", errs[1])
			return errs[1]
		}
		s.store.SeedPaid(token, orders)
		return nil
	})
	g.Go(func() error {
		var tables []models.Table
		errs[2] = s.read(ctx, func(ctx context.Context) (err error) {
			tables, err = s.backend.ListTables(ctx)
			return err
		})
		if errs[2] != nil {
			errs[2] = backendError("load tables", errs[2])
			return errs[2]
		}
		s.store.SeedTables(tables)
		return nil
	})
	_ = g.Wait()

	err := errors.Join(errs[:]...)
	if err != nil {
		s.logger.WithError(err).Error("Initial load incomplete")
		return fail(span, err)
	}

	s.logger.WithFields(logrus.Fields{
		"active": len(s.store.Active()),
		"paid":   len(s.store.Paid()),
		"from":   from.Format(time.RFC3339),
	}).Info("Orders loaded")
	return nil
}

// CreateOrder stores a new pending order and projects its table. The local
// lists are not touched; the insert arrives through the realtime feed.
func (s *Service) CreateOrder(ctx context.Context, mesa string, items []models.LineItem, total decimal.Decimal) (models.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.CreateOrder", trace.WithAttributes(attribute.String("mesa", mesa)))
	defer span.End()

	mesa = strings.TrimSpace(mesa)
	if mesa == "" {
		return models.Order{}, fail(span, fmt.Errorf("%w: mesa is required", ErrInvalidOrder))
	}
	if len(items) == 0 {
		return models.Order{}, fail(span, fmt.Errorf("%w: no items", ErrInvalidOrder))
	}
	if total.IsNegative() {
		return models.Order{}, fail(span, fmt.Errorf("%w: negative total", ErrInvalidOrder))
	}

	order := models.Order{
		ID:        uuid.New().String(),
		Mesa:      mesa,
		Items:     items,
		Total:     total,
		Status:    models.StatusPending,
		CreatedAt: s.clock(),
	}

	var created models.Order
	err := s.write(ctx, func(ctx context.Context) (err error) {
		created, err = s.backend.InsertOrder(ctx, order)
		return err
	})
	if err != nil {
		s.logger.WithError(err).WithField("mesa", mesa).Error("Failed to create order")
		return models.Order{}, fail(span, backendError("create order", err))
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":    created.ID,
		"mesa":        created.Mesa,
		"items_count": len(created.Items),
		"total":       created.Total.String(),
	}).Info("Order created")

	s.project(ctx, created)
	return created, nil
}

// NewItemIndices returns the positions items appended to an order of
// previous items occupy: {previous .. previous+appended-1}.
func NewItemIndices(previous, appended int) []int {
	if appended <= 0 {
		return nil
	}
	out := make([]int, appended)
	for i := range out {
		out[i] = previous + i
	}
	return out
}

// AppendItems replaces the item list and total of an active order and flags
// the added positions as new.
func (s *Service) AppendItems(ctx context.Context, id string, items []models.LineItem, total decimal.Decimal) error {
	ctx, span := tracer.Start(ctx, "orders.AppendItems", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()

	if total.IsNegative() {
		return fail(span, fmt.Errorf("%w: negative total", ErrInvalidOrder))
	}

	current, err := s.lookup(ctx, id)
	if err != nil {
		return fail(span, err)
	}
	if current.Status == models.StatusPaid {
		return fail(span, fmt.Errorf("%w: order %s is paid", ErrInvalidTransition, id))
	}
	previous := len(current.Items)
	if len(items) < previous {
		return fail(span, fmt.Errorf("%w: item list shrank from %d to %d", ErrInvalidOrder, previous, len(items)))
	}

	err = s.write(ctx, func(ctx context.Context) error {
		return s.backend.UpdateOrder(ctx, id, models.OrderPatch{Items: items, Total: &total})
	})
	if err != nil {
		s.logger.WithError(err).WithField("order_id", id).Error("Failed to append items")
		return fail(span, backendError("append items", err))
	}

	indices := NewItemIndices(previous, len(items)-previous)
	if len(indices) > 0 {
		s.store.MarkNewItems(id, indices)
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": id,
		"added":    len(indices),
		"total":    total.String(),
	}).Info("Items appended to order")
	return nil
}

// AdvanceStatus moves an order forward in its lifecycle and projects the
// table. Moving into ready or paid stamps the completion time.
func (s *Service) AdvanceStatus(ctx context.Context, id string, status models.OrderStatus) error {
	ctx, span := tracer.Start(ctx, "orders.AdvanceStatus", trace.WithAttributes(
		attribute.String("order_id", id),
		attribute.String("status", string(status)),
	))
	defer span.End()

	if !status.Valid() {
		return fail(span, fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, status))
	}

	current, err := s.lookup(ctx, id)
	if err != nil {
		return fail(span, err)
	}
	if err := ValidateTransition(current.Status, status); err != nil {
		return fail(span, err)
	}

	patch := models.OrderPatch{Status: &status}
	if status.StampsCompletion() {
		now := s.clock()
		patch.CompletedAt = &now
	}

	err = s.write(ctx, func(ctx context.Context) error {
		return s.backend.UpdateOrder(ctx, id, patch)
	})
	if err != nil {
		s.logger.WithError(err).WithField("order_id", id).Error("Failed to update order status")
		return fail(span, backendError("update status", err))
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": id,
		"from":     current.Status,
		"to":       status,
	}).Info("Order status updated")

	current.Status = status
	s.project(ctx, current)
	return nil
}

// ProcessPayment records the payment of an order. Its table becomes
// available through the projector.
func (s *Service) ProcessPayment(ctx context.Context, id string, method models.PaymentMethod, saleID string) error {
	ctx, span := tracer.Start(ctx, "orders.ProcessPayment", trace.WithAttributes(
		attribute.String("order_id", id),
		attribute.String("payment_method", string(method)),
	))
	defer span.End()

	if !method.Valid() {
		return fail(span, fmt.Errorf("%w: unknown payment method %q", ErrInvalidOrder, method))
	}

	current, err := s.lookup(ctx, id)
	if err != nil {
		return fail(span, err)
	}
	if current.Status == models.StatusPaid {
		return fail(span, fmt.Errorf("%w: order %s is already paid", ErrInvalidTransition, id))
	}

	paid := models.StatusPaid
	now := s.clock()
	patch := models.OrderPatch{
		Status:        &paid,
		CompletedAt:   &now,
		PaymentMethod: &method,
	}
	if saleID != "" {
		patch.SaleID = &saleID
	}

	err = s.write(ctx, func(ctx context.Context) error {
		return s.backend.UpdateOrder(ctx, id, patch)
	})
	if err != nil {
		s.logger.WithError(err).WithField("order_id", id).Error("Failed to process payment")
		return fail(span, backendError("process payment", err))
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":       id,
		"mesa":           current.Mesa,
		"payment_method": method,
		"total":          current.Total.String(),
	}).Info("Payment processed")

	current.Status = paid
	s.project(ctx, current)

	if s.publisher != nil {
		event := events.OrderPaidEvent{
			OrderID:       id,
			Mesa:          current.Mesa,
			Total:         current.Total,
			PaymentMethod: method,
			SaleID:        saleID,
			CompletedAt:   now,
		}
		if err := s.publisher.PublishOrderPaid(event); err != nil {
			// The payment is stored; a lost event does not fail the request.
			s.logger.WithError(err).WithField("order_id", id).Error("Failed to publish order paid event")
		}
	}
	return nil
}

// DeleteOrder removes an unpaid order. Local removal arrives with the echo.
func (s *Service) DeleteOrder(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "orders.DeleteOrder", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()

	current, known := s.store.Order(id)
	if known && current.Status == models.StatusPaid {
		return fail(span, fmt.Errorf("%w: paid orders cannot be deleted", ErrInvalidTransition))
	}

	err := s.write(ctx, func(ctx context.Context) error {
		return s.backend.DeleteOrder(ctx, id)
	})
	if err != nil {
		s.logger.WithError(err).WithField("order_id", id).Error("Failed to delete order")
		return fail(span, backendError("delete order", err))
	}

	s.logger.WithField("order_id", id).Info("Order deleted")
	if known {
		s.project(ctx, current)
	}
	return nil
}

// lookup returns the local snapshot of an order, falling back to the
// backend for orders the store does not hold.
func (s *Service) lookup(ctx context.Context, id string) (models.Order, error) {
	if order, ok := s.store.Order(id); ok {
		return order, nil
	}
	var order models.Order
	err := s.read(ctx, func(ctx context.Context) (err error) {
		order, err = s.backend.GetOrder(ctx, id)
		return err
	})
	if err != nil {
		return models.Order{}, backendError("look up order", err)
	}
	return order, nil
}

// project refreshes the order's table. Failures are logged; the write that
// triggered it already succeeded and the next event retries the projection.
func (s *Service) project(ctx context.Context, order models.Order) {
	if s.projector == nil {
		return
	}
	if err := s.projector.ProjectOrder(ctx, order); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"order_id": order.ID,
			"mesa":     order.Mesa,
		}).Warn("Failed to project table status")
	}
}
