package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const orderColumns = `id, mesa, items, total, status, created_at, completed_at, payment_method, sale_id, version`

// Repository reads and writes the orders and tables relations.
type Repository struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewRepository(db *sql.DB, logger *logrus.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ListOrders returns the orders created in [from, to). With paid set it
// returns only paid orders, newest completion first; otherwise every other
// status, newest creation first.
func (r *Repository) ListOrders(ctx context.Context, from, to time.Time, paid bool) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE created_at >= $1 AND created_at < $2 AND status <> 'paid'
		ORDER BY created_at DESC`
	if paid {
		query = `SELECT ` + orderColumns + ` FROM orders
			WHERE created_at >= $1 AND created_at < $2 AND status = 'paid'
			ORDER BY completed_at DESC NULLS LAST`
	}

	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return orders, nil
}

func (r *Repository) GetOrder(ctx context.Context, id string) (models.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, models.ErrNotFound
	}
	return order, err
}

// InsertOrder stores a new order and returns it with the columns the
// database assigned.
func (r *Repository) InsertOrder(ctx context.Context, order models.Order) (models.Order, error) {
	query := `INSERT INTO orders (id, mesa, items, total, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING version`
	err := r.db.QueryRowContext(ctx, query,
		order.ID, order.Mesa, pq.Array(models.FormatLineItems(order.Items)),
		order.Total, string(order.Status), order.CreatedAt,
	).Scan(&order.Version)
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to insert order: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"mesa":        order.Mesa,
		"items_count": len(order.Items),
		"total":       order.Total.String(),
	}).Info("Order inserted")
	return order, nil
}

// UpdateOrder writes the non-nil fields of patch.
func (r *Repository) UpdateOrder(ctx context.Context, id string, patch models.OrderPatch) error {
	var sets []string
	var args []interface{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Items != nil {
		add("items", pq.Array(models.FormatLineItems(patch.Items)))
	}
	if patch.Total != nil {
		add("total", *patch.Total)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.PaymentMethod != nil {
		add("payment_method", string(*patch.PaymentMethod))
	}
	if patch.SaleID != nil {
		add("sale_id", *patch.SaleID)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE orders SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}

	r.logger.WithFields(logrus.Fields{
		"order_id": id,
		"columns":  len(sets),
	}).Info("Order updated")
	return nil
}

func (r *Repository) DeleteOrder(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	r.logger.WithField("order_id", id).Info("Order deleted")
	return nil
}

// LatestOrderForTable returns the most recently created order placed for the
// table, or nil when the table has none.
func (r *Repository) LatestOrderForTable(ctx context.Context, tableNumber int) (*models.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE mesa = $1
		ORDER BY created_at DESC
		LIMIT 1`, fmt.Sprint(tableNumber))
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateTableStatus writes a projected status. Tables are provisioned
// outside this service, so a missing row is reported as ErrNotFound.
func (r *Repository) UpdateTableStatus(ctx context.Context, tableNumber int, status models.TableStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tables SET status = $2, updated_at = $3 WHERE id = $1`,
		tableNumber, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to update table: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *Repository) ListTables(ctx context.Context) ([]models.Table, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, status, updated_at FROM tables ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []models.Table
	for rows.Next() {
		var t models.Table
		var status string
		if err := rows.Scan(&t.Number, &status, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		t.Status = models.TableStatus(status)
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (models.Order, error) {
	var (
		order         models.Order
		items         pq.StringArray
		status        string
		completedAt   sql.NullTime
		paymentMethod sql.NullString
		saleID        sql.NullString
	)
	err := row.Scan(&order.ID, &order.Mesa, &items, &order.Total, &status,
		&order.CreatedAt, &completedAt, &paymentMethod, &saleID, &order.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Order{}, err
		}
		return models.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}

	order.Items = models.ParseLineItems(items)
	order.Status = models.OrderStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		order.CompletedAt = &t
	}
	if paymentMethod.Valid {
		m := models.PaymentMethod(paymentMethod.String)
		order.PaymentMethod = &m
	}
	if saleID.Valid {
		s := saleID.String
		order.SaleID = &s
	}
	return order, nil
}
