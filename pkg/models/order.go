package models

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrMalformedChange = errors.New("malformed change notification")
)

type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusInPreparation   OrderStatus = "in_preparation"
	StatusReady           OrderStatus = "ready"
	StatusDelivered       OrderStatus = "delivered"
	StatusAwaitingPayment OrderStatus = "awaiting_payment"
	StatusPaid            OrderStatus = "paid"
)

var statusRank = map[OrderStatus]int{
	StatusPending:         1,
	StatusInPreparation:   2,
	StatusReady:           3,
	StatusDelivered:       4,
	StatusAwaitingPayment: 5,
	StatusPaid:            6,
}

// Rank orders statuses along the lifecycle. Unknown statuses rank 0.
func (s OrderStatus) Rank() int {
	return statusRank[s]
}

func (s OrderStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// StampsCompletion reports whether moving into s records a completion time.
func (s OrderStatus) StampsCompletion() bool {
	return s == StatusReady || s == StatusPaid
}

type TableStatus string

const TableAvailable TableStatus = "available"

// TableStatusFor maps an order status to the status shown on its table.
func TableStatusFor(s OrderStatus) TableStatus {
	if s == StatusPaid || s == "" {
		return TableAvailable
	}
	return TableStatus(s)
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "efectivo"
	PaymentTransfer PaymentMethod = "transferencia"
	PaymentCard     PaymentMethod = "tarjeta"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentTransfer, PaymentCard:
		return true
	}
	return false
}

type Order struct {
	ID            string          `json:"id"`
	Mesa          string          `json:"mesa"`
	Items         []LineItem      `json:"items"`
	Total         decimal.Decimal `json:"total"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	PaymentMethod *PaymentMethod  `json:"payment_method,omitempty"`
	SaleID        *string         `json:"sale_id,omitempty"`
	NewItems      []int           `json:"new_items,omitempty"`
	Version       int64           `json:"version,omitempty"`
}

// TableNumber returns the numeric table an order belongs to. General
// channels (takeout, delivery) report false.
func (o Order) TableNumber() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(o.Mesa))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Clone returns a deep copy so callers never share slices with the store.
func (o Order) Clone() Order {
	c := o
	if o.Items != nil {
		c.Items = append([]LineItem(nil), o.Items...)
	}
	if o.NewItems != nil {
		c.NewItems = append([]int(nil), o.NewItems...)
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	if o.PaymentMethod != nil {
		m := *o.PaymentMethod
		c.PaymentMethod = &m
	}
	if o.SaleID != nil {
		s := *o.SaleID
		c.SaleID = &s
	}
	return c
}

// OrderPatch carries the columns an update writes. Nil fields are left alone.
type OrderPatch struct {
	Items         []LineItem
	Total         *decimal.Decimal
	Status        *OrderStatus
	CompletedAt   *time.Time
	PaymentMethod *PaymentMethod
	SaleID        *string
}

type Table struct {
	Number    int         `json:"id"`
	Status    TableStatus `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   *Order `json:"order,omitempty"`
}
