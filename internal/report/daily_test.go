package report

import (
	"testing"
	"time"

	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/shopspring/decimal"
)

func paidOrder(mesa string, total int64, method models.PaymentMethod, items ...string) models.Order {
	m := method
	return models.Order{
		Mesa:          mesa,
		Status:        models.StatusPaid,
		Total:         decimal.NewFromInt(total),
		PaymentMethod: &m,
		Items:         models.ParseLineItems(items),
	}
}

func TestBuildDaily(t *testing.T) {
	day := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	paid := []models.Order{
		paidOrder("3", 90000, models.PaymentCash, "Pizza Hawaiana (Grande) $45.000 x2"),
		paidOrder("Domicilio", 49500, models.PaymentTransfer, "Pizza Pepperoni (Mediana) $45.000 x1", "Gaseosa $4.500 x1"),
		paidOrder("5", 9000, models.PaymentCash, "Gaseosa $4.500 x2"),
	}
	unpaid := paidOrder("6", 1000000, models.PaymentCard)
	unpaid.Status = models.StatusReady
	paid = append(paid, unpaid)

	r := BuildDaily(day, paid, 2, 2)

	if r.Date != "2026-10-19" || r.OpenOrders != 2 {
		t.Errorf("Unexpected header: %s open=%d", r.Date, r.OpenOrders)
	}
	if r.Orders != 3 || !r.Gross.Equal(decimal.NewFromInt(148500)) {
		t.Errorf("Expected 3 orders grossing 148500, got %d / %s", r.Orders, r.Gross)
	}
	if !r.Average.Equal(decimal.NewFromInt(49500)) {
		t.Errorf("Expected average 49500, got %s", r.Average)
	}
	if !r.ByMethod["efectivo"].Equal(decimal.NewFromInt(99000)) || !r.ByMethod["transferencia"].Equal(decimal.NewFromInt(49500)) {
		t.Errorf("Unexpected method totals: %v", r.ByMethod)
	}
	if r.Tables.Orders != 2 || r.General.Orders != 1 {
		t.Errorf("Expected 2 table orders and 1 general, got %d/%d", r.Tables.Orders, r.General.Orders)
	}
	if len(r.TopItems) != 2 {
		t.Fatalf("Expected top 2 items, got %d", len(r.TopItems))
	}
	if r.TopItems[0].Name != "Gaseosa" || r.TopItems[0].Quantity != 3 {
		t.Errorf("Expected Gaseosa x3 first, got %+v", r.TopItems[0])
	}
	if r.TopItems[1].Name != "Pizza Hawaiana (Grande)" || !r.TopItems[1].Revenue.Equal(decimal.NewFromInt(90000)) {
		t.Errorf("Unexpected second item: %+v", r.TopItems[1])
	}
}

func TestBuildDailyEmpty(t *testing.T) {
	r := BuildDaily(time.Now(), nil, 0, 5)
	if r.Orders != 0 || !r.Gross.IsZero() || !r.Average.IsZero() || len(r.TopItems) != 0 {
		t.Errorf("Expected empty report, got %+v", r)
	}
}
