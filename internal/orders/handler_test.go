package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/jogardn/pios-pos/internal/drift"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/shopspring/decimal"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

type stubAuditor struct {
	report *drift.Report
	err    error
}

func (a stubAuditor) Audit(ctx context.Context) (*drift.Report, error) { return a.report, a.err }

func newTestRouter(f *fixture) (*mux.Router, *Handler) {
	handler := NewHandler(f.service, f.service.breakers, testLogger())
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return router, handler
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestCreateOrderHandler(t *testing.T) {
	f := newFixture()
	router, _ := newTestRouter(f)

	rec, resp := doRequest(t, router, "POST", "/orders", map[string]interface{}{
		"mesa":  "3",
		"items": []string{"Pizza Hawaiana (Grande) $45.000 x1", "Gaseosa $4.500 x2"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	order, ok := resp["order"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected order in response, got %v", resp)
	}
	if order["total"] != "54000" {
		t.Errorf("Expected total computed from items, got %v", order["total"])
	}
	if order["status"] != "pending" {
		t.Errorf("Expected pending, got %v", order["status"])
	}
}

func TestCreateOrderHandlerErrors(t *testing.T) {
	f := newFixture()
	router, _ := newTestRouter(f)

	tests := []struct {
		name     string
		body     interface{}
		expected int
	}{
		{"malformed body", "{not json", http.StatusBadRequest},
		{"no items", map[string]interface{}{"mesa": "1", "items": []string{}}, http.StatusBadRequest},
		{"no mesa", map[string]interface{}{"items": []string{"Gaseosa $4.500 x1"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := doRequest(t, router, "POST", "/orders", tt.body)
			if rec.Code != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, rec.Code)
			}
			if resp["success"] != false {
				t.Errorf("Expected success false, got %v", resp["success"])
			}
		})
	}
}

func TestCreateOrderHandlerBackendDown(t *testing.T) {
	f := newFixture()
	f.backend.writeErr = errors.New("connection refused")
	router, _ := newTestRouter(f)
	body := map[string]interface{}{"mesa": "1", "items": []string{"Gaseosa $4.500 x1"}}

	rec, _ := doRequest(t, router, "POST", "/orders", body)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 on backend failure, got %d", rec.Code)
	}
	doRequest(t, router, "POST", "/orders", body)

	rec, _ = doRequest(t, router, "POST", "/orders", body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 with open breaker, got %d", rec.Code)
	}
}

func TestUpdateStatusHandler(t *testing.T) {
	f := newFixture()
	router, _ := newTestRouter(f)
	order, _ := f.service.CreateOrder(context.Background(), "2", items("Gaseosa $4.500 x1"), decimal.RequireFromString("4500"))
	f.echo(t, models.ChangeInsert, order.ID)

	rec, _ := doRequest(t, router, "PUT", "/orders/"+order.ID+"/status", map[string]string{"status": "ready"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	f.echo(t, models.ChangeUpdate, order.ID)

	rec, _ = doRequest(t, router, "PUT", "/orders/"+order.ID+"/status", map[string]string{"status": "pending"})
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 moving backwards, got %d", rec.Code)
	}

	rec, _ = doRequest(t, router, "PUT", "/orders/missing/status", map[string]string{"status": "ready"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown order, got %d", rec.Code)
	}
}

func TestAppendItemsHandler(t *testing.T) {
	f := newFixture()
	router, _ := newTestRouter(f)
	order, _ := f.service.CreateOrder(context.Background(), "6", items("Gaseosa $4.500 x1"), decimal.RequireFromString("4500"))
	f.echo(t, models.ChangeInsert, order.ID)

	rec, _ := doRequest(t, router, "PUT", "/orders/"+order.ID+"/items", map[string]interface{}{
		"items": []string{"Gaseosa $4.500 x1", "Postre $8.000 x1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if row := f.backend.orders[order.ID]; row.Total.String() != "12500" {
		t.Errorf("Expected total 12500, got %s", row.Total)
	}
	local, _ := f.store.Order(order.ID)
	if len(local.NewItems) != 1 || local.NewItems[0] != 1 {
		t.Errorf("Expected item 1 flagged new, got %v", local.NewItems)
	}
}

func TestProcessPaymentHandler(t *testing.T) {
	f := newFixture()
	router, _ := newTestRouter(f)
	order, _ := f.service.CreateOrder(context.Background(), "3", items("Pizza Hawaiana (Grande) $45.000 x1"), decimal.RequireFromString("45000"))
	f.echo(t, models.ChangeInsert, order.ID)

	rec, _ := doRequest(t, router, "POST", "/orders/"+order.ID+"/payment", map[string]interface{}{
		"payment_method": "efectivo",
		"tendered":       "40000",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for insufficient cash, got %d", rec.Code)
	}
	if f.backend.orders[order.ID].Status != models.StatusPending {
		t.Fatal("Rejected payment must not be written")
	}

	rec, resp := doRequest(t, router, "POST", "/orders/"+order.ID+"/payment", map[string]interface{}{
		"payment_method": "efectivo",
		"tendered":       "50000",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp["change"] != "5000" {
		t.Errorf("Expected change 5000, got %v", resp["change"])
	}
	if f.backend.orders[order.ID].Status != models.StatusPaid {
		t.Error("Expected order paid in backend")
	}
}

func TestDeleteOrderHandler(t *testing.T) {
	f := newFixture()
	router, _ := newTestRouter(f)
	order, _ := f.service.CreateOrder(context.Background(), "1", items("Gaseosa $4.500 x1"), decimal.RequireFromString("4500"))

	rec, _ := doRequest(t, router, "DELETE", "/orders/"+order.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	rec, _ = doRequest(t, router, "DELETE", "/orders/"+order.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestCalculateChangeHandler(t *testing.T) {
	f := newFixture()
	router, _ := newTestRouter(f)

	rec, resp := doRequest(t, router, "POST", "/checkout/change", map[string]string{"total": "43500", "tendered": "50000"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if resp["change"] != "6500" {
		t.Errorf("Expected change 6500, got %v", resp["change"])
	}
	tenders, ok := resp["quick_tenders"].([]interface{})
	if !ok || len(tenders) == 0 || tenders[0] != "43500" {
		t.Errorf("Expected quick tenders starting at the total, got %v", resp["quick_tenders"])
	}

	rec, _ = doRequest(t, router, "POST", "/checkout/change", map[string]string{"total": "43500", "tendered": "20000"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for insufficient tender, got %d", rec.Code)
	}
}

func TestListOrdersAndTablesHandler(t *testing.T) {
	f := newFixture()
	f.backend.tables = []models.Table{{Number: 1, Status: models.TableAvailable}}
	router, _ := newTestRouter(f)
	order, _ := f.service.CreateOrder(context.Background(), "1", items("Gaseosa $4.500 x1"), decimal.RequireFromString("4500"))
	f.echo(t, models.ChangeInsert, order.ID)
	f.service.Load(context.Background())

	rec, resp := doRequest(t, router, "GET", "/orders", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if resp["count"] != float64(1) || resp["ready"] != true {
		t.Errorf("Unexpected list response: %v", resp)
	}

	rec, resp = doRequest(t, router, "GET", "/tables", nil)
	if rec.Code != http.StatusOK || resp["count"] != float64(1) {
		t.Errorf("Unexpected tables response %d: %v", rec.Code, resp)
	}
}

func TestDailyReportHandler(t *testing.T) {
	f := newFixture()
	router, _ := newTestRouter(f)
	order, _ := f.service.CreateOrder(context.Background(), "1", items("Gaseosa $4.500 x2"), decimal.RequireFromString("9000"))
	f.service.ProcessPayment(context.Background(), order.ID, models.PaymentCard, "")
	f.echo(t, models.ChangeInsert, order.ID)

	rec, resp := doRequest(t, router, "GET", "/reports/daily", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if resp["date"] != "2026-10-19" || resp["orders"] != float64(1) || resp["gross"] != "9000" {
		t.Errorf("Unexpected report: %v", resp)
	}
}

func TestHealthCheckHandler(t *testing.T) {
	f := newFixture()
	router, handler := newTestRouter(f)

	handler.SetPinger(stubPinger{})
	rec, resp := doRequest(t, router, "GET", "/health", nil)
	if rec.Code != http.StatusOK || resp["status"] != "healthy" {
		t.Errorf("Expected healthy, got %d: %v", rec.Code, resp)
	}

	handler.SetPinger(stubPinger{err: errors.New("down")})
	rec, resp = doRequest(t, router, "GET", "/health", nil)
	if rec.Code != http.StatusServiceUnavailable || resp["status"] != "unhealthy" {
		t.Errorf("Expected unhealthy, got %d: %v", rec.Code, resp)
	}
}

func TestAuditDriftHandler(t *testing.T) {
	f := newFixture()
	router, handler := newTestRouter(f)

	rec, _ := doRequest(t, router, "GET", "/audit/drift", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without auditor, got %d", rec.Code)
	}

	handler.SetAuditor(stubAuditor{err: errors.New("timeout")})
	rec, _ = doRequest(t, router, "GET", "/audit/drift", nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 on audit failure, got %d", rec.Code)
	}

	handler.SetAuditor(stubAuditor{report: &drift.Report{}})
	rec, _ = doRequest(t, router, "GET", "/audit/drift", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}
