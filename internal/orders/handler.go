package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/pios-pos/internal/checkout"
	"github.com/jogardn/pios-pos/internal/circuitbreaker"
	"github.com/jogardn/pios-pos/internal/drift"
	"github.com/jogardn/pios-pos/internal/report"
	"github.com/jogardn/pios-pos/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Auditor interface {
	Audit(ctx context.Context) (*drift.Report, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the point-of-sale HTTP API.
type Handler struct {
	service  *Service
	breakers *circuitbreaker.Manager
	auditor  Auditor
	db       Pinger
	logger   *logrus.Logger
}

func NewHandler(service *Service, breakers *circuitbreaker.Manager, logger *logrus.Logger) *Handler {
	return &Handler{
		service:  service,
		breakers: breakers,
		logger:   logger,
	}
}

func (h *Handler) SetAuditor(a Auditor) {
	h.auditor = a
}

func (h *Handler) SetPinger(p Pinger) {
	h.db = p
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/orders", h.ListOrders).Methods("GET")
	router.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	router.HandleFunc("/orders/{id}/items", h.AppendItems).Methods("PUT")
	router.HandleFunc("/orders/{id}/status", h.UpdateStatus).Methods("PUT")
	router.HandleFunc("/orders/{id}/payment", h.ProcessPayment).Methods("POST")
	router.HandleFunc("/orders/{id}", h.DeleteOrder).Methods("DELETE")
	router.HandleFunc("/tables", h.ListTables).Methods("GET")
	router.HandleFunc("/reports/daily", h.DailyReport).Methods("GET")
	router.HandleFunc("/checkout/change", h.CalculateChange).Methods("POST")
	router.HandleFunc("/audit/drift", h.AuditDrift).Methods("GET")
}

type createOrderRequest struct {
	Mesa  string            `json:"mesa"`
	Items []models.LineItem `json:"items"`
	Total *decimal.Decimal  `json:"total,omitempty"`
}

type itemsRequest struct {
	Items []models.LineItem `json:"items"`
	Total *decimal.Decimal  `json:"total,omitempty"`
}

type statusRequest struct {
	Status models.OrderStatus `json:"status"`
}

type paymentRequest struct {
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	SaleID        string               `json:"sale_id,omitempty"`
	Tendered      *decimal.Decimal     `json:"tendered,omitempty"`
}

type changeRequest struct {
	Total    decimal.Decimal `json:"total"`
	Tendered decimal.Decimal `json:"tendered"`
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	st := h.service.Store()
	active := st.Active()
	paid := st.Paid()

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"ready":   st.Ready(),
		"active":  active,
		"paid":    paid,
		"count":   len(active) + len(paid),
	})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Error("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	total := checkout.TotalOf(req.Items)
	if req.Total != nil {
		total = *req.Total
	}

	order, err := h.service.CreateOrder(r.Context(), req.Mesa, req.Items, total)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success: true,
		Message: "Order created successfully",
		Order:   &order,
	})
}

func (h *Handler) AppendItems(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req itemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	total := checkout.TotalOf(req.Items)
	if req.Total != nil {
		total = *req.Total
	}

	if err := h.service.AppendItems(r.Context(), id, req.Items, total); err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Message: "Items updated"})
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.AdvanceStatus(r.Context(), id, req.Status); err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Message: "Status updated"})
}

func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Cash change is checked before anything is written.
	var change *decimal.Decimal
	if req.Tendered != nil && req.PaymentMethod == models.PaymentCash {
		order, ok := h.service.Store().Order(id)
		if ok {
			c, err := checkout.Change(order.Total, *req.Tendered)
			if err != nil {
				h.respondWithError(w, http.StatusBadRequest, err.Error())
				return
			}
			change = &c
		}
	}

	if err := h.service.ProcessPayment(r.Context(), id, req.PaymentMethod, req.SaleID); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	resp := map[string]interface{}{
		"success": true,
		"message": "Payment processed",
	}
	if change != nil {
		resp["change"] = change
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.service.DeleteOrder(r.Context(), id); err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Message: "Order deleted"})
}

func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	tables := h.service.Store().Tables()
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tables":  tables,
		"count":   len(tables),
	})
}

func (h *Handler) DailyReport(w http.ResponseWriter, r *http.Request) {
	st := h.service.Store()
	from, _ := st.Window()
	h.respondWithJSON(w, http.StatusOK, report.BuildDaily(from, st.Paid(), len(st.Active()), 10))
}

func (h *Handler) CalculateChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp := map[string]interface{}{
		"success":       true,
		"quick_tenders": checkout.QuickTenders(req.Total),
	}
	if !req.Tendered.IsZero() {
		change, err := checkout.Change(req.Total, req.Tendered)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp["change"] = change
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) AuditDrift(w http.ResponseWriter, r *http.Request) {
	if h.auditor == nil {
		h.respondWithError(w, http.StatusNotFound, "Drift audit not enabled")
		return
	}
	rep, err := h.auditor.Audit(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Drift audit failed")
		h.respondWithError(w, http.StatusBadGateway, "Drift audit failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, rep)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":           "healthy",
		"service":          "pos-server",
		"store_ready":      h.service.Store().Ready(),
		"circuit_breakers": h.breakers.Metrics(),
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			resp["status"] = "unhealthy"
			resp["error"] = "database connection failed"
			h.respondWithJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error) {
	h.respondWithError(w, statusFor(err), err.Error())
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
