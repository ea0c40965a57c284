package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/labstack/gommon/log"

	"github.com/markjakearzadon/notipay-reconciler/internal/config"
	"github.com/markjakearzadon/notipay-reconciler/internal/models"
	"github.com/markjakearzadon/notipay-reconciler/internal/notify"
	"github.com/markjakearzadon/notipay-reconciler/internal/services"
)

const (
	defaultOrphanLimit = 100
	heartbeatInterval  = 15 * time.Second
)

type OrderHandler struct {
	service *services.OrderService
	hub     *notify.Hub
	bank    config.BankAccount
	timeout time.Duration
}

func NewOrderHandler(service *services.OrderService, hub *notify.Hub, bank config.BankAccount, timeout time.Duration) *OrderHandler {
	return &OrderHandler{service: service, hub: hub, bank: bank, timeout: timeout}
}

type VerifyRequest struct {
	OrderID string `json:"orderId"`
	Action  string `json:"action,omitempty"`
}

type VerifyResponse struct {
	Verified bool               `json:"verified"`
	Status   models.OrderStatus `json:"status"`
}

type OrderResponse struct {
	Order       *models.PendingOrder `json:"order"`
	BankAccount config.BankAccount   `json:"bankAccount"`
}

func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req services.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	order, result, err := h.service.CreateOrder(ctx, p.UserID, req)
	if err != nil {
		h.fail(w, "create order", err)
		return
	}

	status := http.StatusCreated
	if result == models.AlreadyExisted {
		status = http.StatusOK
	}
	writeJSON(w, status, OrderResponse{Order: order, BankAccount: h.bank})
}

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	orderID := mux.Vars(r)["orderID"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	order, err := h.service.GetOrder(ctx, p.UserID, orderID)
	if err != nil {
		h.fail(w, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, OrderResponse{Order: order, BankAccount: h.bank})
}

// Verify checks an order against received transactions, or cancels it when
// action is "cancel".
func (h *OrderHandler) Verify(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeError(w, http.StatusBadRequest, "orderId is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var (
		order *models.PendingOrder
		err   error
	)
	switch req.Action {
	case "":
		order, err = h.service.Verify(ctx, p.UserID, req.OrderID)
	case "cancel":
		order, err = h.service.Cancel(ctx, p.UserID, req.OrderID)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown action %q", req.Action))
		return
	}
	if err != nil {
		h.fail(w, "verify order", err)
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{
		Verified: order.Status == models.StatusVerified,
		Status:   order.Status,
	})
}

// Events streams the order's status as server-sent events: the current
// status first, then every transition. The stream ends after a terminal
// status.
func (h *OrderHandler) Events(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	orderID := mux.Vars(r)["orderID"]

	rc := http.NewResponseController(w)

	order, err := h.service.GetOrder(r.Context(), p.UserID, orderID)
	if err != nil {
		h.fail(w, "stream order", err)
		return
	}
	events, unsubscribe := h.hub.Subscribe(order.OrderID)
	defer unsubscribe()

	// re-read after subscribing so a transition in between is not lost
	order, err = h.service.GetOrder(r.Context(), p.UserID, orderID)
	if err != nil {
		h.fail(w, "stream order", err)
		return
	}

	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Debugf("[Events] Write deadline not adjustable: %v", err)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	current := notify.Event{OrderID: order.OrderID, Status: order.Status, At: order.UpdatedAt}
	if err := writeEvent(w, rc, current); err != nil || order.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, ev); err != nil {
				log.Debugf("[Events] Client for %s went away: %v", ev.OrderID, err)
				return
			}
			if ev.Status.Terminal() {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			rc.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev notify.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

// Orphaned lists journal entries that need manual reconciliation.
func (h *OrderHandler) Orphaned(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	if p.Role != RoleAdmin {
		writeError(w, http.StatusForbidden, "Admin role required")
		return
	}

	limit := defaultOrphanLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entries, err := h.service.ListOrphaned(ctx, limit)
	if err != nil {
		h.fail(w, "list orphaned transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *OrderHandler) fail(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, services.ErrForbidden):
		writeError(w, http.StatusForbidden, "Unauthorized to access this order")
	case errors.Is(err, services.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Errorf("Failed to %s: %v", action, err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to %s", action))
	}
}
