package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/markjakearzadon/notipay-reconciler/internal/normalizer"
	"github.com/markjakearzadon/notipay-reconciler/internal/services"
)

// maxWebhookBody caps aggregator payloads.
const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	service *services.ReconciliationService
	apiKey  string
	timeout time.Duration
}

func NewWebhookHandler(service *services.ReconciliationService, apiKey string, timeout time.Duration) *WebhookHandler {
	return &WebhookHandler{service: service, apiKey: apiKey, timeout: timeout}
}

// Webhook answers 200 to every parseable payload, matched or not, so the
// aggregator never retries a delivery that was received.
func (h *WebhookHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.apiKey == "" {
		log.Errorf("[Webhook] WEBHOOK_API_KEY is not configured")
		writeError(w, http.StatusInternalServerError, "Webhook is not configured")
		return
	}
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized webhook")
		return
	}

	payload, err := normalizer.Decode(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Warnf("[Webhook] Rejected malformed payload: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	// detached from the request: a dropped connection must not abort matching
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	summary := h.service.HandleWebhook(ctx, payload)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"shape":      summary.Shape,
		"received":   summary.Received,
		"duplicates": summary.Duplicates,
		"matched":    summary.Matched,
	})
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	key := r.Header.Get("x-callback-token")
	if auth := r.Header.Get("Authorization"); key == "" && auth != "" {
		key = strings.TrimSpace(strings.TrimPrefix(auth, "Apikey "))
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) == 1
}
