package handlers

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linuxmuster/lmn-authority/internal/logger"
)

// validEvents are the change topics a webhook may subscribe to.
var validEvents = map[string]struct{}{
	"hosts.changed":      {},
	"startconfs.changed": {},
	"configs.changed":    {},
	"dhcp.changed":       {},
}

// WebhookRegistration is the body of POST /webhooks.
type WebhookRegistration struct {
	URL    string   `json:"url" validate:"required"`
	Events []string `json:"events" validate:"required,min=1"`
	Secret string   `json:"secret" validate:"required,min=16"`
}

// WebhookResponse describes a registered webhook.
type WebhookResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"createdAt"`
}

// WebhooksHandler accepts webhook registrations. Registrations are held
// in memory and nothing is dispatched yet; the endpoint exists so clients
// can wire up subscriptions before delivery lands.
type WebhooksHandler struct {
	mu         sync.Mutex
	registered []WebhookResponse
}

// NewWebhooksHandler creates a webhooks handler.
func NewWebhooksHandler() *WebhooksHandler {
	return &WebhooksHandler{}
}

// Register handles POST /api/v1/linbo/webhooks.
func (h *WebhooksHandler) Register(w http.ResponseWriter, r *http.Request) {
	var body WebhookRegistration
	if !decodeBody(w, r, &body) {
		return
	}

	for _, event := range body.Events {
		if _, ok := validEvents[event]; !ok {
			writeValidationError(w, fmt.Sprintf("Unknown webhook event: %s", event))
			return
		}
	}

	id := uuid.New()
	resp := WebhookResponse{
		ID:        "wh_" + hex.EncodeToString(id[:])[:24],
		URL:       body.URL,
		Events:    body.Events,
		CreatedAt: time.Now().UTC(),
	}

	h.mu.Lock()
	h.registered = append(h.registered, resp)
	h.mu.Unlock()

	logger.Info("webhook registered",
		"id", resp.ID,
		"url", resp.URL,
		"events", resp.Events)

	writeJSON(w, http.StatusCreated, resp)
}

// Len returns the number of registered webhooks.
func (h *WebhooksHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.registered)
}
