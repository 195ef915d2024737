package api

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"

	"github.com/pulsemail/relay/internal/replies"
)

// inboundPayload is the provider's inbound-parse webhook body.
type inboundPayload struct {
	From      string            `json:"from"`
	To        []string          `json:"to"`
	Subject   string            `json:"subject"`
	MessageID string            `json:"message_id"`
	Text      string            `json:"text"`
	HTML      string            `json:"html"`
	Headers   map[string]string `json:"headers"`
}

// InboundWebhook accepts inbound mail from the provider. Authenticated by a
// shared secret header; unmatched or duplicate messages are still acked so
// the provider stops redelivering.
//
//	POST /api/webhooks/inbound
func (h *Handlers) InboundWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhook.Secret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhook.Secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	var payload inboundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg := &replies.Inbound{
		From:      payload.From,
		To:        payload.To,
		Subject:   payload.Subject,
		MessageID: payload.MessageID,
		Text:      payload.Text,
		HTML:      payload.HTML,
		Headers:   payload.Headers,
	}
	if err := h.inbound.Process(r.Context(), msg); err != nil {
		// Storage trouble: let the provider redeliver
		log.Printf("[Webhook] inbound: %v", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
