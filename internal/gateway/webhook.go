// ABOUTME: Provider webhook endpoints: subscription handshake and message delivery
// ABOUTME: A parsed delivery is acknowledged with 200 even when individual messages fail

package gateway

import (
	"net/http"
	"net/url"

	"github.com/2389/coven-desk/internal/provider"
)

// handleWebhookVerify handles GET /webhook, the provider's subscription handshake.
// The provider sends hub.mode, hub.verify_token and hub.challenge; the bare names are accepted too.
func (g *Gateway) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := hubParam(q, "mode")
	challenge, ok := provider.VerifySubscription(
		mode,
		hubParam(q, "verify_token"),
		hubParam(q, "challenge"),
		g.config.Provider.VerifyToken,
	)
	if !ok {
		g.logger.Warn("webhook verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	g.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// hubParam reads hub.<name>, falling back to <name>.
func hubParam(q url.Values, name string) string {
	if v := q.Get("hub." + name); v != "" {
		return v
	}
	return q.Get(name)
}

// handleWebhook handles POST /webhook. Messages are processed in arrival order before
// the response is written, so the provider only retries deliveries that never parsed.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	payload, err := provider.DecodeWebhook(r.Body)
	if err != nil {
		g.logger.Warn("malformed webhook body", "error", err)
		g.sendJSONError(w, http.StatusBadRequest, "malformed webhook body")
		return
	}

	for _, st := range payload.Statuses() {
		g.logger.Debug("delivery status",
			"provider_message_id", st.ID,
			"status", st.Status,
			"recipient", st.RecipientID)
	}

	if msgs := payload.Messages(); len(msgs) > 0 {
		g.inbound.ProcessBatch(detach(r.Context()), msgs)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))
}
