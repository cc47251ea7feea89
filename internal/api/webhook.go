package api

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"whatsbot/internal/metrics"
	"whatsbot/pkg/whatsapp"
	"whatsbot/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
)

const (
	webhookHMACHeader      = "X-Webhook-Hmac"
	webhookAlgorithmHeader = "X-Webhook-Hmac-Algorithm"
	maxWebhookBytes        = 5 << 20
)

// verifyWebhook checks the gateway's HMAC-SHA512 signature of body. No secret
// means signatures are not checked.
func verifyWebhook(r *http.Request, body []byte, secret string) error {
	if secret == "" {
		return nil
	}
	signature := strings.TrimSpace(r.Header.Get(webhookHMACHeader))
	if signature == "" {
		return fmt.Errorf("missing signature header: %s", webhookHMACHeader)
	}
	if alg := r.Header.Get(webhookAlgorithmHeader); alg != "" && !strings.EqualFold(alg, "sha512") {
		return fmt.Errorf("unsupported signature algorithm %q", alg)
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return errors.New("signature mismatch")
	}
	return nil
}

func (s *Server) handleWAHAWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
			return
		}
		if err := verifyWebhook(r, body, s.webhookSecret); err != nil {
			s.logger.WithError(err).Warn("Rejected gateway webhook")
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
			return
		}

		var event types.WebhookEvent
		if err := json.Unmarshal(body, &event); err != nil || event.Event == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event payload"})
			return
		}

		labels := map[string]string{"event": event.Event}
		metrics.IncrementCounter("webhook_events_total", labels, "Gateway webhook events received")

		if err := s.deps.Webhook.Handle(r.Context(), &event); err != nil {
			if errors.Is(err, whatsapp.ErrUnhandledEvent) {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			s.logger.WithError(err).WithFields(logrus.Fields{
				"event":   event.Event,
				"session": event.Session,
			}).Warn("Failed to handle gateway webhook")
			metrics.IncrementCounter("webhook_errors_total", labels, "Gateway webhook events that failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "event handling failed"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
