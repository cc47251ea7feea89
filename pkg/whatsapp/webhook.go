package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"whatsbot/internal/credentials"
	"whatsbot/internal/models"
	"whatsbot/internal/session"
	"whatsbot/pkg/whatsapp/types"
)

// ErrUnhandledEvent is returned for events with no registered handler.
var ErrUnhandledEvent = errors.New("no handler registered for event type")

type webhookHandler struct {
	handlers map[string]func(context.Context, *types.WebhookEvent) error
	mu       sync.RWMutex
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler() WebhookHandler {
	return &webhookHandler{
		handlers: make(map[string]func(context.Context, *types.WebhookEvent) error),
	}
}

func (wh *webhookHandler) Handle(ctx context.Context, event *types.WebhookEvent) error {
	wh.mu.RLock()
	handler, exists := wh.handlers[event.Event]
	wh.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnhandledEvent, event.Event)
	}
	return handler(ctx, event)
}

func (wh *webhookHandler) RegisterEventHandler(eventType string, handler func(context.Context, *types.WebhookEvent) error) {
	wh.mu.Lock()
	defer wh.mu.Unlock()

	wh.handlers[eventType] = handler
}

func (g *Gateway) handleStatus(ctx context.Context, event *types.WebhookEvent) error {
	var payload types.SessionStatusPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal session status payload: %w", err)
	}
	name := event.Session
	if name == "" {
		name = payload.Name
	}
	c := g.lookup(name)
	if c == nil {
		g.logger.WithField("session", name).WithField("status", payload.Status).
			Debug("Status for unattached session ignored")
		return nil
	}
	g.apply(ctx, c, payload.Status, payload.StatusCode, event.Me)
	return nil
}

func (g *Gateway) handleMessage(_ context.Context, event *types.WebhookEvent) error {
	var payload types.MessagePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal message payload: %w", err)
	}
	c := g.lookup(event.Session)
	if c == nil {
		g.logger.WithField("session", event.Session).Debug("Message for unattached session ignored")
		return nil
	}
	c.push(session.MessageEvent{Message: toInbound(&payload, c.Self())})
	return nil
}

func toInbound(p *types.MessagePayload, self credentials.Identity) *models.InboundMessage {
	msg := &models.InboundMessage{
		ID:     p.ID,
		Chat:   p.ChatID(),
		Sender: p.From,
		FromMe: p.FromMe,
		Kind:   models.MessageKindText,
		Text:   p.Body,
	}
	if p.Participant != "" {
		msg.Sender = p.Participant
	}
	if p.FromMe && self.ID != "" {
		msg.Sender = self.ID
	}
	if p.Timestamp > 0 {
		msg.Timestamp = time.Unix(p.Timestamp, 0).UTC()
	}
	if p.ReplyTo != nil {
		msg.QuotedText = p.ReplyTo.Body
	}
	if p.HasMedia {
		mime := ""
		if p.Media != nil {
			mime = p.Media.Mimetype
		}
		msg.MimeType = mime
		msg.Kind = kindForMime(mime)
	}
	return msg
}

func kindForMime(mime string) models.MessageKind {
	mime = strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	switch {
	case mime == "image/webp":
		return models.MessageKindSticker
	case strings.HasPrefix(mime, "image/"):
		return models.MessageKindImage
	case strings.HasPrefix(mime, "video/"):
		return models.MessageKindVideo
	case mime == "audio/ogg":
		return models.MessageKindVoice
	case strings.HasPrefix(mime, "audio/"):
		return models.MessageKindAudio
	case mime == "":
		return models.MessageKindOther
	default:
		return models.MessageKindDocument
	}
}
