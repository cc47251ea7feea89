package whatsapp

import (
	"context"

	"whatsbot/pkg/whatsapp/types"
)

// SessionAPI is the gateway's session and messaging REST surface.
type SessionAPI interface {
	CreateSession(ctx context.Context, name string, metadata map[string]string) (*types.Session, error)
	GetSession(ctx context.Context, name string) (*types.Session, error)
	StartSession(ctx context.Context, name string) error
	StopSession(ctx context.Context, name string) error
	LogoutSession(ctx context.Context, name string) error
	GetQR(ctx context.Context, name string) (string, error)
	SendText(ctx context.Context, name, chatID, text string) (*types.SendMessageResponse, error)
}

// WebhookHandler routes gateway events by name.
type WebhookHandler interface {
	Handle(ctx context.Context, event *types.WebhookEvent) error
	RegisterEventHandler(eventType string, handler func(context.Context, *types.WebhookEvent) error)
}
