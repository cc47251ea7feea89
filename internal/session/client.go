package session

import (
	"context"

	"whatsbot/internal/credentials"
	"whatsbot/internal/models"
)

// ChatClient opens protocol connections for users.
type ChatClient interface {
	Connect(ctx context.Context, userID string, rec *credentials.Record) (Conn, error)
}

// Conn is one live protocol connection. Events is closed after the final
// close update has been delivered.
type Conn interface {
	Events() <-chan Event
	SendText(ctx context.Context, chat, text string) error
	Self() credentials.Identity
	Close(ctx context.Context) error
	Alive() bool
}

// Inbound is a message handed to the dispatcher together with the connection it arrived on.
type Inbound struct {
	UserID  string
	AuthRef string
	Conn    Conn
	Message *models.InboundMessage
}

// MessageHandler receives inbound messages. It must not block on message processing.
type MessageHandler interface {
	HandleMessage(ctx context.Context, in Inbound)
}

// UserStore is the account table the session lifecycle writes to.
type UserStore interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	SaveUser(ctx context.Context, u models.User) error
	DeleteUser(ctx context.Context, userID string) error
	ListSessions(ctx context.Context) ([]models.SessionRecord, error)
}

// QueueForgetter drops a user's pending tasks.
type QueueForgetter interface {
	Forget(userID string) int
}

// UserMetrics drops a user's per-user measurements.
type UserMetrics interface {
	DeleteUser(userID string)
}
