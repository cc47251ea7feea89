// Package notify delivers out-of-band notices about a user's session: login
// artifacts, connection confirmations and operator alerts.
package notify

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindLoginArtifact        Kind = "login_artifact"
	KindLoginArtifactExpired Kind = "login_artifact_expired"
	KindConnected            Kind = "connected"
	// KindSessionInvalid asks the user to scan a fresh login code.
	KindSessionInvalid Kind = "session_invalid"
	KindOperatorAlert  Kind = "operator_alert"
)

// Artifact is a rendered login code.
type Artifact struct {
	ID        string
	Code      string
	PNG       []byte
	ExpiresAt time.Time
}

// Notification is one notice. Destination overrides the user's registered channel.
type Notification struct {
	Kind        Kind
	UserID      string
	AuthRef     string
	Destination string
	Subject     string
	Text        string
	Artifact    *Artifact
}

// Notifier delivers notifications. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// ErrSkipped reports that a notifier has no route for a notification.
var ErrSkipped = errors.New("notification skipped: no destination")
