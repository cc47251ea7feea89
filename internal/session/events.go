package session

import (
	"whatsbot/internal/credentials"
	"whatsbot/internal/models"
)

// Phase is where a user's session is in its connection lifecycle.
type Phase string

const (
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseConnecting    Phase = "CONNECTING"
	PhaseAwaitingQR    Phase = "AWAITING_QR"
	PhaseOpen          Phase = "OPEN"
	PhaseClosing       Phase = "CLOSING"
	PhaseTerminated    Phase = "TERMINATED"
)

// Connection is the connection state reported by the chat client.
type Connection string

const (
	ConnectionConnecting Connection = "connecting"
	ConnectionOpen       Connection = "open"
	ConnectionClose      Connection = "close"
)

// CloseCode is the numeric reason attached to a close update.
type CloseCode int

const (
	CloseLoggedOut           CloseCode = 401
	CloseTimedOut            CloseCode = 408
	CloseConnectionLost      CloseCode = 408
	CloseMultideviceMismatch CloseCode = 411
	CloseConnectionClosed    CloseCode = 428
	CloseConnectionReplaced  CloseCode = 440
	CloseBadSession          CloseCode = 500
	CloseRestartRequired     CloseCode = 515
)

// Event is anything a Conn emits.
type Event interface {
	event()
}

// ConnectionUpdate reports a connection state change. LoginCode is set when the
// client needs the user to scan a login code.
type ConnectionUpdate struct {
	Connection Connection
	CloseCode  CloseCode
	LoginCode  string
}

// CredentialsUpdate carries rotated credentials. Either field may be nil.
type CredentialsUpdate struct {
	Creds *credentials.Creds
	Keys  credentials.KeyMap
}

// MessageEvent carries one inbound chat message.
type MessageEvent struct {
	Message *models.InboundMessage
}

func (ConnectionUpdate) event()  {}
func (CredentialsUpdate) event() {}
func (MessageEvent) event()      {}
