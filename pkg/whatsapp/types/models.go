package types

import (
	"encoding/json"
	"strings"
)

// Me is the account a gateway session is paired with.
type Me struct {
	ID       string `json:"id"`
	PushName string `json:"pushName,omitempty"`
	LID      string `json:"lid,omitempty"`
}

// SessionConfig is the per-session configuration stored by the gateway.
type SessionConfig struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Session represents a gateway session
type Session struct {
	Name   string         `json:"name"`
	Status string         `json:"status"`
	Me     *Me            `json:"me,omitempty"`
	Config *SessionConfig `json:"config,omitempty"`
}

// CreateSessionRequest creates (and optionally starts) a session
type CreateSessionRequest struct {
	Name   string         `json:"name"`
	Start  bool           `json:"start"`
	Config *SessionConfig `json:"config,omitempty"`
}

// QRResponse is the raw login code of a session waiting to be paired
type QRResponse struct {
	Value string `json:"value"`
}

// SendMessageRequest represents the base request for sending messages
type SendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	Session string `json:"session"`
}

// SendMessageResponse is the subset of the send response we use
type SendMessageResponse struct {
	ID *struct {
		FromMe     bool   `json:"fromMe"`
		Remote     string `json:"remote"`
		ID         string `json:"id"`
		Serialized string `json:"_serialized"`
	} `json:"id,omitempty"`
}

// MessageID returns the serialized id of the sent message, if reported.
func (r *SendMessageResponse) MessageID() string {
	if r == nil || r.ID == nil {
		return ""
	}
	if r.ID.Serialized != "" {
		return r.ID.Serialized
	}
	return r.ID.ID
}

// WAHAErrorResponse represents error responses from WAHA API
type WAHAErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// WebhookEvent represents an event delivered by webhook or over the event stream
type WebhookEvent struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Session string          `json:"session"`
	Me      *Me             `json:"me,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// SessionStatusPayload is the payload of a session.status event. StatusCode
// carries the disconnect reason for FAILED sessions when the engine reports one.
type SessionStatusPayload struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// MediaInfo describes an attachment
type MediaInfo struct {
	URL      string `json:"url,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ReplyTo is the quoted message of a reply
type ReplyTo struct {
	ID   string `json:"id,omitempty"`
	Body string `json:"body,omitempty"`
}

// MessagePayload represents a message payload in a webhook
type MessagePayload struct {
	ID          string     `json:"id"`
	Timestamp   int64      `json:"timestamp"`
	From        string     `json:"from"`
	FromMe      bool       `json:"fromMe"`
	To          string     `json:"to"`
	Participant string     `json:"participant,omitempty"`
	Body        string     `json:"body"`
	HasMedia    bool       `json:"hasMedia"`
	Media       *MediaInfo `json:"media,omitempty"`
	ReplyTo     *ReplyTo   `json:"replyTo,omitempty"`
}

// IsGroupMessage returns true if the message is from a group chat
func (m *MessagePayload) IsGroupMessage() bool {
	return strings.HasSuffix(m.ChatID(), "@g.us")
}

// ChatID is the conversation the message belongs to.
func (m *MessagePayload) ChatID() string {
	if m.FromMe {
		return m.To
	}
	return m.From
}
