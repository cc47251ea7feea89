package models

import (
	"strings"
	"time"
)

// MessageKind is the content class of an inbound chat message.
type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindImage    MessageKind = "image"
	MessageKindVideo    MessageKind = "video"
	MessageKindDocument MessageKind = "document"
	MessageKindAudio    MessageKind = "audio"
	MessageKindVoice    MessageKind = "voice"
	MessageKindSticker  MessageKind = "sticker"
	MessageKindOther    MessageKind = "other"
)

// IsMedia reports whether the kind carries an attachment.
func (k MessageKind) IsMedia() bool {
	switch k {
	case MessageKindImage, MessageKindVideo, MessageKindDocument, MessageKindAudio, MessageKindVoice, MessageKindSticker:
		return true
	}
	return false
}

// InboundMessage is a chat message delivered on a user's connection.
type InboundMessage struct {
	ID         string      `json:"id"`
	Chat       string      `json:"chat"`
	Sender     string      `json:"sender"`
	FromMe     bool        `json:"from_me"`
	Kind       MessageKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	QuotedText string      `json:"quoted_text,omitempty"`
	MimeType   string      `json:"mime_type,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// IsGroup returns true if the message was sent in a group chat
func (m *InboundMessage) IsGroup() bool {
	return strings.HasSuffix(m.Chat, "@g.us")
}
