package models

import (
	"encoding/json"
	"time"
)

// SessionRecord is the durable form of a user's credential record.
// Creds and Keys hold JSON documents owned by the credential store.
type SessionRecord struct {
	UserID    string          `json:"user_id"`
	AuthRef   string          `json:"auth_ref"`
	Creds     json.RawMessage `json:"creds"`
	Keys      json.RawMessage `json:"keys"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// User is the account row written the first time a session reaches OPEN.
type User struct {
	UserID    string    `json:"user_id"`
	AuthRef   string    `json:"auth_ref"`
	Name      string    `json:"name,omitempty"`
	LID       string    `json:"lid,omitempty"`
	JID       string    `json:"jid,omitempty"`
	MaxRAMMB  int       `json:"max_ram_mb"`
	MaxROMMB  int       `json:"max_rom_mb"`
	CreatedAt time.Time `json:"created_at"`
}

// UserLimits bounds how much credential data a user may hold per tier.
type UserLimits struct {
	MaxRAMMB int `json:"max_ram_mb"`
	MaxROMMB int `json:"max_rom_mb"`
}

// RAMBytes returns the in-memory budget in bytes.
func (l UserLimits) RAMBytes() int {
	return l.MaxRAMMB * 1024 * 1024
}

// DeliveryChannel is where out-of-band notices for a user are sent.
type DeliveryChannel struct {
	UserID  string `json:"user_id"`
	AuthRef string `json:"auth_ref"`
	Email   string `json:"email,omitempty"`
	ChatJID string `json:"chat_jid,omitempty"`
}
