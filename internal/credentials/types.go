package credentials

import (
	"encoding/json"
	"time"
)

// Identity is the account the chat network assigned to a paired device.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	LID  string `json:"lid,omitempty"`
}

// Creds is the long-lived half of a user's authentication state.
type Creds struct {
	Me         *Identity `json:"me,omitempty"`
	Registered bool      `json:"registered,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	// Material carries engine fields the core does not interpret.
	Material map[string]json.RawMessage `json:"material,omitempty"`
}

// HasIdentity reports whether pairing has completed.
func (c *Creds) HasIdentity() bool {
	return c != nil && c.Me != nil && c.Me.ID != ""
}

func (c *Creds) clone() *Creds {
	if c == nil {
		return nil
	}
	out := *c
	if c.Me != nil {
		me := *c.Me
		out.Me = &me
	}
	if c.Material != nil {
		out.Material = make(map[string]json.RawMessage, len(c.Material))
		for k, v := range c.Material {
			out.Material[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// KeyMap holds signal key material as category -> key id -> value.
// A nil value in an update deletes that key.
type KeyMap map[string]map[string][]byte

func (k KeyMap) clone() KeyMap {
	out := make(KeyMap, len(k))
	for category, entries := range k {
		c := make(map[string][]byte, len(entries))
		for id, v := range entries {
			c[id] = append([]byte(nil), v...)
		}
		out[category] = c
	}
	return out
}

// merge applies update onto k in place.
func (k KeyMap) merge(update KeyMap) {
	for category, entries := range update {
		dst, ok := k[category]
		if !ok {
			dst = make(map[string][]byte, len(entries))
			k[category] = dst
		}
		for id, v := range entries {
			if v == nil {
				delete(dst, id)
				continue
			}
			dst[id] = append([]byte(nil), v...)
		}
		if len(dst) == 0 {
			delete(k, category)
		}
	}
}

// Count returns the number of stored keys across categories.
func (k KeyMap) Count() int {
	n := 0
	for _, entries := range k {
		n += len(entries)
	}
	return n
}

// Record is the full credential state kept for one user.
type Record struct {
	Creds        *Creds    `json:"creds"`
	Keys         KeyMap    `json:"keys"`
	AuthRef      string    `json:"authRef,omitempty"`
	StartTime    time.Time `json:"startTime"`
	LastActiveAt time.Time `json:"lastActiveAt,omitempty"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Creds = r.Creds.clone()
	if r.Keys != nil {
		out.Keys = r.Keys.clone()
	}
	return &out
}

// Summary is a lightweight view of a stored record.
type Summary struct {
	UserID       string    `json:"user_id"`
	AuthRef      string    `json:"auth_ref"`
	HasIdentity  bool      `json:"has_identity"`
	KeyCount     int       `json:"key_count"`
	StartTime    time.Time `json:"start_time"`
	LastActiveAt time.Time `json:"last_active_at,omitempty"`
}
