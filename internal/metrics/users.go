package metrics

import (
	"sync"
	"time"
)

// TimingKind names a per-user processing measurement.
type TimingKind string

const (
	QueueProcessingTime   TimingKind = "queueProcessingTime"
	MessageProcessingTime TimingKind = "messageProcessingTime"
	CommandProcessingTime TimingKind = "commandProcessingTime"
)

// UserTimings holds the most recent measurement of each kind for one user.
type UserTimings struct {
	UserID    string             `json:"user_id"`
	Timings   map[TimingKind]int `json:"timings_ms"`
	Counts    map[TimingKind]int `json:"counts"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// UserStore keeps per-user timings grouped by owning account reference. Every
// sample is mirrored into the aggregate registry as a timer.
type UserStore struct {
	mu       sync.RWMutex
	byAuth   map[string]map[string]*UserTimings
	registry *Registry
}

// NewUserStore creates a store that mirrors samples into registry (nil for the global one).
func NewUserStore(registry *Registry) *UserStore {
	if registry == nil {
		registry = globalRegistry
	}
	return &UserStore{
		byAuth:   make(map[string]map[string]*UserTimings),
		registry: registry,
	}
}

// Record stores a sample for (authRef, userID).
func (s *UserStore) Record(userID, authRef string, kind TimingKind, d time.Duration) {
	s.mu.Lock()
	users, ok := s.byAuth[authRef]
	if !ok {
		users = make(map[string]*UserTimings)
		s.byAuth[authRef] = users
	}
	ut, ok := users[userID]
	if !ok {
		ut = &UserTimings{
			UserID:  userID,
			Timings: make(map[TimingKind]int),
			Counts:  make(map[TimingKind]int),
		}
		users[userID] = ut
	}
	ut.Timings[kind] = int(d.Milliseconds())
	ut.Counts[kind]++
	ut.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.registry.RecordTimer(string(kind), d, nil, "Per-user processing time")
}

// ForAuthRef returns copies of every user's timings under authRef.
func (s *UserStore) ForAuthRef(authRef string) []UserTimings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := s.byAuth[authRef]
	out := make([]UserTimings, 0, len(users))
	for _, ut := range users {
		out = append(out, copyTimings(ut))
	}
	return out
}

// Get returns one user's timings.
func (s *UserStore) Get(userID, authRef string) (UserTimings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ut, ok := s.byAuth[authRef][userID]
	if !ok {
		return UserTimings{}, false
	}
	return copyTimings(ut), true
}

// DeleteUser drops a user's timings from every account.
func (s *UserStore) DeleteUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for authRef, users := range s.byAuth {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.byAuth, authRef)
		}
	}
}

func copyTimings(ut *UserTimings) UserTimings {
	c := UserTimings{
		UserID:    ut.UserID,
		Timings:   make(map[TimingKind]int, len(ut.Timings)),
		Counts:    make(map[TimingKind]int, len(ut.Counts)),
		UpdatedAt: ut.UpdatedAt,
	}
	for k, v := range ut.Timings {
		c.Timings[k] = v
	}
	for k, v := range ut.Counts {
		c.Counts[k] = v
	}
	return c
}
