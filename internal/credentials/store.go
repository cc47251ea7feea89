package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "whatsbot/internal/errors"
	"whatsbot/internal/models"
	"whatsbot/internal/privacy"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidCredentials is returned by Set for records missing creds or keys.
	ErrInvalidCredentials = apperrors.New(apperrors.ErrCodeInvalidCredentials, "credentials must include creds and keys")
	// ErrCorruptCredentials is returned by Acquire when the stored record has no identity.
	ErrCorruptCredentials = apperrors.New(apperrors.ErrCodeCorruptCredentials, "stored credentials have no identity")
)

// Durable is the persistent tier behind the in-memory store.
type Durable interface {
	SaveSession(ctx context.Context, rec models.SessionRecord) error
	LoadSession(ctx context.Context, userID string) (*models.SessionRecord, error)
	DeleteSession(ctx context.Context, userID string) error
}

// LimitSource supplies per-user storage budgets.
type LimitSource interface {
	GetUserLimits(ctx context.Context, userID string) (models.UserLimits, error)
}

// CorruptionListener is told when a stored record had to be discarded.
type CorruptionListener func(ctx context.Context, userID, authRef string)

// Store is the in-memory credential tier with write-through helpers to a Durable
// backend. Memory is authoritative for reads; the durable copy is refreshed by
// Persist and used when a user has no in-memory record. Updates for a user whose
// record was offloaded reload it from the durable tier before merging.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*Record
	offloaded map[string]offloadStub
	durable   Durable
	limits    LimitSource
	defaults  models.UserLimits
	onCorrupt CorruptionListener
	logger    *logrus.Logger
	now       func() time.Time
}

// NewStore creates a store. durable and limits may be nil for a memory-only store.
func NewStore(durable Durable, limits LimitSource, defaults models.UserLimits, logger *logrus.Logger) *Store {
	if defaults.MaxRAMMB <= 0 {
		defaults.MaxRAMMB = 10
	}
	if defaults.MaxROMMB <= 0 {
		defaults.MaxROMMB = 50
	}
	return &Store{
		records:   make(map[string]*Record),
		offloaded: make(map[string]offloadStub),
		durable:   durable,
		limits:    limits,
		defaults:  defaults,
		logger:    logger,
		now:       time.Now,
	}
}

// offloadStub keeps the fields the durable row does not carry while a record
// lives only in the durable tier.
type offloadStub struct {
	authRef      string
	startTime    time.Time
	lastActiveAt time.Time
}

// OnCorrupt registers the listener invoked when Acquire discards a corrupt record.
func (s *Store) OnCorrupt(fn CorruptionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCorrupt = fn
}

func (s *Store) fields(userID string) logrus.Fields {
	return logrus.Fields{"user_id": privacy.MaskUserID(userID)}
}

// Get returns a copy of the in-memory record, or nil. It never reads the durable tier.
func (s *Store) Get(userID string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[userID].Clone()
}

// Set stores rec for userID. An empty authRef keeps the previously recorded one,
// the original start time is preserved, and keys are merged into existing keys.
// A record without an identity is accepted with a warning.
func (s *Store) Set(userID string, rec *Record, authRef string) error {
	if rec == nil || rec.Creds == nil || rec.Keys == nil {
		s.logger.WithFields(s.fields(userID)).Error("Refusing to store credentials without creds or keys")
		return ErrInvalidCredentials
	}
	if !rec.Creds.HasIdentity() {
		s.logger.WithFields(s.fields(userID)).Warn("Storing credentials without an identity")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(userID, rec.Clone(), authRef)
	return nil
}

// setLocked installs next, which the caller must own.
func (s *Store) setLocked(userID string, next *Record, authRef string) {
	prev := s.records[userID]

	switch {
	case authRef != "":
		next.AuthRef = authRef
	case next.AuthRef == "" && prev != nil:
		next.AuthRef = prev.AuthRef
	}

	if prev != nil {
		if !prev.StartTime.IsZero() {
			next.StartTime = prev.StartTime
		}
		if next.LastActiveAt.IsZero() {
			next.LastActiveAt = prev.LastActiveAt
		}
		merged := prev.Keys.clone()
		merged.merge(next.Keys)
		next.Keys = merged
	}
	if next.StartTime.IsZero() {
		next.StartTime = s.now()
	}
	s.records[userID] = next
}

// Apply folds a credential update from the chat client into the stored record.
// A nil creds keeps the current creds; keys are merged.
func (s *Store) Apply(ctx context.Context, userID, authRef string, creds *Creds, keys KeyMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.currentLocked(ctx, userID)
	if err != nil {
		return err
	}
	next := &Record{Creds: &Creds{}, Keys: KeyMap{}}
	if prev != nil && prev.Creds != nil {
		next.Creds = prev.Creds.clone()
	}
	if creds != nil {
		next.Creds = creds.clone()
	}
	if keys != nil {
		next.Keys = keys.clone()
	}
	s.setLocked(userID, next, authRef)
	return nil
}

// SetIdentity records the account identity reported once a connection opens.
func (s *Store) SetIdentity(ctx context.Context, userID, authRef string, me Identity) error {
	if me.ID == "" {
		return apperrors.NewValidationError("me.id", "", "identity must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.currentLocked(ctx, userID)
	if err != nil {
		return err
	}
	next := &Record{Creds: &Creds{}, Keys: KeyMap{}}
	if prev != nil && prev.Creds != nil {
		next.Creds = prev.Creds.clone()
	}
	next.Creds.Me = &me
	next.Creds.Registered = true
	s.setLocked(userID, next, authRef)
	return nil
}

// MergeKeys applies key updates; nil values delete keys.
func (s *Store) MergeKeys(ctx context.Context, userID string, updates KeyMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.currentLocked(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperrors.NewNotFoundError("credentials", userID)
	}
	rec.Keys.merge(updates)
	return nil
}

// currentLocked returns the user's in-memory record, reloading it from the
// durable tier when memory has none. It returns nil when neither tier has one.
// The caller must hold s.mu for writing.
func (s *Store) currentLocked(ctx context.Context, userID string) (*Record, error) {
	if rec := s.records[userID]; rec != nil {
		return rec, nil
	}
	if s.durable == nil {
		return nil, nil
	}
	stored, err := s.durable.LoadSession(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to reload stored credentials").
			WithContext("user_id", privacy.MaskUserID(userID))
	}
	if stored == nil {
		return nil, nil
	}
	rec, err := decodeRecord(stored)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeCorruptCredentials, "stored credentials cannot be decoded").
			WithContext("user_id", privacy.MaskUserID(userID))
	}
	s.restoreLocked(userID, rec, "")
	return rec, nil
}

// restoreLocked installs a record read back from the durable tier, carrying over
// what was kept when it was offloaded.
func (s *Store) restoreLocked(userID string, rec *Record, authRef string) {
	if stub, ok := s.offloaded[userID]; ok {
		rec.StartTime = stub.startTime
		rec.LastActiveAt = stub.lastActiveAt
		if rec.AuthRef == "" {
			rec.AuthRef = stub.authRef
		}
		delete(s.offloaded, userID)
	}
	if authRef != "" {
		rec.AuthRef = authRef
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = s.now()
	}
	s.records[userID] = rec
}

// Delete removes the in-memory record only.
func (s *Store) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
	delete(s.offloaded, userID)
}

// Acquire returns the credentials a new connection should start from: the memory
// record, else the durable one (which is then cached), else a fresh record that is
// not stored until the first update arrives.
func (s *Store) Acquire(ctx context.Context, userID, authRef string) (*Record, error) {
	if rec := s.Get(userID); rec != nil {
		return rec, nil
	}

	if s.durable != nil {
		stored, err := s.durable.LoadSession(ctx, userID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to load stored credentials").
				WithContext("user_id", privacy.MaskUserID(userID))
		}
		if stored != nil {
			rec, err := decodeRecord(stored)
			if err != nil || !rec.Creds.HasIdentity() {
				s.discardCorrupt(ctx, userID, firstNonEmpty(authRef, stored.AuthRef), err)
				return nil, ErrCorruptCredentials
			}
			if authRef == "" {
				authRef = stored.AuthRef
			}
			s.mu.Lock()
			if _, raced := s.records[userID]; !raced {
				s.restoreLocked(userID, rec, authRef)
			}
			s.mu.Unlock()
			return s.Get(userID), nil
		}
	}

	return &Record{
		Creds:     &Creds{},
		Keys:      KeyMap{},
		AuthRef:   authRef,
		StartTime: s.now(),
	}, nil
}

func (s *Store) discardCorrupt(ctx context.Context, userID, authRef string, cause error) {
	entry := s.logger.WithFields(s.fields(userID))
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Warn("Discarding stored credentials without identity")

	if err := s.Purge(ctx, userID); err != nil {
		s.logger.WithError(err).WithFields(s.fields(userID)).Error("Failed to purge corrupt credentials")
	}

	s.mu.RLock()
	listener := s.onCorrupt
	s.mu.RUnlock()
	if listener != nil {
		listener(ctx, userID, authRef)
	}
}

// Persist writes the in-memory record to the durable tier.
func (s *Store) Persist(ctx context.Context, userID string) error {
	if s.durable == nil {
		return nil
	}
	s.mu.RLock()
	rec := s.records[userID]
	var (
		out models.SessionRecord
		err error
	)
	if rec != nil {
		out, err = encodeRecord(userID, rec)
	}
	s.mu.RUnlock()
	if rec == nil {
		return nil
	}
	if err != nil {
		return err
	}

	limits := s.userLimits(ctx, userID)
	if size := len(out.Creds) + len(out.Keys); size > limits.MaxROMMB*1024*1024 {
		s.logger.WithFields(s.fields(userID)).WithFields(logrus.Fields{
			"size_bytes": size,
			"max_rom_mb": limits.MaxROMMB,
		}).Warn("Stored credentials exceed durable budget")
	}

	if err := s.durable.SaveSession(ctx, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to persist credentials").
			WithContext("user_id", privacy.MaskUserID(userID))
	}
	return nil
}

// Purge removes the user's credentials from both tiers.
func (s *Store) Purge(ctx context.Context, userID string) error {
	s.Delete(userID)
	if s.durable == nil {
		return nil
	}
	if err := s.durable.DeleteSession(ctx, userID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to delete stored credentials").
			WithContext("user_id", privacy.MaskUserID(userID))
	}
	return nil
}

// EnforceLimit moves a record that outgrew the user's memory budget into the
// durable tier and drops it from memory. It is a no-op for absent or small records.
func (s *Store) EnforceLimit(ctx context.Context, userID string) error {
	s.mu.RLock()
	rec := s.records[userID]
	var size int
	if rec != nil {
		if data, err := json.Marshal(rec); err == nil {
			size = len(data)
		}
	}
	s.mu.RUnlock()
	if rec == nil {
		return nil
	}

	limits := s.userLimits(ctx, userID)
	if size <= limits.RAMBytes() {
		return nil
	}

	s.logger.WithFields(s.fields(userID)).WithFields(logrus.Fields{
		"size_bytes": size,
		"max_ram_mb": limits.MaxRAMMB,
	}).Warn("Credentials exceed memory budget, offloading to durable store")

	if s.durable == nil {
		return apperrors.New(apperrors.ErrCodeInvalidConfig, "no durable store to offload credentials")
	}
	if err := s.Persist(ctx, userID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.records[userID] == rec {
		delete(s.records, userID)
		s.offloaded[userID] = offloadStub{
			authRef:      rec.AuthRef,
			startTime:    rec.StartTime,
			lastActiveAt: rec.LastActiveAt,
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) userLimits(ctx context.Context, userID string) models.UserLimits {
	if s.limits == nil {
		return s.defaults
	}
	limits, err := s.limits.GetUserLimits(ctx, userID)
	if err != nil {
		s.logger.WithError(err).WithFields(s.fields(userID)).Warn("Failed to read user limits, using defaults")
		return s.defaults
	}
	if limits.MaxRAMMB <= 0 {
		limits.MaxRAMMB = s.defaults.MaxRAMMB
	}
	if limits.MaxROMMB <= 0 {
		limits.MaxROMMB = s.defaults.MaxROMMB
	}
	return limits
}

// Touch records inbound activity for the user.
func (s *Store) Touch(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[userID]; ok {
		rec.LastActiveAt = s.now()
		return
	}
	if stub, ok := s.offloaded[userID]; ok {
		stub.lastActiveAt = s.now()
		s.offloaded[userID] = stub
	}
}

// Uptime is the time since the record was first stored in this process.
func (s *Store) Uptime(userID string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var start time.Time
	if rec, ok := s.records[userID]; ok {
		start = rec.StartTime
	} else if stub, ok := s.offloaded[userID]; ok {
		start = stub.startTime
	}
	if start.IsZero() {
		return 0, false
	}
	return s.now().Sub(start), true
}

// MemoryUsage is the serialized size of the user's in-memory record.
func (s *Store) MemoryUsage(userID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return 0, false
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, false
	}
	return len(data), true
}

// List summarizes every in-memory record.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.records))
	for userID, rec := range s.records {
		out = append(out, Summary{
			UserID:       userID,
			AuthRef:      rec.AuthRef,
			HasIdentity:  rec.Creds.HasIdentity(),
			KeyCount:     rec.Keys.Count(),
			StartTime:    rec.StartTime,
			LastActiveAt: rec.LastActiveAt,
		})
	}
	return out
}

func encodeRecord(userID string, rec *Record) (models.SessionRecord, error) {
	creds, err := json.Marshal(rec.Creds)
	if err != nil {
		return models.SessionRecord{}, fmt.Errorf("encode creds: %w", err)
	}
	keys, err := json.Marshal(rec.Keys)
	if err != nil {
		return models.SessionRecord{}, fmt.Errorf("encode keys: %w", err)
	}
	return models.SessionRecord{
		UserID:    userID,
		AuthRef:   rec.AuthRef,
		Creds:     creds,
		Keys:      keys,
		UpdatedAt: time.Now(),
	}, nil
}

func decodeRecord(stored *models.SessionRecord) (*Record, error) {
	rec := &Record{AuthRef: stored.AuthRef}
	if err := json.Unmarshal(stored.Creds, &rec.Creds); err != nil {
		return nil, fmt.Errorf("decode creds: %w", err)
	}
	if len(stored.Keys) > 0 {
		if err := json.Unmarshal(stored.Keys, &rec.Keys); err != nil {
			return nil, fmt.Errorf("decode keys: %w", err)
		}
	}
	if rec.Keys == nil {
		rec.Keys = KeyMap{}
	}
	return rec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
