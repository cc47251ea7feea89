// Package session owns the per-user connection lifecycle: starting
// connections from stored credentials, reacting to connection updates,
// reconnecting, restarting and purging users.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"whatsbot/internal/constants"
	"whatsbot/internal/credentials"
	apperrors "whatsbot/internal/errors"
	"whatsbot/internal/metrics"
	"whatsbot/internal/models"
	"whatsbot/internal/notify"
	"whatsbot/internal/privacy"
	"whatsbot/internal/retry"
	"whatsbot/internal/tracing"
	"whatsbot/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionActive   = apperrors.New(apperrors.ErrCodeSessionActive, "session already active")
	ErrSessionNotFound = apperrors.New(apperrors.ErrCodeSessionNotFound, "session not found")
	ErrManagerClosed   = apperrors.New(apperrors.ErrCodeSessionNotFound, "session manager is closed")
)

// Config holds lifecycle timings and policy.
type Config struct {
	ReconnectDelay      time.Duration
	LoginCodeExpiry     time.Duration
	FirstLoginRestart   time.Duration
	RestartSettle       time.Duration
	CloseTimeout        time.Duration
	BreakerMaxFailures  uint32
	BreakerCooldown     time.Duration
	RestartConfirmation string
	RestoreConcurrency  int
	RestoreAttempts     int
	RestoreRetryDelay   time.Duration
}

// DefaultConfig returns the stock lifecycle settings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:      time.Duration(constants.DefaultReconnectDelayMs) * time.Millisecond,
		LoginCodeExpiry:     time.Duration(constants.DefaultLoginCodeExpirySec) * time.Second,
		FirstLoginRestart:   time.Duration(constants.DefaultFirstLoginRestartSec) * time.Second,
		RestartSettle:       time.Duration(constants.DefaultRestartSettleMs) * time.Millisecond,
		CloseTimeout:        time.Duration(constants.DefaultSessionCloseWaitSec) * time.Second,
		BreakerMaxFailures:  constants.DefaultBreakerMaxFailures,
		BreakerCooldown:     time.Duration(constants.DefaultBreakerCooldownSec) * time.Second,
		RestartConfirmation: constants.DefaultRestartConfirmation,
		RestoreConcurrency:  constants.DefaultRestoreConcurrency,
		RestoreAttempts:     constants.DefaultStartupRetryAttempts,
		RestoreRetryDelay:   time.Duration(constants.DefaultStartupRetryDelaySec) * time.Second,
	}
}

// ConfigFromModel overlays configured values on the defaults.
func ConfigFromModel(sc models.SessionConfig) Config {
	cfg := DefaultConfig()
	if d := sc.ReconnectDelay(); d > 0 {
		cfg.ReconnectDelay = d
	}
	if d := sc.LoginCodeExpiry(); d > 0 {
		cfg.LoginCodeExpiry = d
	}
	if d := sc.FirstLoginRestart(); d > 0 {
		cfg.FirstLoginRestart = d
	}
	if d := sc.RestartSettle(); d > 0 {
		cfg.RestartSettle = d
	}
	if d := sc.CloseWait(); d > 0 {
		cfg.CloseTimeout = d
	}
	if sc.BreakerMaxFailures > 0 {
		cfg.BreakerMaxFailures = uint32(sc.BreakerMaxFailures)
	}
	if d := sc.BreakerCooldown(); d > 0 {
		cfg.BreakerCooldown = d
	}
	return cfg
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Client   ChatClient
	Creds    *credentials.Store
	Registry *Registry
	Users    UserStore
	Queue    QueueForgetter
	Metrics  UserMetrics
	Notifier notify.Notifier
}

// RestartRequest remembers where to confirm a restart once the new connection opens.
type RestartRequest struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ReportTarget string    `json:"report_target"`
	AuthRef      string    `json:"auth_ref"`
	RequestedAt  time.Time `json:"requested_at"`
}

// Status is a point-in-time view of one user's session.
type Status struct {
	UserID           string          `json:"user_id"`
	AuthRef          string          `json:"auth_ref"`
	Phase            Phase           `json:"phase"`
	Active           bool            `json:"active"`
	DisconnectReason string          `json:"disconnect_reason,omitempty"`
	LastCloseCode    CloseCode       `json:"last_close_code,omitempty"`
	ArtifactID       string          `json:"artifact_id,omitempty"`
	ConnectedAt      time.Time       `json:"connected_at,omitempty"`
	Breaker          string          `json:"breaker"`
	PendingRestart   *RestartRequest `json:"pending_restart,omitempty"`
}

// Manager owns every user's Session. Lifecycle operations for one user (start,
// restart, reconnect, delete) are serialized; each live connection is consumed
// by its own goroutine.
type Manager struct {
	cfg      Config
	client   ChatClient
	creds    *credentials.Store
	registry *Registry
	users    UserStore
	queue    QueueForgetter
	metrics  UserMetrics
	notifier notify.Notifier
	handler  MessageHandler
	logger   *logrus.Logger

	locks *keyedMutex

	mu       sync.Mutex
	sessions map[string]*Session
	restarts map[string]RestartRequest
	breakers map[string]*circuitbreaker.CircuitBreaker
	timers   map[string]*scheduledTimer
	timerGen uint64
	closed   bool

	afterFunc afterFunc
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(cfg Config, deps Deps, logger *logrus.Logger) *Manager {
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		client:    deps.Client,
		creds:     deps.Creds,
		registry:  deps.Registry,
		users:     deps.Users,
		queue:     deps.Queue,
		metrics:   deps.Metrics,
		notifier:  deps.Notifier,
		logger:    logger,
		locks:     newKeyedMutex(),
		sessions:  make(map[string]*Session),
		restarts:  make(map[string]RestartRequest),
		breakers:  make(map[string]*circuitbreaker.CircuitBreaker),
		timers:    make(map[string]*scheduledTimer),
		afterFunc: realAfterFunc,
		ctx:       ctx,
		cancel:    cancel,
	}
	m.creds.OnCorrupt(m.onCorruptCredentials)
	return m
}

// SetHandler installs the receiver for inbound messages.
func (m *Manager) SetHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Manager) messageHandler() MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// Registry returns the live connection registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start opens a connection for userID from its stored credentials.
func (m *Manager) Start(ctx context.Context, userID, authRef string) error {
	if userID == "" {
		return apperrors.NewValidationError("user_id", "", "must not be empty")
	}
	ctx, span := tracing.StartSpan(ctx, "session.start", attribute.String("user_id", privacy.MaskUserID(userID)))
	defer span.End()

	unlock := m.locks.Lock(userID)
	defer unlock()

	m.cancelTimer(timerKey(timerReconnect, userID))
	if err := m.startLocked(ctx, userID, authRef); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// startLocked must be called with the user's lifecycle lock held.
func (m *Manager) startLocked(ctx context.Context, userID, authRef string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if s, ok := m.sessions[userID]; ok && !s.finished() {
		m.mu.Unlock()
		return ErrSessionActive
	}
	m.mu.Unlock()

	rec, err := m.creds.Acquire(ctx, userID, authRef)
	if err != nil {
		return err
	}
	if authRef == "" {
		authRef = rec.AuthRef
	}

	s := newSession(m, userID, authRef)
	conn, err := m.client.Connect(ctx, userID, rec)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeChatAPI, "failed to connect").
			WithContext("user_id", privacy.MaskUserID(userID))
	}
	s.conn = conn

	m.mu.Lock()
	m.sessions[userID] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go s.run(m.ctx)

	m.logger.WithFields(logrus.Fields{
		"user_id":  privacy.MaskUserID(userID),
		"auth_ref": privacy.MaskAuthRef(authRef),
	}).Info("Session started")
	metrics.IncrementCounter("session_starts_total", nil, "Sessions started")
	return nil
}

func (m *Manager) session(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// AuthRef returns the account reference of a known user.
func (m *Manager) AuthRef(userID string) (string, bool) {
	if s := m.session(userID); s != nil && s.authRef != "" {
		return s.authRef, true
	}
	if rec := m.creds.Get(userID); rec != nil && rec.AuthRef != "" {
		return rec.AuthRef, true
	}
	return "", false
}

// Status returns the session view for userID.
func (m *Manager) Status(userID string) (Status, bool) {
	s := m.session(userID)
	if s == nil {
		return Status{}, false
	}
	return m.statusOf(s), true
}

// List returns every known session ordered by user id.
func (m *Manager) List() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, m.statusOf(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *Manager) statusOf(s *Session) Status {
	st := s.snapshot()
	st.Active = m.registry.IsActive(s.userID)
	st.Breaker = m.breaker(s.userID).GetState().String()
	m.mu.Lock()
	if req, ok := m.restarts[s.userID]; ok {
		st.PendingRestart = &req
	}
	m.mu.Unlock()
	return st
}

func (m *Manager) breaker(userID string) *circuitbreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	br, ok := m.breakers[userID]
	if !ok {
		br = circuitbreaker.New("reconnect:"+userID, m.cfg.BreakerMaxFailures, m.cfg.BreakerCooldown, m.logger)
		m.breakers[userID] = br
	}
	return br
}

// scheduleReconnect arms the single reconnect timer for userID. Once the
// breaker opens, reconnects wait out its cooldown instead of the short delay.
func (m *Manager) scheduleReconnect(userID, authRef string) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	br := m.breaker(userID)
	state := br.RecordFailure()
	delay := m.cfg.ReconnectDelay
	if state == circuitbreaker.StateOpen {
		if remaining := br.Remaining(); remaining > delay {
			delay = remaining
		}
	}

	m.logger.WithFields(logrus.Fields{
		"user_id":  privacy.MaskUserID(userID),
		"delay_ms": delay.Milliseconds(),
		"breaker":  state.String(),
	}).Info("Scheduling reconnect")
	metrics.IncrementCounter("session_reconnects_scheduled_total", nil, "Reconnects scheduled after a dropped connection")

	m.schedule(timerKey(timerReconnect, userID), delay, func() {
		m.reconnect(userID, authRef)
	})
}

func (m *Manager) reconnect(userID, authRef string) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	if old := m.session(userID); old != nil {
		m.awaitDone(m.ctx, old)
	}
	err := m.startLocked(m.ctx, userID, authRef)
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionActive), errors.Is(err, ErrManagerClosed), errors.Is(err, credentials.ErrCorruptCredentials):
		m.logger.WithError(err).WithField("user_id", privacy.MaskUserID(userID)).Info("Reconnect abandoned")
	default:
		apperrors.Entry(m.logger, err).WithField("user_id", privacy.MaskUserID(userID)).Warn("Reconnect failed")
		m.scheduleReconnect(userID, authRef)
	}
}

// awaitDone waits for a session's goroutine to exit, bounded by CloseTimeout.
func (m *Manager) awaitDone(ctx context.Context, s *Session) error {
	timer := time.NewTimer(m.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return apperrors.NewTimeoutError("session close", m.cfg.CloseTimeout.String())
	}
}

func (m *Manager) takeRestart(userID string) (RestartRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.restarts[userID]
	delete(m.restarts, userID)
	return req, ok
}

func (m *Manager) notify(ctx context.Context, n notify.Notification) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultNotificationTimeoutSec)*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, n); err != nil {
		apperrors.Entry(m.logger, err).WithFields(logrus.Fields{
			"user_id": privacy.MaskUserID(n.UserID),
			"kind":    n.Kind,
		}).Warn("Notification failed")
	}
}

func (m *Manager) onCorruptCredentials(ctx context.Context, userID, authRef string) {
	m.notify(ctx, notify.Notification{
		Kind:    notify.KindOperatorAlert,
		UserID:  userID,
		AuthRef: authRef,
		Text:    fmt.Sprintf("Stored credentials for %s were corrupt and have been removed.", privacy.MaskUserID(userID)),
	})
	m.notify(ctx, notify.Notification{
		Kind:    notify.KindSessionInvalid,
		UserID:  userID,
		AuthRef: authRef,
		Text:    "Your WhatsApp bot session could not be restored. Please scan a new login code.",
	})
}

// purge removes everything held for userID. Errors are logged; purge always completes.
func (m *Manager) purge(ctx context.Context, userID string) {
	m.cancelUserTimers(userID)
	if err := m.creds.Purge(ctx, userID); err != nil {
		apperrors.Entry(m.logger, err).WithField("user_id", privacy.MaskUserID(userID)).Error("Failed to purge credentials")
	}
	if m.queue != nil {
		m.queue.Forget(userID)
	}
	m.registry.Unregister(userID)
	if m.users != nil {
		if err := m.users.DeleteUser(ctx, userID); err != nil {
			apperrors.Entry(m.logger, err).WithField("user_id", privacy.MaskUserID(userID)).Error("Failed to delete user")
		}
	}
	if m.metrics != nil {
		m.metrics.DeleteUser(userID)
	}

	m.mu.Lock()
	delete(m.restarts, userID)
	delete(m.breakers, userID)
	m.mu.Unlock()

	m.logger.WithField("user_id", privacy.MaskUserID(userID)).Info("User data purged")
	metrics.IncrementCounter("session_purges_total", nil, "Users purged")
}

// DeleteUser closes userID's connection without reconnecting and purges all of its data.
func (m *Manager) DeleteUser(ctx context.Context, userID string) error {
	unlock := m.locks.Lock(userID)
	defer unlock()

	m.cancelUserTimers(userID)
	s := m.session(userID)
	if s != nil && !s.finished() {
		s.markIntentional()
		if err := s.conn.Close(ctx); err != nil {
			apperrors.Entry(m.logger, err).WithField("user_id", privacy.MaskUserID(userID)).Warn("Failed to close connection")
		}
		if err := m.awaitDone(ctx, s); err != nil {
			m.logger.WithError(err).WithField("user_id", privacy.MaskUserID(userID)).Warn("Connection did not close in time")
		}
	}

	m.purge(ctx, userID)
	m.mu.Lock()
	if m.sessions[userID] == s {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	return nil
}

// RestoreAll starts a session for every stored credential record. Each start is
// retried; failures are collected and returned together.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	if m.users == nil {
		return 0, nil
	}
	records, err := m.users.ListSessions(ctx)
	if err != nil {
		return 0, apperrors.NewDatabaseError("list sessions", err)
	}

	backoff := retry.NewBackoff(retry.FixedConfig(m.cfg.RestoreAttempts, m.cfg.RestoreRetryDelay))
	g, gctx := errgroup.WithContext(ctx)
	limit := m.cfg.RestoreConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	var (
		mu       sync.Mutex
		started  int
		failures []error
	)
	for _, rec := range records {
		userID, authRef := rec.UserID, rec.AuthRef
		g.Go(func() error {
			err := backoff.RetryWithPredicate(gctx, func() error {
				return m.Start(gctx, userID, authRef)
			}, isRetryableStart)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, ErrSessionActive):
			default:
				failures = append(failures, fmt.Errorf("restore %s: %w", privacy.MaskUserID(userID), err))
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.WithFields(logrus.Fields{
		"stored":   len(records),
		"restored": started,
		"failed":   len(failures),
	}).Info("Session restore finished")
	return started, errors.Join(failures...)
}

func isRetryableStart(err error) bool {
	return !errors.Is(err, ErrSessionActive) &&
		!errors.Is(err, ErrManagerClosed) &&
		!errors.Is(err, credentials.ErrCorruptCredentials)
}

// Close stops every connection without reconnecting and waits for session
// goroutines to exit. Stored credentials are kept for the next RestoreAll.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for key, entry := range m.timers {
		entry.handle.Stop()
		delete(m.timers, key)
	}
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if s.finished() {
			continue
		}
		s.markIntentional()
		if err := s.conn.Close(ctx); err != nil {
			m.logger.WithError(err).WithField("user_id", privacy.MaskUserID(s.userID)).Warn("Failed to close connection")
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	defer m.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return apperrors.NewTimeoutError("session shutdown", ctx.Err().Error())
	}
}
