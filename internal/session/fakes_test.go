package session

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"whatsbot/internal/credentials"
	"whatsbot/internal/metrics"
	"whatsbot/internal/models"
	"whatsbot/internal/notify"

	"github.com/sirupsen/logrus"
)

type sentText struct {
	chat, text string
}

type fakeConn struct {
	events chan Event
	self   credentials.Identity
	alive  atomic.Bool
	once   sync.Once

	mu   sync.Mutex
	sent []sentText
}

func newFakeConn(self credentials.Identity) *fakeConn {
	c := &fakeConn{events: make(chan Event, 32), self: self}
	c.alive.Store(true)
	return c
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) SendText(_ context.Context, chat, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentText{chat, text})
	return nil
}

func (c *fakeConn) Self() credentials.Identity { return c.self }
func (c *fakeConn) Alive() bool                { return c.alive.Load() }

func (c *fakeConn) Close(context.Context) error {
	c.drop(CloseConnectionClosed)
	return nil
}

func (c *fakeConn) emit(ev Event) { c.events <- ev }

func (c *fakeConn) open() { c.emit(ConnectionUpdate{Connection: ConnectionOpen}) }

// drop delivers a final close update and ends the event stream.
func (c *fakeConn) drop(code CloseCode) {
	c.once.Do(func() {
		c.alive.Store(false)
		c.events <- ConnectionUpdate{Connection: ConnectionClose, CloseCode: code}
		close(c.events)
	})
}

func (c *fakeConn) messages() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentText(nil), c.sent...)
}

type fakeClient struct {
	mu    sync.Mutex
	conns []*fakeConn
	recs  []*credentials.Record
	self  credentials.Identity
	err   error
}

func (f *fakeClient) Connect(_ context.Context, _ string, rec *credentials.Record) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeConn(f.self)
	f.conns = append(f.conns, c)
	f.recs = append(f.recs, rec)
	return c, nil
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeClient) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *fakeClient) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeStore is the durable credential tier and the user table.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]models.SessionRecord
	users    map[string]models.User
	deleted  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]models.SessionRecord),
		users:    make(map[string]models.User),
	}
}

func (f *fakeStore) SaveSession(_ context.Context, rec models.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[rec.UserID] = rec
	return nil
}

func (f *fakeStore) LoadSession(_ context.Context, userID string) (*models.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeStore) DeleteSession(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, userID)
	return nil
}

func (f *fakeStore) ListSessions(context.Context) ([]models.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.SessionRecord, 0, len(f.sessions))
	for _, rec := range f.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakeStore) UserExists(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.users[userID]
	return ok, nil
}

func (f *fakeStore) SaveUser(_ context.Context, u models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UserID] = u
	return nil
}

func (f *fakeStore) DeleteUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, userID)
	f.deleted = append(f.deleted, userID)
	return nil
}

func (f *fakeStore) hasSession(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[userID]
	return ok
}

func (f *fakeStore) hasUser(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.users[userID]
	return ok
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) timerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// pending returns the live timers scheduled with delay d.
func (f *fakeTimers) pending(d time.Duration) []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTimer
	for _, t := range f.timers {
		if t.delay == d && !t.stopped.Load() {
			out = append(out, t)
		}
	}
	return out
}

// fire runs a timer as if it had elapsed.
func (f *fakeTimers) fire(t *fakeTimer) {
	if t.stopped.Swap(true) {
		return
	}
	t.fn()
}

type fakeQueue struct {
	mu        sync.Mutex
	forgotten []string
}

func (f *fakeQueue) Forget(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, userID)
	return 0
}

func (f *fakeQueue) forgottenUsers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forgotten...)
}

type noteLog struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (n *noteLog) Notify(_ context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *noteLog) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Kind)
	}
	return out
}

func (n *noteLog) count(kind notify.Kind) int {
	c := 0
	for _, k := range n.kinds() {
		if k == kind {
			c++
		}
	}
	return c
}

type recordingHandler struct {
	mu  sync.Mutex
	got []Inbound
}

func (h *recordingHandler) HandleMessage(_ context.Context, in Inbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, in)
}

func (h *recordingHandler) received() []Inbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Inbound(nil), h.got...)
}

type harness struct {
	m       *Manager
	client  *fakeClient
	store   *fakeStore
	creds   *credentials.Store
	timers  *fakeTimers
	queue   *fakeQueue
	notes   *noteLog
	metrics *metrics.UserStore
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RestartSettle = 0
	cfg.CloseTimeout = 2 * time.Second
	cfg.RestoreRetryDelay = time.Millisecond
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testConfig())
}

func newHarnessWithConfig(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := newFakeStore()
	creds := credentials.NewStore(store, nil, models.UserLimits{}, logger)
	h := &harness{
		client:  &fakeClient{self: credentials.Identity{ID: "1555@s.whatsapp.net", Name: "Bot"}},
		store:   store,
		creds:   creds,
		timers:  &fakeTimers{},
		queue:   &fakeQueue{},
		notes:   &noteLog{},
		metrics: metrics.NewUserStore(metrics.NewRegistry()),
	}
	h.m = NewManager(cfg, Deps{
		Client:   h.client,
		Creds:    creds,
		Users:    store,
		Queue:    h.queue,
		Metrics:  h.metrics,
		Notifier: h.notes,
	}, logger)
	h.m.afterFunc = h.timers.afterFunc

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Close(ctx)
	})
	return h
}

// seedUser makes userID a returning user so opening does not trigger the
// first-login restart.
func (h *harness) seedUser(userID string) {
	_ = h.store.SaveUser(context.Background(), models.User{UserID: userID, AuthRef: "acct"})
}

var errConnect = errors.New("gateway unreachable")
