package session

import (
	"sync"
	"time"
)

// keyedMutex serializes lifecycle operations per user.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

type timerHandle interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timerHandle

func realAfterFunc(d time.Duration, f func()) timerHandle {
	return time.AfterFunc(d, f)
}

type scheduledTimer struct {
	gen    uint64
	delay  time.Duration
	handle timerHandle
}

const (
	timerReconnect  = "reconnect"
	timerLoginCode  = "login-code"
	timerFirstLogin = "first-login-restart"
)

func timerKey(kind, userID string) string {
	return kind + ":" + userID
}

// schedule runs f after d, replacing any timer already scheduled under key.
func (m *Manager) schedule(key string, d time.Duration, f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.timers[key]; ok {
		prev.handle.Stop()
	}
	m.timerGen++
	gen := m.timerGen
	entry := &scheduledTimer{gen: gen, delay: d}
	m.timers[key] = entry
	entry.handle = m.afterFunc(d, func() {
		if m.claimTimer(key, gen) {
			f()
		}
	})
}

// claimTimer removes key if it still belongs to generation gen.
func (m *Manager) claimTimer(key string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.timers[key]
	if !ok || entry.gen != gen {
		return false
	}
	delete(m.timers, key)
	return true
}

func (m *Manager) cancelTimer(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.timers[key]; ok {
		if entry.handle != nil {
			entry.handle.Stop()
		}
		delete(m.timers, key)
	}
}

func (m *Manager) cancelUserTimers(userID string) {
	for _, kind := range []string{timerReconnect, timerLoginCode, timerFirstLogin} {
		m.cancelTimer(timerKey(kind, userID))
	}
}

// scheduledDelay returns the delay of the timer under key, if one is pending.
func (m *Manager) scheduledDelay(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.timers[key]
	if !ok {
		return 0, false
	}
	return entry.delay, true
}
