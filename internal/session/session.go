package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"whatsbot/internal/constants"
	apperrors "whatsbot/internal/errors"
	"whatsbot/internal/metrics"
	"whatsbot/internal/models"
	"whatsbot/internal/notify"
	"whatsbot/internal/privacy"

	"github.com/sirupsen/logrus"
)

const disconnectIntentional = "intentional"

// Session is one connection attempt for a user. Its goroutine consumes the
// connection's events; every state change for the attempt happens there.
type Session struct {
	m       *Manager
	userID  string
	authRef string
	conn    Conn
	done    chan struct{}

	mu               sync.Mutex
	phase            Phase
	disconnectReason string
	loginCodeShown   bool
	artifactID       string
	lastCloseCode    CloseCode
	connectedAt      time.Time
}

func newSession(m *Manager, userID, authRef string) *Session {
	return &Session{
		m:       m,
		userID:  userID,
		authRef: authRef,
		done:    make(chan struct{}),
		phase:   PhaseConnecting,
	}
}

func (s *Session) fields() logrus.Fields {
	return logrus.Fields{
		"user_id": privacy.MaskUserID(s.userID),
		"phase":   s.Phase(),
	}
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// markIntentional tags the next close as requested, so it is not retried.
func (s *Session) markIntentional() {
	s.mu.Lock()
	s.disconnectReason = disconnectIntentional
	s.mu.Unlock()
}

func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		UserID:           s.userID,
		AuthRef:          s.authRef,
		Phase:            s.phase,
		DisconnectReason: s.disconnectReason,
		LastCloseCode:    s.lastCloseCode,
		ArtifactID:       s.artifactID,
		ConnectedAt:      s.connectedAt,
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.m.wg.Done()
	defer close(s.done)

	closed := false
	for ev := range s.conn.Events() {
		if closed {
			continue
		}
		switch e := ev.(type) {
		case ConnectionUpdate:
			if e.LoginCode != "" {
				s.handleLoginCode(ctx, e.LoginCode)
			}
			switch e.Connection {
			case ConnectionConnecting:
				if s.Phase() != PhaseAwaitingQR {
					s.setPhase(PhaseConnecting)
				}
			case ConnectionOpen:
				s.handleOpen(ctx)
			case ConnectionClose:
				s.handleClose(ctx, e.CloseCode)
				closed = true
			}
		case CredentialsUpdate:
			s.handleCredentials(ctx, e)
		case MessageEvent:
			s.handleMessage(ctx, e)
		}
	}

	if !closed {
		s.m.logger.WithFields(s.fields()).Warn("Event stream ended without close update")
		s.handleClose(ctx, CloseConnectionLost)
	}
}

func (s *Session) handleOpen(ctx context.Context) {
	m := s.m
	s.mu.Lock()
	s.phase = PhaseOpen
	s.loginCodeShown = false
	s.artifactID = ""
	s.connectedAt = time.Now()
	s.mu.Unlock()

	m.registry.Register(s.userID, s.conn)
	m.cancelTimer(timerKey(timerLoginCode, s.userID))
	m.breaker(s.userID).RecordSuccess()

	me := s.conn.Self()
	if me.ID != "" {
		if err := m.creds.SetIdentity(ctx, s.userID, s.authRef, me); err != nil {
			m.logger.WithError(err).WithFields(s.fields()).Warn("Failed to record identity")
		}
	}
	if err := m.creds.Persist(ctx, s.userID); err != nil {
		apperrors.Entry(m.logger, err).WithFields(s.fields()).Warn("Failed to persist credentials")
	}

	firstLogin := false
	if m.users != nil {
		exists, err := m.users.UserExists(ctx, s.userID)
		if err != nil {
			apperrors.Entry(m.logger, err).WithFields(s.fields()).Warn("Failed to check user record")
		}
		firstLogin = err == nil && !exists
		if err := m.users.SaveUser(ctx, models.User{
			UserID:  s.userID,
			AuthRef: s.authRef,
			Name:    me.Name,
			LID:     me.LID,
			JID:     me.ID,
		}); err != nil {
			apperrors.Entry(m.logger, err).WithFields(s.fields()).Warn("Failed to save user record")
		}
	}

	if req, ok := m.takeRestart(s.userID); ok {
		if err := s.conn.SendText(ctx, req.ReportTarget, m.cfg.RestartConfirmation); err != nil {
			m.logger.WithError(err).WithFields(s.fields()).Warn("Failed to confirm restart")
		}
	}

	if firstLogin {
		s.scheduleFirstLoginRestart()
	}

	m.logger.WithFields(s.fields()).WithField("first_login", firstLogin).Info("Session open")
	m.notify(ctx, notify.Notification{
		Kind:    notify.KindConnected,
		UserID:  s.userID,
		AuthRef: s.authRef,
		Text:    "Your WhatsApp bot is connected.",
	})
}

// scheduleFirstLoginRestart restarts a freshly paired session once, after a delay.
func (s *Session) scheduleFirstLoginRestart() {
	m := s.m
	userID, authRef := s.userID, s.authRef
	target := userID + constants.DefaultSelfJIDSuffix
	m.schedule(timerKey(timerFirstLogin, userID), m.cfg.FirstLoginRestart, func() {
		if ok, err := m.Restart(m.ctx, userID, target, authRef); !ok {
			m.logger.WithError(err).WithField("user_id", privacy.MaskUserID(userID)).Warn("First login restart failed")
		}
	})
}

func (s *Session) handleLoginCode(ctx context.Context, code string) {
	m := s.m
	s.mu.Lock()
	if s.loginCodeShown {
		s.mu.Unlock()
		return
	}
	s.loginCodeShown = true
	s.phase = PhaseAwaitingQR
	s.mu.Unlock()

	artifact, err := notify.RenderArtifact(code, m.cfg.LoginCodeExpiry)
	if err != nil {
		m.logger.WithError(err).WithFields(s.fields()).Error("Failed to render login code")
		s.mu.Lock()
		s.loginCodeShown = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.artifactID = artifact.ID
	s.mu.Unlock()

	m.schedule(timerKey(timerLoginCode, s.userID), m.cfg.LoginCodeExpiry, func() {
		s.expireLoginCode(artifact.ID)
	})

	m.logger.WithFields(s.fields()).WithField("artifact_id", artifact.ID).Info("Login code issued")
	m.notify(ctx, notify.Notification{
		Kind:     notify.KindLoginArtifact,
		UserID:   s.userID,
		AuthRef:  s.authRef,
		Text:     fmt.Sprintf("Scan this code with WhatsApp within %s to link your bot.", m.cfg.LoginCodeExpiry),
		Artifact: artifact,
	})
}

func (s *Session) expireLoginCode(artifactID string) {
	s.mu.Lock()
	if s.artifactID != artifactID || s.phase != PhaseAwaitingQR {
		s.mu.Unlock()
		return
	}
	s.artifactID = ""
	s.loginCodeShown = false
	s.phase = PhaseConnecting
	s.mu.Unlock()

	s.m.logger.WithFields(s.fields()).Info("Login code expired")
	s.m.notify(s.m.ctx, notify.Notification{
		Kind:    notify.KindLoginArtifactExpired,
		UserID:  s.userID,
		AuthRef: s.authRef,
		Text:    "Your login code expired. A new one will be sent when requested.",
	})
}

func (s *Session) handleClose(ctx context.Context, code CloseCode) {
	m := s.m
	m.cancelTimer(timerKey(timerLoginCode, s.userID))

	s.mu.Lock()
	intentional := s.disconnectReason == disconnectIntentional
	s.disconnectReason = ""
	s.phase = PhaseClosing
	s.lastCloseCode = code
	s.loginCodeShown = false
	s.artifactID = ""
	s.mu.Unlock()

	m.registry.UnregisterIf(s.userID, s.conn)

	if intentional {
		s.setPhase(PhaseUninitialized)
		m.logger.WithFields(s.fields()).WithField("reason", disconnectIntentional).Info("Session closed")
		return
	}

	class := Classify(code)
	m.logger.WithFields(s.fields()).WithFields(logrus.Fields{
		"close_code": int(code),
		"reason":     string(class),
	}).Warn("Connection closed")
	metrics.IncrementCounter("session_closes_total", map[string]string{"reason": string(class)}, "Unrequested connection closes")

	switch class {
	case ClassBadSession, ClassLoggedOut:
		s.setPhase(PhaseTerminated)
		// Notify first: the user's delivery channel is removed by the purge.
		m.notify(ctx, notify.Notification{
			Kind:    notify.KindOperatorAlert,
			UserID:  s.userID,
			AuthRef: s.authRef,
			Text:    fmt.Sprintf("Session for %s ended (%s) and its data was removed.", privacy.MaskUserID(s.userID), class),
		})
		m.notify(ctx, notify.Notification{
			Kind:    notify.KindSessionInvalid,
			UserID:  s.userID,
			AuthRef: s.authRef,
			Text:    "Your WhatsApp bot was logged out. Please register again and scan a new login code.",
		})
		m.purge(ctx, s.userID)
		m.mu.Lock()
		if m.sessions[s.userID] == s {
			delete(m.sessions, s.userID)
		}
		m.mu.Unlock()
	case ClassMultideviceMismatch:
		if err := m.creds.Purge(ctx, s.userID); err != nil {
			apperrors.Entry(m.logger, err).WithFields(s.fields()).Error("Failed to purge credentials")
		}
		s.setPhase(PhaseUninitialized)
		m.notify(ctx, notify.Notification{
			Kind:    notify.KindSessionInvalid,
			UserID:  s.userID,
			AuthRef: s.authRef,
			Text:    "Your WhatsApp bot needs to be linked again. Please scan a new login code.",
		})
	default:
		s.setPhase(PhaseConnecting)
		m.scheduleReconnect(s.userID, s.authRef)
	}
}

func (s *Session) handleCredentials(ctx context.Context, e CredentialsUpdate) {
	m := s.m
	if err := m.creds.Apply(ctx, s.userID, s.authRef, e.Creds, e.Keys); err != nil {
		m.logger.WithError(err).WithFields(s.fields()).Warn("Failed to apply credential update")
		return
	}
	if err := m.creds.Persist(ctx, s.userID); err != nil {
		apperrors.Entry(m.logger, err).WithFields(s.fields()).Warn("Failed to persist credentials")
	}
}

func (s *Session) handleMessage(ctx context.Context, e MessageEvent) {
	if e.Message == nil {
		return
	}
	s.m.creds.Touch(s.userID)
	h := s.m.messageHandler()
	if h == nil {
		return
	}
	h.HandleMessage(ctx, Inbound{
		UserID:  s.userID,
		AuthRef: s.authRef,
		Conn:    s.conn,
		Message: e.Message,
	})
}
