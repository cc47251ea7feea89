package session

import (
	"context"
	"time"

	apperrors "whatsbot/internal/errors"
	"whatsbot/internal/metrics"
	"whatsbot/internal/privacy"
	"whatsbot/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Restart tears down userID's connection and starts a new one. The old
// connection is closed intentionally and its goroutine must finish before the
// new connection is requested. Once the new connection opens, a confirmation is
// sent to reportTarget. It reports whether the new connection was requested.
func (m *Manager) Restart(ctx context.Context, userID, reportTarget, authRef string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "session.restart", attribute.String("user_id", privacy.MaskUserID(userID)))
	defer span.End()

	unlock := m.locks.Lock(userID)
	defer unlock()

	start := time.Now()
	fields := logrus.Fields{"user_id": privacy.MaskUserID(userID)}

	fail := func(err error) (bool, error) {
		m.mu.Lock()
		delete(m.restarts, userID)
		m.mu.Unlock()
		tracing.RecordError(ctx, err)
		apperrors.Entry(m.logger, err).WithFields(fields).Error("Restart failed")
		metrics.IncrementCounter("session_restarts_total", map[string]string{"result": "failed"}, "Session restarts")
		return false, apperrors.Wrap(err, apperrors.ErrCodeRestartFailed, "restart failed").
			WithContext("user_id", privacy.MaskUserID(userID))
	}

	m.cancelUserTimers(userID)

	s := m.session(userID)
	if authRef == "" && s != nil {
		authRef = s.authRef
	}
	req := RestartRequest{
		ID:           uuid.New().String(),
		UserID:       userID,
		ReportTarget: reportTarget,
		AuthRef:      authRef,
		RequestedAt:  start,
	}
	m.mu.Lock()
	m.restarts[userID] = req
	m.mu.Unlock()
	fields["restart_id"] = req.ID

	if s != nil && !s.finished() {
		s.markIntentional()
		if err := s.conn.Close(ctx); err != nil {
			apperrors.Entry(m.logger, err).WithFields(fields).Warn("Close returned an error, waiting for close update")
		}
		if err := m.awaitDone(ctx, s); err != nil {
			return fail(err)
		}
	} else {
		m.logger.WithFields(fields).Info("No active connection to close")
	}
	m.registry.Unregister(userID)

	if m.cfg.RestartSettle > 0 {
		settle := time.NewTimer(m.cfg.RestartSettle)
		select {
		case <-settle.C:
		case <-ctx.Done():
			settle.Stop()
			return fail(ctx.Err())
		}
	}

	if err := m.startLocked(ctx, userID, authRef); err != nil {
		return fail(err)
	}

	m.logger.WithFields(fields).WithField("duration_ms", time.Since(start).Milliseconds()).Info("Restart requested new connection")
	metrics.IncrementCounter("session_restarts_total", map[string]string{"result": "ok"}, "Session restarts")
	metrics.RecordTimer("session_restart_duration", time.Since(start), nil, "Time from restart request to new connection")
	return true, nil
}

// PendingRestart returns the outstanding restart request for userID.
func (m *Manager) PendingRestart(userID string) (RestartRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.restarts[userID]
	return req, ok
}
