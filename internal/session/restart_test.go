package session

import (
	"context"
	"testing"

	apperrors "whatsbot/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestart_ClosesThenStartsAndConfirms(t *testing.T) {
	h := newHarness(t)
	h.seedUser("1555")
	first := h.startOpen(t, "1555")

	ok, err := h.m.Restart(context.Background(), "1555", "group@g.us", "")
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, first.Alive())
	require.Equal(t, 2, h.client.count())
	assert.Empty(t, h.timers.pending(testConfig().ReconnectDelay), "intentional close does not reconnect")

	req, pending := h.m.PendingRestart("1555")
	require.True(t, pending)
	assert.Equal(t, "group@g.us", req.ReportTarget)
	assert.Equal(t, "acct", req.AuthRef)

	second := h.client.conn(1)
	second.open()
	require.Eventually(t, func() bool { return len(second.messages()) == 1 }, waitFor, tick)
	assert.Equal(t, sentText{"group@g.us", "Bot restarted successfully"}, second.messages()[0])
	_, pending = h.m.PendingRestart("1555")
	assert.False(t, pending)
}

func TestRestart_WithoutActiveConnection(t *testing.T) {
	h := newHarness(t)

	ok, err := h.m.Restart(context.Background(), "1555", "chat@s.whatsapp.net", "acct")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, h.client.count())
}

func TestRestart_FailureClearsRequest(t *testing.T) {
	h := newHarness(t)
	h.seedUser("1555")
	h.startOpen(t, "1555")
	h.client.setErr(errConnect)

	ok, err := h.m.Restart(context.Background(), "1555", "chat@s.whatsapp.net", "")
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRestartFailed))
	_, pending := h.m.PendingRestart("1555")
	assert.False(t, pending)
	_, registered := h.m.registry.Get("1555")
	assert.False(t, registered)
}

func TestRestart_SequentialCallsEachReplaceConnection(t *testing.T) {
	h := newHarness(t)
	h.seedUser("1555")
	h.startOpen(t, "1555")

	for i := 0; i < 3; i++ {
		ok, err := h.m.Restart(context.Background(), "1555", "chat@s.whatsapp.net", "")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 4, h.client.count())
	for i := 0; i < 3; i++ {
		assert.False(t, h.client.conn(i).Alive())
	}
	assert.True(t, h.client.conn(3).Alive())
}
