package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"whatsbot/internal/retry"
	"whatsbot/pkg/whatsapp/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_URL(t *testing.T) {
	s := NewStream("https://waha.example/", "k", NewWebhookHandler(), logrus.New())
	u, err := s.URL()
	require.NoError(t, err)
	assert.Equal(t, "wss://waha.example/ws?events=session.status&events=message&session=%2A&x-api-key=k", u)
}

func TestStream_DeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("x-api-key"))
		c, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer c.CloseNow()
		_ = wsjson.Write(r.Context(), c, types.WebhookEvent{
			Event:   types.EventSessionStatus,
			Session: "u1",
			Payload: json.RawMessage(`{"status":"WORKING"}`),
		})
		_ = wsjson.Write(r.Context(), c, types.WebhookEvent{Event: "presence.update", Session: "u1"})
		<-r.Context().Done()
	}))
	defer srv.Close()

	received := make(chan *types.WebhookEvent, 4)
	wh := NewWebhookHandler()
	wh.RegisterEventHandler(types.EventSessionStatus, func(_ context.Context, e *types.WebhookEvent) error {
		received <- e
		return nil
	})

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := NewStream(srv.URL, "secret", wh, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case e := <-received:
		assert.Equal(t, "u1", e.Session)
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestStream_BackoffResetsAfterSuccessfulDial(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		_ = c.Close(websocket.StatusInternalError, "gateway restarting")
	}))
	defer srv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := NewStream(srv.URL, "", NewWebhookHandler(), logger)
	s.backoff = retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		MaxAttempts:  1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Each drop follows a successful dial, so every redial waits the initial delay.
	// Growing backoff would allow only a handful of dials in this window.
	time.Sleep(600 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, dials.Load(), int32(10))
}
