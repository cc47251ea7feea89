package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	apperrors "whatsbot/internal/errors"
	"whatsbot/internal/models"
	"whatsbot/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(models.WAHAConfig{APIBaseURL: srv.URL + "/", APIKey: "secret", TimeoutSec: 5}, logger)
}

func TestClient_CreateSession(t *testing.T) {
	reqs := make(chan types.CreateSessionRequest, 1)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sessions", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var got types.CreateSessionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		reqs <- got
		_ = json.NewEncoder(w).Encode(types.Session{Name: got.Name, Status: types.StatusStarting})
	})

	sess, err := c.CreateSession(context.Background(), "15550001", map[string]string{types.MetadataAuthRef: "acct-1"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarting, sess.Status)
	got := <-reqs
	assert.True(t, got.Start)
	require.NotNil(t, got.Config)
	assert.Equal(t, "acct-1", got.Config.Metadata[types.MetadataAuthRef])
}

func TestClient_GetSessionNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	for i := 0; i < 10; i++ {
		_, err := c.GetSession(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	}
	assert.Zero(t, c.breaker.GetStats().Failures)
}

func TestClient_LifecyclePaths(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	ctx := context.Background()

	require.NoError(t, c.StartSession(ctx, "u1"))
	require.NoError(t, c.StopSession(ctx, "u1"))
	require.NoError(t, c.LogoutSession(ctx, "u1"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /api/sessions/u1/start",
		"POST /api/sessions/u1/stop",
		"POST /api/sessions/u1/logout",
	}, paths)
}

func TestClient_GetQR(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/u1/auth/qr", r.URL.Path)
		assert.Equal(t, "raw", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(`{"value":"2@abc"}`))
	})

	code, err := c.GetQR(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "2@abc", code)
}

func TestClient_SendTextErrorMapping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"engine unavailable"}`))
	})

	_, err := c.SendText(context.Background(), "u1", "1555@c.us", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine unavailable")
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, apperrors.ErrCodeChatAPI, apperrors.GetCode(err))
}

func TestClient_SendTextResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req types.SendMessageRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u1", req.Session)
		assert.Equal(t, "1555@c.us", req.ChatID)
		_, _ = w.Write([]byte(`{"id":{"fromMe":true,"id":"ABC","_serialized":"true_1555@c.us_ABC"}}`))
	})

	resp, err := c.SendText(context.Background(), "u1", "1555@c.us", "hi")
	require.NoError(t, err)
	assert.Equal(t, "true_1555@c.us_ABC", resp.MessageID())
}
