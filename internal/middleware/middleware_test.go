package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"whatsbot/internal/metrics"
	"whatsbot/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservability(t *testing.T) {
	var logs bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logs)
	logger.SetFormatter(&logrus.JSONFormatter{})

	var seenID string
	router := mux.NewRouter()
	router.Use(Observability(logger))
	router.HandleFunc("/api/sessions/{userID}", func(w http.ResponseWriter, r *http.Request) {
		seenID = tracing.GetRequestID(r.Context())
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/15550001", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotEmpty(t, seenID)
	assert.Equal(t, seenID, rec.Header().Get(RequestIDHeader))
	assert.Contains(t, logs.String(), `"route":"/api/sessions/{userID}"`)
	assert.Contains(t, logs.String(), `"level":"warning"`)
	assert.NotContains(t, logs.String(), "15550001")

	snap := metrics.GetSnapshot()
	found := false
	for _, c := range snap.Counters {
		if c.Name == "http_requests_total" && c.Labels["route"] == "/api/sessions/{userID}" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestObservability_KeepsCallerRequestID(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	h := Observability(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-abc", rec.Header().Get(RequestIDHeader))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.2:1234", "198.51.100.4"},
		{"peer", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"ipv6 peer", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"bare peer", nil, "192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}

func TestRequireAPIKey(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	t.Run("disabled", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequireAPIKey("", logger)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequireAPIKey("k", logger)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		req.Header.Set(APIKeyHeader, "k")
		rec := httptest.NewRecorder()
		RequireAPIKey("k", logger)(ok).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
