package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"whatsbot/internal/constants"
	"whatsbot/internal/metrics"
	"whatsbot/internal/middleware"
	"whatsbot/internal/models"
	"whatsbot/internal/session"
	"whatsbot/pkg/whatsapp"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Sessions is the lifecycle surface the admin routes drive.
type Sessions interface {
	Start(ctx context.Context, userID, authRef string) error
	Restart(ctx context.Context, userID, reportTarget, authRef string) (bool, error)
	DeleteUser(ctx context.Context, userID string) error
	Status(userID string) (session.Status, bool)
	List() []session.Status
}

// Channels stores where a user's out-of-band notices go.
type Channels interface {
	SaveDeliveryChannel(ctx context.Context, ch models.DeliveryChannel) error
}

// Timings serves per-account processing measurements.
type Timings interface {
	ForAuthRef(authRef string) []metrics.UserTimings
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Webhook may be nil when
// events arrive over the websocket stream only.
type Deps struct {
	Sessions Sessions
	Channels Channels
	Timings  Timings
	Health   Pinger
	Webhook  whatsapp.WebhookHandler
}

type Server struct {
	router        *mux.Router
	logger        *logrus.Logger
	cfg           models.ServerConfig
	webhookSecret string
	deps          Deps
	server        *http.Server
}

func NewServer(cfg models.ServerConfig, webhookSecret string, deps Deps, logger *logrus.Logger) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		logger:        logger,
		cfg:           cfg,
		webhookSecret: webhookSecret,
		deps:          deps,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)

	if s.deps.Webhook != nil {
		s.router.HandleFunc("/webhook/waha", s.handleWAHAWebhook()).Methods(http.MethodPost)
	}

	admin := s.router.PathPrefix("/").Subrouter()
	admin.Use(middleware.RequireAPIKey(s.cfg.APIKey, s.logger))
	admin.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	admin.HandleFunc("/api/metrics/{authRef}", s.handleUserMetrics()).Methods(http.MethodGet)
	admin.HandleFunc("/api/sessions", s.handleListSessions()).Methods(http.MethodGet)
	admin.HandleFunc("/api/sessions/{userID}", s.handleGetSession()).Methods(http.MethodGet)
	admin.HandleFunc("/api/sessions/{userID}", s.handleStartSession()).Methods(http.MethodPost)
	admin.HandleFunc("/api/sessions/{userID}", s.handleDeleteSession()).Methods(http.MethodDelete)
	admin.HandleFunc("/api/sessions/{userID}/restart", s.handleRestartSession()).Methods(http.MethodPost)
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// Start listens until Shutdown; it returns nil after a graceful shutdown.
func (s *Server) Start() error {
	port := s.cfg.Port
	if port <= 0 {
		port = constants.DefaultServerPort
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  seconds(s.cfg.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec),
		WriteTimeout: seconds(s.cfg.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec),
		IdleTimeout:  seconds(s.cfg.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec),
	}

	s.logger.WithField("port", port).Info("Starting admin server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
