package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"whatsbot/internal/constants"
	"whatsbot/internal/retry"
	"whatsbot/pkg/whatsapp/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// Stream subscribes to the gateway's websocket event feed and hands each
// event to a WebhookHandler, redialing when the feed drops.
type Stream struct {
	baseURL string
	apiKey  string
	handler WebhookHandler
	backoff *retry.Backoff
	logger  *logrus.Logger
}

func NewStream(baseURL, apiKey string, handler WebhookHandler, logger *logrus.Logger) *Stream {
	return &Stream{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		handler: handler,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     time.Duration(constants.DefaultWebsocketRedialSec) * time.Second,
			Multiplier:   2,
			MaxAttempts:  1,
			Jitter:       true,
		}),
		logger: logger,
	}
}

// URL is the websocket endpoint subscribed to every session's status and message events.
func (s *Stream) URL() (string, error) {
	u, err := url.Parse(s.baseURL + types.EndpointEvents)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	q := url.Values{}
	if s.apiKey != "" {
		q.Set("x-api-key", s.apiKey)
	}
	q.Set("session", "*")
	q.Add("events", types.EventSessionStatus)
	q.Add("events", types.EventMessage)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run consumes the feed until ctx ends.
func (s *Stream) Run(ctx context.Context) error {
	endpoint, err := s.URL()
	if err != nil {
		return err
	}
	attempt := 0
	for {
		connected, err := s.consume(ctx, endpoint)
		if ctx.Err() != nil {
			return nil
		}
		// backoff grows only across consecutive failed dials
		if connected {
			attempt = 0
		}
		attempt++
		delay := s.backoff.GetNextDelay(attempt)
		s.logger.WithError(err).WithField("retry_in", delay).Warn("Gateway event stream dropped")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// consume reads the feed until it drops. connected reports whether the dial succeeded.
func (s *Stream) consume(ctx context.Context, endpoint string) (connected bool, err error) {
	c, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial event stream: %w", err)
	}
	defer c.CloseNow()
	c.SetReadLimit(constants.DefaultWebsocketReadLimit)
	s.logger.Info("Connected to gateway event stream")

	for {
		var event types.WebhookEvent
		if err := wsjson.Read(ctx, c, &event); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, nil
			}
			return true, err
		}
		if err := s.handler.Handle(ctx, &event); err != nil && !errors.Is(err, ErrUnhandledEvent) {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"event":   event.Event,
				"session": event.Session,
			}).Warn("Failed to handle gateway event")
		}
	}
}
