package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"whatsbot/internal/constants"
	apperrors "whatsbot/internal/errors"
	"whatsbot/internal/models"
	"whatsbot/pkg/circuitbreaker"
	"whatsbot/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
)

// ErrSessionNotFound is returned by GetSession for unknown sessions.
var ErrSessionNotFound = errors.New("gateway session not found")

// Client calls the gateway REST API. Calls share one circuit breaker so a
// dead gateway fails fast instead of stacking timeouts.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

func NewClient(cfg models.WAHAConfig, logger *logrus.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New("waha-api", constants.DefaultBreakerMaxFailures,
			time.Duration(constants.DefaultBreakerCooldownSec)*time.Second, logger),
		logger: logger,
	}
}

func sessionPath(name string, suffix string) string {
	return types.APIBase + types.EndpointSessions + "/" + url.PathEscape(name) + suffix
}

func (c *Client) CreateSession(ctx context.Context, name string, metadata map[string]string) (*types.Session, error) {
	req := types.CreateSessionRequest{Name: name, Start: true}
	if len(metadata) > 0 {
		req.Config = &types.SessionConfig{Metadata: metadata}
	}
	var out types.Session
	if err := c.do(ctx, http.MethodPost, types.APIBase+types.EndpointSessions, req, &out); err != nil {
		return nil, err
	}
	if out.Name == "" {
		out.Name = name
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, name string) (*types.Session, error) {
	var out types.Session
	if err := c.do(ctx, http.MethodGet, sessionPath(name, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, sessionPath(name, "/start"), nil, nil)
}

func (c *Client) StopSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, sessionPath(name, "/stop"), nil, nil)
}

func (c *Client) LogoutSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, sessionPath(name, "/logout"), nil, nil)
}

// GetQR returns the raw login code for a session in SCAN_QR_CODE.
func (c *Client) GetQR(ctx context.Context, name string) (string, error) {
	var out types.QRResponse
	path := types.APIBase + "/" + url.PathEscape(name) + types.EndpointAuthQR + "?format=raw"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.Value == "" {
		return "", fmt.Errorf("gateway returned an empty login code")
	}
	return out.Value, nil
}

func (c *Client) SendText(ctx context.Context, name, chatID, text string) (*types.SendMessageResponse, error) {
	var out types.SendMessageResponse
	req := types.SendMessageRequest{ChatID: chatID, Text: text, Session: name}
	if err := c.do(ctx, http.MethodPost, types.APIBase+types.EndpointSendText, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one JSON request. A 404 returns ErrSessionNotFound without
// counting against the breaker.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var notFound bool
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("failed to marshal payload: %w", err)
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("X-Api-Key", c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return apperrors.NewAPIError(path, 0, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			notFound = true
			return nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var apiErr types.WAHAErrorResponse
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			msg := strings.TrimSpace(string(raw))
			if json.Unmarshal(raw, &apiErr) == nil && (apiErr.Message != "" || apiErr.Error != "") {
				msg = apiErr.Message
				if msg == "" {
					msg = apiErr.Error
				}
			}
			return apperrors.NewAPIError(path, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"method": method,
			"path":   strings.SplitN(path, "?", 2)[0],
		}).Debug("Gateway request failed")
		return err
	}
	if notFound {
		return ErrSessionNotFound
	}
	return nil
}
