package whatsapp

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"whatsbot/internal/credentials"
	"whatsbot/internal/privacy"
	"whatsbot/internal/session"
	"whatsbot/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
)

// PlatformWAHA marks credentials whose protocol state lives inside the gateway.
const PlatformWAHA = "waha"

// ErrConnClosed is returned when sending on a connection that has closed.
var ErrConnClosed = errors.New("connection closed")

var unsafeSessionChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SessionName maps a user id to the gateway session that serves it.
func SessionName(userID string) string {
	return unsafeSessionChars.ReplaceAllString(userID, "_")
}

// Gateway opens user connections on a WAHA instance. Session events reach it
// through Dispatch, fed by the webhook endpoint or the event stream.
type Gateway struct {
	api    SessionAPI
	logger *logrus.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

func NewGateway(api SessionAPI, logger *logrus.Logger) *Gateway {
	return &Gateway{
		api:    api,
		logger: logger,
		conns:  make(map[string]*conn),
	}
}

// Register installs the gateway's event handlers on wh.
func (g *Gateway) Register(wh WebhookHandler) {
	wh.RegisterEventHandler(types.EventSessionStatus, g.handleStatus)
	wh.RegisterEventHandler(types.EventMessage, g.handleMessage)
}

// Connect attaches to the user's gateway session, creating or starting it
// as needed. The returned connection reports the session's current state first.
func (g *Gateway) Connect(ctx context.Context, userID string, rec *credentials.Record) (session.Conn, error) {
	name := SessionName(userID)
	c := newConn(g, name, userID)
	if rec != nil && rec.Creds != nil && rec.Creds.Me != nil {
		c.setSelf(*rec.Creds.Me)
	}

	g.mu.Lock()
	if old := g.conns[name]; old != nil {
		old.detach()
	}
	g.conns[name] = c
	g.mu.Unlock()

	sess, err := g.api.GetSession(ctx, name)
	if errors.Is(err, ErrSessionNotFound) {
		var metadata map[string]string
		if rec != nil && rec.AuthRef != "" {
			metadata = map[string]string{types.MetadataAuthRef: rec.AuthRef}
		}
		sess, err = g.api.CreateSession(ctx, name, metadata)
	}
	if err != nil {
		g.drop(c)
		c.detach()
		return nil, err
	}

	switch sess.Status {
	case types.StatusStopped, types.StatusFailed:
		if err := g.api.StartSession(ctx, name); err != nil {
			g.drop(c)
			c.detach()
			return nil, err
		}
		c.push(session.ConnectionUpdate{Connection: session.ConnectionConnecting})
	default:
		g.apply(ctx, c, sess.Status, 0, sess.Me)
	}

	go c.pump()

	g.logger.WithFields(logrus.Fields{
		"user_id": privacy.MaskUserID(userID),
		"session": name,
		"status":  sess.Status,
	}).Debug("Attached to gateway session")
	return c, nil
}

func (g *Gateway) lookup(name string) *conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[name]
}

func (g *Gateway) drop(c *conn) {
	g.mu.Lock()
	if g.conns[c.name] == c {
		delete(g.conns, c.name)
	}
	g.mu.Unlock()
}

// apply translates a gateway session status into connection events.
func (g *Gateway) apply(ctx context.Context, c *conn, status string, statusCode int, me *types.Me) {
	switch status {
	case types.StatusStarting:
		c.push(session.ConnectionUpdate{Connection: session.ConnectionConnecting})
	case types.StatusScanQRCode:
		code, err := g.api.GetQR(ctx, c.name)
		if err != nil {
			g.logger.WithError(err).WithField("session", c.name).Warn("Failed to fetch login code")
			c.push(session.ConnectionUpdate{Connection: session.ConnectionConnecting})
			return
		}
		c.push(session.ConnectionUpdate{Connection: session.ConnectionConnecting, LoginCode: code})
	case types.StatusWorking:
		if me == nil {
			if sess, err := g.api.GetSession(ctx, c.name); err == nil {
				me = sess.Me
			}
		}
		if me != nil && me.ID != "" {
			id := credentials.Identity{ID: me.ID, Name: me.PushName, LID: me.LID}
			c.setSelf(id)
			c.push(session.CredentialsUpdate{Creds: &credentials.Creds{
				Me:         &id,
				Registered: true,
				Platform:   PlatformWAHA,
			}})
		}
		c.push(session.ConnectionUpdate{Connection: session.ConnectionOpen})
	case types.StatusStopped:
		c.push(session.ConnectionUpdate{Connection: session.ConnectionClose, CloseCode: session.CloseConnectionClosed})
	case types.StatusFailed:
		code := session.CloseCode(statusCode)
		if code == 0 {
			code = session.CloseConnectionLost
		}
		c.push(session.ConnectionUpdate{Connection: session.ConnectionClose, CloseCode: code})
	}
}

// conn is one attachment to a gateway session. Events are queued without
// blocking the webhook caller and delivered in order by pump.
type conn struct {
	gw     *Gateway
	name   string
	userID string

	mu       sync.Mutex
	pending  []session.Event
	closing  bool
	detached bool
	self     credentials.Identity

	wake   chan struct{}
	events chan session.Event
}

func newConn(gw *Gateway, name, userID string) *conn {
	return &conn{
		gw:     gw,
		name:   name,
		userID: userID,
		wake:   make(chan struct{}, 1),
		events: make(chan session.Event),
	}
}

func (c *conn) Events() <-chan session.Event {
	return c.events
}

// push queues ev. Nothing is accepted after the close update.
func (c *conn) push(ev session.Event) bool {
	c.mu.Lock()
	if c.closing || c.detached {
		c.mu.Unlock()
		return false
	}
	if u, ok := ev.(session.ConnectionUpdate); ok && u.Connection == session.ConnectionClose {
		c.closing = true
	}
	c.pending = append(c.pending, ev)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// detach ends a connection that was superseded without reporting a close.
func (c *conn) detach() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) pump() {
	defer close(c.events)
	defer c.gw.drop(c)

	for {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		detached := c.detached
		c.mu.Unlock()

		for _, ev := range batch {
			c.events <- ev
			if u, ok := ev.(session.ConnectionUpdate); ok && u.Connection == session.ConnectionClose {
				return
			}
		}
		if detached {
			return
		}
		if len(batch) == 0 {
			<-c.wake
		}
	}
}

func (c *conn) SendText(ctx context.Context, chat, text string) error {
	if !c.Alive() {
		return ErrConnClosed
	}
	_, err := c.gw.api.SendText(ctx, c.name, chat, text)
	return err
}

func (c *conn) setSelf(id credentials.Identity) {
	c.mu.Lock()
	c.self = id
	c.mu.Unlock()
}

func (c *conn) Self() credentials.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closing && !c.detached
}

// Close stops the gateway session and reports a normal close. The close is
// reported even when the stop call fails.
func (c *conn) Close(ctx context.Context) error {
	if !c.Alive() {
		return nil
	}
	err := c.gw.api.StopSession(ctx, c.name)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		c.gw.logger.WithError(err).WithField("session", c.name).Warn("Failed to stop gateway session")
	} else {
		err = nil
	}
	c.push(session.ConnectionUpdate{Connection: session.ConnectionClose, CloseCode: session.CloseConnectionClosed})
	return err
}
