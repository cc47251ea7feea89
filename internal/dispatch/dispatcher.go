// Package dispatch turns inbound messages into per-user queued tasks and
// routes each one to the matching handler.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"whatsbot/internal/constants"
	"whatsbot/internal/metrics"
	"whatsbot/internal/privacy"
	"whatsbot/internal/queue"
	"whatsbot/internal/session"

	"github.com/sirupsen/logrus"
)

// Enqueuer accepts per-user tasks.
type Enqueuer interface {
	Enqueue(userID string, task queue.Task) (string, error)
}

// Restarter restarts a user's connection.
type Restarter interface {
	Restart(ctx context.Context, userID, reportTarget, authRef string) (bool, error)
}

// UptimeSource reports how long a user's credentials have been loaded.
type UptimeSource interface {
	Uptime(userID string) (time.Duration, bool)
}

// Recorder receives processing times.
type Recorder interface {
	Record(userID, authRef string, kind metrics.TimingKind, d time.Duration)
}

// Handler processes one routed message.
type Handler func(ctx context.Context, in session.Inbound) error

// CommandHandler processes a command the dispatcher does not implement itself.
type CommandHandler func(ctx context.Context, in session.Inbound, cmd Command) error

// Hooks are the feature handlers messages are routed to. Nil hooks drop the message.
type Hooks struct {
	PollVote Handler
	Status   Handler
	Media    Handler
	Plain    Handler
	Command  CommandHandler
}

// Options configures a Dispatcher.
type Options struct {
	Prefix      string
	AdminNumber string
	Hooks       Hooks
}

type Dispatcher struct {
	queue    Enqueuer
	restarts Restarter
	uptime   UptimeSource
	recorder Recorder
	prefix   string
	admin    string
	hooks    Hooks
	logger   *logrus.Logger
}

func New(q Enqueuer, restarts Restarter, uptime UptimeSource, recorder Recorder, opts Options, logger *logrus.Logger) *Dispatcher {
	if opts.Prefix == "" {
		opts.Prefix = constants.DefaultCommandPrefix
	}
	return &Dispatcher{
		queue:    q,
		restarts: restarts,
		uptime:   uptime,
		recorder: recorder,
		prefix:   opts.Prefix,
		admin:    digits(opts.AdminNumber),
		hooks:    opts.Hooks,
		logger:   logger,
	}
}

// HandleMessage queues the message behind the user's earlier messages.
func (d *Dispatcher) HandleMessage(_ context.Context, in session.Inbound) {
	if in.Message == nil {
		return
	}
	_, err := d.queue.Enqueue(in.UserID, func(ctx context.Context) error {
		return d.Process(ctx, in)
	})
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":    privacy.MaskUserID(in.UserID),
			"message_id": in.Message.ID,
		}).Error("Failed to queue message")
	}
}

// Process routes one message and records how long it took.
func (d *Dispatcher) Process(ctx context.Context, in session.Inbound) error {
	start := time.Now()
	msg := in.Message
	class := Classify(msg, d.prefix)

	logger := d.logger.WithFields(logrus.Fields{
		"user_id":    privacy.MaskUserID(in.UserID),
		"chat_id":    privacy.MaskChatID(msg.Chat),
		"message_id": msg.ID,
		"class":      class,
	})
	logger.Debug("Processing message")

	var err error
	switch class {
	case ClassPollVote:
		err = d.call(ctx, d.hooks.PollVote, in)
	case ClassStatus:
		if msg.FromMe {
			logger.Debug("Ignoring own status update")
		} else {
			err = d.call(ctx, d.hooks.Status, in)
		}
	case ClassMedia:
		err = d.call(ctx, d.hooks.Media, in)
	case ClassCommand:
		cmd, _ := ParseCommand(msg.Text, d.prefix)
		cmdStart := time.Now()
		err = d.command(ctx, in, cmd)
		d.record(in, metrics.CommandProcessingTime, time.Since(cmdStart))
	default:
		err = d.call(ctx, d.hooks.Plain, in)
	}

	d.record(in, metrics.MessageProcessingTime, time.Since(start))
	metrics.IncrementCounter("messages_processed_total", map[string]string{"class": string(class)}, "Inbound messages processed")
	if err != nil {
		metrics.IncrementCounter("messages_failed_total", map[string]string{"class": string(class)}, "Inbound messages whose handler failed")
		return fmt.Errorf("%s message %s: %w", class, msg.ID, err)
	}
	return nil
}

func (d *Dispatcher) call(ctx context.Context, h Handler, in session.Inbound) error {
	if h == nil {
		return nil
	}
	return h(ctx, in)
}

func (d *Dispatcher) command(ctx context.Context, in session.Inbound, cmd Command) error {
	switch cmd.Name {
	case "restart":
		return d.restart(ctx, in)
	case "ping":
		return d.reply(ctx, in, "pong")
	case "uptime":
		up, ok := d.uptime.Uptime(in.UserID)
		if !ok {
			return d.reply(ctx, in, "Uptime unknown")
		}
		return d.reply(ctx, in, "Uptime: "+up.Truncate(time.Second).String())
	}
	if d.hooks.Command == nil {
		return nil
	}
	return d.hooks.Command(ctx, in, cmd)
}

func (d *Dispatcher) restart(ctx context.Context, in session.Inbound) error {
	if !d.privileged(in) {
		return d.reply(ctx, in, "You are not allowed to restart this bot")
	}
	ok, err := d.restarts.Restart(ctx, in.UserID, in.Message.Chat, in.AuthRef)
	if ok {
		return nil
	}
	d.logger.WithError(err).WithField("user_id", privacy.MaskUserID(in.UserID)).Warn("Restart command failed")
	// The old connection is closed by now; the reply may not get through.
	_ = d.reply(ctx, in, "Restart failed")
	return err
}

// privileged reports whether the sender owns the bot or is the operator.
func (d *Dispatcher) privileged(in session.Inbound) bool {
	if in.Message.FromMe {
		return true
	}
	sender := digits(in.Message.Sender)
	if sender == "" {
		return false
	}
	return sender == digits(in.UserID) || (d.admin != "" && sender == d.admin)
}

func (d *Dispatcher) reply(ctx context.Context, in session.Inbound, text string) error {
	if in.Conn == nil {
		return fmt.Errorf("no connection to reply on")
	}
	return in.Conn.SendText(ctx, in.Message.Chat, text)
}

func (d *Dispatcher) record(in session.Inbound, kind metrics.TimingKind, elapsed time.Duration) {
	if d.recorder == nil {
		return
	}
	if in.AuthRef == "" {
		d.logger.WithField("user_id", privacy.MaskUserID(in.UserID)).Error("No auth reference for user, skipping metric")
		return
	}
	d.recorder.Record(in.UserID, in.AuthRef, kind, elapsed)
}

// digits returns the phone number part of a chat id or number.
func digits(id string) string {
	if i := strings.IndexAny(id, "@:"); i >= 0 {
		id = id[:i]
	}
	return strings.TrimPrefix(strings.TrimSpace(id), "+")
}
