package notify

import (
	"context"
	"strings"

	apperrors "whatsbot/internal/errors"
	"whatsbot/internal/privacy"

	"github.com/sirupsen/logrus"
)

// TextSender sends a plain text message to a chat.
type TextSender interface {
	SendText(ctx context.Context, chat, text string) error
}

// SenderLookup returns the live connection notices are sent through.
type SenderLookup func() (TextSender, bool)

// ChatNotifier sends notices as chat messages through the operator's connection.
type ChatNotifier struct {
	lookup    SenderLookup
	adminChat string
	channels  ChannelSource
	logger    *logrus.Logger
}

// NewChatNotifier creates a notifier. adminNumber may be a bare phone number.
func NewChatNotifier(lookup SenderLookup, adminNumber string, channels ChannelSource, logger *logrus.Logger) *ChatNotifier {
	return &ChatNotifier{
		lookup:    lookup,
		adminChat: ChatID(adminNumber),
		channels:  channels,
		logger:    logger,
	}
}

func (c *ChatNotifier) Notify(ctx context.Context, n Notification) error {
	to, err := c.destination(ctx, n)
	if err != nil {
		return err
	}
	if to == "" {
		return ErrSkipped
	}
	sender, ok := c.lookup()
	if !ok {
		return apperrors.New(apperrors.ErrCodeNotifier, "operator connection is not active")
	}

	text := n.Text
	if n.Artifact != nil && n.Artifact.Code != "" && text == "" {
		text = "Login code: " + n.Artifact.Code
	}
	if err := sender.SendText(ctx, to, text); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeNotifier, "failed to send chat notification")
	}

	c.logger.WithFields(logrus.Fields{
		"chat_id": privacy.MaskChatID(to),
		"kind":    n.Kind,
	}).Debug("Chat notification sent")
	return nil
}

func (c *ChatNotifier) destination(ctx context.Context, n Notification) (string, error) {
	if n.Destination != "" {
		return n.Destination, nil
	}
	if n.Kind == KindOperatorAlert {
		return c.adminChat, nil
	}
	if c.channels == nil || n.UserID == "" {
		return "", nil
	}
	ch, err := c.channels.GetDeliveryChannel(ctx, n.UserID)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeNotifier, "failed to look up delivery channel")
	}
	if ch == nil {
		return "", nil
	}
	return ch.ChatJID, nil
}

// ChatID turns a phone number into a personal chat id; ids are returned unchanged.
func ChatID(number string) string {
	number = strings.TrimPrefix(strings.TrimSpace(number), "+")
	if number == "" || strings.Contains(number, "@") {
		return number
	}
	return number + "@s.whatsapp.net"
}
