package notify

import (
	"context"
	"fmt"
	"io"

	apperrors "whatsbot/internal/errors"
	"whatsbot/internal/models"
	"whatsbot/internal/privacy"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// ChannelSource looks up where a user's notices go.
type ChannelSource interface {
	GetDeliveryChannel(ctx context.Context, userID string) (*models.DeliveryChannel, error)
}

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier mails notices to the user's registered address, or to the
// operator address for operator alerts.
type EmailNotifier struct {
	sender        mailSender
	from          string
	operatorEmail string
	channels      ChannelSource
	logger        *logrus.Logger
}

func NewEmailNotifier(cfg models.NotifyConfig, channels ChannelSource, logger *logrus.Logger) *EmailNotifier {
	return &EmailNotifier{
		sender:        gomail.NewDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password),
		from:          cfg.SMTP.From,
		operatorEmail: cfg.OperatorEmail,
		channels:      channels,
		logger:        logger,
	}
}

func (e *EmailNotifier) Notify(ctx context.Context, n Notification) error {
	to, err := e.destination(ctx, n)
	if err != nil {
		return err
	}
	if to == "" {
		return ErrSkipped
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", e.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subjectFor(n))
	msg.SetBody("text/plain", n.Text)

	if n.Artifact != nil && len(n.Artifact.PNG) > 0 {
		png := n.Artifact.PNG
		msg.Attach(fmt.Sprintf("login-%s.png", n.Artifact.ID), gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(png)
			return err
		}))
	}

	if err := e.sender.DialAndSend(msg); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeNotifier, "failed to send email").
			WithContext("kind", string(n.Kind))
	}

	e.logger.WithFields(logrus.Fields{
		"user_id": privacy.MaskUserID(n.UserID),
		"kind":    n.Kind,
	}).Info("Email notification sent")
	return nil
}

func (e *EmailNotifier) destination(ctx context.Context, n Notification) (string, error) {
	if n.Kind == KindOperatorAlert {
		return e.operatorEmail, nil
	}
	if e.channels == nil || n.UserID == "" {
		return "", nil
	}
	ch, err := e.channels.GetDeliveryChannel(ctx, n.UserID)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeNotifier, "failed to look up delivery channel")
	}
	if ch == nil {
		return "", nil
	}
	return ch.Email, nil
}

func subjectFor(n Notification) string {
	if n.Subject != "" {
		return n.Subject
	}
	switch n.Kind {
	case KindLoginArtifact:
		return "Scan to link your WhatsApp bot"
	case KindLoginArtifactExpired:
		return "Your login code expired"
	case KindConnected:
		return "Your WhatsApp bot is connected"
	case KindSessionInvalid:
		return "Your WhatsApp bot needs to be linked again"
	case KindOperatorAlert:
		return "WhatsApp bot operator alert"
	}
	return "WhatsApp bot notice"
}
