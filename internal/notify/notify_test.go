package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"whatsbot/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeChannels map[string]*models.DeliveryChannel

func (f fakeChannels) GetDeliveryChannel(_ context.Context, userID string) (*models.DeliveryChannel, error) {
	return f[userID], nil
}

type captureSender struct {
	mu   sync.Mutex
	msgs []*gomail.Message
	err  error
}

func (c *captureSender) DialAndSend(m ...*gomail.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m...)
	return c.err
}

type fakeText struct {
	chat, text string
	err        error
}

func (f *fakeText) SendText(_ context.Context, chat, text string) error {
	f.chat, f.text = chat, text
	return f.err
}

func TestRenderArtifact(t *testing.T) {
	a, err := RenderArtifact("2@abc,def", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.True(t, bytes.HasPrefix(a.PNG, []byte("\x89PNG")))
	assert.WithinDuration(t, time.Now().Add(time.Minute), a.ExpiresAt, 5*time.Second)

	_, err = RenderArtifact("", time.Minute)
	assert.Error(t, err)
}

func TestEmailNotifier_UserChannel(t *testing.T) {
	sender := &captureSender{}
	e := NewEmailNotifier(models.NotifyConfig{OperatorEmail: "ops@example.com"},
		fakeChannels{"u1": {UserID: "u1", Email: "user@example.com"}}, testLogger())
	e.sender = sender

	a, err := RenderArtifact("code", time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Notify(context.Background(), Notification{Kind: KindLoginArtifact, UserID: "u1", Text: "scan", Artifact: a}))

	require.Len(t, sender.msgs, 1)
	assert.Equal(t, []string{"user@example.com"}, sender.msgs[0].GetHeader("To"))
	assert.Equal(t, []string{"Scan to link your WhatsApp bot"}, sender.msgs[0].GetHeader("Subject"))
}

func TestEmailNotifier_OperatorAndSkip(t *testing.T) {
	sender := &captureSender{}
	e := NewEmailNotifier(models.NotifyConfig{OperatorEmail: "ops@example.com"}, fakeChannels{}, testLogger())
	e.sender = sender

	require.NoError(t, e.Notify(context.Background(), Notification{Kind: KindOperatorAlert, UserID: "u1", Text: "logged out"}))
	require.Len(t, sender.msgs, 1)
	assert.Equal(t, []string{"ops@example.com"}, sender.msgs[0].GetHeader("To"))

	err := e.Notify(context.Background(), Notification{Kind: KindConnected, UserID: "nobody"})
	assert.ErrorIs(t, err, ErrSkipped)
}

func TestEmailNotifier_SendFailure(t *testing.T) {
	sender := &captureSender{err: errors.New("smtp down")}
	e := NewEmailNotifier(models.NotifyConfig{OperatorEmail: "ops@example.com"}, nil, testLogger())
	e.sender = sender

	assert.Error(t, e.Notify(context.Background(), Notification{Kind: KindOperatorAlert}))
}

func TestChatNotifier(t *testing.T) {
	sender := &fakeText{}
	active := true
	c := NewChatNotifier(func() (TextSender, bool) { return sender, active }, "+15550001",
		fakeChannels{"u1": {UserID: "u1", ChatJID: "u1@s.whatsapp.net"}}, testLogger())
	ctx := context.Background()

	require.NoError(t, c.Notify(ctx, Notification{Kind: KindOperatorAlert, Text: "alert"}))
	assert.Equal(t, "15550001@s.whatsapp.net", sender.chat)

	require.NoError(t, c.Notify(ctx, Notification{Kind: KindConnected, UserID: "u1", Text: "hi"}))
	assert.Equal(t, "u1@s.whatsapp.net", sender.chat)

	require.NoError(t, c.Notify(ctx, Notification{Kind: KindConnected, Destination: "g@g.us", Text: "done"}))
	assert.Equal(t, "g@g.us", sender.chat)
	assert.Equal(t, "done", sender.text)

	assert.ErrorIs(t, c.Notify(ctx, Notification{Kind: KindConnected, UserID: "u2"}), ErrSkipped)

	active = false
	assert.Error(t, c.Notify(ctx, Notification{Kind: KindOperatorAlert, Text: "alert"}))
}

func TestMulti_JoinsErrors(t *testing.T) {
	var calls int
	ok := NotifierFunc(func(context.Context, Notification) error { calls++; return nil })
	bad := NotifierFunc(func(context.Context, Notification) error { calls++; return errors.New("bad") })

	err := Multi{ok, nil, bad, ok}.Notify(context.Background(), Notification{})
	assert.EqualError(t, err, "bad")
	assert.Equal(t, 3, calls)
	assert.NoError(t, Multi{ok}.Notify(context.Background(), Notification{}))
	assert.NoError(t, Nop{}.Notify(context.Background(), Notification{}))
}

func TestChatID(t *testing.T) {
	assert.Equal(t, "15550001@s.whatsapp.net", ChatID("+15550001"))
	assert.Equal(t, "x@g.us", ChatID("x@g.us"))
	assert.Equal(t, "", ChatID(""))
}
