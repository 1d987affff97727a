package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-id/veridian/pkg/events"
	"github.com/veridian-id/veridian/pkg/user"
)

type fakeSender struct {
	messages []Message
}

func (f *fakeSender) Send(msg Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

func TestLockoutEventMailsTheAddress(t *testing.T) {
	sender := &fakeSender{}
	notices := NewNotices(sender, user.NewInMemRepository())

	notices.Dispatch(context.Background(), events.Event{
		Type: events.Lockout,
		Data: map[string]interface{}{"email": "casey@example.com", "ip": "203.0.113.7"},
	})

	require.Len(t, sender.messages, 1)
	assert.Equal(t, "casey@example.com", sender.messages[0].To)
	assert.Equal(t, "Sign-in attempts blocked", sender.messages[0].Subject)
}

func TestLockoutEventWithoutEmailIsIgnored(t *testing.T) {
	sender := &fakeSender{}
	notices := NewNotices(sender, user.NewInMemRepository())

	notices.Dispatch(context.Background(), events.Event{Type: events.Lockout})

	assert.Empty(t, sender.messages)
}

func TestTwoFactorDisabledLooksUpTheUser(t *testing.T) {
	users := user.NewInMemRepository()
	u, err := users.Create(context.Background(), user.User{Email: "casey@example.com"})
	require.NoError(t, err)

	sender := &fakeSender{}
	notices := NewNotices(sender, users)

	notices.Dispatch(context.Background(), events.Event{
		Type:   events.TwoFactorDisabled,
		UserID: u.ID,
	})

	require.Len(t, sender.messages, 1)
	assert.Equal(t, "casey@example.com", sender.messages[0].To)
	assert.Equal(t, "Two-factor authentication disabled", sender.messages[0].Subject)
}

func TestUnrelatedEventsSendNothing(t *testing.T) {
	sender := &fakeSender{}
	notices := NewNotices(sender, user.NewInMemRepository())

	notices.Dispatch(context.Background(), events.Event{Type: events.Authenticated})
	notices.Dispatch(context.Background(), events.Event{Type: events.ValidCodeProvided})

	assert.Empty(t, sender.messages)
}

func TestResetLinkRendersTemplate(t *testing.T) {
	sender := &fakeSender{}
	notices := NewNotices(sender, user.NewInMemRepository())

	err := notices.SendPasswordResetLink("casey@example.com", "https://id.example.com/reset?token=abc", "60 minutes")
	require.NoError(t, err)

	require.Len(t, sender.messages, 1)
	assert.Contains(t, sender.messages[0].Text, "https://id.example.com/reset?token=abc")
	assert.Contains(t, sender.messages[0].Text, "60 minutes")
}
