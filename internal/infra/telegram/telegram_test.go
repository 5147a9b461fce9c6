package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/telebot.v3"

	"notification_scheduler/internal/app"
	"notification_scheduler/internal/domain/agentstatus"
	"notification_scheduler/internal/domain/channel"
	"notification_scheduler/internal/domain/schedule"
)

type sent struct {
	to   telebot.Recipient
	what interface{}
}

type fakeMessenger struct {
	calls []sent
	err   error
}

func (f *fakeMessenger) Send(to telebot.Recipient, what interface{}, _ ...interface{}) (*telebot.Message, error) {
	f.calls = append(f.calls, sent{to: to, what: what})
	if f.err != nil {
		return nil, f.err
	}
	return &telebot.Message{ID: 77}, nil
}

func reminderUnit() *schedule.NotificationUnit {
	return &schedule.NotificationUnit{
		ID:              5,
		Channel:         schedule.ChannelTelegram,
		Recipient:       schedule.Recipient{Name: "Ana", TelegramChatID: 1234},
		AppointmentTime: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
		Payload: map[string]string{
			"patient_name":     "Ana Souza",
			"appointment_time": "2026-03-10T14:30:00Z",
			"professional":     "Dr. Lima",
			"location":         "Room 2",
		},
	}
}

func TestSendDeliversReminder(t *testing.T) {
	m := &fakeMessenger{}
	a := &TelebotAdapter{bot: m, adminChatID: 1}

	ack, err := a.Send(context.Background(), reminderUnit())
	require.NoError(t, err)
	assert.Equal(t, "77", ack.ProviderRef)
	require.Len(t, m.calls, 1)
	assert.Equal(t, "1234", m.calls[0].to.Recipient())
	assert.Contains(t, m.calls[0].what, "Ana Souza")
	assert.Contains(t, m.calls[0].what, "10/03/2026 at 14:30")
	assert.Contains(t, m.calls[0].what, "Dr. Lima")
}

func TestSendWithoutChatIsPermanent(t *testing.T) {
	m := &fakeMessenger{}
	a := &TelebotAdapter{bot: m}
	u := reminderUnit()
	u.Recipient.TelegramChatID = 0

	_, err := a.Send(context.Background(), u)
	require.Error(t, err)
	assert.True(t, channel.IsPermanent(err))
	assert.Empty(t, m.calls)
}

func TestClassifySendError(t *testing.T) {
	assert.True(t, channel.IsPermanent(classifySendError(telebot.ErrBlockedByUser)))
	assert.True(t, channel.IsPermanent(classifySendError(telebot.ErrChatNotFound)))
	assert.False(t, channel.IsPermanent(classifySendError(telebot.NewError(502, "Bad Gateway"))))
	assert.False(t, channel.IsPermanent(classifySendError(errors.New("connection reset"))))
}

func TestAlertGoesToAdminChat(t *testing.T) {
	m := &fakeMessenger{}
	a := &TelebotAdapter{bot: m, adminChatID: 42}

	require.NoError(t, a.Alert(context.Background(), "unit 5 exhausted"))
	require.Len(t, m.calls, 1)
	assert.Equal(t, "42", m.calls[0].to.Recipient())
	assert.Equal(t, "unit 5 exhausted", m.calls[0].what)
}

func TestParseRequeueCallback(t *testing.T) {
	id, err := ParseRequeueCallback("requeue_15")
	require.NoError(t, err)
	assert.Equal(t, int64(15), id)

	for _, data := range []string{"ans_yes_1", "requeue_", "requeue_x", "requeue_-3"} {
		_, err := ParseRequeueCallback(data)
		assert.Error(t, err, data)
	}
}

func TestRequeueKeyboardMatchesCallbackFormat(t *testing.T) {
	units := []*schedule.NotificationUnit{{ID: 3}, {ID: 9}}
	markup := RequeueKeyboard(units)

	require.Len(t, markup.InlineKeyboard, 2)
	id, err := ParseRequeueCallback(markup.InlineKeyboard[1][0].Data)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
}

func TestFormatListings(t *testing.T) {
	failed := FormatFailedUnits([]*schedule.NotificationUnit{{
		ID:             3,
		IdempotencyKey: "C01:1:sms",
		Status:         schedule.UnitStatusFailedExhausted,
		Attempts:       5,
		LastError:      "gateway timeout",
	}})
	assert.Contains(t, failed, "#3 C01:1:sms")
	assert.Contains(t, failed, "last error: gateway timeout")

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	agents := FormatAgents(7, []app.AgentView{{
		AgentID: 1,
		Name:    "Maria",
		Entry:   app.BoardEntry{AgentID: 1, WorkspaceID: 7, State: agentstatus.StateOnBreak, Since: now.Add(-90 * time.Second)},
	}}, now)
	assert.Contains(t, agents, "Maria (ID: 1)")
	assert.Contains(t, agents, "1m30s")
}

func TestParseID(t *testing.T) {
	id, err := parseID(" 12 ")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	_, err = parseID("0")
	assert.Error(t, err)
	_, err = parseID("abc")
	assert.Error(t, err)
}
