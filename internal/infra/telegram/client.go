// internal/infra/telegram/client.go
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/telebot.v3"

	"notification_scheduler/internal/domain/channel"
	"notification_scheduler/internal/domain/schedule"
)

// messenger is the part of *telebot.Bot the adapter needs.
type messenger interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// TelebotAdapter delivers telegram-channel notifications and operator alerts through
// the gopkg.in/telebot.v3 library.
type TelebotAdapter struct {
	bot         messenger
	adminChatID int64
}

func NewTelebotAdapter(b *telebot.Bot, adminChatID int64) *TelebotAdapter {
	return &TelebotAdapter{bot: b, adminChatID: adminChatID}
}

// SendMessage sends a text message to the specified chat.
func (tba *TelebotAdapter) SendMessage(recipientChatID int64, text string, options *telebot.SendOptions) error {
	if options == nil {
		options = &telebot.SendOptions{}
	}

	recipient := &telebot.User{ID: recipientChatID}
	_, err := tba.bot.Send(recipient, text, options)
	return err
}

// Send implements channel.Sender for the telegram channel.
func (tba *TelebotAdapter) Send(ctx context.Context, unit *schedule.NotificationUnit) (channel.Ack, error) {
	if err := ctx.Err(); err != nil {
		return channel.Ack{}, channel.Transient(err)
	}
	if unit.Recipient.TelegramChatID == 0 {
		return channel.Ack{}, channel.Permanent(fmt.Errorf("recipient of unit %d has no telegram chat", unit.ID))
	}

	msg, err := tba.bot.Send(&telebot.User{ID: unit.Recipient.TelegramChatID}, RenderReminder(unit), &telebot.SendOptions{})
	if err != nil {
		return channel.Ack{}, classifySendError(err)
	}
	ack := channel.Ack{}
	if msg != nil {
		ack.ProviderRef = strconv.Itoa(msg.ID)
	}
	return ack, nil
}

// Alert implements channel.Alerter by messaging the admin chat.
func (tba *TelebotAdapter) Alert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return tba.SendMessage(tba.adminChatID, text, nil)
}

// classifySendError maps Bot API errors onto the delivery error kinds. Flood control and
// server-side failures are retried; bad requests and blocked chats are not.
func classifySendError(err error) error {
	var flood telebot.FloodError
	if errors.As(err, &flood) {
		return channel.Transient(err)
	}
	var apiErr *telebot.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 400, apiErr.Code == 403, apiErr.Code == 404:
			return channel.Permanent(err)
		default:
			return channel.Transient(err)
		}
	}
	return channel.Transient(err)
}

// RenderReminder builds the plain-text reminder from the unit payload.
func RenderReminder(unit *schedule.NotificationUnit) string {
	p := unit.Payload
	var b strings.Builder

	name := p["patient_name"]
	if name == "" {
		name = unit.Recipient.Name
	}
	if name != "" {
		fmt.Fprintf(&b, "Hello, %s!\n", name)
	}

	when := unit.AppointmentTime
	if t, err := time.Parse(time.RFC3339, p["appointment_time"]); err == nil {
		when = t
	}
	fmt.Fprintf(&b, "Reminder: your appointment is on %s at %s.", when.Format("02/01/2006"), when.Format("15:04"))

	if v := p["procedure"]; v != "" {
		fmt.Fprintf(&b, "\nProcedure: %s", v)
	}
	if v := p["professional"]; v != "" {
		fmt.Fprintf(&b, "\nWith: %s", v)
	}
	if v := p["location"]; v != "" {
		fmt.Fprintf(&b, "\nWhere: %s", v)
	}
	if v := p["grouped_records"]; v != "" {
		fmt.Fprintf(&b, "\n(%s appointments in this visit)", v)
	}
	return b.String()
}
