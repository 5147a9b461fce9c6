// internal/infra/telegram/requeue_callback_handlers.go
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"

	"notification_scheduler/internal/app"
)

// RegisterRequeueCallbacks handles the inline "Requeue #id" buttons of the /exhausted listing.
func RegisterRequeueCallbacks(ctx context.Context, b *telebot.Bot, adminService *app.AdminService, adminTelegramID int64, baseLogger *logrus.Entry) {
	b.Handle(telebot.OnCallback, func(c telebot.Context) error {
		data := c.Callback().Data
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "requeue_callback",
			"sender_id": c.Sender().ID,
		})

		if !strings.HasPrefix(data, requeueCallbackPrefix) {
			c.Bot().OnError(fmt.Errorf("unhandled callback data: %s", data), c)
			return c.Respond(&telebot.CallbackResponse{Text: "Unknown action."})
		}
		if c.Sender().ID != adminTelegramID {
			handlerLogger.Warn("Unauthorized access attempt")
			return c.Respond(&telebot.CallbackResponse{Text: unauthorizedReply})
		}

		unitID, err := ParseRequeueCallback(data)
		if err != nil {
			c.Bot().OnError(err, c)
			return c.Respond(&telebot.CallbackResponse{Text: "Invalid notification ID."})
		}

		reply := requeue(ctx, adminService, c.Sender().ID, unitID, handlerLogger)
		if err := c.Respond(&telebot.CallbackResponse{Text: "Done."}); err != nil {
			handlerLogger.WithError(err).Warn("Failed to answer callback")
		}
		return c.Send(reply)
	})
}

// ParseRequeueCallback extracts the unit ID from "requeue_<id>".
func ParseRequeueCallback(data string) (int64, error) {
	raw := strings.TrimPrefix(data, requeueCallbackPrefix)
	if raw == data {
		return 0, fmt.Errorf("invalid callback data format for requeue: %s", data)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid unit ID '%s' in requeue callback", raw)
	}
	return id, nil
}
