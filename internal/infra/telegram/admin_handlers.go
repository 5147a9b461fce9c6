package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"

	"notification_scheduler/internal/app"
	"notification_scheduler/internal/domain/schedule"
)

const (
	defaultFailedListLimit = 10
	maxFailedListLimit     = 50
	requeueCallbackPrefix  = "requeue_"
)

const unauthorizedReply = "Error: you are not allowed to run this command."

// RegisterAdminHandlers registers handlers for admin commands.
// It requires the bot instance, admin service, and the configured admin Telegram ID.
func RegisterAdminHandlers(ctx context.Context, b *telebot.Bot, adminService *app.AdminService, adminTelegramID int64, baseLogger *logrus.Entry) {
	b.Handle("/reset_cursor", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/reset_cursor",
			"sender_id": c.Sender().ID,
		})
		handlerLogger.Info("Command received")

		if c.Sender().ID != adminTelegramID {
			handlerLogger.Warn("Unauthorized access attempt")
			return c.Send(unauthorizedReply)
		}

		args := c.Args()
		// Expected format: /reset_cursor <SettingID>
		if len(args) != 1 {
			return c.Send("Invalid format. Use: /reset_cursor <SettingID>")
		}
		settingID, err := parseID(args[0])
		if err != nil {
			handlerLogger.WithField("arg", args[0]).Warn("Invalid setting ID format")
			return c.Send("Error: setting ID must be a positive number.")
		}
		handlerLogger = handlerLogger.WithField("setting_id", settingID)

		if err := adminService.ResetCursor(ctx, c.Sender().ID, settingID); err != nil {
			logWithError := handlerLogger.WithError(err)
			switch {
			case errors.Is(err, app.ErrAdminNotAuthorized):
				logWithError.Warn("Admin not authorized (service level)")
				return c.Send(unauthorizedReply)
			case errors.Is(err, schedule.ErrCursorNotFound):
				logWithError.Warn("Cursor to reset not found")
				return c.Send(fmt.Sprintf("Setting %d has no extraction cursor yet.", settingID))
			default:
				logWithError.Error("Failed to reset cursor")
				return c.Send(fmt.Sprintf("Failed to reset the cursor: %s", err.Error()))
			}
		}

		handlerLogger.Info("Cursor reset")
		return c.Send(fmt.Sprintf("Cursor of setting %d reset. The next extraction starts from the lookback.", settingID))
	})

	b.Handle("/exhausted", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/exhausted",
			"sender_id": c.Sender().ID,
		})
		if c.Sender().ID != adminTelegramID {
			handlerLogger.Warn("Unauthorized access attempt")
			return c.Send(unauthorizedReply)
		}

		limit := defaultFailedListLimit
		if args := c.Args(); len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return c.Send("Invalid format. Use: /exhausted [limit]")
			}
			limit = min(n, maxFailedListLimit)
		}

		units, err := adminService.ListFailed(ctx, c.Sender().ID, limit)
		if err != nil {
			logWithError := handlerLogger.WithError(err)
			if errors.Is(err, app.ErrAdminNotAuthorized) {
				logWithError.Warn("Admin not authorized (service level)")
				return c.Send(unauthorizedReply)
			}
			logWithError.Error("Failed to list failed units")
			return c.Send(fmt.Sprintf("Failed to list notifications: %s", err.Error()))
		}
		if len(units) == 0 {
			return c.Send("No failed notifications.")
		}

		handlerLogger.WithField("units_count", len(units)).Info("Listed failed units")
		return c.Send(FormatFailedUnits(units), RequeueKeyboard(units))
	})

	b.Handle("/requeue", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/requeue",
			"sender_id": c.Sender().ID,
		})
		handlerLogger.Info("Command received")

		if c.Sender().ID != adminTelegramID {
			handlerLogger.Warn("Unauthorized access attempt")
			return c.Send(unauthorizedReply)
		}

		args := c.Args()
		// Expected format: /requeue <NotificationID>
		if len(args) != 1 {
			return c.Send("Invalid format. Use: /requeue <NotificationID>")
		}
		unitID, err := parseID(args[0])
		if err != nil {
			handlerLogger.WithField("arg", args[0]).Warn("Invalid unit ID format")
			return c.Send("Error: notification ID must be a positive number.")
		}
		return c.Send(requeue(ctx, adminService, c.Sender().ID, unitID, handlerLogger))
	})

	b.Handle("/agents", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/agents",
			"sender_id": c.Sender().ID,
		})
		if c.Sender().ID != adminTelegramID {
			handlerLogger.Warn("Unauthorized access attempt")
			return c.Send(unauthorizedReply)
		}

		args := c.Args()
		// Expected format: /agents <WorkspaceID>
		if len(args) != 1 {
			return c.Send("Invalid format. Use: /agents <WorkspaceID>")
		}
		workspaceID, err := parseID(args[0])
		if err != nil {
			return c.Send("Error: workspace ID must be a positive number.")
		}
		handlerLogger = handlerLogger.WithField("workspace_id", workspaceID)

		views, err := adminService.LiveAgents(ctx, c.Sender().ID, workspaceID)
		if err != nil {
			logWithError := handlerLogger.WithError(err)
			if errors.Is(err, app.ErrAdminNotAuthorized) {
				logWithError.Warn("Admin not authorized (service level)")
				return c.Send(unauthorizedReply)
			}
			logWithError.Error("Failed to list live agents")
			return c.Send(fmt.Sprintf("Failed to list agents: %s", err.Error()))
		}
		if len(views) == 0 {
			return c.Send(fmt.Sprintf("No agents are connected or on break in workspace %d.", workspaceID))
		}
		return c.Send(FormatAgents(workspaceID, views, time.Now()))
	})
}

// requeue runs the admin requeue and turns the outcome into a reply.
func requeue(ctx context.Context, adminService *app.AdminService, senderID, unitID int64, logger *logrus.Entry) string {
	logger = logger.WithField("unit_id", unitID)
	unit, err := adminService.Requeue(ctx, senderID, unitID)
	if err != nil {
		logWithError := logger.WithError(err)
		switch {
		case errors.Is(err, app.ErrAdminNotAuthorized):
			logWithError.Warn("Admin not authorized (service level)")
			return unauthorizedReply
		case errors.Is(err, schedule.ErrUnitNotFound):
			logWithError.Warn("Unit to requeue not found")
			return fmt.Sprintf("Notification %d not found.", unitID)
		case errors.Is(err, schedule.ErrUnitNotRequeueable):
			logWithError.Warn("Unit is not in a failed state")
			return fmt.Sprintf("Notification %d is not in a failed state.", unitID)
		default:
			logWithError.Error("Failed to requeue unit")
			return fmt.Sprintf("Failed to requeue notification %d: %s", unitID, err.Error())
		}
	}
	logger.Info("Unit requeued")
	return fmt.Sprintf("Notification %d (%s) is pending again.", unit.ID, unit.IdempotencyKey)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id must be positive, got %d", id)
	}
	return id, nil
}

// FormatFailedUnits renders the /exhausted listing.
func FormatFailedUnits(units []*schedule.NotificationUnit) string {
	var response strings.Builder
	response.WriteString("--- Failed notifications ---\n")
	for _, u := range units {
		response.WriteString(fmt.Sprintf("#%d %s [%s] attempts: %d, appointment: %s\n",
			u.ID,
			u.IdempotencyKey,
			u.Status,
			u.Attempts,
			u.AppointmentTime.Format("2006-01-02 15:04")))
		if u.LastError != "" {
			response.WriteString(fmt.Sprintf("   last error: %s\n", u.LastError))
		}
	}
	return response.String()
}

// RequeueKeyboard attaches one requeue button per unit.
func RequeueKeyboard(units []*schedule.NotificationUnit) *telebot.ReplyMarkup {
	markup := &telebot.ReplyMarkup{}
	rows := make([][]telebot.InlineButton, 0, len(units))
	for _, u := range units {
		rows = append(rows, []telebot.InlineButton{{
			Text: fmt.Sprintf("Requeue #%d", u.ID),
			Data: fmt.Sprintf("%s%d", requeueCallbackPrefix, u.ID),
		}})
	}
	markup.InlineKeyboard = rows
	return markup
}

// FormatAgents renders the /agents listing.
func FormatAgents(workspaceID int64, views []app.AgentView, now time.Time) string {
	var response strings.Builder
	response.WriteString(fmt.Sprintf("--- Agents in workspace %d ---\n", workspaceID))
	for _, v := range views {
		response.WriteString(fmt.Sprintf("%s (ID: %d): %s for %s\n",
			v.Name,
			v.AgentID,
			v.Entry.State,
			now.Sub(v.Entry.Since).Truncate(time.Second)))
	}
	return response.String()
}
