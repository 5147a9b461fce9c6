// internal/infra/telegram/bot_commands_handler.go
package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"

	"notification_scheduler/internal/infra/config"
)

func RegisterBotCommands(
	ctx context.Context,
	b *telebot.Bot,
	cfg *config.AppConfig, // For AdminTelegramID
	agents AgentDirectory,
	baseLogger *logrus.Entry,
) {
	startHelpLogger := baseLogger.WithField("handler_group", "start_help")

	b.Handle("/start", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/start").WithField("sender_id", senderID)
		logCtx.Info("Processing /start command")

		if senderID == cfg.AdminTelegramID {
			logCtx.Info("User identified as Admin")
			return c.Send(fmt.Sprintf("Hello, %s! Alerts about failed notifications will arrive here. Use /help for the command list.", c.Sender().FirstName))
		}
		if ag, err := agents.GetByTelegramID(ctx, senderID); err == nil {
			logCtx.WithField("agent_id", ag.ID).Info("User identified as Agent")
			return c.Send(fmt.Sprintf("Hello, %s! Send /connect to start receiving conversations. Use /help for the command list.", ag.FirstName))
		}

		logCtx.Info("User is not the admin")
		return c.Send("Hello! This bot sends appointment reminders. Replies are not monitored; please contact your clinic directly.")
	})

	b.Handle("/help", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/help").WithField("sender_id", senderID)
		logCtx.Info("Processing /help command")

		return c.Send(Help(senderID == cfg.AdminTelegramID, isAgent(ctx, agents, senderID)), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
	})
}

func isAgent(ctx context.Context, agents AgentDirectory, telegramID int64) bool {
	_, err := agents.GetByTelegramID(ctx, telegramID)
	return err == nil
}

// Help lists the commands available to a sender.
func Help(admin, agent bool) string {
	var sections []string
	if admin {
		sections = append(sections, AdminHelp())
	}
	if agent {
		sections = append(sections, AgentHelp())
	}
	if len(sections) == 0 {
		return "This bot only sends appointment reminders. No commands are available."
	}
	return strings.Join(sections, "\n\n")
}

func AdminHelp() string {
	var helpText strings.Builder
	helpText.WriteString("Admin commands:\n\n")
	helpText.WriteString("`/reset_cursor <SettingID>`\n - Restart extraction of a setting from the lookback.\n\n")
	helpText.WriteString("`/exhausted [limit]`\n - List failed notifications with requeue buttons.\n\n")
	helpText.WriteString("`/requeue <NotificationID>`\n - Return a failed notification to pending.\n\n")
	helpText.WriteString("`/agents <WorkspaceID>`\n - Show connected and on-break agents.\n\n")
	helpText.WriteString("`/help`\n - Show this message.")
	return helpText.String()
}
