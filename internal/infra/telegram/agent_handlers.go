package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"

	"notification_scheduler/internal/app"
	"notification_scheduler/internal/domain/agent"
	"notification_scheduler/internal/domain/agentstatus"
)

const notAnAgentReply = "Your Telegram account is not linked to an active agent."

// AgentDirectory resolves the agent behind a Telegram account.
type AgentDirectory interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*agent.Agent, error)
}

// AgentStatusController is the agent-facing part of the status service.
type AgentStatusController interface {
	Connect(ctx context.Context, workspaceID, agentID int64) error
	StartBreak(ctx context.Context, workspaceID, agentID, breakSettingID int64) error
	EndBreak(ctx context.Context, workspaceID, agentID int64) error
	Disconnect(ctx context.Context, workspaceID, agentID int64) error
	Touch(ctx context.Context, workspaceID, agentID int64) error
	Snapshot() *app.StatusBoard
}

// AgentCommands turns agent self-service commands into status transitions and replies.
type AgentCommands struct {
	agents   AgentDirectory
	statuses AgentStatusController
	logger   *logrus.Entry
}

func NewAgentCommands(agents AgentDirectory, statuses AgentStatusController, logger *logrus.Entry) *AgentCommands {
	return &AgentCommands{agents: agents, statuses: statuses, logger: logger.WithField("handler_group", "agent")}
}

// RegisterAgentHandlers registers /connect, /break, /back, /disconnect and /status. Every
// message from a linked agent, commands and plain text alike, counts as activity.
func RegisterAgentHandlers(ctx context.Context, b *telebot.Bot, cmds *AgentCommands) {
	touch := func(next telebot.HandlerFunc) telebot.HandlerFunc {
		return func(c telebot.Context) error {
			cmds.Touch(ctx, c.Sender().ID)
			return next(c)
		}
	}

	b.Handle("/connect", func(c telebot.Context) error {
		return c.Send(cmds.Connect(ctx, c.Sender().ID))
	}, touch)

	b.Handle("/break", func(c telebot.Context) error {
		return c.Send(cmds.StartBreak(ctx, c.Sender().ID, c.Args()))
	}, touch)

	b.Handle("/back", func(c telebot.Context) error {
		return c.Send(cmds.EndBreak(ctx, c.Sender().ID))
	}, touch)

	b.Handle("/disconnect", func(c telebot.Context) error {
		return c.Send(cmds.Disconnect(ctx, c.Sender().ID))
	}, touch)

	b.Handle("/status", func(c telebot.Context) error {
		return c.Send(cmds.Status(ctx, c.Sender().ID))
	}, touch)

	b.Handle(telebot.OnText, func(c telebot.Context) error {
		return nil
	}, touch)
}

// Touch records activity for the agent linked to telegramID. Unknown senders and
// disconnected agents are ignored.
func (a *AgentCommands) Touch(ctx context.Context, telegramID int64) {
	ag, err := a.agents.GetByTelegramID(ctx, telegramID)
	if err != nil {
		if !errors.Is(err, agent.ErrAgentNotFound) {
			a.logger.WithError(err).WithField("sender_id", telegramID).Error("Failed to resolve agent")
		}
		return
	}
	err = a.statuses.Touch(ctx, ag.WorkspaceID, ag.ID)
	if err != nil && !errors.Is(err, agentstatus.ErrNoOpenRecord) {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"workspace_id": ag.WorkspaceID,
			"agent_id":     ag.ID,
		}).Warn("Failed to record agent activity")
	}
}

func (a *AgentCommands) Connect(ctx context.Context, telegramID int64) string {
	return a.run(ctx, telegramID, "/connect", func(ag *agent.Agent) (string, error) {
		if err := a.statuses.Connect(ctx, ag.WorkspaceID, ag.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("You are connected, %s. New conversations can be routed to you.", ag.FirstName), nil
	})
}

func (a *AgentCommands) StartBreak(ctx context.Context, telegramID int64, args []string) string {
	// Expected format: /break <BreakSettingID>
	if len(args) != 1 {
		return "Invalid format. Use: /break <BreakSettingID>"
	}
	breakID, err := parseID(args[0])
	if err != nil {
		return "Error: break setting ID must be a positive number."
	}
	return a.run(ctx, telegramID, "/break", func(ag *agent.Agent) (string, error) {
		if err := a.statuses.StartBreak(ctx, ag.WorkspaceID, ag.ID, breakID); err != nil {
			if errors.Is(err, agentstatus.ErrBreakSettingNotFound) {
				return fmt.Sprintf("Break setting %d not found.", breakID), nil
			}
			return "", err
		}
		return "Break started. Send /back when you return.", nil
	})
}

func (a *AgentCommands) EndBreak(ctx context.Context, telegramID int64) string {
	return a.run(ctx, telegramID, "/back", func(ag *agent.Agent) (string, error) {
		if err := a.statuses.EndBreak(ctx, ag.WorkspaceID, ag.ID); err != nil {
			return "", err
		}
		return "Welcome back. You are connected again.", nil
	})
}

func (a *AgentCommands) Disconnect(ctx context.Context, telegramID int64) string {
	return a.run(ctx, telegramID, "/disconnect", func(ag *agent.Agent) (string, error) {
		if err := a.statuses.Disconnect(ctx, ag.WorkspaceID, ag.ID); err != nil {
			return "", err
		}
		return "You are disconnected. No conversations will be routed to you.", nil
	})
}

func (a *AgentCommands) Status(ctx context.Context, telegramID int64) string {
	return a.run(ctx, telegramID, "/status", func(ag *agent.Agent) (string, error) {
		state := a.statuses.Snapshot().State(ag.WorkspaceID, ag.ID)
		return fmt.Sprintf("%s (ID: %d, workspace %d): %s", ag.DisplayName(), ag.ID, ag.WorkspaceID, state), nil
	})
}

// run resolves the sender and maps transition errors to replies.
func (a *AgentCommands) run(ctx context.Context, telegramID int64, command string, fn func(*agent.Agent) (string, error)) string {
	handlerLogger := a.logger.WithFields(logrus.Fields{
		"handler":   command,
		"sender_id": telegramID,
	})
	handlerLogger.Info("Command received")

	ag, err := a.agents.GetByTelegramID(ctx, telegramID)
	if err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			handlerLogger.Warn("Sender is not a linked agent")
			return notAnAgentReply
		}
		handlerLogger.WithError(err).Error("Failed to resolve agent")
		return "Something went wrong, please try again."
	}
	handlerLogger = handlerLogger.WithFields(logrus.Fields{"workspace_id": ag.WorkspaceID, "agent_id": ag.ID})

	reply, err := fn(ag)
	if err != nil {
		var te *agentstatus.TransitionError
		if errors.As(err, &te) {
			return fmt.Sprintf("You cannot %s while %s.", te.Action, describeState(te.From))
		}
		handlerLogger.WithError(err).Error("Agent command failed")
		return fmt.Sprintf("Failed to run %s: %s", command, err.Error())
	}
	handlerLogger.Info("Agent command applied")
	return reply
}

func describeState(s agentstatus.State) string {
	if s == agentstatus.StateOnBreak {
		return "on a break"
	}
	return string(s)
}

// AgentHelp lists the agent self-service commands.
func AgentHelp() string {
	var helpText strings.Builder
	helpText.WriteString("Agent commands:\n\n")
	helpText.WriteString("`/connect`\n - Start receiving conversations.\n\n")
	helpText.WriteString("`/break <BreakSettingID>`\n - Pause routing for a break.\n\n")
	helpText.WriteString("`/back`\n - End the current break.\n\n")
	helpText.WriteString("`/disconnect`\n - Stop receiving conversations.\n\n")
	helpText.WriteString("`/status`\n - Show your current status.")
	return helpText.String()
}
