package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"

	"notification_scheduler/internal/app"
	"notification_scheduler/internal/domain/channel"
	"notification_scheduler/internal/domain/events"
	"notification_scheduler/internal/domain/schedule"
	"notification_scheduler/internal/infra/channels"
	"notification_scheduler/internal/infra/config"
	"notification_scheduler/internal/infra/configstore"
	ierp "notification_scheduler/internal/infra/erp"
	ievents "notification_scheduler/internal/infra/events"
	"notification_scheduler/internal/infra/intake"
	"notification_scheduler/internal/infra/logger"
	"notification_scheduler/internal/infra/metrics"
	"notification_scheduler/internal/infra/scheduler"
	"notification_scheduler/internal/infra/telegram"
)

const erpConnectTimeout = 10 * time.Second

// logAlerter is the alert sink when the bot is disabled.
type logAlerter struct {
	logger *logrus.Entry
}

func (a logAlerter) Alert(_ context.Context, text string) error {
	a.logger.Warn(text)
	return nil
}

func runServe(ctx context.Context, cfg *config.AppConfig) error {
	mainLogger := logger.Component("main")
	base := logrus.NewEntry(logger.Log)
	mainLogger.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"storage":     cfg.StorageDriver,
		"admin_id":    cfg.AdminTelegramID,
	}).Info("Notification scheduler starting...")

	store, err := configstore.Open(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("could not load configuration store: %w", err)
	}

	st, err := openStorage(ctx, cfg, store.Agents())
	if err != nil {
		return err
	}
	defer st.Close()
	mainLogger.Info("Repositories initialized.")

	bus := ievents.NewBus(base)
	m := metrics.New()
	bus.SubscribeAll(m.Handle)
	bus.SubscribeAll(ievents.LogHandler(logger.Component("events")))

	var alerter channel.Alerter = logAlerter{logger: logger.Component("alerts")}
	senders := make(map[schedule.Channel]channel.Sender)

	var bot *telebot.Bot
	if cfg.TelegramToken != "" {
		botLogger := logger.Component("telegram")
		bot, err = telebot.NewBot(telebot.Settings{
			Token:  cfg.TelegramToken,
			Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
			OnError: func(err error, c telebot.Context) {
				entry := botLogger.WithError(err)
				if c != nil && c.Sender() != nil && c.Chat() != nil {
					entry = entry.WithFields(logrus.Fields{"sender_id": c.Sender().ID, "chat_id": c.Chat().ID})
				}
				entry.Error("Telegram handler error")
			},
		})
		if err != nil {
			return fmt.Errorf("could not create telegram bot: %w", err)
		}
		tg := telegram.NewTelebotAdapter(bot, cfg.AdminTelegramID)
		alerter = tg
		senders[schedule.ChannelTelegram] = tg
	}

	webhooks := map[schedule.Channel]string{
		schedule.ChannelSMS:      cfg.SMSWebhookURL,
		schedule.ChannelWhatsApp: cfg.WhatsAppWebhookURL,
		schedule.ChannelEmail:    cfg.EmailWebhookURL,
	}
	for ch, url := range webhooks {
		if url == "" {
			continue
		}
		senders[ch] = channels.NewWebhookSender(ch, channels.WebhookConfig{
			URL:           url,
			RatePerSecond: cfg.ChannelRatePerSecond,
			Timeout:       cfg.ChannelTimeout,
		}, base)
	}
	mainLogger.WithField("channels", len(senders)).Info("Channel senders initialized.")

	registry := ierp.NewRegistry(nil)
	if cfg.ERPDSN != "" {
		erpDB, err := ierp.ConnectMySQL(cfg.ERPDSN, erpConnectTimeout)
		if err != nil {
			return err
		}
		defer erpDB.Close()
		registry = ierp.NewRegistry(ierp.NewSQLAdapter(erpDB, schedule.ERPGeneric, cfg.ERPQuery, base))
	} else {
		mainLogger.Warn("ERP_DSN is not set; extraction runs will fail until an adapter is configured")
	}

	cursors := app.NewCursorManager(st.cursors, app.CursorConfig{
		Lookback: cfg.ExtractionLookback,
		Overlap:  cfg.ExtractionOverlap,
		MaxSpan:  cfg.ExtractionMaxSpan,
		LockTTL:  cfg.ExtractionLockTTL,
	}, base)
	grouping := app.NewGroupingEngine(st.units, app.ParseTieBreak(cfg.GroupTieBreak), base)
	window := app.NewSendWindowCalculator(cfg.SendGracePeriod)

	dispatcher := app.NewDispatcher(st.units, store, senders, window, bus, alerter, app.DispatcherConfig{
		Workers:      cfg.DispatchWorkers,
		BatchSize:    cfg.DispatchBatchSize,
		PollInterval: cfg.DispatchPollInterval,
		LeaseTTL:     cfg.DispatchLeaseTTL,
		MaxAttempts:  cfg.DispatchMaxAttempts,
		BaseBackoff:  cfg.DispatchBaseBackoff,
		MaxBackoff:   cfg.DispatchMaxBackoff,
	}, base)
	extraction := app.NewExtractionService(store, cursors, registry, grouping, window, st.units, bus, alerter, app.ExtractionConfig{
		MaxWindowsPerRun:   cfg.ExtractionMaxWindowsPerRun,
		AdapterMaxAttempts: cfg.AdapterMaxAttempts,
	}, base)

	statuses := app.NewAgentStatusService(st.statuses, store, bus, app.AgentStatusConfig{
		MaxInactive:        cfg.MaxInactiveDuration,
		AutoBreakSettingID: cfg.AutoBreakSettingID,
	}, base)
	if err := statuses.Hydrate(ctx); err != nil {
		return err
	}
	router := app.NewRoutingService(store, st.agents, statuses, nil, bus, base)
	bus.Subscribe(events.NameAgentStatusChanged, router.HandleEvent)
	m.RegisterGauge("unassigned_conversations", "Conversations waiting for an agent.", func() float64 {
		return float64(len(router.Unassigned()))
	})

	jobs := scheduler.NewJobScheduler(extraction, statuses, dispatcher,
		time.Duration(cfg.RetentionDays)*24*time.Hour,
		scheduler.Specs{
			Extraction: cfg.CronSpecExtraction,
			Watchdog:   cfg.CronSpecWatchdog,
			Cleanup:    cfg.CronSpecCleanup,
		}, base)
	if err := jobs.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	run(func() { dispatcher.Run(ctx) })
	run(func() { router.Run(ctx) })
	if cfg.MetricsAddr != "" {
		conversations := intake.NewHandler(router, cfg.IntakeAPIKey, base)
		routes := map[string]http.Handler{
			"/conversations":  conversations,
			"/conversations/": conversations,
		}
		run(func() {
			if err := m.Serve(ctx, cfg.MetricsAddr, routes, logger.Component("http")); err != nil {
				mainLogger.WithError(err).Error("HTTP server stopped")
			}
		})
	} else {
		mainLogger.Warn("METRICS_ADDR is not set; the conversation intake is disabled")
	}
	if bot != nil {
		admin := app.NewAdminService(cursors, st.units, statuses, st.agents, cfg.AdminTelegramID)
		botLogger := logger.Component("telegram")
		telegram.RegisterBotCommands(ctx, bot, cfg, st.agents, botLogger)
		telegram.RegisterAdminHandlers(ctx, bot, admin, cfg.AdminTelegramID, botLogger)
		telegram.RegisterRequeueCallbacks(ctx, bot, admin, cfg.AdminTelegramID, botLogger)
		telegram.RegisterAgentHandlers(ctx, bot, telegram.NewAgentCommands(st.agents, statuses, botLogger))
		mainLogger.Info("Telegram handlers registered.")

		run(bot.Start)
		go func() {
			<-ctx.Done()
			bot.Stop()
		}()
	}

	mainLogger.Info("Application setup complete.")
	<-ctx.Done()

	mainLogger.Info("Shutting down application...")
	jobs.Stop()
	wg.Wait()
	mainLogger.Info("Application shut down gracefully.")
	return nil
}
