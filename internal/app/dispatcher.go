// internal/app/dispatcher.go
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"notification_scheduler/internal/domain/channel"
	"notification_scheduler/internal/domain/events"
	"notification_scheduler/internal/domain/schedule"
)

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
}

// Backoff returns base*2^(attempt-1) capped at ceiling.
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Dispatcher drains due notification units through the channel senders under a lease.
type Dispatcher struct {
	repo      schedule.NotificationRepository
	settings  schedule.SettingsProvider
	senders   map[schedule.Channel]channel.Sender
	window    *SendWindowCalculator
	publisher events.Publisher
	alerter   channel.Alerter
	cfg       DispatcherConfig
	logger    *logrus.Entry
	now       func() time.Time
}

func NewDispatcher(
	repo schedule.NotificationRepository,
	settings schedule.SettingsProvider,
	senders map[schedule.Channel]channel.Sender,
	window *SendWindowCalculator,
	publisher events.Publisher,
	alerter channel.Alerter,
	cfg DispatcherConfig,
	logger *logrus.Entry,
) *Dispatcher {
	cfg.applyDefaults()
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Dispatcher{
		repo:      repo,
		settings:  settings,
		senders:   senders,
		window:    window,
		publisher: publisher,
		alerter:   alerter,
		cfg:       cfg,
		logger:    logger.WithField("component", "dispatcher"),
		now:       time.Now,
	}
}

// Run starts the configured number of workers and blocks until ctx is cancelled and every
// worker has finished its current unit.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		owner := fmt.Sprintf("dispatch-%d-%s", i, uuid.NewString())
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, owner)
		}()
	}
	d.logger.WithField("workers", d.cfg.Workers).Info("Dispatch worker pool started")
	wg.Wait()
	d.logger.Info("Dispatch worker pool stopped")
}

func (d *Dispatcher) worker(ctx context.Context, owner string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for {
			n, err := d.DrainOnce(ctx, owner)
			if err != nil {
				d.logger.WithError(err).WithField("worker", owner).Error("Dispatch drain failed")
				break
			}
			// A full batch suggests more work is due right away.
			if n < d.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce claims one batch of due units for owner and processes them. It returns the
// number of units claimed.
func (d *Dispatcher) DrainOnce(ctx context.Context, owner string) (int, error) {
	units, err := d.repo.ClaimDue(ctx, owner, d.now(), d.cfg.LeaseTTL, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due units: %w", err)
	}
	for _, u := range units {
		if ctx.Err() != nil {
			// Unprocessed leases expire and the units are picked up again.
			break
		}
		d.process(ctx, owner, u)
	}
	return len(units), nil
}

func (d *Dispatcher) process(ctx context.Context, owner string, u *schedule.NotificationUnit) {
	log := d.logger.WithFields(logrus.Fields{
		"unit_id":         u.ID,
		"idempotency_key": u.IdempotencyKey,
		"channel":         u.Channel,
		"worker":          owner,
	})
	now := d.now()

	setting, err := d.settings.GetScheduleSetting(ctx, u.SettingID)
	if err != nil && !errors.Is(err, schedule.ErrSettingNotFound) {
		log.WithError(err).Error("Failed to load schedule setting; lease will expire")
		return
	}
	if setting == nil || !setting.Active {
		d.skip(ctx, owner, u, schedule.UnitStatusSkippedDisabled, now, log)
		return
	}
	switch {
	case u.RequeuedAt.Valid:
		// Operator requeues bypass the grace period; only a past appointment expires them.
		if !now.Before(u.AppointmentTime) {
			d.skip(ctx, owner, u, schedule.UnitStatusSkippedExpired, now, log)
			return
		}
	case u.Attempts == 0:
		if status := d.window.Evaluate(setting, u.SendAt, u.AppointmentTime, now); status != schedule.UnitStatusPending {
			d.skip(ctx, owner, u, status, now, log)
			return
		}
	}

	attemptNo := u.Attempts + 1
	attempt := &schedule.DispatchAttempt{
		UnitID:        u.ID,
		AttemptNumber: attemptNo,
		WorkerID:      owner,
	}

	sender, ok := d.senders[u.Channel]
	var ack channel.Ack
	if !ok {
		err = channel.Permanent(fmt.Errorf("no sender configured for channel %s", u.Channel))
	} else {
		ack, err = sender.Send(ctx, u)
	}
	finished := d.now()
	attempt.AttemptedAt = finished

	update := schedule.UnitUpdate{UnitID: u.ID, Attempts: attemptNo, At: finished}
	switch {
	case err == nil:
		attempt.Outcome = schedule.OutcomeSent
		attempt.ProviderRef = ack.ProviderRef
		update.Status = schedule.UnitStatusSent
	case channel.IsPermanent(err):
		attempt.Outcome = schedule.OutcomePermanentError
		attempt.ErrorDetail = err.Error()
		update.Status = schedule.UnitStatusFailedPermanent
		update.LastError = err.Error()
	default:
		attempt.Outcome = schedule.OutcomeTransientError
		attempt.ErrorDetail = err.Error()
		update.LastError = err.Error()
		if attemptNo >= d.cfg.MaxAttempts {
			update.Status = schedule.UnitStatusFailedExhausted
		} else {
			update.Status = schedule.UnitStatusPending
			update.NextAttemptAt = finished.Add(Backoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff, attemptNo))
		}
	}

	if cerr := d.repo.Complete(ctx, owner, update, attempt); cerr != nil {
		if errors.Is(cerr, schedule.ErrLeaseLost) {
			log.Warn("Dispatch lease lost before completion; outcome discarded")
			return
		}
		log.WithError(cerr).Error("Failed to record dispatch outcome")
		return
	}

	switch update.Status {
	case schedule.UnitStatusSent:
		log.WithField("attempt", attemptNo).Info("Notification sent")
		d.publisher.Publish(ctx, events.NotificationDispatched{
			UnitID:         u.ID,
			SettingID:      u.SettingID,
			WorkspaceID:    u.WorkspaceID,
			Channel:        u.Channel,
			IdempotencyKey: u.IdempotencyKey,
			ProviderRef:    ack.ProviderRef,
			Attempt:        attemptNo,
			At:             finished,
		})
	case schedule.UnitStatusFailedPermanent:
		log.WithError(err).Warn("Notification failed permanently")
		d.fail(ctx, u, events.FailurePermanent, err, attemptNo, finished)
	case schedule.UnitStatusFailedExhausted:
		log.WithError(err).Error("Notification exhausted its attempts")
		d.fail(ctx, u, events.FailureExhausted, err, attemptNo, finished)
		d.alert(ctx, u, err, attemptNo)
	default:
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":         attemptNo,
			"next_attempt_at": update.NextAttemptAt,
		}).Warn("Notification delivery failed; retry scheduled")
	}
}

func (d *Dispatcher) skip(ctx context.Context, owner string, u *schedule.NotificationUnit, status schedule.UnitStatus, now time.Time, log *logrus.Entry) {
	update := schedule.UnitUpdate{UnitID: u.ID, Status: status, Attempts: u.Attempts, LastError: u.LastError, At: now}
	if err := d.repo.Complete(ctx, owner, update, nil); err != nil {
		if !errors.Is(err, schedule.ErrLeaseLost) {
			log.WithError(err).Error("Failed to mark unit skipped")
		}
		return
	}
	log.WithField("status", status).Info("Notification skipped")
	d.publisher.Publish(ctx, events.NotificationSkipped{
		UnitID:         u.ID,
		SettingID:      u.SettingID,
		IdempotencyKey: u.IdempotencyKey,
		Status:         status,
		At:             now,
	})
}

func (d *Dispatcher) fail(ctx context.Context, u *schedule.NotificationUnit, reason string, cause error, attempts int, at time.Time) {
	d.publisher.Publish(ctx, events.NotificationFailed{
		UnitID:         u.ID,
		SettingID:      u.SettingID,
		WorkspaceID:    u.WorkspaceID,
		Channel:        u.Channel,
		IdempotencyKey: u.IdempotencyKey,
		Reason:         reason,
		Error:          cause.Error(),
		Attempts:       attempts,
		At:             at,
	})
}

func (d *Dispatcher) alert(ctx context.Context, u *schedule.NotificationUnit, cause error, attempts int) {
	if d.alerter == nil {
		return
	}
	text := fmt.Sprintf("Notification %d (%s, %s) exhausted %d attempts: %v\nUse /requeue %d to retry.",
		u.ID, u.IdempotencyKey, u.Channel, attempts, cause, u.ID)
	if err := d.alerter.Alert(ctx, text); err != nil {
		d.logger.WithError(err).WithField("unit_id", u.ID).Error("Failed to alert operator")
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) {}

// Cleanup deletes terminal units and their attempts last updated more than retention ago.
func (d *Dispatcher) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := d.now().Add(-retention)
	n, err := d.repo.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal units: %w", err)
	}
	if n > 0 {
		d.logger.WithFields(logrus.Fields{"purged": n, "cutoff": cutoff}).Info("Purged terminal notification units")
	}
	return n, nil
}
