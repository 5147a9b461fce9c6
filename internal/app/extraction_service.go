// internal/app/extraction_service.go
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
	"notification_scheduler/internal/domain/erp"
	"notification_scheduler/internal/domain/events"
	"notification_scheduler/internal/domain/schedule"
)

// ExtractionConfig bounds one extraction run.
type ExtractionConfig struct {
	MaxWindowsPerRun   int
	AdapterMaxAttempts int
	AdapterBackoff     time.Duration
	MaxStaleRetries    int
}

// ExtractionReport summarises a run for one setting.
type ExtractionReport struct {
	SettingID   int64
	Windows     int
	Fetched     int
	Inserted    int
	Duplicates  int
	Unreachable int
	Skipped     int
}

// ExtractionService runs the ERP -> cursor -> grouping -> send window pipeline.
type ExtractionService struct {
	settings  schedule.SettingsProvider
	cursors   *CursorManager
	adapters  erp.Resolver
	grouping  *GroupingEngine
	window    *SendWindowCalculator
	units     schedule.NotificationRepository
	publisher events.Publisher
	alerter   channel.Alerter
	cfg       ExtractionConfig
	logger    *logrus.Entry
	now       func() time.Time

	mu     sync.Mutex
	active map[schedule.TripleKey]bool
}

func NewExtractionService(
	settings schedule.SettingsProvider,
	cursors *CursorManager,
	adapters erp.Resolver,
	grouping *GroupingEngine,
	window *SendWindowCalculator,
	units schedule.NotificationRepository,
	publisher events.Publisher,
	alerter channel.Alerter,
	cfg ExtractionConfig,
	logger *logrus.Entry,
) *ExtractionService {
	if cfg.MaxWindowsPerRun <= 0 {
		cfg.MaxWindowsPerRun = 10
	}
	if cfg.AdapterMaxAttempts <= 0 {
		cfg.AdapterMaxAttempts = 3
	}
	if cfg.AdapterBackoff <= 0 {
		cfg.AdapterBackoff = 2 * time.Second
	}
	if cfg.MaxStaleRetries <= 0 {
		cfg.MaxStaleRetries = 3
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &ExtractionService{
		settings:  settings,
		cursors:   cursors,
		adapters:  adapters,
		grouping:  grouping,
		window:    window,
		units:     units,
		publisher: publisher,
		alerter:   alerter,
		cfg:       cfg,
		logger:    logger.WithField("component", "extraction"),
		now:       time.Now,
		active:    make(map[schedule.TripleKey]bool),
	}
}

// RunAll extracts every active setting once. Errors of one setting do not stop the others.
func (s *ExtractionService) RunAll(ctx context.Context) error {
	settings, err := s.settings.ListScheduleSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedule settings: %w", err)
	}
	var errs []error
	for _, st := range settings {
		if !st.Active {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.RunSetting(ctx, st.ID); err != nil {
			errs = append(errs, fmt.Errorf("setting %d: %w", st.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *ExtractionService) claimTriple(k schedule.TripleKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[k] {
		return false
	}
	s.active[k] = true
	return true
}

func (s *ExtractionService) releaseTriple(k schedule.TripleKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, k)
}

// RunSetting extracts the due windows of one setting, up to MaxWindowsPerRun sub-windows.
func (s *ExtractionService) RunSetting(ctx context.Context, settingID int64) (*ExtractionReport, error) {
	report := &ExtractionReport{SettingID: settingID}
	setting, err := s.settings.GetScheduleSetting(ctx, settingID)
	if err != nil {
		return report, err
	}
	if !setting.Active {
		return report, nil
	}
	triple := setting.Triple()
	if !s.claimTriple(triple) {
		s.logger.WithField("setting_id", settingID).Info("Extraction already running for this workspace, setting type and channel")
		return report, nil
	}
	defer s.releaseTriple(triple)

	owner := "extract-" + uuid.NewString()
	log := s.logger.WithFields(logrus.Fields{"setting_id": settingID, "owner": owner})
	stale := 0

	for report.Windows < s.cfg.MaxWindowsPerRun {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		w, err := s.cursors.NextWindow(ctx, setting, owner)
		switch {
		case errors.Is(err, schedule.ErrNoWindow):
			return report, nil
		case errors.Is(err, schedule.ErrExtractionLocked):
			log.Info("Extraction window held by another worker")
			return report, nil
		case errors.Is(err, schedule.ErrStaleCursor):
			if stale++; stale > s.cfg.MaxStaleRetries {
				return report, err
			}
			continue
		case err != nil:
			return report, err
		}

		done, err := s.runWindow(ctx, setting, w, report, log)
		if errors.Is(err, schedule.ErrStaleCursor) {
			if stale++; stale > s.cfg.MaxStaleRetries {
				return report, err
			}
			log.Warn("Cursor changed under the window; recomputing")
			continue
		}
		if err != nil {
			return report, err
		}
		report.Windows++
		if done {
			break
		}
		// Caught up once the window reaches now.
		if !w.End.Before(s.now().Add(-time.Second)) {
			break
		}
	}
	log.WithFields(logrus.Fields{
		"windows":    report.Windows,
		"fetched":    report.Fetched,
		"inserted":   report.Inserted,
		"duplicates": report.Duplicates,
		"skipped":    report.Skipped,
	}).Info("Extraction run finished")
	return report, nil
}

// runWindow processes one issued window. done reports that the setting was disabled
// mid-run and nothing further should be extracted.
func (s *ExtractionService) runWindow(ctx context.Context, setting *schedule.ScheduleSetting, w schedule.Window, report *ExtractionReport, log *logrus.Entry) (bool, error) {
	log = log.WithFields(logrus.Fields{"window_start": w.Start, "window_end": w.End})

	res, err := s.fetch(ctx, setting, w)
	if err != nil {
		s.release(ctx, w, log)
		if errors.Is(err, erp.ErrAdapterRejected) {
			s.alertRejected(ctx, setting, err)
		}
		return false, err
	}
	report.Fetched += len(res.Events)

	now := s.now()
	grouped, err := s.grouping.Group(ctx, setting, res.Events, now)
	if err != nil {
		s.release(ctx, w, log)
		return false, err
	}
	report.Duplicates += grouped.Duplicates
	report.Unreachable += grouped.Unreachable

	// Disabling a setting stops further enqueueing; the window stays uncommitted.
	current, err := s.settings.GetScheduleSetting(ctx, setting.ID)
	if err != nil && !errors.Is(err, schedule.ErrSettingNotFound) {
		s.release(ctx, w, log)
		return false, err
	}
	if current == nil || !current.Active {
		s.release(ctx, w, log)
		log.Info("Setting disabled during extraction; stopping")
		return true, nil
	}

	for _, u := range grouped.Units {
		s.window.Apply(current, u, now)
	}
	if len(grouped.Units) > 0 {
		n, err := s.units.InsertUnits(ctx, grouped.Units)
		if err != nil {
			s.release(ctx, w, log)
			return false, fmt.Errorf("failed to insert notification units: %w", err)
		}
		report.Inserted += n
	}
	for _, u := range grouped.Units {
		if u.ID == 0 || u.Status == schedule.UnitStatusPending {
			continue
		}
		report.Skipped++
		s.publisher.Publish(ctx, events.NotificationSkipped{
			UnitID:         u.ID,
			SettingID:      u.SettingID,
			IdempotencyKey: u.IdempotencyKey,
			Status:         u.Status,
			At:             now,
		})
	}

	if err := s.cursors.Commit(ctx, w, res.Continuation); err != nil {
		return false, err
	}
	return false, nil
}

func (s *ExtractionService) fetch(ctx context.Context, setting *schedule.ScheduleSetting, w schedule.Window) (*erp.FetchResult, error) {
	adapter, err := s.adapters.Adapter(setting.ERP.EffectiveKind())
	if err != nil {
		return nil, erp.Rejected(setting.ERP.EffectiveKind(), err)
	}
	var lastErr error
	for attempt := 1; attempt <= s.cfg.AdapterMaxAttempts; attempt++ {
		res, err := adapter.FetchEvents(ctx, w, setting.ERP)
		if err == nil {
			if res == nil {
				res = &erp.FetchResult{}
			}
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, erp.ErrAdapterUnavailable) || attempt == s.cfg.AdapterMaxAttempts {
			break
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"setting_id": setting.ID,
			"attempt":    attempt,
		}).Warn("ERP adapter unavailable; retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(Backoff(s.cfg.AdapterBackoff, 8*s.cfg.AdapterBackoff, attempt)):
		}
	}
	return nil, lastErr
}

func (s *ExtractionService) release(ctx context.Context, w schedule.Window, log *logrus.Entry) {
	if err := s.cursors.Release(ctx, w); err != nil && !errors.Is(err, schedule.ErrStaleCursor) {
		log.WithError(err).Error("Failed to release extraction window")
	}
}

func (s *ExtractionService) alertRejected(ctx context.Context, setting *schedule.ScheduleSetting, cause error) {
	s.logger.WithError(cause).WithField("setting_id", setting.ID).Error("ERP adapter rejected extraction")
	if s.alerter == nil {
		return
	}
	text := fmt.Sprintf("Extraction for schedule setting %d (workspace %d) was rejected by the ERP: %v",
		setting.ID, setting.WorkspaceID, cause)
	if err := s.alerter.Alert(ctx, text); err != nil {
		s.logger.WithError(err).Error("Failed to alert operator")
	}
}
