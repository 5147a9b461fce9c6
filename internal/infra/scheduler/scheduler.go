package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Extractor runs one extraction sweep over every active setting.
type Extractor interface {
	RunAll(ctx context.Context) error
}

// Watchdog forces inactive agents out of Connected.
type Watchdog interface {
	CheckInactivity(ctx context.Context) (int, error)
}

// Cleaner purges terminal notification units older than the retention period.
type Cleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// Specs are standard five-field cron expressions. An empty spec disables the job.
type Specs struct {
	Extraction string
	Watchdog   string
	Cleanup    string
}

type JobScheduler struct {
	cronEngine *cron.Cron
	extractor  Extractor
	watchdog   Watchdog
	cleaner    Cleaner
	retention  time.Duration
	specs      Specs
	logger     *logrus.Entry

	extractionTimeout time.Duration
	watchdogTimeout   time.Duration
	cleanupTimeout    time.Duration
}

func NewJobScheduler(extractor Extractor, watchdog Watchdog, cleaner Cleaner, retention time.Duration, specs Specs, logger *logrus.Entry) *JobScheduler {
	return &JobScheduler{
		cronEngine: cron.New(
			cron.WithLocation(time.Local), // Use server's local time for cron
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		extractor:         extractor,
		watchdog:          watchdog,
		cleaner:           cleaner,
		retention:         retention,
		specs:             specs,
		logger:            logger.WithField("component", "scheduler"),
		extractionTimeout: 10 * time.Minute,
		watchdogTimeout:   1 * time.Minute,
		cleanupTimeout:    5 * time.Minute,
	}
}

func (s *JobScheduler) Start() error {
	s.logger.Info("Starting job scheduler...")

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"extraction", s.specs.Extraction, s.RunExtraction},
		{"watchdog", s.specs.Watchdog, s.RunWatchdog},
		{"cleanup", s.specs.Cleanup, s.RunCleanup},
	}
	for _, job := range jobs {
		if job.spec == "" {
			s.logger.WithField("job", job.name).Info("Job disabled")
			continue
		}
		if _, err := s.cronEngine.AddFunc(job.spec, job.run); err != nil {
			return fmt.Errorf("could not add %s cron job: %w", job.name, err)
		}
	}

	s.cronEngine.Start()
	s.logger.Info("Job scheduler started.")
	return nil
}

func (s *JobScheduler) RunExtraction() {
	ctx, cancel := context.WithTimeout(context.Background(), s.extractionTimeout)
	defer cancel()
	s.logger.Debug("Cron job triggered for extraction sweep.")
	if err := s.extractor.RunAll(ctx); err != nil {
		s.logger.WithError(err).Error("Extraction sweep finished with errors")
	}
}

func (s *JobScheduler) RunWatchdog() {
	ctx, cancel := context.WithTimeout(context.Background(), s.watchdogTimeout)
	defer cancel()
	forced, err := s.watchdog.CheckInactivity(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Inactivity watchdog failed")
		return
	}
	if forced > 0 {
		s.logger.WithField("agents", forced).Info("Inactivity watchdog moved agents out of connected")
	}
}

func (s *JobScheduler) RunCleanup() {
	if s.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cleanupTimeout)
	defer cancel()
	purged, err := s.cleaner.Cleanup(ctx, s.retention)
	if err != nil {
		s.logger.WithError(err).Error("Retention cleanup failed")
		return
	}
	s.logger.WithField("purged", purged).Info("Retention cleanup finished")
}

func (s *JobScheduler) Stop() {
	s.logger.Info("Stopping job scheduler...")
	ctx := s.cronEngine.Stop() // Stops the scheduler from adding new jobs, waits for running jobs.
	<-ctx.Done()               // Wait for graceful shutdown
	s.logger.Info("Job scheduler gracefully stopped.")
}
