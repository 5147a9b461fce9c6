package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counters struct {
	extractions atomic.Int32
	checks      atomic.Int32
	cleanups    atomic.Int32
	retention   atomic.Int64
	err         error
}

func (c *counters) RunAll(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("job context has no deadline")
	}
	c.extractions.Add(1)
	return c.err
}

func (c *counters) CheckInactivity(context.Context) (int, error) {
	c.checks.Add(1)
	return 2, c.err
}

func (c *counters) Cleanup(_ context.Context, retention time.Duration) (int64, error) {
	c.cleanups.Add(1)
	c.retention.Store(int64(retention))
	return 7, c.err
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestJobsCallServices(t *testing.T) {
	c := &counters{}
	s := NewJobScheduler(c, c, c, 48*time.Hour, Specs{}, quietLogger())

	s.RunExtraction()
	s.RunWatchdog()
	s.RunCleanup()

	assert.Equal(t, int32(1), c.extractions.Load())
	assert.Equal(t, int32(1), c.checks.Load())
	assert.Equal(t, int32(1), c.cleanups.Load())
	assert.Equal(t, int64(48*time.Hour), c.retention.Load())
}

func TestJobErrorsDoNotPanic(t *testing.T) {
	c := &counters{err: errors.New("boom")}
	s := NewJobScheduler(c, c, c, time.Hour, Specs{}, quietLogger())

	assert.NotPanics(t, func() {
		s.RunExtraction()
		s.RunWatchdog()
		s.RunCleanup()
	})
}

func TestCleanupDisabledWithoutRetention(t *testing.T) {
	c := &counters{}
	s := NewJobScheduler(c, c, c, 0, Specs{}, quietLogger())
	s.RunCleanup()
	assert.Zero(t, c.cleanups.Load())
}

func TestStartRejectsBadSpec(t *testing.T) {
	c := &counters{}
	s := NewJobScheduler(c, c, c, time.Hour, Specs{Extraction: "every now and then"}, quietLogger())
	err := s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extraction")
}

func TestStartAndStop(t *testing.T) {
	c := &counters{}
	s := NewJobScheduler(c, c, c, time.Hour, Specs{Extraction: "*/5 * * * *", Watchdog: "* * * * *"}, quietLogger())
	require.NoError(t, s.Start())
	assert.Len(t, s.cronEngine.Entries(), 2)
	s.Stop()
}
