package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{"STORAGE_DRIVER": "memory"}))
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.StorageDriver)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 24*time.Hour, cfg.ExtractionMaxSpan)
	assert.Equal(t, 5*time.Minute, cfg.ExtractionLockTTL)
	assert.Equal(t, time.Hour, cfg.SendGracePeriod)
	assert.Equal(t, 4, cfg.DispatchWorkers)
	assert.Equal(t, 5, cfg.DispatchMaxAttempts)
	assert.Equal(t, "earliest", cfg.GroupTieBreak)
	assert.Zero(t, cfg.MaxInactiveDuration)
}

func TestFromEnvParsesValues(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"STORAGE_DRIVER":                "Postgres",
		"DATABASE_URL":                  "postgres://localhost/sched",
		"TELEGRAM_TOKEN":                "token",
		"ADMIN_TELEGRAM_ID":             "42",
		"EXTRACTION_OVERLAP":            "90s",
		"DISPATCH_LEASE_TTL":            "45",
		"MAX_INACTIVE_DURATION_SECONDS": "900",
		"CHANNEL_RATE_PER_SECOND":       "2.5",
		"LOG_LEVEL":                     "DEBUG",
	}))
	require.NoError(t, err)

	assert.Equal(t, StoragePostgres, cfg.StorageDriver)
	assert.Equal(t, int64(42), cfg.AdminTelegramID)
	assert.Equal(t, 90*time.Second, cfg.ExtractionOverlap)
	assert.Equal(t, 45*time.Second, cfg.DispatchLeaseTTL)
	assert.Equal(t, 15*time.Minute, cfg.MaxInactiveDuration)
	assert.Equal(t, 2.5, cfg.ChannelRatePerSecond)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFromEnvRejects(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"postgres without url", map[string]string{}, "DATABASE_URL"},
		{"unknown driver", map[string]string{"STORAGE_DRIVER": "redis"}, "STORAGE_DRIVER"},
		{"bot without admin", map[string]string{"STORAGE_DRIVER": "memory", "TELEGRAM_TOKEN": "t"}, "ADMIN_TELEGRAM_ID"},
		{"bad duration", map[string]string{"STORAGE_DRIVER": "memory", "SEND_GRACE_PERIOD": "soon"}, "SEND_GRACE_PERIOD"},
		{"zero grace period", map[string]string{"STORAGE_DRIVER": "memory", "SEND_GRACE_PERIOD": "0s"}, "SEND_GRACE_PERIOD"},
		{"negative grace period", map[string]string{"STORAGE_DRIVER": "memory", "SEND_GRACE_PERIOD": "-1h"}, "SEND_GRACE_PERIOD"},
		{"bad number", map[string]string{"STORAGE_DRIVER": "memory", "DISPATCH_WORKERS": "many"}, "DISPATCH_WORKERS"},
		{"erp without query", map[string]string{"STORAGE_DRIVER": "memory", "ERP_DSN": "u:p@tcp(db)/erp"}, "ERP_QUERY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(env(tt.vars))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
