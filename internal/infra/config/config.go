package config

import (
	"fmt"
	"os"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	StorageDriver   string
	DatabaseURL     string
	ConfigFile      string
	TelegramToken   string // empty disables the bot; alerts then only reach the log
	AdminTelegramID int64
	LogLevel        string
	Environment     string
	MetricsAddr     string // empty disables the HTTP listener serving /metrics and the conversation intake
	IntakeAPIKey    string // empty leaves the conversation intake open

	CronSpecExtraction string
	CronSpecWatchdog   string
	CronSpecCleanup    string

	ExtractionLookback         time.Duration
	ExtractionOverlap          time.Duration
	ExtractionMaxSpan          time.Duration
	ExtractionLockTTL          time.Duration
	ExtractionMaxWindowsPerRun int
	AdapterMaxAttempts         int
	GroupTieBreak              string

	SendGracePeriod      time.Duration
	DispatchWorkers      int
	DispatchBatchSize    int
	DispatchPollInterval time.Duration
	DispatchLeaseTTL     time.Duration
	DispatchMaxAttempts  int
	DispatchBaseBackoff  time.Duration
	DispatchMaxBackoff   time.Duration
	RetentionDays        int

	MaxInactiveDuration time.Duration
	AutoBreakSettingID  int64

	ERPDSN   string
	ERPQuery string

	SMSWebhookURL        string
	WhatsAppWebhookURL   string
	EmailWebhookURL      string
	ChannelRatePerSecond float64
	ChannelTimeout       time.Duration
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration from a variable lookup.
func FromEnv(lookup func(string) (string, bool)) (*AppConfig, error) {
	r := reader{lookup: lookup}
	cfg := &AppConfig{
		StorageDriver:   strings.ToLower(r.str("STORAGE_DRIVER", StoragePostgres)),
		DatabaseURL:     r.str("DATABASE_URL", ""),
		ConfigFile:      r.str("CONFIG_FILE", "config.yaml"),
		TelegramToken:   r.str("TELEGRAM_TOKEN", ""),
		AdminTelegramID: r.num64("ADMIN_TELEGRAM_ID", 0),
		LogLevel:        strings.ToLower(r.str("LOG_LEVEL", "info")),
		Environment:     strings.ToLower(r.str("ENVIRONMENT", "development")),
		MetricsAddr:     r.str("METRICS_ADDR", ":9090"),
		IntakeAPIKey:    r.str("INTAKE_API_KEY", ""),

		CronSpecExtraction: r.str("CRON_SPEC_EXTRACTION", "*/5 * * * *"), // every 5 minutes
		CronSpecWatchdog:   r.str("CRON_SPEC_WATCHDOG", "* * * * *"),     // every minute
		CronSpecCleanup:    r.str("CRON_SPEC_CLEANUP", "30 3 * * *"),     // 03:30 daily

		ExtractionLookback:         r.duration("EXTRACTION_LOOKBACK", 24*time.Hour),
		ExtractionOverlap:          r.duration("EXTRACTION_OVERLAP", 0),
		ExtractionMaxSpan:          r.duration("EXTRACTION_MAX_SPAN", 24*time.Hour),
		ExtractionLockTTL:          r.duration("EXTRACTION_LOCK_TTL", 5*time.Minute),
		ExtractionMaxWindowsPerRun: r.num("EXTRACTION_MAX_WINDOWS_PER_RUN", 4),
		AdapterMaxAttempts:         r.num("ADAPTER_MAX_ATTEMPTS", 3),
		GroupTieBreak:              strings.ToLower(r.str("GROUP_TIE_BREAK", "earliest")),

		SendGracePeriod:      r.duration("SEND_GRACE_PERIOD", time.Hour),
		DispatchWorkers:      r.num("DISPATCH_WORKERS", 4),
		DispatchBatchSize:    r.num("DISPATCH_BATCH_SIZE", 20),
		DispatchPollInterval: r.duration("DISPATCH_POLL_INTERVAL", 10*time.Second),
		DispatchLeaseTTL:     r.duration("DISPATCH_LEASE_TTL", 2*time.Minute),
		DispatchMaxAttempts:  r.num("DISPATCH_MAX_ATTEMPTS", 5),
		DispatchBaseBackoff:  r.duration("DISPATCH_BASE_BACKOFF", 30*time.Second),
		DispatchMaxBackoff:   r.duration("DISPATCH_MAX_BACKOFF", 30*time.Minute),
		RetentionDays:        r.num("RETENTION_DAYS", 30),

		MaxInactiveDuration: time.Duration(r.num64("MAX_INACTIVE_DURATION_SECONDS", 0)) * time.Second,
		AutoBreakSettingID:  r.num64("AUTO_BREAK_SETTING_ID", 0),

		ERPDSN:   r.str("ERP_DSN", ""),
		ERPQuery: r.str("ERP_QUERY", ""),

		SMSWebhookURL:        r.str("SMS_WEBHOOK_URL", ""),
		WhatsAppWebhookURL:   r.str("WHATSAPP_WEBHOOK_URL", ""),
		EmailWebhookURL:      r.str("EMAIL_WEBHOOK_URL", ""),
		ChannelRatePerSecond: r.float("CHANNEL_RATE_PER_SECOND", 10),
		ChannelTimeout:       r.duration("CHANNEL_TIMEOUT", 10*time.Second),
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.StorageDriver {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is not set")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.TelegramToken != "" && c.AdminTelegramID == 0 {
		return fmt.Errorf("ADMIN_TELEGRAM_ID is not set")
	}
	if c.ERPDSN != "" && c.ERPQuery == "" {
		return fmt.Errorf("ERP_QUERY is not set")
	}
	if c.ExtractionMaxSpan <= 0 {
		return fmt.Errorf("EXTRACTION_MAX_SPAN must be positive")
	}
	if c.SendGracePeriod <= 0 {
		return fmt.Errorf("SEND_GRACE_PERIOD must be positive")
	}
	return nil
}

// reader keeps the first parse error so Load reports one problem at a time.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (r *reader) num(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) num64(key string, def int64) int64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return f
}

// duration accepts Go durations ("90s", "2h") or a bare number of seconds.
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return d
}
