package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds the application settings. It satisfies the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	ClaudeAPIKey string
	ClaudeModel  string

	DatabaseURL string
	StatePath   string

	VoyageAPIKey string
	VoyageModel  string
	QdrantURL    string
	QdrantAPIKey string

	SlackWebhookURL  string
	TelegramBotToken string
	TelegramChatID   int64

	RSSInterval      time.Duration
	DigestInterval   time.Duration
	BriefingSchedule string
	Timezone         string
	AlertRateCap     int

	RegistryFile string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 requests")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = sqlite or in-memory store)")
	fs.StringVar(&c.StatePath, "state-path", "", "SQLite file for watermarks and dedup when no database-url is set (empty = in-memory)")

	fs.StringVar(&c.VoyageAPIKey, "voyage-api-key", "", "Voyage API key for embeddings (empty disables semantic retrieval)")
	fs.StringVar(&c.VoyageModel, "voyage-model", "voyage-3", "Voyage embedding model")
	fs.StringVar(&c.QdrantURL, "qdrant-url", "", "Qdrant REST endpoint (empty = in-process vector index)")
	fs.StringVar(&c.QdrantAPIKey, "qdrant-api-key", "", "Qdrant API key")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for alert delivery")
	fs.StringVar(&c.TelegramBotToken, "telegram-bot-token", "", "Telegram bot token for alert delivery")
	fs.Int64Var(&c.TelegramChatID, "telegram-chat-id", 0, "Telegram chat to deliver alerts to")

	fs.DurationVar(&c.RSSInterval, "rss-interval", 15*time.Minute, "interval between RSS polls (>= 1m)")
	fs.DurationVar(&c.DigestInterval, "digest-interval", 30*time.Minute, "interval between digest flushes (>= 1m)")
	fs.StringVar(&c.BriefingSchedule, "briefing-schedule", "0 6 * * *", "cron schedule for the daily briefing")
	fs.StringVar(&c.Timezone, "timezone", "UTC", "IANA time zone that cron schedules are evaluated in")
	fs.IntVar(&c.AlertRateCap, "alert-rate-cap", 10, "max direct alerts per hour per channel (0 = unlimited)")

	fs.StringVar(&c.RegistryFile, "registry-file", "", "YAML file with collections, principal, VIPs and feeds")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// The API triggers model calls, so it is never open
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.RSSInterval < time.Minute {
		errs = append(errs, fmt.Errorf("invalid RSS_INTERVAL %s (must be >= 1m)", c.RSSInterval))
	}
	if c.DigestInterval < time.Minute {
		errs = append(errs, fmt.Errorf("invalid DIGEST_INTERVAL %s (must be >= 1m)", c.DigestInterval))
	}
	if _, err := cron.ParseStandard(c.BriefingSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid BRIEFING_SCHEDULE %q: %w", c.BriefingSchedule, err))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err))
	}
	if c.AlertRateCap < 0 {
		errs = append(errs, fmt.Errorf("invalid ALERT_RATE_CAP %d (must be >= 0)", c.AlertRateCap))
	}

	// Telegram needs both halves
	if (c.TelegramBotToken == "") != (c.TelegramChatID == 0) {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Location returns the configured time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
