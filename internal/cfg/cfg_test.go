package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		APIToken:              "test-token-123",
		ClaudeAPIKey:          "sk-test-key",
		ClaudeModel:           "claude-sonnet-4-20250514",
		RSSInterval:           15 * time.Minute,
		DigestInterval:        30 * time.Minute,
		BriefingSchedule:      "0 6 * * *",
		Timezone:              "UTC",
		AlertRateCap:          10,
	}
}

// with returns validBase modified by fn.
func with(fn func(*Config)) Config {
	c := validBase()
	fn(&c)
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.ClaudeModel != "claude-sonnet-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-sonnet-4-20250514")
	}
	if c.RSSInterval != 15*time.Minute {
		t.Errorf("RSSInterval = %s, want 15m", c.RSSInterval)
	}
	if c.DigestInterval != 30*time.Minute {
		t.Errorf("DigestInterval = %s, want 30m", c.DigestInterval)
	}
	if c.BriefingSchedule != "0 6 * * *" {
		t.Errorf("BriefingSchedule = %q, want %q", c.BriefingSchedule, "0 6 * * *")
	}
	if c.AlertRateCap != 10 {
		t.Errorf("AlertRateCap = %d, want 10", c.AlertRateCap)
	}
	if c.VoyageModel != "voyage-3" {
		t.Errorf("VoyageModel = %q, want %q", c.VoyageModel, "voyage-3")
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-api-token", "tok",
		"-claude-api-key", "sk-override",
		"-claude-model", "claude-opus-4-20250514",
		"-rss-interval", "1h",
		"-telegram-chat-id", "-100123",
		"-registry-file", "/etc/sentinel/registry.yaml",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.APIToken != "tok" {
		t.Errorf("APIToken = %q, want %q", c.APIToken, "tok")
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want %q", c.ClaudeAPIKey, "sk-override")
	}
	if c.ClaudeModel != "claude-opus-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-opus-4-20250514")
	}
	if c.RSSInterval != time.Hour {
		t.Errorf("RSSInterval = %s, want 1h", c.RSSInterval)
	}
	if c.TelegramChatID != -100123 {
		t.Errorf("TelegramChatID = %d, want -100123", c.TelegramChatID)
	}
	if c.RegistryFile != "/etc/sentinel/registry.yaml" {
		t.Errorf("RegistryFile = %q", c.RegistryFile)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name:    "minimum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1 }),
			wantErr: false,
		},
		{
			name:    "maximum valid values",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535 }),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain negative",
			cfg:       with(func(c *Config) { c.DrainSeconds = -1 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Required strings
		{
			name:      "empty api token",
			cfg:       with(func(c *Config) { c.APIToken = "" }),
			wantErr:   true,
			errSubstr: []string{"API_TOKEN"},
		},
		{
			name:      "empty claude api key",
			cfg:       with(func(c *Config) { c.ClaudeAPIKey = "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_API_KEY"},
		},
		{
			name:      "empty claude model",
			cfg:       with(func(c *Config) { c.ClaudeModel = "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		// Schedules
		{
			name:      "rss interval too short",
			cfg:       with(func(c *Config) { c.RSSInterval = 30 * time.Second }),
			wantErr:   true,
			errSubstr: []string{"RSS_INTERVAL"},
		},
		{
			name:      "digest interval zero",
			cfg:       with(func(c *Config) { c.DigestInterval = 0 }),
			wantErr:   true,
			errSubstr: []string{"DIGEST_INTERVAL"},
		},
		{
			name:      "bad briefing schedule",
			cfg:       with(func(c *Config) { c.BriefingSchedule = "every morning" }),
			wantErr:   true,
			errSubstr: []string{"BRIEFING_SCHEDULE"},
		},
		{
			name:    "descriptor briefing schedule",
			cfg:     with(func(c *Config) { c.BriefingSchedule = "@daily" }),
			wantErr: false,
		},
		{
			name:      "unknown timezone",
			cfg:       with(func(c *Config) { c.Timezone = "Mars/Olympus" }),
			wantErr:   true,
			errSubstr: []string{"TIMEZONE"},
		},
		{
			name:      "negative rate cap",
			cfg:       with(func(c *Config) { c.AlertRateCap = -1 }),
			wantErr:   true,
			errSubstr: []string{"ALERT_RATE_CAP"},
		},
		// Telegram pair
		{
			name:      "telegram token without chat",
			cfg:       with(func(c *Config) { c.TelegramBotToken = "123:abc" }),
			wantErr:   true,
			errSubstr: []string{"TELEGRAM_CHAT_ID"},
		},
		{
			name:    "telegram pair",
			cfg:     with(func(c *Config) { c.TelegramBotToken, c.TelegramChatID = "123:abc", 42 }),
			wantErr: false,
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{DrainSeconds: 0, ShutdownBudgetSeconds: 0, APIPort: 0},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "API_TOKEN", "CLAUDE_API_KEY", "CLAUDE_MODEL", "RSS_INTERVAL", "DIGEST_INTERVAL", "BRIEFING_SCHEDULE"},
		},
		// Extreme values
		{
			name:      "extreme negative values",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func TestLocation(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.Timezone = "America/New_York"
	if got := c.Location().String(); got != "America/New_York" {
		t.Errorf("Location = %q, want %q", got, "America/New_York")
	}
	c.Timezone = "nowhere"
	if got := c.Location(); got != time.UTC {
		t.Errorf("Location = %v, want UTC", got)
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port int
		key, model, token   string
	}{
		{60, 90, 8080, "sk-test", "claude-sonnet", "tok"},
		{1, 2, 1, "k", "m", "t"},
		{299, 300, 65535, "k", "m", "t"},
		{0, 0, 0, "", "", ""},
		{-1, -1, -1, "", "", ""},
		{300, 300, 65535, "k", "m", "t"},
		{301, 302, 65536, "", "", ""},
		{150, 100, 8080, "k", "m", "t"},
		{math.MinInt32, math.MinInt32, math.MinInt32, "", "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, "", "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.key, s.model, s.token)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port int, key, model, token string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.ClaudeAPIKey = key
		c.ClaudeModel = model
		c.APIToken = token
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		keyOK := key != ""
		modelOK := model != ""
		tokenOK := token != ""

		allValid := drainOK && budgetOK && portOK && crossOK && keyOK && modelOK && tokenOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
