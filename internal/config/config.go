// Package config holds the process configuration: defaults, then an optional
// YAML file, then environment overrides. The struct is built once at startup
// and handed to component constructors; nothing reads global state.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	// TelegramToken authenticates the bot. Required.
	TelegramToken string `yaml:"telegram_token" env:"TELEGRAM_TOKEN"`
	// AdminID is the fixed delivery target for uncorrelated responses and
	// scheduler notices, and is always authorized.
	AdminID int64 `yaml:"admin_id" env:"TG_ADMIN_ID"`
	// AllowedUserIDs extends the authorization allow-list beyond the admin.
	AllowedUserIDs []int64 `yaml:"allowed_user_ids" env:"ALLOWED_USER_IDS" envSeparator:","`

	// RedisURL locates the bus, e.g. "redis://localhost:6379".
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`

	// Stream and channel names. Each consuming loop holds its own connection.
	InboundStream    string `yaml:"inbound_stream" env:"INBOUND_STREAM"`
	OutboundStream   string `yaml:"outbound_stream" env:"OUTBOUND_STREAM"`
	ControlChannel   string `yaml:"control_channel" env:"CONTROL_CHANNEL"`
	RecoveryStream   string `yaml:"recovery_stream" env:"RECOVERY_STREAM"`
	BackgroundStream string `yaml:"background_stream" env:"BACKGROUND_STREAM"`
	ReminderStream   string `yaml:"reminder_stream" env:"REMINDER_STREAM"`

	// ConsumerGroup is fixed per deployment; ConsumerName distinguishes replicas.
	ConsumerGroup string `yaml:"consumer_group" env:"CONSUMER_GROUP"`
	ConsumerName  string `yaml:"consumer_name" env:"CONSUMER_NAME"`

	// StreamMaxLen caps streams this process appends to (approximate trim).
	StreamMaxLen int64 `yaml:"stream_max_len" env:"STREAM_MAX_LEN"`

	// WorkspaceDir is the worker's workspace root; downloaded photos land
	// under its .gateway subdirectory and tasks reference them relatively.
	WorkspaceDir string `yaml:"workspace_dir" env:"WORKSPACE_DIR"`

	// DkronURL is the scheduler API base. When empty, the in-process cron
	// fallback fires the recovery sentinel instead.
	DkronURL string `yaml:"dkron_url" env:"DKRON_URL"`
	// RecoverySchedule is the dkron schedule of the recovery job.
	RecoverySchedule string `yaml:"recovery_schedule" env:"RECOVERY_SCHEDULE"`
	// CronSchedule is the fallback trigger's cron expression.
	CronSchedule string `yaml:"cron_schedule" env:"CRON_SCHEDULE"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// Default returns the configuration baseline the file and environment layer
// on top of.
func Default() Config {
	return Config{
		RedisURL:         "redis://localhost:6379",
		InboundStream:    "agent_in",
		OutboundStream:   "agent_out",
		ControlChannel:   "agent_ctl",
		RecoveryStream:   "gateway_ctl",
		BackgroundStream: "background_out",
		ReminderStream:   "reminder_out",
		ConsumerGroup:    "gateway",
		ConsumerName:     "gateway-1",
		StreamMaxLen:     1000,
		WorkspaceDir:     "/var/lib/agentbridge/workspace",
		RecoverySchedule: "@every 5m",
		CronSchedule:     "*/5 * * * *",
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TelegramToken == "" {
		return errors.New("config: telegram token is not set")
	}
	if c.ConsumerGroup == "" || c.ConsumerName == "" {
		return errors.New("config: consumer group and name are required")
	}
	return nil
}

// Authorized reports whether userID may talk to the gateway.
func (c *Config) Authorized(userID int64) bool {
	if c.AdminID != 0 && userID == c.AdminID {
		return true
	}
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
