package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Accounts  AccountsConfig  `json:"accounts"`
	Linking   LinkingConfig   `json:"linking"`
	LinkAPI   LinkAPIConfig   `json:"link_api"`
	Reminders RemindersConfig `json:"reminders"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Health    HealthConfig    `json:"health"`
	Storage   StorageConfig   `json:"storage"`
	Systemd   SystemdConfig   `json:"systemd"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile configures the rotated JSON log file.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// AccountsConfig points at the account/session service.
//
// The API key is sent as "Authorization: Api-Key <key>" and is never logged.
type AccountsConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	Timeout    string `json:"timeout,omitempty"`
	HealthPath string `json:"health_path,omitempty"`
}

// LinkingConfig selects where link codes are validated.
//
//   - local:  codes are issued and confirmed in-process (served by link_api)
//   - remote: /start codes are confirmed against the account service
type LinkingConfig struct {
	Mode          string `json:"mode"`
	RequestLimit  *int   `json:"request_limit,omitempty"` // nil: 5, 0: unlimited
	RequestWindow string `json:"request_window,omitempty"`
}

type LinkAPIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

type RemindersConfig struct {
	Timezone        string `json:"timezone"`
	RefreshInterval string `json:"refresh_interval"`
	FetchWorkers    int    `json:"fetch_workers,omitempty"`
	DefaultWeekday  string `json:"default_weekday,omitempty"`
}

// DeliveryConfig controls the outbound dispatcher.
//
// Defaults (when omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 3
//   - retry_max: 2
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - dedup_window: "168h"
type DeliveryConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

type HealthConfig struct {
	Enabled         bool   `json:"enabled"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	InitialInterval string `json:"initial_interval,omitempty"`
	MaxInterval     string `json:"max_interval,omitempty"`
}

// StorageConfig selects the link store driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./chat_ids.json" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPrefix   string `json:"redis_prefix,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}
