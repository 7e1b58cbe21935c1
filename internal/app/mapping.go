package app

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/health"
	"remindbot/internal/linking"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

const defaultTimezone = "Europe/Lisbon"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		if path == "" {
			path = "./chat_ids.json"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "redis":
		return storage.Config{
			Driver:        "redis",
			RedisAddr:     strings.TrimSpace(sc.RedisAddr),
			RedisPassword: sc.RedisPassword,
			RedisDB:       sc.RedisDB,
			RedisPrefix:   strings.TrimSpace(sc.RedisPrefix),
		}, nil
	case "memory", "none":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLocation(cfg *config.Config) (*time.Location, string, error) {
	tz := strings.TrimSpace(cfg.Reminders.Timezone)
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, "", fmt.Errorf("reminders.timezone: invalid %q: %w", tz, err)
	}
	return loc, tz, nil
}

func mapDefaultWeekday(cfg *config.Config) (time.Weekday, error) {
	raw := strings.TrimSpace(cfg.Reminders.DefaultWeekday)
	if raw == "" {
		return time.Monday, nil
	}
	wd, ok := reminder.ParseWeekday(raw)
	if !ok {
		return 0, fmt.Errorf("reminders.default_weekday: unknown weekday %q", raw)
	}
	return wd, nil
}

func mapRefreshInterval(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("reminders.refresh_interval", cfg.Reminders.RefreshInterval, 10*time.Minute)
}

func mapLinkingOptions(cfg *config.Config) (linking.Options, error) {
	window, err := config.ParseDurationOrDefault("linking.request_window", cfg.Linking.RequestWindow, linking.CodeTTL)
	if err != nil {
		return linking.Options{}, err
	}
	limit := 5
	if cfg.Linking.RequestLimit != nil {
		limit = max(*cfg.Linking.RequestLimit, 0)
	}
	return linking.Options{RequestLimit: limit, RequestWindow: window}, nil
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	workers := cfg.Delivery.Workers
	if workers <= 0 {
		workers = 2
	}
	queue := cfg.Delivery.QueueSize
	if queue <= 0 {
		queue = 256
	}
	return engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queue,
		DefaultTimeout: 2 * time.Minute,
		HistorySize:    200,
		// Reminder fires retry inside the dispatcher, never on the engine.
		RetryMax: -1,
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Delivery
	out := dispatch.Config{RatePerSec: d.RatePerSec, RetryMax: 2}
	if d.RetryMax != nil {
		out.RetryMax = *d.RetryMax
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("delivery.retry_base", d.RetryBase); err != nil {
		return dispatch.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("delivery.retry_max_delay", d.RetryMaxDelay); err != nil {
		return dispatch.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("delivery.dedup_window", d.DedupWindow); err != nil {
		return dispatch.Config{}, err
	}
	return out, nil
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	h := cfg.Health
	out := health.Config{Enabled: h.Enabled, MaxAttempts: h.MaxAttempts}
	var err error
	if out.InitialInterval, err = config.ParseDurationField("health.initial_interval", h.InitialInterval); err != nil {
		return health.Config{}, err
	}
	if out.MaxInterval, err = config.ParseDurationField("health.max_interval", h.MaxInterval); err != nil {
		return health.Config{}, err
	}
	return out, nil
}
