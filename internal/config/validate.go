package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	LinkingLocal  = "local"
	LinkingRemote = "remote"
)

// Validate rejects configs that would fail at runtime. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"accounts.timeout", cfg.Accounts.Timeout},
		{"linking.request_window", cfg.Linking.RequestWindow},
		{"reminders.refresh_interval", cfg.Reminders.RefreshInterval},
		{"delivery.retry_base", cfg.Delivery.RetryBase},
		{"delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay},
		{"delivery.dedup_window", cfg.Delivery.DedupWindow},
		{"health.initial_interval", cfg.Health.InitialInterval},
		{"health.max_interval", cfg.Health.MaxInterval},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if d, _ := ParseDurationField("", cfg.Reminders.RefreshInterval); d > 0 && d < 10*time.Second {
		errs = append(errs, fmt.Errorf("reminders.refresh_interval must be >= 10s"))
	}

	if tz := strings.TrimSpace(cfg.Reminders.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("reminders.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Linking.Mode)) {
	case "", LinkingLocal:
	case LinkingRemote:
		if strings.TrimSpace(cfg.Accounts.BaseURL) == "" {
			errs = append(errs, errors.New("linking.mode=remote requires accounts.base_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("linking.mode: unknown value %q", cfg.Linking.Mode))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "memory", "none":
	case "redis":
		if strings.TrimSpace(cfg.Storage.RedisAddr) == "" {
			errs = append(errs, errors.New("storage.driver=redis requires storage.redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown value %q", cfg.Storage.Driver))
	}

	if cfg.Delivery.RatePerSec < 0 || cfg.Delivery.Workers < 0 || cfg.Delivery.QueueSize < 0 {
		errs = append(errs, errors.New("delivery: negative values are not allowed"))
	}
	if cfg.Delivery.RetryMax != nil && *cfg.Delivery.RetryMax < 0 {
		errs = append(errs, errors.New("delivery.retry_max must be >= 0"))
	}
	if cfg.Reminders.FetchWorkers < 0 {
		errs = append(errs, errors.New("reminders.fetch_workers must be >= 0"))
	}
	return errors.Join(errs...)
}
