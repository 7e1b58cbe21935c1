package config

import (
	"reflect"
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// SummarizeConfigChange lists changed sections and safe log fields (no secrets).
// restart reports sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		restart = append(restart, "telegram")
		attrs = append(attrs, logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Accounts != newCfg.Accounts {
		changed = append(changed, "accounts")
		restart = append(restart, "accounts")
		attrs = append(attrs, logx.String("accounts.base_url", strings.TrimSpace(newCfg.Accounts.BaseURL)))
	}
	if oldCfg.Linking != newCfg.Linking || oldCfg.LinkAPI != newCfg.LinkAPI {
		changed = append(changed, "linking")
		restart = append(restart, "linking")
	}
	if oldCfg.Reminders != newCfg.Reminders {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.String("reminders.refresh_interval", newCfg.Reminders.RefreshInterval),
			logx.Int("reminders.fetch_workers", newCfg.Reminders.FetchWorkers),
		)
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs, logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec))
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		restart = append(restart, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs, restart
}
