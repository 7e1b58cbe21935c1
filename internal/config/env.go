package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// envOverrides maps environment variables onto config fields. The first
// non-empty variable of each group wins.
var envOverrides = []struct {
	keys []string
	set  func(c *Config, v string)
}{
	{[]string{"REMINDBOT_TELEGRAM_TOKEN", "TOKEN"}, func(c *Config, v string) { c.Telegram.Token = v }},
	{[]string{"REMINDBOT_API_KEY", "BOT_API_KEY"}, func(c *Config, v string) { c.Accounts.APIKey = v }},
	{[]string{"REMINDBOT_API_BASE_URL"}, func(c *Config, v string) { c.Accounts.BaseURL = v }},
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv copies secrets and endpoints from the environment into cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	for _, o := range envOverrides {
		for _, k := range o.keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				o.set(cfg, strings.TrimSpace(v))
				break
			}
		}
	}
}
