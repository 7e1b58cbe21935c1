package app

import (
	"context"
	"strings"

	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

// validateLive rejects reloads whose live sections would not apply.
func validateLive(_ context.Context, cfg *config.Config) error {
	if _, err := mapRefreshInterval(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapLocation(cfg); err != nil {
		return err
	}
	_, err := mapDefaultWeekday(cfg)
	return err
}

func (a *App) startConfigReload() {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateLive)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

// applyConfig applies the live sections of next. Sections that need a
// restart are only reported.
func (a *App) applyConfig(prev, next *config.Config) {
	changed, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that require a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(next))
	}

	if prev.Reminders.Timezone != next.Reminders.Timezone || prev.Reminders.DefaultWeekday != next.Reminders.DefaultWeekday {
		a.log.Warn("reminders.timezone and reminders.default_weekday take effect after a restart")
	}
	if prev.Reminders.RefreshInterval != next.Reminders.RefreshInterval {
		if every, err := mapRefreshInterval(next); err == nil {
			a.refreshInterval = every
			if err := a.scheduleRefresh(every); err != nil {
				a.log.Warn("refresh reschedule failed; keeping previous", logx.Err(err))
			}
		}
	}
	a.refresher.SetWorkers(next.Reminders.FetchWorkers)

	if dcfg, err := mapDispatchConfig(next); err == nil {
		a.dispatch.Apply(dcfg)
	}
	if prev.Delivery.Workers != next.Delivery.Workers || prev.Delivery.QueueSize != next.Delivery.QueueSize {
		a.engine.Apply(a.sup.Context(), mapEngineConfig(next))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: changed})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)
}
