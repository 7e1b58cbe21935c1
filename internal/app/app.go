// Package app wires the reminder bot together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/bot"
	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/eventbus"
	"remindbot/internal/health"
	"remindbot/internal/integration/accounts"
	"remindbot/internal/linkapi"
	"remindbot/internal/linking"
	"remindbot/internal/reminder"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram/adapter"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/systemd"
)

const refreshScheduleName = "reminders.refresh"

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	router  *bot.Router

	engine   *engine.Service
	sched    *scheduler.Service
	dispatch *dispatch.Service

	linker    *linking.Service // nil in remote mode
	accounts  *accounts.HTTPClient
	reminders *reminder.Scheduler
	refresher *reminder.Refresher
	linkAPI   *linkapi.Server
	notifier  *systemd.Notifier

	healthCfg       health.Config
	refreshInterval time.Duration

	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component.
// Nothing touches the network until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	a, err := assemble(cfgm, cfg, logSvc, log, ad)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// assemble builds the graph around an already constructed adapter.
func assemble(cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, log logx.Logger, ad kit.Adapter) (*App, error) {
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	a, err := wire(cfgm, cfg, log, bus, store, ad)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.logs = logSvc
	return a, nil
}

func wire(cfgm *config.ConfigManager, cfg *config.Config, log logx.Logger, bus eventbus.Bus, store storage.Store, ad kit.Adapter) (*App, error) {
	loc, tz, err := mapLocation(cfg)
	if err != nil {
		return nil, err
	}
	defaultWeekday, err := mapDefaultWeekday(cfg)
	if err != nil {
		return nil, err
	}
	refreshEvery, err := mapRefreshInterval(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	hcfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	lopts, err := mapLinkingOptions(cfg)
	if err != nil {
		return nil, err
	}
	accTimeout, err := config.ParseDurationOrDefault("accounts.timeout", cfg.Accounts.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}

	eng := engine.New(mapEngineConfig(cfg), log.With(logx.String("comp", "engine")), bus)
	sched := scheduler.New(scheduler.Config{Timezone: tz}, eng, log.With(logx.String("comp", "scheduler")), bus)
	disp := dispatch.New(dcfg, ad, store, log.With(logx.String("comp", "dispatch")), bus)

	client := accounts.NewClient(cfg.Accounts.BaseURL, cfg.Accounts.APIKey, cfg.Accounts.HealthPath, accTimeout, nil)

	remLog := log.With(logx.String("comp", "reminder"))
	rems := reminder.NewScheduler(sched, store, disp, remLog, reminder.SchedulerOptions{})
	fetcher := &reminder.Fetcher{Source: client, Log: remLog}
	refresher := &reminder.Refresher{
		Links:     store,
		Fetcher:   fetcher,
		Expander:  &reminder.Expander{Location: loc, DefaultWeekday: defaultWeekday, Log: remLog},
		Scheduler: rems,
		Bus:       bus,
		Log:       remLog,
	}
	refresher.SetWorkers(cfg.Reminders.FetchWorkers)

	a := &App{
		cfgm:            cfgm,
		log:             log,
		bus:             bus,
		store:           store,
		adapter:         ad,
		engine:          eng,
		sched:           sched,
		dispatch:        disp,
		accounts:        client,
		reminders:       rems,
		refresher:       refresher,
		healthCfg:       hcfg,
		refreshInterval: refreshEvery,
		notifier:        systemd.NewNotifier(cfg.Systemd.Notify, log.With(logx.String("comp", "systemd"))),
		updates:         make(chan kit.Update, 256),
	}

	var confirmer linking.Confirmer
	if strings.EqualFold(strings.TrimSpace(cfg.Linking.Mode), config.LinkingRemote) {
		confirmer = &linking.RemoteConfirmer{Remote: client, Store: store, Log: log.With(logx.String("comp", "linking"))}
	} else {
		a.linker = linking.New(store, log.With(logx.String("comp", "linking")), lopts)
		confirmer = a.linker
		if cfg.LinkAPI.Enabled {
			a.linkAPI = linkapi.New(linkapi.Config{Addr: cfg.LinkAPI.Addr}, a.linker, log.With(logx.String("comp", "linkapi")))
			a.linkAPI.OnLinked = func(accountID string, _ int64) { a.enqueueAccountRefresh(accountID) }
		}
	}

	handlers := &bot.Handlers{
		Confirmer: confirmer,
		Links:     store,
		Sessions:  fetcher,
		Reminders: rems,
		Refresher: refresher,
		Sender:    ad,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "bot")),
	}
	a.router = bot.NewRouter(log.With(logx.String("comp", "bot")), ad, bot.RouterOptions{})
	a.router.SetRegistry(handlers.Commands(), handlers.TextRoutes())
	return a, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the bot up. It returns an error when the account service
// never becomes healthy.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	if a.linker != nil {
		if err := a.linker.Hydrate(run); err != nil {
			return fmt.Errorf("hydrate links: %w", err)
		}
	}

	if err := health.WaitReady(run, a.healthCfg, a.accounts, a.log.With(logx.String("comp", "health")), a.bus); err != nil {
		a.log.Error("startup health probe exhausted", logx.Err(err))
		return err
	}

	a.engine.Start(run)
	a.sched.Start(run)

	if err := a.scheduleRefresh(a.refreshInterval); err != nil {
		return err
	}
	a.enqueueRefresh()

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	if up, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go("telegram.menu.update", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}

	if a.linkAPI != nil {
		a.sup.Go("linkapi", a.linkAPI.Serve)
	}

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.notifier.Watchdog)

	a.notifier.Ready()
	a.log.Info("app started")
	return nil
}

func (a *App) scheduleRefresh(every time.Duration) error {
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, RetryMax: -1}
	if err := a.sched.AddInterval(refreshScheduleName, every, every, opt, a.runRefresh); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	a.log.Info("refresh scheduled", logx.Duration("every", every))
	return nil
}

func (a *App) runRefresh(ctx context.Context) error {
	_, err := a.refresher.RunCycle(ctx)
	if errors.Is(err, reminder.ErrCycleRunning) {
		return nil
	}
	return err
}

// enqueueRefresh runs one cycle now on the engine.
func (a *App) enqueueRefresh() {
	err := a.engine.Enqueue(engine.Task{
		Name:    refreshScheduleName + ".now",
		Timeout: a.refreshInterval,
		Run:     a.runRefresh,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		State:   a.engine.StateFor(refreshScheduleName),
	})
	if err != nil {
		a.log.Warn("initial refresh not queued", logx.Err(err))
	}
}

func (a *App) enqueueAccountRefresh(accountID string) {
	err := a.engine.Enqueue(engine.Task{
		Name:    "reminders.refresh_account",
		Timeout: time.Minute,
		Opt:     engine.TaskOptions{RetryMax: 2, RetryBase: 2 * time.Second},
		Run: func(ctx context.Context) error {
			err := a.refresher.RefreshAccount(ctx, accountID)
			if err != nil && !errors.Is(err, reminder.ErrUnavailable) {
				return engine.NoRetry(err)
			}
			return err
		},
	})
	if err != nil {
		a.log.Warn("account refresh not queued", logx.String("account", accountID), logx.Err(err))
	}
}

// startEventLog mirrors bus events to debug logs and the systemd status line.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if st, ok := e.Data.(reminder.CycleStats); ok && e.Type == eventbus.TypeRefreshDone {
					a.notifier.Status(a.statusLine(st))
				}
			}
		}
	})
}

func (a *App) statusLine(st reminder.CycleStats) string {
	line := fmt.Sprintf("%d reminders armed for %d accounts", st.Jobs, st.Accounts)
	snap := a.sched.Snapshot()
	for _, it := range snap.Schedules {
		if it.Name == refreshScheduleName && !it.Next.IsZero() {
			line += ", next refresh " + it.Next.In(a.sched.Location()).Format("15:04")
		}
	}
	return fmt.Sprintf("%s (%d one-off timers)", line, snap.Once)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifier.Stopping()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
