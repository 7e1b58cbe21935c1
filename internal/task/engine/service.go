package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/eventbus"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

// dropWarnEvery throttles the queue-full warning.
const dropWarnEvery = 5 * time.Second

// Service is a bounded worker pool. Reminder fires and refresh cycles are
// enqueued here by the scheduler and run with per-task timeout and retry.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	q       chan pending
	pool    *rtsup.Supervisor
	quit    chan struct{}
	stopped chan struct{} // non-nil while a stop is in progress

	log logx.Logger
	bus eventbus.Bus

	statesMu sync.Mutex
	states   map[string]*RunState

	histMu  sync.Mutex
	history []TaskEvent

	seq        atomic.Uint64
	dropped    atomic.Uint64
	lastWarnAt atomic.Int64
}

type pending struct {
	task     Task
	queuedAt time.Time
	timeout  time.Duration
	opt      TaskOptions
	state    *RunState
	tracked  bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: map[string]*RunState{},
	}
}

// Apply swaps the config. A worker or queue size change restarts the pool
// and drops whatever was queued.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	active := s.quit != nil && s.stopped == nil
	s.mu.Unlock()

	if active && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if done := s.stopped; s.quit != nil {
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.quit != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	q := make(chan pending, cfg.QueueSize)
	quit := make(chan struct{})
	pool := rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))))
	s.q, s.quit, s.pool = q, quit, pool
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		pool.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, quit, q)
			select {
			case <-quit:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop closes the pool and waits for in-flight tasks until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.quit == nil {
		s.mu.Unlock()
		return
	}
	done := s.stopped
	if done == nil {
		done = make(chan struct{})
		s.stopped = done
		close(s.quit)
		pool := s.pool
		go func() {
			pool.Cancel()
			_ = pool.Wait(context.Background())
			s.mu.Lock()
			s.q, s.quit, s.pool, s.stopped = nil, nil, nil, nil
			s.mu.Unlock()
			close(done)
		}()
	}
	s.mu.Unlock()

	select {
	case <-done:
		s.log.Info("engine stopped")
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue queues t without blocking. A full queue drops the task.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("engine: task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("engine: task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopping := s.cfg, s.q, s.stopped != nil
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	p := pending{task: t, queuedAt: now, timeout: t.Timeout, opt: t.Opt.withDefaults(cfg), state: t.State}
	if p.timeout <= 0 {
		p.timeout = cfg.DefaultTimeout
	}
	if p.state == nil {
		p.state = s.StateFor(t.Name)
	}
	if p.tracked = p.opt.Overlap == OverlapSkipIfRunning; p.tracked && !p.state.tryAcquire() {
		s.publish("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
		s.log.Debug("task skipped, previous run active", logx.String("task", t.Name))
		return ErrOverlapSkip
	}

	select {
	case q <- p:
		return nil
	default:
	}
	if p.tracked {
		p.state.release()
	}
	n := s.dropped.Add(1)
	s.publish(eventbus.TypeTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
	if last := s.lastWarnAt.Load(); now.UnixNano()-last >= int64(dropWarnEvery) && s.lastWarnAt.CompareAndSwap(last, now.UnixNano()) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(q)),
			logx.Int64("dropped", int64(n)))
	}
	return ErrQueueFull
}

// StateFor returns the RunState shared by every task using key.
func (s *Service) StateFor(key string) *RunState {
	if key = strings.TrimSpace(key); key == "" {
		key = "default"
	}
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	return st
}

// Dropped reports how many tasks were lost to a full queue.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

// History returns the most recent task outcomes, oldest first.
func (s *Service) History() []TaskEvent {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return append([]TaskEvent(nil), s.history...)
}

func (s *Service) record(item TaskEvent) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.histMu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.histMu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}
