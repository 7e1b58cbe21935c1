package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

type fireTimeKey struct{}

// FireTime returns the instant the trigger that started this run was due.
func FireTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(fireTimeKey{}).(time.Time)
	return t, ok
}

// WithFireTime returns ctx carrying at as the trigger's due instant.
func WithFireTime(ctx context.Context, at time.Time) context.Context {
	return context.WithValue(ctx, fireTimeKey{}, at)
}

func withFireTime(job Job, at time.Time) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return job(WithFireTime(ctx, at))
	}
}

// AddCronOpt registers a cron rule, replacing any schedule with the same name.
func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: name required")
	}
	if job == nil {
		return errors.New("scheduler: job required")
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("scheduler: parse %q: %w", spec, err)
	}

	s.tmu.Lock()
	s.removeOnce(name)
	s.tmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeScheduleLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		sched:   sched,
		opt:     opt,
		state:   &engine.RunState{},
	})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered",
			logx.String("name", name),
			logx.String("spec", spec),
			logx.String("next", previewNext(sched, time.Now().In(s.loc), 3)))
	}
	return nil
}

// AddInterval runs job every interval, first run one interval from now.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job Job) error {
	if every <= 0 {
		return errors.New("scheduler: interval must be > 0")
	}
	return s.AddCronOpt(name, "@every "+every.String(), timeout, opt, job)
}

// AddWeekly fires every week on weekday at h:m:sec in the scheduler timezone.
func (s *Service) AddWeekly(name string, weekday time.Weekday, h, m, sec int, timeout time.Duration, opt TaskOptions, job Job) error {
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return fmt.Errorf("scheduler: invalid time %02d:%02d:%02d", h, m, sec)
	}
	return s.AddCronOpt(name, WeeklySpec(weekday, h, m, sec), timeout, opt, job)
}

// WeeklySpec renders the 6-field cron rule "s m h * * dow" (Sunday=0).
func WeeklySpec(weekday time.Weekday, h, m, sec int) string {
	return fmt.Sprintf("%d %d %d * * %d", sec, m, h, int(weekday))
}

// AddOnce fires job once at the given instant, replacing any schedule with
// the same name. The definition is removed before the job is enqueued, so a
// fired one-off never runs twice.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, opt TaskOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: name required")
	}
	if at.IsZero() {
		return errors.New("scheduler: at required")
	}
	if job == nil {
		return errors.New("scheduler: job required")
	}

	s.mu.Lock()
	s.removeScheduleLocked(name)
	running := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.once[name]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.onceSeq++
	d := &onceDef{at: at, timeout: timeout, opt: opt, job: job, ver: s.onceSeq}
	s.once[name] = d
	if running {
		s.armOnceLocked(name, d)
	}
	return nil
}

func (s *Service) armOnceLocked(name string, d *onceDef) {
	delay := time.Until(d.at)
	if delay < 0 {
		delay = 0
	}
	ver := d.ver
	d.timer = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.once, name)
		s.tmu.Unlock()

		s.enqueue(name, cur.timeout, cur.opt, nil, withFireTime(cur.job, cur.at))
	})
}

func (s *Service) rearmOnce() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name, d := range s.once {
		if d.timer == nil {
			s.armOnceLocked(name, d)
		}
	}
}

// Remove unschedules name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	removed = s.removeOnce(name) || removed
	s.tmu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Has reports whether a schedule or pending one-off named name exists.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	for _, d := range s.defs {
		if d.name == name {
			s.mu.Unlock()
			return true
		}
	}
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	_, ok := s.once[name]
	return ok
}

// Next returns the next trigger instant for name.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	for _, d := range s.defs {
		if d.name == name {
			loc := s.loc
			s.mu.Unlock()
			return d.sched.Next(time.Now().In(loc)), true
		}
	}
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if d, ok := s.once[name]; ok {
		return d.at, true
	}
	return time.Time{}, false
}

// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// Call with s.tmu held.
func (s *Service) removeOnce(name string) bool {
	d, ok := s.once[name]
	if !ok {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(s.once, name)
	return true
}

// Call with s.mu held.
func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, opt, state, sched, job := d.name, d.timeout, d.opt, d.state, d.sched, d.job
	loc := s.loc
	eid := s.c.Schedule(sched, cron.FuncJob(func() {
		at := dueInstant(sched, time.Now().In(loc))
		s.enqueue(name, timeout, opt, state, withFireTime(job, at))
	}))
	d.entryID = eid
	return nil
}

func (s *Service) enqueue(name string, timeout time.Duration, opt TaskOptions, state *engine.RunState, run func(ctx context.Context) error) {
	if s.engine == nil {
		return
	}
	if state == nil {
		state = &engine.RunState{}
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    name,
		Timeout: timeout,
		Run:     run,
		Opt:     opt,
		State:   state,
	})
	if err != nil {
		s.reportEnqueueError(name, err)
	}
}

// dueInstant recovers the scheduled instant from a trigger observed at now.
// Cron wakes slightly after the due time.
func dueInstant(sched cron.Schedule, now time.Time) time.Time {
	if due := sched.Next(now.Add(-time.Minute)); !due.IsZero() && !due.After(now) {
		return due
	}
	return now.Truncate(time.Second)
}

func previewNext(sched cron.Schedule, from time.Time, n int) string {
	var b strings.Builder
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
