package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

// Triggers arms and cancels named timers. *scheduler.Service implements it.
type Triggers interface {
	AddOnce(name string, at time.Time, timeout time.Duration, opt scheduler.TaskOptions, job scheduler.Job) error
	AddWeekly(name string, weekday time.Weekday, h, m, sec int, timeout time.Duration, opt scheduler.TaskOptions, job scheduler.Job) error
	Remove(name string) bool
}

// Deliverer sends one occurrence to one identity at most once.
type Deliverer interface {
	Deliver(ctx context.Context, occurrenceKey string, fireAt time.Time, identity int64, text string) error
}

// Scheduler owns the authoritative set of armed reminder jobs.
type Scheduler struct {
	triggers Triggers
	links    storage.LinkStore
	out      Deliverer
	log      logx.Logger
	timeout  time.Duration
	now      func() time.Time

	mu   sync.Mutex
	jobs map[JobKey]*job
}

type job struct {
	occ Occurrence
}

type SchedulerOptions struct {
	// Timeout bounds one fire (lookup plus delivery retries).
	Timeout time.Duration
	Now     func() time.Time
}

func NewScheduler(triggers Triggers, links storage.LinkStore, out Deliverer, log logx.Logger, opts SchedulerOptions) *Scheduler {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		triggers: triggers,
		links:    links,
		out:      out,
		log:      log,
		timeout:  opts.Timeout,
		now:      opts.Now,
		jobs:     map[JobKey]*job{},
	}
}

// Refresh replaces the account's jobs with occs. Jobs with the same key and
// text stay armed untouched; the rest are cancelled or armed.
func (s *Scheduler) Refresh(accountID string, occs []Occurrence) error {
	want := make(map[JobKey]Occurrence, len(occs))
	for _, o := range occs {
		o.AccountID = accountID
		k := o.JobKey()
		if _, dup := want[k]; !dup {
			want[k] = o
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var kept, removed int
	for k, j := range s.jobs {
		if k.AccountID != accountID {
			continue
		}
		if o, ok := want[k]; ok && o.Text == j.occ.Text {
			delete(want, k)
			kept++
			continue
		}
		s.cancelLocked(k)
		removed++
	}

	var errs []error
	added := 0
	for _, o := range sortedOccurrences(want) {
		if err := s.armLocked(o); err != nil {
			errs = append(errs, err)
			continue
		}
		added++
	}

	if added > 0 || removed > 0 {
		s.log.Info("reminders refreshed",
			logx.String("account", accountID),
			logx.Int("added", added),
			logx.Int("removed", removed),
			logx.Int("kept", kept))
	}
	return errors.Join(errs...)
}

// Arm adds one occurrence. A one-off that is not in the future is ignored.
func (s *Scheduler) Arm(o Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armLocked(o)
}

func (s *Scheduler) armLocked(o Occurrence) error {
	k := o.JobKey()
	opt := scheduler.TaskOptions{RetryMax: -1}
	fire := func(ctx context.Context) error { return s.fire(ctx, k) }

	var err error
	switch o.Rule {
	case RuleWeekly:
		err = s.triggers.AddWeekly(k.String(), o.Weekday, o.Hour, o.Minute, o.Second, s.timeout, opt, fire)
	default:
		if !o.FireAt.After(s.now()) {
			return nil
		}
		err = s.triggers.AddOnce(k.String(), o.FireAt, s.timeout, opt, fire)
	}
	if err != nil {
		return fmt.Errorf("arm %s: %w", k, err)
	}
	s.jobs[k] = &job{occ: o}
	return nil
}

// Cancel removes every job of the account and reports how many were armed.
func (s *Scheduler) Cancel(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.jobs {
		if k.AccountID == accountID {
			s.cancelLocked(k)
			n++
		}
	}
	return n
}

func (s *Scheduler) cancelLocked(k JobKey) {
	s.triggers.Remove(k.String())
	delete(s.jobs, k)
}

// fire delivers the job if it is still armed. One-off jobs leave the set.
func (s *Scheduler) fire(ctx context.Context, k JobKey) error {
	s.mu.Lock()
	j, ok := s.jobs[k]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("stale reminder trigger ignored", logx.String("job", k.String()))
		return nil
	}
	occ := j.occ
	fireAt, hasFireTime := scheduler.FireTime(ctx)
	if !hasFireTime {
		fireAt = occ.FireAt
	}
	// A weekly rule fires on every matching weekday, including those before
	// the session's first date.
	if occ.Rule == RuleWeekly && fireAt.Before(occ.FireAt.Add(-time.Minute)) {
		s.mu.Unlock()
		s.log.Debug("weekly reminder before first occurrence skipped",
			logx.String("job", k.String()),
			logx.Time("first", occ.FireAt))
		return nil
	}
	if occ.Rule == RuleNone {
		delete(s.jobs, k)
	} else {
		j.occ.FireAt = nextWeekday(fireAt, occ.Weekday, occ.Hour, occ.Minute, occ.Second, occ.FireAt.Location())
	}
	s.mu.Unlock()

	identities, err := s.identities(ctx, occ.AccountID)
	if err != nil {
		s.log.Error("identity lookup failed", logx.String("job", k.String()), logx.Err(err))
		return err
	}
	if len(identities) == 0 {
		s.log.Warn("no linked identity, reminder dropped",
			logx.String("account", occ.AccountID),
			logx.String("session", occ.SessionID))
		return nil
	}

	var errs []error
	for _, id := range identities {
		if err := s.out.Deliver(ctx, occ.Key(), fireAt, id, occ.Text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// identities is the reverse lookup account -> identities at fire time.
func (s *Scheduler) identities(ctx context.Context, accountID string) ([]int64, error) {
	all, err := s.links.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []int64
	for id, acc := range all {
		if acc == accountID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Jobs returns the armed occurrences ordered by next fire time.
func (s *Scheduler) Jobs() []Occurrence {
	return s.jobsWhere(func(JobKey) bool { return true })
}

// JobsFor returns the armed occurrences of one account.
func (s *Scheduler) JobsFor(accountID string) []Occurrence {
	return s.jobsWhere(func(k JobKey) bool { return k.AccountID == accountID })
}

// Accounts lists the accounts that currently have jobs.
func (s *Scheduler) Accounts() []string {
	s.mu.Lock()
	seen := map[string]bool{}
	for k := range s.jobs {
		seen[k.AccountID] = true
	}
	s.mu.Unlock()
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) jobsWhere(keep func(JobKey) bool) []Occurrence {
	s.mu.Lock()
	out := make([]Occurrence, 0, len(s.jobs))
	for k, j := range s.jobs {
		if keep(k) {
			out = append(out, j.occ)
		}
	}
	s.mu.Unlock()
	sortByFireAt(out)
	return out
}

func sortedOccurrences(m map[JobKey]Occurrence) []Occurrence {
	out := make([]Occurrence, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	sortByFireAt(out)
	return out
}

func sortByFireAt(occ []Occurrence) {
	sort.Slice(occ, func(i, j int) bool {
		if !occ[i].FireAt.Equal(occ[j].FireAt) {
			return occ[i].FireAt.Before(occ[j].FireAt)
		}
		return occ[i].JobKey().String() < occ[j].JobKey().String()
	})
}
