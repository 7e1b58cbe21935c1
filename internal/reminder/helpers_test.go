package reminder

import (
	"context"
	"sync"
	"time"

	"remindbot/internal/task/scheduler"
)

var lisbon = mustLoad("Europe/Lisbon")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// fakeTriggers records armed jobs instead of starting timers.
type fakeTriggers struct {
	mu      sync.Mutex
	once    map[string]time.Time
	weekly  map[string]string
	jobs    map[string]scheduler.Job
	adds    int
	removes int
}

func newFakeTriggers() *fakeTriggers {
	return &fakeTriggers{
		once:   map[string]time.Time{},
		weekly: map[string]string{},
		jobs:   map[string]scheduler.Job{},
	}
}

func (f *fakeTriggers) AddOnce(name string, at time.Time, _ time.Duration, _ scheduler.TaskOptions, job scheduler.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.once[name] = at
	f.jobs[name] = job
	f.adds++
	return nil
}

func (f *fakeTriggers) AddWeekly(name string, wd time.Weekday, h, m, sec int, _ time.Duration, _ scheduler.TaskOptions, job scheduler.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.weekly[name] = scheduler.WeeklySpec(wd, h, m, sec)
	f.jobs[name] = job
	f.adds++
	return nil
}

func (f *fakeTriggers) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[name]
	delete(f.once, name)
	delete(f.weekly, name)
	delete(f.jobs, name)
	f.removes++
	return ok
}

func (f *fakeTriggers) job(name string) scheduler.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[name]
}

func (f *fakeTriggers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type delivery struct {
	Key      string
	FireAt   time.Time
	Identity int64
	Text     string
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []delivery
}

func (d *fakeDeliverer) Deliver(_ context.Context, key string, fireAt time.Time, identity int64, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, delivery{Key: key, FireAt: fireAt, Identity: identity, Text: text})
	return nil
}

func (d *fakeDeliverer) all() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.sent...)
}

// fakeSource serves canned sessions or an error per account.
type fakeSource struct {
	mu       sync.Mutex
	sessions map[string][]SessionRecord
	errs     map[string]error
	calls    map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		sessions: map[string][]SessionRecord{},
		errs:     map[string]error{},
		calls:    map[string]int{},
	}
}

func (s *fakeSource) ListSessions(_ context.Context, accountID string) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[accountID]++
	if err := s.errs[accountID]; err != nil {
		return nil, err
	}
	return append([]SessionRecord(nil), s.sessions[accountID]...), nil
}

func (s *fakeSource) set(accountID string, recs []SessionRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[accountID] = recs
	s.errs[accountID] = err
}
