package reminder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// ErrCycleRunning is returned when a refresh cycle is already in progress.
var ErrCycleRunning = errors.New("refresh cycle already running")

// CycleStats summarizes one refresh cycle.
type CycleStats struct {
	Accounts  int           `json:"accounts"`
	Refreshed int           `json:"refreshed"`
	Skipped   int           `json:"skipped"`
	Cancelled int           `json:"cancelled"`
	Jobs      int           `json:"jobs"`
	Took      time.Duration `json:"took"`
}

// Refresher runs the fetch, expand and arm cycle for every linked account.
type Refresher struct {
	Links     storage.LinkStore
	Fetcher   *Fetcher
	Expander  *Expander
	Scheduler *Scheduler
	Bus       eventbus.Bus
	Log       logx.Logger

	mu      sync.Mutex
	workers int
	running atomic.Bool
}

// SetWorkers bounds the per-account fan-out of a cycle.
func (r *Refresher) SetWorkers(n int) {
	r.mu.Lock()
	r.workers = n
	r.mu.Unlock()
}

func (r *Refresher) limit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workers <= 0 {
		return 4
	}
	return r.workers
}

// RunCycle refreshes every linked account. Accounts whose fetch fails keep
// their jobs; accounts no longer linked lose theirs.
func (r *Refresher) RunCycle(ctx context.Context) (CycleStats, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.Log.Debug("refresh cycle skipped, previous still running")
		return CycleStats{}, ErrCycleRunning
	}
	defer r.running.Store(false)

	start := time.Now()
	mapping, err := r.Links.All(ctx)
	if err != nil {
		r.Log.Error("refresh cycle aborted: link store read failed", logx.Err(err))
		return CycleStats{}, err
	}
	accounts := linkedAccounts(mapping)

	var refreshed, skipped atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit())
	for _, acc := range accounts {
		g.Go(func() error {
			if err := r.RefreshAccount(gctx, acc); err != nil {
				skipped.Add(1)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return CycleStats{}, err
	}

	active := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		active[a] = true
	}
	cancelled := 0
	for _, a := range r.Scheduler.Accounts() {
		if !active[a] {
			n := r.Scheduler.Cancel(a)
			cancelled += n
			r.Log.Info("account unlinked, reminders cancelled", logx.String("account", a), logx.Int("jobs", n))
		}
	}

	st := CycleStats{
		Accounts:  len(accounts),
		Refreshed: int(refreshed.Load()),
		Skipped:   int(skipped.Load()),
		Cancelled: cancelled,
		Jobs:      r.Scheduler.Len(),
		Took:      time.Since(start),
	}
	r.Log.Info("refresh cycle done",
		logx.Int("accounts", st.Accounts),
		logx.Int("refreshed", st.Refreshed),
		logx.Int("skipped", st.Skipped),
		logx.Int("cancelled", st.Cancelled),
		logx.Int("jobs", st.Jobs),
		logx.Duration("took", st.Took))
	if r.Bus != nil {
		r.Bus.Publish(eventbus.Event{Type: eventbus.TypeRefreshDone, Data: st})
	}
	return st, nil
}

// RefreshAccount fetches, expands and arms one account. On fetch failure the
// account's jobs are left as they are.
func (r *Refresher) RefreshAccount(ctx context.Context, accountID string) error {
	recs, err := r.Fetcher.FetchUpcoming(ctx, accountID)
	if err != nil {
		return err
	}
	occ := r.Expander.ExpandAll(recs, accountID)
	if err := r.Scheduler.Refresh(accountID, occ); err != nil {
		r.Log.Warn("some reminders could not be armed", logx.String("account", accountID), logx.Err(err))
	}
	return nil
}

// linkedAccounts returns the distinct non-empty account ids of the mapping.
func linkedAccounts(mapping map[int64]string) []string {
	seen := make(map[string]bool, len(mapping))
	out := make([]string, 0, len(mapping))
	for _, acc := range mapping {
		if acc == "" || seen[acc] {
			continue
		}
		seen[acc] = true
		out = append(out, acc)
	}
	sort.Strings(out)
	return out
}
