package reminder

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

type schedFixture struct {
	sched    *Scheduler
	triggers *fakeTriggers
	out      *fakeDeliverer
	links    storage.Store
	now      time.Time
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	f := &schedFixture{
		triggers: newFakeTriggers(),
		out:      &fakeDeliverer{},
		links:    storage.NewMemory(),
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, lisbon),
	}
	f.sched = NewScheduler(f.triggers, f.links, f.out, logx.Nop(), SchedulerOptions{
		Now: func() time.Time { return f.now },
	})
	return f
}

func keyOf(accountID string, o Occurrence) string {
	o.AccountID = accountID
	return o.JobKey().String()
}

func onceAt(session string, at time.Time, text string) Occurrence {
	return Occurrence{SessionID: session, FireAt: at, Rule: RuleNone, Text: text}
}

func weeklyOn(session string, wd time.Weekday, h int, next time.Time) Occurrence {
	return Occurrence{SessionID: session, FireAt: next, Rule: RuleWeekly, Weekday: wd, Hour: h, Text: "weekly " + wd.String()}
}

func TestRefreshIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t)
	occ := []Occurrence{
		onceAt("s1", f.now.Add(time.Hour), "a"),
		weeklyOn("s2", time.Monday, 18, time.Date(2024, 6, 3, 18, 0, 0, 0, lisbon)),
		weeklyOn("s2", time.Thursday, 18, time.Date(2024, 6, 6, 18, 0, 0, 0, lisbon)),
	}

	require.NoError(t, f.sched.Refresh("acc", occ))
	assert.Equal(t, 3, f.sched.Len())
	adds := f.triggers.adds

	require.NoError(t, f.sched.Refresh("acc", occ))
	assert.Equal(t, 3, f.sched.Len())
	assert.Equal(t, 3, f.triggers.count())
	assert.Equal(t, adds, f.triggers.adds, "unchanged jobs must not be re-armed")
	assert.Equal(t, "0 0 18 * * 1", f.triggers.weekly[keyOf("acc", occ[1])])
}

func TestRefreshReplacesChangedAndRemovesMissing(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t)
	a := onceAt("s1", f.now.Add(time.Hour), "a")
	b := onceAt("s2", f.now.Add(2*time.Hour), "b")
	require.NoError(t, f.sched.Refresh("acc", []Occurrence{a, b}))
	require.NoError(t, f.sched.Refresh("other", []Occurrence{onceAt("s9", f.now.Add(time.Hour), "z")}))

	a.Text = "a changed"
	require.NoError(t, f.sched.Refresh("acc", []Occurrence{a}))

	jobs := f.sched.JobsFor("acc")
	require.Len(t, jobs, 1)
	assert.Equal(t, "a changed", jobs[0].Text)
	assert.Equal(t, 2, f.sched.Len())
	assert.Nil(t, f.triggers.job(keyOf("acc", b)))
	assert.Len(t, f.sched.JobsFor("other"), 1)
}

func TestArmSkipsPastOneOff(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t)
	require.NoError(t, f.sched.Arm(Occurrence{AccountID: "acc", SessionID: "s", FireAt: f.now.Add(-time.Second)}))
	assert.Equal(t, 0, f.sched.Len())
	assert.Equal(t, 0, f.triggers.count())
}

func TestFireDeliversToLinkedIdentityOnce(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t)
	ctx := context.Background()
	require.NoError(t, f.links.Set(ctx, 42, "acc"))
	o := onceAt("s1", f.now.Add(time.Hour), "hello")
	require.NoError(t, f.sched.Refresh("acc", []Occurrence{o}))

	name := Occurrence{AccountID: "acc", SessionID: "s1", FireAt: o.FireAt}.JobKey().String()
	job := f.triggers.job(name)
	require.NotNil(t, job)

	require.NoError(t, job(ctx))
	sent := f.out.all()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(42), sent[0].Identity)
	assert.Equal(t, "hello", sent[0].Text)
	assert.True(t, sent[0].FireAt.Equal(o.FireAt))
	assert.Equal(t, 0, f.sched.Len(), "one-off leaves the set after firing")

	// A stale second trigger is a no-op.
	require.NoError(t, job(ctx))
	assert.Len(t, f.out.all(), 1)
}

func TestFireAfterCancelIsNoop(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t)
	ctx := context.Background()
	require.NoError(t, f.links.Set(ctx, 42, "acc"))
	o := onceAt("s1", f.now.Add(time.Hour), "hello")
	require.NoError(t, f.sched.Refresh("acc", []Occurrence{o}))
	job := f.triggers.job(Occurrence{AccountID: "acc", SessionID: "s1", FireAt: o.FireAt}.JobKey().String())

	assert.Equal(t, 1, f.sched.Cancel("acc"))
	require.NoError(t, job(ctx))
	assert.Empty(t, f.out.all())
}

func TestFireWithoutIdentityDrops(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t)
	o := weeklyOn("s1", time.Monday, 18, time.Date(2024, 6, 3, 18, 0, 0, 0, lisbon))
	require.NoError(t, f.sched.Refresh("acc", []Occurrence{o}))
	job := f.triggers.job(Occurrence{AccountID: "acc", SessionID: "s1", Rule: RuleWeekly, Weekday: time.Monday, Hour: 18}.JobKey().String())
	require.NotNil(t, job)

	require.NoError(t, job(context.Background()))
	assert.Empty(t, f.out.all())
	require.Equal(t, 1, f.sched.Len(), "weekly jobs stay armed")
	assert.True(t, f.sched.Jobs()[0].FireAt.Equal(time.Date(2024, 6, 10, 18, 0, 0, 0, lisbon)))
}

func TestWeeklyRuleDoesNotFireBeforeFirstDate(t *testing.T) {
	t.Parallel()
	f := newSchedFixture(t)
	require.NoError(t, f.links.Set(context.Background(), 7, "acc"))

	e := newExpander(f.now)
	occ, err := e.Expand(SessionRecord{ID: "s1", Date: "2024-06-20", Time: "18:00", Recurrence: "weekly", DaysOfWeek: []string{"Monday"}}, "acc")
	require.NoError(t, err)
	require.NoError(t, f.sched.Refresh("acc", occ))

	name := keyOf("acc", occ[0])
	rule, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(f.triggers.weekly[name])
	require.NoError(t, err)
	job := f.triggers.job(name)
	require.NotNil(t, job)

	first := time.Date(2024, 6, 24, 18, 0, 0, 0, lisbon)
	at := rule.Next(f.now)
	assert.True(t, at.Before(first), "cron rule is armed before the first date")
	for ; !at.After(first); at = rule.Next(at) {
		require.NoError(t, job(scheduler.WithFireTime(context.Background(), at)))
	}

	sent := f.out.all()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].FireAt.Equal(first))
	assert.Equal(t, int64(7), sent[0].Identity)

	jobs := f.sched.JobsFor("acc")
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].FireAt.Equal(time.Date(2024, 7, 1, 18, 0, 0, 0, lisbon)))
}
