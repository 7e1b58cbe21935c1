package reminder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

type refreshFixture struct {
	*schedFixture
	src *fakeSource
	r   *Refresher
	bus eventbus.Bus
}

func newRefreshFixture(t *testing.T) *refreshFixture {
	t.Helper()
	sf := newSchedFixture(t)
	src := newFakeSource()
	bus := eventbus.New()
	r := &Refresher{
		Links:     sf.links,
		Fetcher:   &Fetcher{Source: src, Log: logx.Nop()},
		Expander:  &Expander{Location: lisbon, DefaultWeekday: time.Monday, Now: func() time.Time { return sf.now }, Log: logx.Nop()},
		Scheduler: sf.sched,
		Bus:       bus,
		Log:       logx.Nop(),
	}
	r.SetWorkers(2)
	return &refreshFixture{schedFixture: sf, src: src, r: r, bus: bus}
}

func TestCyclePastOneOffArmsNothing(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)
	ctx := context.Background()
	require.NoError(t, f.links.Set(ctx, 7, "B"))
	f.src.set("B", []SessionRecord{{ID: "1", Date: "2024-01-01", Time: "09:00:00", Recurrence: "once"}}, nil)

	st, err := f.r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Refreshed)
	assert.Equal(t, 0, f.sched.Len())
	assert.Equal(t, 0, f.triggers.count())
	assert.Empty(t, f.out.all())
}

func TestCycleFetchFailureKeepsJobs(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)
	ctx := context.Background()
	require.NoError(t, f.links.Set(ctx, 9, "C"))
	f.src.set("C", []SessionRecord{
		{ID: "1", Date: "2024-06-03", Time: "09:00", Recurrence: "once"},
		{ID: "2", Time: "18:00", Recurrence: "weekly", DaysOfWeek: []string{"Monday", "Thursday"}},
	}, nil)

	_, err := f.r.RunCycle(ctx)
	require.NoError(t, err)
	before := f.sched.Jobs()
	require.Len(t, before, 3)

	f.src.set("C", nil, fmt.Errorf("%w: status 500", ErrUnavailable))
	st, err := f.r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, before, f.sched.Jobs())
}

func TestCycleCancelsUnlinkedAccounts(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)
	ctx := context.Background()
	require.NoError(t, f.links.Set(ctx, 1, "A"))
	f.src.set("A", []SessionRecord{{ID: "1", Date: "2024-06-03", Time: "09:00"}}, nil)
	// A job left over from an account that is no longer linked.
	require.NoError(t, f.sched.Refresh("gone", []Occurrence{onceAt("x", f.now.Add(time.Hour), "x")}))

	events, unsub := f.bus.Subscribe(4, eventbus.TypeRefreshDone)
	defer unsub()

	st, err := f.r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, []string{"A"}, f.sched.Accounts())

	select {
	case e := <-events:
		assert.Equal(t, 1, e.Data.(CycleStats).Jobs)
	default:
		t.Fatal("refresh.done not published")
	}
}

func TestCycleSkipsEmptyAccountIDs(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)
	ctx := context.Background()
	require.NoError(t, f.links.Set(ctx, 1, ""))
	require.NoError(t, f.links.Set(ctx, 2, "A"))
	require.NoError(t, f.links.Set(ctx, 3, "A"))

	st, err := f.r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Accounts)
	assert.Equal(t, 1, f.src.calls["A"])
	assert.Zero(t, f.src.calls[""])
}

func TestCycleOverlapIsSkipped(t *testing.T) {
	t.Parallel()
	f := newRefreshFixture(t)
	f.r.running.Store(true)
	_, err := f.r.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleRunning)
}
