package linking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, store storage.LinkStore) (*Service, *fakeClock) {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	clk := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := New(store, logx.Nop(), Options{})
	s.clock = clk.Now
	return s, clk
}

func TestConfirmSucceedsOnceThenNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	s, clk := newTestService(t, store)

	code, exp, err := s.RequestCode(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, code, 32)
	assert.Equal(t, clk.Now().Add(CodeTTL), exp)
	assert.Equal(t, StatusPending, s.Status(ctx, "A"))

	clk.Advance(5 * time.Minute)
	acc, err := s.ConfirmCode(ctx, code, 555)
	require.NoError(t, err)
	assert.Equal(t, "A", acc)
	assert.Equal(t, StatusLinked, s.Status(ctx, "A"))

	got, ok, _ := store.Get(ctx, 555)
	require.True(t, ok)
	assert.Equal(t, "A", got)

	clk.Advance(time.Minute)
	_, err = s.ConfirmCode(ctx, code, 777)
	assert.ErrorIs(t, err, ErrCodeNotFound)

	got, _, _ = store.Get(ctx, 555)
	assert.Equal(t, "A", got)
}

func TestConfirmAtOrAfterExpiry(t *testing.T) {
	t.Parallel()
	for _, after := range []time.Duration{CodeTTL, CodeTTL + time.Second, 3 * time.Hour} {
		after := after
		t.Run(after.String(), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s, clk := newTestService(t, nil)

			code, _, err := s.RequestCode(ctx, "A")
			require.NoError(t, err)

			clk.Advance(after)
			assert.Equal(t, StatusExpired, s.Status(ctx, "A"), "status is observational")
			assert.Equal(t, StatusExpired, s.Status(ctx, "A"))

			_, err = s.ConfirmCode(ctx, code, 1)
			assert.ErrorIs(t, err, ErrCodeExpired)

			rec, ok := s.Record("A")
			require.True(t, ok)
			assert.Empty(t, rec.Code, "confirm clears the expired code")
			assert.Equal(t, StatusNoLink, s.Status(ctx, "A"))

			_, err = s.ConfirmCode(ctx, code, 1)
			assert.ErrorIs(t, err, ErrCodeExpired, "repeat confirmation is idempotent")
		})
	}
}

func TestConfirmJustBeforeExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestService(t, nil)

	code, _, err := s.RequestCode(ctx, "A")
	require.NoError(t, err)
	clk.Advance(CodeTTL - time.Nanosecond)
	_, err = s.ConfirmCode(ctx, code, 1)
	assert.NoError(t, err)
}

func TestRequestCodeWhenLinked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestService(t, nil)

	code, _, err := s.RequestCode(ctx, "A")
	require.NoError(t, err)
	_, err = s.ConfirmCode(ctx, code, 42)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err = s.RequestCode(ctx, "A")
		assert.ErrorIs(t, err, ErrAlreadyLinked)
	}
	rec, _ := s.Record("A")
	assert.Equal(t, int64(42), rec.Identity)
}

func TestReissueInvalidatesPreviousCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestService(t, nil)

	first, _, err := s.RequestCode(ctx, "A")
	require.NoError(t, err)
	clk.Advance(14 * time.Minute)
	second, _, err := s.RequestCode(ctx, "A")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = s.ConfirmCode(ctx, first, 1)
	assert.ErrorIs(t, err, ErrCodeNotFound)

	// the clock restarted at re-issue
	clk.Advance(10 * time.Minute)
	acc, err := s.ConfirmCode(ctx, second, 1)
	require.NoError(t, err)
	assert.Equal(t, "A", acc)
}

func TestReissueAfterExpiryClearsTombstone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestService(t, nil)

	old, _, _ := s.RequestCode(ctx, "A")
	clk.Advance(CodeTTL)
	_, err := s.ConfirmCode(ctx, old, 1)
	require.ErrorIs(t, err, ErrCodeExpired)

	fresh, _, err := s.RequestCode(ctx, "A")
	require.NoError(t, err)
	_, err = s.ConfirmCode(ctx, old, 1)
	assert.ErrorIs(t, err, ErrCodeNotFound)
	_, err = s.ConfirmCode(ctx, fresh, 1)
	assert.NoError(t, err)
}

func TestUnknownCode(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, nil)
	_, err := s.ConfirmCode(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, ErrCodeNotFound)
	_, err = s.ConfirmCode(context.Background(), "", 1)
	assert.ErrorIs(t, err, ErrCodeNotFound)
	assert.Equal(t, StatusNoLink, s.Status(context.Background(), "ghost"))
}

func TestCodeCollisionRegenerates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestService(t, nil)
	seq := []string{"dup", "dup", "fresh"}
	s.newCode = func() string { c := seq[0]; seq = seq[1:]; return c }

	c1, _, err := s.RequestCode(ctx, "A")
	require.NoError(t, err)
	c2, _, err := s.RequestCode(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "dup", c1)
	assert.Equal(t, "fresh", c2)
}

type failingStore struct{ storage.LinkStore }

func (failingStore) Set(context.Context, int64, string) error { return errors.New("disk full") }

func TestConfirmRollsBackOnStoreFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestService(t, failingStore{storage.NewMemory()})

	code, _, _ := s.RequestCode(ctx, "A")
	_, err := s.ConfirmCode(ctx, code, 9)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCodeNotFound)
	assert.Equal(t, StatusPending, s.Status(ctx, "A"))

	rec, _ := s.Record("A")
	assert.Equal(t, code, rec.Code)
	assert.False(t, rec.Linked)
}

func TestRequestThrottle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(storage.NewMemory(), logx.Nop(), Options{RequestLimit: 2, RequestWindow: time.Hour})

	for i := 0; i < 2; i++ {
		_, _, err := s.RequestCode(ctx, "A")
		require.NoError(t, err)
	}
	_, _, err := s.RequestCode(ctx, "A")
	assert.ErrorIs(t, err, ErrRateLimited)

	_, _, err = s.RequestCode(ctx, "B")
	assert.NoError(t, err, "throttle is per account")
}

func TestHydrateRestoresLinkedAccounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Set(ctx, 10, "A"))
	require.NoError(t, store.Set(ctx, 11, ""))

	s, _ := newTestService(t, store)
	require.NoError(t, s.Hydrate(ctx))

	assert.Equal(t, StatusLinked, s.Status(ctx, "A"))
	_, _, err := s.RequestCode(ctx, "A")
	assert.ErrorIs(t, err, ErrAlreadyLinked)
}

func TestConcurrentConfirmOnlyOneWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestService(t, nil)
	code, _, _ := s.RequestCode(ctx, "A")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := s.ConfirmCode(ctx, code, id); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

type stubRemote struct {
	acc string
	err error
}

func (r stubRemote) ConfirmLink(context.Context, string, int64) (string, error) { return r.acc, r.err }

func TestRemoteConfirmer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()

	c := &RemoteConfirmer{Remote: stubRemote{acc: "77"}, Store: store}
	acc, err := c.ConfirmCode(ctx, "x", 5)
	require.NoError(t, err)
	assert.Equal(t, "77", acc)
	got, _, _ := store.Get(ctx, 5)
	assert.Equal(t, "77", got)

	c = &RemoteConfirmer{Remote: stubRemote{err: fmt.Errorf("remote: %w", ErrCodeExpired)}, Store: store}
	_, err = c.ConfirmCode(ctx, "y", 6)
	assert.ErrorIs(t, err, ErrCodeExpired)
	_, ok, _ := store.Get(ctx, 6)
	assert.False(t, ok)
}
