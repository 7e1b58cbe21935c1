package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/linking"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	ch   chan string
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan string, 16)}
}

func (s *recordingSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()
	s.ch <- text
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

type fakeConfirmer struct {
	accountID string
	err       error
	links     storage.LinkStore
}

func (c *fakeConfirmer) ConfirmCode(ctx context.Context, code string, identity int64) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	if c.links != nil {
		_ = c.links.Set(ctx, identity, c.accountID)
	}
	return c.accountID, nil
}

type fakeSessions struct {
	recs []reminder.SessionRecord
	err  error
}

func (f *fakeSessions) FetchUpcoming(context.Context, string) ([]reminder.SessionRecord, error) {
	return f.recs, f.err
}

type fakeIndex map[string][]reminder.Occurrence

func (f fakeIndex) JobsFor(accountID string) []reminder.Occurrence { return f[accountID] }

type fakeRefresher struct {
	mu       sync.Mutex
	accounts []string
}

func (f *fakeRefresher) RefreshAccount(_ context.Context, accountID string) error {
	f.mu.Lock()
	f.accounts = append(f.accounts, accountID)
	f.mu.Unlock()
	return nil
}

func newHandlers(t *testing.T) (*Handlers, *recordingSender, *fakeRefresher) {
	t.Helper()
	snd := newRecordingSender()
	ref := &fakeRefresher{}
	links := storage.NewMemory()
	return &Handlers{
		Confirmer: &fakeConfirmer{accountID: "acc-1", links: links},
		Links:     links,
		Sessions:  &fakeSessions{},
		Reminders: fakeIndex{},
		Refresher: ref,
		Sender:    snd,
		Log:       logx.Nop(),
	}, snd, ref
}

func request(chatID int64, args ...string) *Request {
	return &Request{Chat: kit.ChatTarget{ChatID: chatID}, FromID: chatID, Args: args, Logger: logx.Nop()}
}

func TestStartWithCodeLinksAndRefreshes(t *testing.T) {
	h, snd, ref := newHandlers(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeLinkConfirmed)
	defer unsub()
	h.Bus = bus

	require.NoError(t, h.start(context.Background(), request(42, "abc123")))
	assert.Equal(t, []string{msgLinked}, snd.sent)
	assert.Equal(t, []string{"acc-1"}, ref.accounts)

	e := <-events
	assert.Equal(t, "acc-1", e.Data)
}

func TestStartWithCodeListsSessions(t *testing.T) {
	h, snd, ref := newHandlers(t)
	recs := []reminder.SessionRecord{{ID: "s1", Date: "2024-06-03", Time: "18:00:00", Recurrence: "once"}}
	h.Sessions = &fakeSessions{recs: recs}

	require.NoError(t, h.start(context.Background(), request(42, "abc123")))
	assert.Equal(t, []string{msgLinked, formatSessions(recs)}, snd.sent)
	assert.Equal(t, []string{"acc-1"}, ref.accounts)
}

func TestStartWithCodeSurvivesSessionFetchFailure(t *testing.T) {
	h, snd, ref := newHandlers(t)
	h.Sessions = &fakeSessions{err: reminder.ErrUnavailable}

	require.NoError(t, h.start(context.Background(), request(42, "abc123")))
	assert.Equal(t, []string{msgLinked}, snd.sent)
	assert.Equal(t, []string{"acc-1"}, ref.accounts)
}

func TestStartWithoutCodeSendsInstructions(t *testing.T) {
	h, snd, ref := newHandlers(t)
	require.NoError(t, h.start(context.Background(), request(42)))
	assert.Equal(t, []string{msgWelcome}, snd.sent)
	assert.Empty(t, ref.accounts)
}

func TestStartRejections(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{linking.ErrCodeNotFound, msgCodeNotFound},
		{fmt.Errorf("remote: %w", linking.ErrCodeExpired), msgCodeExpired},
		{linking.ErrAlreadyLinked, msgAlreadyLinked},
		{errors.New("connection refused"), msgLinkFailed},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			h, snd, ref := newHandlers(t)
			h.Confirmer = &fakeConfirmer{err: tc.err}
			require.NoError(t, h.start(context.Background(), request(7, "code")))
			assert.Equal(t, []string{tc.want}, snd.sent)
			assert.Empty(t, ref.accounts)
		})
	}
}

func TestSessionsRequiresLink(t *testing.T) {
	h, snd, _ := newHandlers(t)
	require.NoError(t, h.sessions(context.Background(), request(5)))
	assert.Equal(t, []string{msgNotLinked}, snd.sent)
}

func TestSessionsListsUpcoming(t *testing.T) {
	h, snd, _ := newHandlers(t)
	require.NoError(t, h.Links.Set(context.Background(), 5, "acc-1"))
	h.Sessions = &fakeSessions{recs: []reminder.SessionRecord{
		{ID: "1", Date: "2026-10-20", Time: "18:00"},
		{ID: "2", Time: "09:00", Recurrence: "weekly", DaysOfWeek: []string{"monday", "thursday"}},
	}}

	require.NoError(t, h.sessions(context.Background(), request(5)))
	require.Len(t, snd.sent, 1)
	assert.Contains(t, snd.sent[0], "2026-10-20 18:00")
	assert.Contains(t, snd.sent[0], "(weekly: monday, thursday)")
}

func TestSessionsFetchFailure(t *testing.T) {
	h, snd, _ := newHandlers(t)
	require.NoError(t, h.Links.Set(context.Background(), 5, "acc-1"))
	h.Sessions = &fakeSessions{err: reminder.ErrUnavailable}

	err := h.sessions(context.Background(), request(5))
	assert.ErrorIs(t, err, reminder.ErrUnavailable)
	assert.Equal(t, []string{msgFetchFailed}, snd.sent)
}

func TestStatusCountsReminders(t *testing.T) {
	h, snd, _ := newHandlers(t)
	require.NoError(t, h.Links.Set(context.Background(), 5, "acc-1"))
	at := time.Date(2026, 10, 20, 17, 0, 0, 0, time.UTC)
	h.Reminders = fakeIndex{"acc-1": {{AccountID: "acc-1", FireAt: at}, {AccountID: "acc-1", FireAt: at.Add(time.Hour)}}}

	require.NoError(t, h.status(context.Background(), request(5)))
	assert.Equal(t, []string{"🔔 2 reminder(s) scheduled. Next: 2026-10-20 17:00"}, snd.sent)
}

func TestRouterDispatchesCommandsAndText(t *testing.T) {
	h, snd, _ := newHandlers(t)
	h.Sender = snd
	r := NewRouter(logx.Nop(), snd, RouterOptions{Workers: 1})
	r.SetRegistry(h.Commands(), h.TextRoutes())

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 4)
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(ctx, updates) }()

	send := func(text string) string {
		updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 9, FromID: 9, Text: text}}
		select {
		case got := <-snd.ch:
			return got
		case <-time.After(2 * time.Second):
			t.Fatalf("no reply to %q", text)
			return ""
		}
	}

	assert.Equal(t, msgWelcome, send("/start@remind_bot"))
	assert.Equal(t, msgNotLinked, send("/calendar"))
	assert.Equal(t, msgNotLinked, send("📅 Get training calendar"))
	assert.Equal(t, "Unknown command. Try /help", send("/nope"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestMenuCommandsSkipAliases(t *testing.T) {
	h, _, _ := newHandlers(t)
	r := NewRouter(logx.Nop(), newRecordingSender(), RouterOptions{})
	r.SetRegistry(h.Commands(), nil)
	menu := r.MenuCommands()
	require.Len(t, menu, 4)
	assert.Equal(t, "start", menu[0].Command)
}
