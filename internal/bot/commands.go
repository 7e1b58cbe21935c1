package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"remindbot/internal/eventbus"
	"remindbot/internal/linking"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// SessionLister returns an account's upcoming sessions.
type SessionLister interface {
	FetchUpcoming(ctx context.Context, accountID string) ([]reminder.SessionRecord, error)
}

// ReminderIndex reports armed reminders per account.
type ReminderIndex interface {
	JobsFor(accountID string) []reminder.Occurrence
}

// AccountRefresher rebuilds one account's reminders.
type AccountRefresher interface {
	RefreshAccount(ctx context.Context, accountID string) error
}

// Handlers implements the user-facing commands.
type Handlers struct {
	Confirmer linking.Confirmer
	Links     storage.LinkStore
	Sessions  SessionLister
	Reminders ReminderIndex
	Refresher AccountRefresher
	Sender    kit.Sender
	Bus       eventbus.Bus
	Log       logx.Logger
}

const (
	msgWelcome       = "Welcome! This chat is not linked to an account yet. Request a link code on the website and open the link (or send /start <code>)."
	msgLinked        = "✅ Your account is now linked. You will get a reminder before every training session."
	msgNotLinked     = "❌ This chat is not linked to an account. Use /start with your link code."
	msgCodeNotFound  = "❌ This link code is not valid. Request a new one on the website."
	msgCodeExpired   = "❌ This link code has expired. Request a new one on the website."
	msgAlreadyLinked = "❌ This account is already linked to another chat."
	msgLinkFailed    = "❌ Linking failed. Please try again later."
	msgNoSessions    = "📅 You have no upcoming training sessions."
	msgFetchFailed   = "❌ Could not load your sessions right now. Please try again later."
)

// Commands returns the command table.
func (h *Handlers) Commands() []Command {
	return []Command{
		{Name: "start", Description: "link this chat with a code", Usage: "/start <code>", Handle: h.start},
		{Name: "sessions", Aliases: []string{"calendar"}, Description: "list upcoming sessions", Handle: h.sessions},
		{Name: "status", Description: "show armed reminders", Handle: h.status},
		{Name: "help", Description: "show help", Handle: h.help},
	}
}

// TextRoutes returns plain-text triggers.
func (h *Handlers) TextRoutes() []TextRoute {
	return []TextRoute{{Name: "calendar", Match: isCalendarText, Handle: h.sessions}}
}

func isCalendarText(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "calendar") || strings.Contains(t, "календар")
}

func (h *Handlers) reply(ctx context.Context, req *Request, text string) error {
	_, err := h.Sender.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (h *Handlers) start(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 || strings.TrimSpace(req.Args[0]) == "" {
		return h.reply(ctx, req, msgWelcome)
	}
	code := strings.TrimSpace(req.Args[0])

	accountID, err := h.Confirmer.ConfirmCode(ctx, code, req.Chat.ChatID)
	if err != nil {
		req.Logger.Info("link rejected", logx.Err(err))
		return h.reply(ctx, req, rejectionText(err))
	}

	if h.Bus != nil {
		h.Bus.Publish(eventbus.Event{Type: eventbus.TypeLinkConfirmed, Data: accountID})
	}
	if err := h.reply(ctx, req, msgLinked); err != nil {
		return err
	}
	if recs, err := h.Sessions.FetchUpcoming(ctx, accountID); err != nil {
		req.Logger.Warn("session list after link failed", logx.String("account", accountID), logx.Err(err))
	} else if len(recs) > 0 {
		if err := h.reply(ctx, req, formatSessions(recs)); err != nil {
			return err
		}
	}
	if h.Refresher != nil {
		if err := h.Refresher.RefreshAccount(ctx, accountID); err != nil {
			// The periodic cycle retries.
			req.Logger.Warn("refresh after link failed", logx.String("account", accountID), logx.Err(err))
		}
	}
	return nil
}

func rejectionText(err error) string {
	switch {
	case errors.Is(err, linking.ErrCodeExpired):
		return msgCodeExpired
	case errors.Is(err, linking.ErrCodeNotFound):
		return msgCodeNotFound
	case errors.Is(err, linking.ErrAlreadyLinked):
		return msgAlreadyLinked
	default:
		return msgLinkFailed
	}
}

func (h *Handlers) account(ctx context.Context, req *Request) (string, bool, error) {
	accountID, ok, err := h.Links.Get(ctx, req.Chat.ChatID)
	if err != nil {
		return "", false, fmt.Errorf("lookup chat mapping: %w", err)
	}
	return accountID, ok && accountID != "", nil
}

func (h *Handlers) sessions(ctx context.Context, req *Request) error {
	accountID, ok, err := h.account(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		return h.reply(ctx, req, msgNotLinked)
	}

	recs, err := h.Sessions.FetchUpcoming(ctx, accountID)
	if err != nil {
		_ = h.reply(ctx, req, msgFetchFailed)
		return err
	}
	if len(recs) == 0 {
		return h.reply(ctx, req, msgNoSessions)
	}
	return h.reply(ctx, req, formatSessions(recs))
}

func formatSessions(recs []reminder.SessionRecord) string {
	var b strings.Builder
	b.WriteString("📋 Your training sessions:\n")
	for _, r := range recs {
		date := r.Date
		if date == "" {
			date = "n/a"
		}
		b.WriteString("\n🔹 ")
		b.WriteString(date)
		b.WriteString(" ")
		b.WriteString(r.Time)
		if strings.EqualFold(r.Recurrence, reminder.RecurrenceWeekly) {
			b.WriteString(" (weekly")
			if len(r.DaysOfWeek) > 0 {
				b.WriteString(": ")
				b.WriteString(strings.Join(r.DaysOfWeek, ", "))
			}
			b.WriteString(")")
		}
	}
	return b.String()
}

func (h *Handlers) status(ctx context.Context, req *Request) error {
	accountID, ok, err := h.account(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		return h.reply(ctx, req, msgNotLinked)
	}
	jobs := h.Reminders.JobsFor(accountID)
	if len(jobs) == 0 {
		return h.reply(ctx, req, "🔕 No reminders are scheduled for your account.")
	}
	next := jobs[0].FireAt
	return h.reply(ctx, req, fmt.Sprintf("🔔 %d reminder(s) scheduled. Next: %s", len(jobs), next.Format("2006-01-02 15:04")))
}

func (h *Handlers) help(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range h.Commands() {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		b.WriteString(" - ")
		b.WriteString(c.Description)
		b.WriteString("\n")
	}
	return h.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
}
