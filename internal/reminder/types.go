package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnavailable means the session source could not answer this cycle.
	// Callers skip the account; it is not the same as "no sessions".
	ErrUnavailable = errors.New("session source unavailable")
	// ErrMalformed marks a session record whose date or time cannot be parsed.
	ErrMalformed = errors.New("malformed session record")
)

const (
	RecurrenceOnce   = "once"
	RecurrenceWeekly = "weekly"
)

// SessionRecord is one training session as returned by the account service.
type SessionRecord struct {
	ID         string
	Date       string // YYYY-MM-DD
	Time       string // HH:MM[:SS]
	Recurrence string
	DaysOfWeek []string
	Profile    string
}

// SessionSource lists sessions for an account.
type SessionSource interface {
	ListSessions(ctx context.Context, accountID string) ([]SessionRecord, error)
}

type Rule int

const (
	RuleNone Rule = iota
	RuleWeekly
)

func (r Rule) String() string {
	if r == RuleWeekly {
		return "weekly"
	}
	return "none"
}

// Occurrence is one concrete future delivery instant for a session.
// Weekly occurrences carry their time-of-day so they can be re-armed.
type Occurrence struct {
	SessionID string
	AccountID string
	FireAt    time.Time
	Rule      Rule
	Weekday   time.Weekday
	Hour      int
	Minute    int
	Second    int
	Text      string
}

// Key identifies the occurrence within its session.
//
//	once:<RFC3339 fire_at>
//	weekly:<weekday>:<HH:MM:SS>
func (o Occurrence) Key() string {
	if o.Rule == RuleWeekly {
		return fmt.Sprintf("weekly:%s:%02d:%02d:%02d", strings.ToLower(o.Weekday.String()), o.Hour, o.Minute, o.Second)
	}
	return "once:" + o.FireAt.Format(time.RFC3339)
}

// JobKey identifies the armed job across all accounts.
type JobKey struct {
	AccountID  string
	SessionID  string
	Occurrence string
}

func (o Occurrence) JobKey() JobKey {
	return JobKey{AccountID: o.AccountID, SessionID: o.SessionID, Occurrence: o.Key()}
}

func (k JobKey) String() string {
	return "reminder:" + k.AccountID + ":" + k.SessionID + ":" + k.Occurrence
}
