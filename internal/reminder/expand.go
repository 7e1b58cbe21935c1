package reminder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "remindbot/pkg/logx"
)

const (
	dateLayout = "2006-01-02"
	textOnce   = "🔔 Reminder: training on %s at %s!"
	textWeekly = "🔔 Reminder: weekly training on %s at %s!"
)

// Expander turns session records into concrete future occurrences.
type Expander struct {
	Location       *time.Location
	DefaultWeekday time.Weekday
	Now            func() time.Time
	Log            logx.Logger
}

func (e *Expander) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Expander) loc() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.Local
}

// Expand returns the future occurrences of rec. A one-off in the past yields
// nothing. A weekly session yields one rule per distinct weekday.
func (e *Expander) Expand(rec SessionRecord, accountID string) ([]Occurrence, error) {
	h, m, sec, err := parseClock(rec.Time)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrMalformed, rec.ID, err)
	}
	loc := e.loc()

	var anchor time.Time
	if d := strings.TrimSpace(rec.Date); d != "" {
		anchor, err = time.ParseInLocation(dateLayout, d, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: session %s: date %q", ErrMalformed, rec.ID, rec.Date)
		}
	}

	switch strings.ToLower(strings.TrimSpace(rec.Recurrence)) {
	case RecurrenceWeekly:
		return e.expandWeekly(rec, accountID, anchor, h, m, sec), nil
	case RecurrenceOnce, "":
	default:
		e.Log.Debug("unknown recurrence treated as once",
			logx.String("session", rec.ID),
			logx.String("recurrence", rec.Recurrence))
	}

	if anchor.IsZero() {
		return nil, fmt.Errorf("%w: session %s: date required", ErrMalformed, rec.ID)
	}
	at := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), h, m, sec, 0, loc)
	if !at.After(e.now()) {
		return nil, nil
	}
	return []Occurrence{{
		SessionID: rec.ID,
		AccountID: accountID,
		FireAt:    at,
		Rule:      RuleNone,
		Weekday:   at.Weekday(),
		Hour:      h,
		Minute:    m,
		Second:    sec,
		Text:      fmt.Sprintf(textOnce, at.Format(dateLayout), at.Format("15:04")),
	}}, nil
}

func (e *Expander) expandWeekly(rec SessionRecord, accountID string, anchor time.Time, h, m, sec int) []Occurrence {
	loc := e.loc()
	days := e.weekdays(rec, anchor)

	// The first occurrence is never before the anchor date.
	base := e.now().In(loc)
	if !anchor.IsZero() && anchor.After(base) {
		base = anchor.Add(-time.Nanosecond)
	}

	out := make([]Occurrence, 0, len(days))
	for _, wd := range days {
		at := nextWeekday(base, wd, h, m, sec, loc)
		out = append(out, Occurrence{
			SessionID: rec.ID,
			AccountID: accountID,
			FireAt:    at,
			Rule:      RuleWeekly,
			Weekday:   wd,
			Hour:      h,
			Minute:    m,
			Second:    sec,
			Text:      fmt.Sprintf(textWeekly, wd.String(), fmt.Sprintf("%02d:%02d", h, m)),
		})
	}
	return out
}

// weekdays resolves days_of_week to distinct weekdays in first-seen order.
// Without any days the anchor date's weekday is used.
func (e *Expander) weekdays(rec SessionRecord, anchor time.Time) []time.Weekday {
	seen := make(map[time.Weekday]bool, 7)
	var out []time.Weekday
	add := func(wd time.Weekday) {
		if !seen[wd] {
			seen[wd] = true
			out = append(out, wd)
		}
	}
	for _, raw := range rec.DaysOfWeek {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		wd, ok := ParseWeekday(raw)
		if !ok {
			e.Log.Warn("unknown weekday, using default",
				logx.String("session", rec.ID),
				logx.String("weekday", raw),
				logx.String("default", e.DefaultWeekday.String()))
			wd = e.DefaultWeekday
		}
		add(wd)
	}
	if len(out) == 0 {
		if anchor.IsZero() {
			add(e.DefaultWeekday)
		} else {
			add(anchor.Weekday())
		}
	}
	return out
}

// ExpandAll expands every record, logging and skipping malformed ones.
func (e *Expander) ExpandAll(recs []SessionRecord, accountID string) []Occurrence {
	var out []Occurrence
	for _, rec := range recs {
		occ, err := e.Expand(rec, accountID)
		if err != nil {
			e.Log.Warn("session skipped",
				logx.String("account", accountID),
				logx.String("session", rec.ID),
				logx.Err(err))
			continue
		}
		out = append(out, occ...)
	}
	return out
}

// nextWeekday returns the first instant strictly after base that falls on
// wd at h:m:sec in loc.
func nextWeekday(base time.Time, wd time.Weekday, h, m, sec int, loc *time.Location) time.Time {
	base = base.In(loc)
	for d := 0; d <= 7; d++ {
		at := time.Date(base.Year(), base.Month(), base.Day()+d, h, m, sec, 0, loc)
		if at.Weekday() == wd && at.After(base) {
			return at
		}
	}
	// Unreachable: eight consecutive days cover every weekday after base.
	return time.Date(base.Year(), base.Month(), base.Day()+14, h, m, sec, 0, loc)
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts English full or short names (any case) and the
// numbers 0-6 with Sunday as 0.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if wd, ok := weekdayNames[s]; ok {
		return wd, true
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), true
	}
	return 0, false
}

// parseClock accepts HH:MM:SS and HH:MM.
func parseClock(s string) (h, m, sec int, err error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, perr := time.Parse(layout, s); perr == nil {
			return t.Hour(), t.Minute(), t.Second(), nil
		}
	}
	return 0, 0, 0, fmt.Errorf("time %q", s)
}
