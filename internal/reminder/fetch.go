package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "remindbot/pkg/logx"
)

// Fetcher applies the fetch policy on top of a SessionSource.
type Fetcher struct {
	Source SessionSource
	Log    logx.Logger
}

// FetchUpcoming lists an account's sessions ordered by (date, time), with
// duplicate ids removed (first wins). Any source failure is returned as
// ErrUnavailable and no partial data.
func (f *Fetcher) FetchUpcoming(ctx context.Context, accountID string) ([]SessionRecord, error) {
	recs, err := f.Source.ListSessions(ctx, accountID)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		f.Log.Error("session fetch failed", logx.String("account", accountID), logx.Err(err))
		return nil, err
	}
	return sortSessions(dedupSessions(recs)), nil
}

func dedupSessions(recs []SessionRecord) []SessionRecord {
	seen := make(map[string]bool, len(recs))
	out := make([]SessionRecord, 0, len(recs))
	for _, r := range recs {
		if r.ID != "" {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
		}
		out = append(out, r)
	}
	return out
}

// sortSessions orders by (date, time); unparseable entries keep their
// relative order at the end.
func sortSessions(recs []SessionRecord) []SessionRecord {
	type keyed struct {
		rec SessionRecord
		at  time.Time
		ok  bool
	}
	ks := make([]keyed, len(recs))
	for i, r := range recs {
		at, ok := sortKey(r)
		ks[i] = keyed{rec: r, at: at, ok: ok}
	}
	sort.SliceStable(ks, func(i, j int) bool {
		if ks[i].ok != ks[j].ok {
			return ks[i].ok
		}
		if !ks[i].ok {
			return false
		}
		return ks[i].at.Before(ks[j].at)
	})
	out := make([]SessionRecord, len(ks))
	for i, k := range ks {
		out[i] = k.rec
	}
	return out
}

func sortKey(r SessionRecord) (time.Time, bool) {
	d, err := time.Parse(dateLayout, strings.TrimSpace(r.Date))
	if err != nil {
		return time.Time{}, false
	}
	h, m, s, err := parseClock(r.Time)
	if err != nil {
		return time.Time{}, false
	}
	return d.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second), true
}
