package reminder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "remindbot/pkg/logx"
)

func TestFetchUpcomingSortsAndDedups(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.set("acc", []SessionRecord{
		{ID: "3", Date: "2024-06-05", Time: "10:00"},
		{ID: "x", Date: "garbage", Time: "10:00"},
		{ID: "1", Date: "2024-06-03", Time: "18:00"},
		{ID: "3", Date: "2024-06-01", Time: "08:00"},
		{ID: "2", Date: "2024-06-03", Time: "09:00:30"},
		{ID: "y", Date: "2024-06-03", Time: "late"},
	}, nil)
	f := &Fetcher{Source: src, Log: logx.Nop()}

	got, err := f.FetchUpcoming(context.Background(), "acc")
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"2", "1", "3", "x", "y"}, ids)
	assert.Equal(t, "2024-06-05", got[2].Date)
}

func TestFetchUpcomingUnavailable(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.set("acc", nil, errors.New("connection refused"))
	f := &Fetcher{Source: src, Log: logx.Nop()}

	got, err := f.FetchUpcoming(context.Background(), "acc")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
}
