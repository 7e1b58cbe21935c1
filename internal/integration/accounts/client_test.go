package accounts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/linking"
	"remindbot/internal/reminder"
)

func TestListSessionsSendsContract(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/user-training-sessions/", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("id"))
		assert.Equal(t, "Api-Key secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[
			{"id": 7, "date": "2024-07-01", "time": "18:00:00", "recurrence": "weekly", "days_of_week": "Monday,Thursday", "profile": 3},
			{"id": "8", "date": "2024-07-02", "time": "09:30", "recurrence": "once", "days_of_week": null, "profile": null}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", "", time.Second, nil)
	got, err := c.ListSessions(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, reminder.SessionRecord{
		ID: "7", Date: "2024-07-01", Time: "18:00:00", Recurrence: "weekly",
		DaysOfWeek: []string{"Monday", "Thursday"}, Profile: "3",
	}, got[0])
	assert.Equal(t, "8", got[1].ID)
	assert.Nil(t, got[1].DaysOfWeek)
}

func TestListSessionsPaginatedEnvelope(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"count": 1, "results": [{"id": 1, "date": "2030-01-01", "time": "10:00:00", "recurrence": "once", "days_of_week": ["Sunday"]}]}`))
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, "", "", 0, nil).ListSessions(context.Background(), "1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"Sunday"}, got[0].DaysOfWeek)
}

func TestListSessionsUnavailable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"500", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "boom", http.StatusInternalServerError) }},
		{"403", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) }},
		{"garbage", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html>")) }},
		{"object", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"detail":"x"}`)) }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			got, err := NewClient(srv.URL, "k", "", time.Second, nil).ListSessions(context.Background(), "C")
			assert.ErrorIs(t, err, reminder.ErrUnavailable)
			assert.Nil(t, got)
		})
	}
}

func TestListSessionsTransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "k", "", time.Second, nil).ListSessions(context.Background(), "C")
	assert.ErrorIs(t, err, reminder.ErrUnavailable)
}

func TestConfirmLink(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		status  int
		body    string
		wantAcc string
		wantErr error
	}{
		{"linked", 200, `{"status":"linked","account_id":15}`, "15", nil},
		{"expired", 400, `{"status":"error","detail":"Code expired"}`, "", linking.ErrCodeExpired},
		{"not found", 400, `{"status":"error","detail":"Code not found"}`, "", linking.ErrCodeNotFound},
		{"invalid", 400, `{"status":"error","detail":"Invalid code"}`, "", linking.ErrCodeNotFound},
		{"already", 409, `{"status":"error","detail":"Already linked"}`, "", linking.ErrAlreadyLinked},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/link-telegram/confirm/", r.URL.Path)
				var req confirmRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "abc", req.Code)
				assert.Equal(t, int64(99), req.TelegramUserID)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			acc, err := NewClient(srv.URL, "k", "", time.Second, nil).ConfirmLink(context.Background(), "abc", 99)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantAcc, acc)
		})
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer healthy.Close()
	assert.NoError(t, NewClient(healthy.URL, "", "healthz", time.Second, nil).Ping(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	assert.Error(t, NewClient(down.URL, "", "/healthz", time.Second, nil).Ping(context.Background()))
}
