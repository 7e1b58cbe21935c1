package linkapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"remindbot/internal/linking"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	svc := linking.New(store, logx.Nop(), linking.Options{RequestLimit: 2})
	return New(Config{}, svc, logx.Nop()), store
}

func do(t *testing.T, s *Server, method, target, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestLinkFlow(t *testing.T) {
	s, store := newServer(t)
	var linked string
	s.OnLinked = func(accountID string, _ int64) { linked = accountID }

	code, body := do(t, s, http.MethodPost, "/api/link-telegram/", `{"account_id":"acc-1"}`)
	require.Equal(t, http.StatusCreated, code)
	linkCode, _ := body["code"].(string)
	require.NotEmpty(t, linkCode)
	assert.NotEmpty(t, body["expires_at"])

	code, body = do(t, s, http.MethodGet, "/api/link-telegram/status/?account_id=acc-1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["status"])

	code, body = do(t, s, http.MethodPost, "/api/link-telegram/confirm/", `{"code":"`+linkCode+`","telegram_user_id":"4242"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "linked", body["status"])
	assert.Equal(t, "acc-1", body["account_id"])
	assert.Equal(t, "acc-1", linked)

	got, ok, err := store.Get(context.Background(), 4242)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acc-1", got)

	code, _ = do(t, s, http.MethodPost, "/api/link-telegram/", `{"account_id":"acc-1"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestConfirmUnknownCode(t *testing.T) {
	s, _ := newServer(t)
	code, body := do(t, s, http.MethodPost, "/api/link-telegram/confirm/", `{"code":"nope","telegram_user_id":7}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, linking.ErrCodeNotFound.Error(), body["detail"])
}

func TestValidation(t *testing.T) {
	s, _ := newServer(t)
	code, body := do(t, s, http.MethodPost, "/api/link-telegram/", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["detail"], "accountid is required")

	code, _ = do(t, s, http.MethodPost, "/api/link-telegram/confirm/", `{"code":"x","telegram_user_id":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodGet, "/api/link-telegram/status/", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRequestThrottle(t *testing.T) {
	s, _ := newServer(t)
	for i := 0; i < 2; i++ {
		code, _ := do(t, s, http.MethodPost, "/api/link-telegram/", `{"account_id":"acc-2"}`)
		require.Equal(t, http.StatusCreated, code)
	}
	code, _ := do(t, s, http.MethodPost, "/api/link-telegram/", `{"account_id":"acc-2"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestHealthz(t *testing.T) {
	s, _ := newServer(t)
	code, body := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}
