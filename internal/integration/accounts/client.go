// Package accounts is the HTTP client for the account/session service.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"remindbot/internal/linking"
	"remindbot/internal/reminder"
)

const (
	sessionsPath    = "/api/user-training-sessions/"
	confirmLinkPath = "/api/link-telegram/confirm/"
	maxBodyBytes    = 4 << 20
)

type HTTPClient struct {
	baseURL    string
	apiKey     string
	healthPath string
	httpClient *http.Client
}

// NewClient builds a client. timeout applies per request when httpClient is nil.
func NewClient(baseURL, apiKey, healthPath string, timeout time.Duration, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	healthPath = strings.TrimSpace(healthPath)
	if healthPath == "" {
		healthPath = sessionsPath
	}
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		healthPath: healthPath,
		httpClient: httpClient,
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Api-Key "+c.apiKey)
	}
	return req, nil
}

func (c *HTTPClient) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, b, nil
}

// ListSessions calls GET /api/user-training-sessions/?id=<account>.
// Every failure is reported as reminder.ErrUnavailable.
func (c *HTTPClient) ListSessions(ctx context.Context, accountID string) ([]reminder.SessionRecord, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: accounts.base_url not configured", reminder.ErrUnavailable)
	}
	req, err := c.newRequest(ctx, http.MethodGet, sessionsPath+"?id="+url.QueryEscape(accountID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", reminder.ErrUnavailable, err)
	}
	status, body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reminder.ErrUnavailable, err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: status %d", reminder.ErrUnavailable, status)
	}
	recs, err := decodeSessions(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode sessions: %v", reminder.ErrUnavailable, err)
	}
	return recs, nil
}

type confirmRequest struct {
	Code           string `json:"code"`
	TelegramUserID int64  `json:"telegram_user_id"`
}

type confirmResponse struct {
	Status    string    `json:"status"`
	AccountID flexValue `json:"account_id"`
	Detail    string    `json:"detail"`
}

// ConfirmLink posts the code to the account service and returns the bound account.
func (c *HTTPClient) ConfirmLink(ctx context.Context, code string, identity int64) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", linking.ErrCodeNotFound
	}
	if c.baseURL == "" {
		return "", errors.New("accounts.base_url not configured")
	}
	payload, err := json.Marshal(confirmRequest{Code: code, TelegramUserID: identity})
	if err != nil {
		return "", fmt.Errorf("encode confirm request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, confirmLinkPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create confirm request: %w", err)
	}
	status, body, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("send confirm request: %w", err)
	}

	var parsed confirmResponse
	if jerr := json.Unmarshal(body, &parsed); jerr != nil {
		if status < 200 || status > 299 {
			return "", fmt.Errorf("confirm link: status %d", status)
		}
		return "", fmt.Errorf("decode confirm response: %w", jerr)
	}
	if status >= 200 && status <= 299 && strings.EqualFold(parsed.Status, "linked") && parsed.AccountID != "" {
		return string(parsed.AccountID), nil
	}
	return "", mapConfirmError(status, parsed.Detail)
}

func mapConfirmError(status int, detail string) error {
	d := strings.ToLower(detail)
	switch {
	case strings.Contains(d, "expired"):
		return linking.ErrCodeExpired
	case strings.Contains(d, "already"):
		return linking.ErrAlreadyLinked
	case strings.Contains(d, "not found"), strings.Contains(d, "invalid"), status == http.StatusNotFound:
		return linking.ErrCodeNotFound
	}
	if detail == "" {
		return fmt.Errorf("confirm link: status %d", status)
	}
	return fmt.Errorf("confirm link: status %d: %s", status, detail)
}

// Ping reports whether the health endpoint answers with 2xx.
func (c *HTTPClient) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return errors.New("accounts.base_url not configured")
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.healthPath, nil)
	if err != nil {
		return err
	}
	status, _, err := c.do(req)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("health: status %d", status)
	}
	return nil
}
