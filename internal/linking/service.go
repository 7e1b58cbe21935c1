package linking

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Options tunes the request throttle. Zero RequestLimit disables it.
type Options struct {
	RequestLimit  int
	RequestWindow time.Duration
}

// Service is the in-process linking state machine:
//
//	NoLink -> CodeIssued -> Linked
//	CodeIssued -> Expired -> NoLink (cleared by ConfirmCode)
//
// Records live in memory; confirmed links are persisted to the LinkStore.
type Service struct {
	store storage.LinkStore
	log   logx.Logger

	mu      sync.Mutex
	records map[string]*Record
	codes   map[string]string // outstanding code -> account
	expired map[string]string // cleared expired code -> account

	throttle *throttle
	clock    func() time.Time
	newCode  func() string
}

func New(store storage.LinkStore, log logx.Logger, opts Options) *Service {
	return &Service{
		store:    store,
		log:      log,
		records:  map[string]*Record{},
		codes:    map[string]string{},
		expired:  map[string]string{},
		throttle: newThrottle(opts.RequestLimit, opts.RequestWindow),
		clock:    time.Now,
		newCode:  randomCode,
	}
}

func randomCode() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Hydrate marks every account found in the store as linked so that
// Status and AlreadyLinked survive a restart. Outstanding codes do not.
func (s *Service) Hydrate(ctx context.Context) error {
	all, err := s.store.All(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for identity, acc := range all {
		if acc == "" {
			continue
		}
		s.records[acc] = &Record{AccountID: acc, Identity: identity, Linked: true}
		n++
	}
	s.log.Info("linking state hydrated", logx.Int("linked", n))
	return nil
}

// RequestCode issues a fresh code for accountID, replacing any outstanding one.
func (s *Service) RequestCode(ctx context.Context, accountID string) (string, time.Time, error) {
	_ = ctx
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", time.Time{}, errors.New("account_id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[accountID]
	if rec != nil && rec.Linked {
		return "", time.Time{}, ErrAlreadyLinked
	}
	if !s.throttle.Allow(accountID) {
		return "", time.Time{}, ErrRateLimited
	}
	if rec == nil {
		rec = &Record{AccountID: accountID}
		s.records[accountID] = rec
	}

	code := s.newCode()
	for i := 0; s.codes[code] != "" || s.expired[code] != ""; i++ {
		if i >= 8 {
			return "", time.Time{}, errors.New("could not generate a unique code")
		}
		code = s.newCode()
	}

	if rec.Code != "" {
		delete(s.codes, rec.Code)
	}
	s.forgetExpiredLocked(accountID)

	now := s.clock()
	rec.Code = code
	rec.IssuedAt = now
	s.codes[code] = accountID

	s.log.Debug("link code issued", logx.String("account", accountID))
	return code, now.Add(CodeTTL), nil
}

// ConfirmCode binds identity to the account holding code and persists the mapping.
func (s *Service) ConfirmCode(ctx context.Context, code string, identity int64) (string, error) {
	code = strings.TrimSpace(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.expired[code]; ok {
		return "", ErrCodeExpired
	}
	accountID, ok := s.codes[code]
	if !ok || code == "" {
		return "", ErrCodeNotFound
	}
	rec := s.records[accountID]
	if rec == nil || rec.Code != code {
		delete(s.codes, code)
		return "", ErrCodeNotFound
	}

	if s.clock().Sub(rec.IssuedAt) >= CodeTTL {
		delete(s.codes, code)
		rec.Code = ""
		rec.IssuedAt = time.Time{}
		s.expired[code] = accountID
		s.log.Info("link code expired", logx.String("account", accountID))
		return "", ErrCodeExpired
	}

	if err := s.store.Set(ctx, identity, accountID); err != nil {
		return "", fmt.Errorf("persist chat mapping: %w", err)
	}

	delete(s.codes, code)
	rec.Code = ""
	rec.Identity = identity
	rec.Linked = true
	s.log.Info("account linked", logx.String("account", accountID), logx.Int64("identity", identity))
	return accountID, nil
}

// Status reports the account's state without changing it.
func (s *Service) Status(ctx context.Context, accountID string) Status {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[strings.TrimSpace(accountID)]
	switch {
	case rec == nil:
		return StatusNoLink
	case rec.Linked:
		return StatusLinked
	case rec.Code == "":
		return StatusNoLink
	case s.clock().Sub(rec.IssuedAt) >= CodeTTL:
		return StatusExpired
	default:
		return StatusPending
	}
}

// Record returns a copy of the account's record.
func (s *Service) Record(accountID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[accountID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (s *Service) forgetExpiredLocked(accountID string) {
	for c, acc := range s.expired {
		if acc == accountID {
			delete(s.expired, c)
		}
	}
}
