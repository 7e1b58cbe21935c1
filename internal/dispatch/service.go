package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// ErrDeliveryFailed is returned once the retry budget of a send is spent.
var ErrDeliveryFailed = errors.New("delivery failed")

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender kit.Sender
	store  storage.DedupStore
	bus    eventbus.Bus
	log    logx.Logger

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a dispatcher. store may be nil for memory-only dedup.
func New(cfg Config, sender kit.Sender, store storage.DedupStore, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{
		sender: sender,
		store:  store,
		bus:    bus,
		log:    log,
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limiter == nil || s.cfg.RatePerSec != cfg.RatePerSec {
		// Burst equals the per-second rate.
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Send delivers text to identity with rate limiting and bounded retry.
func (s *Service) Send(ctx context.Context, identity int64, text string) error {
	_, err := s.send(ctx, identity, text)
	return err
}

func (s *Service) send(ctx context.Context, identity int64, text string) (int, error) {
	cfg, lim := s.snapshot()
	attempts := 0

	op := func() (struct{}, error) {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		_, err := s.sender.SendText(callCtx, kit.ChatTarget{ChatID: identity}, text, &kit.SendOptions{DisablePreview: true})
		if errors.Is(err, kit.ErrUnreachable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.RetryBase,
		RandomizationFactor: 0.3,
		Multiplier:          2,
		MaxInterval:         cfg.RetryMaxDelay,
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.RetryMax+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.log.Debug("send failed, retrying",
				logx.Int64("identity", identity),
				logx.Int("attempt", attempts),
				logx.Duration("backoff", d),
				logx.Err(err))
		}),
	)
	if err != nil {
		return attempts, fmt.Errorf("%w: chat %d after %d attempt(s): %w", ErrDeliveryFailed, identity, attempts, err)
	}
	return attempts, nil
}

// Deliver sends one occurrence instant to identity at most once.
func (s *Service) Deliver(ctx context.Context, occurrenceKey string, fireAt time.Time, identity int64, text string) error {
	key := dedupKey(occurrenceKey, fireAt, identity)
	ev := DeliveryEvent{Identity: identity, Key: occurrenceKey, FireAt: fireAt}

	if !s.claim(ctx, key, fireAt) {
		s.log.Debug("delivery suppressed, already sent",
			logx.String("occurrence", occurrenceKey),
			logx.Time("fire_at", fireAt),
			logx.Int64("identity", identity))
		return nil
	}

	attempts, err := s.send(ctx, identity, text)
	ev.At = time.Now()
	ev.Attempts = attempts
	item := HistoryItem{At: ev.At, Identity: identity, Key: occurrenceKey}
	if err != nil {
		ev.Error = err.Error()
		item.Error = ev.Error
		s.log.Error("reminder lost",
			logx.String("occurrence", occurrenceKey),
			logx.Time("fire_at", fireAt),
			logx.Int64("identity", identity),
			logx.Err(err))
		s.record(item)
		s.publish(eventbus.TypeDeliveryFailed, ev)
		return err
	}

	s.log.Info("reminder sent",
		logx.String("occurrence", occurrenceKey),
		logx.Int64("identity", identity),
		logx.Int("attempts", attempts))
	s.record(item)
	s.publish(eventbus.TypeDeliverySent, ev)
	return nil
}

// claim records key as delivered and reports whether it was new. The claim
// is persisted before sending so a crash mid-send loses the reminder rather
// than repeating it.
func (s *Service) claim(ctx context.Context, key string, fireAt time.Time) bool {
	cfg, _ := s.snapshot()
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.store != nil {
		until, ok, err := s.store.GetDedup(ctx, key)
		if err != nil {
			s.log.Warn("dedup lookup failed", logx.String("key", key), logx.Err(err))
		} else if ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := fireAt.Add(cfg.DedupWindow)
	if !until.After(now) {
		until = now.Add(cfg.DedupWindow)
	}

	s.dmu.Lock()
	if prev, ok := s.dedup[key]; ok && now.Before(prev) {
		// Lost a race with a concurrent claim.
		s.dmu.Unlock()
		return false
	}
	s.dedup[key] = until
	s.pruneLocked(now, cfg.DedupMaxEntries)
	s.dmu.Unlock()

	if s.store != nil {
		if err := s.store.PutDedup(ctx, key, until); err != nil {
			s.log.Warn("dedup persist failed", logx.String("key", key), logx.Err(err))
		}
	}
	return true
}

// Call with s.dmu held.
func (s *Service) pruneLocked(now time.Time, limit int) {
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > limit {
		var minKey string
		var minT time.Time
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
}

func dedupKey(occurrenceKey string, fireAt time.Time, identity int64) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", occurrenceKey, fireAt.Unix(), identity)
	return fmt.Sprintf("rem-%x", h.Sum64())
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev DeliveryEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
