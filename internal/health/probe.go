// Package health gates startup on the account service being reachable.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

// ErrUnhealthy is returned when every probe attempt failed.
var ErrUnhealthy = errors.New("account service unhealthy")

// Pinger checks a dependency once.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Enabled         bool
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	return c
}

// WaitReady pings until the first success or MaxAttempts failures.
func WaitReady(ctx context.Context, cfg Config, p Pinger, log logx.Logger, bus eventbus.Bus) error {
	if !cfg.Enabled {
		return nil
	}
	cfg = cfg.withDefaults()
	start := time.Now()
	attempt := 0

	op := func() (struct{}, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		defer cancel()
		return struct{}{}, p.Ping(actx)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialInterval,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         cfg.MaxInterval,
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("health probe failed",
				logx.Int("attempt", attempt),
				logx.Int("max_attempts", cfg.MaxAttempts),
				logx.Duration("retry_in", next),
				logx.Err(err))
			if bus != nil {
				bus.Publish(eventbus.Event{Type: eventbus.TypeHealthProbeError, Data: err.Error()})
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("%w after %d attempt(s): %w", ErrUnhealthy, attempt, err)
	}
	log.Info("account service healthy", logx.Int("attempts", attempt), logx.Duration("took", time.Since(start)))
	return nil
}
