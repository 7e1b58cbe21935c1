package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

func (s *Service) work(ctx context.Context, quit <-chan struct{}, q <-chan pending) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		// quit wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case p := <-q:
			s.exec(ctx, quit, p, rng)
		}
	}
}

func (s *Service) exec(ctx context.Context, quit <-chan struct{}, p pending, rng *rand.Rand) {
	if p.tracked {
		defer p.state.release()
	}
	start := time.Now()
	wait := max(start.Sub(p.queuedAt), 0)
	log := s.log.With(logx.String("task", p.task.Name))
	log.Debug("task.started", logx.Duration("queue_delay", wait))

	var err error
	attempts := 0
	for attempts < 1+p.opt.RetryMax {
		attempts++
		if err = s.runOnce(ctx, p); err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempts > p.opt.RetryMax {
			break
		}
		delay := backoffDelay(p.opt, attempts, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		if werr := sleep(ctx, quit, delay); werr != nil {
			err = werr
			break
		}
	}

	ev := TaskEvent{ID: p.task.ID, Name: p.task.Name, Started: start, QueueDelay: wait, Duration: time.Since(start), Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
		log.Warn("task.failed", logx.Err(err), logx.Duration("dur", ev.Duration), logx.Int("attempts", attempts))
		s.publish(eventbus.TypeTaskFailed, ev)
	} else {
		log.Debug("task.completed", logx.Duration("dur", ev.Duration), logx.Int("attempts", attempts))
		s.publish("task.finished", ev)
	}
	s.record(ev)
}

func sleep(ctx context.Context, quit <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-quit:
		return ErrStopping
	case <-t.C:
		return nil
	}
}

// runOnce turns a panic into an error so the worker survives it.
func (s *Service) runOnce(ctx context.Context, p pending) (err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic",
				logx.String("task", p.task.Name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return p.task.Run(ctx)
}

// backoffDelay doubles RetryBase per retry, capped at RetryMaxDelay, with jitter.
func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	if opt.RetryJitter > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
