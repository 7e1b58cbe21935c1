package scheduler

import (
	"errors"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	// Overlap skips are normal for the refresh cycle.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	if !errors.Is(err, engine.ErrQueueFull) {
		s.publish(eventbus.TypeTaskDropped, engine.TaskEvent{Name: name, Started: time.Now(), Error: err.Error()})
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
