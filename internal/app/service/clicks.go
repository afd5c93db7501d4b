package service

import (
	"context"
	"fmt"
	"time"

	metrics "github.com/sifan077/SafeLink/internal/infra/prometheus"
	"go.uber.org/zap"
)

// ClickMirror applies an optimistic click to the lookup tier.
type ClickMirror interface {
	IncrementClicks(ctx context.Context, key string, at time.Time) error
}

// ClickCounter is the durable counter.
type ClickCounter interface {
	IncrementClicks(ctx context.Context, key string) error
}

// ClickRecorder counts one resolution of a key.
type ClickRecorder struct {
	mirror  ClickMirror
	counter ClickCounter
	logger  *zap.Logger
	now     func() time.Time
}

// NewClickRecorder builds a recorder; mirror may be nil.
func NewClickRecorder(mirror ClickMirror, counter ClickCounter, logger *zap.Logger) *ClickRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickRecorder{mirror: mirror, counter: counter, logger: logger, now: time.Now}
}

// Record increments the stored counter atomically and only then mirrors the
// click in the cache so the owner sees it at once. A failed store write is
// never mirrored, so a redelivered click is not counted twice in the cache.
// The store write produces the change notification other processes observe.
func (r *ClickRecorder) Record(ctx context.Context, key string) error {
	if err := r.counter.IncrementClicks(ctx, key); err != nil {
		metrics.ClicksRecorded.WithLabelValues("failed").Inc()
		return fmt.Errorf("record click %s: %w", key, err)
	}
	metrics.ClicksRecorded.WithLabelValues("ok").Inc()
	if r.mirror != nil {
		if err := r.mirror.IncrementClicks(ctx, key, r.now()); err != nil {
			r.logger.Warn("optimistic click mirror failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// ClickSink receives resolved keys once the redirect has been produced.
type ClickSink interface {
	Dispatch(key string)
}

// AsyncClickSink records clicks on the in-process task runner.
type AsyncClickSink struct {
	tasks    TaskSubmitter
	recorder *ClickRecorder
	logger   *zap.Logger
}

func NewAsyncClickSink(tasks TaskSubmitter, recorder *ClickRecorder, logger *zap.Logger) *AsyncClickSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncClickSink{tasks: tasks, recorder: recorder, logger: logger}
}

func (s *AsyncClickSink) Dispatch(key string) {
	s.tasks.Submit("click", func(ctx context.Context) {
		if err := s.recorder.Record(ctx, key); err != nil {
			s.logger.Error("failed to record click", zap.String("key", key), zap.Error(err))
		}
	})
}
