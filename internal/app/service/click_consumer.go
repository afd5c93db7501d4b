package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/SafeLink/internal/app/model"
	"github.com/sifan077/SafeLink/internal/app/repository"
	"go.uber.org/zap"
)

const (
	clickFetchBatch   = 10
	clickFetchWait    = 2 * time.Second
	clickStreamMaxAge = 24 * time.Hour
	clickDedupWindow  = 2 * time.Minute
)

// ClickConsumer consumes click events from NATS JetStream
type ClickConsumer struct {
	js       nats.JetStreamContext
	logger   *zap.Logger
	recorder *ClickRecorder
	done     chan struct{}
}

// NewClickConsumer creates a new click event consumer
func NewClickConsumer(js nats.JetStreamContext, logger *zap.Logger, recorder *ClickRecorder) *ClickConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickConsumer{js: js, logger: logger, recorder: recorder, done: make(chan struct{})}
}

// EnsureClickStream creates the CLICKS stream when it does not exist yet.
func EnsureClickStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(model.ClickStreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       model.ClickStreamName,
		Subjects:   []string{model.ClickStreamSubject},
		MaxBytes:   model.ClickStreamMaxBytes,
		MaxAge:     clickStreamMaxAge,
		Duplicates: clickDedupWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Start begins consuming click events until ctx is cancelled.
func (c *ClickConsumer) Start(ctx context.Context) error {
	if err := EnsureClickStream(c.js); err != nil {
		return err
	}

	// Create consumer if not exists
	if _, err := c.js.ConsumerInfo(model.ClickStreamName, model.ClickConsumerName); err != nil {
		_, err = c.js.AddConsumer(model.ClickStreamName, &nats.ConsumerConfig{
			Durable:       model.ClickConsumerName,
			AckPolicy:     nats.AckExplicitPolicy,
			FilterSubject: model.ClickStreamSubject,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := c.js.PullSubscribe(model.ClickStreamSubject, model.ClickConsumerName)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go c.consume(ctx, sub)
	return nil
}

// Done is closed once the consume loop has exited.
func (c *ClickConsumer) Done() <-chan struct{} {
	return c.done
}

func (c *ClickConsumer) consume(ctx context.Context, sub *nats.Subscription) {
	defer close(c.done)
	for ctx.Err() == nil {
		msgs, err := sub.Fetch(clickFetchBatch, nats.MaxWait(clickFetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				c.logger.Info("click consumer stopped", zap.Error(err))
				return
			}
			c.logger.Error("failed to fetch messages", zap.Error(err))
			time.Sleep(clickFetchWait / 4)
			continue
		}

		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

func (c *ClickConsumer) handle(ctx context.Context, msg *nats.Msg) {
	var event model.ClickEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil || event.Key == "" {
		c.logger.Error("dropping malformed click event", zap.Error(err))
		// Redelivery cannot fix a bad payload.
		_ = msg.Term()
		return
	}

	if err := c.recorder.Record(ctx, event.Key); err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			c.logger.Warn("click for unknown key", zap.String("key", event.Key))
			_ = msg.Term()
			return
		}
		c.logger.Error("failed to record click event",
			zap.String("id", event.ID),
			zap.String("key", event.Key),
			zap.Error(err))
		_ = msg.Nak()
		return
	}

	c.logger.Debug("click event recorded",
		zap.String("id", event.ID),
		zap.String("key", event.Key),
		zap.Time("timestamp", event.Timestamp),
	)
	_ = msg.Ack()
}
