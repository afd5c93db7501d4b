package service

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/SafeLink/internal/app/model"
	"go.uber.org/zap"
)

// ClickPublisher publishes click events to NATS JetStream
type ClickPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewClickPublisher creates a new click event publisher
func NewClickPublisher(js nats.JetStreamContext, logger *zap.Logger) *ClickPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickPublisher{js: js, logger: logger}
}

// Publish publishes a click event to the stream and waits for the ack.
func (p *ClickPublisher) Publish(key string) error {
	event, data, err := newClickEvent(key)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(model.ClickStreamSubject, data, nats.MsgId(event.ID))
	return err
}

// Dispatch hands the event to JetStream without waiting for the ack.
func (p *ClickPublisher) Dispatch(key string) {
	event, data, err := newClickEvent(key)
	if err == nil {
		_, err = p.js.PublishAsync(model.ClickStreamSubject, data, nats.MsgId(event.ID))
	}
	if err != nil {
		p.logger.Error("failed to publish click event", zap.String("key", key), zap.Error(err))
	}
}

func newClickEvent(key string) (model.ClickEvent, []byte, error) {
	event := model.ClickEvent{
		ID:        uuid.New().String(),
		Key:       key,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(event)
	return event, data, err
}
