package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/netwatch/internal/model"
)

// StreamConfig names the JetStream stream node events are stored in
type StreamConfig struct {
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

// Subject returns the subject events of typ are published on
func (c StreamConfig) Subject(typ model.NodeEventType) string {
	return c.SubjectPrefix + "." + string(typ)
}

// JetStreamPublisher publishes node events to a JetStream stream
type JetStreamPublisher struct {
	js     nats.JetStreamContext
	cfg    StreamConfig
	logger *zap.Logger
}

// NewJetStreamPublisher creates the stream if it does not exist yet
func NewJetStreamPublisher(js nats.JetStreamContext, cfg StreamConfig, logger *zap.Logger) (*JetStreamPublisher, error) {
	p := &JetStreamPublisher{
		js:     js,
		cfg:    cfg,
		logger: logger.Named("jetstream"),
	}
	if err := p.ensureStream(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *JetStreamPublisher) ensureStream() error {
	_, err := p.js.StreamInfo(p.cfg.Stream)
	if err == nil {
		p.logger.Info("Using existing event stream", zap.String("name", p.cfg.Stream))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     p.cfg.Stream,
		Subjects: []string{p.cfg.SubjectPrefix + ".*"},
		Storage:  nats.FileStorage,
		MaxAge:   p.cfg.MaxAge,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.logger.Info("Created event stream", zap.String("name", p.cfg.Stream))
	return nil
}

func (p *JetStreamPublisher) Name() string { return "nats" }

// Deliver publishes event with its ID as the deduplication key
func (p *JetStreamPublisher) Deliver(ctx context.Context, event model.NodeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal node event: %w", err)
	}

	subject := p.cfg.Subject(event.Type)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(event.ID)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.Debug("Node event published",
		zap.String("event_id", event.ID),
		zap.String("subject", subject))
	return nil
}
