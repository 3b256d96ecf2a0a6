// Package events delivers node lifecycle events to external sinks.
package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/netwatch/internal/broadcast"
	"github.com/t77yq/netwatch/internal/metrics"
	"github.com/t77yq/netwatch/internal/model"
	"github.com/t77yq/netwatch/internal/storage"
)

// deliverTimeout bounds a single sink delivery
const deliverTimeout = 5 * time.Second

// Sink receives node events
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event model.NodeEvent) error
}

// JournalSink appends events to a node journal
type JournalSink struct {
	journal storage.NodeJournal
}

// NewJournalSink wraps journal as a Sink
func NewJournalSink(journal storage.NodeJournal) *JournalSink {
	return &JournalSink{journal: journal}
}

func (s *JournalSink) Name() string { return "journal" }

func (s *JournalSink) Deliver(ctx context.Context, event model.NodeEvent) error {
	return s.journal.Record(ctx, event)
}

// Pump forwards every event of a subscription to all sinks. A failing sink
// is logged and does not affect the others.
type Pump struct {
	sub     *broadcast.Subscription[model.NodeEvent]
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPump creates a pump reading from sub
func NewPump(sub *broadcast.Subscription[model.NodeEvent], sinks []Sink, m *metrics.Metrics, logger *zap.Logger) *Pump {
	return &Pump{
		sub:     sub,
		sinks:   sinks,
		metrics: m,
		logger:  logger.Named("event-pump"),
	}
}

// Run delivers events until ctx is cancelled or the subscription closes
func (p *Pump) Run(ctx context.Context) error {
	defer p.sub.Close()

	for {
		event, err := p.sub.Recv(ctx)
		if err != nil {
			var lag *broadcast.LagError
			if errors.As(err, &lag) {
				p.logger.Warn("Event pump fell behind", zap.Uint64("missed", lag.Missed))
				continue
			}
			return nil
		}
		p.deliver(ctx, event)
	}
}

func (p *Pump) deliver(ctx context.Context, event model.NodeEvent) {
	for _, sink := range p.sinks {
		dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err := sink.Deliver(dctx, event)
		cancel()

		if err != nil {
			p.metrics.SinkFailed(sink.Name())
			p.logger.Error("Failed to deliver node event",
				zap.String("sink", sink.Name()),
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)),
				zap.Stringer("ip", event.IP),
				zap.Error(err))
		}
	}
}
