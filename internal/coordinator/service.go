// Package coordinator turns discovery responses into registry updates and
// keeps the registry free of nodes that stopped answering.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/netwatch/internal/broadcast"
	"github.com/t77yq/netwatch/internal/metrics"
	"github.com/t77yq/netwatch/internal/model"
	"github.com/t77yq/netwatch/internal/protocol"
	"github.com/t77yq/netwatch/internal/registry"
)

// Config controls the liveness sweep
type Config struct {
	// StaleAfter is how long a node may stay silent before eviction
	StaleAfter time.Duration
	// SweepSchedule is a standard cron spec or descriptor such as "@every 10s"
	SweepSchedule string
}

// DefaultConfig evicts nodes silent for 30s, checking every 10s
func DefaultConfig() Config {
	return Config{
		StaleAfter:    30 * time.Second,
		SweepSchedule: "@every 10s",
	}
}

// Option configures optional Service collaborators
type Option func(*Service)

// WithClock replaces the wall clock used for staleness cutoffs and event times
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithMetrics records lag, dropped commands and lifecycle transitions
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithEvents publishes a NodeEvent for every lifecycle transition
func WithEvents(events *broadcast.Broadcaster[model.NodeEvent]) Option {
	return func(s *Service) {
		s.events = events
	}
}

// Service is the coordination service between the transport and the registry
type Service struct {
	cfg       Config
	registry  *registry.Registry
	responses *broadcast.Subscription[protocol.Response]
	commands  chan<- model.DiscoveryCommand
	events    *broadcast.Broadcaster[model.NodeEvent]
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cron      *cron.Cron
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewService wires the coordinator. Responses are read from the given
// subscription and follow-up commands are pushed to commands without blocking.
func NewService(
	cfg Config,
	reg *registry.Registry,
	responses *broadcast.Subscription[protocol.Response],
	commands chan<- model.DiscoveryCommand,
	logger *zap.Logger,
	opts ...Option,
) (*Service, error) {
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStaleAfter, cfg.StaleAfter)
	}

	logger = logger.Named("coordinator")
	// cron's own logger stays quiet; cl reports job panics and skipped runs
	cl := &cronLogger{logger: logger.Named("cron")}
	scheduler := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	s := &Service{
		cfg:       cfg,
		registry:  reg,
		responses: responses,
		commands:  commands,
		clock:     clock.New(),
		logger:    logger,
		cron:      scheduler,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.cron.AddFunc(cfg.SweepSchedule, func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchedule, cfg.SweepSchedule, err)
	}
	return s, nil
}

// Run starts the sweep schedule and watches responses until ctx is cancelled
// or the response subscription is closed.
func (s *Service) Run(ctx context.Context) error {
	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
	}()

	s.logger.Info("Coordinator started",
		zap.Duration("stale_after", s.cfg.StaleAfter),
		zap.String("sweep_schedule", s.cfg.SweepSchedule))

	for {
		resp, err := s.responses.Recv(ctx)
		if err != nil {
			var lag *broadcast.LagError
			switch {
			case errors.As(err, &lag):
				s.metrics.ResponsesLagged(lag.Missed)
				s.logger.Warn("Response watcher fell behind",
					zap.Uint64("missed", lag.Missed))
				continue
			case errors.Is(err, broadcast.ErrClosed):
				s.logger.Info("Response stream closed, coordinator stopping")
				return nil
			default:
				// context cancelled
				return nil
			}
		}
		s.HandleResponse(resp)
	}
}

// HandleResponse applies a single response to the registry
func (s *Service) HandleResponse(resp protocol.Response) {
	switch r := resp.(type) {
	case *protocol.UsageOverviewResponse:
		s.handleUsage(r)
	case *protocol.SpecResponse:
		s.handleSpec(r)
	default:
		s.logger.Warn("Ignoring unsupported response", zap.String("kind", string(resp.Kind())))
	}
}

func (s *Service) handleUsage(r *protocol.UsageOverviewResponse) {
	if !s.registry.UpsertUsage(r.IP, r.Usage) {
		return
	}

	s.logger.Info("New node discovered", zap.Stringer("ip", r.IP))
	s.emit(model.NodeEventDiscovered, r.IP, "")

	cmd := model.NewDeviceInformationCommand(r.IP)
	select {
	case s.commands <- cmd:
	default:
		s.metrics.CommandDropped()
		s.logger.Warn("Command queue full, dropping device information request",
			zap.String("command_id", cmd.ID),
			zap.Stringer("ip", r.IP))
	}
}

func (s *Service) handleSpec(r *protocol.SpecResponse) {
	result := s.registry.UpsertDescriptor(r.IP, r.Spec)

	switch result {
	case registry.DescriptorDropped:
		s.logger.Debug("Dropping descriptor of untracked node", zap.Stringer("ip", r.IP))
	case registry.DescriptorIdentified:
		s.logger.Info("Node identified",
			zap.Stringer("ip", r.IP),
			zap.String("host_name", r.Spec.HostName),
			zap.String("os", r.Spec.OS))
		s.emit(model.NodeEventIdentified, r.IP, r.Spec.HostName)
	case registry.DescriptorReplaced:
		s.logger.Warn("Descriptor changed, usage history reset",
			zap.Stringer("ip", r.IP),
			zap.String("host_name", r.Spec.HostName))
		s.emit(model.NodeEventReplaced, r.IP, r.Spec.HostName)
	}
}

// Sweep evicts every node silent for longer than the stale threshold and
// returns how many were removed. A node that reports while the sweep runs is
// kept because eviction re-checks its timestamp under the registry lock.
func (s *Service) Sweep() int {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)

	evicted := 0
	for _, n := range s.registry.Overview() {
		if !n.LastUpdated.Before(cutoff) {
			continue
		}
		if !s.registry.EvictIfStale(n.IP, cutoff) {
			continue
		}
		evicted++
		s.logger.Info("Evicted stale node",
			zap.Stringer("ip", n.IP),
			zap.String("host_name", n.HostName()),
			zap.Time("last_updated", n.LastUpdated))
		s.emit(model.NodeEventEvicted, n.IP, n.HostName())
	}

	if evicted > 0 {
		s.logger.Debug("Sweep finished",
			zap.Int("evicted", evicted),
			zap.Int("remaining", s.registry.Len()))
	}
	return evicted
}

func (s *Service) emit(typ model.NodeEventType, ip netip.Addr, hostName string) {
	s.metrics.NodeEvent(string(typ))
	if s.events == nil {
		return
	}
	s.events.Publish(model.NewNodeEvent(typ, ip, hostName, s.clock.Now()))
}
