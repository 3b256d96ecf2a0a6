// Package manager assembles the discovery side of netwatch: transport,
// coordinator, registry, event sinks and the HTTP API.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/netwatch/internal/api"
	"github.com/t77yq/netwatch/internal/broadcast"
	"github.com/t77yq/netwatch/internal/config"
	"github.com/t77yq/netwatch/internal/coordinator"
	"github.com/t77yq/netwatch/internal/discovery"
	"github.com/t77yq/netwatch/internal/events"
	"github.com/t77yq/netwatch/internal/metrics"
	"github.com/t77yq/netwatch/internal/model"
	"github.com/t77yq/netwatch/internal/protocol"
	"github.com/t77yq/netwatch/internal/registry"
	"github.com/t77yq/netwatch/internal/storage"
)

// retentionInterval is how often the journal is pruned
const retentionInterval = time.Hour

// Option configures a Manager
type Option func(*Manager)

// WithClock drives the registry, transport and coordinator from c
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// Manager owns every long-running component of the manager process
type Manager struct {
	cfg     *config.Config
	localIP netip.Addr
	clock   clock.Clock
	logger  *zap.Logger

	registry    *registry.Registry
	metrics     *metrics.Metrics
	commands    chan model.DiscoveryCommand
	responses   *broadcast.Broadcaster[protocol.Response]
	events      *broadcast.Broadcaster[model.NodeEvent]
	transport   *discovery.Transport
	coordinator *coordinator.Service
	pump        *events.Pump
	journal     storage.NodeJournal
	nc          *nats.Conn
	api         *api.Server
	listener    net.Listener

	closeOnce sync.Once
	closeErr  error
}

// New builds and binds every component. Any bind or connect failure is
// returned and everything opened so far is released.
func New(ctx context.Context, cfg *config.Config, localIP netip.Addr, logger *zap.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		localIP: localIP,
		clock:   clock.New(),
		logger:  logger.Named("manager"),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.build(ctx, logger); err != nil {
		return nil, multierr.Append(err, m.Close())
	}
	return m, nil
}

func (m *Manager) build(ctx context.Context, logger *zap.Logger) error {
	cfg := m.cfg

	m.registry = registry.New(
		registry.WithClock(m.clock),
		registry.WithHistoryCapacity(cfg.Registry.HistoryCapacity),
	)
	m.metrics.TrackNodes(m.registry.Len)

	m.commands = make(chan model.DiscoveryCommand, cfg.Manager.CommandQueue)
	m.responses = broadcast.New[protocol.Response](cfg.Manager.ResponseBuffer)
	m.events = broadcast.New[model.NodeEvent](cfg.Registry.EventBuffer)

	broadcastAddr, err := protocol.ParseIPv4(cfg.Manager.BroadcastAddress)
	if err != nil {
		return fmt.Errorf("invalid broadcast address: %w", err)
	}
	m.transport, err = discovery.NewTransport(ctx, discovery.Config{
		LocalIP:           m.localIP,
		Port:              cfg.Manager.Port,
		PeerPort:          cfg.Manager.PeerPort,
		BroadcastAddr:     broadcastAddr,
		BroadcastInterval: cfg.Manager.BroadcastInterval,
		BufferSize:        cfg.Manager.ReceiveBuffer,
	}, m.commands, m.responses, logger,
		discovery.WithClock(m.clock),
		discovery.WithMetrics(m.metrics))
	if err != nil {
		return err
	}

	m.coordinator, err = coordinator.NewService(coordinator.Config{
		StaleAfter:    cfg.Registry.StaleAfter,
		SweepSchedule: cfg.Registry.SweepSchedule,
	}, m.registry, m.responses.Subscribe(), m.commands, logger,
		coordinator.WithClock(m.clock),
		coordinator.WithMetrics(m.metrics),
		coordinator.WithEvents(m.events))
	if err != nil {
		return err
	}

	sinks, err := m.openSinks(ctx)
	if err != nil {
		return err
	}
	if len(sinks) > 0 {
		m.pump = events.NewPump(m.events.Subscribe(), sinks, m.metrics, logger)
	}

	if cfg.HTTP.Enabled {
		apiOpts := []api.Option{api.WithEvents(m.events), api.WithMetrics(m.metrics)}
		if m.journal != nil {
			apiOpts = append(apiOpts, api.WithJournal(m.journal))
		}
		m.api = api.New(m.registry, logger, apiOpts...)

		var lc net.ListenConfig
		m.listener, err = lc.Listen(ctx, "tcp", cfg.HTTP.Address())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Address(), err)
		}
	}

	return nil
}

func (m *Manager) openSinks(ctx context.Context) ([]events.Sink, error) {
	var sinks []events.Sink

	if m.cfg.Journal.Enabled {
		journal, err := storage.NewSQLiteNodeJournal(m.logger, m.cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		m.journal = journal
		sinks = append(sinks, events.NewJournalSink(journal))
	}

	if m.cfg.NATS.Enabled {
		nc, err := connectNATS(ctx, m.cfg.NATS, m.logger)
		if err != nil {
			return nil, err
		}
		m.nc = nc

		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		publisher, err := events.NewJetStreamPublisher(js, events.StreamConfig{
			Stream:        m.cfg.NATS.Stream,
			SubjectPrefix: m.cfg.NATS.SubjectPrefix,
			MaxAge:        m.cfg.NATS.MaxAge,
		}, m.logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, publisher)
	}

	return sinks, nil
}

func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("netwatch-manager"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS connection error", fields...)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second * time.Duration(i+1)):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// Registry exposes the live registry
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// DiscoveryAddr is the bound discovery socket
func (m *Manager) DiscoveryAddr() netip.AddrPort {
	return m.transport.LocalAddr()
}

// HTTPAddr is the bound API address, or nil when the API is disabled
func (m *Manager) HTTPAddr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Run blocks until ctx is cancelled or a component fails, then releases
// every resource.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.transport.Run(ctx)
	})
	g.Go(func() error {
		// the coordinator is the only producer of commands
		defer close(m.commands)
		return m.coordinator.Run(ctx)
	})

	if m.pump != nil {
		g.Go(func() error {
			return m.pump.Run(ctx)
		})
	}
	if m.journal != nil && m.cfg.Journal.Retention > 0 {
		g.Go(func() error {
			m.pruneJournal(ctx)
			return nil
		})
	}
	if m.api != nil {
		g.Go(func() error {
			return m.api.Serve(m.listener)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), m.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return m.api.Shutdown(shutdownCtx)
		})
	}

	m.logger.Info("Manager running",
		zap.Stringer("local_ip", m.localIP),
		zap.Stringer("discovery_addr", m.DiscoveryAddr()))

	err := g.Wait()
	m.logger.Info("Manager stopping")
	return multierr.Append(err, m.Close())
}

func (m *Manager) pruneJournal(ctx context.Context) {
	ticker := m.clock.Ticker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := m.clock.Now().Add(-m.cfg.Journal.Retention)
			if _, err := m.journal.DeleteBefore(ctx, cutoff); err != nil {
				m.logger.Error("Failed to prune journal", zap.Error(err))
			}
		}
	}
}

// Close releases sockets, connections and the journal. It is safe to call
// more than once and is called by Run on exit.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if m.responses != nil {
			m.responses.Close()
		}
		if m.events != nil {
			m.events.Close()
		}
		if m.transport != nil {
			m.closeErr = multierr.Append(m.closeErr, m.transport.Close())
		}
		if m.listener != nil {
			// already closed when the API served and shut down
			if err := m.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				m.closeErr = multierr.Append(m.closeErr, err)
			}
		}
		if m.nc != nil {
			m.nc.Close()
		}
		if m.journal != nil {
			m.closeErr = multierr.Append(m.closeErr, m.journal.Close())
		}
	})
	return m.closeErr
}
