// Package discovery owns the manager side of the UDP discovery protocol.
//
// A Transport runs three loops over a single socket: one sends a spec request
// for every queued DiscoveryCommand, one broadcasts a usageOverview request on
// a fixed interval, and one decodes incoming responses and publishes them on a
// fan-out channel.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/netwatch/internal/broadcast"
	"github.com/t77yq/netwatch/internal/metrics"
	"github.com/t77yq/netwatch/internal/model"
	"github.com/t77yq/netwatch/internal/protocol"
)

// Config describes the discovery socket and its peers
type Config struct {
	// LocalIP is bound and reported as senderIp in every request
	LocalIP netip.Addr
	// Port is the local port; 0 picks an ephemeral one
	Port int
	// PeerPort is where node agents listen
	PeerPort          int
	BroadcastAddr     netip.Addr
	BroadcastInterval time.Duration
	BufferSize        int
}

// DefaultConfig returns the well-known ports and intervals for localIP
func DefaultConfig(localIP netip.Addr) Config {
	return Config{
		LocalIP:           localIP,
		Port:              protocol.DefaultManagerPort,
		PeerPort:          protocol.DefaultNodePort,
		BroadcastAddr:     netip.MustParseAddr(protocol.BroadcastAddress),
		BroadcastInterval: 5 * time.Second,
		BufferSize:        protocol.MaxDatagramSize,
	}
}

// Option configures optional Transport collaborators
type Option func(*Transport)

// WithClock replaces the wall clock driving the broadcast interval
func WithClock(c clock.Clock) Option {
	return func(t *Transport) {
		t.clock = c
	}
}

// WithMetrics records send and receive counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// Transport is the manager's discovery endpoint
type Transport struct {
	cfg       Config
	conn      *net.UDPConn
	commands  <-chan model.DiscoveryCommand
	responses *broadcast.Broadcaster[protocol.Response]
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewTransport binds the discovery socket. Commands are consumed from commands
// and decoded responses are published on responses.
func NewTransport(
	ctx context.Context,
	cfg Config,
	commands <-chan model.DiscoveryCommand,
	responses *broadcast.Broadcaster[protocol.Response],
	logger *zap.Logger,
	opts ...Option,
) (*Transport, error) {
	if !cfg.LocalIP.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLocalIP, cfg.LocalIP)
	}
	if !cfg.BroadcastAddr.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBroadcastAddr, cfg.BroadcastAddr)
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = protocol.MaxDatagramSize
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 5 * time.Second
	}

	lc := net.ListenConfig{Control: setBroadcast}
	addr := netip.AddrPortFrom(cfg.LocalIP, uint16(cfg.Port))
	pc, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w on %s: %w", ErrBind, addr, err)
	}

	t := &Transport{
		cfg:       cfg,
		conn:      pc.(*net.UDPConn),
		commands:  commands,
		responses: responses,
		clock:     clock.New(),
		logger:    logger.Named("discovery"),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.logger.Info("Discovery socket bound",
		zap.Stringer("addr", t.LocalAddr()),
		zap.Int("peer_port", cfg.PeerPort))
	return t, nil
}

// LocalAddr returns the bound address, useful when Port was 0
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Run drives all three loops until ctx is cancelled, then closes the socket
func (t *Transport) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return t.Close()
	})
	g.Go(func() error {
		t.targetedLoop(ctx)
		return nil
	})
	g.Go(func() error {
		t.broadcastLoop(ctx)
		return nil
	})
	g.Go(func() error {
		t.receiveLoop(ctx)
		return nil
	})

	return g.Wait()
}

// Close releases the socket. It is safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *Transport) targetedLoop(ctx context.Context) {
	request := protocol.NewSpecRequest(t.cfg.LocalIP.String())

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-t.commands:
			if !ok {
				t.logger.Warn("Command queue closed, stopping targeted requests")
				return
			}
			if cmd.Kind != model.CommandDeviceInformation {
				t.logger.Warn("Ignoring unknown command",
					zap.String("command_id", cmd.ID),
					zap.String("kind", string(cmd.Kind)))
				continue
			}

			target := netip.AddrPortFrom(cmd.Target, uint16(t.cfg.PeerPort))
			if err := t.send(request, target); err != nil {
				t.logger.Error("Failed to send spec request",
					zap.String("command_id", cmd.ID),
					zap.Stringer("target", target),
					zap.Error(err))
				continue
			}
			t.logger.Debug("Spec request sent",
				zap.String("command_id", cmd.ID),
				zap.Stringer("target", target))
		}
	}
}

func (t *Transport) broadcastLoop(ctx context.Context) {
	request := protocol.NewUsageOverviewRequest(t.cfg.LocalIP.String())
	target := netip.AddrPortFrom(t.cfg.BroadcastAddr, uint16(t.cfg.PeerPort))

	ticker := t.clock.Ticker(t.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		if err := t.send(request, target); err != nil {
			t.logger.Error("Failed to broadcast usage request",
				zap.Stringer("target", target),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Transport) receiveLoop(ctx context.Context) {
	buf := make([]byte, t.cfg.BufferSize)

	for {
		n, src, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Error("Failed to read from discovery socket", zap.Error(err))
			continue
		}
		t.metrics.DatagramReceived()

		resp, err := protocol.DecodeResponse(buf[:n])
		if err != nil {
			t.metrics.DecodeFailed()
			t.logger.Debug("Discarding undecodable datagram",
				zap.Stringer("from", src),
				zap.ByteString("payload", buf[:n]),
				zap.Error(err))
			continue
		}

		delivered := t.responses.Publish(resp)
		t.logger.Debug("Response received",
			zap.Stringer("from", src),
			zap.String("kind", string(resp.Kind())),
			zap.Int("subscribers", delivered))
	}
}

func (t *Transport) send(req protocol.Request, target netip.AddrPort) error {
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDPAddrPort(data, target); err != nil {
		t.metrics.SendFailed(string(req.Kind))
		return err
	}
	t.metrics.RequestSent(string(req.Kind))
	return nil
}
