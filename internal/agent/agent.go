// Package agent answers manager requests on a node.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/netwatch/internal/model"
	"github.com/t77yq/netwatch/internal/protocol"
)

// ErrInvalidReportIP is returned when the agent has no IPv4 address to report
var ErrInvalidReportIP = errors.New("report address must be ipv4")

// Sampler describes the machine the agent runs on
type Sampler interface {
	// Descriptor is called once, when the agent is created
	Descriptor() model.MachineInfo
	SampleUsage(ctx context.Context) (model.MachineUsage, error)
}

// Config describes the agent socket
type Config struct {
	// ReportIP is placed in every response as the node's identity
	ReportIP    netip.Addr
	BindAddress netip.Addr
	// Port is the listening port; 0 picks an ephemeral one
	Port       int
	BufferSize int
}

// DefaultConfig listens on all interfaces at the well-known node port
func DefaultConfig(reportIP netip.Addr) Config {
	return Config{
		ReportIP:    reportIP,
		BindAddress: netip.IPv4Unspecified(),
		Port:        protocol.DefaultNodePort,
		BufferSize:  protocol.MaxDatagramSize,
	}
}

// Agent replies to spec and usageOverview requests with unicast responses
type Agent struct {
	cfg        Config
	conn       *net.UDPConn
	sampler    Sampler
	descriptor model.MachineInfo
	logger     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New binds the agent socket and captures the host descriptor
func New(ctx context.Context, cfg Config, sampler Sampler, logger *zap.Logger) (*Agent, error) {
	if !cfg.ReportIP.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidReportIP, cfg.ReportIP)
	}
	if !cfg.BindAddress.IsValid() {
		cfg.BindAddress = netip.IPv4Unspecified()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = protocol.MaxDatagramSize
	}

	addr := netip.AddrPortFrom(cfg.BindAddress, uint16(cfg.Port))
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to bind agent socket on %s: %w", addr, err)
	}

	a := &Agent{
		cfg:        cfg,
		conn:       pc.(*net.UDPConn),
		sampler:    sampler,
		descriptor: sampler.Descriptor(),
		logger:     logger.Named("agent"),
	}
	a.logger.Info("Agent listening",
		zap.Stringer("addr", a.LocalAddr()),
		zap.Stringer("report_ip", cfg.ReportIP))
	return a, nil
}

// LocalAddr returns the bound address
func (a *Agent) LocalAddr() netip.AddrPort {
	return a.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Run serves requests until ctx is cancelled
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return a.Close()
	})
	g.Go(func() error {
		a.serve(ctx)
		return nil
	})

	return g.Wait()
}

// Close releases the socket. It is safe to call more than once.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.conn.Close()
	})
	return a.closeErr
}

func (a *Agent) serve(ctx context.Context) {
	buf := make([]byte, a.cfg.BufferSize)

	for {
		n, src, err := a.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Error("Failed to read from agent socket", zap.Error(err))
			continue
		}

		req, err := protocol.DecodeRequest(buf[:n])
		if err != nil {
			a.logger.Debug("Discarding undecodable request",
				zap.Stringer("from", src),
				zap.ByteString("payload", buf[:n]),
				zap.Error(err))
			continue
		}

		a.handle(ctx, req, src)
	}
}

func (a *Agent) handle(ctx context.Context, req protocol.Request, src netip.AddrPort) {
	logger := a.logger.With(
		zap.String("request", string(req.Kind)),
		zap.Stringer("from", src),
		zap.String("sender_ip", req.SenderIP))

	var resp protocol.Response
	switch req.Kind {
	case protocol.RequestSpec:
		resp = &protocol.SpecResponse{IP: a.cfg.ReportIP, Spec: a.descriptor}
	case protocol.RequestUsageOverview:
		usage, err := a.sampler.SampleUsage(ctx)
		if err != nil {
			logger.Error("Failed to sample usage", zap.Error(err))
			return
		}
		resp = &protocol.UsageOverviewResponse{IP: a.cfg.ReportIP, Usage: usage}
	default:
		return
	}

	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		return
	}
	if len(data) > protocol.MaxDatagramSize {
		logger.Warn("Response exceeds datagram size and will be truncated by the manager",
			zap.Int("size", len(data)))
	}

	if _, err := a.conn.WriteToUDPAddrPort(data, src); err != nil {
		logger.Error("Failed to send response", zap.Error(err))
		return
	}
	logger.Debug("Response sent", zap.Int("size", len(data)))
}
