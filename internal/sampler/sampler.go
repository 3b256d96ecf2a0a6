// Package sampler reads host descriptors and usage telemetry through gopsutil.
package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/t77yq/netwatch/internal/model"
)

// DefaultCPUInterval is the window per-core CPU usage is measured over
const DefaultCPUInterval = 200 * time.Millisecond

// Sampler reports the local machine. The descriptor is read once at
// construction; usage is sampled on every call.
type Sampler struct {
	logger      *zap.Logger
	descriptor  model.MachineInfo
	cpuInterval time.Duration

	mu      sync.Mutex
	netRecv uint64
	netSent uint64
}

// New reads the host descriptor and primes the network counters so the
// first sample reports traffic since construction.
func New(ctx context.Context, cpuInterval time.Duration, logger *zap.Logger) (*Sampler, error) {
	if cpuInterval <= 0 {
		cpuInterval = DefaultCPUInterval
	}

	s := &Sampler{
		logger:      logger.Named("sampler"),
		cpuInterval: cpuInterval,
	}

	descriptor, err := s.readDescriptor(ctx)
	if err != nil {
		return nil, err
	}
	s.descriptor = descriptor

	if recv, sent, err := networkTotals(ctx); err != nil {
		s.logger.Warn("Failed to read network counters", zap.Error(err))
	} else {
		s.netRecv, s.netSent = recv, sent
	}

	s.logger.Info("Host described",
		zap.String("host_name", descriptor.HostName),
		zap.String("os", descriptor.OS),
		zap.String("os_version", descriptor.OSVersion),
		zap.Int("cpus", descriptor.NumberOfCPU),
		zap.String("brand", descriptor.Brand))
	return s, nil
}

// Descriptor returns the descriptor computed at construction
func (s *Sampler) Descriptor() model.MachineInfo {
	return s.descriptor
}

// SampleUsage takes a fresh telemetry sample. It blocks for the CPU
// measurement interval. Network figures are bytes moved since the previous sample.
func (s *Sampler) SampleUsage(ctx context.Context) (model.MachineUsage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.MachineUsage{}, fmt.Errorf("failed to read memory: %w", err)
	}
	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return model.MachineUsage{}, fmt.Errorf("failed to read swap: %w", err)
	}

	percents, err := cpu.PercentWithContext(ctx, s.cpuInterval, true)
	if err != nil {
		return model.MachineUsage{}, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	cpuUsage := make([]float32, len(percents))
	for i, p := range percents {
		cpuUsage[i] = float32(p)
	}

	var cpuFrequency []uint64
	if infos, err := cpu.InfoWithContext(ctx); err != nil {
		s.logger.Debug("Failed to read cpu frequency", zap.Error(err))
	} else {
		cpuFrequency = perCoreFrequency(infos, len(cpuUsage))
	}

	down, up, err := s.networkDelta(ctx)
	if err != nil {
		s.logger.Debug("Failed to read network counters", zap.Error(err))
	}

	return model.MachineUsage{
		TotalMemory:  vm.Total,
		UsedMemory:   vm.Used,
		TotalSwap:    swap.Total,
		UsedSwap:     swap.Used,
		CPUUsage:     cpuUsage,
		CPUFrequency: cpuFrequency,
		NetworkDown:  down,
		NetworkUp:    up,
	}, nil
}

func (s *Sampler) readDescriptor(ctx context.Context) (model.MachineInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return model.MachineInfo{}, fmt.Errorf("failed to read host info: %w", err)
	}

	descriptor := model.MachineInfo{
		OS:            orDefault(info.Platform, "OS name not found"),
		OSVersion:     orDefault(info.PlatformVersion, "OS version not found"),
		HostName:      orDefault(info.Hostname, "Host name not found"),
		KernelVersion: orDefault(info.KernelVersion, "Kernel version not found"),
		Arch:          info.KernelArch,
	}

	if cores, err := cpu.CountsWithContext(ctx, false); err != nil {
		s.logger.Warn("Failed to count physical cores", zap.Error(err))
	} else {
		descriptor.NumberOfCPU = cores
	}

	if cpus, err := cpu.InfoWithContext(ctx); err != nil {
		s.logger.Warn("Failed to read cpu info", zap.Error(err))
	} else if len(cpus) > 0 {
		descriptor.Brand = cpus[0].ModelName
	}

	return descriptor, nil
}

func (s *Sampler) networkDelta(ctx context.Context) (down, up uint64, err error) {
	recv, sent, err := networkTotals(ctx)
	if err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	down = counterDelta(s.netRecv, recv)
	up = counterDelta(s.netSent, sent)
	s.netRecv, s.netSent = recv, sent
	return down, up, nil
}

func networkTotals(ctx context.Context) (recv, sent uint64, err error) {
	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(counters) == 0 {
		return 0, 0, nil
	}
	return counters[0].BytesRecv, counters[0].BytesSent, nil
}

// counterDelta treats a decreasing counter as a reset
// perCoreFrequency returns one MHz value per core. Linux reports every
// logical CPU, darwin and windows one entry per socket; socket values are
// repeated across that socket's share of the cores.
func perCoreFrequency(infos []cpu.InfoStat, cores int) []uint64 {
	if len(infos) == 0 || cores == 0 {
		return nil
	}
	freqs := make([]uint64, cores)
	for i := range freqs {
		freqs[i] = uint64(infos[i*len(infos)/cores].Mhz)
	}
	return freqs
}

func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
