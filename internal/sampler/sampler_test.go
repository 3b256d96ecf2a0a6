package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSamplerReadsLocalHost(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, 50*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)

	descriptor := s.Descriptor()
	assert.NotEmpty(t, descriptor.OS)
	assert.NotEmpty(t, descriptor.HostName)
	assert.NotEmpty(t, descriptor.KernelVersion)
	assert.Equal(t, descriptor, s.Descriptor(), "descriptor is computed once")

	usage, err := s.SampleUsage(ctx)
	require.NoError(t, err)
	assert.NotZero(t, usage.TotalMemory)
	assert.LessOrEqual(t, usage.UsedMemory, usage.TotalMemory)
	assert.LessOrEqual(t, usage.UsedSwap, usage.TotalSwap)
	assert.NotEmpty(t, usage.CPUUsage)
	for _, p := range usage.CPUUsage {
		assert.GreaterOrEqual(t, p, float32(0))
		assert.LessOrEqual(t, p, float32(100))
	}
	if usage.CPUFrequency != nil {
		assert.Len(t, usage.CPUFrequency, len(usage.CPUUsage))
	}
}

func TestPerCoreFrequency(t *testing.T) {
	perCPU := []cpu.InfoStat{{Mhz: 2400}, {Mhz: 2500}, {Mhz: 2600}, {Mhz: 2700}}
	assert.Equal(t, []uint64{2400, 2500, 2600, 2700}, perCoreFrequency(perCPU, 4))

	oneSocket := []cpu.InfoStat{{Mhz: 3200.7}}
	assert.Equal(t, []uint64{3200, 3200, 3200, 3200, 3200, 3200, 3200, 3200}, perCoreFrequency(oneSocket, 8))

	twoSockets := []cpu.InfoStat{{Mhz: 2000}, {Mhz: 2100}}
	assert.Equal(t, []uint64{2000, 2000, 2000, 2100, 2100, 2100}, perCoreFrequency(twoSockets, 6))

	assert.Nil(t, perCoreFrequency(nil, 4))
	assert.Nil(t, perCoreFrequency(oneSocket, 0))
}

func TestCounterDelta(t *testing.T) {
	assert.Equal(t, uint64(0), counterDelta(100, 100))
	assert.Equal(t, uint64(50), counterDelta(100, 150))
	assert.Equal(t, uint64(30), counterDelta(100, 30), "reset counters restart from zero")
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, "ubuntu", orDefault("ubuntu", "OS name not found"))
	assert.Equal(t, "OS name not found", orDefault("", "OS name not found"))
}
