package agent

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/netwatch/internal/model"
	"github.com/t77yq/netwatch/internal/protocol"
)

type fakeSampler struct {
	info        model.MachineInfo
	usage       model.MachineUsage
	err         error
	descriptors atomic.Int32
	samples     atomic.Int32
}

func (f *fakeSampler) Descriptor() model.MachineInfo {
	f.descriptors.Add(1)
	return f.info
}

func (f *fakeSampler) SampleUsage(context.Context) (model.MachineUsage, error) {
	f.samples.Add(1)
	return f.usage, f.err
}

func newFakeSampler() *fakeSampler {
	return &fakeSampler{
		info: model.MachineInfo{
			OS:            "debian",
			OSVersion:     "12",
			HostName:      "node-a",
			KernelVersion: "6.1.0",
			NumberOfCPU:   4,
			Arch:          "aarch64",
			Brand:         "Cortex-A72",
		},
		usage: model.MachineUsage{
			TotalMemory:  4 << 30,
			UsedMemory:   1 << 30,
			CPUUsage:     []float32{1.5, 2.5, 3.5, 4.5},
			CPUFrequency: []uint64{1500, 1500, 1500, 1500},
			NetworkDown:  100,
			NetworkUp:    50,
		},
	}
}

func startAgent(t *testing.T, sampler Sampler) *Agent {
	t.Helper()

	cfg := DefaultConfig(netip.MustParseAddr("10.0.0.5"))
	cfg.BindAddress = netip.MustParseAddr("127.0.0.1")
	cfg.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg, sampler, zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return a
}

// exchange sends payload to the agent and returns the decoded reply, or nil
// when no reply arrives within wait.
func exchange(t *testing.T, a *Agent, payload []byte, wait time.Duration) protocol.Response {
	t.Helper()

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.WriteToUDPAddrPort(payload, a.LocalAddr())
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(wait)))
	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := client.Read(buf)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	require.NoError(t, err)

	resp, err := protocol.DecodeResponse(buf[:n])
	require.NoError(t, err)
	return resp
}

func encode(t *testing.T, req protocol.Request) []byte {
	t.Helper()
	data, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	return data
}

func TestNewRequiresIPv4(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig(netip.Addr{}), newFakeSampler(), zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrInvalidReportIP)
}

func TestSpecRequest(t *testing.T) {
	sampler := newFakeSampler()
	a := startAgent(t, sampler)

	for i := 0; i < 3; i++ {
		resp := exchange(t, a, encode(t, protocol.NewSpecRequest("127.0.0.1")), 5*time.Second)
		require.NotNil(t, resp)
		require.Equal(t, protocol.ResponseSpec, resp.Kind())
		assert.Equal(t, netip.MustParseAddr("10.0.0.5"), resp.Source())
		assert.Equal(t, sampler.info, resp.(*protocol.SpecResponse).Spec)
	}

	assert.Equal(t, int32(1), sampler.descriptors.Load(), "descriptor is read once at startup")
	assert.Zero(t, sampler.samples.Load())
}

func TestUsageOverviewRequest(t *testing.T) {
	sampler := newFakeSampler()
	a := startAgent(t, sampler)

	resp := exchange(t, a, encode(t, protocol.NewUsageOverviewRequest("127.0.0.1")), 5*time.Second)
	require.NotNil(t, resp)
	require.Equal(t, protocol.ResponseUsageOverview, resp.Kind())
	assert.Equal(t, sampler.usage, resp.(*protocol.UsageOverviewResponse).Usage)

	exchange(t, a, encode(t, protocol.NewUsageOverviewRequest("127.0.0.1")), 5*time.Second)
	assert.Equal(t, int32(2), sampler.samples.Load(), "usage is sampled per request")
}

func TestMalformedRequestIsSkipped(t *testing.T) {
	a := startAgent(t, newFakeSampler())

	assert.Nil(t, exchange(t, a, []byte("{{{"), 200*time.Millisecond))
	assert.Nil(t, exchange(t, a, []byte(`{"request":"shutdown","senderIp":"127.0.0.1"}`), 200*time.Millisecond))

	// the agent keeps serving
	resp := exchange(t, a, encode(t, protocol.NewSpecRequest("127.0.0.1")), 5*time.Second)
	assert.NotNil(t, resp)
}

func TestSamplerErrorSkipsRequest(t *testing.T) {
	sampler := newFakeSampler()
	sampler.err = errors.New("procfs unavailable")
	a := startAgent(t, sampler)

	assert.Nil(t, exchange(t, a, encode(t, protocol.NewUsageOverviewRequest("127.0.0.1")), 200*time.Millisecond))

	resp := exchange(t, a, encode(t, protocol.NewSpecRequest("127.0.0.1")), 5*time.Second)
	assert.NotNil(t, resp)
}
