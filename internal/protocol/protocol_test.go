package protocol

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/netwatch/internal/model"
)

func testInfo() model.MachineInfo {
	return model.MachineInfo{
		OS:            "ubuntu",
		OSVersion:     "24.04",
		HostName:      "rack-01",
		KernelVersion: "6.8.0-45-generic",
		NumberOfCPU:   8,
		Arch:          "x86_64",
		Brand:         "AMD Ryzen 7 5800X 8-Core Processor",
	}
}

func testUsage() model.MachineUsage {
	return model.MachineUsage{
		TotalMemory:  32 << 30,
		UsedMemory:   12 << 30,
		TotalSwap:    2 << 30,
		UsedSwap:     0,
		CPUUsage:     []float32{12.5, 3.25, 99.75, 0},
		CPUFrequency: []uint64{3800, 3801, 4500, 2200},
		NetworkDown:  123456,
		NetworkUp:    7890,
	}
}

func TestRequestRoundTrip(t *testing.T) {
	for _, req := range []Request{
		NewSpecRequest("192.168.1.10"),
		NewUsageOverviewRequest("10.0.0.1"),
	} {
		t.Run(string(req.Kind), func(t *testing.T) {
			data, err := EncodeRequest(req)
			require.NoError(t, err)

			decoded, err := DecodeRequest(data)
			require.NoError(t, err)
			assert.Equal(t, req, decoded)
		})
	}
}

func TestRequestWireFormat(t *testing.T) {
	data, err := EncodeRequest(NewUsageOverviewRequest("10.0.0.1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"request":"usageOverview","senderIp":"10.0.0.1"}`, string(data))

	data, err = EncodeRequest(NewSpecRequest("10.0.0.1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"request":"spec","senderIp":"10.0.0.1"}`, string(data))
}

func TestResponseRoundTrip(t *testing.T) {
	ip := netip.MustParseAddr("10.0.0.5")
	responses := []Response{
		&SpecResponse{IP: ip, Spec: testInfo()},
		&UsageOverviewResponse{IP: ip, Usage: testUsage()},
		&UsageOverviewResponse{IP: ip, Usage: model.MachineUsage{CPUUsage: []float32{}, CPUFrequency: []uint64{}}},
	}

	for _, resp := range responses {
		t.Run(string(resp.Kind()), func(t *testing.T) {
			data, err := EncodeResponse(resp)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(data), MaxDatagramSize)

			decoded, err := DecodeResponse(data)
			require.NoError(t, err)
			assert.Equal(t, resp, decoded)
		})
	}
}

func TestResponseWireFormat(t *testing.T) {
	data, err := EncodeResponse(&SpecResponse{IP: netip.MustParseAddr("10.0.0.5"), Spec: testInfo()})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"response": "spec",
		"ip": "10.0.0.5",
		"spec": {
			"os": "ubuntu",
			"osVersion": "24.04",
			"hostName": "rack-01",
			"kernelVersion": "6.8.0-45-generic",
			"numberOfCpu": 8,
			"arch": "x86_64",
			"brand": "AMD Ryzen 7 5800X 8-Core Processor"
		}
	}`, string(data))
}

func TestDecodeResponseFromPeer(t *testing.T) {
	payload := `{"response":"usageOverview","ip":"192.168.0.12","usage":{"totalMemory":100,"usedMemory":50,
		"totalSwap":0,"usedSwap":0,"cpuUsage":[1.5,2.5],"cpuFrequency":[2400,2400],"networkDown":10,"networkUp":20}}`

	resp, err := DecodeResponse([]byte(payload))
	require.NoError(t, err)

	usage, ok := resp.(*UsageOverviewResponse)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.168.0.12"), usage.IP)
	assert.Equal(t, []float32{1.5, 2.5}, usage.Usage.CPUUsage)
	assert.Equal(t, uint64(20), usage.Usage.NetworkUp)
}

func TestDecodeResponseRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"empty", ``, ErrMalformed},
		{"not json", `hello there`, ErrMalformed},
		{"json array", `[1,2,3]`, ErrMalformed},
		{"truncated", `{"response":"spec","ip":"10.0.0.5","spec":{"os":"ubu`, ErrMalformed},
		{"no discriminant", `{"ip":"10.0.0.5","spec":{}}`, ErrUnknownKind},
		{"request instead of response", `{"request":"spec","senderIp":"10.0.0.1"}`, ErrUnknownKind},
		{"unknown kind", `{"response":"reboot","ip":"10.0.0.5"}`, ErrUnknownKind},
		{"missing ip", `{"response":"spec","spec":{}}`, ErrMissingField},
		{"ipv6 ip", `{"response":"spec","ip":"fe80::1","spec":{}}`, ErrInvalidIP},
		{"garbage ip", `{"response":"spec","ip":"not-an-ip","spec":{}}`, ErrInvalidIP},
		{"missing spec", `{"response":"spec","ip":"10.0.0.5"}`, ErrMissingField},
		{"null usage", `{"response":"usageOverview","ip":"10.0.0.5","usage":null}`, ErrMissingField},
		{"wrong field type", `{"response":"usageOverview","ip":"10.0.0.5","usage":{"cpuUsage":"high"}}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse([]byte(tt.payload))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, resp)
		})
	}
}

func TestDecodeRequestRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"binary", "\x00\x01\x02", ErrMalformed},
		{"no discriminant", `{"senderIp":"10.0.0.1"}`, ErrUnknownKind},
		{"response instead of request", `{"response":"spec","ip":"10.0.0.5"}`, ErrUnknownKind},
		{"unknown kind", `{"request":"shutdown","senderIp":"10.0.0.1"}`, ErrUnknownKind},
		{"missing sender", `{"request":"spec"}`, ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.payload))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	_, err := EncodeRequest(Request{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = EncodeResponse(nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseIPv4(t *testing.T) {
	ip, err := ParseIPv4("::ffff:10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.2.3"), ip)

	_, err = ParseIPv4("2001:db8::1")
	assert.ErrorIs(t, err, ErrInvalidIP)
}

func FuzzDecodeResponse(f *testing.F) {
	f.Add([]byte(`{"response":"spec","ip":"10.0.0.5","spec":{}}`))
	f.Add([]byte(`{"response":"usageOverview","ip":"10.0.0.5","usage":{"cpuUsage":[1]}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte{0xff, 0xfe})

	f.Fuzz(func(t *testing.T, data []byte) {
		resp, err := DecodeResponse(data)
		if err == nil && resp == nil {
			t.Fatal("nil response without error")
		}
	})
}
