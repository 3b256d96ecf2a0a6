package netutil

import (
	"context"
	"net/netip"
	"testing"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/netwatch/internal/protocol"
)

func iface(name string, flags []string, addrs ...string) net.InterfaceStat {
	stat := net.InterfaceStat{Name: name, Flags: flags}
	for _, a := range addrs {
		stat.Addrs = append(stat.Addrs, net.InterfaceAddr{Addr: a})
	}
	return stat
}

func TestFirstPrivateIPv4(t *testing.T) {
	ifaces := net.InterfaceStatList{
		iface("lo", []string{"up", "loopback"}, "127.0.0.1/8", "::1/128"),
		iface("eth1", []string{"broadcast", "multicast"}, "10.1.1.1/24"),
		iface("wan0", []string{"up", "broadcast"}, "203.0.113.7/24", "fe80::1/64"),
		iface("eth0", []string{"up", "broadcast", "multicast"}, "fd00::2/64", "192.168.1.23/24"),
		iface("eth2", []string{"up", "broadcast"}, "172.16.0.4/16"),
	}

	ip, err := firstPrivateIPv4(ifaces)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.1.23"), ip)
}

func TestFirstPrivateIPv4None(t *testing.T) {
	ifaces := net.InterfaceStatList{
		iface("lo", []string{"up", "loopback"}, "127.0.0.1/8"),
		iface("wan0", []string{"up"}, "203.0.113.7/24", "garbage"),
	}

	_, err := firstPrivateIPv4(ifaces)
	assert.ErrorIs(t, err, ErrNoPrivateIPv4)
}

func TestResolveIPv4Explicit(t *testing.T) {
	ip, err := ResolveIPv4(context.Background(), "10.0.0.42")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.42"), ip)

	_, err = ResolveIPv4(context.Background(), "fe80::1")
	assert.ErrorIs(t, err, protocol.ErrInvalidIP)
}
