// Package netutil selects the IPv4 address a process identifies itself with.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/t77yq/netwatch/internal/protocol"
)

// ErrNoPrivateIPv4 is returned when no interface carries a private IPv4 address
var ErrNoPrivateIPv4 = errors.New("no private ipv4 address found")

// ResolveIPv4 returns explicit when set, otherwise the first private IPv4
// address of an interface that is up and not a loopback.
func ResolveIPv4(ctx context.Context, explicit string) (netip.Addr, error) {
	if explicit != "" {
		return protocol.ParseIPv4(explicit)
	}
	return LocalIPv4(ctx)
}

// LocalIPv4 returns the first private IPv4 address of an up, non-loopback interface
func LocalIPv4(ctx context.Context) (netip.Addr, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list interfaces: %w", err)
	}
	return firstPrivateIPv4(ifaces)
}

func firstPrivateIPv4(ifaces psnet.InterfaceStatList) (netip.Addr, error) {
	for _, iface := range ifaces {
		if slices.Contains(iface.Flags, "loopback") || !slices.Contains(iface.Flags, "up") {
			continue
		}
		for _, addr := range iface.Addrs {
			prefix, err := netip.ParsePrefix(addr.Addr)
			if err != nil {
				continue
			}
			ip := prefix.Addr().Unmap()
			if ip.Is4() && ip.IsPrivate() && !ip.IsLoopback() && !ip.IsUnspecified() {
				return ip, nil
			}
		}
	}
	return netip.Addr{}, ErrNoPrivateIPv4
}
