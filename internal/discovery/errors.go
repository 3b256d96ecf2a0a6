package discovery

import "errors"

var (
	// ErrInvalidLocalIP is returned when the transport is configured without an IPv4 address
	ErrInvalidLocalIP = errors.New("local address must be ipv4")

	// ErrInvalidBroadcastAddr is returned when the broadcast target is not an IPv4 address
	ErrInvalidBroadcastAddr = errors.New("broadcast address must be ipv4")

	// ErrBind is returned when the discovery socket cannot be opened
	ErrBind = errors.New("failed to bind discovery socket")
)
