package model

import (
	"net/netip"

	"github.com/google/uuid"
)

// CommandKind identifies what a discovery command asks the transport to do
type CommandKind string

const (
	// CommandDeviceInformation asks for the descriptor of a single node
	CommandDeviceInformation CommandKind = "device_information"
)

// DiscoveryCommand is a request for the transport to contact a specific node
type DiscoveryCommand struct {
	ID     string      `json:"id"`
	Kind   CommandKind `json:"kind"`
	Target netip.Addr  `json:"target"`
}

// NewDeviceInformationCommand creates a command fetching the descriptor of target
func NewDeviceInformationCommand(target netip.Addr) DiscoveryCommand {
	return DiscoveryCommand{
		ID:     uuid.New().String(),
		Kind:   CommandDeviceInformation,
		Target: target,
	}
}
