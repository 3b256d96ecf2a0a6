package model

import (
	"net/netip"
	"time"
)

// UsageRecord is a usage sample stamped with the time the registry received it
type UsageRecord struct {
	Usage     MachineUsage `json:"machineUsage"`
	Timestamp int64        `json:"timestamp"` // unix seconds
}

// NodeOverview is a point-in-time summary of a tracked node
type NodeOverview struct {
	IP          netip.Addr    `json:"ip"`
	Descriptor  *MachineInfo  `json:"machineInfo"`
	Usage       *MachineUsage `json:"usage"`
	LastUpdated time.Time     `json:"lastUpdated"`
}

// NodeDetail is a full copy of a tracked node including its usage history, newest first
type NodeDetail struct {
	IP          netip.Addr    `json:"ip"`
	Descriptor  *MachineInfo  `json:"machineInfo"`
	History     []UsageRecord `json:"usage"`
	LastUpdated time.Time     `json:"lastUpdated"`
}

// HostName returns the descriptor host name, or an empty string for unidentified nodes
func (o NodeOverview) HostName() string {
	if o.Descriptor == nil {
		return ""
	}
	return o.Descriptor.HostName
}
