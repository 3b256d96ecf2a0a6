package model

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// NodeEventType represents a lifecycle transition of a tracked node
type NodeEventType string

const (
	NodeEventDiscovered NodeEventType = "node_discovered"
	NodeEventIdentified NodeEventType = "node_identified"
	NodeEventReplaced   NodeEventType = "node_replaced"
	NodeEventEvicted    NodeEventType = "node_evicted"
)

// NodeEvent describes one lifecycle transition
type NodeEvent struct {
	ID       string        `json:"id"`
	Type     NodeEventType `json:"type"`
	IP       netip.Addr    `json:"ip"`
	HostName string        `json:"hostName,omitempty"`
	At       time.Time     `json:"at"`
}

// NewNodeEvent creates an event with a fresh ID
func NewNodeEvent(typ NodeEventType, ip netip.Addr, hostName string, at time.Time) NodeEvent {
	return NodeEvent{
		ID:       uuid.New().String(),
		Type:     typ,
		IP:       ip,
		HostName: hostName,
		At:       at,
	}
}
