package api

import (
	"net/netip"

	"github.com/t77yq/netwatch/internal/model"
)

// NodeSummary is one entry of the node list
type NodeSummary struct {
	IP          netip.Addr          `json:"ip"`
	MachineInfo *model.MachineInfo  `json:"machineInfo"`
	Usage       *model.MachineUsage `json:"usage"`
	LastUpdated int64               `json:"lastUpdated"` // unix seconds
}

// NodeResponse is the full view of one node, usage newest first
type NodeResponse struct {
	IP          netip.Addr          `json:"ip"`
	MachineInfo *model.MachineInfo  `json:"machineInfo"`
	Usage       []model.UsageRecord `json:"usage"`
	LastUpdated int64               `json:"lastUpdated"` // unix seconds
}

// EventListResponse is a page of journal entries
type EventListResponse struct {
	Events []model.NodeEvent `json:"events"`
	Total  int               `json:"total"`
	Offset int               `json:"offset"`
	Limit  int               `json:"limit"`
}

// HealthResponse reports liveness of the manager
type HealthResponse struct {
	Status string `json:"status"`
	Nodes  int    `json:"nodes"`
	Uptime string `json:"uptime"`
	// StreamClients counts event subscribers, websocket clients and sinks alike
	StreamClients int    `json:"streamClients"`
	EventsDropped uint64 `json:"eventsDropped"`
}

// StreamMessage is one frame of the live event feed
type StreamMessage struct {
	Type   string           `json:"type"`
	Event  *model.NodeEvent `json:"event,omitempty"`
	Missed uint64           `json:"missed,omitempty"`
}

const (
	streamMessageEvent  = "event"
	streamMessageLagged = "lagged"
)

func newNodeSummary(o model.NodeOverview) NodeSummary {
	return NodeSummary{
		IP:          o.IP,
		MachineInfo: o.Descriptor,
		Usage:       o.Usage,
		LastUpdated: o.LastUpdated.Unix(),
	}
}

func newNodeResponse(d model.NodeDetail) NodeResponse {
	usage := d.History
	if usage == nil {
		usage = []model.UsageRecord{}
	}
	return NodeResponse{
		IP:          d.IP,
		MachineInfo: d.Descriptor,
		Usage:       usage,
		LastUpdated: d.LastUpdated.Unix(),
	}
}
