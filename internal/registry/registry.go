// Package registry keeps the live set of discovered nodes, their descriptors
// and a bounded usage history per node.
package registry

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/t77yq/netwatch/internal/model"
)

// DefaultHistoryCapacity is the number of usage records kept per node
const DefaultHistoryCapacity = 500

// DescriptorResult reports what UpsertDescriptor did
type DescriptorResult int

const (
	// DescriptorDropped means the IP is not tracked and the descriptor was discarded
	DescriptorDropped DescriptorResult = iota
	// DescriptorIdentified means the node received its first descriptor
	DescriptorIdentified
	// DescriptorUnchanged means the stored descriptor already matched
	DescriptorUnchanged
	// DescriptorReplaced means a different machine now answers on this IP and history was reset
	DescriptorReplaced
)

func (r DescriptorResult) String() string {
	switch r {
	case DescriptorDropped:
		return "dropped"
	case DescriptorIdentified:
		return "identified"
	case DescriptorUnchanged:
		return "unchanged"
	case DescriptorReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

type node struct {
	ip          netip.Addr
	descriptor  *model.MachineInfo
	history     *history
	lastUpdated time.Time
}

func (n *node) overview() model.NodeOverview {
	o := model.NodeOverview{
		IP:          n.ip,
		LastUpdated: n.lastUpdated,
	}
	if n.descriptor != nil {
		info := *n.descriptor
		o.Descriptor = &info
	}
	if rec, ok := n.history.newest(); ok {
		usage := rec.Usage.Clone()
		o.Usage = &usage
	}
	return o
}

func (n *node) detail() model.NodeDetail {
	d := model.NodeDetail{
		IP:          n.ip,
		History:     n.history.snapshot(),
		LastUpdated: n.lastUpdated,
	}
	if n.descriptor != nil {
		info := *n.descriptor
		d.Descriptor = &info
	}
	return d
}

// Option configures a Registry
type Option func(*Registry)

// WithClock sets the time source used to stamp records and liveness
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithHistoryCapacity overrides the per-node history capacity
func WithHistoryCapacity(capacity int) Option {
	return func(r *Registry) {
		if capacity > 0 {
			r.capacity = capacity
		}
	}
}

// Registry is a concurrent store of nodes keyed by IPv4 address. Reads take
// the shared lock, writes the exclusive one; every method is atomic with
// respect to every other.
type Registry struct {
	mu       sync.RWMutex
	nodes    map[netip.Addr]*node
	clock    clock.Clock
	capacity int
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		nodes:    make(map[netip.Addr]*node),
		clock:    clock.New(),
		capacity: DefaultHistoryCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UpsertUsage records a usage sample for ip and reports whether the node was
// not tracked before this call. The check and the insert share one critical
// section, so concurrent first reports for the same IP yield exactly one true.
func (r *Registry) UpsertUsage(ip netip.Addr, usage model.MachineUsage) bool {
	now := r.clock.Now()
	rec := model.UsageRecord{Usage: usage.Clone(), Timestamp: now.Unix()}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[ip]
	if !ok {
		n = &node{ip: ip, history: newHistory(r.capacity)}
		r.nodes[ip] = n
	}
	n.history.push(rec)
	n.lastUpdated = now

	return !ok
}

// UpsertDescriptor stores the descriptor of a tracked node. Descriptors for
// unknown IPs are dropped. A descriptor that differs from the stored one
// clears the usage history since a different machine now owns the address.
func (r *Registry) UpsertDescriptor(ip netip.Addr, info model.MachineInfo) DescriptorResult {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[ip]
	if !ok {
		return DescriptorDropped
	}
	n.lastUpdated = now

	result := DescriptorIdentified
	if n.descriptor != nil {
		if *n.descriptor == info {
			return DescriptorUnchanged
		}
		n.history.reset()
		result = DescriptorReplaced
	}
	n.descriptor = &info

	return result
}

// Overview returns a summary of every tracked node in no particular order
func (r *Registry) Overview() []model.NodeOverview {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.NodeOverview, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.overview())
	}
	return out
}

// Node returns a full copy of the node tracked under ip
func (r *Registry) Node(ip netip.Addr) (model.NodeDetail, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[ip]
	if !ok {
		return model.NodeDetail{}, false
	}
	return n.detail(), true
}

// Evict removes ip unconditionally and reports whether it was tracked
func (r *Registry) Evict(ip netip.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[ip]; !ok {
		return false
	}
	delete(r.nodes, ip)
	return true
}

// EvictIfStale removes ip only if its last update is still before cutoff
func (r *Registry) EvictIfStale(ip netip.Addr, cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[ip]
	if !ok || !n.lastUpdated.Before(cutoff) {
		return false
	}
	delete(r.nodes, ip)
	return true
}

// Len returns the number of tracked nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
