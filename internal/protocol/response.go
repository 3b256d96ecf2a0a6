package protocol

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/t77yq/netwatch/internal/model"
)

// ResponseKind is the discriminant of a node agent response
type ResponseKind string

const (
	ResponseSpec          ResponseKind = "spec"
	ResponseUsageOverview ResponseKind = "usageOverview"
)

// Response is a message sent by a node agent back to the manager.
// It is either a *SpecResponse or a *UsageOverviewResponse.
type Response interface {
	Kind() ResponseKind
	Source() netip.Addr
}

// SpecResponse carries the descriptor of the responding node
type SpecResponse struct {
	IP   netip.Addr
	Spec model.MachineInfo
}

func (r *SpecResponse) Kind() ResponseKind  { return ResponseSpec }
func (r *SpecResponse) Source() netip.Addr { return r.IP }

// UsageOverviewResponse carries one telemetry sample of the responding node
type UsageOverviewResponse struct {
	IP    netip.Addr
	Usage model.MachineUsage
}

func (r *UsageOverviewResponse) Kind() ResponseKind  { return ResponseUsageOverview }
func (r *UsageOverviewResponse) Source() netip.Addr { return r.IP }

type responseWire struct {
	Kind  ResponseKind        `json:"response"`
	IP    string              `json:"ip"`
	Spec  *model.MachineInfo  `json:"spec,omitempty"`
	Usage *model.MachineUsage `json:"usage,omitempty"`
}

// EncodeResponse serializes a response for the wire
func EncodeResponse(resp Response) ([]byte, error) {
	var wire responseWire
	switch r := resp.(type) {
	case *SpecResponse:
		spec := r.Spec
		wire = responseWire{Kind: ResponseSpec, IP: r.IP.String(), Spec: &spec}
	case *UsageOverviewResponse:
		usage := r.Usage
		wire = responseWire{Kind: ResponseUsageOverview, IP: r.IP.String(), Usage: &usage}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, resp)
	}
	return json.Marshal(wire)
}

// DecodeResponse parses a datagram received by the manager
func DecodeResponse(data []byte) (Response, error) {
	var wire responseWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch wire.Kind {
	case ResponseSpec, ResponseUsageOverview:
	case "":
		return nil, fmt.Errorf("%w: no response field", ErrUnknownKind)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, wire.Kind)
	}

	if wire.IP == "" {
		return nil, fmt.Errorf("%w: ip", ErrMissingField)
	}
	ip, err := ParseIPv4(wire.IP)
	if err != nil {
		return nil, err
	}

	if wire.Kind == ResponseSpec {
		if wire.Spec == nil {
			return nil, fmt.Errorf("%w: spec", ErrMissingField)
		}
		return &SpecResponse{IP: ip, Spec: *wire.Spec}, nil
	}

	if wire.Usage == nil {
		return nil, fmt.Errorf("%w: usage", ErrMissingField)
	}
	return &UsageOverviewResponse{IP: ip, Usage: *wire.Usage}, nil
}

// ParseIPv4 parses s as an IPv4 address, accepting IPv4-mapped IPv6 forms
func ParseIPv4(s string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidIP, s)
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidIP, s)
	}
	return ip, nil
}
