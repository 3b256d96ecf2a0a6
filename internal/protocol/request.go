package protocol

import (
	"encoding/json"
	"fmt"
)

// RequestKind is the discriminant of a manager request
type RequestKind string

const (
	RequestSpec          RequestKind = "spec"
	RequestUsageOverview RequestKind = "usageOverview"
)

// Request is a message sent by the manager to node agents
type Request struct {
	Kind     RequestKind `json:"request"`
	SenderIP string      `json:"senderIp"`
}

// NewSpecRequest creates a descriptor request
func NewSpecRequest(senderIP string) Request {
	return Request{Kind: RequestSpec, SenderIP: senderIP}
}

// NewUsageOverviewRequest creates a telemetry request
func NewUsageOverviewRequest(senderIP string) Request {
	return Request{Kind: RequestUsageOverview, SenderIP: senderIP}
}

// EncodeRequest serializes a request for the wire
func EncodeRequest(req Request) ([]byte, error) {
	switch req.Kind {
	case RequestSpec, RequestUsageOverview:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	return json.Marshal(req)
}

// DecodeRequest parses a datagram received by a node agent
func DecodeRequest(data []byte) (Request, error) {
	var wire struct {
		Kind     *RequestKind `json:"request"`
		SenderIP *string      `json:"senderIp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Kind == nil {
		return Request{}, fmt.Errorf("%w: no request field", ErrUnknownKind)
	}

	switch *wire.Kind {
	case RequestSpec, RequestUsageOverview:
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownKind, *wire.Kind)
	}
	if wire.SenderIP == nil {
		return Request{}, fmt.Errorf("%w: senderIp", ErrMissingField)
	}

	return Request{Kind: *wire.Kind, SenderIP: *wire.SenderIP}, nil
}
