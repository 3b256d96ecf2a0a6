package protocol

import "errors"

var (
	// ErrMalformed is returned when a datagram is not a JSON object
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownKind is returned when the discriminant field is missing or unknown
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrMissingField is returned when a required field is absent
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidIP is returned when an address field is not an IPv4 address
	ErrInvalidIP = errors.New("invalid ipv4 address")
)
