package protocol

const (
	// DefaultManagerPort is the port the manager binds for discovery traffic
	DefaultManagerPort = 7878

	// DefaultNodePort is the well-known port node agents listen on
	DefaultNodePort = 7879

	// MaxDatagramSize is the receive buffer size on both sides of the wire.
	// Larger datagrams are truncated and fail to decode.
	MaxDatagramSize = 1024

	// BroadcastAddress is the limited broadcast address used for usage requests
	BroadcastAddress = "255.255.255.255"
)
