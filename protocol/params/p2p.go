package params

// P2P protocol identifiers (libp2p stream protocol IDs).
//
// Plain strings so this package has no libp2p dependency.
const (
	P2PProtocolBase = "/vision/mainnet"

	ProtocolHandshake = P2PProtocolBase + "/handshake/1.0.0"
	ProtocolBlock     = P2PProtocolBase + "/block/1.0.0"
	ProtocolSync      = P2PProtocolBase + "/sync/1.0.0"
)
