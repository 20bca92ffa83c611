package params

// NetworkID names the network in logs, on-disk paths and the genesis
// message. It is not part of the handshake; ChainID is.
const NetworkID = "vision_mainnet"

// ChainID identifies the chain in the handshake. Peers with a different
// value are never admitted.
const ChainID uint32 = 0x56495331

// Version strings exchanged in the handshake. A mismatch is logged but does
// not block the connection.
const (
	ProtocolVersion = "vision/1"
	NodeVersion     = "visiond/1.0.3"
)

// GenesisMessage seeds the genesis parent hash.
const GenesisMessage = "Vision mainnet genesis: the chain starts here"

// GenesisTimestamp is the fixed genesis block timestamp (2025-10-01 00:00:00 UTC).
const GenesisTimestamp uint64 = 1759276800
