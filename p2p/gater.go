package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// disconnectIncompatible is reported to libp2p for refused connections.
const disconnectIncompatible control.DisconnectReason = 1

// AdmissionGater implements libp2p's ConnectionGater. It refuses peers
// that recently failed the handshake compatibility check. Quarantined
// peers are not refused: they stay connected so they can recover.
type AdmissionGater struct {
	isRefused func(peer.ID) bool
}

// NewAdmissionGater creates a gater backed by isRefused.
func NewAdmissionGater(isRefused func(peer.ID) bool) *AdmissionGater {
	return &AdmissionGater{isRefused: isRefused}
}

func (g *AdmissionGater) refused(pid peer.ID) bool {
	return g.isRefused != nil && g.isRefused(pid)
}

// InterceptPeerDial tests whether we're permitted to dial the peer
func (g *AdmissionGater) InterceptPeerDial(pid peer.ID) bool {
	return !g.refused(pid)
}

// InterceptAddrDial tests whether we're permitted to dial the address
func (g *AdmissionGater) InterceptAddrDial(pid peer.ID, _ multiaddr.Multiaddr) bool {
	return !g.refused(pid)
}

// InterceptAccept allows every inbound connection; the peer ID is not
// known yet.
func (g *AdmissionGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured tests whether a secured connection is allowed
func (g *AdmissionGater) InterceptSecured(_ network.Direction, pid peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.refused(pid)
}

// InterceptUpgraded tests whether a fully upgraded connection is allowed
func (g *AdmissionGater) InterceptUpgraded(conn network.Conn) (bool, control.DisconnectReason) {
	if g.refused(conn.RemotePeer()) {
		return false, disconnectIncompatible
	}
	return true, 0
}
