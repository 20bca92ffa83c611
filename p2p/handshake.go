package p2p

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"visionnode/protocol/params"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrIncompatiblePeer marks a peer on another chain or PoW rule set. Such
// peers are disconnected at handshake and never admitted.
var ErrIncompatiblePeer = errors.New("incompatible peer")

const (
	handshakeMsgHello byte = 0x01

	// MaxHandshakeMessageSize caps the hello payload.
	MaxHandshakeMessageSize = 4 * 1024

	handshakeTimeout = 15 * time.Second
)

// Handshake is exchanged once per connection before any other protocol is
// served.
type Handshake struct {
	ChainID          uint32   `json:"chain_id"`
	GenesisHash      [32]byte `json:"genesis_hash"`
	ProtocolVersion  string   `json:"protocol_version"`
	NodeVersion      string   `json:"node_version"`
	PowParamsHash    [32]byte `json:"pow_params_hash"`
	PowMsgVersion    uint32   `json:"pow_msg_version"`
	AdvertisedHeight uint64   `json:"advertised_height"`
}

// LocalHandshake builds this node's hello from the consensus constants.
func LocalHandshake(genesis [32]byte, height uint64) Handshake {
	return Handshake{
		ChainID:          params.ChainID,
		GenesisHash:      genesis,
		ProtocolVersion:  params.ProtocolVersion,
		NodeVersion:      params.NodeVersion,
		PowParamsHash:    params.PowParamsHash(),
		PowMsgVersion:    params.PowMessageVersion,
		AdvertisedHeight: height,
	}
}

// CheckCompatibility compares a remote hello against ours. Chain id,
// genesis, PoW fingerprint and PoW message layout must match; version
// differences only produce warnings.
func CheckCompatibility(local, remote Handshake) (warnings []string, err error) {
	switch {
	case remote.ChainID != local.ChainID:
		return nil, fmt.Errorf("%w: chain id %#x, want %#x", ErrIncompatiblePeer, remote.ChainID, local.ChainID)
	case remote.GenesisHash != local.GenesisHash:
		return nil, fmt.Errorf("%w: genesis %s", ErrIncompatiblePeer, hex.EncodeToString(remote.GenesisHash[:8]))
	case remote.PowParamsHash != local.PowParamsHash:
		return nil, fmt.Errorf("%w: pow params %s", ErrIncompatiblePeer, hex.EncodeToString(remote.PowParamsHash[:8]))
	case remote.PowMsgVersion != local.PowMsgVersion:
		return nil, fmt.Errorf("%w: pow message version %d, want %d", ErrIncompatiblePeer, remote.PowMsgVersion, local.PowMsgVersion)
	}
	if remote.ProtocolVersion != local.ProtocolVersion {
		warnings = append(warnings, fmt.Sprintf("protocol version %q, ours %q", remote.ProtocolVersion, local.ProtocolVersion))
	}
	if remote.NodeVersion != local.NodeVersion {
		warnings = append(warnings, fmt.Sprintf("node version %q, ours %q", remote.NodeVersion, local.NodeVersion))
	}
	return warnings, nil
}

func handshakeMessageMaxSize(msgType byte) (uint32, error) {
	if msgType != handshakeMsgHello {
		return 0, fmt.Errorf("unknown handshake message type: %d", msgType)
	}
	return MaxHandshakeMessageSize, nil
}

func writeHello(w io.Writer, hs Handshake) error {
	data, err := json.Marshal(hs)
	if err != nil {
		return err
	}
	return writeMessage(w, handshakeMsgHello, data)
}

func readHello(r io.Reader) (Handshake, error) {
	_, data, err := readMessageWithLimit(r, handshakeMessageMaxSize)
	if err != nil {
		return Handshake{}, err
	}
	var hs Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return Handshake{}, fmt.Errorf("decode hello: %w", err)
	}
	return hs, nil
}

// handleHandshakeStream answers an inbound hello.
func (n *Node) handleHandshakeStream(s network.Stream) {
	defer n.closeStream(s, "handshake")
	pid := s.Conn().RemotePeer()
	if err := s.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}
	remote, err := readHello(s)
	if err != nil {
		n.log.Debug().Err(err).Str("peer", pid.String()).Msg("bad hello")
		return
	}
	if err := writeHello(s, n.localHandshake()); err != nil {
		return
	}
	n.admit(pid, remote)
}

// dialHandshake runs the outbound side of the handshake.
func (n *Node) dialHandshake(pid peer.ID) {
	ctx, cancel := context.WithTimeout(n.ctx, handshakeTimeout)
	defer cancel()

	s, err := n.host.NewStream(ctx, pid, ProtocolHandshake)
	if err != nil {
		n.log.Debug().Err(err).Str("peer", pid.String()).Msg("handshake stream failed")
		return
	}
	defer n.closeStream(s, "handshake")
	if err := s.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}
	if err := writeHello(s, n.localHandshake()); err != nil {
		return
	}
	remote, err := readHello(s)
	if err != nil {
		n.log.Debug().Err(err).Str("peer", pid.String()).Msg("no hello reply")
		return
	}
	n.admit(pid, remote)
}

// admit checks a remote hello and either admits the peer or drops it.
func (n *Node) admit(pid peer.ID, remote Handshake) {
	warnings, err := CheckCompatibility(n.localHandshake(), remote)
	if err != nil {
		handshakesTotal.WithLabelValues("rejected").Inc()
		n.log.Warn().Err(err).Str("peer", pid.String()).Msg("rejecting incompatible peer")
		n.book.MarkIncompatible(pid)
		if cerr := n.host.Network().ClosePeer(pid); cerr != nil {
			n.log.Debug().Err(cerr).Str("peer", pid.String()).Msg("close incompatible peer")
		}
		return
	}
	for _, w := range warnings {
		n.log.Warn().Str("peer", pid.String()).Msg("version mismatch: " + w)
	}
	handshakesTotal.WithLabelValues("admitted").Inc()
	n.book.AddPeer(pid, n.host.Peerstore().Addrs(pid), remote)

	n.mu.RLock()
	onAdmit := n.onAdmit
	n.mu.RUnlock()
	if onAdmit != nil {
		onAdmit(pid)
	}
}
