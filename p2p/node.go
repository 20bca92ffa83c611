package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"visionnode/protocol/params"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

// Protocol IDs
const (
	ProtocolHandshake protocol.ID = params.ProtocolHandshake
	ProtocolBlock     protocol.ID = params.ProtocolBlock
	ProtocolSync      protocol.ID = params.ProtocolSync
)

// NodeConfig configures the P2P node
type NodeConfig struct {
	// ListenAddrs are the multiaddrs to listen on
	ListenAddrs []string

	// SeedNodes are bootstrap peers to connect to initially
	SeedNodes []string

	MaxInbound  int
	MaxOutbound int

	// IdentityKey is the path of a persistent node key; empty means
	// ephemeral.
	IdentityKey string

	// Book receives admitted peers and backs the connection gater.
	Book *PeerBook

	// LocalHandshake returns this node's current hello.
	LocalHandshake func() Handshake

	Logger zerolog.Logger
}

// DefaultNodeConfig returns sensible defaults
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		MaxInbound:  48,
		MaxOutbound: 16,
	}
}

// Node is the libp2p host plus peer admission.
type Node struct {
	mu sync.RWMutex

	host   host.Host
	book   *PeerBook
	config NodeConfig
	log    zerolog.Logger
	seeds  []peer.AddrInfo

	localHandshake func() Handshake

	onBlock func(from peer.ID, data []byte)
	onAdmit func(peer.ID)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates the libp2p host; Start connects to seeds.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Book == nil {
		return nil, errors.New("p2p: node needs a peer book")
	}
	if cfg.LocalHandshake == nil {
		return nil, errors.New("p2p: node needs a local handshake source")
	}
	log := cfg.Logger.With().Str("component", "p2p").Logger()

	privKey, _, err := LoadOrCreateIdentity(cfg.IdentityKey, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	connMgr, err := connmgr.NewConnManager(
		cfg.MaxOutbound,                // low water
		cfg.MaxInbound+cfg.MaxOutbound, // high water
		connmgr.WithGracePeriod(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	node := &Node{
		book:           cfg.Book,
		config:         cfg,
		log:            log,
		seeds:          parseSeeds(cfg.SeedNodes, log),
		localHandshake: cfg.LocalHandshake,
		ctx:            ctx,
		cancel:         cancel,
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(connMgr),
		libp2p.ConnectionGater(NewAdmissionGater(cfg.Book.IsIncompatible)),
		libp2p.UserAgent(params.NodeVersion),
		libp2p.NATPortMap(),
		libp2p.DisableRelay(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	node.host = h

	h.SetStreamHandler(ProtocolHandshake, node.handleHandshakeStream)
	h.SetStreamHandler(ProtocolBlock, node.handleBlockStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			if c.Stat().Direction == network.DirOutbound {
				go node.dialHandshake(c.RemotePeer())
			}
		},
		DisconnectedF: func(net network.Network, c network.Conn) {
			if net.Connectedness(c.RemotePeer()) != network.Connected {
				node.book.RemovePeer(c.RemotePeer())
			}
		},
	})

	return node, nil
}

func parseSeeds(addrs []string, log zerolog.Logger) []peer.AddrInfo {
	seeds := make([]peer.AddrInfo, 0, len(addrs))
	for _, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("skipping bad seed address")
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("skipping seed without peer id")
			continue
		}
		seeds = append(seeds, *pi)
	}
	return seeds
}

// Start connects to seeds and runs the reconnect and trust upkeep loops.
func (n *Node) Start() error {
	connected := n.connectToSeeds()
	if connected == 0 && len(n.seeds) > 0 {
		n.log.Warn().Int("seeds", len(n.seeds)).Msg("no seed node reachable yet")
	}
	n.wg.Add(1)
	go n.upkeepLoop()
	return nil
}

// Stop closes the host and waits for background loops.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()
	return n.host.Close()
}

// connectToSeeds dials every seed that is not us, returning how many
// connected.
func (n *Node) connectToSeeds() int {
	self := n.host.ID()
	connected := 0
	for _, seed := range n.seeds {
		if seed.ID == self {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		err := n.host.Connect(ctx, seed)
		cancel()
		if err != nil {
			n.log.Debug().Err(err).Str("peer", seed.ID.String()).Msg("seed dial failed")
			continue
		}
		connected++
	}
	return connected
}

// upkeepLoop redials seeds when isolated and prunes expired trust records.
func (n *Node) upkeepLoop() {
	defer n.wg.Done()
	reconnect := time.NewTicker(15 * time.Second)
	defer reconnect.Stop()
	prune := time.NewTicker(30 * time.Minute)
	defer prune.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-reconnect.C:
			if len(n.host.Network().Peers()) == 0 {
				n.connectToSeeds()
			}
		case <-prune.C:
			if pruned := n.book.PruneExpired(); pruned > 0 {
				n.log.Debug().Int("records", pruned).Msg("pruned expired trust records")
			}
		}
	}
}

func (n *Node) closeStream(s network.Stream, what string) {
	if err := s.Close(); err != nil && !isExpectedStreamCloseError(err) {
		n.log.Debug().Err(err).Str("stream", what).Msg("failed to close stream")
	}
}

// handleBlockStream handles incoming block announcements from admitted
// peers.
func (n *Node) handleBlockStream(s network.Stream) {
	defer n.closeStream(s, "block")
	from := s.Conn().RemotePeer()
	if !n.book.IsAdmitted(from) {
		return
	}
	if err := s.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return
	}
	data, err := readLengthPrefixedWithLimit(s, MaxBlockStreamPayloadSize)
	if err != nil {
		return
	}

	n.mu.RLock()
	handler := n.onBlock
	n.mu.RUnlock()
	if handler != nil {
		handler(from, data)
	}
}

// SetBlockHandler sets the callback for announced blocks
func (n *Node) SetBlockHandler(handler func(from peer.ID, data []byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onBlock = handler
}

// SetAdmitHandler sets the callback run after a peer passes the handshake.
func (n *Node) SetAdmitHandler(handler func(peer.ID)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onAdmit = handler
}

// BroadcastBlock sends a block to every admitted peer except skip.
func (n *Node) BroadcastBlock(skip peer.ID, data []byte) {
	for _, p := range n.book.Snapshot() {
		if p.ID == skip {
			continue
		}
		go func(pid peer.ID) {
			if err := n.sendToPeer(pid, ProtocolBlock, data); err != nil && !isExpectedStreamCloseError(err) {
				n.log.Debug().Err(err).Str("peer", pid.String()).Msg("block announce failed")
			}
		}(p.ID)
	}
}

// sendToPeer sends data to a specific peer using the given protocol
func (n *Node) sendToPeer(p peer.ID, proto protocol.ID, data []byte) error {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	s, err := n.host.NewStream(ctx, p, proto)
	if err != nil {
		return err
	}
	defer n.closeStream(s, string(proto))
	return writeLengthPrefixed(s, data)
}

// Host returns the underlying libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// PeerID returns this node's peer ID
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// Book returns the peer book.
func (n *Node) Book() *PeerBook {
	return n.book
}

// Connect attempts to connect to a peer
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return n.host.Connect(ctx, pi)
}

// FullMultiaddrs returns listen addresses with the /p2p suffix other nodes
// need to dial us.
func (n *Node) FullMultiaddrs() []string {
	pid := n.PeerID()
	addrs := n.host.Addrs()
	full := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		full = append(full, fmt.Sprintf("%s/p2p/%s", addr, pid))
	}
	return full
}
