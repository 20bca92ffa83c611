package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"visionnode/p2p"
	"visionnode/protocol/params"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Daemon wires the chain core to storage, the network and the miner.
type Daemon struct {
	cfg Config
	log zerolog.Logger

	// Core components
	storage *Storage
	mempool *Mempool
	chain   *Chain
	hasher  PowHasher
	miner   *Miner
	fetcher *ParentFetcher

	// P2P layer
	book    *p2p.PeerBook
	node    *p2p.Node
	syncMgr *p2p.SyncManager

	metrics *http.Server

	// State
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemon opens storage, restores the chain and builds the network
// stack. Nothing runs until Start.
func NewDaemon(cfg Config, log zerolog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:    cfg,
		log:    log,
		hasher: Argon2Hasher{},
		ctx:    ctx,
		cancel: cancel,
	}
	if err := d.build(); err != nil {
		cancel()
		if d.storage != nil {
			if cerr := d.storage.Close(); cerr != nil {
				err = multierror.Append(err, cerr)
			}
		}
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	var err error
	d.storage, err = NewStorage(d.cfg.DataDir)
	if err != nil {
		return err
	}
	d.mempool = NewMempool(DefaultMempoolConfig())

	d.book, err = p2p.NewPeerBook(p2p.PeerBookConfig{Store: d.storage, Logger: d.log})
	if err != nil {
		return err
	}

	d.chain, err = NewChain(ChainConfig{
		Policy:         d.cfg.Chain,
		Hasher:         d.hasher,
		Effects:        d.mempool,
		Store:          d.storage,
		Override:       &EnvResetOverride{},
		BestPeerHeight: d.book.BestValidatedHeight,
		Logger:         d.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain: %w", err)
	}

	identity := d.cfg.P2P.IdentityKey
	if identity != "" && !filepath.IsAbs(identity) {
		identity = filepath.Join(d.cfg.DataDir, identity)
	}
	d.node, err = p2p.NewNode(p2p.NodeConfig{
		ListenAddrs: d.cfg.P2P.ListenAddrs,
		SeedNodes:   d.cfg.P2P.SeedNodes,
		MaxInbound:  d.cfg.P2P.MaxInbound,
		MaxOutbound: d.cfg.P2P.MaxOutbound,
		IdentityKey: identity,
		Book:        d.book,
		LocalHandshake: func() p2p.Handshake {
			return p2p.LocalHandshake(GenesisHash(), d.chain.TipHeight())
		},
		Logger: d.log,
	})
	if err != nil {
		return fmt.Errorf("failed to create P2P node: %w", err)
	}

	d.syncMgr, err = p2p.NewSyncManager(d.node, p2p.SyncConfig{
		Book:               d.book,
		GetStatus:          d.chainStatus,
		HashAtHeight:       d.chain.HashAtHeight,
		GetBlocksByHeight:  d.blocksByHeight,
		GetBlockByHash:     d.blockByHash,
		VerifyBlock:        d.verifyBlockData,
		ProcessBlock:       d.processSyncedBlock,
		StrikeFor:          strikeReasonFor,
		OnNoCommonAncestor: d.recoverFromFork,
		MinQuorum:          d.cfg.P2P.MinQuorum,
		Interval:           d.cfg.P2P.SyncInterval,
		Logger:             d.log,
	})
	if err != nil {
		return err
	}

	d.fetcher = NewParentFetcher(DefaultFetcherConfig(), syncBlockSource{d.syncMgr}, d.deliverFetched, d.log)
	d.chain.SetFetcher(d.fetcher)

	d.miner = NewMiner(d.chain, d.mempool, d.hasher, MinerConfig{
		MinerAddress: d.cfg.Mining.MinerAddress,
		Policy: p2p.MiningPolicy{
			MaxLag:                 d.cfg.Mining.MaxLag,
			MinPeers:               d.cfg.Mining.MinPeers,
			GenesisExemptionHeight: d.cfg.Mining.GenesisExemptionHeight,
		},
		Snapshot: d.eligibilitySnapshot,
		Logger:   d.log,
	})

	d.node.SetBlockHandler(d.handleBlock)
	d.node.SetAdmitHandler(func(peer.ID) { d.syncMgr.TriggerSync() })

	if d.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		d.metrics = &http.Server{
			Addr:              d.cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return nil
}

// Start begins daemon operations
func (d *Daemon) Start() error {
	if err := d.node.Start(); err != nil {
		return fmt.Errorf("failed to start P2P: %w", err)
	}
	d.syncMgr.Start()

	if d.metrics != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.log.Info().Str("addr", d.metrics.Addr).Msg("metrics listening")
			if err := d.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	d.wg.Add(1)
	go d.housekeeping()

	if d.cfg.Mining.Enabled {
		d.StartMining()
	}

	tipHash := d.chain.TipHash()
	d.log.Info().
		Str("peer_id", d.node.PeerID().String()).
		Strs("listen", d.node.FullMultiaddrs()).
		Uint64("height", d.chain.TipHeight()).
		Hex("tip", tipHash[:8]).
		Msg("daemon started")
	return nil
}

// Stop gracefully shuts down the daemon, returning every shutdown error.
func (d *Daemon) Stop() error {
	d.log.Info().Msg("shutting down daemon")
	d.cancel()
	d.miner.Stop()
	d.syncMgr.Stop()
	d.fetcher.Stop()

	var result *multierror.Error
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metrics.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics: %w", err))
		}
		cancel()
	}
	if err := d.node.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("p2p: %w", err))
	}
	d.wg.Wait()
	if err := d.storage.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("storage: %w", err))
	}
	return result.ErrorOrNil()
}

// housekeeping expires stale mempool entries and orphans.
func (d *Daemon) housekeeping() {
	defer d.wg.Done()
	mempoolTicker := time.NewTicker(10 * time.Minute)
	defer mempoolTicker.Stop()
	orphanTicker := time.NewTicker(time.Minute)
	defer orphanTicker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-orphanTicker.C:
			if n := d.chain.PruneExpiredOrphans(); n > 0 {
				d.log.Debug().Int("blocks", n).Msg("expired orphan blocks")
			}
		case <-mempoolTicker.C:
			if n := d.mempool.RemoveExpired(); n > 0 {
				d.log.Debug().Int("txs", n).Msg("expired mempool transactions")
			}
		}
	}
}

// StartMining begins mining blocks
func (d *Daemon) StartMining() {
	blockChan := make(chan *Block, 4)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.ctx.Done():
				return
			case block := <-blockChan:
				d.handleMinedBlock(block)
			}
		}
	}()
	d.miner.Start(d.ctx, blockChan)
	d.log.Info().Str("miner", d.cfg.Mining.MinerAddress).Msg("mining started")
}

// handleMinedBlock submits a block we mined and announces it if it became
// the tip.
func (d *Daemon) handleMinedBlock(block *Block) {
	res, err := d.chain.SubmitMinedBlock(block)
	d.applyDiscarded(res)
	if err != nil {
		d.log.Warn().Err(err).Uint64("height", block.Header.Height).Msg("mined block refused")
		return
	}
	if res.State != AcceptedCanonical {
		return
	}
	d.log.Info().Uint64("height", res.Height).Hex("hash", res.Hash[:8]).Msg("mined block")
	if data, err := json.Marshal(block); err == nil {
		d.node.BroadcastBlock("", data)
	}
}

// handleBlock processes a block announced by a peer.
func (d *Daemon) handleBlock(from peer.ID, data []byte) {
	block, err := decodeBlock(data)
	if err != nil {
		d.book.AddStrike(from, p2p.StrikeInvalidBlock)
		return
	}
	res, _ := d.acceptFromPeer(block, from)
	if res.State == AcceptedCanonical {
		d.node.BroadcastBlock(from, data)
	}
}

// deliverFetched feeds a fetched ancestor back through acceptance.
func (d *Daemon) deliverFetched(block *Block, from peer.ID) {
	d.acceptFromPeer(block, from)
}

// acceptFromPeer runs a peer block through acceptance and applies the
// trust consequences: strikes for rejected blocks, a validated height for
// blocks that checked out and connect to genesis.
func (d *Daemon) acceptFromPeer(block *Block, from peer.ID) (AcceptResult, error) {
	res, err := d.chain.ProcessBlock(block, from)
	d.applyDiscarded(res)
	if res.State == AcceptedCanonical {
		d.miner.NotifyNewBlock()
	}
	if from == "" {
		return res, err
	}
	if res.Strike != "" {
		d.book.AddStrike(from, res.Strike)
	}
	switch res.State {
	case AcceptedCanonical:
		d.book.RecordValidatedHeight(from, block.Header.Height)
	case AcceptedSide, AlreadyKnown:
		// A pooled block above a gap proves nothing about the sender's chain.
		if d.chain.IsConnected(res.Hash) {
			d.book.RecordValidatedHeight(from, block.Header.Height)
		}
	}
	return res, err
}

// applyDiscarded strikes the sources of pooled blocks dropped while res
// was being accepted.
func (d *Daemon) applyDiscarded(res AcceptResult) {
	for _, s := range res.Discarded {
		d.book.AddStrike(s.Peer, s.Reason)
	}
}

// processSyncedBlock is the sync coordinator's entry into acceptance.
func (d *Daemon) processSyncedBlock(from peer.ID, data []byte) (bool, error) {
	block, err := decodeBlock(data)
	if err != nil {
		d.book.AddStrike(from, p2p.StrikeInvalidBlock)
		return false, err
	}
	res, err := d.acceptFromPeer(block, from)
	if res.State == Rejected {
		if err == nil {
			err = fmt.Errorf("block %x rejected", res.Hash[:8])
		}
		return false, err
	}
	return res.State != Deferred, nil
}

// verifyBlockData checks a serialized block without touching chain state.
func (d *Daemon) verifyBlockData(data []byte) (p2p.VerifiedBlock, error) {
	block, err := decodeBlock(data)
	if err != nil {
		return p2p.VerifiedBlock{}, err
	}
	if err := ValidateStructure(block, time.Now()); err != nil {
		return p2p.VerifiedBlock{}, err
	}
	if err := CheckPoW(d.hasher, &block.Header); err != nil {
		return p2p.VerifiedBlock{}, err
	}
	return p2p.VerifiedBlock{
		Height: block.Header.Height,
		Hash:   block.Hash(),
		Parent: block.Header.ParentHash,
	}, nil
}

// recoverFromFork handles a sync source that shares only genesis with us.
// The wipe goes through the safety guard; when it is refused the normal
// reorg path, bounded by the depth policy, decides instead.
func (d *Daemon) recoverFromFork(p peer.ID) {
	d.log.Warn().Str("peer", p.String()).Uint64("height", d.chain.TipHeight()).
		Msg("sync source shares only genesis with local chain")
	if err := d.chain.ResetToGenesis(); err != nil {
		d.log.Error().Err(err).Msg("sync recovery reset refused")
	}
}

func (d *Daemon) chainStatus() p2p.ChainStatus {
	_, hash := d.chain.Tip()
	work := d.chain.TotalWork()
	return p2p.ChainStatus{
		TipHash:   hash,
		Height:    d.chain.TipHeight(),
		TotalWork: work.Dec(),
		NetworkID: params.NetworkID,
		ChainID:   params.ChainID,
	}
}

func (d *Daemon) blocksByHeight(start uint64, max int) [][]byte {
	var out [][]byte
	for i := 0; i < max; i++ {
		block := d.chain.GetBlockByHeight(start + uint64(i))
		if block == nil {
			break
		}
		data, err := json.Marshal(block)
		if err != nil {
			break
		}
		out = append(out, data)
	}
	return out
}

func (d *Daemon) blockByHash(hash [32]byte) ([]byte, bool) {
	block, ok := d.chain.GetBlock(hash)
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(block)
	return data, err == nil
}

func (d *Daemon) eligibilitySnapshot() p2p.EligibilitySnapshot {
	return p2p.EligibilitySnapshot{
		LocalHeight:         d.chain.TipHeight(),
		EligiblePeers:       d.book.EligibleCount(),
		BestValidatedHeight: d.book.BestValidatedHeight(),
	}
}

// DaemonStats is a point-in-time summary of the node.
type DaemonStats struct {
	PeerID        string `json:"peer_id"`
	Peers         int    `json:"peers"`
	Eligible      int    `json:"eligible_peers"`
	ChainHeight   uint64 `json:"chain_height"`
	TipHash       string `json:"tip_hash"`
	TotalWork     string `json:"total_work"`
	SidePool      int    `json:"side_pool"`
	MempoolSize   int    `json:"mempool_size"`
	Syncing       bool   `json:"syncing"`
	BestValidated uint64 `json:"best_validated_height"`
}

func (d *Daemon) Stats() DaemonStats {
	_, hash := d.chain.Tip()
	work := d.chain.TotalWork()
	syncing, _, _ := d.syncMgr.IsSyncing()
	return DaemonStats{
		PeerID:        d.node.PeerID().String(),
		Peers:         len(d.book.Snapshot()),
		Eligible:      d.book.EligibleCount(),
		ChainHeight:   d.chain.TipHeight(),
		TipHash:       fmt.Sprintf("%x", hash[:8]),
		TotalWork:     work.Dec(),
		SidePool:      d.chain.SidePoolSize(),
		MempoolSize:   d.mempool.Size(),
		Syncing:       syncing,
		BestValidated: d.book.BestValidatedHeight(),
	}
}

// Getters for components
func (d *Daemon) Chain() *Chain     { return d.chain }
func (d *Daemon) Mempool() *Mempool { return d.mempool }
func (d *Daemon) Node() *p2p.Node   { return d.node }
func (d *Daemon) Miner() *Miner     { return d.miner }

// syncBlockSource adapts the sync manager's raw fetch to BlockSource.
type syncBlockSource struct {
	sm *p2p.SyncManager
}

func (s syncBlockSource) FetchBlockByHash(ctx context.Context, hash [32]byte, hint peer.ID) (*Block, peer.ID, error) {
	data, from, err := s.sm.FetchBlockByHash(ctx, hash, hint)
	if err != nil {
		return nil, "", err
	}
	block, err := decodeBlock(data)
	if err != nil {
		return nil, from, err
	}
	return block, from, nil
}

// decodeBlock parses a wire block. Decoding failures wrap ErrInvalidBlock.
func decodeBlock(data []byte) (*Block, error) {
	var block Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidBlock, err)
	}
	return &block, nil
}
