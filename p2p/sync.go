package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"visionnode/protocol/params"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sync message types
const (
	SyncMsgStatus            byte = 0x01 // Exchange chain status
	SyncMsgGetBlockHash      byte = 0x02 // Ancestor query: hash at a height
	SyncMsgBlockHash         byte = 0x03 // Ancestor answer
	SyncMsgGetBlocksByHeight byte = 0x04 // Request blocks by height range
	SyncMsgBlocks            byte = 0x05 // Response with blocks
	SyncMsgGetBlockByHash    byte = 0x06 // Request one block by hash
)

// MaxBlocksPerRequest is the maximum blocks to request at once
const MaxBlocksPerRequest = 100

// SyncBlocksResponseByteBudget bounds one blocks response before JSON
// expansion.
const SyncBlocksResponseByteBudget = 8 * 1024 * 1024

const (
	statusTimeout  = 15 * time.Second
	requestTimeout = 60 * time.Second
	statusFanout   = 8
)

// ChainStatus is the status exchanged on the sync protocol.
type ChainStatus struct {
	TipHash   [32]byte `json:"tip_hash"`
	Height    uint64   `json:"height"`
	TotalWork string   `json:"total_work"`
	NetworkID string   `json:"network_id"`
	ChainID   uint32   `json:"chain_id"`
}

// BlockHashRequest asks which block a peer holds at Height.
type BlockHashRequest struct {
	Height uint64 `json:"height"`
}

// BlockHashResponse answers a BlockHashRequest.
type BlockHashResponse struct {
	Hash  [32]byte `json:"hash"`
	Found bool     `json:"found"`
}

// BlocksByHeightRequest requests blocks by height range
type BlocksByHeightRequest struct {
	StartHeight uint64 `json:"start_height"`
	MaxBlocks   int    `json:"max_blocks"`
}

// BlockByHashRequest requests one block by hash.
type BlockByHashRequest struct {
	Hash [32]byte `json:"hash"`
}

// VerifiedBlock is what VerifyBlock learns from a block that checked out.
type VerifiedBlock struct {
	Height uint64
	Hash   [32]byte
	Parent [32]byte
}

// PeerClient is the request side of the sync protocol.
type PeerClient interface {
	Status(ctx context.Context, p peer.ID) (ChainStatus, error)
	BlockHashAt(ctx context.Context, p peer.ID, height uint64) ([32]byte, bool, error)
	BlocksByHeight(ctx context.Context, p peer.ID, start uint64, max int) ([][]byte, error)
	BlockByHash(ctx context.Context, p peer.ID, hash [32]byte) ([]byte, error)
}

// SyncConfig configures the sync manager
type SyncConfig struct {
	Book   *PeerBook
	Client PeerClient // nil means the node's stream client

	// Local chain callbacks. Heights are block heights (genesis is 0).
	GetStatus         func() ChainStatus
	HashAtHeight      func(height uint64) ([32]byte, bool)
	GetBlocksByHeight func(start uint64, max int) [][]byte
	GetBlockByHash    func(hash [32]byte) ([]byte, bool)

	// VerifyBlock checks a serialized block's structure and proof of work
	// without touching chain state.
	VerifyBlock func(data []byte) (VerifiedBlock, error)

	// ProcessBlock feeds a synced block to acceptance. An error means the
	// block was rejected (the callee strikes); connected is false when the
	// block did not attach to our chain.
	ProcessBlock func(from peer.ID, data []byte) (connected bool, err error)

	// StrikeFor classifies a VerifyBlock error; nil strikes bad_response.
	StrikeFor func(error) (StrikeReason, bool)

	// OnNoCommonAncestor runs when a source shares only genesis with a
	// non-empty local chain.
	OnNoCommonAncestor func(p peer.ID)

	MinQuorum         int
	Interval          time.Duration
	ForkDetectTimeout time.Duration
	Logger            zerolog.Logger
}

// SyncManager drives status refresh, peer tip checks, fork detection and batched
// block download, and serves the same requests to peers.
type SyncManager struct {
	mu sync.RWMutex

	node   *Node
	client PeerClient
	book   *PeerBook
	cfg    SyncConfig
	log    zerolog.Logger

	syncing    bool
	syncPeer   peer.ID
	syncTarget uint64

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSyncManager creates a new sync manager. node may be nil when the
// config supplies a Client.
func NewSyncManager(node *Node, cfg SyncConfig) (*SyncManager, error) {
	if cfg.Book == nil {
		return nil, errors.New("p2p: sync needs a peer book")
	}
	if cfg.GetStatus == nil || cfg.HashAtHeight == nil || cfg.VerifyBlock == nil || cfg.ProcessBlock == nil {
		return nil, errors.New("p2p: sync config is missing chain callbacks")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ForkDetectTimeout <= 0 {
		cfg.ForkDetectTimeout = DefaultForkDetectTimeout
	}
	client := cfg.Client
	if client == nil {
		if node == nil {
			return nil, errors.New("p2p: sync needs a node or a client")
		}
		client = &streamClient{node: node, status: cfg.GetStatus}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncManager{
		node:    node,
		client:  client,
		book:    cfg.Book,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "sync").Logger(),
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start registers the sync protocol handler and runs the sync loop.
func (sm *SyncManager) Start() {
	if sm.node != nil {
		sm.node.host.SetStreamHandler(ProtocolSync, sm.HandleStream)
	}
	sm.wg.Add(1)
	go sm.syncLoop()
}

// Stop halts sync operations and waits for the loop to exit.
func (sm *SyncManager) Stop() {
	sm.cancel()
	sm.wg.Wait()
}

// TriggerSync requests a sync check soon, coalescing bursts.
func (sm *SyncManager) TriggerSync() {
	select {
	case sm.trigger <- struct{}{}:
	default:
	}
}

// IsSyncing reports whether a download is in progress, and from whom.
func (sm *SyncManager) IsSyncing() (bool, peer.ID, uint64) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.syncing, sm.syncPeer, sm.syncTarget
}

func (sm *SyncManager) syncLoop() {
	defer sm.wg.Done()
	ticker := time.NewTicker(sm.cfg.Interval)
	defer ticker.Stop()

	const minGap = 2 * time.Second
	var lastRun time.Time
	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-ticker.C:
		case <-sm.trigger:
			if wait := minGap - time.Since(lastRun); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-sm.ctx.Done():
					timer.Stop()
					return
				}
			}
		}
		lastRun = time.Now()
		sm.checkSync(sm.ctx)
	}
}

// checkSync runs one round: refresh peer heights, pick a source, sync.
func (sm *SyncManager) checkSync(ctx context.Context) {
	sm.mu.Lock()
	if sm.syncing {
		sm.mu.Unlock()
		return
	}
	sm.syncing = true
	sm.mu.Unlock()
	defer func() {
		sm.mu.Lock()
		sm.syncing, sm.syncPeer, sm.syncTarget = false, "", 0
		sm.mu.Unlock()
	}()

	sm.refreshPeers(ctx)

	local := sm.cfg.GetStatus().Height
	target, ok, err := SelectSyncTarget(local, sm.cfg.MinQuorum, sm.book.Snapshot())
	if err != nil {
		sm.log.Debug().Err(err).Msg("sync gate closed")
		return
	}
	if !ok {
		return
	}

	sm.mu.Lock()
	sm.syncPeer, sm.syncTarget = target.ID, target.ValidatedHeight
	sm.mu.Unlock()

	if err := sm.syncFrom(ctx, target.ID, local, target.ValidatedHeight); err != nil {
		sm.log.Info().Err(err).Str("peer", target.ID.String()).Msg("sync attempt ended early")
	}
}

// refreshPeers asks every eligible peer for its status and verifies the tip
// of any peer claiming more than we have verified from it.
func (sm *SyncManager) refreshPeers(ctx context.Context) {
	local := sm.cfg.GetStatus().Height
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusFanout)
	for _, p := range sm.book.EligiblePeers() {
		p := p
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, statusTimeout)
			defer cancel()
			status, err := sm.client.Status(sctx, p.ID)
			if err != nil {
				sm.log.Debug().Err(err).Str("peer", p.ID.String()).Msg("status query failed")
				return nil
			}
			sm.book.SetAdvertisedHeight(p.ID, status.Height)
			if status.Height > local && status.Height > p.ValidatedHeight {
				sm.verifyPeerTip(sctx, p.ID, local, status.Height)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// verifyPeerTip verifies the blocks a peer holds above the point where its
// chain meets ours and raises the peer's validated height to the last one
// that checks out. Each block must pass VerifyBlock and link to the one
// before it, starting from a block we hold, so a lone cheap header at an
// arbitrary height proves nothing. At most MaxBlocksPerRequest blocks are
// checked per round.
func (sm *SyncManager) verifyPeerTip(ctx context.Context, p peer.ID, local, advertised uint64) {
	ancestor, err := sm.commonAncestor(ctx, p, min(local, advertised))
	if err != nil {
		sm.log.Debug().Err(err).Str("peer", p.String()).Msg("tip check skipped")
		return
	}
	prev, ok := sm.cfg.HashAtHeight(ancestor)
	if !ok {
		return
	}
	want := int(min(uint64(MaxBlocksPerRequest), advertised-ancestor))
	blocks, err := sm.client.BlocksByHeight(ctx, p, ancestor+1, want)
	if err != nil || len(blocks) == 0 {
		return
	}
	if len(blocks) > want {
		blocks = blocks[:want]
	}

	var validated uint64
	for i, data := range blocks {
		vb, err := sm.cfg.VerifyBlock(data)
		if err != nil {
			reason := StrikeBadResponse
			if sm.cfg.StrikeFor != nil {
				if r, ok := sm.cfg.StrikeFor(err); ok {
					reason = r
				}
			}
			sm.book.AddStrike(p, reason)
			return
		}
		if vb.Height != ancestor+1+uint64(i) || vb.Parent != prev {
			sm.book.AddStrike(p, StrikeBadResponse)
			return
		}
		prev, validated = vb.Hash, vb.Height
	}
	if sm.book.RecordValidatedHeight(p, validated) {
		sm.log.Debug().Str("peer", p.String()).Uint64("height", validated).
			Uint64("advertised", advertised).Msg("validated peer chain")
	}
}

// commonAncestor runs fork detection against p below top.
func (sm *SyncManager) commonAncestor(ctx context.Context, p peer.ID, top uint64) (uint64, error) {
	localHash := func(_ context.Context, h uint64) ([32]byte, bool, error) {
		hash, ok := sm.cfg.HashAtHeight(h)
		return hash, ok, nil
	}
	remoteHash := func(ctx context.Context, h uint64) ([32]byte, bool, error) {
		return sm.client.BlockHashAt(ctx, p, h)
	}
	return FindCommonAncestor(ctx, localHash, remoteHash, top, sm.cfg.ForkDetectTimeout)
}

// syncFrom finds the common ancestor with p and pulls blocks above it, up
// to the peer's validated height and no further.
func (sm *SyncManager) syncFrom(ctx context.Context, p peer.ID, local, validated uint64) error {
	ancestor, err := sm.commonAncestor(ctx, p, min(local, validated))
	switch {
	case errors.Is(err, ErrForkDetectTimeout):
		return err
	case errors.Is(err, ErrNoCommonAncestor):
		sm.book.AddStrike(p, StrikeBadResponse)
		return err
	case err != nil:
		return fmt.Errorf("fork detection: %w", err)
	}
	if ancestor == 0 && local > 0 && sm.cfg.OnNoCommonAncestor != nil {
		sm.cfg.OnNoCommonAncestor(p)
	}

	sm.log.Info().
		Str("peer", p.String()).
		Uint64("ancestor", ancestor).
		Uint64("local", local).
		Uint64("target", validated).
		Msg("syncing")

	next := ancestor + 1
	for next <= validated {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sm.book.IsQuarantined(p) {
			return ErrQuarantined
		}
		want := int(min(uint64(MaxBlocksPerRequest), validated-next+1))
		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		blocks, err := sm.client.BlocksByHeight(rctx, p, next, want)
		cancel()
		if err != nil {
			return fmt.Errorf("fetch blocks from %d: %w", next, err)
		}
		if len(blocks) == 0 {
			return nil
		}
		if len(blocks) > want {
			blocks = blocks[:want]
		}
		for _, data := range blocks {
			connected, err := sm.cfg.ProcessBlock(p, data)
			if err != nil {
				return fmt.Errorf("block at %d rejected: %w", next, err)
			}
			syncBlocksTotal.Inc()
			if !connected {
				return fmt.Errorf("block at %d does not attach, fork moved", next)
			}
			next++
		}
	}
	return nil
}

// FetchBlockByHash asks hint, then the other eligible peers, for a block.
func (sm *SyncManager) FetchBlockByHash(ctx context.Context, hash [32]byte, hint peer.ID) ([]byte, peer.ID, error) {
	order := make([]peer.ID, 0, 8)
	if hint != "" && sm.book.IsAdmitted(hint) && !sm.book.IsQuarantined(hint) {
		order = append(order, hint)
	}
	for _, p := range sm.book.EligiblePeers() {
		if p.ID != hint {
			order = append(order, p.ID)
		}
	}
	if len(order) == 0 {
		return nil, "", errors.New("no eligible peers")
	}
	var lastErr error
	for _, p := range order {
		data, err := sm.client.BlockByHash(ctx, p, hash)
		if err == nil && len(data) > 0 {
			return data, p, nil
		}
		if err == nil {
			err = errors.New("block not found")
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", lastErr
}

// HandleStream serves one inbound sync request from an admitted peer.
func (sm *SyncManager) HandleStream(s network.Stream) {
	defer sm.node.closeStream(s, "sync")
	from := s.Conn().RemotePeer()
	if !sm.book.IsAdmitted(from) {
		return
	}
	if err := s.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return
	}
	msgType, data, err := readSyncMessage(s)
	if err != nil {
		return
	}
	respType, resp, err := sm.serve(from, msgType, data)
	if err != nil {
		sm.log.Debug().Err(err).Str("peer", from.String()).Msg("bad sync request")
		return
	}
	if err := writeMessage(s, respType, resp); err != nil && !isExpectedStreamCloseError(err) {
		sm.log.Debug().Err(err).Str("peer", from.String()).Msg("sync reply failed")
	}
}

// serve answers one request; it is stream-free so it can be tested
// directly.
func (sm *SyncManager) serve(from peer.ID, msgType byte, data []byte) (byte, []byte, error) {
	switch msgType {
	case SyncMsgStatus:
		var status ChainStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return 0, nil, err
		}
		if status.NetworkID != params.NetworkID || status.ChainID != params.ChainID {
			return 0, nil, fmt.Errorf("%w: status for %s/%d", ErrIncompatiblePeer, status.NetworkID, status.ChainID)
		}
		sm.book.SetAdvertisedHeight(from, status.Height)
		out, err := json.Marshal(sm.cfg.GetStatus())
		return SyncMsgStatus, out, err

	case SyncMsgGetBlockHash:
		var req BlockHashRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return 0, nil, err
		}
		hash, ok := sm.cfg.HashAtHeight(req.Height)
		out, err := json.Marshal(BlockHashResponse{Hash: hash, Found: ok})
		return SyncMsgBlockHash, out, err

	case SyncMsgGetBlocksByHeight:
		var req BlocksByHeightRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return 0, nil, err
		}
		var blocks [][]byte
		if sm.cfg.GetBlocksByHeight != nil && req.MaxBlocks > 0 {
			blocks = sm.cfg.GetBlocksByHeight(req.StartHeight, min(req.MaxBlocks, MaxBlocksPerRequest))
		}
		blocks = trimByteSliceBatch(blocks, MaxBlocksPerRequest, SyncBlocksResponseByteBudget)
		if blocks == nil {
			blocks = [][]byte{}
		}
		out, err := json.Marshal(blocks)
		return SyncMsgBlocks, out, err

	case SyncMsgGetBlockByHash:
		var req BlockByHashRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return 0, nil, err
		}
		blocks := [][]byte{}
		if sm.cfg.GetBlockByHash != nil {
			if b, ok := sm.cfg.GetBlockByHash(req.Hash); ok {
				blocks = append(blocks, b)
			}
		}
		out, err := json.Marshal(blocks)
		return SyncMsgBlocks, out, err

	default:
		return 0, nil, fmt.Errorf("unexpected sync message type %d", msgType)
	}
}

// streamClient implements PeerClient over libp2p streams, one request per
// stream.
type streamClient struct {
	node   *Node
	status func() ChainStatus
}

func (c *streamClient) roundTrip(ctx context.Context, p peer.ID, msgType byte, req any, wantType byte) ([]byte, error) {
	reqData, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	s, err := c.node.host.NewStream(ctx, p, ProtocolSync)
	if err != nil {
		return nil, err
	}
	defer c.node.closeStream(s, "sync")
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(requestTimeout)
	}
	if err := s.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := writeMessage(s, msgType, reqData); err != nil {
		return nil, err
	}
	gotType, data, err := readSyncMessage(s)
	if err != nil {
		return nil, err
	}
	if gotType != wantType {
		return nil, fmt.Errorf("unexpected message type: %d", gotType)
	}
	return data, nil
}

func (c *streamClient) Status(ctx context.Context, p peer.ID) (ChainStatus, error) {
	data, err := c.roundTrip(ctx, p, SyncMsgStatus, c.status(), SyncMsgStatus)
	if err != nil {
		return ChainStatus{}, err
	}
	var status ChainStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return ChainStatus{}, err
	}
	if status.NetworkID != params.NetworkID || status.ChainID != params.ChainID {
		return ChainStatus{}, fmt.Errorf("%w: status for %s/%d", ErrIncompatiblePeer, status.NetworkID, status.ChainID)
	}
	return status, nil
}

func (c *streamClient) BlockHashAt(ctx context.Context, p peer.ID, height uint64) ([32]byte, bool, error) {
	data, err := c.roundTrip(ctx, p, SyncMsgGetBlockHash, BlockHashRequest{Height: height}, SyncMsgBlockHash)
	if err != nil {
		return [32]byte{}, false, err
	}
	var resp BlockHashResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return [32]byte{}, false, err
	}
	return resp.Hash, resp.Found, nil
}

func (c *streamClient) BlocksByHeight(ctx context.Context, p peer.ID, start uint64, max int) ([][]byte, error) {
	data, err := c.roundTrip(ctx, p, SyncMsgGetBlocksByHeight, BlocksByHeightRequest{StartHeight: start, MaxBlocks: max}, SyncMsgBlocks)
	if err != nil {
		return nil, err
	}
	return decodeBlockBatch(data, max)
}

func (c *streamClient) BlockByHash(ctx context.Context, p peer.ID, hash [32]byte) ([]byte, error) {
	data, err := c.roundTrip(ctx, p, SyncMsgGetBlockByHash, BlockByHashRequest{Hash: hash}, SyncMsgBlocks)
	if err != nil {
		return nil, err
	}
	blocks, err := decodeBlockBatch(data, 1)
	if err != nil || len(blocks) == 0 {
		return nil, err
	}
	return blocks[0], nil
}

func decodeBlockBatch(data []byte, maxItems int) ([][]byte, error) {
	if err := ensureJSONArrayMaxItems(data, maxItems); err != nil {
		return nil, fmt.Errorf("invalid blocks response: %w", err)
	}
	var blocks [][]byte
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func readSyncMessage(r network.Stream) (byte, []byte, error) {
	return readMessageWithLimit(r, syncMessageMaxSize)
}

func syncMessageMaxSize(msgType byte) (uint32, error) {
	switch msgType {
	case SyncMsgStatus:
		return MaxSyncStatusMessageSize, nil
	case SyncMsgGetBlockHash:
		return MaxSyncGetBlockHashReqSize, nil
	case SyncMsgBlockHash:
		return MaxSyncBlockHashMessageSize, nil
	case SyncMsgGetBlocksByHeight:
		return MaxSyncGetBlocksByHeightSz, nil
	case SyncMsgBlocks:
		return MaxSyncBlocksMessageSize, nil
	case SyncMsgGetBlockByHash:
		return MaxSyncGetBlockByHashReqSz, nil
	default:
		return 0, fmt.Errorf("unknown sync message type: %d", msgType)
	}
}

func trimByteSliceBatch(items [][]byte, maxItems int, byteBudget int) [][]byte {
	if maxItems < 0 {
		maxItems = 0
	}
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	if byteBudget <= 0 || len(items) == 0 {
		return nil
	}

	total := 0
	keep := 0
	for _, item := range items {
		if total+len(item) > byteBudget {
			break
		}
		total += len(item)
		keep++
	}

	return items[:keep]
}

// ensureJSONArrayMaxItems rejects JSON arrays that exceed maxItems.
// This validates element count before full decode into [][]byte structures.
func ensureJSONArrayMaxItems(data []byte, maxItems int) error {
	if maxItems < 0 {
		maxItems = 0
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '[' {
		return fmt.Errorf("expected JSON array")
	}

	count := 0
	for dec.More() {
		count++
		if count > maxItems {
			return fmt.Errorf("array contains %d items (max %d)", count, maxItems)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
	}

	tok, err = dec.Token()
	if err != nil {
		return err
	}
	delim, ok = tok.(json.Delim)
	if !ok || delim != ']' {
		return fmt.Errorf("malformed JSON array")
	}

	return nil
}
