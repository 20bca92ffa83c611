package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"visionnode/debug"
	"visionnode/p2p"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

// BlockEffects applies and reverses a block's state effects. The mempool
// is the production implementation.
type BlockEffects interface {
	ApplyBlockEffects(b *Block) (*UndoRecord, error)
	RevertBlockEffects(undo *UndoRecord) error
}

// effectsResetter is implemented by effects that can drop all state when
// the chain is wiped.
type effectsResetter interface {
	ResetEffects()
}

// ParentScheduler queues a fetch for a missing ancestor. Implementations
// must not block.
type ParentScheduler interface {
	Schedule(hash [32]byte, hint peer.ID) bool
}

// ChainConfig wires the chain state to its collaborators. Everything but
// Hasher is optional.
type ChainConfig struct {
	Policy   ChainPolicy
	Hasher   PowHasher
	Effects  BlockEffects
	Store    ChainStore
	Override ResetOverride
	Fetcher  ParentScheduler

	// BestPeerHeight returns the highest validated peer tip height.
	BestPeerHeight func() uint64

	// OnHeightChange observes every safety-guard event under the chain
	// lock. It must not block.
	OnHeightChange func(HeightChange)

	Logger zerolog.Logger
	Now    func() time.Time
}

type sideEntry struct {
	block  *Block
	source peer.ID
	orphan bool // no known path to a canonical block yet
	added  time.Time
}

type fetchRequest struct {
	hash   [32]byte
	source peer.ID
}

type storeOp func(ChainStore) error

// ============================================================================
// Chain State
// ============================================================================

// Chain owns the canonical chain, the side/orphan pool and the work memo.
// All mutation happens under mu; storage writes and fetch scheduling are
// queued and run after mu is released.
type Chain struct {
	mu        *debug.RWMutex
	persistMu sync.Mutex

	policy  ChainPolicy
	log     zerolog.Logger
	hasher  PowHasher
	effects BlockEffects
	store   ChainStore
	fetcher ParentScheduler
	guard   *SafetyGuard
	now     func() time.Time

	bestPeerHeight func() uint64
	badBlocks      *lru.Cache[[32]byte, error]

	// canonical[i].Header.Height == i; hashes[i] == canonical[i].Hash()
	canonical []*Block
	hashes    [][32]byte
	index     map[[32]byte]uint64

	side      map[[32]byte]*sideEntry
	children  map[[32]byte]map[[32]byte]struct{} // parent -> side-pool children
	orphansBy map[peer.ID]int

	// work holds cumulative work for blocks with a known path to genesis only.
	work map[[32]byte]uint256.Int
	undo map[[32]byte]*UndoRecord

	pendingOps   []storeOp
	pendingFetch []fetchRequest
}

// NewChain restores the canonical chain from storage, or starts from
// genesis when storage is empty or absent.
func NewChain(cfg ChainConfig) (*Chain, error) {
	if cfg.Hasher == nil {
		return nil, errors.New("chain: nil PoW hasher")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("chain policy: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	bad, err := lru.New[[32]byte, error](cfg.Policy.BadBlockCacheSize)
	if err != nil {
		return nil, fmt.Errorf("bad block cache: %w", err)
	}

	log := cfg.Logger.With().Str("component", "chain").Logger()
	c := &Chain{
		mu:             debug.NewRWMutex("chain"),
		policy:         cfg.Policy,
		log:            log,
		hasher:         cfg.Hasher,
		effects:        cfg.Effects,
		store:          cfg.Store,
		fetcher:        cfg.Fetcher,
		guard:          NewSafetyGuard(cfg.Logger, cfg.Policy.HeightDropMargin, cfg.Override, cfg.OnHeightChange),
		now:            now,
		bestPeerHeight: cfg.BestPeerHeight,
		badBlocks:      bad,
		index:          make(map[[32]byte]uint64),
		side:           make(map[[32]byte]*sideEntry),
		children:       make(map[[32]byte]map[[32]byte]struct{}),
		orphansBy:      make(map[peer.ID]int),
		work:           make(map[[32]byte]uint256.Int),
		undo:           make(map[[32]byte]*UndoRecord),
	}

	var stored []*Block
	if c.store != nil {
		if stored, err = c.store.LoadCanonical(); err != nil {
			return nil, fmt.Errorf("failed to load chain state: %w", err)
		}
	}

	var restoreErr error
	c.mutate(func() {
		if len(stored) == 0 {
			c.initGenesisLocked(OpSnapshotRestore)
			return
		}
		restoreErr = c.restoreLocked(stored)
	})
	if restoreErr != nil {
		return nil, restoreErr
	}
	return c, nil
}

// SetFetcher attaches the parent-fetch queue after construction; the queue
// and the chain refer to each other.
func (c *Chain) SetFetcher(f ParentScheduler) {
	c.mu.Lock()
	c.fetcher = f
	c.mu.Unlock()
}

// SetBestPeerHeight attaches the peer-height source used by the reorg
// depth policy.
func (c *Chain) SetBestPeerHeight(fn func() uint64) {
	c.mu.Lock()
	c.bestPeerHeight = fn
	c.mu.Unlock()
}

// mutate runs fn under the write lock, then performs the storage writes
// and fetch scheduling fn queued. persistMu is taken before mu is released
// so writes reach storage in mutation order.
func (c *Chain) mutate(fn func()) {
	c.mu.Lock()
	fn()
	ops, fetches := c.pendingOps, c.pendingFetch
	c.pendingOps, c.pendingFetch = nil, nil
	sideCount := len(c.side)
	fetcher := c.fetcher
	c.persistMu.Lock()
	c.mu.Unlock()

	if c.store != nil {
		for _, op := range ops {
			if err := op(c.store); err != nil {
				c.log.Error().Err(err).Msg("storage write failed")
			}
		}
	}
	c.persistMu.Unlock()

	sidePoolGauge.Set(float64(sideCount))
	if fetcher != nil {
		for _, f := range fetches {
			fetcher.Schedule(f.hash, f.source)
		}
	}
}

func (c *Chain) queueStore(op storeOp) {
	if c.store != nil {
		c.pendingOps = append(c.pendingOps, op)
	}
}

func (c *Chain) queueFetch(hash [32]byte, source peer.ID) {
	c.pendingFetch = append(c.pendingFetch, fetchRequest{hash: hash, source: source})
}

// initGenesisLocked starts an empty chain at the hardcoded genesis.
func (c *Chain) initGenesisLocked(op HeightChangeOp) {
	g := GenesisBlock()
	hash := g.Hash()
	if c.effects != nil {
		if _, err := c.effects.ApplyBlockEffects(g); err != nil {
			c.log.Error().Err(err).Msg("genesis effects refused")
		}
	}
	c.canonical = []*Block{g}
	c.hashes = [][32]byte{hash}
	c.index[hash] = 0
	c.work[hash] = BlockWork(g.Header.Difficulty)
	c.guard.LogHeightChange(0, 1, op)

	work := c.work[hash]
	c.queueStore(func(s ChainStore) error {
		return s.CommitBlock(&BlockCommit{Block: g, Hash: hash, Work: work, IsMainTip: true})
	})
}

// restoreLocked replays a stored canonical chain, rebuilding effects and
// the work memo, and reports it as a single restore event.
func (c *Chain) restoreLocked(blocks []*Block) error {
	genesis := GenesisBlock()
	if blocks[0].Hash() != genesis.Hash() {
		return fmt.Errorf("%w: stored chain starts at %x", ErrGenesisMismatch, blocks[0].Hash())
	}
	c.canonical = make([]*Block, 0, len(blocks))
	c.hashes = make([][32]byte, 0, len(blocks))

	// Undo records are kept for the same window pruneUndoLocked maintains.
	var keepUndoFrom uint64
	if tip := uint64(len(blocks) - 1); tip > c.policy.UndoRetention {
		keepUndoFrom = tip - c.policy.UndoRetention
	}

	for i, b := range blocks {
		hash := b.Hash()
		if b.Header.Height != uint64(i) {
			return fmt.Errorf("stored block %x at index %d claims height %d", hash[:8], i, b.Header.Height)
		}
		w := BlockWork(b.Header.Difficulty)
		if i > 0 {
			if b.Header.ParentHash != c.hashes[i-1] {
				return fmt.Errorf("stored chain broken at height %d", i)
			}
			parent := c.work[c.hashes[i-1]]
			w.Add(&w, &parent)
		}
		var undo *UndoRecord
		if c.effects != nil {
			u, err := c.effects.ApplyBlockEffects(b)
			if err != nil {
				return fmt.Errorf("replaying block %d: %w", i, err)
			}
			undo = u
		}
		c.canonical = append(c.canonical, b)
		c.hashes = append(c.hashes, hash)
		c.index[hash] = uint64(i)
		c.work[hash] = w
		if i > 0 && undo != nil && uint64(i) >= keepUndoFrom {
			c.undo[hash] = undo
		}
	}
	c.guard.LogHeightChange(0, uint64(len(c.canonical)), OpSnapshotRestore)
	return nil
}

// ============================================================================
// Read Access
// ============================================================================

// GetBlock implements BlockLookup over canonical chain and side pool.
func (c *Chain) GetBlock(hash [32]byte) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lockedLookup{c}.GetBlock(hash)
}

// HasBlock reports whether hash is canonical or pooled.
func (c *Chain) HasBlock(hash [32]byte) bool {
	_, ok := c.GetBlock(hash)
	return ok
}

// CurrentHeight is the number of canonical blocks, genesis included.
// Zero only for a chain that has been wiped and not yet re-seeded.
func (c *Chain) CurrentHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.canonical))
}

// TipHeight returns the height of the canonical tip block.
func (c *Chain) TipHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHeightLocked()
}

func (c *Chain) tipHeightLocked() uint64 {
	if len(c.canonical) == 0 {
		return 0
	}
	return uint64(len(c.canonical) - 1)
}

// TipHash returns the canonical tip hash.
func (c *Chain) TipHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHashLocked()
}

func (c *Chain) tipHashLocked() [32]byte {
	if len(c.hashes) == 0 {
		return [32]byte{}
	}
	return c.hashes[len(c.hashes)-1]
}

// Tip returns the canonical tip block and its hash in one read.
func (c *Chain) Tip() (*Block, [32]byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.canonical) == 0 {
		return nil, [32]byte{}
	}
	return c.canonical[len(c.canonical)-1], c.tipHashLocked()
}

// TotalWork returns the canonical tip's cumulative work.
func (c *Chain) TotalWork() uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.work[c.tipHashLocked()]
}

// HashAtHeight answers ancestor queries against the canonical chain.
func (c *Chain) HashAtHeight(height uint64) ([32]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height >= uint64(len(c.hashes)) {
		return [32]byte{}, false
	}
	return c.hashes[height], true
}

// GetBlockByHeight returns the canonical block at height.
func (c *Chain) GetBlockByHeight(height uint64) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height >= uint64(len(c.canonical)) {
		return nil
	}
	return c.canonical[height]
}

// SidePoolSize returns the number of pooled blocks.
func (c *Chain) SidePoolSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.side)
}

// IsCanonical reports whether hash is on the canonical chain.
func (c *Chain) IsCanonical(hash [32]byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[hash]
	return ok
}

// ============================================================================
// Canonical Mutation
// ============================================================================

// pushLocked appends b, whose parent is the canonical tip, applying its
// effects. Nothing changes if the effects are refused.
func (c *Chain) pushLocked(b *Block, hash [32]byte, op HeightChangeOp) error {
	if b.Header.ParentHash != c.tipHashLocked() {
		return fmt.Errorf("block %x does not extend tip %x", hash[:8], c.tipHashLocked())
	}
	if b.Header.Height != uint64(len(c.canonical)) {
		return fmt.Errorf("%w: block %x claims height %d at canonical height %d",
			ErrInvalidBlock, hash[:8], b.Header.Height, len(c.canonical))
	}
	undo := &UndoRecord{Height: b.Header.Height, Hash: hash}
	if c.effects != nil {
		u, err := c.effects.ApplyBlockEffects(b)
		if err != nil {
			return fmt.Errorf("%w: block effects: %v", ErrInvalidBlock, err)
		}
		undo = u
	}

	old := uint64(len(c.canonical))
	w := BlockWork(b.Header.Difficulty)
	parent := c.work[b.Header.ParentHash]
	w.Add(&w, &parent)

	c.removeSideLocked(hash)
	c.canonical = append(c.canonical, b)
	c.hashes = append(c.hashes, hash)
	c.index[hash] = b.Header.Height
	c.work[hash] = w
	c.undo[hash] = undo
	c.pruneUndoLocked()
	c.guard.LogHeightChange(old, old+1, op)
	return nil
}

// popTipLocked rolls the tip back into the side pool using its undo record.
func (c *Chain) popTipLocked(op HeightChangeOp) (*Block, error) {
	n := len(c.canonical)
	if n <= 1 {
		return nil, errors.New("cannot roll back genesis")
	}
	b, hash := c.canonical[n-1], c.hashes[n-1]
	undo := c.undo[hash]
	if undo == nil {
		return nil, fmt.Errorf("%w: block %x at height %d", ErrMissingUndo, hash[:8], n-1)
	}
	if c.effects != nil {
		if err := c.effects.RevertBlockEffects(undo); err != nil {
			return nil, fmt.Errorf("revert block %x: %w", hash[:8], err)
		}
	}

	c.canonical[n-1] = nil
	c.canonical = c.canonical[:n-1]
	c.hashes = c.hashes[:n-1]
	delete(c.index, hash)
	delete(c.undo, hash)
	c.addSideLocked(b, hash, "", false)
	c.guard.LogHeightChange(uint64(n), uint64(n-1), op)
	return b, nil
}

// pruneUndoLocked drops undo records buried past the retention depth; those
// blocks are final.
func (c *Chain) pruneUndoLocked() {
	tip := c.tipHeightLocked()
	if tip <= c.policy.UndoRetention {
		return
	}
	delete(c.undo, c.hashes[tip-c.policy.UndoRetention-1])
}

// ============================================================================
// Side Pool
// ============================================================================

func (c *Chain) addSideLocked(b *Block, hash [32]byte, source peer.ID, orphan bool) {
	if _, exists := c.side[hash]; exists {
		return
	}
	c.side[hash] = &sideEntry{block: b, source: source, orphan: orphan, added: c.now()}
	kids := c.children[b.Header.ParentHash]
	if kids == nil {
		kids = make(map[[32]byte]struct{})
		c.children[b.Header.ParentHash] = kids
	}
	kids[hash] = struct{}{}
	if orphan && source != "" {
		c.orphansBy[source]++
	}
}

// removeSideLocked unlinks hash from the pool; its own children stay.
func (c *Chain) removeSideLocked(hash [32]byte) {
	e, ok := c.side[hash]
	if !ok {
		return
	}
	c.clearOrphanLocked(e)
	delete(c.side, hash)
	if kids := c.children[e.block.Header.ParentHash]; kids != nil {
		delete(kids, hash)
		if len(kids) == 0 {
			delete(c.children, e.block.Header.ParentHash)
		}
	}
}

func (c *Chain) clearOrphanLocked(e *sideEntry) {
	if !e.orphan {
		return
	}
	e.orphan = false
	if e.source == "" {
		return
	}
	if c.orphansBy[e.source] <= 1 {
		delete(c.orphansBy, e.source)
	} else {
		c.orphansBy[e.source]--
	}
}

// connectOrphansLocked marks the pooled descendants of root as connected
// now that their missing ancestor has arrived. Pooled blocks were admitted
// before their parent was known, so each link's height is checked here; a
// descendant that does not follow its parent is dropped with its subtree
// and its source is returned for a strike.
func (c *Chain) connectOrphansLocked(root [32]byte) []PeerStrike {
	parent, ok := lockedLookup{c}.GetBlock(root)
	if !ok {
		return nil
	}
	type link struct {
		hash   [32]byte
		height uint64
	}
	var strikes []PeerStrike
	queue := []link{{root, parent.Header.Height}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for kid := range c.children[cur.hash] {
			e, ok := c.side[kid]
			if !ok {
				continue
			}
			if got := e.block.Header.Height; got != cur.height+1 {
				err := fmt.Errorf("%w: height %d does not follow parent height %d", ErrInvalidBlock, got, cur.height)
				c.badBlocks.Add(kid, err)
				if e.source != "" {
					strikes = append(strikes, PeerStrike{Peer: e.source, Reason: p2p.StrikeInvalidBlock})
				}
				n := c.discardLocked(kid)
				c.log.Warn().Err(err).Hex("hash", kid[:8]).Str("from", e.source.String()).
					Int("dropped", n).Msg("pooled block does not follow its parent")
				continue
			}
			c.clearOrphanLocked(e)
			queue = append(queue, link{kid, e.block.Header.Height})
		}
	}
	return strikes
}

// walkDescendantsLocked visits every pooled descendant of root, breadth first.
func (c *Chain) walkDescendantsLocked(root [32]byte, visit func([32]byte, *sideEntry)) {
	queue := [][32]byte{root}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		for kid := range c.children[h] {
			e, ok := c.side[kid]
			if !ok {
				continue
			}
			visit(kid, e)
			queue = append(queue, kid)
		}
	}
}

// discardLocked drops a pooled block and every pooled descendant, with
// their memoized work.
func (c *Chain) discardLocked(root [32]byte) int {
	doomed := [][32]byte{root}
	c.walkDescendantsLocked(root, func(h [32]byte, _ *sideEntry) {
		doomed = append(doomed, h)
	})
	n := 0
	for _, h := range doomed {
		if _, ok := c.side[h]; !ok {
			continue
		}
		c.removeSideLocked(h)
		delete(c.work, h)
		n++
	}
	return n
}

// expireOrphansLocked drops orphans that waited longer than the orphan TTL
// for their ancestors, together with anything pooled on top of them.
func (c *Chain) expireOrphansLocked() int {
	cutoff := c.now().Add(-c.policy.OrphanTTL)
	var stale [][32]byte
	for h, e := range c.side {
		if e.orphan && e.added.Before(cutoff) {
			stale = append(stale, h)
		}
	}
	n := 0
	for _, h := range stale {
		if _, ok := c.side[h]; ok {
			n += c.discardLocked(h)
		}
	}
	if n > 0 {
		c.log.Debug().Int("dropped", n).Dur("ttl", c.policy.OrphanTTL).Msg("expired orphans")
	}
	return n
}

// PruneExpiredOrphans drops orphans older than the orphan TTL and returns
// how many pooled blocks went with them.
func (c *Chain) PruneExpiredOrphans() int {
	var n int
	c.mutate(func() { n = c.expireOrphansLocked() })
	return n
}

// pruneSideLocked drops expired orphans and pooled blocks too far below the
// tip to ever win a reorg under the catch-up depth limit.
func (c *Chain) pruneSideLocked() {
	c.expireOrphansLocked()
	tip := c.tipHeightLocked()
	if tip <= c.policy.CatchUpMaxReorgDepth {
		return
	}
	floor := tip - c.policy.CatchUpMaxReorgDepth
	for h, e := range c.side {
		if e.block.Header.Height < floor {
			c.removeSideLocked(h)
			delete(c.work, h)
		}
	}
}

// ============================================================================
// Guarded Reset
// ============================================================================

// AllowFullChainReset reports whether the canonical chain may be wiped now.
// Checking leaves a one-shot override armed for ResetToGenesis.
func (c *Chain) AllowFullChainReset() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.guard.AllowFullChainReset(uint64(len(c.canonical)))
}

// ResetToGenesis wipes the canonical chain and the side pool and re-seeds
// genesis. Refused with ErrForceResetDenied unless the guard allows it.
func (c *Chain) ResetToGenesis() error {
	var err error
	c.mutate(func() {
		n := uint64(len(c.canonical))
		if !c.guard.authorizeFullChainReset(n) {
			err = fmt.Errorf("%w: chain length %d, set %s=1", ErrForceResetDenied, n, ForceResetEnv)
			return
		}
		if r, ok := c.effects.(effectsResetter); ok {
			r.ResetEffects()
		}
		c.canonical, c.hashes = nil, nil
		c.index = make(map[[32]byte]uint64)
		c.side = make(map[[32]byte]*sideEntry)
		c.children = make(map[[32]byte]map[[32]byte]struct{})
		c.orphansBy = make(map[peer.ID]int)
		c.work = make(map[[32]byte]uint256.Int)
		c.undo = make(map[[32]byte]*UndoRecord)
		c.guard.LogHeightChange(n, 0, OpSyncRecovery)

		c.queueStore(func(s ChainStore) error { return s.ResetChain() })
		c.initGenesisLocked(OpSyncRecovery)
	})
	return err
}
