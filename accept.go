package main

import (
	"errors"
	"fmt"

	"visionnode/p2p"

	"github.com/holiman/uint256"
	"github.com/libp2p/go-libp2p/core/peer"
)

// AcceptState is the outcome of running a block through acceptance.
type AcceptState uint8

const (
	PendingValidation AcceptState = iota
	AcceptedCanonical
	AcceptedSide
	Deferred
	Rejected
	AlreadyKnown
)

func (s AcceptState) String() string {
	switch s {
	case PendingValidation:
		return "pending"
	case AcceptedCanonical:
		return "canonical"
	case AcceptedSide:
		return "side"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	case AlreadyKnown:
		return "known"
	default:
		return "unknown"
	}
}

// AcceptResult describes what happened to one block.
type AcceptResult struct {
	State  AcceptState
	Hash   [32]byte
	Height uint64

	// Missing is the ancestor hash a Deferred block is waiting on.
	Missing [32]byte

	// Strike, when set, is the strike the caller should record against
	// the block's source.
	Strike p2p.StrikeReason

	// ReorgDepth counts canonical blocks rolled back, if a reorg ran.
	ReorgDepth uint64
	Reorged    bool

	// Discarded lists strikes owed to the sources of pooled descendants
	// that turned out invalid once this block connected them.
	Discarded []PeerStrike
}

// PeerStrike is a strike against a peer other than the block's sender.
type PeerStrike struct {
	Peer   peer.ID
	Reason p2p.StrikeReason
}

// ProcessBlock runs a block received from a peer through acceptance. from
// may be empty for blocks of unknown origin.
func (c *Chain) ProcessBlock(b *Block, from peer.ID) (AcceptResult, error) {
	return c.processBlock(b, from, OpAcceptBlock)
}

// SubmitMinedBlock runs a locally mined block through acceptance; a tip
// extension is reported as a Mine height change.
func (c *Chain) SubmitMinedBlock(b *Block) (AcceptResult, error) {
	return c.processBlock(b, "", OpMine)
}

func (c *Chain) processBlock(b *Block, from peer.ID, op HeightChangeOp) (res AcceptResult, err error) {
	defer func() { RecordBlockOutcome(res.State) }()

	if b == nil {
		return c.reject(AcceptResult{}, fmt.Errorf("%w: nil block", ErrInvalidBlock))
	}
	hash := b.Hash()
	res = AcceptResult{State: PendingValidation, Hash: hash, Height: b.Header.Height}

	if cached, ok := c.badBlocks.Get(hash); ok {
		return c.reject(res, cached)
	}
	if c.HasBlock(hash) {
		res.State = AlreadyKnown
		return res, nil
	}

	// Lock-free checks first: PoW is the expensive part and needs no state.
	if err := ValidateStructure(b, c.now()); err != nil {
		c.badBlocks.Add(hash, err)
		return c.reject(res, err)
	}
	if err := CheckPoW(c.hasher, &b.Header); err != nil {
		c.badBlocks.Add(hash, err)
		return c.reject(res, err)
	}

	c.mutate(func() {
		res, err = c.acceptLocked(b, hash, from, op, res)
	})
	if err != nil && res.State == Rejected {
		if res.Strike == "" {
			res.Strike, _ = strikeReasonFor(err)
		}
		c.log.Debug().Err(err).Hex("hash", hash[:8]).Str("from", from.String()).Msg("block rejected")
	}
	return res, err
}

func (c *Chain) reject(res AcceptResult, err error) (AcceptResult, error) {
	res.State = Rejected
	res.Strike, _ = strikeReasonFor(err)
	return res, err
}

// acceptLocked classifies a structurally valid, PoW-valid block.
func (c *Chain) acceptLocked(b *Block, hash [32]byte, from peer.ID, op HeightChangeOp, res AcceptResult) (AcceptResult, error) {
	lookup := lockedLookup{c}
	if _, known := lookup.GetBlock(hash); known {
		res.State = AlreadyKnown
		return res, nil
	}

	parent, ok := lookup.GetBlock(b.Header.ParentHash)
	if !ok {
		return c.deferOrphanLocked(b, hash, from, res)
	}
	if b.Header.Height != parent.Header.Height+1 {
		err := fmt.Errorf("%w: height %d does not follow parent height %d", ErrInvalidBlock, b.Header.Height, parent.Header.Height)
		c.badBlocks.Add(hash, err)
		return c.reject(res, err)
	}

	if b.Header.ParentHash == c.tipHashLocked() {
		if err := c.pushLocked(b, hash, op); err != nil {
			c.badBlocks.Add(hash, err)
			return c.reject(res, err)
		}
		c.persistTipLocked(b, hash)
		res.State = AcceptedCanonical

		// Pooled descendants that were waiting on this block may now
		// outweigh it.
		if _, waiting := c.children[hash]; waiting {
			res.Discarded = c.connectOrphansLocked(hash)
			c.resolveForkLocked(hash, false, &res)
		}
		c.pruneSideLocked()
		return res, nil
	}

	if c.poolFullLocked() {
		return c.reject(res, fmt.Errorf("%w: %d blocks", ErrOrphanPoolFull, len(c.side)))
	}
	orphan := c.isOrphanLocked(b.Header.ParentHash)
	c.addSideLocked(b, hash, from, orphan)
	if !orphan {
		res.Discarded = c.connectOrphansLocked(hash)
	}
	c.queueStore(func(s ChainStore) error { return s.SaveSideBlock(b) })

	res.State = AcceptedSide
	c.resolveForkLocked(hash, true, &res)
	return res, nil
}

// isOrphanLocked reports whether a pooled parent is itself disconnected.
func (c *Chain) isOrphanLocked(parent [32]byte) bool {
	if e, ok := c.side[parent]; ok {
		return e.orphan
	}
	return false
}

// deferOrphanLocked pools a block whose parent is unknown and queues a
// fetch for the parent. A missing parent is not misbehaviour, but a peer
// with too many outstanding orphans earns an orphan_spam strike.
func (c *Chain) deferOrphanLocked(b *Block, hash [32]byte, from peer.ID, res AcceptResult) (AcceptResult, error) {
	if c.poolFullLocked() {
		return c.reject(res, fmt.Errorf("%w: %d blocks", ErrOrphanPoolFull, len(c.side)))
	}
	c.addSideLocked(b, hash, from, true)
	c.queueStore(func(s ChainStore) error { return s.SaveSideBlock(b) })
	c.queueFetch(b.Header.ParentHash, from)

	res.State = Deferred
	res.Missing = b.Header.ParentHash
	if from != "" && c.orphansBy[from] > c.policy.OrphanSpamThreshold {
		res.Strike = p2p.StrikeOrphanSpam
		c.log.Warn().Str("peer", from.String()).Int("orphans", c.orphansBy[from]).Msg("peer exceeds orphan threshold")
	}
	return res, nil
}

// poolFullLocked reports whether the side pool is at capacity after
// dropping expired orphans.
func (c *Chain) poolFullLocked() bool {
	if len(c.side) < c.policy.MaxSideBlocks {
		return false
	}
	c.expireOrphansLocked()
	return len(c.side) >= c.policy.MaxSideBlocks
}

// resolveForkLocked finds the heaviest pooled branch through hash and
// reorganizes onto it when it outweighs the tip and is connected to
// genesis. includeRoot is false when hash is already canonical.
func (c *Chain) resolveForkLocked(hash [32]byte, includeRoot bool, res *AcceptResult) {
	cand, candWork, anchored, ok := c.heaviestBranchLocked(hash, includeRoot)
	if !ok {
		return
	}
	tipWork := c.work[c.tipHashLocked()]
	if !candWork.Gt(&tipWork) {
		return
	}
	if !anchored {
		// Heavier but gapped: stays pooled, chase the gap.
		if missing, found := c.missingAncestorLocked(cand); found {
			c.queueFetch(missing, c.side[cand].source)
		}
		return
	}

	depth, err := c.reorganizeLocked(cand)
	switch {
	case err == nil:
		res.Reorged = true
		res.ReorgDepth = depth
		if _, canonical := c.index[res.Hash]; canonical {
			res.State = AcceptedCanonical
		}
	case errors.Is(err, ErrMissingParent):
		res.State = Deferred
	case errors.Is(err, ErrInvalidBlock):
		res.State = Rejected
		res.Strike = p2p.StrikeInvalidBlock
	default:
		// Too deep or undo missing: refused and logged, chain unchanged.
	}
}

// heaviestBranchLocked returns the pooled block with the most cumulative
// work among hash and its pooled descendants. Ties keep the earlier find.
func (c *Chain) heaviestBranchLocked(hash [32]byte, includeRoot bool) (best [32]byte, bestWork uint256.Int, anchored, ok bool) {
	consider := func(h [32]byte) {
		w, anch, known := c.cumulativeWorkLocked(h)
		if !known {
			return
		}
		if !ok || w.Gt(&bestWork) {
			best, bestWork, anchored, ok = h, w, anch, true
		}
	}
	if includeRoot {
		consider(hash)
	}
	c.walkDescendantsLocked(hash, func(h [32]byte, _ *sideEntry) { consider(h) })
	return best, bestWork, anchored, ok
}

// missingAncestorLocked walks back from hash to the first unknown parent.
func (c *Chain) missingAncestorLocked(hash [32]byte) ([32]byte, bool) {
	lookup := lockedLookup{c}
	cur := hash
	for i := 0; i < c.policy.AncestryWalkLimit; i++ {
		if _, canonical := c.index[cur]; canonical {
			return [32]byte{}, false
		}
		b, ok := lookup.GetBlock(cur)
		if !ok {
			return cur, true
		}
		cur = b.Header.ParentHash
	}
	return [32]byte{}, false
}

// persistTipLocked queues the storage commit for a tip extension.
func (c *Chain) persistTipLocked(b *Block, hash [32]byte) {
	work := c.work[hash]
	c.queueStore(func(s ChainStore) error {
		return s.CommitBlock(&BlockCommit{Block: b, Hash: hash, Work: work, IsMainTip: true})
	})
}
