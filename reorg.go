package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CumulativeWork returns the total work from genesis to hash. It is zero
// only for hashes absent from both the canonical chain and the side pool;
// a pooled block with a gap below it reports the work of the blocks that
// are known.
func (c *Chain) CumulativeWork(hash [32]byte) uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, _, _ := c.cumulativeWorkLocked(hash)
	return w
}

// IsConnected reports whether hash has a known path to genesis.
func (c *Chain) IsConnected(hash [32]byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, anchored, _ := c.cumulativeWorkLocked(hash)
	return anchored
}

// cumulativeWorkLocked walks parent links through BlockLookup until it hits
// a memoized block (anchored) or a gap. Anchored results are memoized on
// the way back; partial sums never are.
func (c *Chain) cumulativeWorkLocked(hash [32]byte) (work uint256.Int, anchored, known bool) {
	if w, ok := c.work[hash]; ok {
		return w, true, true
	}
	lookup := lockedLookup{c}
	if _, ok := lookup.GetBlock(hash); !ok {
		return work, false, false
	}

	var path []*Block
	var base uint256.Int
	cur := hash
	for {
		if w, ok := c.work[cur]; ok {
			base, anchored = w, true
			break
		}
		b, ok := lookup.GetBlock(cur)
		if !ok {
			break
		}
		path = append(path, b)
		if b.Header.Height == 0 || len(path) > c.policy.AncestryWalkLimit {
			// A foreign genesis or an over-long walk never anchors.
			break
		}
		cur = b.Header.ParentHash
	}

	work = base
	for i := len(path) - 1; i >= 0; i-- {
		bw := BlockWork(path[i].Header.Difficulty)
		work.Add(&work, &bw)
		if anchored {
			c.work[path[i].Hash()] = work
		}
	}
	return work, anchored, true
}

// reorgLimitLocked returns the depth bound that applies now. The larger
// catch-up bound is used while the local tip is young or far behind the
// best validated peer or the candidate branch.
func (c *Chain) reorgLimitLocked(candidateHeight uint64) (limit uint64, catchUp bool) {
	local := c.tipHeightLocked()
	p := c.policy
	catchUp = local < p.CatchUpHeight
	if !catchUp && c.bestPeerHeight != nil {
		if best := c.bestPeerHeight(); best > local && best-local > p.CatchUpLag {
			catchUp = true
		}
	}
	if !catchUp && candidateHeight > local && candidateHeight-local > p.CatchUpLag {
		catchUp = true
	}
	if catchUp {
		return p.CatchUpMaxReorgDepth, true
	}
	return p.MaxReorgDepth, false
}

// reorganizeLocked makes newTip canonical: roll the canonical tail back to
// the common ancestor, then apply the new branch forward. On any failure
// the canonical chain is left as it was.
func (c *Chain) reorganizeLocked(newTip [32]byte) (uint64, error) {
	// Walk the new branch back to the canonical chain.
	var branch []*Block
	cur := newTip
	for {
		if _, ok := c.index[cur]; ok {
			break
		}
		e, ok := c.side[cur]
		if !ok {
			// Gap found while evaluating: defer, never fail the source.
			c.queueFetch(cur, c.side[newTip].source)
			return 0, fmt.Errorf("%w: %x below candidate %x", ErrMissingParent, cur[:8], newTip[:8])
		}
		branch = append(branch, e.block)
		if len(branch) > c.policy.AncestryWalkLimit {
			return 0, fmt.Errorf("%w: branch longer than %d", ErrReorgTooDeep, c.policy.AncestryWalkLimit)
		}
		cur = e.block.Header.ParentHash
	}
	ancestor := c.index[cur]
	tip := c.tipHeightLocked()
	depth := tip - ancestor
	newHeight := ancestor + uint64(len(branch))

	limit, catchUp := c.reorgLimitLocked(newHeight)
	if depth > limit {
		reorgsTotal.WithLabelValues("too_deep").Inc()
		c.log.Error().Uint64("depth", depth).Uint64("limit", limit).Bool("catchup", catchUp).
			Uint64("ancestor", ancestor).Hex("candidate", newTip[:8]).
			Msg("refusing reorg deeper than policy allows")
		return 0, fmt.Errorf("%w: depth %d > %d", ErrReorgTooDeep, depth, limit)
	}
	for h := tip; h > ancestor; h-- {
		if c.undo[c.hashes[h]] == nil {
			reorgsTotal.WithLabelValues("missing_undo").Inc()
			c.log.Error().Uint64("height", h).Msg("refusing reorg past finalized block")
			return 0, fmt.Errorf("%w: height %d", ErrMissingUndo, h)
		}
	}

	id := uuid.New().String()
	log := c.log.With().Str("reorg", id).Logger()
	oldTip := c.tipHashLocked()
	log.Info().Uint64("depth", depth).Uint64("ancestor", ancestor).Uint64("new_height", newHeight).
		Hex("old_tip", oldTip[:8]).Hex("new_tip", newTip[:8]).Msg("reorg started")

	// Roll back, newest first.
	rolled := make([]*Block, 0, depth)
	for h := tip; h > ancestor; h-- {
		b, err := c.popTipLocked(OpReorgRollback)
		if err != nil {
			log.Error().Err(err).Msg("rollback failed, restoring")
			c.restoreBranchLocked(rolled, 0)
			reorgsTotal.WithLabelValues("failed").Inc()
			return 0, err
		}
		rolled = append(rolled, b)
	}

	// Apply, oldest first.
	connected := make([]*Block, 0, len(branch))
	for i := len(branch) - 1; i >= 0; i-- {
		b := branch[i]
		hash := b.Hash()
		if err := c.pushLocked(b, hash, OpReorgAccept); err != nil {
			log.Error().Err(err).Hex("block", hash[:8]).Msg("reorg apply failed, restoring")
			c.restoreBranchLocked(rolled, len(connected))
			c.badBlocks.Add(hash, err)
			c.discardLocked(hash)
			reorgsTotal.WithLabelValues("failed").Inc()
			if !errors.Is(err, ErrInvalidBlock) {
				err = fmt.Errorf("%w: %v", ErrInvalidBlock, err)
			}
			return 0, err
		}
		connected = append(connected, b)
	}

	newWork := c.work[newTip]
	c.queueStore(func(s ChainStore) error {
		return s.CommitReorg(&ReorgCommit{
			Disconnect: rolled,
			Connect:    connected,
			NewTip:     newTip,
			NewHeight:  newHeight,
			NewWork:    newWork,
		})
	})
	c.pruneSideLocked()

	reorgsTotal.WithLabelValues("ok").Inc()
	reorgDepth.Observe(float64(depth))
	log.Info().Uint64("height", newHeight).Msg("reorg complete")
	return depth, nil
}

// restoreBranchLocked undoes a partial reorg: pop the applied new blocks,
// then re-push the rolled-back ones (newest-first in rolled).
func (c *Chain) restoreBranchLocked(rolled []*Block, applied int) {
	for i := 0; i < applied; i++ {
		if _, err := c.popTipLocked(OpReorgRollback); err != nil {
			c.log.Error().Str("alert", "critical").Err(err).Msg("cannot unwind partial reorg")
			return
		}
	}
	for i := len(rolled) - 1; i >= 0; i-- {
		b := rolled[i]
		if err := c.pushLocked(b, b.Hash(), OpReorgAccept); err != nil {
			c.log.Error().Str("alert", "critical").Err(err).Msg("cannot restore rolled-back block")
			return
		}
	}
}
