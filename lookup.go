package main

// BlockLookup is the one read path over every block this node knows,
// canonical or pooled. Work accounting and ancestry walks go through it and
// nothing else.
type BlockLookup interface {
	GetBlock(hash [32]byte) (*Block, bool)
}

// lockedLookup resolves against chain state; the caller holds c.mu.
type lockedLookup struct {
	c *Chain
}

func (l lockedLookup) GetBlock(hash [32]byte) (*Block, bool) {
	if h, ok := l.c.index[hash]; ok {
		return l.c.canonical[h], true
	}
	if e, ok := l.c.side[hash]; ok {
		return e.block, true
	}
	return nil, false
}
