package main

import (
	"testing"

	"visionnode/p2p"

	"github.com/holiman/uint256"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func workOf(ds ...uint64) uint256.Int {
	var total uint256.Int
	for _, d := range ds {
		w := BlockWork(d)
		total.Add(&total, &w)
	}
	return total
}

func requireWork(t *testing.T, want, got uint256.Int) {
	t.Helper()
	require.Truef(t, want.Eq(&got), "work: want %s, got %s", want.Dec(), got.Dec())
}

func TestNewChainStartsAtGenesis(t *testing.T) {
	c := mustCreateTestChain(t)

	require.Equal(t, uint64(1), c.CurrentHeight())
	require.Equal(t, uint64(0), c.TipHeight())
	require.Equal(t, GenesisHash(), c.TipHash())
	requireWork(t, workOf(MinDifficulty), c.TotalWork())
	require.Equal(t, []HeightChangeOp{OpSnapshotRestore}, c.events.ops())
}

func TestProcessBlockExtendsTip(t *testing.T) {
	c := mustCreateTestChain(t)
	b := mineTestBlock(t, GenesisBlock(), MinDifficulty, testMinerAddr)

	res, err := c.ProcessBlock(b, "")
	require.NoError(t, err)
	require.Equal(t, AcceptedCanonical, res.State)
	require.Equal(t, uint64(1), res.Height)
	require.Equal(t, b.Hash(), c.TipHash())
	require.Equal(t, uint64(2), c.CurrentHeight())

	c.events.mu.Lock()
	last := c.events.events[len(c.events.events)-1]
	c.events.mu.Unlock()
	require.Equal(t, HeightChange{Old: 1, New: 2, Op: OpAcceptBlock, Severity: SeverityInfo}, last)
}

func TestSubmitMinedBlockReportsMineOp(t *testing.T) {
	c := mustCreateTestChain(t)
	c.events.reset()
	b := mineTestBlock(t, GenesisBlock(), MinDifficulty, testMinerAddr)

	res, err := c.SubmitMinedBlock(b)
	require.NoError(t, err)
	require.Equal(t, AcceptedCanonical, res.State)
	require.Equal(t, []HeightChangeOp{OpMine}, c.events.ops())
}

func TestDuplicateBlockIsNoOp(t *testing.T) {
	c := mustCreateTestChain(t)
	blocks := mustExtend(t, c.Chain, 3, testMinerAddr)
	c.events.reset()
	tip := c.TipHash()

	res, err := c.ProcessBlock(blocks[1], "peer-a")
	require.NoError(t, err)
	require.Equal(t, AlreadyKnown, res.State)
	require.Equal(t, tip, c.TipHash())
	require.Empty(t, c.events.ops())
	require.Empty(t, c.fetches.all())
}

// A competing block 11 with more work than ours replaces it.
func TestHeavierCompetingBlockReorgs(t *testing.T) {
	c := mustCreateTestChain(t)
	blocks := mustExtend(t, c.Chain, 11, testMinerAddr)
	ours := blocks[10]
	parent := c.GetBlockByHeight(10)
	competitor := mineTestBlock(t, parent, MinDifficulty+1, otherMinerAddr)
	c.events.reset()

	res, err := c.ProcessBlock(competitor, "peer-a")
	require.NoError(t, err)
	require.Equal(t, AcceptedCanonical, res.State)
	require.True(t, res.Reorged)
	require.Equal(t, uint64(1), res.ReorgDepth)

	require.Equal(t, competitor.Hash(), c.TipHash())
	require.Equal(t, uint64(11), c.TipHeight())
	require.False(t, c.IsCanonical(ours.Hash()))
	require.True(t, c.HasBlock(ours.Hash()), "rolled-back block stays in the side pool")
	require.Equal(t, []HeightChangeOp{OpReorgRollback, OpReorgAccept}, c.events.ops())

	parentWork := c.CumulativeWork(parent.Hash())
	want := BlockWork(MinDifficulty + 1)
	want.Add(&want, &parentWork)
	requireWork(t, want, c.TotalWork())
}

func TestEqualWorkKeepsFirstSeen(t *testing.T) {
	c := mustCreateTestChain(t)
	mustExtend(t, c.Chain, 4, testMinerAddr)
	tip := c.TipHash()
	rival := mineTestBlock(t, c.GetBlockByHeight(3), MinDifficulty, otherMinerAddr)

	res, err := c.ProcessBlock(rival, "peer-a")
	require.NoError(t, err)
	require.Equal(t, AcceptedSide, res.State)
	require.False(t, res.Reorged)
	require.Equal(t, tip, c.TipHash())
	require.Equal(t, 1, c.SidePoolSize())
}

func TestReorgRestoresTransactionsToMempool(t *testing.T) {
	pool := NewMempool(DefaultMempoolConfig())
	c := mustCreateTestChain(t, func(cfg *ChainConfig) { cfg.Effects = pool })
	mustExtend(t, c.Chain, 5, testMinerAddr)

	tx := testTx([32]byte{7}, [32]byte{8}, 0)
	tip, _ := c.Tip()
	withTx := mineTestBlock(t, tip, MinDifficulty, testMinerAddr, tx)
	res, err := c.ProcessBlock(withTx, "")
	require.NoError(t, err)
	require.Equal(t, AcceptedCanonical, res.State)
	require.Equal(t, uint64(1), pool.NextNonce(tx.From))
	require.False(t, pool.HasTransaction(tx.ID()))

	competitor := mineTestBlock(t, tip, MinDifficulty+1, otherMinerAddr)
	res, err = c.ProcessBlock(competitor, "peer-a")
	require.NoError(t, err)
	require.True(t, res.Reorged)
	require.Equal(t, uint64(0), pool.NextNonce(tx.From))
	require.True(t, pool.HasTransaction(tx.ID()))
}

// A block with an unknown parent is deferred, its parent is requested
// from the sender, and nobody is penalized.
func TestUnknownParentDefersWithoutStrike(t *testing.T) {
	c := mustCreateTestChain(t)
	mustExtend(t, c.Chain, 2, testMinerAddr)
	tip, _ := c.Tip()
	branch := mineBranch(t, tip, 2, testMinerAddr)
	missing, orphan := branch[0], branch[1]

	res, err := c.ProcessBlock(orphan, "peer-b")
	require.NoError(t, err)
	require.Equal(t, Deferred, res.State)
	require.Equal(t, missing.Hash(), res.Missing)
	require.Empty(t, res.Strike)
	require.Equal(t, 1, c.SidePoolSize())
	require.False(t, c.IsConnected(orphan.Hash()))
	require.Equal(t, []fetchRequest{{hash: missing.Hash(), source: peer.ID("peer-b")}}, c.fetches.all())

	// The parent arrives and the waiting child follows it onto the chain.
	res, err = c.ProcessBlock(missing, "peer-b")
	require.NoError(t, err)
	require.Equal(t, AcceptedCanonical, res.State)
	require.Equal(t, orphan.Hash(), c.TipHash())
	require.Equal(t, uint64(4), c.TipHeight())
	require.Zero(t, c.SidePoolSize())
}

func TestOrphanSpamStrike(t *testing.T) {
	c := mustCreateTestChain(t)
	genesis := GenesisBlock()

	var last AcceptResult
	for i := 0; i < testPolicy().OrphanSpamThreshold+1; i++ {
		miner := EncodeMinerAddress([32]byte{byte(0x10 + i)})
		unseen := mineTestBlock(t, genesis, MinDifficulty, miner)
		orphan := mineTestBlock(t, unseen, MinDifficulty, miner)

		res, err := c.ProcessBlock(orphan, "spammer")
		require.NoError(t, err)
		require.Equal(t, Deferred, res.State)
		if i < testPolicy().OrphanSpamThreshold {
			require.Empty(t, res.Strike)
		}
		last = res
	}
	require.Equal(t, p2p.StrikeOrphanSpam, last.Strike)
}

func TestBadPoWRejectedAndCached(t *testing.T) {
	c := mustCreateTestChain(t)
	b := mineTestBlock(t, GenesisBlock(), MinDifficulty, testMinerAddr)
	b.Header.PowHash[0] ^= 0xff

	res, err := c.ProcessBlock(b, "peer-x")
	require.ErrorIs(t, err, ErrBadPoW)
	require.Equal(t, Rejected, res.State)
	require.Equal(t, p2p.StrikeBadPoW, res.Strike)

	res, err = c.ProcessBlock(b, "peer-y")
	require.ErrorIs(t, err, ErrBadPoW)
	require.Equal(t, Rejected, res.State)
	require.Equal(t, GenesisHash(), c.TipHash())
}

func TestHeightMustFollowParent(t *testing.T) {
	c := mustCreateTestChain(t)
	b := mineTestBlock(t, GenesisBlock(), MinDifficulty, testMinerAddr)
	b.Header.Height = 2
	solveTestBlock(t, b)

	res, err := c.ProcessBlock(b, "peer-x")
	require.ErrorIs(t, err, ErrInvalidBlock)
	require.Equal(t, Rejected, res.State)
	require.Equal(t, p2p.StrikeInvalidBlock, res.Strike)
	require.False(t, c.HasBlock(b.Hash()))
}

func TestDeepReorgRefusedInSteadyState(t *testing.T) {
	c := mustCreateTestChain(t)
	mustExtend(t, c.Chain, 10, testMinerAddr)
	tip := c.TipHash()

	// Fork at height 5: six blocks outweigh our five but need a depth-5 reorg.
	branch := mineBranch(t, c.GetBlockByHeight(5), 6, otherMinerAddr)
	for _, b := range branch {
		res, err := c.ProcessBlock(b, "peer-a")
		require.NoError(t, err)
		require.Equal(t, AcceptedSide, res.State)
		require.False(t, res.Reorged)
	}
	require.Equal(t, tip, c.TipHash())
	require.Equal(t, uint64(10), c.TipHeight())
}

func TestDeepReorgAllowedWhileCatchingUp(t *testing.T) {
	c := mustCreateTestChain(t)
	mustExtend(t, c.Chain, 10, testMinerAddr)
	c.SetBestPeerHeight(func() uint64 { return 100 })

	branch := mineBranch(t, c.GetBlockByHeight(5), 6, otherMinerAddr)
	c.events.reset()
	var res AcceptResult
	for _, b := range branch {
		var err error
		res, err = c.ProcessBlock(b, "peer-a")
		require.NoError(t, err)
	}
	require.True(t, res.Reorged)
	require.Equal(t, uint64(5), res.ReorgDepth)
	require.Equal(t, branch[5].Hash(), c.TipHash())
	require.Equal(t, uint64(11), c.TipHeight())

	var rollbacks, accepts int
	for _, op := range c.events.ops() {
		switch op {
		case OpReorgRollback:
			rollbacks++
		case OpReorgAccept:
			accepts++
		}
	}
	require.Equal(t, 5, rollbacks)
	require.Equal(t, 6, accepts)
}

func TestFailedReorgRestoresCanonicalChain(t *testing.T) {
	pool := NewMempool(DefaultMempoolConfig())
	c := mustCreateTestChain(t, func(cfg *ChainConfig) { cfg.Effects = pool })
	blocks := mustExtend(t, c.Chain, 3, testMinerAddr)
	tip := c.TipHash()

	// Structurally fine, but the nonce gap makes its effects fail to apply.
	bad := testTx([32]byte{9}, [32]byte{8}, 5)
	competitor := mineTestBlock(t, blocks[1], MinDifficulty+1, otherMinerAddr, bad)
	c.events.reset()

	res, err := c.ProcessBlock(competitor, "peer-a")
	require.NoError(t, err)
	require.Equal(t, Rejected, res.State)
	require.Equal(t, p2p.StrikeInvalidBlock, res.Strike)
	require.Equal(t, tip, c.TipHash())
	require.True(t, c.IsCanonical(blocks[2].Hash()))
	require.False(t, c.HasBlock(competitor.Hash()))
	require.Equal(t, []HeightChangeOp{OpReorgRollback, OpReorgAccept}, c.events.ops())

	res, err = c.ProcessBlock(competitor, "peer-b")
	require.ErrorIs(t, err, ErrInvalidBlock)
	require.Equal(t, Rejected, res.State)
}

// A side block whose parent is canonical carries the full work of its
// ancestry, never just its own.
func TestSideBlockWorkIncludesCanonicalAncestry(t *testing.T) {
	c := mustCreateTestChain(t)
	mustExtend(t, c.Chain, 4, testMinerAddr)
	parent := c.GetBlockByHeight(3)
	rival := mineTestBlock(t, parent, MinDifficulty, otherMinerAddr)
	_, err := c.ProcessBlock(rival, "")
	require.NoError(t, err)

	parentWork := c.CumulativeWork(parent.Hash())
	want := BlockWork(MinDifficulty)
	want.Add(&want, &parentWork)
	requireWork(t, want, c.CumulativeWork(rival.Hash()))
	require.True(t, c.IsConnected(rival.Hash()))

	var unknown [32]byte
	unknown[0] = 0xaa
	none := c.CumulativeWork(unknown)
	require.True(t, none.IsZero())
}

func TestCumulativeWorkIsAdditive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		diffs := rapid.SliceOfN(rapid.Uint64Range(1, 6), 1, 12).Draw(rt, "difficulties")

		c, err := NewChain(ChainConfig{Policy: testPolicy(), Hasher: sha3Hasher{}})
		if err != nil {
			rt.Fatalf("new chain: %v", err)
		}
		want := workOf(MinDifficulty)
		for _, d := range diffs {
			tip, _ := c.Tip()
			b := mineTestBlock(rt, tip, d, testMinerAddr)
			if res, err := c.ProcessBlock(b, ""); err != nil || res.State != AcceptedCanonical {
				rt.Fatalf("height %d: state=%v err=%v", b.Header.Height, res.State, err)
			}
			bw := BlockWork(d)
			want.Add(&want, &bw)

			got := c.CumulativeWork(b.Hash())
			if !got.Eq(&want) {
				rt.Fatalf("height %d: work %s, want %s", b.Header.Height, got.Dec(), want.Dec())
			}
		}
		total := c.TotalWork()
		if !total.Eq(&want) {
			rt.Fatalf("total work %s, want %s", total.Dec(), want.Dec())
		}
	})
}

func TestBlockWorkIsCapped(t *testing.T) {
	a, b := BlockWork(MaxWorkBits), BlockWork(MaxDifficulty)
	require.True(t, a.Eq(&b))
	one := BlockWork(0)
	require.Equal(t, uint64(1), one.Uint64())
}

func TestResetToGenesisIsGuarded(t *testing.T) {
	c := mustCreateTestChain(t)
	mustExtend(t, c.Chain, 3, testMinerAddr)
	tip := c.TipHash()

	err := c.ResetToGenesis()
	require.ErrorIs(t, err, ErrForceResetDenied)
	require.Equal(t, tip, c.TipHash())
	require.False(t, c.AllowFullChainReset())
}

func TestResetToGenesisWithOverride(t *testing.T) {
	c := mustCreateTestChain(t, func(cfg *ChainConfig) { cfg.Override = fixedOverride{allow: true} })
	mustExtend(t, c.Chain, 3, testMinerAddr)
	c.events.reset()

	require.NoError(t, c.ResetToGenesis())
	require.Equal(t, GenesisHash(), c.TipHash())
	require.Equal(t, uint64(1), c.CurrentHeight())
	require.Zero(t, c.SidePoolSize())

	c.events.mu.Lock()
	events := append([]HeightChange(nil), c.events.events...)
	c.events.mu.Unlock()
	require.Equal(t, []HeightChange{
		{Old: 4, New: 0, Op: OpSyncRecovery, Severity: SeverityCritical},
		{Old: 0, New: 1, Op: OpSyncRecovery, Severity: SeverityInfo},
	}, events)
}

func TestResetGateCheckDoesNotSpendOverride(t *testing.T) {
	t.Setenv(ForceResetEnv, "1")
	c := mustCreateTestChain(t, func(cfg *ChainConfig) { cfg.Override = &EnvResetOverride{} })
	mustExtend(t, c.Chain, 3, testMinerAddr)

	require.True(t, c.AllowFullChainReset())
	require.True(t, c.AllowFullChainReset())
	require.NoError(t, c.ResetToGenesis())
	require.Equal(t, GenesisHash(), c.TipHash())

	mustExtend(t, c.Chain, 2, testMinerAddr)
	require.False(t, c.AllowFullChainReset())
	require.ErrorIs(t, c.ResetToGenesis(), ErrForceResetDenied)
}

func TestAcceptStateStrings(t *testing.T) {
	for state, want := range map[AcceptState]string{
		PendingValidation: "pending",
		AcceptedCanonical: "canonical",
		AcceptedSide:      "side",
		Deferred:          "deferred",
		Rejected:          "rejected",
		AlreadyKnown:      "known",
	} {
		require.Equal(t, want, state.String())
	}
}
