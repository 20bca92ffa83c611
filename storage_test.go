package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustCreateTestStorage(t *testing.T, dir string) *Storage {
	t.Helper()
	s, err := NewStorage(dir)
	require.NoError(t, err)
	return s
}

func storedChain(t *testing.T, s *Storage, mutate ...func(*ChainConfig)) *testChain {
	t.Helper()
	return mustCreateTestChain(t, append([]func(*ChainConfig){
		func(cfg *ChainConfig) { cfg.Store = s },
	}, mutate...)...)
}

func TestChainRestoresFromStorage(t *testing.T) {
	dir := t.TempDir()
	s := mustCreateTestStorage(t, dir)
	c := storedChain(t, s)
	mustExtend(t, c.Chain, 6, testMinerAddr)
	tip, work := c.TipHash(), c.TotalWork()
	require.NoError(t, s.Close())

	s = mustCreateTestStorage(t, dir)
	defer s.Close()
	restored := storedChain(t, s)

	require.Equal(t, tip, restored.TipHash())
	require.Equal(t, uint64(6), restored.TipHeight())
	requireWork(t, work, restored.TotalWork())

	restored.events.mu.Lock()
	events := append([]HeightChange(nil), restored.events.events...)
	restored.events.mu.Unlock()
	require.Equal(t, []HeightChange{{Old: 0, New: 7, Op: OpSnapshotRestore, Severity: SeverityInfo}}, events)
}

func TestReorgIsPersisted(t *testing.T) {
	dir := t.TempDir()
	s := mustCreateTestStorage(t, dir)
	defer s.Close()

	c := storedChain(t, s)
	blocks := mustExtend(t, c.Chain, 4, testMinerAddr)
	competitor := mineTestBlock(t, blocks[2], MinDifficulty+1, otherMinerAddr)
	res, err := c.ProcessBlock(competitor, "peer-a")
	require.NoError(t, err)
	require.True(t, res.Reorged)

	tipHash, tipHeight, work, found, err := s.GetTip()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, competitor.Hash(), tipHash)
	require.Equal(t, uint64(4), tipHeight)
	requireWork(t, c.TotalWork(), work)

	// The rolled-back block is still on file by hash.
	old, err := s.GetBlock(blocks[3].Hash())
	require.NoError(t, err)
	require.NotNil(t, old)

	restored := storedChain(t, s)
	require.Equal(t, competitor.Hash(), restored.TipHash())
}

func TestOrphansArePersisted(t *testing.T) {
	s := mustCreateTestStorage(t, t.TempDir())
	defer s.Close()

	c := storedChain(t, s)
	branch := mineBranch(t, GenesisBlock(), 2, otherMinerAddr)
	res, err := c.ProcessBlock(branch[1], "peer-a")
	require.NoError(t, err)
	require.Equal(t, Deferred, res.State)

	got, err := s.GetBlock(branch[1].Hash())
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, branch[1].Hash(), got.Hash())
}

func TestResetChainIsPersisted(t *testing.T) {
	s := mustCreateTestStorage(t, t.TempDir())
	defer s.Close()

	c := storedChain(t, s, func(cfg *ChainConfig) { cfg.Override = fixedOverride{allow: true} })
	mustExtend(t, c.Chain, 3, testMinerAddr)
	require.NoError(t, c.ResetToGenesis())

	blocks, err := s.LoadCanonical()
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, GenesisHash(), blocks[0].Hash())
}

func TestCommitBlockChecksLinkage(t *testing.T) {
	s := mustCreateTestStorage(t, t.TempDir())
	defer s.Close()

	g := GenesisBlock()
	b := mineTestBlock(t, g, MinDifficulty, testMinerAddr)

	// Nothing stored yet: only genesis may become the tip.
	err := s.CommitBlock(&BlockCommit{Block: b, Hash: b.Hash(), IsMainTip: true})
	require.Error(t, err)

	require.NoError(t, s.CommitBlock(&BlockCommit{Block: g, Hash: g.Hash(), Work: BlockWork(1), IsMainTip: true}))
	require.NoError(t, s.CommitBlock(&BlockCommit{Block: b, Hash: b.Hash(), Work: workOf(1, 1), IsMainTip: true}))

	err = s.CommitBlock(&BlockCommit{Block: b, Hash: [32]byte{1}, IsMainTip: true})
	require.Error(t, err, "hash must match the block")
}

func TestKVBuckets(t *testing.T) {
	s := mustCreateTestStorage(t, t.TempDir())
	defer s.Close()

	v, err := s.Get("peers", []byte("missing"))
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, s.Put("peers", []byte("a/1"), []byte("one")))
	require.NoError(t, s.Put("peers", []byte("a/2"), []byte("two")))
	require.NoError(t, s.Put("peers", []byte("b/1"), []byte("three")))

	v, err = s.Get("peers", []byte("a/2"))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), v)

	var keys []string
	require.NoError(t, s.Scan("peers", []byte("a/"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	require.Equal(t, []string{"a/1", "a/2"}, keys)

	require.NoError(t, s.Delete("peers", []byte("a/1")))
	v, err = s.Get("peers", []byte("a/1"))
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, s.Delete("nobucket", []byte("x")))
	require.NoError(t, s.Scan("nobucket", nil, func(_, _ []byte) error {
		t.Fatal("scan of missing bucket visited a key")
		return nil
	}))
}

func TestRestoreKeepsOnlyRecentUndo(t *testing.T) {
	dir := t.TempDir()
	s := mustCreateTestStorage(t, dir)
	c := storedChain(t, s, func(cfg *ChainConfig) { cfg.Effects = NewMempool(DefaultMempoolConfig()) })
	mustExtend(t, c.Chain, 60, testMinerAddr)
	live := c.undoCount()
	require.NoError(t, s.Close())

	s = mustCreateTestStorage(t, dir)
	defer s.Close()
	restored := storedChain(t, s, func(cfg *ChainConfig) { cfg.Effects = NewMempool(DefaultMempoolConfig()) })

	retention := int(testPolicy().UndoRetention)
	require.Equal(t, retention+1, live)
	require.Equal(t, live, restored.undoCount())

	// The restored window still covers a reorg at the steady-state limit.
	depth := testPolicy().MaxReorgDepth
	fork := restored.GetBlockByHeight(restored.TipHeight() - depth)
	branch := mineBranch(t, fork, int(depth)+1, otherMinerAddr)
	var last AcceptResult
	for _, b := range branch {
		res, err := restored.ProcessBlock(b, "peer-a")
		require.NoError(t, err)
		last = res
	}
	require.True(t, last.Reorged)
	require.Equal(t, depth, last.ReorgDepth)
	require.Equal(t, branch[len(branch)-1].Hash(), restored.TipHash())
}
