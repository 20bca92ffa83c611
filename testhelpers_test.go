package main

import (
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/sha3"
)

// sha3Hasher stands in for Argon2 so tests can mine thousands of blocks.
type sha3Hasher struct{}

func (sha3Hasher) Digest(msg []byte) [32]byte {
	return sha3.Sum256(msg)
}

var (
	testMinerAddr  = EncodeMinerAddress([32]byte{0x01})
	otherMinerAddr = EncodeMinerAddress([32]byte{0x02})
)

// testPolicy is a scaled-down policy: steady-state reorgs up to 3 deep,
// catch-up up to 10 while the tip is below height 5.
func testPolicy() ChainPolicy {
	return ChainPolicy{
		MaxReorgDepth:        3,
		CatchUpMaxReorgDepth: 10,
		CatchUpHeight:        5,
		CatchUpLag:           50,
		MaxSideBlocks:        64,
		OrphanSpamThreshold:  3,
		OrphanTTL:            5 * time.Minute,
		HeightDropMargin:     2,
		UndoRetention:        16,
		AncestryWalkLimit:    64,
		BadBlockCacheSize:    64,
	}
}

// recordingScheduler captures parent-fetch requests.
type recordingScheduler struct {
	mu       sync.Mutex
	requests []fetchRequest
}

func (r *recordingScheduler) Schedule(hash [32]byte, hint peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, fetchRequest{hash: hash, source: hint})
	return true
}

func (r *recordingScheduler) all() []fetchRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fetchRequest(nil), r.requests...)
}

// eventLog captures safety-guard events.
type eventLog struct {
	mu     sync.Mutex
	events []HeightChange
}

func (l *eventLog) record(ev HeightChange) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ops() []HeightChangeOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]HeightChangeOp, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Op
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// fixedOverride grants resets while allow is set.
type fixedOverride struct{ allow bool }

func (o fixedOverride) Armed() bool   { return o.allow }
func (o fixedOverride) Consume() bool { return o.allow }

type testChain struct {
	*Chain
	fetches *recordingScheduler
	events  *eventLog
}

func mustCreateTestChain(t *testing.T, mutate ...func(*ChainConfig)) *testChain {
	t.Helper()
	tc := &testChain{fetches: &recordingScheduler{}, events: &eventLog{}}
	cfg := ChainConfig{
		Policy:         testPolicy(),
		Hasher:         sha3Hasher{},
		Fetcher:        tc.fetches,
		OnHeightChange: tc.events.record,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	c, err := NewChain(cfg)
	if err != nil {
		t.Fatalf("failed to create chain: %v", err)
	}
	tc.Chain = c
	return tc
}

// fataler is the part of testing.TB that rapid.T also provides.
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

// mineTestBlock solves a child of parent. miner distinguishes competing
// blocks at the same height.
func mineTestBlock(t fataler, parent *Block, difficulty uint64, miner string, txs ...*Tx) *Block {
	t.Helper()
	if txs == nil {
		txs = []*Tx{}
	}
	b := &Block{
		Header: BlockHeader{
			Height:     parent.Header.Height + 1,
			ParentHash: parent.Hash(),
			Difficulty: difficulty,
			Timestamp:  parent.Header.Timestamp + 5,
			Miner:      miner,
		},
		Txs: txs,
	}
	b.Header.TxRoot = b.ComputeTxRoot()
	solveTestBlock(t, b)
	return b
}

// solveTestBlock searches nonces for b's current header fields.
func solveTestBlock(t fataler, b *Block) {
	t.Helper()
	var h sha3Hasher
	for nonce := uint64(0); nonce < 1<<24; nonce++ {
		b.Header.Nonce = nonce
		digest := h.Digest(b.Header.PowMessageBytes())
		if MeetsTarget(digest, b.Header.Difficulty) {
			b.Header.PowHash = digest
			return
		}
	}
	t.Fatalf("no nonce found for difficulty %d", b.Header.Difficulty)
}

// mustExtend mines n difficulty-1 blocks on the canonical tip and accepts
// each one.
func mustExtend(t *testing.T, c *Chain, n int, miner string) []*Block {
	t.Helper()
	out := make([]*Block, 0, n)
	for i := 0; i < n; i++ {
		tip, _ := c.Tip()
		b := mineTestBlock(t, tip, MinDifficulty, miner)
		res, err := c.ProcessBlock(b, "")
		if err != nil || res.State != AcceptedCanonical {
			t.Fatalf("extend block %d: state=%v err=%v", b.Header.Height, res.State, err)
		}
		out = append(out, b)
	}
	return out
}

// mineBranch mines n difficulty-1 blocks on top of parent without
// submitting them.
func mineBranch(t *testing.T, parent *Block, n int, miner string) []*Block {
	t.Helper()
	out := make([]*Block, 0, n)
	for i := 0; i < n; i++ {
		b := mineTestBlock(t, parent, MinDifficulty, miner)
		out = append(out, b)
		parent = b
	}
	return out
}

func testTx(from, to [32]byte, nonce uint64) *Tx {
	return &Tx{
		From:   EncodeMinerAddress(from),
		To:     EncodeMinerAddress(to),
		Amount: 10,
		Fee:    1,
		Nonce:  nonce,
	}
}

// testClock is a settable clock for policies that age pooled blocks.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(int64(GenesisBlock().Header.Timestamp), 0).Add(time.Hour)}
}

func (k *testClock) Now() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now
}

func (k *testClock) Advance(d time.Duration) {
	k.mu.Lock()
	k.now = k.now.Add(d)
	k.mu.Unlock()
}

func (c *testChain) undoCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.undo)
}

func (c *testChain) orphansFrom(p peer.ID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orphansBy[p]
}
