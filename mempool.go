package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

// ============================================================================
// Transactions
// ============================================================================

// Tx is a nonce-ordered transfer. Signatures live in the wallet layer and
// are not modelled here.
type Tx struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
	Fee    uint64 `json:"fee"`
	Nonce  uint64 `json:"nonce"`
}

// ID returns SHA3-256 of the canonical tx encoding.
func (tx *Tx) ID() [32]byte {
	buf := make([]byte, 0, len(tx.From)+len(tx.To)+2*2+3*8)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tx.From)))
	buf = append(buf, tx.From...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tx.To)))
	buf = append(buf, tx.To...)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Amount)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Fee)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Nonce)
	return sha3.Sum256(buf)
}

// Validate checks the fields that need no state.
func (tx *Tx) Validate() error {
	if tx == nil {
		return errors.New("nil transaction")
	}
	if _, err := ParseMinerAddress(tx.From); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if _, err := ParseMinerAddress(tx.To); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	if tx.Amount == 0 {
		return errors.New("zero amount")
	}
	return nil
}

// ============================================================================
// Undo Records
// ============================================================================

// UndoRecord holds what is needed to reverse one block's effects. It is
// created when the block is applied and dropped once the block is rolled
// back or buried past the undo retention depth.
type UndoRecord struct {
	Height uint64   `json:"height"`
	Hash   [32]byte `json:"hash"`

	// PriorNonces maps each touched sender to its nonce before the block.
	// Senders first seen in this block are listed in NewSenders instead.
	PriorNonces map[string]uint64 `json:"prior_nonces"`
	NewSenders  []string          `json:"new_senders"`

	// Txs are the block's transactions, returned to the pool on revert.
	Txs []*Tx `json:"txs"`
}

// ============================================================================
// Mempool
// ============================================================================

// MempoolConfig configures the mempool
type MempoolConfig struct {
	// MaxSize is the maximum number of transactions
	MaxSize int

	// ExpirationTime is how long a tx stays in mempool
	ExpirationTime time.Duration
}

// DefaultMempoolConfig returns sensible defaults
func DefaultMempoolConfig() MempoolConfig {
	return MempoolConfig{
		MaxSize:        10_000,
		ExpirationTime: 24 * time.Hour,
	}
}

type mempoolEntry struct {
	tx      *Tx
	id      [32]byte
	addedAt time.Time
}

// Mempool stores unconfirmed transactions and the per-sender nonce state
// that canonical blocks advance.
type Mempool struct {
	mu sync.RWMutex

	config MempoolConfig

	txByID map[[32]byte]*mempoolEntry
	nonces map[string]uint64
}

// NewMempool creates a new mempool
func NewMempool(cfg MempoolConfig) *Mempool {
	return &Mempool{
		config: cfg,
		txByID: make(map[[32]byte]*mempoolEntry),
		nonces: make(map[string]uint64),
	}
}

// AddTransaction adds a transaction whose nonce is not already spent.
func (m *Mempool) AddTransaction(tx *Tx) error {
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := tx.ID()
	if _, exists := m.txByID[id]; exists {
		return nil
	}
	if tx.Nonce < m.nonces[tx.From] {
		return fmt.Errorf("stale nonce %d for %s (next %d)", tx.Nonce, tx.From, m.nonces[tx.From])
	}
	if len(m.txByID) >= m.config.MaxSize {
		return fmt.Errorf("mempool full (%d)", m.config.MaxSize)
	}
	m.txByID[id] = &mempoolEntry{tx: tx, id: id, addedAt: time.Now()}
	return nil
}

// HasTransaction reports whether the pool holds tx id.
func (m *Mempool) HasTransaction(id [32]byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.txByID[id]
	return ok
}

// Size returns the number of pooled transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txByID)
}

// NextNonce returns the nonce the next canonical tx from sender must carry.
func (m *Mempool) NextNonce(sender string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonces[sender]
}

// GetTransactionsForBlock returns up to maxCount transactions that would
// apply cleanly on top of the current nonce state.
func (m *Mempool) GetTransactionsForBlock(maxCount int) []*Tx {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*mempoolEntry, 0, len(m.txByID))
	for _, e := range m.txByID {
		entries = append(entries, e)
	}
	// Selection policy lives outside the core; sender then nonce order keeps
	// each sender's run contiguous.
	slices.SortFunc(entries, func(a, b *mempoolEntry) int {
		if a.tx.From != b.tx.From {
			if a.tx.From < b.tx.From {
				return -1
			}
			return 1
		}
		if c := cmpUint64(a.tx.Nonce, b.tx.Nonce); c != 0 {
			return c
		}
		return slices.Compare(a.id[:], b.id[:])
	})

	next := make(map[string]uint64)
	var out []*Tx
	for _, e := range entries {
		if len(out) >= maxCount {
			break
		}
		want, ok := next[e.tx.From]
		if !ok {
			want = m.nonces[e.tx.From]
		}
		if e.tx.Nonce != want {
			continue
		}
		next[e.tx.From] = want + 1
		out = append(out, e.tx)
	}
	return out
}

// RemoveExpired drops transactions older than the configured expiry.
func (m *Mempool) RemoveExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.config.ExpirationTime)
	removed := 0
	for id, e := range m.txByID {
		if e.addedAt.Before(cutoff) {
			delete(m.txByID, id)
			removed++
		}
	}
	return removed
}

// ApplyBlockEffects advances sender nonces for every tx in b and removes
// them from the pool. Nothing is changed if any tx is out of order.
func (m *Mempool) ApplyBlockEffects(b *Block) (*UndoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	undo := &UndoRecord{
		Height:      b.Header.Height,
		Hash:        b.Hash(),
		PriorNonces: make(map[string]uint64),
		Txs:         b.Txs,
	}

	next := make(map[string]uint64)
	for i, tx := range b.Txs {
		cur, seen := next[tx.From]
		if !seen {
			prior, known := m.nonces[tx.From]
			if known {
				undo.PriorNonces[tx.From] = prior
			} else {
				undo.NewSenders = append(undo.NewSenders, tx.From)
			}
			cur = prior
		}
		if tx.Nonce != cur {
			return nil, fmt.Errorf("tx %d from %s: nonce %d, want %d", i, tx.From, tx.Nonce, cur)
		}
		next[tx.From] = cur + 1
	}

	for sender, n := range next {
		m.nonces[sender] = n
	}
	for _, tx := range b.Txs {
		delete(m.txByID, tx.ID())
	}
	// Pool entries made stale by the new nonces go too.
	for id, e := range m.txByID {
		if n, touched := next[e.tx.From]; touched && e.tx.Nonce < n {
			delete(m.txByID, id)
		}
	}
	return undo, nil
}

// RevertBlockEffects restores the nonce state from undo and returns the
// block's transactions to the pool.
func (m *Mempool) RevertBlockEffects(undo *UndoRecord) error {
	if undo == nil {
		return errors.New("nil undo record")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for sender, n := range undo.PriorNonces {
		m.nonces[sender] = n
	}
	for _, sender := range undo.NewSenders {
		delete(m.nonces, sender)
	}
	now := time.Now()
	for _, tx := range undo.Txs {
		if len(m.txByID) >= m.config.MaxSize {
			break
		}
		id := tx.ID()
		if _, exists := m.txByID[id]; !exists {
			m.txByID[id] = &mempoolEntry{tx: tx, id: id, addedAt: now}
		}
	}
	return nil
}

// ResetEffects drops all nonce state and pooled transactions; used when
// the canonical chain is wiped.
func (m *Mempool) ResetEffects() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txByID = make(map[[32]byte]*mempoolEntry)
	m.nonces = make(map[string]uint64)
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
