package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"visionnode/p2p"

	"github.com/rs/zerolog"
)

// MinerConfig holds mining configuration
type MinerConfig struct {
	// MinerAddress receives block rewards; it is stamped into every header.
	MinerAddress string

	// Policy and Snapshot drive the eligibility gate. A nil Snapshot
	// always allows mining.
	Policy   p2p.MiningPolicy
	Snapshot func() p2p.EligibilitySnapshot

	// MaxTxs caps transactions per template (0 = MaxBlockTxs).
	MaxTxs int

	// GatePoll is how often a paused miner re-checks the gate.
	GatePoll time.Duration

	Logger zerolog.Logger
}

// MinerStats holds mining statistics
type MinerStats struct {
	HashCount    uint64
	BlocksFound  uint64
	StartTime    time.Time
	LastHashTime time.Time
}

// Miner builds templates on the canonical tip and searches nonces on a
// single goroutine while the eligibility gate is open.
type Miner struct {
	config  MinerConfig
	chain   *Chain
	mempool *Mempool
	hasher  PowHasher
	log     zerolog.Logger

	hashCount   atomic.Uint64
	blocksFound atomic.Uint64
	statsMu     sync.Mutex
	startTime   time.Time
	lastFound   time.Time

	running  atomic.Bool
	cancel   context.CancelFunc
	newBlock chan struct{} // signals miner to restart on new chain tip
}

// NewMiner creates a new miner
func NewMiner(chain *Chain, mempool *Mempool, hasher PowHasher, config MinerConfig) *Miner {
	if config.MaxTxs <= 0 || config.MaxTxs > MaxBlockTxs {
		config.MaxTxs = MaxBlockTxs
	}
	if config.GatePoll <= 0 {
		config.GatePoll = 5 * time.Second
	}
	return &Miner{
		config:   config,
		chain:    chain,
		mempool:  mempool,
		hasher:   hasher,
		log:      config.Logger.With().Str("component", "miner").Logger(),
		newBlock: make(chan struct{}, 1),
	}
}

// NotifyNewBlock tells the miner the tip moved so the current solve is
// stale.
func (m *Miner) NotifyNewBlock() {
	select {
	case m.newBlock <- struct{}{}:
	default: // already signalled, don't block
	}
}

// errNewBlock is returned by MineBlock when the tip moved mid-solve.
var errNewBlock = errors.New("new block received, restarting")

// Eligible evaluates the mining gate against the current snapshot.
func (m *Miner) Eligible() (bool, string) {
	if m.config.Snapshot == nil {
		miningEligibleGauge.Set(1)
		return true, ""
	}
	ok, reason := p2p.MiningEligible(m.config.Policy, m.config.Snapshot())
	miningEligibleGauge.Set(boolGauge(ok))
	return ok, reason
}

// BuildTemplate returns an unsolved block on top of the canonical tip.
func (m *Miner) BuildTemplate() (*Block, error) {
	tip, tipHash := m.chain.Tip()
	if tip == nil {
		return nil, errors.New("no canonical tip")
	}
	var txs []*Tx
	if m.mempool != nil {
		txs = m.mempool.GetTransactionsForBlock(m.config.MaxTxs)
	}
	if txs == nil {
		txs = []*Tx{}
	}

	ts := uint64(time.Now().Unix())
	if ts < tip.Header.Timestamp {
		ts = tip.Header.Timestamp
	}
	b := &Block{
		Header: BlockHeader{
			Height:     tip.Header.Height + 1,
			ParentHash: tipHash,
			Difficulty: tip.Header.Difficulty,
			Timestamp:  ts,
			Miner:      m.config.MinerAddress,
		},
		Txs: txs,
	}
	b.Header.TxRoot = b.ComputeTxRoot()
	return b, nil
}

// MineBlock searches nonces for template until the digest meets its
// difficulty, the tip moves or ctx ends.
func (m *Miner) MineBlock(ctx context.Context, template *Block) (*Block, error) {
	h := template.Header
	for nonce := uint64(0); ; nonce++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.newBlock:
			return nil, errNewBlock
		default:
		}

		h.Nonce = nonce
		digest := m.hasher.Digest(h.PowMessageBytes())
		m.hashCount.Add(1)
		if MeetsTarget(digest, h.Difficulty) {
			h.PowHash = digest
			m.blocksFound.Add(1)
			m.statsMu.Lock()
			m.lastFound = time.Now()
			m.statsMu.Unlock()
			return &Block{Header: h, Txs: template.Txs}, nil
		}
		if nonce == ^uint64(0) {
			return nil, fmt.Errorf("nonce space exhausted at height %d", h.Height)
		}
	}
}

// Start begins mining in a background goroutine; found blocks are sent on
// blockChan.
func (m *Miner) Start(ctx context.Context, blockChan chan<- *Block) {
	if m.running.Swap(true) {
		return // Already running
	}
	m.hashCount.Store(0)
	m.blocksFound.Store(0)
	m.statsMu.Lock()
	m.startTime = time.Now()
	m.lastFound = time.Time{}
	m.statsMu.Unlock()

	mineCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		defer m.running.Store(false)
		defer cancel()

		paused := false
		for {
			select {
			case <-mineCtx.Done():
				return
			default:
			}

			if ok, reason := m.Eligible(); !ok {
				if !paused {
					m.log.Info().Str("reason", reason).Msg("mining paused")
					paused = true
				}
				select {
				case <-mineCtx.Done():
					return
				case <-m.newBlock:
				case <-time.After(m.config.GatePoll):
				}
				continue
			}
			if paused {
				m.log.Info().Msg("mining resumed")
				paused = false
			}

			// Drain any pending new-block signal before building the template
			select {
			case <-m.newBlock:
			default:
			}

			template, err := m.BuildTemplate()
			if err != nil {
				m.log.Error().Err(err).Msg("failed to build block template")
				time.Sleep(time.Second)
				continue
			}
			block, err := m.MineBlock(mineCtx, template)
			if err != nil {
				if mineCtx.Err() != nil {
					return
				}
				if !errors.Is(err, errNewBlock) {
					m.log.Error().Err(err).Msg("mining error")
				}
				continue
			}

			select {
			case blockChan <- block:
			case <-mineCtx.Done():
				return
			}
		}
	}()
}

// Stop stops the miner
func (m *Miner) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// IsRunning returns true if miner is running
func (m *Miner) IsRunning() bool {
	return m.running.Load()
}

// Stats returns current mining statistics
func (m *Miner) Stats() MinerStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return MinerStats{
		HashCount:    m.hashCount.Load(),
		BlocksFound:  m.blocksFound.Load(),
		StartTime:    m.startTime,
		LastHashTime: m.lastFound,
	}
}

// HashRate returns the current hash rate (hashes per second)
func (m *Miner) HashRate() float64 {
	stats := m.Stats()
	elapsed := time.Since(stats.StartTime).Seconds()
	if elapsed < 1 {
		return 0
	}
	return float64(stats.HashCount) / elapsed
}
