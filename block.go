package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"visionnode/protocol/params"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/sha3"
)

// ============================================================================
// Constants
// ============================================================================

const (
	BlockInterval       = 5 * time.Second // target block time
	TimestampFuturLimit = 2 * time.Hour   // max timestamp ahead of now

	// Difficulty counts required leading zero bits of the PoW digest.
	MinDifficulty = uint64(1)
	MaxDifficulty = uint64(255)

	// MaxWorkBits caps per-block work at 2^120 so cumulative sums never
	// approach the 256-bit ceiling.
	MaxWorkBits = 120

	MaxBlockTxs     = 1000
	MaxMinerAddrLen = 128
)

// ============================================================================
// Block Header
// ============================================================================

// BlockHeader is the immutable header of a block.
type BlockHeader struct {
	Height     uint64   `json:"height"`
	ParentHash [32]byte `json:"parent_hash"`
	PowHash    [32]byte `json:"pow_hash"`
	Difficulty uint64   `json:"difficulty"`
	Nonce      uint64   `json:"nonce"`
	Timestamp  uint64   `json:"timestamp"`
	StateRoot  [32]byte `json:"state_root"`
	TxRoot     [32]byte `json:"tx_root"`
	Miner      string   `json:"miner"`
}

// PowMessageBytes returns the exact byte sequence miners and validators
// hash. Field order and endianness are consensus: the nonce is big-endian,
// every other integer little-endian.
func (h *BlockHeader) PowMessageBytes() []byte {
	miner := []byte(h.Miner)
	buf := make([]byte, 0, len(params.PowMagic)+4+32+8+8+8+8+32+2+len(miner))

	buf = append(buf, params.PowMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, params.PowMessageVersion)
	buf = append(buf, h.ParentHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	buf = binary.BigEndian.AppendUint64(buf, h.Nonce)
	buf = append(buf, h.TxRoot[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(miner)))
	buf = append(buf, miner...)
	return buf
}

// Hash returns the block id: SHA3-256 over the PoW message, the PoW digest
// and the state root.
func (h *BlockHeader) Hash() [32]byte {
	d := sha3.New256()
	d.Write(h.PowMessageBytes())
	d.Write(h.PowHash[:])
	d.Write(h.StateRoot[:])
	var out [32]byte
	copy(out[:], d.Sum(nil))
	return out
}

// ============================================================================
// Block
// ============================================================================

// Block is a header plus its transactions. Never mutated after construction.
type Block struct {
	Header BlockHeader `json:"header"`
	Txs    []*Tx       `json:"txs"`
}

// Hash returns the block hash (header hash).
func (b *Block) Hash() [32]byte {
	return b.Header.Hash()
}

// ComputeTxRoot computes the merkle root of the block's transaction ids.
func (b *Block) ComputeTxRoot() [32]byte {
	ids := make([][32]byte, len(b.Txs))
	for i, tx := range b.Txs {
		ids[i] = tx.ID()
	}
	return computeMerkleRoot(ids)
}

// computeMerkleRoot folds hashes pairwise with SHA3-256, duplicating the
// last hash on odd levels. Empty input yields the zero hash.
func computeMerkleRoot(hashes [][32]byte) [32]byte {
	if len(hashes) == 0 {
		return [32]byte{}
	}
	level := append([][32]byte(nil), hashes...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, len(level)/2)
		var pair [64]byte
		for i := 0; i < len(level); i += 2 {
			copy(pair[:32], level[i][:])
			copy(pair[32:], level[i+1][:])
			next[i/2] = sha3.Sum256(pair[:])
		}
		level = next
	}
	return level[0]
}

// ============================================================================
// Miner Addresses
// ============================================================================

// EncodeMinerAddress renders a 32-byte payout key as base58 with a 4-byte
// SHA3 checksum.
func EncodeMinerAddress(key [32]byte) string {
	sum := sha3.Sum256(key[:])
	raw := make([]byte, 0, 36)
	raw = append(raw, key[:]...)
	raw = append(raw, sum[:4]...)
	return base58.Encode(raw)
}

// ParseMinerAddress decodes and checksums a miner address.
func ParseMinerAddress(addr string) ([32]byte, error) {
	var key [32]byte
	if addr == "" || len(addr) > MaxMinerAddrLen {
		return key, fmt.Errorf("miner address length %d out of range", len(addr))
	}
	raw := base58.Decode(addr)
	if len(raw) != 36 {
		return key, fmt.Errorf("miner address decodes to %d bytes, want 36", len(raw))
	}
	copy(key[:], raw[:32])
	sum := sha3.Sum256(key[:])
	if !bytes.Equal(sum[:4], raw[32:]) {
		return key, fmt.Errorf("miner address checksum mismatch")
	}
	return key, nil
}

// ============================================================================
// Structural Validation
// ============================================================================

// ValidateStructure checks everything about a block that needs neither the
// chain nor the PoW hash. Failures wrap ErrInvalidBlock.
func ValidateStructure(b *Block, now time.Time) error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrInvalidBlock)
	}
	h := &b.Header
	if h.Height == 0 {
		return fmt.Errorf("%w: height 0 is reserved for genesis", ErrInvalidBlock)
	}
	if h.Difficulty < MinDifficulty || h.Difficulty > MaxDifficulty {
		return fmt.Errorf("%w: difficulty %d outside [%d, %d]", ErrInvalidBlock, h.Difficulty, MinDifficulty, MaxDifficulty)
	}
	if limit := uint64(now.Add(TimestampFuturLimit).Unix()); h.Timestamp > limit {
		return fmt.Errorf("%w: timestamp %d too far in future", ErrInvalidBlock, h.Timestamp)
	}
	if _, err := ParseMinerAddress(h.Miner); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if len(b.Txs) > MaxBlockTxs {
		return fmt.Errorf("%w: %d transactions exceeds %d", ErrInvalidBlock, len(b.Txs), MaxBlockTxs)
	}

	seen := make(map[[32]byte]struct{}, len(b.Txs))
	for i, tx := range b.Txs {
		if err := tx.Validate(); err != nil {
			return fmt.Errorf("%w: tx %d: %v", ErrInvalidBlock, i, err)
		}
		id := tx.ID()
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate tx %x", ErrInvalidBlock, id[:8])
		}
		seen[id] = struct{}{}
	}
	if root := b.ComputeTxRoot(); root != h.TxRoot {
		return fmt.Errorf("%w: tx root mismatch", ErrInvalidBlock)
	}
	return nil
}

// ============================================================================
// Genesis Block
// ============================================================================

// GenesisParentHash returns SHA3-256(GenesisMessage).
func GenesisParentHash() [32]byte {
	return sha3.Sum256([]byte(params.GenesisMessage))
}

// GenesisBlock returns the hardcoded genesis block (same for all nodes).
// Its PoW is never checked.
func GenesisBlock() *Block {
	return &Block{
		Header: BlockHeader{
			Height:     0,
			ParentHash: GenesisParentHash(),
			Difficulty: MinDifficulty,
			Timestamp:  params.GenesisTimestamp,
		},
		Txs: []*Tx{},
	}
}

// GenesisHash is the handshake genesis fingerprint.
func GenesisHash() [32]byte {
	return GenesisBlock().Hash()
}
