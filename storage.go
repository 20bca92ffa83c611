package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"
)

// DefaultChainDBFilename is the bbolt file under the data directory.
const DefaultChainDBFilename = "chain.db"

// Bucket names
var (
	bucketBlocks  = []byte("blocks")  // hash -> block json (canonical and side)
	bucketHeights = []byte("heights") // height (big-endian) -> hash, canonical only
	bucketMeta    = []byte("meta")    // tip, height, work

	metaKeyTip    = []byte("tip")
	metaKeyHeight = []byte("height")
	metaKeyWork   = []byte("work")

	chainBuckets = [][]byte{bucketBlocks, bucketHeights, bucketMeta}
)

// ChainStore is the persistence collaborator of the chain state.
type ChainStore interface {
	CommitBlock(*BlockCommit) error
	SaveSideBlock(*Block) error
	CommitReorg(*ReorgCommit) error
	ResetChain() error
	LoadCanonical() ([]*Block, error)
}

// Storage wraps bbolt for chain persistence and generic key/value buckets.
type Storage struct {
	db *bolt.DB
}

func heightKey(height uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, height)
	return key
}

func readTipMeta(meta *bolt.Bucket) (hash [32]byte, height uint64, found bool, err error) {
	tipData := meta.Get(metaKeyTip)
	heightData := meta.Get(metaKeyHeight)

	if tipData == nil {
		if heightData != nil {
			return hash, 0, false, fmt.Errorf("height metadata present without tip metadata")
		}
		return hash, 0, false, nil
	}
	if len(tipData) != 32 {
		return hash, 0, false, fmt.Errorf("invalid tip hash length: got %d", len(tipData))
	}
	if len(heightData) != 8 {
		return hash, 0, false, fmt.Errorf("invalid tip height length: got %d", len(heightData))
	}

	copy(hash[:], tipData)
	height = binary.BigEndian.Uint64(heightData)
	return hash, height, true, nil
}

func writeTipMeta(meta *bolt.Bucket, hash [32]byte, height uint64, work uint256.Int) error {
	if err := meta.Put(metaKeyTip, hash[:]); err != nil {
		return err
	}
	if err := meta.Put(metaKeyHeight, heightKey(height)); err != nil {
		return err
	}
	workBytes := work.Bytes32()
	return meta.Put(metaKeyWork, workBytes[:])
}

// NewStorage opens or creates the chain database
func NewStorage(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultChainDBFilename)
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{NoSync: false})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range chainBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to create buckets: %w (additionally failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// ============================================================================
// Block Operations
// ============================================================================

// SaveSideBlock stores a non-canonical block by hash. The parent need not
// be stored: orphans are persisted too.
func (s *Storage) SaveSideBlock(block *Block) error {
	if block == nil {
		return fmt.Errorf("cannot save nil block")
	}
	hash := block.Hash()
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(hash[:], data)
	})
}

// GetBlock retrieves a block by hash
func (s *Storage) GetBlock(hash [32]byte) (*Block, error) {
	var block *Block
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlocks).Get(hash[:])
		if data == nil {
			return nil
		}
		block = &Block{}
		return json.Unmarshal(data, block)
	})
	return block, err
}

// GetTip returns the stored tip hash, height and work.
func (s *Storage) GetTip() (hash [32]byte, height uint64, work uint256.Int, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var rerr error
		hash, height, found, rerr = readTipMeta(meta)
		if rerr != nil {
			return rerr
		}
		if data := meta.Get(metaKeyWork); len(data) == 32 {
			work.SetBytes32(data)
		}
		return nil
	})
	return
}

// LoadCanonical returns the stored canonical chain, genesis first.
func (s *Storage) LoadCanonical() ([]*Block, error) {
	var out []*Block
	err := s.db.View(func(tx *bolt.Tx) error {
		_, tipHeight, found, err := readTipMeta(tx.Bucket(bucketMeta))
		if err != nil {
			return fmt.Errorf("invalid tip metadata: %w", err)
		}
		if !found {
			return nil
		}
		heights := tx.Bucket(bucketHeights)
		blocks := tx.Bucket(bucketBlocks)
		out = make([]*Block, 0, tipHeight+1)
		for h := uint64(0); h <= tipHeight; h++ {
			hash := heights.Get(heightKey(h))
			if hash == nil {
				return fmt.Errorf("main-chain height %d missing", h)
			}
			data := blocks.Get(hash)
			if data == nil {
				return fmt.Errorf("block %x at height %d missing", hash[:8], h)
			}
			b := &Block{}
			if err := json.Unmarshal(data, b); err != nil {
				return fmt.Errorf("decode block at height %d: %w", h, err)
			}
			out = append(out, b)
		}
		return nil
	})
	return out, err
}

// ============================================================================
// Batch Operations (atomic chain commits)
// ============================================================================

// BlockCommit writes one block and, for tip extensions, the height index
// and tip metadata.
type BlockCommit struct {
	Block     *Block
	Hash      [32]byte
	Work      uint256.Int
	IsMainTip bool
}

// CommitBlock atomically writes a block and all related changes
func (s *Storage) CommitBlock(commit *BlockCommit) error {
	if commit == nil || commit.Block == nil {
		return fmt.Errorf("nil block commit")
	}
	if commit.Hash != commit.Block.Hash() {
		return fmt.Errorf("commit hash mismatch with block header hash")
	}
	blockData, err := json.Marshal(commit.Block)
	if err != nil {
		return err
	}
	height := commit.Block.Header.Height

	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		meta := tx.Bucket(bucketMeta)

		if commit.IsMainTip {
			tipHash, tipHeight, found, err := readTipMeta(meta)
			if err != nil {
				return fmt.Errorf("invalid tip metadata: %w", err)
			}
			if !found {
				if height != 0 {
					return fmt.Errorf("cannot commit non-genesis tip to empty chain: height=%d", height)
				}
			} else {
				if height != tipHeight+1 {
					return fmt.Errorf("tip height linkage mismatch: current=%d new=%d", tipHeight, height)
				}
				if commit.Block.Header.ParentHash != tipHash {
					return fmt.Errorf("tip hash linkage mismatch: expected prev %x got %x", tipHash[:8], commit.Block.Header.ParentHash[:8])
				}
			}
		}

		if err := blocks.Put(commit.Hash[:], blockData); err != nil {
			return err
		}
		if !commit.IsMainTip {
			return nil
		}
		if err := tx.Bucket(bucketHeights).Put(heightKey(height), commit.Hash[:]); err != nil {
			return err
		}
		return writeTipMeta(meta, commit.Hash, height, commit.Work)
	})
}

// ReorgCommit handles rolling back and applying blocks atomically
type ReorgCommit struct {
	// Disconnect is newest first; Connect is oldest first.
	Disconnect []*Block
	Connect    []*Block

	NewTip    [32]byte
	NewHeight uint64
	NewWork   uint256.Int
}

// CommitReorg atomically rewrites the height index for a reorg after
// checking that both branches link up with what is stored.
func (s *Storage) CommitReorg(commit *ReorgCommit) error {
	if commit == nil {
		return fmt.Errorf("nil reorg commit")
	}
	if len(commit.Connect) == 0 {
		return fmt.Errorf("reorg commit requires at least one block to connect")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		heights := tx.Bucket(bucketHeights)
		meta := tx.Bucket(bucketMeta)

		currentTip, currentHeight, found, err := readTipMeta(meta)
		if err != nil {
			return fmt.Errorf("invalid current tip metadata: %w", err)
		}
		if !found {
			return fmt.Errorf("cannot apply reorg on empty chain")
		}
		if uint64(len(commit.Disconnect)) > currentHeight {
			return fmt.Errorf("disconnect set too deep for current height: disconnect=%d currentHeight=%d", len(commit.Disconnect), currentHeight)
		}

		baseHash := currentTip
		baseHeight := currentHeight
		for i, block := range commit.Disconnect {
			expected := currentHeight - uint64(i)
			indexed := heights.Get(heightKey(expected))
			hash := block.Hash()
			if block.Header.Height != expected || !bytes.Equal(indexed, hash[:]) {
				return fmt.Errorf("disconnect[%d] does not match height index at %d", i, expected)
			}
			baseHash = block.Header.ParentHash
			baseHeight = expected - 1
		}
		if blocks.Get(baseHash[:]) == nil {
			return fmt.Errorf("reorg base block not found: %x", baseHash[:8])
		}

		expectedPrev := baseHash
		expectedHeight := baseHeight + 1
		for i, block := range commit.Connect {
			if block.Header.Height != expectedHeight || block.Header.ParentHash != expectedPrev {
				return fmt.Errorf("connect[%d] does not link at height %d", i, expectedHeight)
			}
			expectedPrev = block.Hash()
			expectedHeight++
		}
		if commit.NewTip != expectedPrev || commit.NewHeight != expectedHeight-1 {
			return fmt.Errorf("reorg new tip mismatch: expected %x at %d", expectedPrev[:8], expectedHeight-1)
		}

		for _, block := range commit.Disconnect {
			if err := heights.Delete(heightKey(block.Header.Height)); err != nil {
				return err
			}
		}
		for _, block := range commit.Connect {
			hash := block.Hash()
			data, err := json.Marshal(block)
			if err != nil {
				return fmt.Errorf("failed to marshal block: %w", err)
			}
			if err := blocks.Put(hash[:], data); err != nil {
				return fmt.Errorf("failed to save block: %w", err)
			}
			if err := heights.Put(heightKey(block.Header.Height), hash[:]); err != nil {
				return err
			}
		}
		return writeTipMeta(meta, commit.NewTip, commit.NewHeight, commit.NewWork)
	})
}

// ResetChain drops every block and the tip metadata.
func (s *Storage) ResetChain() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range chainBuckets {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// Key/Value Buckets
// ============================================================================

// Put stores value under key in bucket, creating the bucket on demand.
func (s *Storage) Put(bucket string, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

// Get returns a copy of the value under key, or nil.
func (s *Storage) Get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Delete removes key from bucket.
func (s *Storage) Delete(bucket string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

// Scan calls fn for every key with prefix, in key order. Slices passed to
// fn are only valid during the call.
func (s *Storage) Scan(bucket string, prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}
