package main

import (
	"fmt"

	"visionnode/protocol/params"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/sha3"
)

// PowHasher computes the PoW digest of a header's message bytes.
type PowHasher interface {
	Digest(msg []byte) [32]byte
}

// Argon2Hasher is the consensus hasher: Argon2id with the parameters
// fixed in protocol/params, salted with SHA3 of the message.
type Argon2Hasher struct{}

func (Argon2Hasher) Digest(msg []byte) [32]byte {
	salt := sha3.Sum256(msg)
	key := argon2.IDKey(msg, salt[:16], params.PowTime, params.PowMemoryKiB, params.PowThreads, params.PowKeyLen)
	var out [32]byte
	copy(out[:], key)
	return out
}

// DifficultyTarget returns the largest digest that satisfies difficulty d:
// 2^(256-d) - 1, i.e. d leading zero bits.
func DifficultyTarget(d uint64) *uint256.Int {
	if d == 0 {
		return new(uint256.Int).SetAllOne()
	}
	if d > 255 {
		return new(uint256.Int)
	}
	t := new(uint256.Int).Lsh(uint256.NewInt(1), uint(256-d))
	return t.SubUint64(t, 1)
}

// BlockWork is the work contributed by one block: 2^min(d, MaxWorkBits).
func BlockWork(d uint64) uint256.Int {
	if d > MaxWorkBits {
		d = MaxWorkBits
	}
	var w uint256.Int
	w.Lsh(uint256.NewInt(1), uint(d))
	return w
}

// MeetsTarget reports whether digest, read big-endian, is at or under the
// target for difficulty d.
func MeetsTarget(digest [32]byte, d uint64) bool {
	v := new(uint256.Int).SetBytes32(digest[:])
	return !v.Gt(DifficultyTarget(d))
}

// CheckPoW recomputes the digest from the header fields and checks it both
// against the declared pow_hash and against the difficulty target.
func CheckPoW(hasher PowHasher, h *BlockHeader) error {
	digest := hasher.Digest(h.PowMessageBytes())
	if digest != h.PowHash {
		return fmt.Errorf("%w: digest %x does not match header pow_hash %x", ErrBadPoW, digest[:8], h.PowHash[:8])
	}
	if !MeetsTarget(digest, h.Difficulty) {
		return fmt.Errorf("%w: digest %x above target for difficulty %d", ErrBadPoW, digest[:8], h.Difficulty)
	}
	return nil
}
