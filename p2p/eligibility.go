package p2p

import (
	"errors"
	"fmt"
)

// ErrNoQuorum means too few compatible, non-quarantined peers are
// connected to trust any of them as a sync source.
var ErrNoQuorum = errors.New("no peer quorum")

// MiningPolicy tunes the mining-eligibility gate.
type MiningPolicy struct {
	// MaxLag is how many blocks the best validated peer may be ahead
	// before mining pauses.
	MaxLag uint64

	// MinPeers is the eligible-peer floor; it does not apply below
	// GenesisExemptionHeight so a fresh network can start.
	MinPeers               int
	GenesisExemptionHeight uint64
}

// DefaultMiningPolicy returns the mainnet gate.
func DefaultMiningPolicy() MiningPolicy {
	return MiningPolicy{MaxLag: 5, MinPeers: 3, GenesisExemptionHeight: 100}
}

// EligibilitySnapshot is everything the mining gate looks at.
type EligibilitySnapshot struct {
	LocalHeight         uint64
	EligiblePeers       int
	BestValidatedHeight uint64
}

// MiningEligible decides whether to mine now. It is a pure function of the
// snapshot: pausing and resuming need no memory of earlier results.
func MiningEligible(p MiningPolicy, s EligibilitySnapshot) (bool, string) {
	if s.LocalHeight >= p.GenesisExemptionHeight && s.EligiblePeers < p.MinPeers {
		return false, fmt.Sprintf("%d eligible peers, need %d", s.EligiblePeers, p.MinPeers)
	}
	if s.BestValidatedHeight > s.LocalHeight && s.BestValidatedHeight-s.LocalHeight > p.MaxLag {
		return false, fmt.Sprintf("behind best peer by %d blocks", s.BestValidatedHeight-s.LocalHeight)
	}
	return true, ""
}

// SelectSyncTarget picks the peer to sync from: the highest validated
// height strictly above local, among non-quarantined peers, provided at
// least minQuorum such peers exist. ok is false when nobody is ahead.
func SelectSyncTarget(local uint64, minQuorum int, peers []PeerSnapshot) (target PeerSnapshot, ok bool, err error) {
	eligible := 0
	for _, p := range peers {
		if p.Quarantined {
			continue
		}
		eligible++
		// A peer never becomes a source unless verified past our tip, which
		// also rules out adopting a height-0 peer over a non-empty chain.
		if p.ValidatedHeight <= local {
			continue
		}
		if !ok || p.ValidatedHeight > target.ValidatedHeight {
			target, ok = p, true
		}
	}
	if eligible < minQuorum {
		return PeerSnapshot{}, false, fmt.Errorf("%w: %d eligible, need %d", ErrNoQuorum, eligible, minQuorum)
	}
	return target, ok, nil
}
