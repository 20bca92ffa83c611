package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

// StrikeReason names the misbehaviour behind a strike.
type StrikeReason string

const (
	StrikeBadPoW       StrikeReason = "bad_pow"
	StrikeInvalidBlock StrikeReason = "invalid_block"
	StrikeOrphanSpam   StrikeReason = "orphan_spam"
	StrikeBadResponse  StrikeReason = "bad_response"
)

// Quarantine windows by strike count, and strike decay.
const (
	QuarantineShort  = 15 * time.Minute
	QuarantineMedium = 2 * time.Hour
	QuarantineLong   = 24 * time.Hour

	// StrikeDecay forgets a peer's strikes after this long without a new one.
	StrikeDecay = 24 * time.Hour

	// IncompatibleRetention is how long a peer that failed the handshake
	// is refused at the connection gater.
	IncompatibleRetention = time.Hour

	// TrustBucket is the KV bucket holding persisted trust records.
	TrustBucket = "peers"
)

// ErrQuarantined is returned when a quarantined peer is asked for work it
// is excluded from.
var ErrQuarantined = errors.New("peer quarantined")

// QuarantineWindow returns the quarantine length for a peer's nth strike.
// It never decreases as n grows.
func QuarantineWindow(strikes int) time.Duration {
	switch {
	case strikes <= 0:
		return 0
	case strikes == 1:
		return QuarantineShort
	case strikes == 2:
		return QuarantineMedium
	default:
		return QuarantineLong
	}
}

// TrustRecord is the persisted trust state of one peer. It outlives the
// connection.
type TrustRecord struct {
	Strikes         int          `json:"strikes"`
	LastStrike      time.Time    `json:"last_strike"`
	LastReason      StrikeReason `json:"last_reason"`
	QuarantineUntil time.Time    `json:"quarantine_until"`
}

// KVStore is the persistence collaborator for trust records.
type KVStore interface {
	Put(bucket string, key, value []byte) error
	Get(bucket string, key []byte) ([]byte, error)
	Delete(bucket string, key []byte) error
	Scan(bucket string, prefix []byte, fn func(key, value []byte) error) error
}

// PeerInfo is the live state of one admitted peer.
type PeerInfo struct {
	ID        peer.ID
	Addrs     []multiaddr.Multiaddr
	Handshake Handshake
	Connected time.Time

	// AdvertisedHeight is what the peer claims; ValidatedHeight is the
	// highest height this node has verified from it.
	AdvertisedHeight uint64
	ValidatedHeight  uint64
}

// PeerSnapshot is a copy of a peer's state at one instant.
type PeerSnapshot struct {
	ID               peer.ID
	AdvertisedHeight uint64
	ValidatedHeight  uint64
	Strikes          int
	Quarantined      bool
}

// PeerBookConfig wires a PeerBook.
type PeerBookConfig struct {
	Store  KVStore
	Logger zerolog.Logger
	Now    func() time.Time
}

// PeerBook tracks admitted peers, their heights and their trust records.
// Its lock is independent of the chain lock and held only for single
// operations; persistence happens after it is released.
type PeerBook struct {
	mu sync.RWMutex

	peers        map[peer.ID]*PeerInfo
	trust        map[peer.ID]*TrustRecord
	incompatible map[peer.ID]time.Time

	store KVStore
	log   zerolog.Logger
	now   func() time.Time
}

// NewPeerBook creates a peer book and loads persisted trust records.
func NewPeerBook(cfg PeerBookConfig) (*PeerBook, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	b := &PeerBook{
		peers:        make(map[peer.ID]*PeerInfo),
		trust:        make(map[peer.ID]*TrustRecord),
		incompatible: make(map[peer.ID]time.Time),
		store:        cfg.Store,
		log:          cfg.Logger.With().Str("component", "trust").Logger(),
		now:          now,
	}
	if b.store == nil {
		return b, nil
	}
	err := b.store.Scan(TrustBucket, nil, func(key, value []byte) error {
		pid := peer.ID(string(key))
		var rec TrustRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("trust record %s: %w", pid, err)
		}
		b.trust[pid] = &rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load trust records: %w", err)
	}
	b.refreshQuarantineGauge()
	return b, nil
}

// AddPeer admits a peer after a compatible handshake.
func (b *PeerBook) AddPeer(id peer.ID, addrs []multiaddr.Multiaddr, hs Handshake) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.peers[id]
	if !ok {
		info = &PeerInfo{ID: id, Connected: b.now()}
		b.peers[id] = info
	}
	info.Addrs = addrs
	info.Handshake = hs
	if hs.AdvertisedHeight > info.AdvertisedHeight {
		info.AdvertisedHeight = hs.AdvertisedHeight
	}
	delete(b.incompatible, id)
}

// RemovePeer forgets a disconnected peer. Its trust record stays.
func (b *PeerBook) RemovePeer(id peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, id)
}

// IsAdmitted reports whether id passed the handshake and is connected.
func (b *PeerBook) IsAdmitted(id peer.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.peers[id]
	return ok
}

// MarkIncompatible refuses id at the connection gater for a while.
func (b *PeerBook) MarkIncompatible(id peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, id)
	b.incompatible[id] = b.now().Add(IncompatibleRetention)
}

// IsIncompatible reports whether id recently failed the handshake.
func (b *PeerBook) IsIncompatible(id peer.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.incompatible[id]
	if !ok {
		return false
	}
	if !b.now().Before(until) {
		delete(b.incompatible, id)
		return false
	}
	return true
}

// AddStrike records a strike against id and extends its quarantine. It
// returns the quarantine window applied.
func (b *PeerBook) AddStrike(id peer.ID, reason StrikeReason) time.Duration {
	b.mu.Lock()
	now := b.now()
	rec := b.trust[id]
	if rec == nil {
		rec = &TrustRecord{}
		b.trust[id] = rec
	}
	if rec.Strikes > 0 && now.Sub(rec.LastStrike) > StrikeDecay {
		rec.Strikes = 0
	}
	rec.Strikes++
	rec.LastStrike = now
	rec.LastReason = reason
	window := QuarantineWindow(rec.Strikes)
	if until := now.Add(window); until.After(rec.QuarantineUntil) {
		rec.QuarantineUntil = until
	}
	saved := *rec
	b.mu.Unlock()

	strikesTotal.WithLabelValues(string(reason)).Inc()
	b.log.Warn().Str("peer", id.String()).Str("reason", string(reason)).
		Int("strikes", saved.Strikes).Dur("quarantine", window).Msg("peer struck")
	b.persist(id, saved)
	b.refreshQuarantineGauge()
	return window
}

func (b *PeerBook) persist(id peer.ID, rec TrustRecord) {
	if b.store == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := b.store.Put(TrustBucket, []byte(id), data); err != nil {
		b.log.Error().Err(err).Str("peer", id.String()).Msg("failed to persist trust record")
	}
}

// IsQuarantined reports whether id is inside a quarantine window.
func (b *PeerBook) IsQuarantined(id peer.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.quarantinedLocked(id, b.now())
}

func (b *PeerBook) quarantinedLocked(id peer.ID, now time.Time) bool {
	rec := b.trust[id]
	return rec != nil && now.Before(rec.QuarantineUntil)
}

// Strikes returns the current strike count for id.
func (b *PeerBook) Strikes(id peer.ID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rec := b.trust[id]; rec != nil {
		return rec.Strikes
	}
	return 0
}

// Trust returns a copy of id's trust record.
func (b *PeerBook) Trust(id peer.ID) (TrustRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rec := b.trust[id]; rec != nil {
		return *rec, true
	}
	return TrustRecord{}, false
}

// SetAdvertisedHeight records what id claims its tip height is.
func (b *PeerBook) SetAdvertisedHeight(id peer.ID, height uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info := b.peers[id]; info != nil {
		info.AdvertisedHeight = height
	}
}

// RecordValidatedHeight raises id's validated height to height after a
// block from it has been verified locally. It never lowers it and reports
// whether it changed.
func (b *PeerBook) RecordValidatedHeight(id peer.ID, height uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := b.peers[id]
	if info == nil || height <= info.ValidatedHeight {
		return false
	}
	info.ValidatedHeight = height
	return true
}

// ValidatedHeight returns id's validated height.
func (b *PeerBook) ValidatedHeight(id peer.ID) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if info := b.peers[id]; info != nil {
		return info.ValidatedHeight
	}
	return 0
}

// Snapshot returns every admitted peer, sorted by ID.
func (b *PeerBook) Snapshot() []PeerSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	now := b.now()
	out := make([]PeerSnapshot, 0, len(b.peers))
	for id, info := range b.peers {
		s := PeerSnapshot{
			ID:               id,
			AdvertisedHeight: info.AdvertisedHeight,
			ValidatedHeight:  info.ValidatedHeight,
			Quarantined:      b.quarantinedLocked(id, now),
		}
		if rec := b.trust[id]; rec != nil {
			s.Strikes = rec.Strikes
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EligiblePeers returns admitted, non-quarantined peers. Only compatible
// peers are ever admitted.
func (b *PeerBook) EligiblePeers() []PeerSnapshot {
	all := b.Snapshot()
	out := all[:0]
	for _, p := range all {
		if !p.Quarantined {
			out = append(out, p)
		}
	}
	return out
}

// EligibleCount is len(EligiblePeers()).
func (b *PeerBook) EligibleCount() int {
	return len(b.EligiblePeers())
}

// BestValidatedHeight returns the highest validated height among eligible
// peers.
func (b *PeerBook) BestValidatedHeight() uint64 {
	var best uint64
	for _, p := range b.EligiblePeers() {
		if p.ValidatedHeight > best {
			best = p.ValidatedHeight
		}
	}
	return best
}

// PruneExpired drops decayed trust records whose quarantine has ended,
// in memory and in the store.
func (b *PeerBook) PruneExpired() int {
	b.mu.Lock()
	now := b.now()
	var gone []peer.ID
	for id, rec := range b.trust {
		if now.Sub(rec.LastStrike) > StrikeDecay && !now.Before(rec.QuarantineUntil) {
			delete(b.trust, id)
			gone = append(gone, id)
		}
	}
	for id, until := range b.incompatible {
		if !now.Before(until) {
			delete(b.incompatible, id)
		}
	}
	b.mu.Unlock()

	if b.store != nil {
		for _, id := range gone {
			if err := b.store.Delete(TrustBucket, []byte(id)); err != nil {
				b.log.Error().Err(err).Str("peer", id.String()).Msg("failed to delete trust record")
			}
		}
	}
	b.refreshQuarantineGauge()
	return len(gone)
}

func (b *PeerBook) refreshQuarantineGauge() {
	b.mu.RLock()
	now := b.now()
	n := 0
	for id := range b.trust {
		if b.quarantinedLocked(id, now) {
			n++
		}
	}
	b.mu.RUnlock()
	quarantinedGauge.Set(float64(n))
}
