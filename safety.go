package main

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ForceResetEnv is the one-shot override that lets a non-empty chain be
// wiped. It is read when a reset is decided, never at startup.
const ForceResetEnv = "VISION_FORCE_FULL_RESET"

// HeightChangeOp names the operation behind a canonical height change.
type HeightChangeOp uint8

const (
	OpMine HeightChangeOp = iota + 1
	OpAcceptBlock
	OpReorgAccept
	OpReorgRollback
	OpSyncRecovery
	OpSnapshotRestore
)

func (op HeightChangeOp) String() string {
	switch op {
	case OpMine:
		return "Mine"
	case OpAcceptBlock:
		return "AcceptBlock"
	case OpReorgAccept:
		return "ReorgAccept"
	case OpReorgRollback:
		return "ReorgRollback"
	case OpSyncRecovery:
		return "SyncRecovery"
	case OpSnapshotRestore:
		return "SnapshotRestore"
	default:
		return "Unknown"
	}
}

// Severity grades a height change.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// HeightChange is one canonical length transition. Old and New are read
// and written under the same chain lock acquisition.
type HeightChange struct {
	Old      uint64
	New      uint64
	Op       HeightChangeOp
	Severity Severity
}

// ResetOverride grants at most one full reset of a non-empty chain. Armed
// reports without side effects; Consume spends the grant.
type ResetOverride interface {
	Armed() bool
	Consume() bool
}

// EnvResetOverride reads ForceResetEnv at decision time and can be
// consumed once per process.
type EnvResetOverride struct {
	used atomic.Bool
}

func (o *EnvResetOverride) Armed() bool {
	if o.used.Load() {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(ForceResetEnv))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (o *EnvResetOverride) Consume() bool {
	return o.Armed() && o.used.CompareAndSwap(false, true)
}

// SafetyGuard grades and logs every canonical mutation and gates full
// chain wipes.
type SafetyGuard struct {
	log        zerolog.Logger
	dropMargin uint64
	override   ResetOverride
	onChange   func(HeightChange)
}

// NewSafetyGuard returns a guard that warns on drops larger than dropMargin.
// onChange, if set, is called for every event while the chain lock is held
// and must not block.
func NewSafetyGuard(log zerolog.Logger, dropMargin uint64, override ResetOverride, onChange func(HeightChange)) *SafetyGuard {
	return &SafetyGuard{
		log:        log.With().Str("component", "safety").Logger(),
		dropMargin: dropMargin,
		override:   override,
		onChange:   onChange,
	}
}

// AllowFullChainReset reports whether a chain of the given length may be
// wiped: always when empty, otherwise only while the override is armed.
// It does not spend the override.
func (g *SafetyGuard) AllowFullChainReset(height uint64) bool {
	return height == 0 || (g.override != nil && g.override.Armed())
}

// authorizeFullChainReset is the gate on the wipe path itself. It spends
// the override and logs the refusal.
func (g *SafetyGuard) authorizeFullChainReset(height uint64) bool {
	if height == 0 {
		return true
	}
	if g.override != nil && g.override.Consume() {
		g.log.Warn().Uint64("height", height).Str("override", ForceResetEnv).
			Msg("full chain reset allowed by one-shot override")
		return true
	}
	g.log.Error().Uint64("height", height).
		Msgf("refusing full chain reset of non-empty chain; set %s=1 to override once", ForceResetEnv)
	return false
}

// LogHeightChange grades and records one transition.
func (g *SafetyGuard) LogHeightChange(old, new uint64, op HeightChangeOp) HeightChange {
	ev := HeightChange{Old: old, New: new, Op: op, Severity: SeverityInfo}
	switch {
	case new == 0 && old > 0:
		ev.Severity = SeverityCritical
		g.log.Error().Str("alert", "critical").Str("op", op.String()).
			Uint64("old", old).Uint64("new", new).Msg("canonical chain wiped")
	case old > new && old-new > g.dropMargin:
		ev.Severity = SeverityWarn
		g.log.Warn().Str("op", op.String()).Uint64("old", old).Uint64("new", new).
			Uint64("drop", old-new).Msg("canonical height dropped beyond safety margin")
	default:
		g.log.Info().Str("op", op.String()).Uint64("old", old).Uint64("new", new).Msg("height change")
	}
	RecordHeightChange(ev)
	if g.onChange != nil {
		g.onChange(ev)
	}
	return ev
}
