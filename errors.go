package main

import (
	"errors"

	"visionnode/p2p"
)

// Block-level errors. Callers classify with errors.Is; the message
// wrapped around them carries the detail.
var (
	// ErrInvalidBlock marks structurally malformed blocks.
	ErrInvalidBlock = errors.New("invalid block")
	// ErrBadPoW marks blocks whose digest does not match or misses the target.
	ErrBadPoW = errors.New("invalid proof of work")
	// ErrMissingParent marks blocks deferred until an ancestor arrives.
	ErrMissingParent = errors.New("missing parent")
	// ErrDuplicateBlock is returned for blocks already on file.
	ErrDuplicateBlock = errors.New("block already known")
	// ErrOrphanPoolFull is returned when the side pool is at capacity.
	ErrOrphanPoolFull = errors.New("orphan pool full")

	ErrReorgTooDeep     = errors.New("reorg exceeds depth limit")
	ErrMissingUndo      = errors.New("undo record missing")
	ErrForceResetDenied = errors.New("full chain reset denied")
	ErrGenesisMismatch  = errors.New("genesis mismatch")
)

// strikeReasonFor maps a block validation error to the strike the network
// layer records against the sender. Deferred and duplicate blocks carry no
// strike.
func strikeReasonFor(err error) (p2p.StrikeReason, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ErrBadPoW):
		return p2p.StrikeBadPoW, true
	case errors.Is(err, ErrInvalidBlock), errors.Is(err, ErrGenesisMismatch):
		return p2p.StrikeInvalidBlock, true
	default:
		return "", false
	}
}
