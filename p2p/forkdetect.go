package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrForkDetectTimeout means the ancestor search ran out of time. The
	// sync attempt is skipped and the peer is not struck.
	ErrForkDetectTimeout = errors.New("fork detection timed out")

	// ErrNoCommonAncestor means the peer disagrees even at genesis.
	ErrNoCommonAncestor = errors.New("no common ancestor")
)

// DefaultForkDetectTimeout bounds one ancestor search.
const DefaultForkDetectTimeout = 20 * time.Second

// HashAtHeightFunc answers "which block is at this height" for one side of
// the search. ok is false when that side has no block there.
type HashAtHeightFunc func(ctx context.Context, height uint64) (hash [32]byte, ok bool, err error)

// FindCommonAncestor binary-searches for the highest height at which the
// local and remote chains hold the same block, looking no higher than
// maxHeight. Chains that diverge stay diverged, so agreement is monotone
// in height.
func FindCommonAncestor(ctx context.Context, local, remote HashAtHeightFunc, maxHeight uint64, timeout time.Duration) (uint64, error) {
	if timeout <= 0 {
		timeout = DefaultForkDetectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	agree := func(h uint64) (bool, error) {
		lh, lok, err := local(ctx, h)
		if err != nil {
			return false, err
		}
		rh, rok, err := remote(ctx, h)
		if err != nil {
			return false, err
		}
		return lok && rok && lh == rh, nil
	}
	wrap := func(err error) error {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			forkDetectTotal.WithLabelValues("timeout").Inc()
			return fmt.Errorf("%w: %v", ErrForkDetectTimeout, err)
		}
		forkDetectTotal.WithLabelValues("error").Inc()
		return err
	}

	ok, err := agree(0)
	if err != nil {
		return 0, wrap(err)
	}
	if !ok {
		forkDetectTotal.WithLabelValues("no_ancestor").Inc()
		return 0, ErrNoCommonAncestor
	}

	// Invariant: lo agrees; every height above hi disagrees or is absent.
	lo, hi := uint64(0), maxHeight
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		ok, err := agree(mid)
		if err != nil {
			return 0, wrap(err)
		}
		if ok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	forkDetectTotal.WithLabelValues("ok").Inc()
	return lo, nil
}
