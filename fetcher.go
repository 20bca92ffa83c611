package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// BlockSource fetches one block by hash, preferring hint when set. It
// returns the peer that served the block.
type BlockSource interface {
	FetchBlockByHash(ctx context.Context, hash [32]byte, hint peer.ID) (*Block, peer.ID, error)
}

// FetcherConfig bounds the parent-fetch queue.
type FetcherConfig struct {
	MaxInFlight int
	Timeout     time.Duration
	Rate        rate.Limit
	Burst       int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// DefaultFetcherConfig returns sensible defaults
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		MaxInFlight: 32,
		Timeout:     20 * time.Second,
		Rate:        rate.Limit(20),
		Burst:       8,
		RetryBase:   250 * time.Millisecond,
		RetryMax:    4 * time.Second,
	}
}

// ParentFetcher chases missing ancestors. Fetches are fire-and-forget with
// a bounded timeout; concurrent requests for one hash share a single
// in-flight fetch, and a full queue drops new requests.
type ParentFetcher struct {
	cfg     FetcherConfig
	source  BlockSource
	deliver func(*Block, peer.ID)
	log     zerolog.Logger

	group   singleflight.Group
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewParentFetcher returns a queue that hands fetched blocks to deliver.
func NewParentFetcher(cfg FetcherConfig, source BlockSource, deliver func(*Block, peer.ID), log zerolog.Logger) *ParentFetcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &ParentFetcher{
		cfg:     cfg,
		source:  source,
		deliver: deliver,
		log:     log.With().Str("component", "fetch").Logger(),
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule queues a fetch for hash. It reports false when the queue is
// full or stopped; a hash already in flight joins the existing fetch.
func (f *ParentFetcher) Schedule(hash [32]byte, hint peer.ID) bool {
	if f.ctx.Err() != nil {
		return false
	}
	if !f.sem.TryAcquire(1) {
		parentFetchesTotal.WithLabelValues("dropped").Inc()
		return false
	}
	ch := f.group.DoChan(string(hash[:]), func() (any, error) {
		return nil, f.fetch(hash, hint)
	})
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.sem.Release(1)
		if r := <-ch; r.Shared {
			parentFetchesTotal.WithLabelValues("joined").Inc()
		}
	}()
	return true
}

// Stop cancels outstanding fetches and waits for them.
func (f *ParentFetcher) Stop() {
	f.cancel()
	f.wg.Wait()
}

func (f *ParentFetcher) fetch(hash [32]byte, hint peer.ID) error {
	ctx, cancel := context.WithTimeout(f.ctx, f.cfg.Timeout)
	defer cancel()

	backoff := retry.NewExponential(f.cfg.RetryBase)
	backoff = retry.WithCappedDuration(f.cfg.RetryMax, backoff)
	backoff = retry.WithJitterPercent(10, backoff)

	var (
		block *Block
		from  peer.ID
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		b, p, err := f.source.FetchBlockByHash(ctx, hash, hint)
		if err != nil {
			return retry.RetryableError(err)
		}
		if b == nil || b.Hash() != hash {
			// Wrong block from this peer; let another peer answer.
			hint = ""
			return retry.RetryableError(fmt.Errorf("peer %s returned wrong block for %x", p, hash[:8]))
		}
		block, from = b, p
		return nil
	})
	if err != nil {
		parentFetchesTotal.WithLabelValues("failed").Inc()
		f.log.Debug().Err(err).Hex("hash", hash[:8]).Msg("parent fetch gave up")
		return err
	}

	parentFetchesTotal.WithLabelValues("ok").Inc()
	f.deliver(block, from)
	return nil
}
