package track

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultNonceSlowInterval = 2 * time.Second
	DefaultNonceFastInterval = 500 * time.Millisecond
)

// FetchNonceFunc fetches a fresh transaction-construction nonce. It matches
// (*ledger.Client).LatestNonce.
type FetchNonceFunc func(ctx context.Context) (common.Hash, error)

type NonceOptions struct {
	SlowInterval time.Duration
	FastInterval time.Duration
}

func (o NonceOptions) withDefaults() NonceOptions {
	if o.SlowInterval <= 0 {
		o.SlowInterval = DefaultNonceSlowInterval
	}
	if o.FastInterval <= 0 {
		o.FastInterval = DefaultNonceFastInterval
	}
	return o
}

// NonceCache periodically refreshes the cached nonce. The refresh rate adapts
// to deadline pressure: slow normally, fast while hot() reports that any bot
// is inside its pre-deadline threshold, so the nonce is fresh exactly when a
// transaction is about to be built without hammering the ledger otherwise.
type NonceCache struct {
	fetch FetchNonceFunc
	hot   func() bool
	opts  NonceOptions

	mu    sync.RWMutex
	nonce common.Hash
	set   bool
}

func NewNonceCache(fetch FetchNonceFunc, hot func() bool, opts NonceOptions) *NonceCache {
	return &NonceCache{fetch: fetch, hot: hot, opts: opts.withDefaults()}
}

// Current returns the cached nonce. ok is false before the first successful
// refresh.
func (c *NonceCache) Current() (common.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nonce, c.set
}

func (c *NonceCache) refreshInterval() time.Duration {
	if c.hot != nil && c.hot() {
		return c.opts.FastInterval
	}
	return c.opts.SlowInterval
}

func (c *NonceCache) refresh(ctx context.Context) {
	n, err := c.fetch(ctx)
	if err != nil {
		// Keep serving the previous nonce; staleness is degraded, not fatal.
		log.Printf("[warn] nonce refresh: %v", err)
		return
	}
	c.mu.Lock()
	c.nonce = n
	c.set = true
	c.mu.Unlock()
}

// Run refreshes immediately, then on the adaptive interval until ctx is done.
// The ticker always fires at the fast granularity and cold ticks skip the
// fetch, so a flip to hot takes effect on the next fast tick instead of
// waiting out an already-armed slow timer.
func (c *NonceCache) Run(ctx context.Context) {
	c.refresh(ctx)
	last := time.Now()
	t := time.NewTicker(c.opts.FastInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if time.Since(last) < c.refreshInterval() {
				continue
			}
			c.refresh(ctx)
			last = time.Now()
		}
	}
}
