// Package track holds the shared external-state trackers: the ledger clock,
// the round directory, the active round's allocation state, and the
// transaction-construction nonce. Every tracker publishes immutable snapshots;
// the only writer is the tracker's own feed goroutine.
package track

import (
	"context"
	"sync/atomic"

	"github.com/Kriptikz/evore-sub002/internal/feedws"
)

// ClockFeed tracks the ledger's logical clock position. The clock is pushed,
// never locally authoritative; Latest never blocks and keeps returning the
// last known position during a feed outage.
type ClockFeed struct {
	pos atomic.Pointer[uint64]
}

func NewClockFeed() *ClockFeed {
	return &ClockFeed{}
}

// Latest returns the most recent observed position. ok is false before the
// first observation.
func (f *ClockFeed) Latest() (uint64, bool) {
	p := f.pos.Load()
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Observe records a pushed position. Positions only move forward; an
// out-of-order delivery below the held position is discarded.
func (f *ClockFeed) Observe(pos uint64) {
	for {
		cur := f.pos.Load()
		if cur != nil && *cur >= pos {
			return
		}
		p := pos
		if f.pos.CompareAndSwap(cur, &p) {
			return
		}
	}
}

// Seed installs an initial position fetched over the request/response path.
// It goes through Observe, so a fresher pushed value is never regressed.
func (f *ClockFeed) Seed(pos uint64) {
	f.Observe(pos)
}

// Run consumes pushed updates until ctx is done or the feed channel closes.
// Every update envelope carries the clock position it was taken at.
func (f *ClockFeed) Run(ctx context.Context, updates <-chan feedws.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			f.Observe(u.Clock)
		}
	}
}
