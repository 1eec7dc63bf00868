package track

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Kriptikz/evore-sub002/internal/feedws"
	"github.com/Kriptikz/evore-sub002/internal/ledger"
)

// RoundState is an immutable snapshot of one round's allocation totals.
// Eventually consistent: it reflects the most recent push, with no ordering
// guarantee relative to the ledger's true commit order.
type RoundState struct {
	Round   uint64
	Targets []uint64
	Total   uint64
}

// WatchFunc opens a push subscription on one account. It matches
// (*feedws.Client).Watch and is injectable for tests.
type WatchFunc func(ctx context.Context, account common.Address) <-chan feedws.Update

// RoundStateTracker follows whichever round the directory currently names,
// re-subscribing on every round change. Current may briefly lag a new round;
// consumers compare RoundState.Round against the window they care about and
// treat a mismatch as "not yet refreshed", not as an error.
type RoundStateTracker struct {
	directory common.Address
	watch     WatchFunc
	cur       atomic.Pointer[RoundState]
}

func NewRoundStateTracker(directory common.Address, watch WatchFunc) *RoundStateTracker {
	return &RoundStateTracker{directory: directory, watch: watch}
}

// Current returns the latest snapshot, or nil before the first push of the
// first followed round.
func (t *RoundStateTracker) Current() *RoundState {
	return t.cur.Load()
}

type roundPayload struct {
	Round   uint64   `json:"round"`
	Targets []uint64 `json:"targets"`
	Total   uint64   `json:"total"`
}

// subscription is one live watch on a round account.
type subscription struct {
	cancel  context.CancelFunc
	updates <-chan feedws.Update
}

func (s *subscription) stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (t *RoundStateTracker) follow(ctx context.Context, round uint64) subscription {
	subCtx, cancel := context.WithCancel(ctx)
	account := ledger.RoundAccount(t.directory, round)
	log.Printf("[track] following round=%d account=%s", round, account.Hex())
	return subscription{cancel: cancel, updates: t.watch(subCtx, account)}
}

// Run consumes round-change signals, tearing down the old subscription and
// opening one on the new round's account, and folds in pushed state.
func (t *RoundStateTracker) Run(ctx context.Context, rounds <-chan uint64) {
	var sub subscription
	defer sub.stop()

	for {
		select {
		case <-ctx.Done():
			return

		case r, ok := <-rounds:
			if !ok {
				return
			}
			sub.stop()
			sub = t.follow(ctx, r)

		case u, ok := <-sub.updates:
			if !ok {
				sub.updates = nil
				continue
			}
			var p roundPayload
			if err := json.Unmarshal(u.Data, &p); err != nil {
				log.Printf("[warn] round state decode: %v", err)
				continue
			}
			st := &RoundState{Round: p.Round, Targets: p.Targets, Total: p.Total}
			t.cur.Store(st)
		}
	}
}
