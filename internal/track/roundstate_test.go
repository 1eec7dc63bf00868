package track

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Kriptikz/evore-sub002/internal/feedws"
	"github.com/Kriptikz/evore-sub002/internal/ledger"
)

type watchCall struct {
	ctx     context.Context
	account common.Address
	updates chan feedws.Update
}

type fakeWatcher struct {
	calls chan *watchCall
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{calls: make(chan *watchCall, 8)}
}

func (f *fakeWatcher) watch(ctx context.Context, account common.Address) <-chan feedws.Update {
	c := &watchCall{ctx: ctx, account: account, updates: make(chan feedws.Update, 8)}
	f.calls <- c
	return c.updates
}

func (f *fakeWatcher) next(t *testing.T) *watchCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no subscription opened")
		return nil
	}
}

func TestRoundStateTracker_ResubscribesOnRoundChange(t *testing.T) {
	directory := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	fw := newFakeWatcher()
	tr := NewRoundStateTracker(directory, fw.watch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rounds := make(chan uint64, 4)
	go tr.Run(ctx, rounds)

	rounds <- 5
	first := fw.next(t)
	if want := ledger.RoundAccount(directory, 5); first.account != want {
		t.Fatalf("subscribed to %s, want %s", first.account.Hex(), want.Hex())
	}

	first.updates <- feedws.Update{Data: []byte(`{"round":5,"targets":[1,2,3],"total":6}`)}
	waitFor(t, func() bool { return tr.Current() != nil && tr.Current().Round == 5 })
	if st := tr.Current(); st.Total != 6 || len(st.Targets) != 3 {
		t.Fatalf("unexpected state: %+v", st)
	}

	rounds <- 6
	second := fw.next(t)
	if want := ledger.RoundAccount(directory, 6); second.account != want {
		t.Fatalf("subscribed to %s, want %s", second.account.Hex(), want.Hex())
	}

	// The old subscription is torn down when the new one opens.
	select {
	case <-first.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("old subscription context not cancelled")
	}

	// Until the new round's first push arrives, Current lags: that is
	// "not yet refreshed", not an error.
	if st := tr.Current(); st == nil || st.Round != 5 {
		t.Fatalf("expected lagging snapshot of round 5, got %+v", st)
	}

	second.updates <- feedws.Update{Data: []byte(`{"round":6,"targets":[0,0,0],"total":0}`)}
	waitFor(t, func() bool { return tr.Current().Round == 6 })
}
