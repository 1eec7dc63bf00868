package track

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync/atomic"

	"github.com/Kriptikz/evore-sub002/internal/feedws"
)

// NoRoundSentinel in RoundWindow.EndClock marks a round nobody has started
// yet: the directory publishes the window but the end clock is not fixed
// until the first participant deploys into it.
const NoRoundSentinel = math.MaxUint64

// RoundWindow is an immutable snapshot of the directory state object: which
// round is current and its clock boundaries. Replaced wholesale on update,
// never mutated in place.
type RoundWindow struct {
	Round      uint64
	StartClock uint64
	EndClock   uint64
}

// Active reports whether the window describes a startable round. Round ids
// are 1-based; the zero value and sentinel-ended windows are not active.
func (w RoundWindow) Active() bool {
	return w.Round != 0 && w.EndClock != NoRoundSentinel && w.EndClock != 0
}

// RoundChange is the fan-out signal emitted once per round-id increase.
type RoundChange struct {
	Prev RoundWindow
	New  RoundWindow
}

// DirectoryTracker follows the fixed directory account and applies
// last-write-wins with a monotonicity guard on the round id.
type DirectoryTracker struct {
	cur     atomic.Pointer[RoundWindow]
	changes chan RoundChange
}

func NewDirectoryTracker() *DirectoryTracker {
	return &DirectoryTracker{changes: make(chan RoundChange, 8)}
}

// Current returns the latest held snapshot (zero value before the first push).
func (t *DirectoryTracker) Current() RoundWindow {
	p := t.cur.Load()
	if p == nil {
		return RoundWindow{}
	}
	return *p
}

// Changes emits exactly one signal per round-id increase.
func (t *DirectoryTracker) Changes() <-chan RoundChange {
	return t.changes
}

// Observe applies one decoded window. Windows whose round id is below the
// held one are discarded: the transport may deliver out of order. An update
// for the held round (e.g. the end clock getting fixed) replaces the snapshot
// without emitting a change. Returns false for discarded updates.
func (t *DirectoryTracker) Observe(w RoundWindow) bool {
	prev := t.Current()
	if w.Round < prev.Round {
		return false
	}
	next := w
	t.cur.Store(&next)
	if w.Round > prev.Round {
		select {
		case t.changes <- RoundChange{Prev: prev, New: w}:
		default:
			log.Printf("[warn] directory change buffer full, dropping signal round=%d", w.Round)
		}
	}
	return true
}

type directoryPayload struct {
	Round      uint64  `json:"round"`
	StartClock uint64  `json:"start_clock"`
	EndClock   *uint64 `json:"end_clock"`
}

// Run decodes directory pushes until ctx is done or the feed channel closes.
func (t *DirectoryTracker) Run(ctx context.Context, updates <-chan feedws.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			var p directoryPayload
			if err := json.Unmarshal(u.Data, &p); err != nil {
				log.Printf("[warn] directory decode: %v", err)
				continue
			}
			w := RoundWindow{Round: p.Round, StartClock: p.StartClock, EndClock: NoRoundSentinel}
			if p.EndClock != nil {
				w.EndClock = *p.EndClock
			}
			t.Observe(w)
		}
	}
}
