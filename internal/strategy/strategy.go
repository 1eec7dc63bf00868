// Package strategy hosts the pluggable sizing logic that turns the current
// round state into an allocation transaction. The automation core treats
// strategies as opaque: any Func can be wired to a bot via configuration.
package strategy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Kriptikz/evore-sub002/internal/ledger"
	"github.com/Kriptikz/evore-sub002/internal/track"
)

// ErrNoAction means the strategy decided not to participate in this round.
// Not an error condition: the bot records a miss and waits for the next round.
var ErrNoAction = errors.New("strategy: no action")

// Params is the per-bot parameter block passed through from configuration.
type Params struct {
	// Amount is the total allocation per round, in protocol units.
	Amount uint64
	// Weights optionally splits Amount across sub-targets. Empty means the
	// strategy picks targets itself.
	Weights []float64
}

// Func builds an unsigned allocation transaction from the current round
// state, clock position and nonce, or returns ErrNoAction.
type Func func(st *track.RoundState, clock uint64, nonce common.Hash, p Params) (*ledger.Tx, error)

var registry = map[string]Func{
	"fixed":   Fixed,
	"balance": Balance,
}

// Lookup resolves a configured strategy name.
func Lookup(name string) (Func, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (known: %v)", name, Known())
	}
	return f, nil
}

// Known lists registered strategy names, sorted.
func Known() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Fixed allocates Params.Amount every round, split across targets by
// Params.Weights (everything to target 0 when no weights are set).
func Fixed(st *track.RoundState, clock uint64, nonce common.Hash, p Params) (*ledger.Tx, error) {
	if p.Amount == 0 {
		return nil, ErrNoAction
	}
	if st == nil || len(st.Targets) == 0 {
		return nil, fmt.Errorf("round state has no targets")
	}
	allocs, err := Spread(p.Amount, p.Weights, len(st.Targets))
	if err != nil {
		return nil, err
	}
	return &ledger.Tx{
		Kind:        ledger.TxAllocate,
		Round:       st.Round,
		Allocations: allocs,
		Nonce:       nonce,
	}, nil
}

// Balance allocates Params.Amount to whichever target currently holds the
// lowest total, chasing the least-contended slot as pushed state evolves.
func Balance(st *track.RoundState, clock uint64, nonce common.Hash, p Params) (*ledger.Tx, error) {
	if p.Amount == 0 {
		return nil, ErrNoAction
	}
	if st == nil || len(st.Targets) == 0 {
		return nil, fmt.Errorf("round state has no targets")
	}
	min := 0
	for i, v := range st.Targets {
		if v < st.Targets[min] {
			min = i
		}
	}
	allocs := make([]uint64, len(st.Targets))
	allocs[min] = p.Amount
	return &ledger.Tx{
		Kind:        ledger.TxAllocate,
		Round:       st.Round,
		Allocations: allocs,
		Nonce:       nonce,
	}, nil
}

// Spread splits amount across n targets by weight, assigning any rounding
// remainder to the heaviest target so the parts always sum to amount.
func Spread(amount uint64, weights []float64, n int) ([]uint64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("no targets")
	}
	allocs := make([]uint64, n)
	if len(weights) == 0 {
		allocs[0] = amount
		return allocs, nil
	}
	if len(weights) > n {
		return nil, fmt.Errorf("got %d weights for %d targets", len(weights), n)
	}

	var sum float64
	for _, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("negative weight %v", w)
		}
		sum += w
	}
	if sum == 0 {
		return nil, fmt.Errorf("weights sum to zero")
	}

	var assigned uint64
	heaviest := 0
	for i, w := range weights {
		allocs[i] = uint64(float64(amount) * (w / sum))
		assigned += allocs[i]
		if w > weights[heaviest] {
			heaviest = i
		}
	}
	allocs[heaviest] += amount - assigned
	return allocs, nil
}
