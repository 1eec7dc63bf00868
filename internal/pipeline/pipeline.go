// Package pipeline turns "send now" into "eventually resolved": a Submitter
// stage that delivers transactions without waiting for settlement, and a
// Confirmer stage that resolves them via periodic batched status lookups.
// The two stages are joined by a queue; callers get a one-shot completion
// handle per request and own the decision of when to give up on it.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Kriptikz/evore-sub002/internal/ledger"
)

type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeConfirmed
	OutcomeFailed
	OutcomeRejected
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Resolution is the terminal state of one submission attempt.
type Resolution struct {
	Outcome Outcome
	Err     error
}

// Pending is the one-shot completion handle for a submitted transaction.
// Resolved exactly once: confirmed, failed, rejected, or abandoned by the
// caller. Reads of Done() after resolution never fire again.
type Pending struct {
	mu          sync.Mutex
	id          common.Hash
	submittedAt time.Time

	once     sync.Once
	resolved chan Resolution
	isDone   bool
}

func newPending() *Pending {
	return &Pending{submittedAt: time.Now(), resolved: make(chan Resolution, 1)}
}

// ID is the ledger identifier, set once the submitter's delivery succeeds.
func (p *Pending) ID() common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Pending) setID(id common.Hash) {
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()
}

func (p *Pending) SubmittedAt() time.Time { return p.submittedAt }

// Done delivers the resolution exactly once.
func (p *Pending) Done() <-chan Resolution { return p.resolved }

func (p *Pending) resolve(res Resolution) {
	p.once.Do(func() {
		p.mu.Lock()
		p.isDone = true
		p.mu.Unlock()
		p.resolved <- res
	})
}

// Abandon resolves the handle with OutcomeAbandoned. Callers use it when
// their own deadline passes; the confirmer drops the identifier on its next
// sweep. A later settlement report for an abandoned id is ignored.
func (p *Pending) Abandon() {
	p.resolve(Resolution{Outcome: OutcomeAbandoned})
}

func (p *Pending) done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isDone
}

// Sender is the ledger surface the pipeline needs: fire-and-forget delivery
// and batched status lookup. *ledger.Client implements it.
type Sender interface {
	SubmitTransaction(ctx context.Context, tx *ledger.Tx) (common.Hash, error)
	TransactionStatuses(ctx context.Context, ids []common.Hash) ([]*ledger.TxStatus, error)
}

type Options struct {
	QueueSize       int
	ConfirmInterval time.Duration
	MaxStatusBatch  int
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.ConfirmInterval <= 0 {
		o.ConfirmInterval = time.Second
	}
	if o.MaxStatusBatch <= 0 {
		o.MaxStatusBatch = ledger.DefaultMaxStatusBatch
	}
	return o
}

type submitReq struct {
	tx      *ledger.Tx
	pending *Pending
}

type entry struct {
	id      common.Hash
	pending *Pending
}

type Pipeline struct {
	sender Sender
	opts   Options

	requests chan submitReq
	accepted chan *entry
	wg       sync.WaitGroup
}

func New(sender Sender, opts Options) *Pipeline {
	opts = opts.withDefaults()
	return &Pipeline{
		sender:   sender,
		opts:     opts,
		requests: make(chan submitReq, opts.QueueSize),
		accepted: make(chan *entry, opts.QueueSize),
	}
}

// Start launches the two stages. They exit when ctx is done; Wait blocks
// until both have released their resources.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.submitLoop(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.confirmLoop(ctx)
	}()
}

func (p *Pipeline) Wait() { p.wg.Wait() }

// Submit enqueues a signed transaction for immediate delivery and returns its
// completion handle. It never waits on a network round trip.
func (p *Pipeline) Submit(ctx context.Context, tx *ledger.Tx) (*Pending, error) {
	pending := newPending()
	select {
	case p.requests <- submitReq{tx: tx, pending: pending}:
		return pending, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) submitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.requests:
			id, err := p.sender.SubmitTransaction(ctx, req.tx)
			if err != nil {
				req.pending.resolve(Resolution{Outcome: OutcomeRejected, Err: err})
				continue
			}
			req.pending.setID(id)
			select {
			case p.accepted <- &entry{id: id, pending: req.pending}:
			case <-ctx.Done():
				req.pending.Abandon()
				return
			}
		}
	}
}

func (p *Pipeline) confirmLoop(ctx context.Context) {
	var outstanding []*entry
	t := time.NewTicker(p.opts.ConfirmInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, e := range outstanding {
				e.pending.Abandon()
			}
			return

		case e := <-p.accepted:
			outstanding = append(outstanding, e)

		case <-t.C:
			outstanding = pruneResolved(outstanding)
			if len(outstanding) == 0 {
				continue
			}
			statuses := p.fetchStatuses(ctx, outstanding)
			outstanding = removeSettled(outstanding, statuses)
		}
	}
}

// fetchStatuses queries settlement status for every outstanding id, chunked
// at the ledger's maximum batch size. The result is parallel to outstanding;
// a failed chunk leaves its entries nil (unknown), to be retried next tick.
func (p *Pipeline) fetchStatuses(ctx context.Context, outstanding []*entry) []*ledger.TxStatus {
	statuses := make([]*ledger.TxStatus, len(outstanding))
	for lo := 0; lo < len(outstanding); lo += p.opts.MaxStatusBatch {
		hi := lo + p.opts.MaxStatusBatch
		if hi > len(outstanding) {
			hi = len(outstanding)
		}
		ids := make([]common.Hash, 0, hi-lo)
		for _, e := range outstanding[lo:hi] {
			ids = append(ids, e.id)
		}
		chunk, err := p.sender.TransactionStatuses(ctx, ids)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[warn] status batch (%d ids): %v", len(ids), err)
			}
			continue
		}
		copy(statuses[lo:hi], chunk)
	}
	return statuses
}

// removeSettled resolves every entry reported settled and removes it from the
// outstanding list. Indices to delete are collected in a first pass and
// deleted from highest to lowest in a second: removing while scanning forward
// corrupts the remaining scan, silently skipping or double-handling entries.
func removeSettled(outstanding []*entry, statuses []*ledger.TxStatus) []*entry {
	var settled []int
	for i, st := range statuses {
		if st == nil || !st.Settled {
			continue
		}
		settled = append(settled, i)
	}
	for j := len(settled) - 1; j >= 0; j-- {
		i := settled[j]
		e := outstanding[i]
		res := Resolution{Outcome: OutcomeConfirmed}
		if !statuses[i].Ok {
			res = Resolution{Outcome: OutcomeFailed, Err: &SettlementError{ID: e.id, Reason: statuses[i].Err}}
		}
		e.pending.resolve(res)
		outstanding = append(outstanding[:i], outstanding[i+1:]...)
	}
	return outstanding
}

// pruneResolved drops entries whose handle the caller already resolved
// (typically abandoned past a deadline), reverse-order like removeSettled.
func pruneResolved(outstanding []*entry) []*entry {
	var dead []int
	for i, e := range outstanding {
		if e.pending.done() {
			dead = append(dead, i)
		}
	}
	for j := len(dead) - 1; j >= 0; j-- {
		i := dead[j]
		outstanding = append(outstanding[:i], outstanding[i+1:]...)
	}
	return outstanding
}

// SettlementError reports a transaction that settled with a failure.
type SettlementError struct {
	ID     common.Hash
	Reason string
}

func (e *SettlementError) Error() string {
	return "tx " + e.ID.Hex() + " settled with failure: " + e.Reason
}
