// Package bot implements the per-bot round-lifecycle state machine. Each
// Actor runs as an independently scheduled task that reads the shared
// trackers, invokes its strategy, drives the submission pipeline and owns its
// own statistics. Bots never communicate with each other; everything they
// share arrives as read-only tracker snapshots.
package bot

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Kriptikz/evore-sub002/internal/botlog"
	"github.com/Kriptikz/evore-sub002/internal/ledger"
	"github.com/Kriptikz/evore-sub002/internal/pipeline"
	"github.com/Kriptikz/evore-sub002/internal/strategy"
	"github.com/Kriptikz/evore-sub002/internal/track"
)

type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseWaiting
	PhaseDeploying
	PhaseDeployed
	PhaseCheckpointing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaiting:
		return "waiting"
	case PhaseDeploying:
		return "deploying"
	case PhaseDeployed:
		return "deployed"
	case PhaseCheckpointing:
		return "checkpointing"
	default:
		return "unknown"
	}
}

// DefaultMaxAttempts bounds submission attempts per round. The policy for
// confirmation that is merely delayed: an attempt pending confirmation is
// never re-submitted; only an outright rejection frees a retry slot.
const DefaultMaxAttempts = 3

const defaultPollInterval = 200 * time.Millisecond

type ClockSource interface {
	Latest() (uint64, bool)
}

type WindowSource interface {
	Current() track.RoundWindow
}

type StateSource interface {
	Current() *track.RoundState
}

type NonceSource interface {
	Current() (common.Hash, bool)
}

// PendingTx is the completion handle an Actor holds for a submitted
// transaction. *pipeline.Pending satisfies it.
type PendingTx interface {
	ID() common.Hash
	Done() <-chan pipeline.Resolution
	Abandon()
}

type TxSubmitter interface {
	Submit(ctx context.Context, tx *ledger.Tx) (PendingTx, error)
}

// Sources are the shared read-only snapshots an Actor consumes.
type Sources struct {
	Clock   ClockSource
	Windows WindowSource
	States  StateSource
	Nonces  NonceSource
	Pipe    TxSubmitter
}

type Config struct {
	Name string
	// Threshold is the pre-deadline distance, in clock units, at which the
	// bot moves from Waiting to Deploying.
	Threshold   uint64
	MaxAttempts int
	Strategy    strategy.Func
	Params      strategy.Params
	Key         *ecdsa.PrivateKey

	PollInterval time.Duration
	// DryRun builds and logs transactions without submitting them.
	DryRun bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Stats are process-lifetime counters, owned exclusively by the Actor.
type Stats struct {
	RoundsSeen         uint64 `json:"rounds_seen"`
	Attempts           uint64 `json:"attempts"`
	Confirmed          uint64 `json:"confirmed"`
	Rejected           uint64 `json:"rejected"`
	Missed             uint64 `json:"missed"`
	Checkpoints        uint64 `json:"checkpoints"`
	CheckpointFailures uint64 `json:"checkpoint_failures"`
	CheckpointUnknown  uint64 `json:"checkpoint_unknown"`
}

// sessionState is mutated only by the Actor's own goroutine.
type sessionState struct {
	phase                 Phase
	currentRound          uint64
	lastDeployedRound     uint64
	lastCheckpointedRound uint64

	// per-round deployment bookkeeping
	attempts  int
	live      int // attempts not (yet) resolved as rejected
	confirmed bool

	pending           PendingTx
	checkpointPending PendingTx
	checkpointRound   uint64

	stats Stats
}

type Actor struct {
	cfg    Config
	src    Sources
	sender common.Address
	events *botlog.Writer

	changes chan track.RoundChange
	status  statusTracker
	st      sessionState
}

func New(cfg Config, src Sources, events *botlog.Writer) *Actor {
	cfg = cfg.withDefaults()
	a := &Actor{
		cfg:     cfg,
		src:     src,
		events:  events,
		changes: make(chan track.RoundChange, 4),
		status:  newStatusTracker("[bot "+cfg.Name+"]", 5*time.Second),
	}
	if cfg.Key != nil {
		a.sender = crypto.PubkeyToAddress(cfg.Key.PublicKey)
	}
	return a
}

func (a *Actor) Name() string { return a.cfg.Name }

// NotifyRoundChange hands a round-change signal to the Actor without ever
// blocking the sender: a stalled bot must not hold up its siblings. Dropped
// signals are recovered from WindowSource on the next tick.
func (a *Actor) NotifyRoundChange(rc track.RoundChange) bool {
	select {
	case a.changes <- rc:
		return true
	default:
		return false
	}
}

// Stats returns the Actor's counters. Only safe from the Actor's own
// goroutine, or after Run has returned.
func (a *Actor) Stats() Stats { return a.st.stats }

// Phase reports the current lifecycle phase, under the same ownership rule
// as Stats.
func (a *Actor) Phase() Phase { return a.st.phase }

// Run drives the state machine until ctx is done.
func (a *Actor) Run(ctx context.Context) {
	log.Printf("[bot %s] started threshold=%d max_attempts=%d dry_run=%v",
		a.cfg.Name, a.cfg.Threshold, a.cfg.MaxAttempts, a.cfg.DryRun)
	a.logEvent(botlog.Event{Event: "start"})

	t := time.NewTicker(a.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return
		case rc := <-a.changes:
			a.onRoundChange(rc)
		case <-t.C:
			a.tick(ctx)
		}
	}
}

func (a *Actor) shutdown() {
	if a.st.pending != nil {
		a.st.pending.Abandon()
		a.st.pending = nil
	}
	if a.st.checkpointPending != nil {
		a.st.checkpointPending.Abandon()
		a.st.checkpointPending = nil
	}
	s := a.st.stats
	log.Printf("[bot %s] stopped rounds=%d attempts=%d confirmed=%d rejected=%d missed=%d checkpoints=%d",
		a.cfg.Name, s.RoundsSeen, s.Attempts, s.Confirmed, s.Rejected, s.Missed, s.Checkpoints)
	a.logEvent(botlog.Event{Event: "stop", Stats: &s})
}

func (a *Actor) tick(ctx context.Context) {
	win := a.src.Windows.Current()
	clock, haveClock := a.src.Clock.Latest()

	switch a.st.phase {
	case PhaseIdle:
		if win.Active() {
			a.enterWaiting(win)
		}

	case PhaseWaiting:
		if !win.Active() {
			a.st.phase = PhaseIdle
			return
		}
		if win.Round != a.st.currentRound {
			a.enterWaiting(win)
		}
		if !haveClock || clock < win.StartClock {
			return
		}
		a.status.set(fmt.Sprintf("waiting round=%d distance=%d", win.Round, distance(win.EndClock, clock)))
		if distance(win.EndClock, clock) <= a.cfg.Threshold {
			a.st.phase = PhaseDeploying
			log.Printf("[bot %s] deploying round=%d clock=%d distance=%d",
				a.cfg.Name, win.Round, clock, distance(win.EndClock, clock))
			a.logEvent(botlog.Event{Event: "deploying", Round: win.Round, Clock: clock})
		}

	case PhaseDeploying:
		a.pollPending()
		if haveClock && clock >= win.EndClock {
			a.finishDeploy(win, clock)
			return
		}
		if a.st.pending == nil && !a.st.confirmed && a.st.attempts < a.cfg.MaxAttempts {
			a.attempt(ctx, win, clock)
		}

	case PhaseDeployed:
		if win.Round > a.st.currentRound {
			// The fan-out signal for this round change was dropped; the
			// tracker snapshot is the recovery path.
			log.Printf("[warn] [bot %s] missed round-change signal, recovering %d -> %d",
				a.cfg.Name, a.st.currentRound, win.Round)
			a.st.stats.RoundsSeen++
			a.leaveDeployed(a.st.currentRound, win)
			return
		}
		a.status.set(fmt.Sprintf("deployed round=%d awaiting round change", a.st.currentRound))

	case PhaseCheckpointing:
		a.tickCheckpoint(ctx, win, clock, haveClock)
	}
}

func (a *Actor) onRoundChange(rc track.RoundChange) {
	a.st.stats.RoundsSeen++

	if a.st.phase == PhaseDeploying {
		// The directory rolled before we saw the deadline tick; the old
		// round is over regardless of submission outcome.
		clock, _ := a.src.Clock.Latest()
		a.finishDeploy(rc.Prev, clock)
	}

	switch a.st.phase {
	case PhaseDeployed:
		a.leaveDeployed(rc.Prev.Round, rc.New)
	case PhaseIdle, PhaseWaiting:
		a.enterWaiting(rc.New)
	case PhaseCheckpointing:
		// Keep settling the carried round; the live window is picked up
		// from the tracker once the checkpoint resolves.
	}
}

// leaveDeployed decides what follows a finished round: settle it with a
// checkpoint if the bot acted in it, otherwise fall back to waiting on the
// new window.
func (a *Actor) leaveDeployed(endedRound uint64, next track.RoundWindow) {
	if a.st.lastDeployedRound != 0 && a.st.lastDeployedRound == endedRound {
		a.enterCheckpointing(endedRound)
	} else {
		a.enterWaiting(next)
	}
}

func (a *Actor) enterWaiting(win track.RoundWindow) {
	a.st.currentRound = win.Round
	a.st.attempts = 0
	a.st.live = 0
	a.st.confirmed = false
	if win.Active() {
		a.st.phase = PhaseWaiting
	} else {
		a.st.phase = PhaseIdle
	}
}

func (a *Actor) attempt(ctx context.Context, win track.RoundWindow, clock uint64) {
	st := a.src.States.Current()
	if st == nil || st.Round != win.Round {
		// Round state still lags the directory; not an error, retry next tick.
		return
	}
	nonce, ok := a.src.Nonces.Current()
	if !ok {
		return
	}

	tx, err := a.cfg.Strategy(st, clock, nonce, a.cfg.Params)
	if err != nil {
		a.st.attempts = a.cfg.MaxAttempts
		if errors.Is(err, strategy.ErrNoAction) {
			log.Printf("[bot %s] sitting out round=%d", a.cfg.Name, win.Round)
			a.logEvent(botlog.Event{Event: "skip", Round: win.Round, Clock: clock})
		} else {
			log.Printf("[warn] [bot %s] strategy round=%d: %v", a.cfg.Name, win.Round, err)
			a.logEvent(botlog.Event{Event: "strategy_error", Round: win.Round, Clock: clock, Err: err.Error()})
		}
		return
	}
	tx.Sender = a.sender

	a.st.stats.Attempts++
	a.st.attempts++

	if a.cfg.DryRun {
		a.st.live++
		a.st.confirmed = true
		log.Printf("[dry] [bot %s] would deploy round=%d allocations=%v", a.cfg.Name, win.Round, tx.Allocations)
		a.logEvent(botlog.Event{Event: "dry_deploy", Round: win.Round, Clock: clock})
		return
	}

	if err := tx.Sign(a.cfg.Key); err != nil {
		log.Printf("[warn] [bot %s] sign: %v", a.cfg.Name, err)
		a.logEvent(botlog.Event{Event: "sign_error", Round: win.Round, Err: err.Error()})
		return
	}
	pending, err := a.src.Pipe.Submit(ctx, tx)
	if err != nil {
		log.Printf("[warn] [bot %s] submit enqueue: %v", a.cfg.Name, err)
		return
	}
	a.st.pending = pending
	a.st.live++
	log.Printf("[bot %s] submitted round=%d attempt=%d distance=%d",
		a.cfg.Name, win.Round, a.st.attempts, distance(win.EndClock, clock))
	a.logEvent(botlog.Event{Event: "submit", Round: win.Round, Clock: clock})
}

func (a *Actor) pollPending() {
	if a.st.pending == nil {
		return
	}
	select {
	case res := <-a.st.pending.Done():
		switch res.Outcome {
		case pipeline.OutcomeConfirmed:
			a.st.confirmed = true
			a.st.stats.Confirmed++
			log.Printf("[bot %s] confirmed tx=%s", a.cfg.Name, a.st.pending.ID().Hex())
			a.logEvent(botlog.Event{Event: "confirm", Round: a.st.currentRound, TxID: a.st.pending.ID().Hex()})
		case pipeline.OutcomeRejected, pipeline.OutcomeFailed:
			a.st.live--
			a.st.stats.Rejected++
			log.Printf("[warn] [bot %s] attempt %s: %v", a.cfg.Name, res.Outcome, res.Err)
			a.logEvent(botlog.Event{Event: "reject", Round: a.st.currentRound, Outcome: res.Outcome.String()})
		}
		a.st.pending = nil
	default:
	}
}

func (a *Actor) finishDeploy(win track.RoundWindow, clock uint64) {
	// One last chance to observe a resolution that raced the deadline.
	a.pollPending()
	if a.st.pending != nil {
		a.st.pending.Abandon()
		a.st.pending = nil
	}
	if a.st.live > 0 {
		a.st.lastDeployedRound = win.Round
	}
	if a.st.confirmed {
		a.logEvent(botlog.Event{Event: "round_end", Round: win.Round, Clock: clock, Outcome: "confirmed"})
	} else {
		a.st.stats.Missed++
		log.Printf("[bot %s] round=%d ended without confirmation (attempts=%d)", a.cfg.Name, win.Round, a.st.attempts)
		a.logEvent(botlog.Event{Event: "miss", Round: win.Round, Clock: clock})
	}
	a.st.phase = PhaseDeployed
}

func (a *Actor) enterCheckpointing(round uint64) {
	a.st.phase = PhaseCheckpointing
	a.st.checkpointRound = round
	s := a.st.stats
	log.Printf("[bot %s] checkpointing round=%d", a.cfg.Name, round)
	a.logEvent(botlog.Event{Event: "checkpoint_begin", Round: round, Stats: &s})
}

func (a *Actor) tickCheckpoint(ctx context.Context, win track.RoundWindow, clock uint64, haveClock bool) {
	if a.st.checkpointPending == nil {
		nonce, ok := a.src.Nonces.Current()
		if !ok {
			return
		}
		tx := &ledger.Tx{
			Kind:   ledger.TxCheckpoint,
			Round:  a.st.checkpointRound,
			Sender: a.sender,
			Nonce:  nonce,
		}
		if a.cfg.DryRun {
			a.st.stats.Checkpoints++
			a.st.lastCheckpointedRound = a.st.checkpointRound
			log.Printf("[dry] [bot %s] would checkpoint round=%d", a.cfg.Name, a.st.checkpointRound)
			a.finishCheckpoint()
			return
		}
		if err := tx.Sign(a.cfg.Key); err != nil {
			log.Printf("[warn] [bot %s] checkpoint sign: %v", a.cfg.Name, err)
			a.st.stats.CheckpointFailures++
			a.finishCheckpoint()
			return
		}
		pending, err := a.src.Pipe.Submit(ctx, tx)
		if err != nil {
			log.Printf("[warn] [bot %s] checkpoint enqueue: %v", a.cfg.Name, err)
			a.st.stats.CheckpointFailures++
			a.finishCheckpoint()
			return
		}
		a.st.checkpointPending = pending
		log.Printf("[bot %s] checkpoint submitted round=%d", a.cfg.Name, a.st.checkpointRound)
		return
	}

	select {
	case res := <-a.st.checkpointPending.Done():
		if res.Outcome == pipeline.OutcomeConfirmed {
			a.st.stats.Checkpoints++
			a.st.lastCheckpointedRound = a.st.checkpointRound
			log.Printf("[bot %s] checkpoint confirmed round=%d", a.cfg.Name, a.st.checkpointRound)
		} else {
			a.st.stats.CheckpointFailures++
			log.Printf("[warn] [bot %s] checkpoint %s round=%d: %v", a.cfg.Name, res.Outcome, a.st.checkpointRound, res.Err)
		}
		a.st.checkpointPending = nil
		a.finishCheckpoint()
	default:
		// Do not let a lagging settlement starve the live round: give up
		// once the current deadline is inside our own threshold.
		if win.Active() && haveClock && distance(win.EndClock, clock) <= a.cfg.Threshold {
			a.st.checkpointPending.Abandon()
			a.st.checkpointPending = nil
			a.st.stats.CheckpointUnknown++
			log.Printf("[warn] [bot %s] checkpoint unresolved for round=%d, abandoning", a.cfg.Name, a.st.checkpointRound)
			a.finishCheckpoint()
		}
	}
}

func (a *Actor) finishCheckpoint() {
	s := a.st.stats
	a.logEvent(botlog.Event{Event: "checkpoint_end", Round: a.st.checkpointRound, Stats: &s})
	a.enterWaiting(a.src.Windows.Current())
}

func (a *Actor) logEvent(ev botlog.Event) {
	ev.Bot = a.cfg.Name
	if err := a.events.Log(ev); err != nil {
		log.Printf("[warn] [bot %s] event log: %v", a.cfg.Name, err)
	}
}

func distance(end, clock uint64) uint64 {
	if clock >= end {
		return 0
	}
	return end - clock
}
