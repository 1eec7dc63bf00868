// Package coordinator owns all trackers and all bot actors: startup ordering,
// round-change fan-out, live reconfiguration and coordinated teardown.
package coordinator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Kriptikz/evore-sub002/internal/bot"
	"github.com/Kriptikz/evore-sub002/internal/botlog"
	"github.com/Kriptikz/evore-sub002/internal/config"
	"github.com/Kriptikz/evore-sub002/internal/feedws"
	"github.com/Kriptikz/evore-sub002/internal/ledger"
	"github.com/Kriptikz/evore-sub002/internal/pipeline"
	"github.com/Kriptikz/evore-sub002/internal/strategy"
	"github.com/Kriptikz/evore-sub002/internal/track"
)

type Options struct {
	// ConfigPath is re-read on reload signals.
	ConfigPath string
	EventsPath string
	DryRun     bool
}

type Coordinator struct {
	cfg    *config.Config
	opts   Options
	ledger *ledger.Client
	feed   *feedws.Client
	events *botlog.Writer

	// thresholds of the currently running bot set, read by the nonce cache's
	// deadline-pressure probe.
	thresholds atomic.Pointer[[]uint64]
}

func New(cfg *config.Config, opts Options) (*Coordinator, error) {
	lc, err := ledger.NewClient(cfg.RPCURL, ledger.Options{})
	if err != nil {
		return nil, err
	}
	fc, err := feedws.NewClient(cfg.WSURL, feedws.Options{})
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:    cfg,
		opts:   opts,
		ledger: lc,
		feed:   fc,
		events: botlog.New(opts.EventsPath),
	}, nil
}

// Run blocks until ctx is done, then tears everything down in order: bots
// first, then trackers and the pipeline. A value on reload swaps the bot set
// atomically against a freshly validated config.
func (c *Coordinator) Run(ctx context.Context, reload <-chan struct{}) error {
	defer func() {
		if err := c.events.Close(); err != nil {
			log.Printf("[warn] event log close: %v", err)
		}
	}()

	// Trackers subscribe before any bot starts.
	clock := track.NewClockFeed()
	seedCtx, seedCancel := context.WithTimeout(ctx, 10*time.Second)
	if pos, err := c.ledger.LatestClock(seedCtx); err != nil {
		log.Printf("[warn] clock seed: %v (waiting for pushed value)", err)
	} else {
		clock.Seed(pos)
	}
	seedCancel()

	dir := track.NewDirectoryTracker()
	states := track.NewRoundStateTracker(c.cfg.Directory, c.feed.Watch)
	nonce := track.NewNonceCache(c.ledger.LatestNonce, c.hotProbe(dir, clock), track.NonceOptions{})
	pipe := pipeline.New(c.ledger, pipeline.Options{
		ConfirmInterval: c.cfg.ConfirmInterval(),
		MaxStatusBatch:  c.ledger.MaxStatusBatch(),
	})

	roundsCh := make(chan uint64, 8)

	var trackWG sync.WaitGroup
	trackWG.Add(4)
	clockUpdates := c.feed.Watch(ctx, c.cfg.ClockAccount)
	dirUpdates := c.feed.Watch(ctx, c.cfg.Directory)
	go func() {
		defer trackWG.Done()
		clock.Run(ctx, clockUpdates)
	}()
	go func() {
		defer trackWG.Done()
		dir.Run(ctx, dirUpdates)
	}()
	go func() {
		defer trackWG.Done()
		states.Run(ctx, roundsCh)
	}()
	go func() {
		defer trackWG.Done()
		nonce.Run(ctx)
	}()
	pipe.Start(ctx)

	sources := bot.Sources{
		Clock:   clock,
		Windows: dir,
		States:  states,
		Nonces:  nonce,
		Pipe:    pipeSubmitter{pipe},
	}

	botCtx, botCancel := context.WithCancel(ctx)
	var botWG sync.WaitGroup
	bots, err := c.startBots(botCtx, &botWG, c.cfg, sources)
	if err != nil {
		botCancel()
		trackWG.Wait()
		pipe.Wait()
		return err
	}
	log.Printf("[cfg] running %d bots", len(bots))

	for {
		select {
		case <-ctx.Done():
			log.Printf("Shutting down…")
			botCancel()
			botWG.Wait()
			trackWG.Wait()
			pipe.Wait()
			return nil

		case rc := <-dir.Changes():
			log.Printf("[ctx] round advanced %d -> %d (start=%d end=%d)",
				rc.Prev.Round, rc.New.Round, rc.New.StartClock, rc.New.EndClock)
			select {
			case roundsCh <- rc.New.Round:
			default:
				log.Printf("[warn] round-state retarget queue full (round=%d)", rc.New.Round)
			}
			for _, b := range bots {
				if !b.NotifyRoundChange(rc) {
					log.Printf("[warn] [bot %s] round-change signal dropped", b.Name())
				}
			}

		case <-reload:
			newCfg, err := config.Load(c.opts.ConfigPath)
			if err != nil {
				log.Printf("[warn] reload ignored: %v", err)
				continue
			}
			if endpointsChanged(c.cfg, newCfg) {
				log.Printf("[warn] reload ignored: endpoint/account changes require a restart")
				continue
			}
			// Validate everything (including keys) before touching the
			// running set; a bad config never yields a partial swap.
			if _, err := c.buildActors(newCfg, sources); err != nil {
				log.Printf("[warn] reload ignored: %v", err)
				continue
			}

			log.Printf("[cfg] reloading bot set: %d -> %d bots", len(c.cfg.Bots), len(newCfg.Bots))
			botCancel()
			botWG.Wait()
			botCtx, botCancel = context.WithCancel(ctx)
			c.cfg = newCfg
			bots, err = c.startBots(botCtx, &botWG, newCfg, sources)
			if err != nil {
				// buildActors above succeeded, so this should not happen.
				botCancel()
				botWG.Wait()
				trackWG.Wait()
				pipe.Wait()
				return fmt.Errorf("reload bot set: %w", err)
			}
			log.Printf("[cfg] running %d bots", len(bots))
		}
	}
}

func (c *Coordinator) startBots(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, sources bot.Sources) ([]*bot.Actor, error) {
	actors, err := c.buildActors(cfg, sources)
	if err != nil {
		return nil, err
	}

	ts := make([]uint64, 0, len(cfg.Bots))
	for _, b := range cfg.Bots {
		ts = append(ts, b.Threshold)
	}
	c.thresholds.Store(&ts)

	for _, a := range actors {
		wg.Add(1)
		go func(a *bot.Actor) {
			defer wg.Done()
			a.Run(ctx)
		}(a)
	}
	return actors, nil
}

func (c *Coordinator) buildActors(cfg *config.Config, sources bot.Sources) ([]*bot.Actor, error) {
	actors := make([]*bot.Actor, 0, len(cfg.Bots))
	for _, b := range cfg.Bots {
		fn, err := strategy.Lookup(b.Strategy)
		if err != nil {
			return nil, fmt.Errorf("bot %q: %w", b.Name, err)
		}
		key, err := c.loadKey(b)
		if err != nil {
			return nil, err
		}
		actors = append(actors, bot.New(bot.Config{
			Name:         b.Name,
			Threshold:    b.Threshold,
			MaxAttempts:  b.MaxAttempts,
			Strategy:     fn,
			Params:       strategy.Params{Amount: b.Amount, Weights: b.Weights},
			Key:          key,
			PollInterval: cfg.PollInterval(),
			DryRun:       c.opts.DryRun,
		}, sources, c.events))
	}
	return actors, nil
}

func (c *Coordinator) loadKey(b config.Bot) (*ecdsa.PrivateKey, error) {
	raw := ""
	if b.KeyEnv != "" {
		raw = strings.TrimSpace(os.Getenv(b.KeyEnv))
	}
	if raw == "" {
		if !c.opts.DryRun {
			return nil, fmt.Errorf("bot %q: no funding key in $%s", b.Name, b.KeyEnv)
		}
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("bot %q: ephemeral key: %w", b.Name, err)
		}
		log.Printf("[info] [bot %s] no funding key; using ephemeral key for dry-run", b.Name)
		return key, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("bot %q: parse key from $%s: %w", b.Name, b.KeyEnv, err)
	}
	return key, nil
}

// hotProbe reports whether any configured bot is inside its pre-deadline
// threshold; the nonce cache uses it to switch refresh rates.
func (c *Coordinator) hotProbe(dir *track.DirectoryTracker, clock *track.ClockFeed) func() bool {
	return func() bool {
		pos, ok := clock.Latest()
		if !ok {
			return false
		}
		ts := c.thresholds.Load()
		if ts == nil {
			return false
		}
		return nearDeadline(dir.Current(), pos, *ts)
	}
}

// endpointsChanged reports whether a reloaded config differs in anything the
// already-running trackers and clients are bound to. Those changes need a
// process restart; only the bot set is hot-swappable.
func endpointsChanged(old, new *config.Config) bool {
	return new.RPCURL != old.RPCURL ||
		new.WSURL != old.WSURL ||
		new.Directory != old.Directory ||
		new.ClockAccount != old.ClockAccount
}

func nearDeadline(win track.RoundWindow, pos uint64, thresholds []uint64) bool {
	if !win.Active() {
		return false
	}
	var d uint64
	if pos < win.EndClock {
		d = win.EndClock - pos
	}
	for _, t := range thresholds {
		if d <= t {
			return true
		}
	}
	return false
}

// pipeSubmitter adapts the pipeline to the bot-facing submitter interface.
type pipeSubmitter struct {
	p *pipeline.Pipeline
}

func (s pipeSubmitter) Submit(ctx context.Context, tx *ledger.Tx) (bot.PendingTx, error) {
	pending, err := s.p.Submit(ctx, tx)
	if err != nil {
		return nil, err
	}
	return pending, nil
}
