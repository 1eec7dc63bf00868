package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kriptikz/evore-sub002/internal/config"
	"github.com/Kriptikz/evore-sub002/internal/coordinator"
	"github.com/Kriptikz/evore-sub002/internal/dotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		configPath = flag.String("config", "evore.toml", "bot-set configuration file")
		envPath    = flag.String("env", ".env", "env file with funding keys")
		eventsPath = flag.String("out", "", "JSONL event log path (empty disables)")
		dryRun     = flag.Bool("dry-run", false, "build transactions but do not submit")
	)
	flag.Parse()

	if err := dotenv.Load(*envPath); err != nil {
		log.Printf("[warn] %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	coord, err := coordinator.New(cfg, coordinator.Options{
		ConfigPath: *configPath,
		EventsPath: *eventsPath,
		DryRun:     *dryRun,
	})
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloadCh := make(chan struct{}, 1)
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					select {
					case reloadCh <- struct{}{}:
					default:
					}
				default:
					cancel()
					return
				}
			}
		}
	}()

	log.Printf("evore round automation (config=%s bots=%d dry_run=%v)", *configPath, len(cfg.Bots), *dryRun)
	if err := coord.Run(ctx, reloadCh); err != nil {
		log.Fatalf("[fatal] %v", err)
	}
}
