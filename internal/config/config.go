// Package config loads and validates the bot-set configuration. The file is
// TOML; secrets (funding keys) stay out of it and are referenced by
// environment variable name.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Kriptikz/evore-sub002/internal/strategy"
)

type Bot struct {
	Name string `toml:"name"`
	// Threshold is the pre-deadline distance, in clock units, at which the
	// bot starts deploying.
	Threshold   uint64    `toml:"threshold"`
	Strategy    string    `toml:"strategy"`
	Amount      uint64    `toml:"amount"`
	Weights     []float64 `toml:"weights"`
	MaxAttempts int       `toml:"max_attempts"`
	// KeyEnv names the environment variable holding the bot's funding key
	// (hex-encoded private key).
	KeyEnv string `toml:"key_env"`
}

type Config struct {
	RPCURL string `toml:"rpc_url"`
	WSURL  string `toml:"ws_url"`

	Directory    common.Address `toml:"directory"`
	ClockAccount common.Address `toml:"clock_account"`

	PollIntervalMS    int `toml:"poll_interval_ms"`
	ConfirmIntervalMS int `toml:"confirm_interval_ms"`

	Bots []Bot `toml:"bots"`
}

func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) ConfirmInterval() time.Duration {
	if c.ConfirmIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.ConfirmIntervalMS) * time.Millisecond
}

// Load parses and fully validates path. A config that fails validation is
// never partially applied anywhere.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc_url required")
	}
	if c.WSURL == "" {
		return fmt.Errorf("ws_url required")
	}
	if c.Directory == (common.Address{}) {
		return fmt.Errorf("directory account required")
	}
	if c.ClockAccount == (common.Address{}) {
		return fmt.Errorf("clock_account required")
	}
	if len(c.Bots) == 0 {
		return fmt.Errorf("at least one bot required")
	}

	seen := make(map[string]struct{}, len(c.Bots))
	for i, b := range c.Bots {
		if b.Name == "" {
			return fmt.Errorf("bots[%d]: name required", i)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("duplicate bot name %q", b.Name)
		}
		seen[b.Name] = struct{}{}

		if b.Threshold == 0 {
			return fmt.Errorf("bot %q: threshold must be > 0", b.Name)
		}
		if _, err := strategy.Lookup(b.Strategy); err != nil {
			return fmt.Errorf("bot %q: %w", b.Name, err)
		}
		if b.MaxAttempts < 0 {
			return fmt.Errorf("bot %q: max_attempts must be >= 0", b.Name)
		}
	}
	return nil
}
