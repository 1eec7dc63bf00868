package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const validConfig = `
rpc_url = "http://127.0.0.1:8899"
ws_url = "ws://127.0.0.1:8900"
directory = "0x00000000000000000000000000000000000000d1"
clock_account = "0x00000000000000000000000000000000000000c1"
poll_interval_ms = 100
confirm_interval_ms = 500

[[bots]]
name = "sniper"
threshold = 3
strategy = "fixed"
amount = 100
key_env = "SNIPER_KEY"

[[bots]]
name = "spreader"
threshold = 10
strategy = "balance"
amount = 50
weights = [0.7, 0.3]
max_attempts = 2
key_env = "SPREADER_KEY"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evore.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Bots) != 2 {
		t.Fatalf("got %d bots, want 2", len(cfg.Bots))
	}
	if cfg.Bots[0].Name != "sniper" || cfg.Bots[0].Threshold != 3 {
		t.Fatalf("bots[0] = %+v", cfg.Bots[0])
	}
	if cfg.Bots[1].MaxAttempts != 2 || len(cfg.Bots[1].Weights) != 2 {
		t.Fatalf("bots[1] = %+v", cfg.Bots[1])
	}
	if want := common.HexToAddress("0xd1"); cfg.Directory != want {
		t.Fatalf("directory = %s, want %s", cfg.Directory.Hex(), want.Hex())
	}
	if cfg.PollInterval() != 100*time.Millisecond {
		t.Fatalf("poll interval = %s", cfg.PollInterval())
	}
	if cfg.ConfirmInterval() != 500*time.Millisecond {
		t.Fatalf("confirm interval = %s", cfg.ConfirmInterval())
	}
}

func TestIntervalDefaults(t *testing.T) {
	var cfg Config
	if cfg.PollInterval() != 200*time.Millisecond {
		t.Fatalf("default poll interval = %s", cfg.PollInterval())
	}
	if cfg.ConfirmInterval() != time.Second {
		t.Fatalf("default confirm interval = %s", cfg.ConfirmInterval())
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{"missing ws_url", func(s string) string {
			return strings.Replace(s, `ws_url = "ws://127.0.0.1:8900"`, "", 1)
		}, "ws_url"},
		{"zero directory", func(s string) string {
			return strings.Replace(s, "00000000000000000000000000000000000000d1", "0000000000000000000000000000000000000000", 1)
		}, "directory"},
		{"no bots", func(s string) string {
			return s[:strings.Index(s, "[[bots]]")]
		}, "at least one bot"},
		{"duplicate names", func(s string) string {
			return strings.Replace(s, `name = "spreader"`, `name = "sniper"`, 1)
		}, "duplicate bot name"},
		{"zero threshold", func(s string) string {
			return strings.Replace(s, "threshold = 3", "threshold = 0", 1)
		}, "threshold"},
		{"unknown strategy", func(s string) string {
			return strings.Replace(s, `strategy = "fixed"`, `strategy = "yolo"`, 1)
		}, "unknown strategy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.mutate(validConfig)))
			if err == nil {
				t.Fatalf("Load accepted invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("Load accepted a missing file")
	}
}
