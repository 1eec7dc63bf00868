package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileIsFine(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoad_SetsVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("EVORE_DOTENV_TEST=hello\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("EVORE_DOTENV_TEST", "")
	os.Unsetenv("EVORE_DOTENV_TEST")

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("EVORE_DOTENV_TEST"); got != "hello" {
		t.Fatalf("EVORE_DOTENV_TEST = %q, want hello", got)
	}
}
