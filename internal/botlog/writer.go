// Package botlog appends bot lifecycle events as newline-delimited JSON for
// offline analysis. It is an operator log, not state: statistics live in
// memory only and the process never reads this file back.
package botlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event is one bot lifecycle record.
type Event struct {
	TsMs    int64  `json:"ts_ms"`
	Bot     string `json:"bot"`
	Event   string `json:"event"`
	Round   uint64 `json:"round,omitempty"`
	Clock   uint64 `json:"clock,omitempty"`
	TxID    string `json:"tx_id,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Err     string `json:"err,omitempty"`
	Stats   any    `json:"stats,omitempty"`
}

// Writer appends events to a JSONL file. Safe for concurrent use. A nil
// Writer is valid and discards everything.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *json.Encoder
}

// New returns a writer appending to path, or nil if path is blank.
func New(path string) *Writer {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &Writer{path: path}
}

// Log appends one event, stamping TsMs if unset. Write errors are returned so
// callers can warn; a failed event write never affects bot behavior.
func (w *Writer) Log(ev Event) error {
	if w == nil {
		return nil
	}
	if ev.TsMs == 0 {
		ev.TsMs = time.Now().UnixMilli()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w.file = f
		w.enc = json.NewEncoder(f)
	}
	return w.enc.Encode(ev)
}

// Close closes the underlying file, if one was ever opened.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.enc = nil
	return err
}
