package bot

import (
	"log"
	"time"
)

// statusTracker rate-limits repetitive per-tick status lines. A message is
// logged when it changes, or when minInterval has passed since it was last
// logged; between those, ticks stay silent.
type statusTracker struct {
	prefix      string
	minInterval time.Duration
	last        string
	lastAt      time.Time
}

func newStatusTracker(prefix string, minInterval time.Duration) statusTracker {
	if minInterval < 0 {
		minInterval = 0
	}
	return statusTracker{prefix: prefix, minInterval: minInterval}
}

func (s *statusTracker) set(msg string) {
	if s == nil || msg == "" {
		return
	}
	now := time.Now()
	if msg == s.last && !s.lastAt.IsZero() && now.Sub(s.lastAt) < s.minInterval {
		return
	}
	s.last = msg
	s.lastAt = now
	log.Printf("%s %s", s.prefix, msg)
}
