package log

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Known-noisy transient failures (channel closed, connect refused,
// read timeout) are deduplicated per message to once per minute, with
// a count of how many repeats were swallowed in between. Controlled by
// the stack_trace_suppression config key; on by default.

var suppression atomic.Bool

func init() { suppression.Store(true) }

// SetStackTraceSuppression toggles noisy-log deduplication at runtime.
func SetStackTraceSuppression(on bool) { suppression.Store(on) }

var noise = struct {
	mu     sync.Mutex
	last   map[string]time.Time
	hidden map[string]int
}{
	last:   make(map[string]time.Time),
	hidden: make(map[string]int),
}

// NoisyWarn logs a transient-failure warning through l. Repeats of the
// same msg within a minute are suppressed and counted; the next
// emitted line carries the suppressed count.
func NoisyWarn(l zerolog.Logger, err error, msg string) {
	if !suppression.Load() {
		l.Warn().Err(err).Msg(msg)
		return
	}

	noise.mu.Lock()
	now := time.Now()
	if t, ok := noise.last[msg]; ok && now.Sub(t) < time.Minute {
		noise.hidden[msg]++
		noise.mu.Unlock()
		return
	}
	hidden := noise.hidden[msg]
	noise.hidden[msg] = 0
	noise.last[msg] = now
	noise.mu.Unlock()

	ev := l.Warn().Err(err)
	if hidden > 0 {
		ev = ev.Int("suppressed", hidden)
	}
	ev.Msg(msg)
}
