// Package debug holds opt-in diagnostics that stay compiled in but cost
// one atomic load when disabled.
package debug

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Lock tracing reports how long callers wait for, and hold, the chain
// state lock. Disabled by default.
//
// Enable with:
//
//	VISION_LOCK_TRACE=1
//
// Thresholds in milliseconds (default 0 = report everything):
//
//	VISION_LOCK_TRACE_MIN_WAIT_MS
//	VISION_LOCK_TRACE_MIN_HOLD_MS   (exclusive Lock/Unlock only)

var (
	traceOnce    sync.Once
	traceEnabled atomic.Bool
	minWait      atomic.Int64
	minHold      atomic.Int64
	lockSeq      atomic.Uint64
)

func traceInit() {
	traceOnce.Do(func() {
		switch strings.ToLower(strings.TrimSpace(os.Getenv("VISION_LOCK_TRACE"))) {
		case "1", "true", "yes", "on":
			traceEnabled.Store(true)
		}
		minWait.Store(int64(envMillis("VISION_LOCK_TRACE_MIN_WAIT_MS")))
		minHold.Store(int64(envMillis("VISION_LOCK_TRACE_MIN_HOLD_MS")))
	})
}

func envMillis(key string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

// TraceEnabled reports whether lock tracing is on.
func TraceEnabled() bool {
	traceInit()
	return traceEnabled.Load()
}

func callsite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		if j := strings.LastIndexByte(file[:i], '/'); j >= 0 {
			file = file[j+1:]
		}
	}
	return file + ":" + strconv.Itoa(line)
}

// RWMutex is a sync.RWMutex with optional contention tracing.
type RWMutex struct {
	mu   sync.RWMutex
	name string

	acquiredAt atomic.Int64
	seq        atomic.Uint64
}

// NewRWMutex returns a named lock. The name only appears in trace output.
func NewRWMutex(name string) *RWMutex {
	return &RWMutex{name: name}
}

func (m *RWMutex) Lock() {
	if !TraceEnabled() {
		m.mu.Lock()
		return
	}
	start := time.Now()
	m.mu.Lock()
	wait := time.Since(start)

	seq := lockSeq.Add(1)
	m.seq.Store(seq)
	m.acquiredAt.Store(time.Now().UnixNano())
	if int64(wait) >= minWait.Load() {
		log.Debug().Str("lock", m.name).Uint64("seq", seq).Dur("wait", wait).
			Str("at", callsite(2)).Msg("lock acquired")
	}
}

func (m *RWMutex) Unlock() {
	if !TraceEnabled() {
		m.mu.Unlock()
		return
	}
	seq := m.seq.Load()
	held := time.Since(time.Unix(0, m.acquiredAt.Load()))
	m.mu.Unlock()
	if int64(held) >= minHold.Load() {
		log.Debug().Str("lock", m.name).Uint64("seq", seq).Dur("held", held).
			Str("at", callsite(2)).Msg("lock released")
	}
}

func (m *RWMutex) RLock() {
	if !TraceEnabled() {
		m.mu.RLock()
		return
	}
	start := time.Now()
	m.mu.RLock()
	if wait := time.Since(start); int64(wait) >= minWait.Load() {
		log.Debug().Str("lock", m.name).Str("mode", "read").Dur("wait", wait).
			Str("at", callsite(2)).Msg("lock acquired")
	}
}

func (m *RWMutex) RUnlock() {
	m.mu.RUnlock()
}
