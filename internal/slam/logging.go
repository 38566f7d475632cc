package slam

import (
	"io"
	"log"
	"sync"
)

// LogWriters selects where each stream goes. A nil writer silences it.
type LogWriters struct {
	Ops   io.Writer // run lifecycle, loop closures, fallbacks
	Diag  io.Writer // loop candidates, optimizer cost
	Trace io.Writer // per-frame registration telemetry
}

type stream int

const (
	opsStream stream = iota
	diagStream
	traceStream
	numStreams
)

var (
	mu      sync.RWMutex
	loggers [numStreams]*log.Logger
)

// SetLogWriters replaces all three streams at once.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	defer mu.Unlock()
	for s, out := range [numStreams]io.Writer{opsStream: w.Ops, diagStream: w.Diag, traceStream: w.Trace} {
		loggers[s] = nil
		if out != nil {
			loggers[s] = log.New(out, "[slam] ", log.LstdFlags|log.Lmicroseconds)
		}
	}
}

func logf(s stream, format string, args []interface{}) {
	mu.RLock()
	l := loggers[s]
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Opsf logs something an operator should see.
func Opsf(format string, args ...interface{}) { logf(opsStream, format, args) }

// Diagf logs detection and optimizer detail.
func Diagf(format string, args ...interface{}) { logf(diagStream, format, args) }

// Tracef logs per-frame telemetry.
func Tracef(format string, args ...interface{}) { logf(traceStream, format, args) }
