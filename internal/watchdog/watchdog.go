// Package watchdog keeps the heap of a long running process under a ceiling.
package watchdog

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ccoveille/go-safecast"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// HeapSampler reports bytes of heap currently in use.
type HeapSampler func() uint64

func readHeapInuse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

type Watchdog struct {
	log      logrus.FieldLogger
	ceiling  uint64
	interval time.Duration
	sample   HeapSampler
	free     func()

	mu       sync.Mutex
	breached bool
	breaches int
}

type Option func(*Watchdog)

// WithSampler replaces the runtime heap reading.
func WithSampler(fn HeapSampler) Option {
	return func(w *Watchdog) { w.sample = fn }
}

// WithReleaser replaces debug.FreeOSMemory.
func WithReleaser(fn func()) Option {
	return func(w *Watchdog) { w.free = fn }
}

// New returns a watchdog with the given ceiling. A zero ceiling disables the
// warning and the release, sampling still runs.
func New(log logrus.FieldLogger, ceiling uint64, interval time.Duration, opts ...Option) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	w := &Watchdog{
		log:      log,
		ceiling:  ceiling,
		interval: interval,
		sample:   readHeapInuse,
		free:     debug.FreeOSMemory,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ceiling is the heap size above which the process is considered under pressure.
func (w *Watchdog) Ceiling() uint64 {
	return w.ceiling
}

// ApplyMemoryLimit hands the ceiling to the runtime as a soft memory limit and
// returns the previous limit.
func (w *Watchdog) ApplyMemoryLimit() int64 {
	if w.ceiling == 0 {
		return debug.SetMemoryLimit(-1)
	}
	limit, err := safecast.ToInt64(w.ceiling)
	if err != nil {
		w.log.WithError(err).Warn("Heap ceiling does not fit a runtime memory limit, leaving it unset")
		return debug.SetMemoryLimit(-1)
	}
	prev := debug.SetMemoryLimit(limit)
	w.log.Infof("Runtime memory limit set to %s", humanize.IBytes(w.ceiling))
	return prev
}

// Check samples the heap once. Memory is released to the OS on the first
// sample of each breach; the breach ends once the heap falls back under the
// ceiling.
func (w *Watchdog) Check() uint64 {
	inuse := w.sample()
	if w.ceiling == 0 {
		return inuse
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if inuse <= w.ceiling {
		if w.breached {
			w.log.Infof("Heap back under ceiling at %s", humanize.IBytes(inuse))
		}
		w.breached = false
		return inuse
	}

	if w.breached {
		return inuse
	}
	w.breached = true
	w.breaches++
	w.log.WithFields(logrus.Fields{
		"heapInuse": inuse,
		"ceiling":   w.ceiling,
	}).Warnf("Heap at %s is above the %s ceiling, releasing memory to the OS",
		humanize.IBytes(inuse), humanize.IBytes(w.ceiling))
	w.free()
	return inuse
}

// Breaches counts distinct breaches since start.
func (w *Watchdog) Breaches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.breaches
}

// Run samples until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}
