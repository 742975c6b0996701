package watchdog

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_ReleasesOncePerBreach(t *testing.T) {
	logger, hook := test.NewNullLogger()
	heap := []uint64{50, 150, 160, 170, 80, 200}
	var i int
	var freed int

	w := New(logger, 100, time.Hour,
		WithSampler(func() uint64 { v := heap[i]; i++; return v }),
		WithReleaser(func() { freed++ }),
	)

	for range heap {
		w.Check()
	}

	assert.Equal(t, 2, freed)
	assert.Equal(t, 2, w.Breaches())

	var warnings int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestCheck_ZeroCeilingDisabled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var freed int
	w := New(logger, 0, time.Hour,
		WithSampler(func() uint64 { return 1 << 40 }),
		WithReleaser(func() { freed++ }),
	)

	assert.Equal(t, uint64(1<<40), w.Check())
	assert.Zero(t, freed)
	assert.Zero(t, w.Ceiling())
}

func TestApplyMemoryLimit(t *testing.T) {
	logger, _ := test.NewNullLogger()
	orig := debug.SetMemoryLimit(-1)
	t.Cleanup(func() { debug.SetMemoryLimit(orig) })

	New(logger, 256<<20, time.Hour).ApplyMemoryLimit()
	assert.Equal(t, int64(256<<20), debug.SetMemoryLimit(-1))
}

func TestRunStopsOnCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var samples atomic.Int32
	w := New(logger, 100, 5*time.Millisecond,
		WithSampler(func() uint64 { samples.Add(1); return 10 }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return samples.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApplyMemoryLimit_CeilingOutOfRange(t *testing.T) {
	logger, hook := test.NewNullLogger()
	orig := debug.SetMemoryLimit(-1)
	t.Cleanup(func() { debug.SetMemoryLimit(orig) })

	New(logger, ^uint64(0), time.Hour).ApplyMemoryLimit()

	assert.Equal(t, orig, debug.SetMemoryLimit(-1))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestCheck_WarningNamesSizes(t *testing.T) {
	logger, hook := test.NewNullLogger()
	w := New(logger, 1<<20, time.Hour,
		WithSampler(func() uint64 { return 3 << 20 }),
		WithReleaser(func() {}),
	)

	w.Check()

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Heap at 3.0 MiB is above the 1.0 MiB ceiling, releasing memory to the OS", hook.LastEntry().Message)
}
