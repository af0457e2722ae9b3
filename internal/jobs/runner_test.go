package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/logging"
	"docsync/internal/models"
)

type fakeHousekeeper struct {
	sweeps atomic.Int32
	ticks  atomic.Int32
}

func (f *fakeHousekeeper) Sweep(context.Context) int {
	f.sweeps.Add(1)
	return 0
}

func (f *fakeHousekeeper) MetricsTick() models.MetricsSnapshot {
	f.ticks.Add(1)
	return models.MetricsSnapshot{}
}

func newRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Stop() })
	return r
}

func TestRunner_RunsOnInterval(t *testing.T) {
	r := newRunner(t)
	var runs atomic.Int32
	require.NoError(t, r.Every("tick", 10*time.Millisecond, func(context.Context) { runs.Add(1) }))
	r.Start()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunner_RunNow(t *testing.T) {
	r := newRunner(t)
	h := &fakeHousekeeper{}
	require.NoError(t, RegisterHousekeeping(r, h, time.Hour, time.Hour))
	assert.ElementsMatch(t, []string{SessionSweep, MetricsSnapshot}, r.Names())
	r.Start()

	require.NoError(t, r.RunNow(SessionSweep))
	assert.Eventually(t, func() bool { return h.sweeps.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), h.ticks.Load())

	assert.Error(t, r.RunNow("missing"))
}

func TestRunner_PanicDoesNotStopSchedule(t *testing.T) {
	r := newRunner(t)
	var runs atomic.Int32
	require.NoError(t, r.Every("flaky", 10*time.Millisecond, func(context.Context) {
		if runs.Add(1) == 1 {
			panic("boom")
		}
	}))
	r.Start()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunner_StopCancelsContext(t *testing.T) {
	r, err := NewRunner(logging.Discard())
	require.NoError(t, err)

	started := make(chan struct{})
	var once atomic.Bool
	require.NoError(t, r.Every("long", 10*time.Millisecond, func(ctx context.Context) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
	}))
	r.Start()
	<-started

	require.NoError(t, r.Stop())
}

func TestRunner_RejectsZeroInterval(t *testing.T) {
	r := newRunner(t)
	assert.Error(t, r.Every("never", 0, func(context.Context) {}))
}
