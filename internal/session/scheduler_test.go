package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossriver/ironfly/internal/logging"
)

type countingRunner struct {
	mu    sync.Mutex
	runs  int
	fails map[int]error
}

func (r *countingRunner) OpenCycle(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if err, ok := r.fails[r.runs]; ok {
		return err
	}
	return nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func newTestScheduler(runner CycleRunner, cycles int, halted func() bool, sink *sessionSink) *Scheduler {
	s := NewScheduler(runner, cycles, 5*time.Minute, halted,
		logging.NewEventLogger(io.Discard), sink, discard())
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestSchedulerRunsAllCycles(t *testing.T) {
	runner := &countingRunner{}
	sink := &sessionSink{}
	s := newTestScheduler(runner, 3, nil, sink)

	var sleeps []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	s.Run(context.Background())

	assert.Equal(t, 3, runner.count())
	require.Len(t, sleeps, 2, "no sleep before the first or after the last cycle")
	assert.Equal(t, 5*time.Minute, sleeps[0].Round(time.Minute))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.notices)
	assert.Contains(t, sink.notices[len(sink.notices)-1],
		"All 3 cycles completed; monitoring until session end")
}

func TestSchedulerStopsWhenHalted(t *testing.T) {
	runner := &countingRunner{}
	sink := &sessionSink{}
	halted := false
	s := newTestScheduler(runner, 5, func() bool { return halted }, sink)
	s.sleep = func(context.Context, time.Duration) error {
		halted = true // portfolio stop fires between cycles
		return nil
	}

	s.Run(context.Background())

	assert.Equal(t, 1, runner.count())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.notices, "no completion notice after a halt")
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	runner := &countingRunner{}
	s := newTestScheduler(runner, 5, nil, &sessionSink{})
	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	s.Run(ctx)
	assert.Equal(t, 1, runner.count())
}

func TestSchedulerCycleFailureContinues(t *testing.T) {
	runner := &countingRunner{fails: map[int]error{1: errors.New("no market")}}
	sink := &sessionSink{}
	s := newTestScheduler(runner, 2, nil, sink)

	s.Run(context.Background())

	assert.Equal(t, 2, runner.count(), "a failed cycle does not stop the schedule")
	assert.True(t, sink.hasAlert("Cycle 1/2 failed"))
}

func TestSchedulerSkipsSleepOnOverrun(t *testing.T) {
	runner := &countingRunner{}
	s := newTestScheduler(runner, 2, nil, &sessionSink{})

	// Clock jumps past the next slot while the cycle runs.
	base := time.Date(2026, 8, 24, 12, 25, 0, 0, time.UTC)
	calls := 0
	s.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 10 * time.Minute)
	}
	s.sleep = func(context.Context, time.Duration) error {
		t.Fatal("overrunning cycle must start the next one immediately")
		return nil
	}

	s.Run(context.Background())
	assert.Equal(t, 2, runner.count())
}
