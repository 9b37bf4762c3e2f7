package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_StartsAtEpoch(t *testing.T) {
	clock := NewClock()
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
	assert.Equal(t, int64(2), clock.Ticks())
}

func TestClock_Reset(t *testing.T) {
	start := time.Date(2030, time.June, 1, 12, 0, 0, 0, time.UTC)
	clock := NewClockAt(start)
	clock.Now()
	clock.Now()

	clock.Reset()
	assert.Equal(t, start, clock.Now())
}

func TestClock_StrictlyIncreasingUnderConcurrency(t *testing.T) {
	clock := NewClock()
	const numGoroutines = 50
	const callsPerGoroutine = 20

	var wg sync.WaitGroup
	results := make(chan time.Time, numGoroutines*callsPerGoroutine)
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				results <- clock.Now()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[time.Time]bool)
	for ts := range results {
		require.False(t, seen[ts], "duplicate timestamp %v", ts)
		seen[ts] = true
	}
	assert.Len(t, seen, numGoroutines*callsPerGoroutine)
}

func TestFixedRunID(t *testing.T) {
	gen := FixedRunID("run-1")
	assert.Equal(t, "run-1", gen.Generate())
	assert.Equal(t, "run-1", gen.Generate())
	assert.Equal(t, "test-run-default", FixedRunID("").Generate())
}

func TestRecorder(t *testing.T) {
	var order []string
	a := NewOrderedRecorder("a", &order)
	b := NewOrderedRecorder("b", &order)

	require.NoError(t, a.Run(context.Background()))
	require.NoError(t, b.Run(context.Background()))
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, 2, a.Invocations())
	assert.Equal(t, 1, b.Invocations())
	assert.Equal(t, []string{"a", "b", "a"}, order)

	boom := errors.New("boom")
	failing := NewRecorder()
	failing.Err = boom
	assert.ErrorIs(t, failing.Run(context.Background()), boom)
	assert.Equal(t, 1, failing.Invocations())
}
