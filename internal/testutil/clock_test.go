package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock()
	assert.Equal(t, Epoch, clock.Current())
	assert.Equal(t, Epoch, clock.Now())
}

func TestManualClock_NowSteps(t *testing.T) {
	clock := NewManualClock()

	first := clock.Now()
	second := clock.Now()
	third := clock.Now()

	assert.Equal(t, time.Millisecond, second.Sub(first))
	assert.Equal(t, time.Millisecond, third.Sub(second))
	assert.Equal(t, Epoch.Add(3*time.Millisecond), clock.Current())
}

func TestManualClock_ZeroStepStandsStill(t *testing.T) {
	clock := NewManualClockAt(Epoch, 0)

	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch, clock.Now())

	clock.Advance(time.Minute)
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())
}

func TestManualClock_Set(t *testing.T) {
	clock := NewManualClock()
	later := Epoch.Add(24 * time.Hour)

	clock.Set(later)
	assert.Equal(t, later, clock.Current())
}

func TestManualClock_ConcurrentReadsAreDistinct(t *testing.T) {
	clock := NewManualClock()

	const goroutines = 50
	const perGoroutine = 20

	var mu sync.Mutex
	seen := make(map[time.Time]bool)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ts := clock.Now()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, goroutines*perGoroutine, "every reading must be distinct")
}
