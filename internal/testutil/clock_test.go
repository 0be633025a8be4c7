package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicClock_StartsAtBase(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Equal(t, Base, clock.Now())
}

func TestDeterministicClock_AdvancesByStep(t *testing.T) {
	clock := NewDeterministicClock()

	assert.Equal(t, Base, clock.Now())
	assert.Equal(t, Base.Add(time.Second), clock.Now())
	assert.Equal(t, Base.Add(2*time.Second), clock.Now())
}

func TestDeterministicClock_PeekDoesNotAdvance(t *testing.T) {
	clock := NewDeterministicClock()

	assert.Equal(t, Base, clock.Peek())
	assert.Equal(t, Base, clock.Peek())
	assert.Equal(t, Base, clock.Now())
	assert.Equal(t, Base.Add(time.Second), clock.Peek())
}

func TestDeterministicClock_Reset(t *testing.T) {
	clock := NewDeterministicClock()
	clock.Now()
	clock.Now()

	clock.Reset()
	assert.Equal(t, Base, clock.Now())
}

func TestDeterministicClock_CustomBaseAndStep(t *testing.T) {
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewDeterministicClockAt(base, time.Millisecond)

	assert.Equal(t, base, clock.Now())
	assert.Equal(t, base.Add(time.Millisecond), clock.Now())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock()
	const goroutines = 20
	const readsEach = 50

	times := make(chan time.Time, goroutines*readsEach)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < readsEach; j++ {
				times <- clock.Now()
			}
		}()
	}
	wg.Wait()
	close(times)

	// Every reading is distinct: no two goroutines saw the same tick.
	seen := make(map[time.Time]bool)
	for ts := range times {
		assert.False(t, seen[ts], "duplicate reading %v", ts)
		seen[ts] = true
	}
	assert.Len(t, seen, goroutines*readsEach)
}

func TestDeterministicClock_Deterministic(t *testing.T) {
	a := NewDeterministicClock()
	b := NewDeterministicClock()

	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Now(), b.Now())
	}
}

func TestFixedTime(t *testing.T) {
	assert.Equal(t, Base, FixedTime())
	assert.Equal(t, FixedTime(), FixedTime())
}
