package counters_test

import (
	"testing"

	"github.com/comodal/go-collision/internal/counters"
	"github.com/stretchr/testify/require"
)

const (
	testCounters = 64
	testInitial  = 5
	testMaxCount = 1 << 20
)

func newLog(tb testing.TB) *counters.Log {
	tb.Helper()
	return counters.NewLog(testCounters, testInitial, testMaxCount)
}

func TestLog(t *testing.T) {
	t.Parallel()
	t.Run("length", length)
	t.Run("initialize", initialize)
	t.Run("set and get", setAndGet)
	t.Run("increment floor", incrementFloor)
	t.Run("increment saturates", incrementSaturates)
	t.Run("increment never decreases", incrementNeverDecreases)
	t.Run("saturation point", saturationPoint)
	t.Run("decay", decay)
	t.Run("decay skip", decaySkip)
	t.Run("neighbour isolation", neighbourIsolation)
}

func length(t *testing.T) {
	t.Parallel()
	require.Equal(t, testCounters, newLog(t).Len())
}

func initialize(t *testing.T) {
	t.Parallel()
	log := newLog(t)
	require.Zero(t, log.Get(3))
	log.Initialize(3)
	require.Equal(t, testInitial, log.Get(3))
}

func setAndGet(t *testing.T) {
	t.Parallel()
	log := newLog(t)
	for _, count := range []int{0, 1, 127, 254, counters.Max} {
		log.Set(2, count)
		require.Equal(t, count, log.Get(2))
	}
}

// Counts at or below the initial count are bumped unconditionally,
// so a fresh counter climbs deterministically past the floor.
func incrementFloor(t *testing.T) {
	t.Parallel()
	log := newLog(t)
	for want := 1; want <= testInitial+1; want++ {
		log.Increment(0)
		require.Equal(t, want, log.Get(0))
	}
}

func incrementSaturates(t *testing.T) {
	t.Parallel()
	log := newLog(t)
	log.Set(1, counters.Max)
	for range 100 {
		log.Increment(1)
	}
	require.Equal(t, counters.Max, log.Get(1))
}

func incrementNeverDecreases(t *testing.T) {
	t.Parallel()
	log := newLog(t)
	previous := 0
	for range 10_000 {
		log.Increment(4)
		count := log.Get(4)
		require.GreaterOrEqual(t, count, previous)
		require.LessOrEqual(t, count, counters.Max)
		previous = count
	}
}

// A counter should reach Max after roughly maxCount increments.
// The walk is probabilistic; tolerate ±20%.
func saturationPoint(t *testing.T) {
	t.Parallel()
	const maxCount = 1 << 16
	log := counters.NewLog(1, 0, maxCount)
	var calls int
	for calls = 1; calls <= 3*maxCount; calls++ {
		log.Increment(0)
		if log.Get(0) == counters.Max {
			break
		}
	}
	require.InDelta(t, maxCount, calls, 0.2*maxCount)
}

func decay(t *testing.T) {
	t.Parallel()
	log := newLog(t)
	for i := range 8 {
		log.Set(i, i)
	}
	log.Decay(0, 8)
	for i := range 8 {
		require.Equal(t, i>>1, log.Get(i))
	}
}

func decaySkip(t *testing.T) {
	t.Parallel()
	log := newLog(t)
	for i := range 8 {
		log.Set(i, 100)
	}
	log.DecaySkip(0, 8, 3)
	for i := range 8 {
		want := 50
		if i == 3 {
			want = 100
		}
		require.Equal(t, want, log.Get(i))
	}
}

// Counters share words; mutating one byte must not disturb the rest.
func neighbourIsolation(t *testing.T) {
	t.Parallel()
	log := newLog(t)
	for i := 8; i < 16; i++ {
		log.Set(i, 10+i)
	}
	for range 1000 {
		log.Increment(9)
	}
	log.Set(12, 7)
	for i := 8; i < 16; i++ {
		switch i {
		case 9:
			require.GreaterOrEqual(t, log.Get(i), 10+i)
		case 12:
			require.Equal(t, 7, log.Get(i))
		default:
			require.Equal(t, 10+i, log.Get(i))
		}
	}
}
