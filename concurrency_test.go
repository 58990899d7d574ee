package collision_test

import (
	"sync"
	"testing"

	collision "github.com/comodal/go-collision"
	"github.com/stretchr/testify/require"
)

// Values below are always a fixed function of their key so any
// goroutine can validate whatever it observes.

func TestConcurrentMixedOperations(t *testing.T) {
	t.Parallel()
	const (
		workers  = 8
		opsEach  = 10_000
		keySpace = 256
	)
	cache, err := collision.WithCapacity[int, int](128).
		StrictCapacity(true).
		Loader(func(key int) (int, bool, error) {
			return key, true, nil
		}).
		BuildSparse()
	require.NoError(t, err)
	var wg sync.WaitGroup
	for worker := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range opsEach {
				key := (worker*31 + i) % keySpace
				switch i % 4 {
				case 0:
					cache.PutReplace(key, key)
				case 1:
					if got, ok := cache.GetIfPresent(key); ok && got != key {
						t.Errorf("observed %d for key %d", got, key)
						return
					}
				case 2:
					got, ok, err := cache.Get(key)
					if err != nil || !ok || got != key {
						t.Errorf("get key %d: %d %t %v", key, got, ok, err)
						return
					}
				case 3:
					cache.Remove(key)
				}
			}
		}()
	}
	wg.Wait()
	for key := range keySpace {
		if got, ok := cache.GetIfPresent(key); ok {
			require.Equal(t, key, got)
		}
	}
}

func TestConcurrentAggressiveLoads(t *testing.T) {
	t.Parallel()
	const (
		workers = 8
		opsEach = 2_000
	)
	cache, err := collision.WithCapacity[int, int](64).
		Loader(func(key int) (int, bool, error) {
			return key * 7, true, nil
		}).
		BuildPacked()
	require.NoError(t, err)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range opsEach {
				key := i % 64
				got, ok, err := cache.GetAggressive(key)
				if err != nil || !ok || got != key*7 {
					t.Errorf("aggressive get key %d: %d %t %v",
						key, got, ok, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestConcurrentClear(t *testing.T) {
	t.Parallel()
	const (
		workers = 4
		opsEach = 2_000
	)
	cache, err := collision.WithCapacity[int, int](128).BuildSparse()
	require.NoError(t, err)
	var wg sync.WaitGroup
	for worker := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range opsEach {
				key := (worker * opsEach) + i
				cache.PutReplace(key%512, key%512)
				if i%500 == 0 {
					cache.Clear()
				}
			}
		}()
	}
	wg.Wait()
	cache.Clear()
	for key := range 512 {
		_, ok := cache.GetIfPresent(key)
		require.False(t, ok, "key %d survived the final clear", key)
	}
}
