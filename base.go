package collision

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/comodal/go-collision/internal/counters"
	"golang.org/x/sync/errgroup"
)

type (
	// bucket is a fixed-width run of slots. The embedded mutex is the
	// monitor for the decay/swap path and for Remove; reads and
	// speculative inserts never take it. Bucket identity is stable for
	// the table's lifetime.
	bucket[Slot any] struct {
		mu    sync.Mutex
		slots []atomic.Pointer[Slot]
	}
	atomicBucket[Slot any] = atomic.Pointer[bucket[Slot]]
	// core is the engine shared by the packed and sparse variants:
	// table layout, bucket resolution, the opaque read paths and the
	// full-scan decay-and-swap routine. Slot shape differences are
	// confined to the captured [slotOps].
	core[Key comparable, Loaded, Value, Slot any] struct {
		table []atomicBucket[Slot]
		freq  *counters.Log
		hash  Hash[Key]
		ops   slotOps[Key, Value, Slot]
		// load/mapTo drive the aggressive path; loadMap composes them
		// for the synchronized path. All are non-nil after build.
		load    Loader[Key, Loaded]
		mapTo   Mapper[Key, Loaded, Value]
		loadMap Loader[Key, Value]
		clearMu sync.Mutex
		mask    uint64
		shift   uint
		width   int
		lazy    bool
	}
)

func newBucket[Slot any](width int) *bucket[Slot] {
	return &bucket[Slot]{slots: make([]atomic.Pointer[Slot], width)}
}

func (c *core[Key, Loaded, Value, Slot]) bucketIndex(key Key) int {
	return int(c.hash(key) & c.mask)
}

// bucketFor resolves (and for lazy tables, publishes) the bucket at
// index. Losers of the publication race adopt the winner's bucket.
func (c *core[Key, Loaded, Value, Slot]) bucketFor(index int) *bucket[Slot] {
	if b := c.table[index].Load(); b != nil {
		return b
	}
	fresh := newBucket[Slot](c.width)
	if c.table[index].CompareAndSwap(nil, fresh) {
		return fresh
	}
	return c.table[index].Load()
}

func (c *core[Key, Loaded, Value, Slot]) getIfPresent(key Key) (Value, bool) {
	var (
		index  = c.bucketIndex(key)
		b      = c.bucketFor(index)
		offset = index << c.shift
	)
	for i := range b.slots {
		slot := b.slots[i].Load()
		if slot == nil {
			break
		}
		if c.ops.match(key, slot) {
			c.freq.Increment(offset + i)
			return c.ops.value(slot), true
		}
	}
	var zero Value
	return zero, false
}

func (c *core[Key, Loaded, Value, Slot]) replace(key Key, val Value) (Value, bool) {
	var (
		b     = c.bucketFor(c.bucketIndex(key))
		fresh *Slot
	)
	for i := range b.slots {
		slot := b.slots[i].Load()
		if slot == nil {
			break
		}
		if !c.ops.match(key, slot) {
			continue
		}
		if fresh == nil {
			fresh = c.ops.wrap(key, val)
		}
		if b.slots[i].CompareAndSwap(slot, fresh) {
			return val, true
		}
		if witness := b.slots[i].Load(); witness != nil && c.ops.match(key, witness) {
			return c.ops.value(witness), true // A racing PUT won; keep it.
		}
	}
	var zero Value
	return zero, false
}

// decayAndSwap halves every counter of a full bucket, swaps fresh in
// place of the least frequently used slot and initializes its counter.
// An early zero count short-circuits the swap; the remaining counters
// are still decayed to enforce aging. Caller holds the bucket lock.
func (c *core[Key, Loaded, Value, Slot]) decayAndSwap(offset, maxCounterIndex int, b *bucket[Slot], fresh *Slot) {
	if debugging {
		assert(maxCounterIndex > offset,
			"decay over an empty counter range")
	}
	var (
		minCounterIndex = offset
		minCount        = counters.Max
	)
	for counterIndex := offset; counterIndex < maxCounterIndex; counterIndex++ {
		count := c.freq.Get(counterIndex)
		if count == 0 {
			b.slots[counterIndex-offset].Store(fresh)
			c.freq.Initialize(counterIndex)
			c.freq.Decay(counterIndex+1, maxCounterIndex)
			return
		}
		// Counter misses may occur between these two calls.
		c.freq.Set(counterIndex, count>>1)
		if count < minCount {
			minCount = count
			minCounterIndex = counterIndex
		}
	}
	b.slots[minCounterIndex-offset].Store(fresh)
	c.freq.Initialize(minCounterIndex)
}

// compactFrom nulls the slot at index and shifts every later live slot
// one position left, each shifted slot's counter moving with it halved.
// A null observed at the next position means a concurrent CAS insert
// may be in flight: the current slot is nulled first and the refill is
// attempted with a CAS so the racing writer's publication survives.
// Caller holds the bucket lock.
func (c *core[Key, Loaded, Value, Slot]) compactFrom(b *bucket[Slot], offset, index int) {
	if debugging {
		assert(index < len(b.slots),
			"compaction starts outside its bucket")
	}
	counterIndex := offset + index
	for next := index + 1; ; index, next = index+1, next+1 {
		if next == len(b.slots) {
			b.slots[index].Store(nil)
			return
		}
		slot := b.slots[next].Load()
		if slot == nil {
			b.slots[index].Store(nil)
			slot = b.slots[next].Load()
			if slot == nil || !b.slots[index].CompareAndSwap(nil, slot) {
				return
			}
		} else {
			b.slots[index].Store(slot)
		}
		// Counter misses may occur during this transition.
		counterIndex++
		count := c.freq.Get(counterIndex)
		c.freq.Set(counterIndex-1, count>>1)
	}
}

// forEachBucket fans calls out over the allocated buckets,
// one goroutine per contiguous table range.
func (c *core[Key, Loaded, Value, Slot]) forEachBucket(fn func(b *bucket[Slot])) {
	var (
		g       errgroup.Group
		length  = len(c.table)
		workers = min(runtime.GOMAXPROCS(0), length)
		chunk   = (length + workers - 1) / workers
	)
	for start := 0; start < length; start += chunk {
		end := min(start+chunk, length)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if b := c.table[i].Load(); b != nil {
					fn(b)
				}
			}
			return nil
		})
	}
	_ = g.Wait() // Workers never fail; the group is join-only.
}
