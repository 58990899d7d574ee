package collision

import (
	"fmt"
	"sync/atomic"

	"github.com/comodal/go-collision/internal/counters"
)

// sparse is the cache variant that tracks its entry count against a
// real capacity while keeping the backing table over-provisioned.
// size may transiently exceed capacity; strict mode refuses inserts
// into the first collision slot once over.
type sparse[Key comparable, Loaded, Value, Slot any] struct {
	core[Key, Loaded, Value, Slot]
	size     atomic.Int64
	capacity int64
	strict   bool
}

func (c *sparse[Key, Loaded, Value, Slot]) Get(key Key) (Value, bool, error) {
	return c.get(key, c.loadMap)
}

func (c *sparse[Key, Loaded, Value, Slot]) GetWith(key Key, load Loader[Key, Value]) (Value, bool, error) {
	return c.get(key, load)
}

func (c *sparse[Key, Loaded, Value, Slot]) GetAggressive(key Key) (Value, bool, error) {
	return c.getAggressive(key, c.load, c.mapTo)
}

func (c *sparse[Key, Loaded, Value, Slot]) GetAggressiveWith(key Key, load Loader[Key, Loaded]) (Value, bool, error) {
	return c.getAggressive(key, load, c.mapTo)
}

func (c *sparse[Key, Loaded, Value, Slot]) GetAggressiveMap(key Key, load Loader[Key, Loaded], mapTo Mapper[Key, Loaded, Value]) (Value, bool, error) {
	return c.getAggressive(key, load, mapTo)
}

func (c *sparse[Key, Loaded, Value, Slot]) GetIfPresent(key Key) (Value, bool) {
	return c.getIfPresent(key)
}

func (c *sparse[Key, Loaded, Value, Slot]) Replace(key Key, val Value) (Value, bool) {
	return c.replace(key, val)
}

func (c *sparse[Key, Loaded, Value, Slot]) get(key Key, load Loader[Key, Value]) (Value, bool, error) {
	var (
		index  = c.bucketIndex(key)
		b      = c.bucketFor(index)
		offset = index << c.shift
	)
	for i := 0; ; {
		slot := b.slots[i].Load()
		if slot == nil {
			return c.checkDecayAndSwap(offset, b, key, load)
		}
		if c.ops.match(key, slot) {
			c.freq.Increment(offset + i)
			return c.ops.value(slot), true, nil
		}
		if i++; i == len(b.slots) {
			return c.checkDecayAndProbSwap(offset, b, key, load)
		}
	}
}

// checkDecayAndSwap re-checks for an existing entry behind the bucket
// lock, then loads and installs per decayAndSwap. Over capacity the
// min-tracking variant is used instead so the bucket can shrink back.
func (c *sparse[Key, Loaded, Value, Slot]) checkDecayAndSwap(offset int, b *bucket[Slot], key Key, load Loader[Key, Value]) (Value, bool, error) {
	if c.size.Load() > c.capacity {
		return c.checkDecayAndProbSwap(offset, b, key, load)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; ; {
		slot := b.slots[i].Load()
		if slot == nil {
			val, ok, err := load(key)
			if err != nil || !ok {
				var zero Value
				return zero, false, err
			}
			if i == 0 {
				// If not strict, allow the entry into the first
				// collision slot even when over capacity.
				if c.strict && c.size.Load() > c.capacity {
					return val, true, nil // Nothing to swap with.
				}
			} else if c.size.Load() > c.capacity {
				c.decaySwapAndDrop(offset, offset+i, b, c.ops.wrap(key, val))
				return val, true, nil
			}
			fresh := c.ops.wrap(key, val)
			for i < len(b.slots) {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(offset + i)
					c.size.Add(1)
					return val, true, nil
				}
				witness := b.slots[i].Load()
				if witness == nil {
					continue // Cleared underneath us; retry the slot.
				}
				if c.ops.match(key, witness) {
					c.freq.Increment(offset + i)
					return c.ops.value(witness), true, nil
				}
				i++
			}
			c.decayAndSwap(offset, offset+len(b.slots), b, fresh)
			return val, true, nil
		}
		if c.ops.match(key, slot) {
			c.freq.Increment(offset + i)
			return c.ops.value(slot), true, nil
		}
		if i++; i == len(b.slots) {
			val, ok, err := load(key)
			if err != nil || !ok {
				var zero Value
				return zero, false, err
			}
			if c.size.Load() > c.capacity {
				c.decaySwapAndDrop(offset, offset+len(b.slots), b, c.ops.wrap(key, val))
				return val, true, nil
			}
			c.decayAndSwap(offset, offset+len(b.slots), b, c.ops.wrap(key, val))
			return val, true, nil
		}
	}
}

// checkDecayAndProbSwap re-checks for an existing entry behind the
// bucket lock while proactively tracking the minimum count, then loads
// and installs at the minimum, dropping zero-count tail entries when
// over capacity.
func (c *sparse[Key, Loaded, Value, Slot]) checkDecayAndProbSwap(offset int, b *bucket[Slot], key Key, load Loader[Key, Value]) (Value, bool, error) {
	var (
		counterIndex    = offset
		minCounterIndex = offset
		minCount        = counters.Max
	)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; ; {
		slot := b.slots[i].Load()
		if slot == nil {
			val, ok, err := load(key)
			if err != nil || !ok {
				var zero Value
				return zero, false, err
			}
			if i == 0 {
				if c.strict && c.size.Load() > c.capacity {
					return val, true, nil // Nothing to swap with.
				}
			} else if c.size.Load() > c.capacity {
				b.slots[minCounterIndex-offset].Store(c.ops.wrap(key, val))
				c.freq.Initialize(minCounterIndex)
				c.decayAndDrop(offset, counterIndex, minCounterIndex, b)
				return val, true, nil
			}
			fresh := c.ops.wrap(key, val)
			for i < len(b.slots) {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(offset + i)
					c.size.Add(1)
					return val, true, nil
				}
				witness := b.slots[i].Load()
				if witness == nil {
					continue
				}
				if c.ops.match(key, witness) {
					c.freq.Increment(offset + i)
					return c.ops.value(witness), true, nil
				}
				i++
			}
			b.slots[minCounterIndex-offset].Store(fresh)
			c.freq.Initialize(minCounterIndex)
			c.freq.DecaySkip(offset, offset+len(b.slots), minCounterIndex)
			return val, true, nil
		}
		if c.ops.match(key, slot) {
			c.freq.Increment(counterIndex)
			return c.ops.value(slot), true, nil
		}
		if count := c.freq.Get(counterIndex); count < minCount {
			minCount = count
			minCounterIndex = counterIndex
		}
		counterIndex++
		if i++; i == len(b.slots) {
			val, ok, err := load(key)
			if err != nil || !ok {
				var zero Value
				return zero, false, err
			}
			b.slots[minCounterIndex-offset].Store(c.ops.wrap(key, val))
			c.freq.Initialize(minCounterIndex)
			if c.size.Load() > c.capacity {
				c.decayAndDrop(offset, counterIndex, minCounterIndex, b)
				return val, true, nil
			}
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
			return val, true, nil
		}
	}
}

func (c *sparse[Key, Loaded, Value, Slot]) getAggressive(key Key, load Loader[Key, Loaded], mapTo Mapper[Key, Loaded, Value]) (Value, bool, error) {
	var (
		index  = c.bucketIndex(key)
		b      = c.bucketFor(index)
		offset = index << c.shift
	)
	i := 0
	for {
		slot := b.slots[i].Load()
		if slot == nil {
			loaded, ok, err := load(key)
			if err != nil || !ok {
				var zero Value
				return zero, false, err
			}
			if i == 0 {
				// If not strict, allow the entry into the first
				// collision slot even when over capacity.
				if c.strict && c.size.Load() > c.capacity {
					return mapTo(key, loaded), true, nil // Not cached.
				}
			} else if c.size.Load() > c.capacity {
				return c.probSwapLoaded(offset, b, key, loaded, mapTo)
			}
			val := mapTo(key, loaded)
			fresh := c.ops.wrap(key, val)
			for i < len(b.slots) && c.size.Load() <= c.capacity {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(offset + i)
					c.size.Add(1)
					return val, true, nil
				}
				witness := b.slots[i].Load()
				if witness == nil {
					continue
				}
				if c.ops.match(key, witness) {
					c.freq.Increment(offset + i)
					return c.ops.value(witness), true, nil
				}
				i++
			}
			return c.probSwapValue(offset, b, key, val)
		}
		if c.ops.match(key, slot) {
			c.freq.Increment(offset + i)
			return c.ops.value(slot), true, nil
		}
		if i++; i == len(b.slots) {
			break
		}
	}
	loaded, ok, err := load(key)
	if err != nil || !ok {
		var zero Value
		return zero, false, err
	}
	return c.probSwapLoaded(offset, b, key, loaded, mapTo)
}

// probSwapLoaded assumes a full bucket or (XOR) over capacity and
// checks for both. The mapper runs only once the miss is definitive.
func (c *sparse[Key, Loaded, Value, Slot]) probSwapLoaded(offset int, b *bucket[Slot], key Key, loaded Loaded, mapTo Mapper[Key, Loaded, Value]) (Value, bool, error) {
	var (
		counterIndex    = offset
		minCounterIndex = offset
		minCount        = counters.Max
	)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; ; {
		slot := b.slots[i].Load()
		if slot == nil { // Assume over capacity.
			val := mapTo(key, loaded)
			fresh := c.ops.wrap(key, val)
			if i == 0 { // Strict capacity checked in parent call.
				for {
					if b.slots[0].CompareAndSwap(nil, fresh) {
						c.freq.Initialize(counterIndex)
						c.size.Add(1)
						return val, true, nil
					}
					witness := b.slots[0].Load()
					if witness == nil {
						continue
					}
					if c.ops.match(key, witness) {
						c.freq.Increment(counterIndex)
						return c.ops.value(witness), true, nil
					}
					return val, true, nil // Lost the tie breaker; not cached.
				}
			}
			b.slots[minCounterIndex-offset].Store(fresh)
			c.freq.Initialize(minCounterIndex)
			c.decayAndDrop(offset, counterIndex, minCounterIndex, b)
			return val, true, nil
		}
		if c.ops.match(key, slot) {
			c.freq.Increment(counterIndex)
			return c.ops.value(slot), true, nil
		}
		if count := c.freq.Get(counterIndex); count < minCount {
			minCount = count
			minCounterIndex = counterIndex
		}
		counterIndex++
		if i++; i == len(b.slots) {
			val := mapTo(key, loaded)
			b.slots[minCounterIndex-offset].Store(c.ops.wrap(key, val))
			c.freq.Initialize(minCounterIndex)
			if c.size.Load() > c.capacity {
				c.decayAndDrop(offset, counterIndex, minCounterIndex, b)
				return val, true, nil
			}
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
			return val, true, nil
		}
	}
}

func (c *sparse[Key, Loaded, Value, Slot]) probSwapValue(offset int, b *bucket[Slot], key Key, val Value) (Value, bool, error) {
	var (
		counterIndex    = offset
		minCounterIndex = offset
		minCount        = counters.Max
	)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; ; {
		slot := b.slots[i].Load()
		if slot == nil { // Assume over capacity.
			fresh := c.ops.wrap(key, val)
			if i == 0 { // Strict capacity checked in parent call.
				for {
					if b.slots[0].CompareAndSwap(nil, fresh) {
						c.freq.Initialize(counterIndex)
						c.size.Add(1)
						return val, true, nil
					}
					witness := b.slots[0].Load()
					if witness == nil {
						continue
					}
					if c.ops.match(key, witness) {
						c.freq.Increment(counterIndex)
						return c.ops.value(witness), true, nil
					}
					return val, true, nil // Lost the tie breaker; not cached.
				}
			}
			b.slots[minCounterIndex-offset].Store(fresh)
			c.freq.Initialize(minCounterIndex)
			c.decayAndDrop(offset, counterIndex, minCounterIndex, b)
			return val, true, nil
		}
		if c.ops.match(key, slot) {
			c.freq.Increment(counterIndex)
			return c.ops.value(slot), true, nil
		}
		if count := c.freq.Get(counterIndex); count < minCount {
			minCount = count
			minCounterIndex = counterIndex
		}
		counterIndex++
		if i++; i == len(b.slots) {
			b.slots[minCounterIndex-offset].Store(c.ops.wrap(key, val))
			c.freq.Initialize(minCounterIndex)
			if c.size.Load() > c.capacity {
				c.decayAndDrop(offset, counterIndex, minCounterIndex, b)
				return val, true, nil
			}
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
			return val, true, nil
		}
	}
}

// decayAndDrop halves the counters in [offset, maxCounterIndex)
// skipping skipIndex (the freshly installed entry). A zero count past
// the skip while over capacity evicts that slot: the bucket is
// compacted and size decremented once. Caller holds the bucket lock.
func (c *sparse[Key, Loaded, Value, Slot]) decayAndDrop(offset, maxCounterIndex, skipIndex int, b *bucket[Slot]) {
	for counterIndex := offset; counterIndex < maxCounterIndex; counterIndex++ {
		if counterIndex == skipIndex {
			continue
		}
		count := c.freq.Get(counterIndex)
		if count == 0 {
			if counterIndex < skipIndex {
				continue
			}
			if c.size.Add(-1)+1 <= c.capacity {
				c.size.Add(1)
				continue
			}
			c.compactFrom(b, offset, counterIndex-offset)
			return
		}
		// Counter misses may occur between these two calls.
		c.freq.Set(counterIndex, count>>1)
	}
}

// decaySwapAndDrop is decayAndSwap with tail eviction: after an early
// zero-count swap, the first later zero count is dropped (bucket
// compacted, size decremented once) when the cache is over capacity.
// Caller holds the bucket lock.
func (c *sparse[Key, Loaded, Value, Slot]) decaySwapAndDrop(offset, maxCounterIndex int, b *bucket[Slot], fresh *Slot) {
	var (
		minCounterIndex = offset
		minCount        = counters.Max
	)
	for counterIndex := offset; counterIndex < maxCounterIndex; counterIndex++ {
		count := c.freq.Get(counterIndex)
		if count == 0 {
			b.slots[counterIndex-offset].Store(fresh)
			c.freq.Initialize(counterIndex)
			for counterIndex++; counterIndex < maxCounterIndex; counterIndex++ {
				count = c.freq.Get(counterIndex)
				if count > 0 {
					c.freq.Set(counterIndex, count>>1)
					continue
				}
				if c.size.Add(-1)+1 <= c.capacity {
					c.size.Add(1)
					continue
				}
				c.compactFrom(b, offset, counterIndex-offset)
				return
			}
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

func (c *sparse[Key, Loaded, Value, Slot]) PutReplace(key Key, val Value) Value {
	var (
		index = c.bucketIndex(key)
		b     = c.bucketFor(index)
		fresh = c.ops.wrap(key, val)
	)
	i := 0
scan:
	for {
		slot := b.slots[i].Load()
		if slot == nil {
			if i == 0 {
				// If not strict, allow the entry into the first
				// collision slot even when over capacity.
				if c.strict && c.size.Load() > c.capacity {
					return val // Nothing to swap with; not stored.
				}
			} else if c.size.Load() > c.capacity {
				break scan
			}
			for i < len(b.slots) && c.size.Load() <= c.capacity {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(index<<c.shift + i)
					c.size.Add(1)
					return val
				}
				witness := b.slots[i].Load()
				if witness == nil {
					continue
				}
				if c.ops.match(key, witness) {
					return c.ops.value(witness) // A racing PUT won; keep it.
				}
				i++
			}
			break scan
		}
		if c.ops.match(key, slot) {
			if b.slots[i].CompareAndSwap(slot, fresh) {
				return val
			}
			if witness := b.slots[i].Load(); witness != nil && c.ops.match(key, witness) {
				return c.ops.value(witness)
			}
		}
		if i++; i == len(b.slots) {
			break scan
		}
	}
	var (
		offset          = index << c.shift
		counterIndex    = offset
		minCounterIndex = offset
		minCount        = counters.Max
	)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; ; {
		slot := b.slots[i].Load()
		if slot == nil { // Assume over capacity.
			if i == 0 { // Strict capacity checked above.
				for {
					if b.slots[0].CompareAndSwap(nil, fresh) {
						c.freq.Initialize(counterIndex)
						c.size.Add(1)
						return val
					}
					witness := b.slots[0].Load()
					if witness == nil {
						continue
					}
					if c.ops.match(key, witness) {
						return c.ops.value(witness)
					}
					return val // Lost the tie breaker; not cached.
				}
			}
			b.slots[minCounterIndex-offset].Store(fresh)
			c.freq.Initialize(minCounterIndex)
			c.decayAndDrop(offset, counterIndex, minCounterIndex, b)
			return val
		}
		if c.ops.match(key, slot) {
			if b.slots[i].CompareAndSwap(slot, fresh) {
				return val
			}
			if witness := b.slots[i].Load(); witness != nil && c.ops.match(key, witness) {
				return c.ops.value(witness)
			}
		}
		if count := c.freq.Get(counterIndex); count < minCount {
			minCount = count
			minCounterIndex = counterIndex
		}
		counterIndex++
		if i++; i == len(b.slots) {
			b.slots[minCounterIndex-offset].Store(fresh)
			c.freq.Initialize(minCounterIndex)
			if c.size.Load() > c.capacity {
				c.decayAndDrop(offset, counterIndex, minCounterIndex, b)
				return val
			}
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
			return val
		}
	}
}

func (c *sparse[Key, Loaded, Value, Slot]) PutIfAbsent(key Key, val Value) Value {
	var (
		index = c.bucketIndex(key)
		b     = c.bucketFor(index)
		fresh *Slot
	)
	i := 0
scan:
	for {
		slot := b.slots[i].Load()
		if slot == nil {
			if i == 0 {
				if c.strict && c.size.Load() > c.capacity {
					return val // Nothing to swap with; not stored.
				}
			} else if c.size.Load() > c.capacity {
				break scan
			}
			fresh = c.ops.wrap(key, val)
			for i < len(b.slots) && c.size.Load() <= c.capacity {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(index<<c.shift + i)
					c.size.Add(1)
					return val
				}
				witness := b.slots[i].Load()
				if witness == nil {
					continue
				}
				if c.ops.match(key, witness) {
					return c.ops.value(witness)
				}
				i++
			}
			break scan
		}
		if c.ops.match(key, slot) {
			return c.ops.value(slot)
		}
		if i++; i == len(b.slots) {
			break scan
		}
	}
	if fresh == nil {
		fresh = c.ops.wrap(key, val)
	}
	var (
		offset          = index << c.shift
		counterIndex    = offset
		minCounterIndex = offset
		minCount        = counters.Max
	)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; ; {
		slot := b.slots[i].Load()
		if slot == nil { // Assume over capacity.
			if i == 0 { // Strict capacity checked above.
				for {
					if b.slots[0].CompareAndSwap(nil, fresh) {
						c.freq.Initialize(counterIndex)
						c.size.Add(1)
						return val
					}
					witness := b.slots[0].Load()
					if witness == nil {
						continue
					}
					if c.ops.match(key, witness) {
						return c.ops.value(witness)
					}
					return val // Lost the tie breaker; not cached.
				}
			}
			b.slots[minCounterIndex-offset].Store(fresh)
			c.freq.Initialize(minCounterIndex)
			c.decayAndDrop(offset, counterIndex, minCounterIndex, b)
			return val
		}
		if c.ops.match(key, slot) {
			return c.ops.value(slot)
		}
		if count := c.freq.Get(counterIndex); count < minCount {
			minCount = count
			minCounterIndex = counterIndex
		}
		counterIndex++
		if i++; i == len(b.slots) {
			b.slots[minCounterIndex-offset].Store(fresh)
			c.freq.Initialize(minCounterIndex)
			if c.size.Load() > c.capacity {
				c.decayAndDrop(offset, counterIndex, minCounterIndex, b)
				return val
			}
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
			return val
		}
	}
}

func (c *sparse[Key, Loaded, Value, Slot]) PutIfSpaceAbsent(key Key, val Value) (Value, bool) {
	var (
		index = c.bucketIndex(key)
		b     = c.bucketFor(index)
	)
	i := 0
	for {
		slot := b.slots[i].Load()
		if slot == nil {
			fresh := c.ops.wrap(key, val)
			for c.size.Load() <= c.capacity {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(index<<c.shift + i)
					c.size.Add(1)
					return val, true
				}
				witness := b.slots[i].Load()
				if witness == nil {
					continue
				}
				if c.ops.match(key, witness) {
					return c.ops.value(witness), true
				}
				if i++; i == len(b.slots) {
					var zero Value
					return zero, false
				}
			}
			var zero Value
			return zero, false
		}
		if c.ops.match(key, slot) {
			return c.ops.value(slot), true
		}
		if i++; i == len(b.slots) {
			var zero Value
			return zero, false
		}
	}
}

func (c *sparse[Key, Loaded, Value, Slot]) PutIfSpaceReplace(key Key, val Value) (Value, bool) {
	var (
		index = c.bucketIndex(key)
		b     = c.bucketFor(index)
		fresh = c.ops.wrap(key, val)
	)
	i := 0
	for {
		slot := b.slots[i].Load()
		if slot == nil {
			for c.size.Load() <= c.capacity {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(index<<c.shift + i)
					c.size.Add(1)
					return val, true
				}
				witness := b.slots[i].Load()
				if witness == nil {
					continue
				}
				if c.ops.match(key, witness) {
					return c.ops.value(witness), true // A racing PUT won; keep it.
				}
				if i++; i == len(b.slots) {
					var zero Value
					return zero, false
				}
			}
			var zero Value
			return zero, false
		}
		if c.ops.match(key, slot) {
			if b.slots[i].CompareAndSwap(slot, fresh) {
				return val, true
			}
			if witness := b.slots[i].Load(); witness != nil && c.ops.match(key, witness) {
				return c.ops.value(witness), true
			}
		}
		if i++; i == len(b.slots) {
			var zero Value
			return zero, false
		}
	}
}

func (c *sparse[Key, Loaded, Value, Slot]) Remove(key Key) bool {
	var (
		index = c.bucketIndex(key)
		b     = c.bucketFor(index)
	)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		slot := b.slots[i].Load()
		if slot == nil {
			return false
		}
		if c.ops.match(key, slot) {
			c.size.Add(-1)
			c.compactFrom(b, index<<c.shift, i)
			return true
		}
	}
	return false
}

func (c *sparse[Key, Loaded, Value, Slot]) Clear() {
	c.clearMu.Lock()
	defer c.clearMu.Unlock()
	c.forEachBucket(func(b *bucket[Slot]) {
		for i := range b.slots {
			if old := b.slots[i].Swap(nil); old != nil {
				c.size.Add(-1)
			}
		}
	})
}

func (c *sparse[Key, Loaded, Value, Slot]) String() string {
	return fmt.Sprintf("collision.Cache{sparse, capacity=%d, strict=%t, size=%d, buckets=%d, bucketWidth=%d, %s}",
		c.capacity, c.strict, c.size.Load(), len(c.table), c.width, c.freq)
}
