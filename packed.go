package collision

import (
	"fmt"

	"github.com/comodal/go-collision/internal/counters"
)

// packed is the cache variant without a size or capacity guard:
// logical capacity is the table itself and a full bucket is the only
// trigger for an LFU swap.
type packed[Key comparable, Loaded, Value, Slot any] struct {
	core[Key, Loaded, Value, Slot]
}

func (c *packed[Key, Loaded, Value, Slot]) Get(key Key) (Value, bool, error) {
	return c.get(key, c.loadMap)
}

func (c *packed[Key, Loaded, Value, Slot]) GetWith(key Key, load Loader[Key, Value]) (Value, bool, error) {
	return c.get(key, load)
}

func (c *packed[Key, Loaded, Value, Slot]) GetAggressive(key Key) (Value, bool, error) {
	return c.getAggressive(key, c.load, c.mapTo)
}

func (c *packed[Key, Loaded, Value, Slot]) GetAggressiveWith(key Key, load Loader[Key, Loaded]) (Value, bool, error) {
	return c.getAggressive(key, load, c.mapTo)
}

func (c *packed[Key, Loaded, Value, Slot]) GetAggressiveMap(key Key, load Loader[Key, Loaded], mapTo Mapper[Key, Loaded, Value]) (Value, bool, error) {
	return c.getAggressive(key, load, mapTo)
}

func (c *packed[Key, Loaded, Value, Slot]) GetIfPresent(key Key) (Value, bool) {
	return c.getIfPresent(key)
}

func (c *packed[Key, Loaded, Value, Slot]) Replace(key Key, val Value) (Value, bool) {
	return c.replace(key, val)
}

func (c *packed[Key, Loaded, Value, Slot]) get(key Key, load Loader[Key, Value]) (Value, bool, error) {
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
// lock, then loads and installs per decayAndSwap. The double check
// helps prevent duplicate entries for a key.
func (c *packed[Key, Loaded, Value, Slot]) checkDecayAndSwap(offset int, b *bucket[Slot], key Key, load Loader[Key, Value]) (Value, bool, error) {
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
			fresh := c.ops.wrap(key, val)
			for i < len(b.slots) {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(offset + i)
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
			c.decayAndSwap(offset, offset+len(b.slots), b, c.ops.wrap(key, val))
			return val, true, nil
		}
	}
}

// checkDecayAndProbSwap re-checks for an existing entry behind the
// bucket lock while proactively tracking the minimum count for the
// swap, then loads and installs at the minimum.
func (c *packed[Key, Loaded, Value, Slot]) checkDecayAndProbSwap(offset int, b *bucket[Slot], key Key, load Loader[Key, Value]) (Value, bool, error) {
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
			fresh := c.ops.wrap(key, val)
			for i < len(b.slots) {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(offset + i)
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
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
			return val, true, nil
		}
	}
}

func (c *packed[Key, Loaded, Value, Slot]) getAggressive(key Key, load Loader[Key, Loaded], mapTo Mapper[Key, Loaded, Value]) (Value, bool, error) {
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
			val := mapTo(key, loaded)
			fresh := c.ops.wrap(key, val)
			for i < len(b.slots) {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(offset + i)
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

// probSwapValue installs an already-materialized value at the
// minimum-count slot behind the bucket lock. A null observed at slot 0
// is raced for directly; losing that tie breaker returns val uncached.
func (c *packed[Key, Loaded, Value, Slot]) probSwapValue(offset int, b *bucket[Slot], key Key, val Value) (Value, bool, error) {
	var (
		counterIndex    = offset
		minCounterIndex = offset
		minCount        = counters.Max
		fresh           *Slot
	)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; ; {
		slot := b.slots[i].Load()
		if slot == nil {
			fresh = c.ops.wrap(key, val)
			if i == 0 {
				for {
					if b.slots[0].CompareAndSwap(nil, fresh) {
						c.freq.Initialize(counterIndex)
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
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
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
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
			return val, true, nil
		}
	}
}

// probSwapLoaded is probSwapValue with the mapping deferred until a
// miss is definitive, so an existing entry skips the mapper entirely.
func (c *packed[Key, Loaded, Value, Slot]) probSwapLoaded(offset int, b *bucket[Slot], key Key, loaded Loaded, mapTo Mapper[Key, Loaded, Value]) (Value, bool, error) {
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
			val := mapTo(key, loaded)
			fresh := c.ops.wrap(key, val)
			if i == 0 {
				for {
					if b.slots[0].CompareAndSwap(nil, fresh) {
						c.freq.Initialize(counterIndex)
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
					return val, true, nil
				}
			}
			b.slots[minCounterIndex-offset].Store(fresh)
			c.freq.Initialize(minCounterIndex)
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
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
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
			return val, true, nil
		}
	}
}

func (c *packed[Key, Loaded, Value, Slot]) PutReplace(key Key, val Value) Value {
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
			for i < len(b.slots) {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(index<<c.shift + i)
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
		if slot != nil && c.ops.match(key, slot) {
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
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
			return val
		}
	}
}

func (c *packed[Key, Loaded, Value, Slot]) PutIfAbsent(key Key, val Value) Value {
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
			fresh = c.ops.wrap(key, val)
			for i < len(b.slots) {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(index<<c.shift + i)
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
		if slot != nil && c.ops.match(key, slot) {
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
			c.freq.DecaySkip(offset, counterIndex, minCounterIndex)
			return val
		}
	}
}

func (c *packed[Key, Loaded, Value, Slot]) PutIfSpaceAbsent(key Key, val Value) (Value, bool) {
	var (
		index = c.bucketIndex(key)
		b     = c.bucketFor(index)
	)
	i := 0
	for {
		slot := b.slots[i].Load()
		if slot == nil {
			fresh := c.ops.wrap(key, val)
			for i < len(b.slots) {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(index<<c.shift + i)
					return val, true
				}
				witness := b.slots[i].Load()
				if witness == nil {
					continue
				}
				if c.ops.match(key, witness) {
					return c.ops.value(witness), true
				}
				i++
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

func (c *packed[Key, Loaded, Value, Slot]) PutIfSpaceReplace(key Key, val Value) (Value, bool) {
	var (
		index = c.bucketIndex(key)
		b     = c.bucketFor(index)
		fresh = c.ops.wrap(key, val)
	)
	i := 0
	for {
		slot := b.slots[i].Load()
		if slot == nil {
			for i < len(b.slots) {
				if b.slots[i].CompareAndSwap(nil, fresh) {
					c.freq.Initialize(index<<c.shift + i)
					return val, true
				}
				witness := b.slots[i].Load()
				if witness == nil {
					continue
				}
				if c.ops.match(key, witness) {
					return c.ops.value(witness), true // A racing PUT won; keep it.
				}
				i++
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

func (c *packed[Key, Loaded, Value, Slot]) Remove(key Key) bool {
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
			c.compactFrom(b, index<<c.shift, i)
			return true
		}
	}
	return false
}

func (c *packed[Key, Loaded, Value, Slot]) Clear() {
	c.forEachBucket(func(b *bucket[Slot]) {
		for i := range b.slots {
			b.slots[i].Store(nil)
		}
	})
}

func (c *packed[Key, Loaded, Value, Slot]) String() string {
	return fmt.Sprintf("collision.Cache{packed, buckets=%d, bucketWidth=%d, %s}",
		len(c.table), c.width, c.freq)
}
