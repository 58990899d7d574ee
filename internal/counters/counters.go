// Package counters implements a fixed array of atomic 8-bit logarithmic
// frequency counters, adapted for approximate-LFU bookkeeping.
package counters

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"sync/atomic"
)

// Max is the saturation point of a counter.
const Max = 0xff

const (
	byteShift = 3 // log2 bits per counter
	wordBytes = 4
)

// Log is an array of 8-bit counters whose values grow
// logarithmically with the number of [Log.Increment] calls.
// Counters are packed four per word; every mutation is a CAS on the
// containing word so that neighbouring counters are never clobbered,
// even when a hash bucket narrower than a word shares its word with
// another bucket.
//
// Aside from [Log.Increment], callers are expected to serialize
// writers of a given counter range externally (the cache does so behind
// its per-bucket lock). Concurrent increments from readers may be lost
// ("counter misses"); that is part of the approximation.
type Log struct {
	words      []atomic.Uint32
	thresholds []float64
	length     int
	initial    uint32
}

// NewLog returns counters for indices [0, numCounters).
//
// initialCount is the value published by [Log.Initialize] and must be
// in [0, 32]; maxCount shapes the increment-probability curve and must
// be at least 256. Both are validated by the cache builder before they
// reach this constructor.
func NewLog(numCounters, initialCount, maxCount int) *Log {
	var (
		shift      = logFactorShift(maxCount)
		words      = make([]atomic.Uint32, (numCounters+wordBytes-1)/wordBytes)
		thresholds = make([]float64, Max)
	)
	thresholds[0] = 1.0
	for i := 1; i < Max; i++ {
		thresholds[i] = 1.0 / float64(uint64(i)<<shift)
	}
	return &Log{
		words:      words,
		thresholds: thresholds,
		length:     numCounters,
		initial:    uint32(initialCount),
	}
}

// logFactorShift is used by [Log.Increment] as a multiplication factor
// (expressed as a bit shift) to decrease the probability of an
// increment as a counter grows. The factor is the next power of two of
// maxCount divided by 32768 (256^2 / 2), which causes a counter to
// reach [Max] after roughly maxCount increments.
func logFactorShift(maxCount int) uint {
	return uint(bits.TrailingZeros32(highestOneBit(maxCount-1) >> 14))
}

func highestOneBit(x int) uint32 {
	if x <= 0 {
		return 0
	}
	return 1 << (bits.Len32(uint32(x)) - 1)
}

// Len returns the number of counters.
func (l *Log) Len() int { return l.length }

// Get returns the current count at index, in [0, Max].
func (l *Log) Get(index int) int {
	word := l.words[index>>2].Load()
	return int(word>>l.shiftOf(index)) & Max
}

// Set publishes the low eight bits of count at index.
func (l *Log) Set(index, count int) {
	l.setByte(index, uint32(count)&Max)
}

// Initialize publishes the configured initial count at index.
// Called when a new value is installed in the slot this counter backs.
func (l *Log) Initialize(index int) {
	l.setByte(index, l.initial)
}

func (l *Log) shiftOf(index int) uint {
	return uint(index&(wordBytes-1)) << byteShift
}

func (l *Log) setByte(index int, count uint32) {
	var (
		word  = &l.words[index>>2]
		shift = l.shiftOf(index)
		mask  = uint32(Max) << shift
	)
	for {
		old := word.Load()
		if word.CompareAndSwap(old, old&^mask|count<<shift) {
			return
		}
	}
}

// Increment probabilistically bumps the counter at index.
//
// Counts at or below the initial count are incremented unconditionally.
// Above that floor the probability of an increment decays at a rate of
// 1 / (count << logFactorShift), so the counter saturates at [Max]
// after roughly maxCount calls. A saturated counter is left untouched.
func (l *Log) Increment(index int) {
	var (
		word  = &l.words[index>>2]
		shift = l.shiftOf(index)
		mask  = uint32(Max) << shift
	)
	witness := word.Load()
	count := witness >> shift & Max
	if count == Max {
		return
	}
	for count <= l.initial {
		if word.CompareAndSwap(witness, witness&^mask|(count+1)<<shift) {
			return
		}
		witness = word.Load()
		if count = witness >> shift & Max; count == Max {
			return
		}
	}
	if l.thresholds[count] < rand.Float64() {
		return
	}
	for {
		if word.CompareAndSwap(witness, witness&^mask|(count+1)<<shift) {
			return
		}
		witness = word.Load()
		if count = witness >> shift & Max; count == Max {
			return
		}
	}
}

// Decay halves every counter in [from, to). Zero counts are skipped.
// Increments racing the read-modify-write may be lost.
func (l *Log) Decay(from, to int) {
	for index := from; index < to; index++ {
		count := l.Get(index)
		if count == 0 {
			continue
		}
		l.Set(index, count>>1)
	}
}

// DecaySkip halves every counter in [from, skip) and (skip, to),
// leaving the counter at skip (a freshly installed entry) untouched.
func (l *Log) DecaySkip(from, to, skip int) {
	l.Decay(from, skip)
	l.Decay(skip+1, to)
}

func (l *Log) String() string {
	return fmt.Sprintf("counters.Log{len=%d, initial=%d}", l.length, l.initial)
}
