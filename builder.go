package collision

import (
	"hash/maphash"
	"math/bits"

	"github.com/cespare/xxhash/v2"
	"github.com/comodal/go-collision/internal/counters"
)

// Defaults applied by [WithCapacity].
const (
	DefaultSparseBucketSize = 4
	DefaultPackedBucketSize = 8
	DefaultInitCount        = 5
	DefaultMaxCounterVal    = 1 << 20
	// DefaultSparseFactor multiplies the desired capacity to determine
	// the backing table length of sparse caches. Increase to reduce
	// collisions; consider [Builder.LazyInitBuckets] alongside large
	// factors to avoid unnecessary bucket allocation.
	DefaultSparseFactor = 3.0
)

// Builder configures and constructs [Cache] values; obtain one from
// [WithCapacity]. Setters return the receiver for chaining.
// All validation happens at build.
type Builder[Key comparable, Value any] struct {
	hash          Hash[Key]
	isValForKey   ValForKey[Key, Value]
	load          Loader[Key, Value]
	capacity      int
	bucketSize    int
	initCount     int
	maxCounterVal int
	sparseFactor  float64
	strict        bool
	storeKeys     bool
	lazyInit      bool
}

// WithCapacity begins building a cache able to hold capacity entries:
// the entry budget tracked by sparse caches (a hard bound only with
// [Builder.StrictCapacity]), the table size hint for packed.
func WithCapacity[Key comparable, Value any](capacity int) *Builder[Key, Value] {
	return &Builder[Key, Value]{
		capacity:      capacity,
		initCount:     DefaultInitCount,
		maxCounterVal: DefaultMaxCounterVal,
		sparseFactor:  DefaultSparseFactor,
		storeKeys:     true,
	}
}

// BucketSize sets the number of slots per hash bucket,
// rounded up to the next power of two. Must be within [1, 256].
func (b *Builder[Key, Value]) BucketSize(bucketSize int) *Builder[Key, Value] {
	b.bucketSize = bucketSize
	return b
}

// InitCount sets the counter value published alongside a newly
// installed entry, a freshness floor: reads bump a count at or below it
// unconditionally, and each swap in the bucket halves it (the default
// of 5 reaches zero after three unread halvings). Must be within
// [0, 32]; larger floors are pointless.
func (b *Builder[Key, Value]) InitCount(initCount int) *Builder[Key, Value] {
	b.initCount = initCount
	return b
}

// MaxCounterVal shapes the increment-probability curve: a counter
// saturates after roughly this many hits. Must be at least 256.
func (b *Builder[Key, Value]) MaxCounterVal(maxCounterVal int) *Builder[Key, Value] {
	b.maxCounterVal = maxCounterVal
	return b
}

// StrictCapacity makes sparse caches refuse inserts into the first
// collision slot once over capacity, trading hit rate for a hard
// bound. Packed caches ignore it.
func (b *Builder[Key, Value]) StrictCapacity(strict bool) *Builder[Key, Value] {
	b.strict = strict
	return b
}

// StoreKeys controls whether slots hold (key, value) entries or bare
// values. Storing bare values frees their space for more capacity but
// requires [Builder.IsValForKey] to recognise values.
func (b *Builder[Key, Value]) StoreKeys(storeKeys bool) *Builder[Key, Value] {
	b.storeKeys = storeKeys
	return b
}

// LazyInitBuckets delays bucket allocation until first access.
func (b *Builder[Key, Value]) LazyInitBuckets(lazy bool) *Builder[Key, Value] {
	b.lazyInit = lazy
	return b
}

// SparseFactor over-provisions the sparse backing table relative to
// capacity. Values below 1.0 are clamped to 1.0.
// Packed caches ignore it.
func (b *Builder[Key, Value]) SparseFactor(sparseFactor float64) *Builder[Key, Value] {
	b.sparseFactor = sparseFactor
	return b
}

// HashCoder sets the table index hash. The hash is masked against
// (bucketCount - 1); any well-mixed 64-bit hash is safe. Defaults to
// [XXHashString] for string keys and a maphash for everything else.
func (b *Builder[Key, Value]) HashCoder(hash Hash[Key]) *Builder[Key, Value] {
	b.hash = hash
	return b
}

// IsValForKey provides the value↔key predicate and implies
// StoreKeys(false): not storing keys is the primary motivation of a
// collision cache, allowing more capacity from the same memory.
func (b *Builder[Key, Value]) IsValForKey(isValForKey ValForKey[Key, Value]) *Builder[Key, Value] {
	b.isValForKey = isValForKey
	b.storeKeys = false
	return b
}

// Loader registers the loader used by [Cache.Get] and
// [Cache.GetAggressive] to initialize missing values. For loaders
// producing an intermediate type, see [WithLoader].
func (b *Builder[Key, Value]) Loader(load Loader[Key, Value]) *Builder[Key, Value] {
	b.load = load
	return b
}

// BuildSparse builds a cache that tracks its entry count against
// capacity while keeping the backing table over-provisioned by the
// sparse factor.
func (b *Builder[Key, Value]) BuildSparse() (Cache[Key, Value], error) {
	return buildSparse(b.settings(), b.loadOrMiss(), identityMapper[Key, Value]())
}

// BuildPacked builds a cache whose only bound is the table itself:
// no entry count, a full bucket is the only eviction trigger.
func (b *Builder[Key, Value]) BuildPacked() (Cache[Key, Value], error) {
	return buildPacked(b.settings(), b.loadOrMiss(), identityMapper[Key, Value]())
}

func (b *Builder[Key, Value]) loadOrMiss() Loader[Key, Value] {
	if b.load != nil {
		return b.load
	}
	return func(Key) (Value, bool, error) {
		var zero Value
		return zero, false, nil
	}
}

func identityMapper[Key comparable, Value any]() Mapper[Key, Value, Value] {
	return func(_ Key, loaded Value) Value { return loaded }
}

// LoadingBuilder continues a [Builder] whose loader produces an
// intermediate loaded type; obtain one from [WithLoader].
type LoadingBuilder[Key comparable, Loaded, Value any] struct {
	builder *Builder[Key, Value]
	load    Loader[Key, Loaded]
	mapTo   Mapper[Key, Loaded, Value]
}

// WithLoader registers a loader together with the mapper converting
// its loaded type to the cached value type. The mapper is separated
// out so final processing is deferred until it is actually needed; it
// is never passed a value the loader did not report ok for.
//
// A method cannot introduce the Loaded type parameter,
// hence the free function.
func WithLoader[Key comparable, Loaded, Value any](
	builder *Builder[Key, Value],
	load Loader[Key, Loaded],
	mapTo Mapper[Key, Loaded, Value],
) *LoadingBuilder[Key, Loaded, Value] {
	return &LoadingBuilder[Key, Loaded, Value]{
		builder: builder,
		load:    load,
		mapTo:   mapTo,
	}
}

// BucketSize sets the number of slots per hash bucket.
func (b *LoadingBuilder[Key, Loaded, Value]) BucketSize(bucketSize int) *LoadingBuilder[Key, Loaded, Value] {
	b.builder.BucketSize(bucketSize)
	return b
}

// InitCount sets the counter value published alongside a new entry.
func (b *LoadingBuilder[Key, Loaded, Value]) InitCount(initCount int) *LoadingBuilder[Key, Loaded, Value] {
	b.builder.InitCount(initCount)
	return b
}

// MaxCounterVal shapes the increment-probability curve.
func (b *LoadingBuilder[Key, Loaded, Value]) MaxCounterVal(maxCounterVal int) *LoadingBuilder[Key, Loaded, Value] {
	b.builder.MaxCounterVal(maxCounterVal)
	return b
}

// StrictCapacity makes sparse caches refuse first-slot inserts once
// over capacity.
func (b *LoadingBuilder[Key, Loaded, Value]) StrictCapacity(strict bool) *LoadingBuilder[Key, Loaded, Value] {
	b.builder.StrictCapacity(strict)
	return b
}

// StoreKeys controls whether slots hold (key, value) entries.
func (b *LoadingBuilder[Key, Loaded, Value]) StoreKeys(storeKeys bool) *LoadingBuilder[Key, Loaded, Value] {
	b.builder.StoreKeys(storeKeys)
	return b
}

// LazyInitBuckets delays bucket allocation until first access.
func (b *LoadingBuilder[Key, Loaded, Value]) LazyInitBuckets(lazy bool) *LoadingBuilder[Key, Loaded, Value] {
	b.builder.LazyInitBuckets(lazy)
	return b
}

// SparseFactor over-provisions the sparse backing table.
func (b *LoadingBuilder[Key, Loaded, Value]) SparseFactor(sparseFactor float64) *LoadingBuilder[Key, Loaded, Value] {
	b.builder.SparseFactor(sparseFactor)
	return b
}

// HashCoder sets the table index hash.
func (b *LoadingBuilder[Key, Loaded, Value]) HashCoder(hash Hash[Key]) *LoadingBuilder[Key, Loaded, Value] {
	b.builder.HashCoder(hash)
	return b
}

// IsValForKey provides the value↔key predicate
// and implies StoreKeys(false).
func (b *LoadingBuilder[Key, Loaded, Value]) IsValForKey(isValForKey ValForKey[Key, Value]) *LoadingBuilder[Key, Loaded, Value] {
	b.builder.IsValForKey(isValForKey)
	return b
}

// BuildSparse builds the size-tracking cache variant.
func (b *LoadingBuilder[Key, Loaded, Value]) BuildSparse() (LoadingCache[Key, Loaded, Value], error) {
	return buildSparse(b.builder.settings(), b.load, b.mapTo)
}

// BuildPacked builds the table-bounded cache variant.
func (b *LoadingBuilder[Key, Loaded, Value]) BuildPacked() (LoadingCache[Key, Loaded, Value], error) {
	return buildPacked(b.builder.settings(), b.load, b.mapTo)
}

// settings is the builder state snapshot consumed by the build funcs.
type settings[Key comparable, Value any] struct {
	hash          Hash[Key]
	isValForKey   ValForKey[Key, Value]
	capacity      int
	bucketSize    int
	initCount     int
	maxCounterVal int
	sparseFactor  float64
	strict        bool
	storeKeys     bool
	lazyInit      bool
}

func (b *Builder[Key, Value]) settings() settings[Key, Value] {
	return settings[Key, Value]{
		hash:          b.hash,
		isValForKey:   b.isValForKey,
		capacity:      b.capacity,
		bucketSize:    b.bucketSize,
		initCount:     b.initCount,
		maxCounterVal: b.maxCounterVal,
		sparseFactor:  b.sparseFactor,
		strict:        b.strict,
		storeKeys:     b.storeKeys,
		lazyInit:      b.lazyInit,
	}
}

func (cfg *settings[Key, Value]) validate() error {
	if cfg.capacity < 1 {
		return capacityError(cfg.capacity)
	}
	if cfg.bucketSize != 0 &&
		(cfg.bucketSize < 1 || cfg.bucketSize > 256) {
		return bucketSizeError(cfg.bucketSize)
	}
	if cfg.initCount < 0 || cfg.initCount > 32 {
		return initCountError(cfg.initCount)
	}
	if cfg.maxCounterVal < 256 {
		return maxCounterValError(cfg.maxCounterVal)
	}
	if !cfg.storeKeys && cfg.isValForKey == nil {
		return valuePredicateError()
	}
	return nil
}

func (cfg *settings[Key, Value]) bucketSizeOr(fallback int) int {
	if cfg.bucketSize > 0 {
		return cfg.bucketSize
	}
	return fallback
}

func (cfg *settings[Key, Value]) hashOrDefault() Hash[Key] {
	if cfg.hash != nil {
		return cfg.hash
	}
	return defaultHash[Key]()
}

// XXHashString is the default [Hash] for string keys.
func XXHashString(key string) uint64 { return xxhash.Sum64String(key) }

func defaultHash[Key comparable]() Hash[Key] {
	if h, ok := any(Hash[string](XXHashString)).(Hash[Key]); ok {
		return h
	}
	seed := maphash.MakeSeed()
	return func(key Key) uint64 { return maphash.Comparable(seed, key) }
}

func buildSparse[Key comparable, Loaded, Value any](
	cfg settings[Key, Value],
	load Loader[Key, Loaded],
	mapTo Mapper[Key, Loaded, Value],
) (LoadingCache[Key, Loaded, Value], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var (
		width    = nextPow2(cfg.bucketSizeOr(DefaultSparseBucketSize))
		factor   = max(cfg.sparseFactor, 1.0)
		tableLen = tableLength(int(float64(cfg.capacity)*factor), width)
	)
	if cfg.storeKeys {
		c := &sparse[Key, Loaded, Value, keyVal[Key, Value]]{
			capacity: int64(cfg.capacity),
			strict:   cfg.strict,
		}
		initCore(&c.core, cfg, entryOps[Key, Value](), tableLen, width, load, mapTo)
		return c, nil
	}
	c := &sparse[Key, Loaded, Value, Value]{
		capacity: int64(cfg.capacity),
		strict:   cfg.strict,
	}
	initCore(&c.core, cfg, valueOps(cfg.isValForKey), tableLen, width, load, mapTo)
	return c, nil
}

func buildPacked[Key comparable, Loaded, Value any](
	cfg settings[Key, Value],
	load Loader[Key, Loaded],
	mapTo Mapper[Key, Loaded, Value],
) (LoadingCache[Key, Loaded, Value], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var (
		width    = nextPow2(cfg.bucketSizeOr(DefaultPackedBucketSize))
		tableLen = tableLength(cfg.capacity, width)
	)
	if cfg.storeKeys {
		c := new(packed[Key, Loaded, Value, keyVal[Key, Value]])
		initCore(&c.core, cfg, entryOps[Key, Value](), tableLen, width, load, mapTo)
		return c, nil
	}
	c := new(packed[Key, Loaded, Value, Value])
	initCore(&c.core, cfg, valueOps(cfg.isValForKey), tableLen, width, load, mapTo)
	return c, nil
}

func initCore[Key comparable, Loaded, Value, Slot any](
	c *core[Key, Loaded, Value, Slot],
	cfg settings[Key, Value],
	ops slotOps[Key, Value, Slot],
	tableLen, width int,
	load Loader[Key, Loaded],
	mapTo Mapper[Key, Loaded, Value],
) {
	shift := uint(bits.TrailingZeros32(uint32(width)))
	c.table = make([]atomicBucket[Slot], tableLen)
	if !cfg.lazyInit {
		for i := range c.table {
			c.table[i].Store(newBucket[Slot](width))
		}
	}
	c.freq = counters.NewLog(tableLen<<shift, cfg.initCount, cfg.maxCounterVal)
	c.hash = cfg.hashOrDefault()
	c.ops = ops
	c.load = load
	c.mapTo = mapTo
	c.loadMap = func(key Key) (Value, bool, error) {
		loaded, ok, err := load(key)
		if err != nil || !ok {
			var zero Value
			return zero, false, err
		}
		return mapTo(key, loaded), true, nil
	}
	c.mask = uint64(tableLen - 1)
	c.shift = shift
	c.width = width
	c.lazy = cfg.lazyInit
}

// tableLength converts a raw table size into a power-of-two bucket
// count of at least one bucket: pow2ceil(size) / width.
func tableLength(size, width int) int {
	if length := nextPow2(size) / width; length > 1 {
		return length
	}
	return 1
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	return 1 << bits.Len32(uint32(x-1))
}
