package collision

type (
	// Hash computes a table index hash for a key. The result is masked
	// against (bucketCount - 1); tables are always a power of two long,
	// so any well-mixed 64-bit hash is safe.
	Hash[Key comparable] func(key Key) uint64

	// ValForKey reports whether val is the cached value for key.
	// It stands in for key equality in caches that do not store keys.
	ValForKey[Key comparable, Value any] func(key Key, val Value) bool

	// Loader fetches the value for key on a cache miss.
	// ok reports whether a value exists; a miss is not cached.
	// An error propagates unchanged to the caller and caches nothing.
	Loader[Key comparable, Loaded any] func(key Key) (loaded Loaded, ok bool, err error)

	// Mapper converts a loaded value into the cached value type.
	// It is invoked only after a definitive miss, so expensive final
	// parsing can be deferred until it is actually needed.
	// Mappers are applied to values a Loader reported ok for.
	Mapper[Key comparable, Loaded, Value any] func(key Key, loaded Loaded) Value
)

// Cache is a concurrent, bounded, in-memory associative cache with
// approximate-LFU eviction. Constructed by [Builder.BuildSparse] or
// [Builder.BuildPacked]; see the package documentation for the layout
// and concurrency contract.
//
// All methods are safe for concurrent use.
type Cache[Key comparable, Value any] interface {
	// Get returns the existing value for key, otherwise it loads one
	// via the registered loader and fills it into a null slot or swaps
	// it with the least frequently used value within its hash bucket.
	// Calls to the loader are synchronized behind the hash bucket for
	// this key. Without a registered loader Get reports a plain miss.
	Get(key Key) (Value, bool, error)

	// GetWith behaves like Get using the given loader
	// in place of the registered one.
	GetWith(key Key, load Loader[Key, Value]) (Value, bool, error)

	// GetAggressive behaves like Get except that calls to the loader
	// are NOT synchronized: the value is loaded outside of any lock and
	// installed with a compare-and-swap. Concurrent misses for the same
	// key may each invoke the loader.
	GetAggressive(key Key) (Value, bool, error)

	// GetIfPresent returns the existing value for key, or a miss.
	// It never loads.
	GetIfPresent(key Key) (Value, bool)

	// PutReplace places val into the cache unless strictly over
	// capacity with no slot to swap. In race conditions occurring after
	// entry to this call another value may win for this key and is
	// returned; the returned value is the one in the cache after this
	// call (or val itself when it could not be stored).
	PutReplace(key Key, val Value) Value

	// Replace swaps val in place of the existing value for key.
	// Without an existing entry it reports false and inserts nothing.
	Replace(key Key, val Value) (Value, bool)

	// PutIfAbsent places val into the cache unless a value for this
	// key already exists (which is then returned) or the cache is
	// strictly over capacity with no slot to swap.
	PutIfAbsent(key Key, val Value) Value

	// PutIfSpaceAbsent places val only if a free under-capacity slot
	// exists in its hash bucket and no value for this key exists.
	// It avoids all locking and never displaces another value.
	PutIfSpaceAbsent(key Key, val Value) (Value, bool)

	// PutIfSpaceReplace behaves like PutIfSpaceAbsent except that an
	// existing value for this key is replaced.
	PutIfSpaceReplace(key Key, val Value) (Value, bool)

	// Remove deletes any entry for key, compacting its hash bucket,
	// and reports whether an entry was found.
	Remove(key Key) bool

	// Clear nulls every slot of the hash table.
	// Concurrent readers observe no ordering guarantee beyond
	// "eventually empty".
	Clear()
}

// LoadingCache is a [Cache] whose loader produces an intermediate
// loaded type which a registered [Mapper] converts to the value type.
// Constructed via [WithLoader].
type LoadingCache[Key comparable, Loaded, Value any] interface {
	Cache[Key, Value]

	// GetAggressiveWith behaves like [Cache.GetAggressive] using the
	// given loader with the registered mapper.
	GetAggressiveWith(key Key, load Loader[Key, Loaded]) (Value, bool, error)

	// GetAggressiveMap behaves like [Cache.GetAggressive] using the
	// given loader and mapper.
	GetAggressiveMap(key Key, load Loader[Key, Loaded], mapTo Mapper[Key, Loaded, Value]) (Value, bool, error)
}
