// Package collision implements a concurrent, bounded, in-memory
// [Cache] keyed by fixed-width hash-bucket collisions with an
// approximate-LFU eviction policy.
//
// Two coupled design choices define the engine: buckets are small
// fixed-width slot arrays (the slot, not the table, is the unit of
// eviction), and every slot is backed by an 8-bit probabilistic
// logarithmic frequency counter driving swap decisions. Reads are
// lock-free; writers take a per-bucket lock only to decay counters and
// swap the least frequently used slot, and to compact a bucket on
// Remove. There is no global LRU/LFU list.
//
// Glossary and invariants:
//
//   - Bucket
//
//     A fixed-width (power of two) array of slots; the unit of locking
//     and eviction. Bucket count is a power of two, so table indexing
//     is hash & (buckets - 1).
//
//   - Slot
//
//     One cell of a bucket: nil, or a published value/entry. Caches
//     built with StoreKeys hold (key, value) entries; caches built
//     with IsValForKey hold bare values recognised by the predicate.
//     Live slots form a contiguous prefix at steady state; reads stop
//     at the first nil.
//
//   - Counter
//
//     One byte per slot, an approximate logarithmic access count in
//     [0, 255]. Bumped probabilistically on every read hit, so the
//     increment probability decreases as the count grows.
//
//   - Decay
//
//     Halving every counter in a bucket range, performed on every
//     swap. Entries must keep earning their keep.
//
//   - Swap
//
//     Overwriting the minimum-count slot with a new value and
//     resetting its counter to the configured initial count.
//
//   - Drop (compact)
//
//     Shifting later live slots one index lower to restore
//     prefix-contiguity after an eviction or removal.
//
//   - Packed
//
//     The variant without a size or capacity guard; bucket fill is
//     the only limit and the logical capacity is the table itself.
//
//   - Sparse
//
//     The variant that tracks an atomic size against a real capacity,
//     backed by a table over-provisioned by the sparse factor.
//     Strict mode refuses first-slot inserts once over capacity.
//
// Concurrency contract:
//
//   - All methods are safe from any goroutine. Slot reads and
//     speculative inserts are atomic loads and CASes on the slot
//     array; only the decay/swap path and Remove take the per-bucket
//     lock, and sparse Clear serializes behind a table-wide lock.
//     Different buckets never block one another.
//
//   - Outside the lock a read observes some prior publication of that
//     slot but may be reordered relative to the size count and to
//     neighbouring slots. Treat sizes as approximations, expect rare
//     duplicate installs (pruned later as least frequently used), and
//     tolerate brief windows where a removed key is still visible
//     while a neighbour shift is in progress.
//
//   - Loaders may block arbitrarily. Get serializes loads behind the
//     bucket lock; GetAggressive loads outside of any lock and may
//     recompute under contention.
package collision
