package collision

type (
	// keyVal is the slot shape used by caches that store keys.
	// Both fields are immutable once the entry is published.
	keyVal[Key comparable, Value any] struct {
		key Key
		val Value
	}
	// slotOps are the shape capabilities captured at build time.
	// They are the only place the engine distinguishes entry slots
	// from bare value slots.
	slotOps[Key comparable, Value, Slot any] struct {
		// match reports whether the (non-nil) slot holds the value
		// for key: key equality for entry slots, the user predicate
		// for value slots.
		match func(key Key, slot *Slot) bool
		// value extracts the cached value from a non-nil slot.
		value func(slot *Slot) Value
		// wrap allocates the slot to publish for (key, val).
		wrap func(key Key, val Value) *Slot
	}
)

func entryOps[Key comparable, Value any]() slotOps[Key, Value, keyVal[Key, Value]] {
	return slotOps[Key, Value, keyVal[Key, Value]]{
		match: func(key Key, slot *keyVal[Key, Value]) bool {
			return key == slot.key
		},
		value: func(slot *keyVal[Key, Value]) Value {
			return slot.val
		},
		wrap: func(key Key, val Value) *keyVal[Key, Value] {
			return &keyVal[Key, Value]{key: key, val: val}
		},
	}
}

func valueOps[Key comparable, Value any](isValForKey ValForKey[Key, Value]) slotOps[Key, Value, Value] {
	return slotOps[Key, Value, Value]{
		match: func(key Key, slot *Value) bool {
			return isValForKey(key, *slot)
		},
		value: func(slot *Value) Value {
			return *slot
		},
		wrap: func(_ Key, val Value) *Value {
			return &val
		},
	}
}
