// Copyright 2024 The densemap Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package densemap is a Go implementation of a hash table that combines
// open addressing with dense entry storage. If you're not familiar with
// open-addressing see https://en.wikipedia.org/wiki/Open_addressing.
//
// # Layout
//
// A Map keeps its entries in a single contiguous array (the dense array)
// with no gaps: the array's length is exactly the number of entries in
// the map. Collision resolution happens in a separate sparse slot array
// of capacity m >= 1 where each cell holds either an index into the
// dense array, an empty marker, or a deletion tombstone. A third array
// maps each dense index back to the slot holding it, which is what makes
// deletion O(1): the bookkeeping for a moved entry can be repaired
// without re-probing.
//
// Probing is plain linear probing: a lookup for key starts at
// hash(key) mod m and advances one slot at a time, wrapping at the end
// of the slot array, until it finds an empty cell (key absent) or an
// occupied cell holding the key. Tombstones are skipped, not treated as
// terminators; stopping at one would lose every key whose probe chain
// passes through a deleted slot.
//
// # Resizing
//
// The slot array never resizes in place. Instead the whole table is
// periodically rebuilt: a fresh slot array of capacity 4n+1 is allocated
// (n being the current entry count) and every entry is reinserted
// through the normal insertion path. A rebuild is triggered on the way
// up when the number of insertions since the last rebuild reaches half
// the capacity, and on the way down when a deletion leaves the capacity
// more than 8x the entry count. Counting insertions rather than live
// entries is deliberate: tombstones are never reused for insertion, so
// the insert counter is exactly the number of non-empty cells, and
// bounding it bounds probe length. See [Map.Stats] for observing the
// physical layout.
//
// # Iteration
//
// Iteration walks the dense array directly, which makes it as cheap as
// ranging over a slice and independent of the slot capacity. The order
// is insertion order, except that deleting an entry moves the current
// last entry into the vacated position. Callers that need a stable
// order across deletions should sort.
//
// A Map is NOT goroutine-safe.
package densemap

import (
	"errors"
	"fmt"
	"hash/maphash"
	"strings"
)

const (
	debug = false

	// density bounds the load factor: a rebuild is triggered once the
	// number of insertions since the last rebuild reaches
	// capacity/density.
	density = 2
	// sizeFactor scales the slot array relative to the entry count when
	// rebuilding: the new capacity is n*sizeFactor+1.
	sizeFactor = density * density

	slotEmpty   = -1
	slotDeleted = -2
)

// ErrKeyNotFound is returned by At when the map holds no entry for the
// queried key.
var ErrKeyNotFound = errors.New("densemap: key not found")

// Pair holds a key and value.
type Pair[K comparable, V any] struct {
	Key   K
	Value V
}

// Map is a map from keys to values with Put, Get, Delete, and All
// operations. Unlike Go's builtin map it stores its entries densely,
// iterates in (deletion-perturbed) insertion order, and hands out
// references to stored values via Find and Index. By default a Map[K,V]
// hashes with hash/maphash, though a different hash function can be
// specified using the WithHash option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K.
	hash func(K) uint64
	// The allocator to use for the entries, place, and revPlace slices.
	allocator Allocator[K, V]
	// entries is the dense array of live entries. Its length is the size
	// of the map. An entry's index changes over its lifetime: deletion
	// moves the last entry into the deleted entry's position, and a
	// rebuild reassigns every slot.
	entries []Pair[K, V]
	// place maps each probing slot to an index into entries, or holds
	// slotEmpty or slotDeleted. len(place) is the capacity m.
	place []int
	// revPlace[i] is the slot in place currently holding dense index i,
	// for i < len(entries). place and revPlace are mutual inverses
	// restricted to occupied slots.
	revPlace []int
	// inserts counts insertions since the last rebuild, including the
	// reinsertion pass of the rebuild itself. Because tombstones are
	// never reused, inserts equals the number of non-empty slots.
	inserts int
}

// New constructs a new Map with the specified initial capacity. If
// initialCapacity is 0 the map starts out with capacity for a single
// slot and grows on the first insert. Presizing for n guarantees that n
// insertions trigger no rebuild.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		allocator: defaultAllocator[K, V]{},
	}

	for _, op := range options {
		op.apply(m)
	}

	if m.hash == nil {
		seed := maphash.MakeSeed()
		m.hash = func(key K) uint64 {
			return maphash.Comparable(seed, key)
		}
	}

	m.rebuild(initialCapacity)
	m.checkInvariants()
	return m
}

// NewFromPairs constructs a Map holding the supplied pairs. A key
// appearing more than once keeps the value from its first occurrence,
// consistent with Put's no-overwrite policy.
func NewFromPairs[K comparable, V any](pairs []Pair[K, V], options ...option[K, V]) *Map[K, V] {
	m := New[K, V](len(pairs), options...)
	for i := range pairs {
		m.Put(pairs[i].Key, pairs[i].Value)
	}
	return m
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default
// allocator. It is invalid to use a Map after it has been closed, though
// Close itself is idempotent.
func (m *Map[K, V]) Close() {
	if m.allocator == nil {
		return
	}
	if m.place != nil {
		m.allocator.FreeSlots(m.place)
		m.allocator.FreeSlots(m.revPlace)
	}
	if m.entries != nil {
		m.allocator.FreeEntries(m.entries)
	}
	m.entries, m.place, m.revPlace = nil, nil, nil
	m.allocator = nil
}

// Put inserts an entry into the map if no entry with the same key
// exists, and reports whether it did. Put never overwrites: the value
// stored by the first insertion of a key is retained until the key is
// deleted. Use Index to obtain a mutable reference to a stored value.
func (m *Map[K, V]) Put(key K, value V) bool {
	slot := m.findSlot(key)
	if m.place[slot] != slotEmpty {
		if debug {
			fmt.Printf("put(%v): existing at slot %d\n", key, slot)
		}
		return false
	}
	m.add(slot, key, value)
	m.checkInvariants()
	return true
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	// findSlot only ever returns an empty slot or the occupied slot
	// holding key, so a non-empty result is a hit.
	if p := m.place[m.findSlot(key)]; p != slotEmpty {
		return m.entries[p].Value, true
	}
	return value, false
}

// Find returns a pointer to the value stored for key, or ok=false if the
// key is not present. The pointer is valid only until the next mutating
// call: an insert or delete may move entries within the dense array or
// rebuild the table.
func (m *Map[K, V]) Find(key K) (value *V, ok bool) {
	if p := m.place[m.findSlot(key)]; p != slotEmpty {
		return &m.entries[p].Value, true
	}
	return nil, false
}

// At returns the value stored for key. Unlike Index it never inserts: a
// missing key yields ErrKeyNotFound.
func (m *Map[K, V]) At(key K) (V, error) {
	if p := m.place[m.findSlot(key)]; p != slotEmpty {
		return m.entries[p].Value, nil
	}
	var zero V
	return zero, ErrKeyNotFound
}

// Index returns a pointer to the value stored for key, inserting the
// zero value first if the key is absent. It is the analogue of indexing
// a builtin map on the left-hand side of an assignment. Like Find's, the
// returned pointer is valid only until the next mutating call.
func (m *Map[K, V]) Index(key K) *V {
	slot := m.findSlot(key)
	if m.place[slot] == slotEmpty {
		var value V
		m.add(slot, key, value)
		// The insertion may have rebuilt the table, reassigning every
		// slot. Re-resolve before forming the reference.
		slot = m.findSlot(key)
		m.checkInvariants()
	}
	return &m.entries[m.place[slot]].Value
}

// Delete deletes the entry corresponding to the specified key from the
// map and reports whether an entry was deleted. It is a noop to delete a
// non-existent key.
//
// Deletion moves the last entry of the dense array into the deleted
// entry's position, which perturbs iteration order and invalidates
// pointers previously returned by Find and Index.
func (m *Map[K, V]) Delete(key K) bool {
	slot := m.findSlot(key)
	if m.place[slot] == slotEmpty {
		return false
	}
	m.remove(slot)
	m.checkInvariants()
	return true
}

// Clear deletes all entries from the map and shrinks it back to its
// minimal capacity.
func (m *Map[K, V]) Clear() {
	clear(m.entries)
	m.entries = m.entries[:0]
	m.rebuild(0)
	m.checkInvariants()
}

// Clone returns a deep copy of the map. The copy is built from scratch
// by reinserting every entry, so it shares no state with the original
// and its physical slot layout may differ from the original's.
func (m *Map[K, V]) Clone() *Map[K, V] {
	c := &Map[K, V]{
		hash:      m.hash,
		allocator: m.allocator,
	}
	c.rebuild(len(m.entries))
	// The capacity is sized for exactly len(m.entries) insertions and
	// the source holds no duplicate keys, so every findSlot below lands
	// on an empty slot and no nested rebuild can occur.
	for i := range m.entries {
		c.add(c.findSlot(m.entries[i].Key), m.entries[i].Key, m.entries[i].Value)
	}
	c.checkInvariants()
	return c
}

// All calls yield sequentially for each key and value present in the
// map. If yield returns false, iteration stops. All is usable with a
// range-over-func loop:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
//
// Entries are yielded in dense-array order: insertion order, except that
// a deletion moves the last entry into the deleted entry's position. A
// fresh pass always starts at the beginning of the dense array. The map
// must not be mutated during iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	for i := range m.entries {
		if !yield(m.entries[i].Key, m.entries[i].Value) {
			return
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return len(m.entries)
}

// Empty reports whether the map contains no entries.
func (m *Map[K, V]) Empty() bool {
	return len(m.entries) == 0
}

// Hash returns the hash function the map applies to its keys, either
// the default hash/maphash-based one or the function supplied via
// WithHash.
func (m *Map[K, V]) Hash() func(K) uint64 {
	return m.hash
}

// Stats describes the physical layout of a Map.
type Stats struct {
	// Len is the number of live entries.
	Len int
	// Capacity is the length of the slot array.
	Capacity int
	// Tombstones is the number of slots vacated by deletion since the
	// last rebuild.
	Tombstones int
}

// Stats returns a snapshot of the map's physical layout.
func (m *Map[K, V]) Stats() Stats {
	s := Stats{
		Len:      len(m.entries),
		Capacity: len(m.place),
	}
	for _, p := range m.place {
		if p == slotDeleted {
			s.Tombstones++
		}
	}
	return s
}

// findSlot probes for key starting at hash(key) mod the capacity,
// advancing one slot at a time and wrapping at the end of the slot
// array. It returns either the first empty slot (key absent; this is the
// correct insertion point) or the occupied slot holding key. Tombstones
// are skipped, never treated as terminators: a probe chain may pass
// through any number of deleted slots before reaching its entry.
//
// An empty slot is always present (the rebuild policy keeps non-empty
// slots below capacity/density), so the scan terminates.
func (m *Map[K, V]) findSlot(key K) int {
	i := int(m.hash(key) % uint64(len(m.place)))
	for {
		switch p := m.place[i]; {
		case p == slotEmpty:
			return i
		case p != slotDeleted && m.entries[p].Key == key:
			return i
		}
		i++
		if i == len(m.place) {
			i = 0
		}
	}
}

// add inserts an entry at slot, which the caller has resolved via
// findSlot and verified to be empty. The entry is appended to the dense
// array and the slot wired up, then the grow policy is applied.
func (m *Map[K, V]) add(slot int, key K, value V) {
	m.inserts++
	m.place[slot] = len(m.entries)
	m.revPlace[len(m.entries)] = slot
	m.entries = append(m.entries, Pair[K, V]{Key: key, Value: value})

	if debug {
		fmt.Printf("add(%v): slot=%d index=%d inserts=%d capacity=%d\n",
			key, slot, len(m.entries)-1, m.inserts, len(m.place))
	}

	if m.inserts*density >= len(m.place) {
		m.rebuild(0)
	}
}

// remove deletes the entry at slot, which the caller has resolved via
// findSlot and verified to be occupied. The last dense entry is moved
// into the deleted entry's position (swap-remove) and the slot that
// pointed at it is redirected. The vacated slot becomes a tombstone
// rather than empty because other keys' probe chains may route through
// it. Finally the shrink policy is applied.
func (m *Map[K, V]) remove(slot int) {
	i := m.place[slot]
	last := len(m.entries) - 1

	if debug {
		fmt.Printf("remove: slot=%d index=%d last=%d\n", slot, i, last)
	}

	m.entries[i] = m.entries[last]
	m.entries[last] = Pair[K, V]{}
	m.entries = m.entries[:last]
	m.place[m.revPlace[last]] = i
	m.revPlace[i] = m.revPlace[last]
	m.place[slot] = slotDeleted

	if len(m.place) > len(m.entries)*sizeFactor*density {
		m.rebuild(0)
	}
}

// rebuild reconstructs the table at a capacity proportional to the
// current entry count: sizeFactor*n+1, where minEntries substitutes for
// n when presizing an empty map. The +1 keeps the capacity positive for
// an empty map and guarantees an empty slot exists at the load-factor
// bound. Fresh slot arrays are allocated, the insert counter reset, and
// every entry reinserted through the normal insertion path, purging all
// tombstones. This is the only mechanism that changes the capacity.
//
// The new capacity is sized for exactly n insertions, so the
// reinsertion loop can never trigger a nested rebuild.
func (m *Map[K, V]) rebuild(minEntries int) {
	n := max(len(m.entries), minEntries)
	capacity := n*sizeFactor + 1

	if debug {
		fmt.Printf("rebuild: entries=%d capacity=%d->%d\n",
			len(m.entries), len(m.place), capacity)
	}

	oldPlace, oldRevPlace := m.place, m.revPlace
	m.place = m.allocator.AllocSlots(capacity)
	m.revPlace = m.allocator.AllocSlots(capacity)
	for i := range m.place {
		m.place[i] = slotEmpty
	}
	m.inserts = 0

	// The dense array is sized to capacity/density+1 entries: inserts
	// may reach that bound before the grow check fires again, but never
	// exceed it, so append never reallocates behind the allocator's
	// back.
	old := m.entries
	m.entries = m.allocator.AllocEntries(capacity/density + 1)
	for i := range old {
		m.add(m.findSlot(old[i].Key), old[i].Key, old[i].Value)
	}

	if oldPlace != nil {
		m.allocator.FreeSlots(oldPlace)
		m.allocator.FreeSlots(oldRevPlace)
	}
	if old != nil {
		m.allocator.FreeEntries(old)
	}
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if len(m.place) < 1 {
			panic(fmt.Sprintf("invariant failed: capacity %d < 1", len(m.place)))
		}
		if len(m.revPlace) != len(m.place) {
			panic(fmt.Sprintf("invariant failed: len(revPlace)=%d != len(place)=%d",
				len(m.revPlace), len(m.place)))
		}

		// Count the slot states and verify that occupied slots and the
		// reverse map are mutual inverses.
		var occupied, deleted int
		for s, p := range m.place {
			switch {
			case p == slotEmpty:
			case p == slotDeleted:
				deleted++
			case p < 0 || p >= len(m.entries):
				panic(fmt.Sprintf("invariant failed: slot(%d) holds out-of-range index %d\n%s",
					s, p, m.debugString()))
			default:
				if m.revPlace[p] != s {
					panic(fmt.Sprintf("invariant failed: slot(%d) holds index %d but revPlace(%d)=%d\n%s",
						s, p, p, m.revPlace[p], m.debugString()))
				}
				occupied++
			}
		}

		if occupied != len(m.entries) {
			panic(fmt.Sprintf("invariant failed: found %d occupied slots, but entry count is %d\n%s",
				occupied, len(m.entries), m.debugString()))
		}
		if occupied+deleted != m.inserts {
			panic(fmt.Sprintf("invariant failed: %d occupied + %d deleted slots, but insert count is %d\n%s",
				occupied, deleted, m.inserts, m.debugString()))
		}
		if m.inserts*density > len(m.place) {
			panic(fmt.Sprintf("invariant failed: %d inserts overflows capacity %d\n%s",
				m.inserts, len(m.place), m.debugString()))
		}

		// Every entry must be reachable by probing from its hash, and no
		// key may appear twice.
		for i := range m.entries {
			slot := m.findSlot(m.entries[i].Key)
			if m.place[slot] != i {
				panic(fmt.Sprintf("invariant failed: entry(%d) %v resolves to slot(%d) holding %d\n%s",
					i, m.entries[i].Key, slot, m.place[slot], m.debugString()))
			}
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  entries=%d  inserts=%d\n",
		len(m.place), len(m.entries), m.inserts)
	for s, p := range m.place {
		switch {
		case p == slotEmpty:
		case p == slotDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", s)
		case p < 0 || p >= len(m.entries):
			fmt.Fprintf(&buf, "  %4d: out-of-range index %d\n", s, p)
		default:
			fmt.Fprintf(&buf, "  %4d: %v [index=%d rev=%d hash=%d]\n",
				s, m.entries[p].Key, p, m.revPlace[p],
				m.hash(m.entries[p].Key)%uint64(len(m.place)))
		}
	}
	return buf.String()
}
