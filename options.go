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

package densemap

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(K) uint64
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a
// Map[K,V]. The supplied function must be deterministic for the lifetime
// of the map.
func WithHash[K comparable, V any](hash func(K) uint64) option[K, V] {
	return hashOption[K, V]{hash}
}

// Allocator specifies an interface for allocating and releasing memory
// used by a Map. The default allocator utilizes Go's builtin make() and
// allows the GC to reclaim memory.
//
// Every backing array a Map uses is obtained through its allocator: a
// rebuild allocates fresh slot arrays and a dense entry array sized so
// the entry array cannot be outgrown before the next rebuild. If the
// allocator is manually managing memory then Map.Close must be called in
// order to ensure FreeEntries and FreeSlots are called for the final
// arrays.
type Allocator[K comparable, V any] interface {
	// AllocEntries should return a slice with length 0 and capacity of
	// at least n, equivalent to make([]Pair[K,V], 0, n).
	AllocEntries(n int) []Pair[K, V]

	// AllocSlots should return a slice equivalent to make([]int, n).
	AllocSlots(n int) []int

	// FreeEntries can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocEntries.
	FreeEntries(v []Pair[K, V])

	// FreeSlots can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocSlots.
	FreeSlots(v []int)
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocEntries(n int) []Pair[K, V] {
	return make([]Pair[K, V], 0, n)
}

func (defaultAllocator[K, V]) AllocSlots(n int) []int {
	return make([]int, n)
}

func (defaultAllocator[K, V]) FreeEntries(v []Pair[K, V]) {
}

func (defaultAllocator[K, V]) FreeSlots(v []int) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}
