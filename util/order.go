package util

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// OrderedMap is a map supporting iteration ordered by the key.
//
// Insert never replaces an existing value; Set does. This mirrors how layered configuration is
// resolved: earlier layers win unless a value is overridden explicitly.
type OrderedMap[K constraints.Ordered, V any] struct {
	data map[K]V
}

// OrderedMapEntry is an accessor into a single (key, value) pair of the map.
type OrderedMapEntry[K constraints.Ordered, V any] struct {
	Key   K
	Value V
}

// NewOrderedMap instantiates an empty OrderedMap object.
func NewOrderedMap[K constraints.Ordered, V any]() OrderedMap[K, V] {
	return OrderedMap[K, V]{data: map[K]V{}}
}

// NewOrderedMapFrom instantiates a new OrderedMap from a given conventional map
// by shallow-copying both the keys and the values.
func NewOrderedMapFrom[K constraints.Ordered, V any](raw map[K]V) OrderedMap[K, V] {
	result := OrderedMap[K, V]{data: make(map[K]V, len(raw))}
	for k, v := range raw {
		result.data[k] = v
	}
	return result
}

// Insert adds a (key, value) pair unless the key is already present. It reports whether the
// value was stored.
func (m *OrderedMap[K, V]) Insert(key K, value V) bool {
	if _, ok := m.data[key]; ok {
		return false
	}
	m.data[key] = value
	return true
}

// Set stores a (key, value) pair, replacing any previous value.
func (m *OrderedMap[K, V]) Set(key K, value V) {
	m.data[key] = value
}

// Lookup performs a lookup of the key, similar to `v, ok := m[k]`.
func (m *OrderedMap[K, V]) Lookup(key K) (V, bool) {
	val, ok := m.data[key]
	return val, ok
}

// Has reports whether the key is present.
func (m *OrderedMap[K, V]) Has(key K) bool {
	_, ok := m.data[key]
	return ok
}

// Len returns the number of entries.
func (m *OrderedMap[K, V]) Len() int {
	return len(m.data)
}

// Clone returns a shallow copy of the map.
func (m *OrderedMap[K, V]) Clone() OrderedMap[K, V] {
	return NewOrderedMapFrom(m.data)
}

// Entries returns the list of entries ordered by keys.
func (m *OrderedMap[K, V]) Entries() []OrderedMapEntry[K, V] {
	keys := m.Keys()

	result := make([]OrderedMapEntry[K, V], 0, len(m.data))
	for _, k := range keys {
		result = append(result, OrderedMapEntry[K, V]{
			Key:   k,
			Value: m.data[k],
		})
	}
	return result
}

// Keys returns the ordered list of map keys.
func (m *OrderedMap[K, V]) Keys() []K {
	keys := make([]K, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Values returns the values of entries ordered by their keys.
func (m *OrderedMap[K, V]) Values() []V {
	keys := m.Keys()

	result := make([]V, 0, len(m.data))
	for _, k := range keys {
		result = append(result, m.data[k])
	}
	return result
}

// ToMap returns a conventional map holding a copy of the entries.
func (m *OrderedMap[K, V]) ToMap() map[K]V {
	result := make(map[K]V, len(m.data))
	for k, v := range m.data {
		result[k] = v
	}
	return result
}

// OrderedSlice returns the ordered copy of the provided slice, the values are shallow-copied.
func OrderedSlice[V constraints.Ordered](values []V) []V {
	result := make([]V, len(values))
	copy(result, values)
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// OrderedKeys is a convenience function returning the ordered keys of the input map.
func OrderedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	tmp := NewOrderedMapFrom(m)
	return tmp.Keys()
}

// OrderedEntries is a convenience function returning the ordered entries of the input map.
func OrderedEntries[K constraints.Ordered, V any](m map[K]V) []OrderedMapEntry[K, V] {
	tmp := NewOrderedMapFrom(m)
	return tmp.Entries()
}
