package symtab

import (
	"errors"
	"sort"

	"github.com/cespare/xxhash/v2"

	"nre/pkg/region"
)

// ErrNoDelete is returned when deleting from a region-backed table. Region
// memory is released as a unit, never entry by entry.
var ErrNoDelete = errors.New("symtab: region-backed tables do not support delete")

type entry[V any] struct {
	key    string     // heap-backed tables
	keyRef region.Ptr // region-backed tables
	val    V
	next   *entry[V]
}

// Table is an open-chaining string-keyed map. It is either heap-backed or
// region-backed; in the latter every key copy lives in the region and the
// table dies with it.
type Table[V any] struct {
	buckets []*entry[V]
	size    int
	r       *region.Region
}

// New creates a heap-backed table with the given initial capacity.
func New[V any](capacity int) *Table[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Table[V]{buckets: make([]*entry[V], capacity)}
}

// NewInRegion creates a region-backed table.
func NewInRegion[V any](r *region.Region, capacity int) *Table[V] {
	t := New[V](capacity)
	t.r = r
	return t
}

func (t *Table[V]) Len() int      { return t.size }
func (t *Table[V]) Capacity() int { return len(t.buckets) }

// RegionBacked reports whether key copies live in a region.
func (t *Table[V]) RegionBacked() bool { return t.r != nil }

func (t *Table[V]) slot(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(t.buckets)))
}

func (t *Table[V]) keyOf(e *entry[V]) string {
	if t.r == nil {
		return e.key
	}
	s, err := t.r.String(e.keyRef)
	if err != nil {
		return ""
	}
	return s
}

func (t *Table[V]) matches(e *entry[V], key string) bool {
	if t.r == nil {
		return e.key == key
	}
	buf, err := t.r.Bytes(e.keyRef)
	return err == nil && string(buf) == key
}

func (t *Table[V]) find(key string) *entry[V] {
	if t.r != nil && t.r.Freed() {
		return nil
	}
	for e := t.buckets[t.slot(key)]; e != nil; e = e.next {
		if t.matches(e, key) {
			return e
		}
	}
	return nil
}

func (t *Table[V]) newEntry(key string, val V) (*entry[V], error) {
	e := &entry[V]{val: val}
	if t.r == nil {
		e.key = key
		return e, nil
	}
	p, err := t.r.AllocString(key)
	if err != nil {
		return nil, err
	}
	e.keyRef = p
	return e, nil
}

// Insert adds key when it is not present yet. It reports false for an existing
// key and leaves the old value in place.
func (t *Table[V]) Insert(key string, val V) (bool, error) {
	if t.find(key) != nil {
		return false, nil
	}
	if t.size+1 > len(t.buckets) {
		if err := t.grow(); err != nil {
			return false, err
		}
	}
	e, err := t.newEntry(key, val)
	if err != nil {
		return false, err
	}
	i := t.slot(key)
	e.next = t.buckets[i]
	t.buckets[i] = e
	t.size++
	return true, nil
}

// Update replaces the value of an existing key.
func (t *Table[V]) Update(key string, val V) bool {
	if e := t.find(key); e != nil {
		e.val = val
		return true
	}
	return false
}

// Set inserts or replaces.
func (t *Table[V]) Set(key string, val V) error {
	if t.Update(key, val) {
		return nil
	}
	_, err := t.Insert(key, val)
	return err
}

func (t *Table[V]) Lookup(key string) (V, bool) {
	if e := t.find(key); e != nil {
		return e.val, true
	}
	var zero V
	return zero, false
}

// Delete removes key from a heap-backed table.
func (t *Table[V]) Delete(key string) (V, bool, error) {
	var zero V
	if t.r != nil {
		return zero, false, ErrNoDelete
	}
	i := t.slot(key)
	var prev *entry[V]
	for e := t.buckets[i]; e != nil; e = e.next {
		if e.key == key {
			if prev == nil {
				t.buckets[i] = e.next
			} else {
				prev.next = e.next
			}
			t.size--
			return e.val, true, nil
		}
		prev = e
	}
	return zero, false, nil
}

// grow doubles the bucket array. Region-backed tables clone every key into a
// fresh allocation and release the old copies.
func (t *Table[V]) grow() error {
	nt := &Table[V]{buckets: make([]*entry[V], len(t.buckets)*2), r: t.r}
	var old []region.Ptr
	for _, head := range t.buckets {
		for e := head; e != nil; e = e.next {
			key := e.key
			if t.r != nil {
				var err error
				if key, err = t.r.String(e.keyRef); err != nil {
					return err
				}
				old = append(old, e.keyRef)
			}
			ne, err := nt.newEntry(key, e.val)
			if err != nil {
				return err
			}
			i := nt.slot(key)
			ne.next = nt.buckets[i]
			nt.buckets[i] = ne
			nt.size++
		}
	}
	t.buckets = nt.buckets
	var errs []error
	for _, p := range old {
		if err := t.r.Release(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Table[V]) Range(fn func(key string, val V) bool) {
	if t.r != nil && t.r.Freed() {
		return
	}
	for _, head := range t.buckets {
		for e := head; e != nil; e = e.next {
			if !fn(t.keyOf(e), e.val) {
				return
			}
		}
	}
}

// Keys returns the keys in sorted order.
func (t *Table[V]) Keys() []string {
	keys := make([]string, 0, t.size)
	t.Range(func(k string, _ V) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Clone copies the table into a heap-backed table.
func (t *Table[V]) Clone() *Table[V] {
	c := New[V](len(t.buckets))
	t.Range(func(k string, v V) bool {
		_, _ = c.Insert(k, v)
		return true
	})
	return c
}
