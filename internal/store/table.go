// Package store implements the shared state tables read and written by the
// admission pipeline and the control plane.
package store

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"firestige.xyz/twister/internal/core"
)

// Key addresses an entry in a table.
type Key uint32

// AggregateKey is the single identity under which all traffic is accounted.
const AggregateKey Key = 0

// Kind selects what a full table does on insert.
type Kind uint8

const (
	// KindHash refuses inserts beyond capacity with core.ErrTableFull.
	KindHash Kind = iota
	// KindLRU evicts the least recently used entry to make room.
	KindLRU
)

func (k Kind) String() string {
	switch k {
	case KindHash:
		return "hash"
	case KindLRU:
		return "lru"
	default:
		return "unknown"
	}
}

// Value is the set of types a table may hold. Values are kept as raw
// 64-bit words so every cell can be read and replaced atomically.
type Value interface {
	~uint64 | ~int32
}

// Cell is a live table entry. Readers and writers share it without locks;
// a Store is always observed whole.
type Cell[V Value] struct {
	bits atomic.Uint64
	used atomic.Uint64 // LRU clock tick of the last access
}

// Load returns the current value.
func (c *Cell[V]) Load() V {
	return V(c.bits.Load())
}

// Store replaces the value.
func (c *Cell[V]) Store(v V) {
	c.bits.Store(uint64(v))
}

// Add adds delta and returns the new value.
func (c *Cell[V]) Add(delta V) V {
	return V(c.bits.Add(uint64(delta)))
}

// Table is a fixed-capacity concurrent map of Key to Cell.
//
// Lookups of present keys take no locks and do not allocate. Inserting a
// new key allocates its cell once; replacing the value of a present key
// reuses the cell.
type Table[V Value] struct {
	name     string
	kind     Kind
	capacity int

	cells      *xsync.Map[Key, *Cell[V]]
	tick       atomic.Uint64
	generation atomic.Uint64
}

// NewTable creates a table holding at most capacity entries.
func NewTable[V Value](name string, kind Kind, capacity int) (*Table[V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("table %q: capacity must be positive, got %d: %w", name, capacity, core.ErrConfigInvalid)
	}
	return &Table[V]{
		name:     name,
		kind:     kind,
		capacity: capacity,
		cells:    xsync.NewMap[Key, *Cell[V]](xsync.WithPresize(capacity)),
	}, nil
}

// Name returns the table name.
func (t *Table[V]) Name() string { return t.name }

// Kind returns the table kind.
func (t *Table[V]) Kind() Kind { return t.kind }

// Capacity returns the maximum number of entries.
func (t *Table[V]) Capacity() int { return t.capacity }

// Len returns the current number of entries.
func (t *Table[V]) Len() int { return t.cells.Size() }

// Generation is bumped whenever an entry is inserted or replaced through
// Update, or removed. Values changed in place through a Cell do not bump it.
func (t *Table[V]) Generation() uint64 { return t.generation.Load() }

// Lookup returns the cell for key.
func (t *Table[V]) Lookup(key Key) (*Cell[V], bool) {
	c, ok := t.cells.Load(key)
	if !ok {
		return nil, false
	}
	t.touch(c)
	return c, true
}

// LookupOrInsert returns the cell for key, inserting one holding v when the
// key is absent. loaded reports whether the key was already present.
func (t *Table[V]) LookupOrInsert(key Key, v V) (c *Cell[V], loaded bool, err error) {
	if c, ok := t.Lookup(key); ok {
		return c, true, nil
	}
	c, loaded, err = t.insert(key, v)
	if err != nil {
		return nil, false, err
	}
	if !loaded {
		t.generation.Add(1)
	}
	return c, loaded, nil
}

// Update sets the value for key, inserting it if absent. Readers observe
// either the previous or the new value.
func (t *Table[V]) Update(key Key, v V) error {
	if c, ok := t.cells.Load(key); ok {
		c.Store(v)
		t.touch(c)
		t.generation.Add(1)
		return nil
	}
	c, loaded, err := t.insert(key, v)
	if err != nil {
		return err
	}
	if loaded {
		c.Store(v)
	}
	t.generation.Add(1)
	return nil
}

// Delete removes key and reports whether it was present.
func (t *Table[V]) Delete(key Key) bool {
	_, ok := t.cells.LoadAndDelete(key)
	if ok {
		t.generation.Add(1)
	}
	return ok
}

// Range calls fn for each entry until fn returns false.
func (t *Table[V]) Range(fn func(key Key, value V) bool) {
	t.cells.Range(func(key Key, c *Cell[V]) bool {
		return fn(key, c.Load())
	})
}

func (t *Table[V]) insert(key Key, v V) (*Cell[V], bool, error) {
	if t.cells.Size() >= t.capacity {
		// Another writer may have inserted key since the caller's lookup.
		if c, ok := t.cells.Load(key); ok {
			return c, true, nil
		}
		if t.kind == KindHash {
			return nil, false, fmt.Errorf("table %q: %w", t.name, core.ErrTableFull)
		}
		t.evict(key)
	}
	c := &Cell[V]{}
	c.Store(v)
	t.touch(c)
	actual, loaded := t.cells.LoadOrStore(key, c)
	return actual, loaded, nil
}

// touch records an access for LRU ordering. With a single slot there is
// nothing to order, so the shared tick is left alone.
func (t *Table[V]) touch(c *Cell[V]) {
	if t.kind != KindLRU || t.capacity == 1 {
		return
	}
	c.used.Store(t.tick.Add(1))
}

// evict removes the least recently used entry other than keep. Concurrent
// inserts of distinct keys may briefly overshoot capacity.
func (t *Table[V]) evict(keep Key) {
	var (
		victim Key
		oldest uint64 = math.MaxUint64
		found  bool
	)
	t.cells.Range(func(key Key, c *Cell[V]) bool {
		if key == keep {
			return true
		}
		if used := c.used.Load(); used <= oldest {
			victim, oldest, found = key, used, true
		}
		return true
	})
	if found {
		t.cells.Delete(victim)
	}
}
