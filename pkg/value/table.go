package value

import "math"

// Table is Lua's single compound data structure: an ordered array part
// addressed by 1-based positive-integer keys, a hash part for everything
// else, and an optional metatable.
//
// Table uses Value directly as a Go map key. That is sound only because
// every Value this package hands out keeps its ref field, when set, as a
// pointer (*Table, or whatever comparable handle pkg/vm wraps its
// closures and threads in) — never a slice, map, or func value, which
// would make the struct incomparable and panic on map access.
type Table struct {
	array []Value
	hash  map[Value]Value
	// order preserves pairs/next iteration order for hash-part keys,
	// independent of Go's randomized map iteration.
	order []Value
	meta  *Table
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Metatable returns the table's metatable, or nil if it has none.
func (t *Table) Metatable() *Table { return t.meta }

// SetMetatable installs m (which may be nil to remove the metatable).
func (t *Table) SetMetatable(m *Table) { t.meta = m }

// arrayIndex reports whether k addresses the array part and returns the
// corresponding 0-based Go slice index.
func arrayIndex(k Value) (int, bool) {
	if k.tag != TypeNumber {
		return 0, false
	}
	n := k.n
	if n < 1 || math.Trunc(n) != n || math.IsInf(n, 0) {
		return 0, false
	}
	if n > float64(math.MaxInt32) {
		return 0, false
	}
	return int(n) - 1, true
}

// Get returns the raw value stored at k, or Nil if absent. It never
// consults a metatable: callers needing __index fall-through do that in
// pkg/vm, which knows about metamethod dispatch.
func (t *Table) Get(k Value) Value {
	if i, ok := arrayIndex(k); ok {
		if i < len(t.array) {
			return t.array[i]
		}
		return Nil
	}
	if !k.HashKey() {
		return Nil
	}
	if t.hash == nil {
		return Nil
	}
	return t.hash[k]
}

// Set stores v at k, removing the entry when v is Nil. It returns an
// error-shaped bool (false) when k is Nil or NaN, matching the invariant
// that such keys are never permitted; callers translate that into an
// IndexError.
func (t *Table) Set(k, v Value) bool {
	if !k.HashKey() {
		return false
	}
	if i, ok := arrayIndex(k); ok {
		switch {
		case i < len(t.array):
			t.array[i] = v
		case i == len(t.array):
			if v.IsNil() {
				return true
			}
			t.array = append(t.array, v)
			t.migrateFromHash()
		default:
			t.setHash(k, v)
		}
		return true
	}
	t.setHash(k, v)
	return true
}

func (t *Table) setHash(k, v Value) {
	if v.IsNil() {
		if t.hash == nil {
			return
		}
		if _, ok := t.hash[k]; ok {
			delete(t.hash, k)
			t.removeFromOrder(k)
		}
		return
	}
	if t.hash == nil {
		t.hash = make(map[Value]Value)
	}
	if _, exists := t.hash[k]; !exists {
		t.order = append(t.order, k)
	}
	t.hash[k] = v
}

func (t *Table) removeFromOrder(k Value) {
	for i, ok := range t.order {
		if ok.Equals(k) {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// migrateFromHash pulls contiguous successors of the array's new top out
// of the hash part, the way Lua's table constructor keeps dense integer
// keys in the array part after an append.
func (t *Table) migrateFromHash() {
	if t.hash == nil {
		return
	}
	for {
		next := Number(float64(len(t.array) + 1))
		v, ok := t.hash[next]
		if !ok {
			return
		}
		delete(t.hash, next)
		t.removeFromOrder(next)
		t.array = append(t.array, v)
	}
}

// Len returns a border: an n such that Get(n) is non-nil and Get(n+1) is
// nil. When the table has holes, any valid border may be returned; this
// implementation favors the end of the dense array prefix, then probes
// the hash part by doubling, matching the reference implementation's
// unbound search followed by a binary search.
func (t *Table) Len() int {
	n := 0
	for n < len(t.array) && !t.array[n].IsNil() {
		n++
	}
	if n == len(t.array) {
		// Array prefix is fully dense (or empty); an integer
		// successor may continue in the hash part.
		if t.hash == nil {
			return n
		}
		i, j := n, n+1
		for {
			if _, ok := t.hash[Number(float64(j))]; !ok {
				break
			}
			i = j
			if j > math.MaxInt32/2 {
				// Degenerate: linear scan rather than overflow.
				for {
					if _, ok := t.hash[Number(float64(i + 1))]; !ok {
						return i
					}
					i++
				}
			}
			j *= 2
		}
		for j-i > 1 {
			m := (i + j) / 2
			if _, ok := t.hash[Number(float64(m))]; ok {
				i = m
			} else {
				j = m
			}
		}
		return i
	}
	// A hole inside the array: array[n] is its first nil, so the
	// search within [0, n+1] settles on n, the dense prefix's end.
	i, j := 0, n+1
	for j-i > 1 {
		m := (i + j) / 2
		if !t.array[m-1].IsNil() {
			i = m
		} else {
			j = m
		}
	}
	return i
}

// Next implements the iteration step behind pairs/ipairs: given the last
// key returned (or Nil to start), it returns the following key/value pair
// in table order (array part first, then hash part in insertion order),
// and ok=false once iteration is exhausted.
func (t *Table) Next(k Value) (nk, nv Value, ok bool) {
	startArray := 0
	if k.IsNil() {
		startArray = 0
	} else if i, isArr := arrayIndex(k); isArr && i < len(t.array) {
		startArray = i + 1
	} else {
		return t.nextHash(k)
	}
	for i := startArray; i < len(t.array); i++ {
		if !t.array[i].IsNil() {
			return Number(float64(i + 1)), t.array[i], true
		}
	}
	return t.nextHash(Nil)
}

func (t *Table) nextHash(after Value) (Value, Value, bool) {
	start := 0
	if !after.IsNil() {
		found := -1
		for i, k := range t.order {
			if k.Equals(after) {
				found = i
				break
			}
		}
		if found < 0 {
			return Nil, Nil, false
		}
		start = found + 1
	}
	for i := start; i < len(t.order); i++ {
		k := t.order[i]
		if v, ok := t.hash[k]; ok {
			return k, v, true
		}
	}
	return Nil, Nil, false
}

// Append stores v at the next integer index past the array part's
// current length, the behavior backing table.insert's single-argument
// form.
func (t *Table) Append(v Value) {
	t.Set(Number(float64(t.Len()+1)), v)
}
