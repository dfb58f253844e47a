package vm

import (
	lerrors "lunadbg/pkg/errors"
	"lunadbg/pkg/value"
)

// maxIndexChain bounds how many __index/__newindex hops GetIndex/SetIndex
// will follow before giving up, per the fixed maximum the index chain
// contract requires.
const maxIndexChain = 100

// GetIndex implements GetTable/GetTabUp/Self's table-read semantics: a
// raw probe of t, and on a nil result, a walk up the __index chain
// (which may itself be a table or a function) up to maxIndexChain hops.
func (vm *VM) GetIndex(th *Thread, t value.Value, k value.Value, site lerrors.Site) (value.Value, error) {
	cur := t
	for depth := 0; depth < maxIndexChain; depth++ {
		tbl, ok := cur.AsTable()
		if !ok {
			if cur.Type() == value.TypeNil && depth == 0 {
				return value.Nil, lerrors.NewTypeError(site, "index", t.TypeName())
			}
			return value.Nil, lerrors.NewTypeError(site, "index", cur.TypeName())
		}
		if v := tbl.Get(k); !v.IsNil() {
			return v, nil
		}
		mt := tbl.Metatable()
		if mt == nil {
			return value.Nil, nil
		}
		idx := mt.Get(value.Str("__index"))
		if idx.IsNil() {
			return value.Nil, nil
		}
		if idx.IsFunction() {
			return vm.call1(th, idx, []value.Value{cur, k})
		}
		cur = idx
	}
	return value.Nil, lerrors.NewIndexError(site, "'__index' chain too long; possible loop")
}

// SetIndex implements SetTable/SetTabUp's table-write semantics: a raw
// hit on an existing non-nil key bypasses __newindex entirely; otherwise
// the chain is walked the same way as GetIndex.
func (vm *VM) SetIndex(th *Thread, t value.Value, k value.Value, v value.Value, site lerrors.Site) error {
	cur := t
	for depth := 0; depth < maxIndexChain; depth++ {
		tbl, ok := cur.AsTable()
		if !ok {
			return lerrors.NewTypeError(site, "index", cur.TypeName())
		}
		if !tbl.Get(k).IsNil() {
			if !tbl.Set(k, v) {
				return lerrors.NewIndexError(site, "table index is nil or NaN")
			}
			return nil
		}
		mt := tbl.Metatable()
		if mt == nil {
			if !tbl.Set(k, v) {
				return lerrors.NewIndexError(site, "table index is nil or NaN")
			}
			return nil
		}
		newidx := mt.Get(value.Str("__newindex"))
		if newidx.IsNil() {
			if !tbl.Set(k, v) {
				return lerrors.NewIndexError(site, "table index is nil or NaN")
			}
			return nil
		}
		if newidx.IsFunction() {
			_, err := vm.CallValue(th, newidx, []value.Value{cur, k, v}, 0)
			return err
		}
		cur = newidx
	}
	return lerrors.NewIndexError(site, "'__newindex' chain too long; possible loop")
}
