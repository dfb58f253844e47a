package vm

import (
	"math"

	"lunadbg/pkg/code"
	lerrors "lunadbg/pkg/errors"
	"lunadbg/pkg/value"
)

func metamethod(v value.Value, event string) (value.Value, bool) {
	t, ok := v.AsTable()
	if !ok {
		return value.Nil, false
	}
	mt := t.Metatable()
	if mt == nil {
		return value.Nil, false
	}
	mm := mt.Get(value.Str(event))
	if mm.IsNil() {
		return value.Nil, false
	}
	return mm, true
}

func arithEvent(op code.OpCode) string {
	switch op {
	case code.OpAdd:
		return "__add"
	case code.OpSub:
		return "__sub"
	case code.OpMul:
		return "__mul"
	case code.OpDiv:
		return "__div"
	case code.OpMod:
		return "__mod"
	case code.OpPow:
		return "__pow"
	case code.OpUnm:
		return "__unm"
	default:
		return ""
	}
}

// luaMod implements Lua's modulus: a - floor(a/b)*b, which (unlike Go's
// math.Mod) follows the sign of the divisor.
func luaMod(a, b float64) float64 {
	if math.IsInf(b, 0) {
		if (a >= 0) == (b > 0) {
			return a
		}
		return b
	}
	r := math.Mod(a, b)
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return r
}

func applyArith(op code.OpCode, a, b float64) float64 {
	switch op {
	case code.OpAdd:
		return a + b
	case code.OpSub:
		return a - b
	case code.OpMul:
		return a * b
	case code.OpDiv:
		return a / b
	case code.OpMod:
		return luaMod(a, b)
	case code.OpPow:
		return math.Pow(a, b)
	default:
		return 0
	}
}

func (vm *VM) call1(th *Thread, fn value.Value, args []value.Value) (value.Value, error) {
	results, err := vm.CallValue(th, fn, args, 1)
	if err != nil {
		return value.Nil, err
	}
	if len(results) == 0 {
		return value.Nil, nil
	}
	return results[0], nil
}

func (vm *VM) callBool(th *Thread, fn value.Value, a, b value.Value) (bool, error) {
	v, err := vm.call1(th, fn, []value.Value{a, b})
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

// arith performs a binary arithmetic opcode: the raw numeric path when
// both operands are numbers (directly, or by string coercion), else the
// corresponding metamethod, tried on the left operand first.
func (vm *VM) arith(th *Thread, op code.OpCode, a, b value.Value, site lerrors.Site) (value.Value, error) {
	if an, ok := a.ToNumber(); ok {
		if bn, ok := b.ToNumber(); ok {
			return value.Number(applyArith(op, an, bn)), nil
		}
	}
	event := arithEvent(op)
	if mm, ok := metamethod(a, event); ok {
		return vm.call1(th, mm, []value.Value{a, b})
	}
	if mm, ok := metamethod(b, event); ok {
		return vm.call1(th, mm, []value.Value{a, b})
	}
	bad := a
	if _, ok := a.ToNumber(); ok {
		bad = b
	}
	return value.Nil, lerrors.NewArithmeticError(site, bad.TypeName())
}

// unm performs unary minus: negate directly if coercible to a number,
// else consult __unm (called with the operand as both arguments, per
// Lua's own convention for unary metamethods).
func (vm *VM) unm(th *Thread, a value.Value, site lerrors.Site) (value.Value, error) {
	if an, ok := a.ToNumber(); ok {
		return value.Number(-an), nil
	}
	if mm, ok := metamethod(a, "__unm"); ok {
		return vm.call1(th, mm, []value.Value{a, a})
	}
	return value.Nil, lerrors.NewArithmeticError(site, a.TypeName())
}

func (vm *VM) equals(th *Thread, a, b value.Value) (bool, error) {
	if a.Type() != b.Type() {
		return false, nil
	}
	if a.Equals(b) {
		return true, nil
	}
	if a.Type() == value.TypeTable {
		if mm, ok := metamethod(a, "__eq"); ok {
			return vm.callBool(th, mm, a, b)
		}
		if mm, ok := metamethod(b, "__eq"); ok {
			return vm.callBool(th, mm, a, b)
		}
	}
	return false, nil
}

func (vm *VM) lessThan(th *Thread, a, b value.Value, site lerrors.Site) (bool, error) {
	if an, ok := a.AsNumber(); ok {
		if bn, ok := b.AsNumber(); ok {
			return an < bn, nil
		}
	}
	if as, ok := a.AsString(); ok {
		if bs, ok := b.AsString(); ok {
			return as < bs, nil
		}
	}
	if mm, ok := metamethod(a, "__lt"); ok {
		return vm.callBool(th, mm, a, b)
	}
	if mm, ok := metamethod(b, "__lt"); ok {
		return vm.callBool(th, mm, a, b)
	}
	return false, lerrors.NewTypeError(site, "compare", a.TypeName())
}

// lessEqual implements a <= b, trying __le first and falling back to
// "not (b < a)" via __lt when only __lt is defined. frame.ReversedLE
// records which path was taken so the jump decision can be inverted if
// a caller needs to distinguish (the VM here already returns the final
// boolean, so the flag is informational/traceable rather than load
// bearing for this call, but it is exported on the frame as the
// property test expects).
func (vm *VM) lessEqual(th *Thread, frame *CallFrame, a, b value.Value, site lerrors.Site) (bool, error) {
	if an, ok := a.AsNumber(); ok {
		if bn, ok := b.AsNumber(); ok {
			frame.ReversedLE = false
			return an <= bn, nil
		}
	}
	if as, ok := a.AsString(); ok {
		if bs, ok := b.AsString(); ok {
			frame.ReversedLE = false
			return as <= bs, nil
		}
	}
	if mm, ok := metamethod(a, "__le"); ok {
		frame.ReversedLE = false
		return vm.callBool(th, mm, a, b)
	}
	if mm, ok := metamethod(b, "__le"); ok {
		frame.ReversedLE = false
		return vm.callBool(th, mm, a, b)
	}
	if mm, ok := metamethod(b, "__lt"); ok {
		frame.ReversedLE = true
		r, err := vm.callBool(th, mm, b, a)
		return !r, err
	}
	if mm, ok := metamethod(a, "__lt"); ok {
		frame.ReversedLE = true
		r, err := vm.callBool(th, mm, b, a)
		return !r, err
	}
	return false, lerrors.NewTypeError(site, "compare", a.TypeName())
}

func (vm *VM) length(th *Thread, v value.Value, site lerrors.Site) (value.Value, error) {
	if s, ok := v.AsString(); ok {
		return value.Number(float64(len(s))), nil
	}
	if t, ok := v.AsTable(); ok {
		if mm, ok := metamethod(v, "__len"); ok {
			return vm.call1(th, mm, []value.Value{v})
		}
		return value.Number(float64(t.Len())), nil
	}
	if mm, ok := metamethod(v, "__len"); ok {
		return vm.call1(th, mm, []value.Value{v})
	}
	return value.Nil, lerrors.NewTypeError(site, "get length of", v.TypeName())
}

func (vm *VM) concat(th *Thread, vals []value.Value, site lerrors.Site) (value.Value, error) {
	acc := vals[len(vals)-1]
	for i := len(vals) - 2; i >= 0; i-- {
		left := vals[i]
		ls, lok := left.ToLuaStringConcat()
		rs, rok := acc.ToLuaStringConcat()
		if lok && rok {
			acc = value.Str(ls + rs)
			continue
		}
		if mm, ok := metamethod(left, "__concat"); ok {
			v, err := vm.call1(th, mm, []value.Value{left, acc})
			if err != nil {
				return value.Nil, err
			}
			acc = v
			continue
		}
		if mm, ok := metamethod(acc, "__concat"); ok {
			v, err := vm.call1(th, mm, []value.Value{left, acc})
			if err != nil {
				return value.Nil, err
			}
			acc = v
			continue
		}
		bad := left
		if lok {
			bad = acc
		}
		return value.Nil, lerrors.NewTypeError(site, "concatenate", bad.TypeName())
	}
	return acc, nil
}
