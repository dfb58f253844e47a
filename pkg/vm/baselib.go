package vm

import (
	"errors"

	lerrors "lunadbg/pkg/errors"
	"lunadbg/pkg/value"
)

// RegisterBaseLib installs pcall and xpcall, the protected-call boundary
// the VM Interpreter's contract names explicitly. Other base library
// functions (print, type, tostring, ...) belong to the standard library
// and are out of scope here.
func RegisterBaseLib(vm *VM) {
	vm.Globals.Set(value.Str("pcall"), GoFunctionValue(&GoFunction{Name: "pcall", Fn: basePCall}))
	vm.Globals.Set(value.Str("xpcall"), GoFunctionValue(&GoFunction{Name: "xpcall", Fn: baseXPCall}))
}

// errorValue unwraps the *lerrors.Traceback a Call always returns on
// failure down to the underlying LuaError's own Value() — pcall/xpcall
// must hand the caller the value error() was raised with, not the
// multi-frame traceback text built for an unprotected run's stderr.
func errorValue(err error) value.Value {
	var le lerrors.LuaError
	if errors.As(err, &le) {
		if v, ok := le.Value().(value.Value); ok {
			return v
		}
		return value.Str(le.Error())
	}
	return value.Str(err.Error())
}

func basePCall(ctx *Context) (int, error) {
	if ctx.NArgs() == 0 {
		return 0, lerrors.NewCallError(lerrors.Site{}, value.Nil.TypeName())
	}
	fn := ctx.Arg(0)
	results, err := ctx.VM().CallValue(ctx.Thread(), fn, ctx.Args()[1:], -1)
	if err != nil {
		ctx.Push(value.False)
		ctx.Push(errorValue(err))
		return 2, nil
	}
	ctx.Push(value.True)
	for _, v := range results {
		ctx.Push(v)
	}
	return 1 + len(results), nil
}

func baseXPCall(ctx *Context) (int, error) {
	if ctx.NArgs() < 2 {
		return 0, lerrors.NewCallError(lerrors.Site{}, value.Nil.TypeName())
	}
	fn := ctx.Arg(0)
	handler := ctx.Arg(1)
	results, err := ctx.VM().CallValue(ctx.Thread(), fn, ctx.Args()[2:], -1)
	if err != nil {
		handled, herr := ctx.VM().CallValue(ctx.Thread(), handler, []value.Value{errorValue(err)}, -1)
		ctx.Push(value.False)
		if herr != nil {
			ctx.Push(errorValue(herr))
			return 2, nil
		}
		for _, v := range handled {
			ctx.Push(v)
		}
		return 1 + len(handled), nil
	}
	ctx.Push(value.True)
	for _, v := range results {
		ctx.Push(v)
	}
	return 1 + len(results), nil
}
