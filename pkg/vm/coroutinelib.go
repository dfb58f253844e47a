package vm

import (
	"errors"

	lerrors "lunadbg/pkg/errors"
	"lunadbg/pkg/value"
)

// RegisterCoroutineLib installs the minimal coroutine.create/resume/yield
// trio on vm.Globals, enough to drive a Thread through its full
// suspended/running/normal/dead lifecycle. This is a demonstration
// wiring for the Thread component's Resume/Yield handshake, not a
// complete coroutine standard library (status/wrap/isyieldable and the
// rest are out of scope).
func RegisterCoroutineLib(vm *VM) {
	lib := value.NewTable()
	lib.Set(value.Str("create"), GoFunctionValue(&GoFunction{Name: "coroutine.create", Fn: coroutineCreate(vm)}))
	lib.Set(value.Str("resume"), GoFunctionValue(&GoFunction{Name: "coroutine.resume", Fn: coroutineResume}))
	lib.Set(value.Str("yield"), GoFunctionValue(&GoFunction{Name: "coroutine.yield", Fn: coroutineYield}))
	vm.Globals.Set(value.Str("coroutine"), value.TableValue(lib))
}

func coroutineCreate(vm *VM) func(ctx *Context) (int, error) {
	return func(ctx *Context) (int, error) {
		body := ctx.Arg(0)
		if !body.IsFunction() {
			return 0, lerrors.NewTypeError(lerrors.Site{}, "create a coroutine from", body.TypeName())
		}
		th := NewThread(vm, body)
		ctx.Push(value.ThreadValue(th))
		return 1, nil
	}
}

func coroutineResume(ctx *Context) (int, error) {
	arg0 := ctx.Arg(0)
	th, ok := arg0.Ref().(*Thread)
	if !ok || !arg0.IsThread() {
		return 0, lerrors.NewTypeError(lerrors.Site{}, "resume", arg0.TypeName())
	}
	results, err := th.Resume(ctx.Thread(), ctx.Args()[1:])
	if err != nil {
		ctx.Push(value.False)
		var le lerrors.LuaError
		if errors.As(err, &le) {
			if v, ok := le.Value().(value.Value); ok {
				ctx.Push(v)
			} else {
				ctx.Push(value.Str(le.Error()))
			}
		} else {
			ctx.Push(value.Str(err.Error()))
		}
		return 2, nil
	}
	ctx.Push(value.True)
	for _, v := range results {
		ctx.Push(v)
	}
	return 1 + len(results), nil
}

func coroutineYield(ctx *Context) (int, error) {
	th := ctx.Thread()
	if th.IsMain {
		return 0, lerrors.NewCoroutineError("attempt to yield from outside a coroutine")
	}
	results := th.Yield(ctx.Args())
	for _, v := range results {
		ctx.Push(v)
	}
	return len(results), nil
}
