package vm

import (
	"context"

	"lunadbg/pkg/value"
)

// Context is what a registered host function receives: its arguments,
// a place to stash return values, the thread it is running on, the
// owning VM, and a context.Context slot for cancellation (see Context).
type Context struct {
	vm      *VM
	thread  *Thread
	args    []value.Value
	results []value.Value
	ctx     context.Context
}

// NArgs returns the number of arguments passed to the call.
func (c *Context) NArgs() int { return len(c.args) }

// Arg returns the i'th argument (0-based), or Nil if fewer were passed.
func (c *Context) Arg(i int) value.Value {
	if i < 0 || i >= len(c.args) {
		return value.Nil
	}
	return c.args[i]
}

// Args returns every argument passed to the call.
func (c *Context) Args() []value.Value { return c.args }

// Push appends one return value; the function's (int, error) return
// reports how many of the pushed values the caller should see.
func (c *Context) Push(v value.Value) { c.results = append(c.results, v) }

// Thread returns the thread the host call is running on.
func (c *Context) Thread() *Thread { return c.thread }

// VM returns the owning VM.
func (c *Context) VM() *VM { return c.vm }

// Context returns the cancellation signal for this call. CallValue and
// dispatchCall always pass context.Background(), so it is never
// cancelled.
func (c *Context) Context() context.Context { return c.ctx }
