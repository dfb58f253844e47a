package debugger

import (
	"fmt"
	"strconv"

	"lunadbg/pkg/value"
	"lunadbg/pkg/vm"
)

// Resolver looks a name up in locals -> upvalues -> globals order, the
// scoping rule condition/hitCondition/logMessage evaluation and the
// getLocals/getUpvalues/getGlobals RPCs share.
type Resolver func(name string) (value.Value, bool)

func (o *Overlay) localsLocked(th *vm.Thread, frame *vm.CallFrame) []Variable {
	proto := frame.Closure.Proto
	var out []Variable
	for reg := 0; reg < int(proto.MaxStackSize); reg++ {
		name := proto.LocalName(reg, frame.PC)
		if name == "" {
			continue
		}
		out = append(out, Variable{Name: name, Value: th.Stack[frame.Base+reg]})
	}
	return out
}

func (o *Overlay) upvaluesLocked(frame *vm.CallFrame) []Variable {
	proto := frame.Closure.Proto
	out := make([]Variable, len(frame.Closure.Upvalues))
	for i, uv := range frame.Closure.Upvalues {
		name := ""
		if i < len(proto.Upvalues) {
			name = proto.Upvalues[i].Name
		}
		out[i] = Variable{Name: name, Value: uv.Get()}
	}
	return out
}

func (o *Overlay) globalsLocked() []Variable {
	var out []Variable
	k := value.Nil
	for {
		nk, nv, ok := o.v.Globals.Next(k)
		if !ok {
			break
		}
		name, _ := nk.ToLuaString()
		out = append(out, Variable{Name: name, Value: nv})
		k = nk
	}
	return out
}

// resolverLocked builds a Resolver bound to frame's live locals/upvalues
// plus the VM's globals table. Must be called with mu held; the returned
// closure itself does not need the lock (it only reads the snapshot
// slices and the read-only Globals table).
func (o *Overlay) resolverLocked(th *vm.Thread, frame *vm.CallFrame) Resolver {
	locals := o.localsLocked(th, frame)
	ups := o.upvaluesLocked(frame)
	globals := o.v.Globals
	return func(name string) (value.Value, bool) {
		for _, v := range locals {
			if v.Name == name {
				return v.Value, true
			}
		}
		for _, v := range ups {
			if v.Name == name {
				return v.Value, true
			}
		}
		gv := globals.Get(value.Str(name))
		if gv.IsNil() {
			return value.Nil, false
		}
		return gv, true
	}
}

// GetLocals lists frameIdx's live locals (innermost frame is index 0).
func (o *Overlay) GetLocals(th *vm.Thread, frameIdx int) ([]Variable, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	frame, err := frameAt(th, frameIdx)
	if err != nil {
		return nil, err
	}
	return o.localsLocked(th, frame), nil
}

// GetUpvalues lists frameIdx's closure's upvalues.
func (o *Overlay) GetUpvalues(th *vm.Thread, frameIdx int) ([]Variable, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	frame, err := frameAt(th, frameIdx)
	if err != nil {
		return nil, err
	}
	return o.upvaluesLocked(frame), nil
}

// GetGlobals lists every key/value pair in the VM's globals table.
func (o *Overlay) GetGlobals() []Variable {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.globalsLocked()
}

// SetLocal overwrites the named local in frameIdx.
func (o *Overlay) SetLocal(th *vm.Thread, frameIdx int, name string, v value.Value) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	frame, err := frameAt(th, frameIdx)
	if err != nil {
		return err
	}
	proto := frame.Closure.Proto
	for reg := 0; reg < int(proto.MaxStackSize); reg++ {
		if proto.LocalName(reg, frame.PC) == name {
			th.Stack[frame.Base+reg] = v
			return nil
		}
	}
	return fmt.Errorf("no local named %q in this frame", name)
}

// SetUpvalue overwrites the named upvalue of frameIdx's closure.
func (o *Overlay) SetUpvalue(th *vm.Thread, frameIdx int, name string, v value.Value) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	frame, err := frameAt(th, frameIdx)
	if err != nil {
		return err
	}
	proto := frame.Closure.Proto
	for i, uv := range frame.Closure.Upvalues {
		if i < len(proto.Upvalues) && proto.Upvalues[i].Name == name {
			uv.Set(v)
			return nil
		}
	}
	return fmt.Errorf("no upvalue named %q in this frame", name)
}

// ParseValueLiteral turns the text a setLocal/setUpvalue RPC carries into
// a Value: true/false/nil keywords, a quoted string, or a number,
// defaulting to an unquoted string if nothing else matches.
func ParseValueLiteral(s string) value.Value {
	switch s {
	case "true":
		return value.True
	case "false":
		return value.False
	case "nil":
		return value.Nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Number(n)
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return value.Str(s[1 : len(s)-1])
		}
	}
	return value.Str(s)
}
