package debugger

import (
	"fmt"

	"lunadbg/pkg/code"
)

// LineBreakpointRequest is one entry of a setBreakpoints call.
type LineBreakpointRequest struct {
	Line         int    `json:"line"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty"`
}

// VerifiedBreakpoint is setBreakpoints' per-line response.
type VerifiedBreakpoint struct {
	Line     int    `json:"line"`
	Verified bool   `json:"verified"`
	Message  string `json:"message,omitempty"`
}

// OnClosureCreated implements vm.Hook: it registers the first prototype
// ever seen for a chunk as that chunk's root (later sibling/nested
// closures reuse the same tree, already reachable through Protos, so only
// the first registration matters), then applies any instruction
// breakpoints the controller asked for before the chunk was loaded and
// any line breakpoints left pending for the same reason.
func (o *Overlay) OnClosureCreated(proto *code.Prototype) {
	o.mu.Lock()
	defer o.mu.Unlock()
	chunk := string(proto.Source)
	if _, exists := o.registered[chunk]; !exists {
		o.registered[chunk] = proto
	}
	o.applyPendingInstrLocked(chunk)
	if o.dirty[chunk] {
		o.applyDesiredLocked(chunk)
	}
}

// SetBreakpoints replaces chunk's desired line-breakpoint set and returns
// per-line verification. Verification is a pure read against the already
// registered prototype tree (code.Prototype.FindByLine never touches the
// mutable CodeArray), so it can run safely from the controller's own
// goroutine; the instructions themselves are only ever patched from
// within a Hook callback running on the VM's own goroutine (see
// applyDesiredLocked), so two goroutines never race over CodeArray.
func (o *Overlay) SetBreakpoints(chunk string, reqs []LineBreakpointRequest) []VerifiedBreakpoint {
	o.mu.Lock()
	defer o.mu.Unlock()

	root, registered := o.registered[chunk]
	results := make([]VerifiedBreakpoint, len(reqs))
	resolved := make([]desiredLine, 0, len(reqs))
	for i, r := range reqs {
		if !registered {
			results[i] = VerifiedBreakpoint{Line: r.Line, Verified: false, Message: "source not yet loaded"}
			resolved = append(resolved, desiredLine{req: r})
			continue
		}
		proto, pc, ok := root.FindByLine(r.Line)
		if !ok {
			results[i] = VerifiedBreakpoint{Line: r.Line, Verified: false, Message: "no instruction maps to this line"}
			continue
		}
		results[i] = VerifiedBreakpoint{Line: r.Line, Verified: true}
		resolved = append(resolved, desiredLine{req: r, proto: proto, pc: pc, resolved: true})
	}
	o.desired[chunk] = resolved
	o.dirty[chunk] = true
	if registered {
		o.applyDesiredLocked(chunk)
	}
	return results
}

// applyDesiredLocked clears every line-breakpoint patch belonging to
// chunk (except the instruction a thread is currently paused at, and
// anything separately owned by an instruction breakpoint) and reinstalls
// the chunk's desired set. Must be called with mu held.
func (o *Overlay) applyDesiredLocked(chunk string) {
	if !o.dirty[chunk] {
		return
	}
	if root, ok := o.registered[chunk]; ok {
		for i, dl := range o.desired[chunk] {
			if dl.resolved {
				continue
			}
			if proto, pc, ok := root.FindByLine(dl.req.Line); ok {
				dl.proto, dl.pc, dl.resolved = proto, pc, true
				o.desired[chunk][i] = dl
			}
		}
	}
	for k, orig := range o.active {
		if string(k.proto.Source) != chunk {
			continue
		}
		if o.isPausedSiteLocked(k) {
			continue
		}
		if o.ilb[chunk] != nil && o.ilb[chunk][k.pc] {
			continue
		}
		k.proto.Code.Set(k.pc, orig)
		delete(o.active, k)
		delete(o.options, k)
		delete(o.hits, k)
	}
	for _, dl := range o.desired[chunk] {
		if !dl.resolved {
			continue
		}
		o.installBreakpointLocked(dl.proto, dl.pc, BreakpointOptions{
			Condition:    dl.req.Condition,
			HitCondition: dl.req.HitCondition,
			LogMessage:   dl.req.LogMessage,
		})
	}
	o.dirty[chunk] = false
}

func (o *Overlay) installBreakpointLocked(proto *code.Prototype, pc int, opts BreakpointOptions) {
	key := bpKey{proto, pc}
	if _, exists := o.active[key]; !exists {
		orig := proto.Code.At(pc)
		proto.Code.Set(pc, orig.WithOpCode(code.OpDebugTrap))
		o.active[key] = orig
		o.hits[key] = 0
	}
	o.options[key] = opts
}

func (o *Overlay) clearBreakpointLocked(key bpKey) {
	orig, ok := o.active[key]
	if !ok {
		return
	}
	if o.isPausedSiteLocked(key) {
		return
	}
	key.proto.Code.Set(key.pc, orig)
	delete(o.active, key)
	delete(o.options, key)
	delete(o.hits, key)
}

func (o *Overlay) isPausedSiteLocked(key bpKey) bool {
	for _, ps := range o.paused {
		if ps.proto == key.proto && ps.pc == key.pc {
			return true
		}
	}
	return false
}

// SetInstrBreakpoint enables or disables an instruction-level breakpoint
// at a literal index within chunk's root prototype. If the chunk has not
// registered yet, the request is remembered and applied by
// OnClosureCreated.
func (o *Overlay) SetInstrBreakpoint(chunk string, index int, enabled bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ilb[chunk] == nil {
		o.ilb[chunk] = make(map[int]bool)
	}
	o.ilb[chunk][index] = enabled
	root, ok := o.registered[chunk]
	if !ok {
		o.pending[chunk] = append(o.pending[chunk], index)
		return nil
	}
	if index < 0 || index >= root.Code.Len() {
		return fmt.Errorf("instruction index %d out of range for %q", index, chunk)
	}
	if enabled {
		o.installBreakpointLocked(root, index, BreakpointOptions{})
	} else {
		o.clearBreakpointLocked(bpKey{root, index})
	}
	return nil
}

func (o *Overlay) applyPendingInstrLocked(chunk string) {
	pending, ok := o.pending[chunk]
	if !ok {
		return
	}
	root := o.registered[chunk]
	for _, idx := range pending {
		if idx < 0 || idx >= root.Code.Len() {
			continue
		}
		if o.ilb[chunk][idx] {
			o.installBreakpointLocked(root, idx, BreakpointOptions{})
		}
	}
	delete(o.pending, chunk)
}

// GetInstrBreakpoints lists the currently enabled instruction-breakpoint
// indices for chunk.
func (o *Overlay) GetInstrBreakpoints(chunk string) []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedInts(o.ilb[chunk])
}
