// Package debugger implements the overlay that turns a plain pkg/vm
// execution into a steppable, breakpoint-able debug session: it installs
// vm.Hook, patches live instructions with code.OpDebugTrap to intercept
// dispatch, and drives the pause/resume handshake a controller (pkg/
// controller) rides on top of.
//
// No teacher file implements an overlay like this one (the interpreter it
// is modeled on ships no debug hooks at all); the locking discipline and
// the pause handshake are instead grounded on pkg/vm/thread.go's own
// resume/yield channel pattern, generalized from a caller/coroutine
// relationship to a controller/VM one.
package debugger

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"lunadbg/pkg/code"
	"lunadbg/pkg/value"
	"lunadbg/pkg/vm"
)

func jsonMarshalVariable(name, typeName, str string) ([]byte, error) {
	return json.Marshal(struct {
		Name  string `json:"name"`
		Type  string `json:"type"`
		Value string `json:"value"`
	}{name, typeName, str})
}

// StepMode records why a transient step trap is currently armed.
type StepMode int

const (
	StepNone StepMode = iota
	StepOver
	StepIn
	StepOut
)

func (m StepMode) String() string {
	switch m {
	case StepOver:
		return "step"
	case StepIn:
		return "step"
	case StepOut:
		return "step"
	default:
		return "none"
	}
}

// Granularity controls whether Step* arms at the next source line or the
// next raw instruction, per setStepOverMode.
type Granularity int

const (
	GranularityLine Granularity = iota
	GranularityInstruction
)

// bpKey names one patched instruction slot.
type bpKey struct {
	proto *code.Prototype
	pc    int
}

// BreakpointOptions are the optional condition/hitCondition/logMessage a
// line breakpoint may carry.
type BreakpointOptions struct {
	Condition    string
	HitCondition string
	LogMessage   string
}

type desiredLine struct {
	req      LineBreakpointRequest
	proto    *code.Prototype
	pc       int
	resolved bool
}

type stepTrap struct {
	key        bpKey
	original   code.Instruction
	ownsPatch  bool
	entryDepth int
	// reason overrides the pause event's reported reason (e.g. "entry"
	// for ArmStopOnEntry); empty means derive it from stepMode.
	reason string
}

type pauseState struct {
	resumeCh chan resumeRequest
	proto    *code.Prototype
	pc       int
}

// ResumeAction is what the controller asked the overlay to do with a
// paused thread.
type ResumeAction int

const (
	ActionContinue ResumeAction = iota
	ActionStepOver
	ActionStepIn
	ActionStepOut
)

type resumeRequest struct {
	action ResumeAction
}

// Variable is a named value snapshot, returned by GetLocals/GetUpvalues/
// GetGlobals.
type Variable struct {
	Name  string      `json:"name"`
	Value value.Value `json:"value"`
}

// MarshalJSON renders a Variable's value the way a debug client wants to
// display it: a type tag plus the Lua-formatted string form, since
// value.Value itself has no exported fields to marshal structurally.
func (v Variable) MarshalJSON() ([]byte, error) {
	s, _ := v.Value.ToLuaString()
	return jsonMarshalVariable(v.Name, v.Value.TypeName(), s)
}

// Overlay is the Debugger Overlay: every field below is guarded by mu,
// following the teacher's habit (internal/jsonrpc/server.go,
// internal/backend) of serializing a subsystem's shared state behind one
// mutex rather than many fine-grained locks.
type Overlay struct {
	mu sync.Mutex

	v *vm.VM

	registered map[string]*code.Prototype      // chunk -> root prototype
	active     map[bpKey]code.Instruction       // currently patched slots -> original instruction
	options    map[bpKey]BreakpointOptions      // line-breakpoint options, keyed like active
	hits       map[bpKey]int                    // hit counters, keyed like active
	desired    map[string][]desiredLine         // controller's requested line breakpoints per chunk
	dirty      map[string]bool                  // chunks whose desired set hasn't been applied yet
	ilb        map[string]map[int]bool           // chunk -> instruction index -> enabled
	pending    map[string][]int                 // instruction breakpoints requested before the chunk registered

	stepBreak   *stepTrap
	stepMode    StepMode
	granularity Granularity
	lastThread  *vm.Thread
	threadIDs   map[*vm.Thread]string
	byThreadID  map[string]*vm.Thread

	paused map[*vm.Thread]*pauseState

	// Events is the one-way stream of initialized/stopped/continued/
	// output/terminated notifications a controller drains. It has a
	// 16-slot buffer (see NewOverlay); once that is full, sends block,
	// which is deliberate — a stopped event must never be dropped, since the VM
	// thread is parked behind it until the controller resumes it.
	Events chan Event
}

// NewOverlay creates an overlay bound to v; callers must set v.Hook to the
// returned Overlay (or call Attach) before running any code.
func NewOverlay(v *vm.VM) *Overlay {
	return &Overlay{
		v:          v,
		registered: make(map[string]*code.Prototype),
		active:     make(map[bpKey]code.Instruction),
		options:    make(map[bpKey]BreakpointOptions),
		hits:       make(map[bpKey]int),
		desired:    make(map[string][]desiredLine),
		dirty:      make(map[string]bool),
		ilb:        make(map[string]map[int]bool),
		pending:    make(map[string][]int),
		threadIDs:  make(map[*vm.Thread]string),
		byThreadID: make(map[string]*vm.Thread),
		paused:     make(map[*vm.Thread]*pauseState),
		Events:     make(chan Event, 16),
	}
}

// Attach installs o as v's debugger hook.
func (o *Overlay) Attach() { o.v.Hook = o }

// LastThread returns the most recently paused thread, the default target
// for a resume/inspection RPC that does not name one explicitly.
func (o *Overlay) LastThread() *vm.Thread {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastThread
}

func (o *Overlay) threadIDLocked(th *vm.Thread) string {
	if th.IsMain {
		return "main"
	}
	if id, ok := o.threadIDs[th]; ok {
		return id
	}
	id := uuid.NewString()
	o.threadIDs[th] = id
	o.byThreadID[id] = th
	return id
}

// ThreadByID resolves a debugger-visible thread id back to its thread,
// the inverse of ThreadID/threadIDLocked. "main" always resolves to the
// VM's main thread, even before it has ever been looked up the other way.
func (o *Overlay) ThreadByID(id string) (*vm.Thread, bool) {
	if id == "" || id == "main" {
		return o.v.Main, true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	th, ok := o.byThreadID[id]
	return th, ok
}

func siteOf(proto *code.Prototype, pc int) string {
	return fmt.Sprintf("%s:%d", proto.Source.Path(), proto.LineAt(pc))
}

func (o *Overlay) emit(e Event) { o.Events <- e }

// EmitOutput surfaces an out-of-band message (e.g. a launch failure) on
// the event stream without a thread being paused.
func (o *Overlay) EmitOutput(category, message string) {
	o.emit(Event{Kind: EventOutput, Output: &OutputBody{Category: category, Output: message}})
}

// EmitTerminated announces that the debuggee has finished running.
func (o *Overlay) EmitTerminated() {
	o.emit(Event{Kind: EventTerminated})
}

// EmitInitialized announces that the session is ready to receive
// setBreakpoints/launch requests.
func (o *Overlay) EmitInitialized() {
	o.emit(Event{Kind: EventInitialized})
}

// Options reports the overlay's current session-wide settings, for the
// controller's getOptions RPC.
func (o *Overlay) Options() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	mode := "line"
	if o.granularity == GranularityInstruction {
		mode = "instruction"
	}
	return map[string]any{"stepOverMode": mode}
}

// SetStepOverMode switches whether Step Over/In/Out target the next
// source line or the next raw instruction.
func (o *Overlay) SetStepOverMode(g Granularity) {
	o.mu.Lock()
	o.granularity = g
	o.mu.Unlock()
}

func frameAt(th *vm.Thread, idx int) (*vm.CallFrame, error) {
	i := len(th.Frames) - 1 - idx
	if i < 0 || i >= len(th.Frames) {
		return nil, fmt.Errorf("no frame at index %d", idx)
	}
	return &th.Frames[i], nil
}

// FrameInfo is one entry of GetStack's result, innermost frame first.
type FrameInfo struct {
	Index    int    `json:"index"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Name     string `json:"name"`
	TailCall bool   `json:"tailCall"`
}

// GetStack lists th's call frames, innermost (index 0) first.
func (o *Overlay) GetStack(th *vm.Thread) []FrameInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]FrameInfo, 0, len(th.Frames))
	for i := len(th.Frames) - 1; i >= 0; i-- {
		f := &th.Frames[i]
		out = append(out, FrameInfo{
			Index:    len(th.Frames) - 1 - i,
			File:     f.Closure.Proto.Source.Path(),
			Line:     f.Closure.Proto.LineAt(f.PC),
			Name:     vm.FunctionName(vm.ClosureValue(f.Closure)),
			TailCall: f.TailCall,
		})
	}
	return out
}

// ThreadID returns the debugger-visible identifier for th.
func (o *Overlay) ThreadID(th *vm.Thread) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.threadIDLocked(th)
}

// sortedInts is a small helper shared by the breakpoint listing code.
func sortedInts(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for idx, enabled := range m {
		if enabled {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}
