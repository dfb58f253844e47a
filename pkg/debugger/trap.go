package debugger

import (
	"fmt"

	"lunadbg/pkg/code"
	lerrors "lunadbg/pkg/errors"
	"lunadbg/pkg/vm"
)

// OnDebugTrap implements vm.Hook: it is called from the VM's own
// goroutine whenever dispatch reaches a patched instruction, and returns
// the original instruction the VM should execute in its place. The eight
// steps below match the overlay's contract exactly: step-trap match,
// breakpoint lookup, pending-desired drain, hit-count, condition,
// log-point, then pause.
func (o *Overlay) OnDebugTrap(th *vm.Thread, proto *code.Prototype, pc int) (code.Instruction, error) {
	key := bpKey{proto, pc}

	o.mu.Lock()

	// 1. A step trap always takes precedence, and is only a genuine hit
	// once the call stack has returned to the depth it was armed at —
	// otherwise a recursive call revisiting the same pc is not our step
	// target and the instruction just runs through transparently.
	if o.stepBreak != nil && o.stepBreak.key == key {
		st := o.stepBreak
		if st.entryDepth >= 0 && len(th.Frames) != st.entryDepth {
			o.mu.Unlock()
			return st.original, nil
		}
		if st.ownsPatch {
			proto.Code.Set(pc, st.original)
		}
		o.stepBreak = nil
		mode := o.stepMode
		o.stepMode = StepNone
		reason := st.reason
		if reason == "" {
			reason = mode.String()
		}
		o.mu.Unlock()
		return o.pauseAndWait(th, proto, pc, st.original, reason)
	}

	// 2. Otherwise this must be a registered breakpoint.
	orig, ok := o.active[key]
	if !ok {
		o.mu.Unlock()
		return 0, lerrors.NewDebuggerError(lerrors.Site{Chunk: string(proto.Source), Line: proto.LineAt(pc)},
			"debug trap fired with no registered original instruction")
	}

	// 3. Apply any pending desired-breakpoint snapshot for this chunk.
	chunk := string(proto.Source)
	if o.dirty[chunk] {
		o.applyDesiredLocked(chunk)
		if o2, ok2 := o.active[key]; ok2 {
			orig = o2
		}
	}

	opts := o.options[key]
	o.hits[key]++
	hitCount := o.hits[key]
	frame := &th.Frames[len(th.Frames)-1]
	resolve := o.resolverLocked(th, frame)
	o.mu.Unlock()

	// 4. Hit count.
	if opts.HitCondition != "" {
		hit, err := evalHitCondition(opts.HitCondition, hitCount)
		if err != nil {
			o.emitStderr(fmt.Sprintf("hit condition error at %s: %v", siteOf(proto, pc), err))
			return orig, nil
		}
		if !hit {
			return orig, nil
		}
	}

	// 5. Condition.
	if opts.Condition != "" {
		cv, err := evalCondition(opts.Condition, resolve)
		if err != nil {
			o.emitStderr(fmt.Sprintf("condition error at %s: %v", siteOf(proto, pc), err))
			return orig, nil
		}
		if !cv.Truthy() {
			return orig, nil
		}
	}

	// 6. Log point: render and emit, then resume without pausing.
	if opts.LogMessage != "" {
		rendered, err := renderLog(opts.LogMessage, resolve)
		if err != nil {
			o.emitStderr(fmt.Sprintf("log message error at %s: %v", siteOf(proto, pc), err))
		} else {
			o.emit(Event{Kind: EventOutput, Output: &OutputBody{Category: "stdout", Output: rendered}})
		}
		return orig, nil
	}

	// 7-8. Capture context and pause.
	return o.pauseAndWait(th, proto, pc, orig, "breakpoint")
}

func (o *Overlay) emitStderr(msg string) {
	o.emit(Event{Kind: EventOutput, Output: &OutputBody{Category: "stderr", Output: msg}})
}

// pauseAndWait publishes a stopped event and blocks the calling (VM)
// goroutine until the controller resumes th, then arms whatever
// step/continue action was requested and returns the original
// instruction for the VM to execute.
func (o *Overlay) pauseAndWait(th *vm.Thread, proto *code.Prototype, pc int, orig code.Instruction, reason string) (code.Instruction, error) {
	resumeCh := make(chan resumeRequest)

	o.mu.Lock()
	tid := o.threadIDLocked(th)
	o.lastThread = th
	o.paused[th] = &pauseState{resumeCh: resumeCh, proto: proto, pc: pc}
	file := proto.Source.Path()
	line := proto.LineAt(pc)
	o.mu.Unlock()

	o.emit(Event{Kind: EventStopped, Stopped: &StoppedBody{Reason: reason, ThreadID: tid, File: file, Line: line}})

	req := <-resumeCh

	o.mu.Lock()
	delete(o.paused, th)
	if len(th.Frames) > 0 {
		frame := &th.Frames[len(th.Frames)-1]
		switch req.action {
		case ActionStepOver:
			o.armStepOver(th, frame, proto, pc, orig)
		case ActionStepIn:
			o.armStepIn(th, frame, proto, pc, orig)
		case ActionStepOut:
			o.armStepOutLocked(th)
		default:
			o.stepBreak = nil
			o.stepMode = StepNone
		}
	}
	o.mu.Unlock()

	o.emit(Event{Kind: EventContinued})
	return orig, nil
}

// Resume signals th (or, if th is nil, the last-paused thread) to
// continue with action. It returns an error if no such thread is
// currently paused.
func (o *Overlay) Resume(th *vm.Thread, action ResumeAction) error {
	o.mu.Lock()
	if th == nil {
		th = o.lastThread
	}
	ps, ok := o.paused[th]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no paused thread to resume")
	}
	ps.resumeCh <- resumeRequest{action: action}
	return nil
}

// Continue resumes th (or the last-paused thread) without arming a step.
func (o *Overlay) Continue(th *vm.Thread) error { return o.Resume(th, ActionContinue) }

// StepOver resumes th, pausing again at the next source line in the same
// frame.
func (o *Overlay) StepOver(th *vm.Thread) error { return o.Resume(th, ActionStepOver) }

// StepIn resumes th, pausing at the first instruction of whatever Lua
// closure the paused call site is about to invoke (or behaving like
// StepOver if it isn't calling one).
func (o *Overlay) StepIn(th *vm.Thread) error { return o.Resume(th, ActionStepIn) }

// StepOut resumes th, pausing when control returns to its caller frame.
func (o *Overlay) StepOut(th *vm.Thread) error { return o.Resume(th, ActionStepOut) }

// ArmStopOnEntry primes a one-shot trap at proto's first instruction, so
// launch(stopOnEntry: true) pauses before the program's first line runs.
func (o *Overlay) ArmStopOnEntry(proto *code.Prototype) {
	o.mu.Lock()
	o.installStepBreak(proto, 0, 1)
	o.stepBreak.reason = "entry"
	o.stepMode = StepIn
	o.mu.Unlock()
}
