package debugger

// EventKind names the five notifications the overlay ever emits; these
// mirror spec §4.H's event list exactly and are translated verbatim into
// the controller's wire-level {type:"event", event: ..., body: ...}
// envelope.
type EventKind string

const (
	EventInitialized EventKind = "initialized"
	EventStopped     EventKind = "stopped"
	EventContinued   EventKind = "continued"
	EventOutput      EventKind = "output"
	EventTerminated  EventKind = "terminated"
)

// StoppedBody is the payload of a "stopped" event.
type StoppedBody struct {
	Reason   string `json:"reason"` // "breakpoint", "step", or "entry"
	ThreadID string `json:"threadId"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// OutputBody is the payload of an "output" event (a log-point message, or
// an evaluation error surfaced per spec's silent-failure resolution).
type OutputBody struct {
	Category string `json:"category"` // "stdout" or "stderr"
	Output   string `json:"output"`
}

// Event is one notification pulled off Overlay.Events.
type Event struct {
	Kind     EventKind
	Stopped  *StoppedBody
	Output   *OutputBody
}
