package events

import (
	"fmt"

	"github.com/ChuLiYu/hotworker/pkg/types"
)

// Event 生命週期事件，集合固定
type Event int

const (
	WorkerStarting Event = iota
	RequestReceived
	RequestHandled
	RequestTerminated
	TaskReceived
	TaskTerminated
	TickReceived
	TickTerminated
	OperationTerminated
	WorkerErrorOccurred
	WorkerStopping

	numEvents
)

var eventNames = [numEvents]string{
	WorkerStarting:      "WorkerStarting",
	RequestReceived:     "RequestReceived",
	RequestHandled:      "RequestHandled",
	RequestTerminated:   "RequestTerminated",
	TaskReceived:        "TaskReceived",
	TaskTerminated:      "TaskTerminated",
	TickReceived:        "TickReceived",
	TickTerminated:      "TickTerminated",
	OperationTerminated: "OperationTerminated",
	WorkerErrorOccurred: "WorkerErrorOccurred",
	WorkerStopping:      "WorkerStopping",
}

func (e Event) String() string {
	if e < 0 || e >= numEvents {
		return fmt.Sprintf("Event(%d)", int(e))
	}
	return eventNames[e]
}

// Valid reports whether e is one of the enumerated events.
func (e Event) Valid() bool {
	return e >= 0 && e < numEvents
}

// All returns every event in declaration order.
func All() []Event {
	out := make([]Event, numEvents)
	for i := range out {
		out[i] = Event(i)
	}
	return out
}

// Parse maps an event name as written in configuration to its Event.
func Parse(name string) (Event, error) {
	for i, n := range eventNames {
		if n == name {
			return Event(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

// ReceivedFor returns the *Received event of an operation kind.
func ReceivedFor(kind types.OperationKind) Event {
	switch kind {
	case types.KindTask:
		return TaskReceived
	case types.KindTick:
		return TickReceived
	default:
		return RequestReceived
	}
}

// TerminatedFor returns the kind-specific *Terminated event.
func TerminatedFor(kind types.OperationKind) Event {
	switch kind {
	case types.KindTask:
		return TaskTerminated
	case types.KindTick:
		return TickTerminated
	default:
		return RequestTerminated
	}
}
