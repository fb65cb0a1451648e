package sandbox

import "fmt"

// EventKind is the lifecycle transition an Event reports
type EventKind int

// Event kinds
const (
	// EventExited is delivered when the traced child is about to exit
	EventExited EventKind = iota + 1
	// EventReleased is delivered once the child is detached and reaped and
	// the sandbox stopped running
	EventReleased
)

func (k EventKind) String() string {
	switch k {
	case EventExited:
		return "exited"
	case EventReleased:
		return "released"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a process lifecycle notification
type Event struct {
	Kind EventKind
	Pid  int

	// ExitStatus is the exit code of the child, set for EventExited
	ExitStatus int
}

func (e Event) String() string {
	if e.Kind == EventExited {
		return fmt.Sprintf("%v(pid %d, status %d)", e.Kind, e.Pid, e.ExitStatus)
	}
	return fmt.Sprintf("%v(pid %d)", e.Kind, e.Pid)
}

// EventSink receives events. Delivery is synchronous: the sandbox does not
// proceed until Event returns. While events are delivered the sandbox rejects
// Spawn, Tick, Kill and Close with ErrReentrant, whichever goroutine calls
// them. A sink that hands work to another goroutine must let that goroutine
// retry after Event returns. Pid, Running and State never block.
type EventSink interface {
	Event(Event)
}

// SinkFunc adapts a function to EventSink
type SinkFunc func(Event)

// Event implements EventSink
func (f SinkFunc) Event(e Event) {
	f(e)
}
