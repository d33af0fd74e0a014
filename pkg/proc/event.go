package proc

import "fmt"

// EventKind is the kind of a normalized debug event.
type EventKind uint8

const (
	EventNone EventKind = iota
	ProcessStarted
	ProcessAttached
	ProcessExited
	ThreadStarted
	ThreadExited
	LibLoaded
	LibUnloaded
	BreakpointHit
	Step
	Exception
	Information
	ProcessSuspended
	ProcessDetached
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case ProcessStarted:
		return "process started"
	case ProcessAttached:
		return "process attached"
	case ProcessExited:
		return "process exited"
	case ThreadStarted:
		return "thread started"
	case ThreadExited:
		return "thread exited"
	case LibLoaded:
		return "library loaded"
	case LibUnloaded:
		return "library unloaded"
	case BreakpointHit:
		return "breakpoint"
	case Step:
		return "step"
	case Exception:
		return "exception"
	case Information:
		return "information"
	case ProcessSuspended:
		return "process suspended"
	case ProcessDetached:
		return "process detached"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// ModuleInfo describes a loaded executable image.
type ModuleInfo struct {
	Name     string
	Base     uint64
	Size     uint64
	Rebase   uint64 // address the main image was linked at, if known
	Compat   bool   // 32-bit image in a 64-bit process
	FileSize int64
}

// End returns the first address after the module.
func (m *ModuleInfo) End() uint64 { return m.Base + m.Size }

// Contains reports whether addr lies inside the module.
func (m *ModuleInfo) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.End()
}

// ExceptionInfo is attached to Exception and BreakpointHit events.
type ExceptionInfo struct {
	Code     uint32
	CanCont  bool
	DataAddr uint64 // faulting data address, if any
	Desc     string
}

// Event is a normalized debug event.
type Event struct {
	// Seq identifies the event for ContinueAfterEvent.
	Seq  uint64
	Kind EventKind
	Pid  int
	Tid  int
	Addr uint64
	// Handled is true if the engine consumed the underlying exception;
	// the target is continued without passing it to the application.
	Handled bool

	Module   ModuleInfo    // LibLoaded, LibUnloaded, ProcessStarted, ProcessAttached
	ExitCode int           // ProcessExited, ThreadExited
	Exc      ExceptionInfo // Exception, BreakpointHit
	Info     string        // Information, LibUnloaded
}

func (ev *Event) String() string {
	switch ev.Kind {
	case ProcessStarted, ProcessAttached, LibLoaded:
		return fmt.Sprintf("%s pid=%d tid=%d %s base=%#x size=%#x", ev.Kind, ev.Pid, ev.Tid, ev.Module.Name, ev.Module.Base, ev.Module.Size)
	case LibUnloaded:
		return fmt.Sprintf("%s pid=%d tid=%d %s", ev.Kind, ev.Pid, ev.Tid, ev.Info)
	case ProcessExited, ThreadExited:
		return fmt.Sprintf("%s pid=%d tid=%d code=%d", ev.Kind, ev.Pid, ev.Tid, ev.ExitCode)
	case Exception:
		return fmt.Sprintf("%s pid=%d tid=%d ea=%#x code=%08X %s", ev.Kind, ev.Pid, ev.Tid, ev.Addr, ev.Exc.Code, ev.Exc.Desc)
	case BreakpointHit:
		if ev.Exc.DataAddr != 0 {
			return fmt.Sprintf("%s pid=%d tid=%d ea=%#x data=%#x", ev.Kind, ev.Pid, ev.Tid, ev.Addr, ev.Exc.DataAddr)
		}
		return fmt.Sprintf("%s pid=%d tid=%d ea=%#x", ev.Kind, ev.Pid, ev.Tid, ev.Addr)
	case Information:
		return fmt.Sprintf("%s pid=%d tid=%d %q", ev.Kind, ev.Pid, ev.Tid, ev.Info)
	}
	return fmt.Sprintf("%s pid=%d tid=%d ea=%#x", ev.Kind, ev.Pid, ev.Tid, ev.Addr)
}

// PollResult is the outcome of a poll for debug events.
type PollResult uint8

const (
	// NoEvent: the wait timed out or the event was consumed internally.
	NoEvent PollResult = iota
	// OneEvent: an event was returned and the queue is empty.
	OneEvent
	// ManyEvents: an event was returned and more are queued.
	ManyEvents
)

func (r PollResult) String() string {
	switch r {
	case NoEvent:
		return "no event"
	case OneEvent:
		return "one event"
	case ManyEvents:
		return "many events"
	}
	return fmt.Sprintf("PollResult(%d)", uint8(r))
}
