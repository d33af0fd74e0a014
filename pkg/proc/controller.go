package proc

import (
	"context"
	"fmt"
	"time"

	"github.com/go-delve/nativedbg/pkg/proc/winutil"
)

// StartFlags configures how a process is launched.
type StartFlags struct {
	// Checksum is the expected CRC32 (IEEE) of the target file, 0 for
	// no check.
	Checksum uint32
	// Dir is the working directory of the new process.
	Dir string
	// NewConsole gives the process its own console window.
	NewConsole bool
}

// BreakpointType is the kind of a requested breakpoint.
type BreakpointType uint8

const (
	BreakpointSoftware BreakpointType = iota
	BreakpointExec
	BreakpointWrite
	BreakpointReadWrite
	BreakpointRead
)

func (bt BreakpointType) String() string {
	switch bt {
	case BreakpointSoftware:
		return "soft"
	case BreakpointExec:
		return "exec"
	case BreakpointWrite:
		return "write"
	case BreakpointReadWrite:
		return "rdwr"
	case BreakpointRead:
		return "read"
	}
	return fmt.Sprintf("BreakpointType(%d)", uint8(bt))
}

// ParseBreakpointType parses the String form of a breakpoint type.
func ParseBreakpointType(s string) (BreakpointType, error) {
	for bt := BreakpointSoftware; bt <= BreakpointRead; bt++ {
		if bt.String() == s {
			return bt, nil
		}
	}
	return 0, fmt.Errorf("unknown breakpoint type %q", s)
}

// Access returns the memory accesses that trigger a breakpoint of this
// type.
func (bt BreakpointType) Access() Access {
	switch bt {
	case BreakpointExec, BreakpointSoftware:
		return AccessExec
	case BreakpointWrite:
		return AccessWrite
	case BreakpointReadWrite:
		return AccessReadWrite
	case BreakpointRead:
		return AccessRead
	}
	return 0
}

// BreakpointRequest is one entry of a batch breakpoint operation.
type BreakpointRequest struct {
	Addr uint64
	Len  int
	Type BreakpointType
}

func (r BreakpointRequest) String() string {
	return fmt.Sprintf("%s breakpoint at %#x len %d", r.Type, r.Addr, r.Len)
}

// MemoryRegion is one entry of the target's memory map.
type MemoryRegion struct {
	Start, End uint64
	Access     Access
	Prot       uint32
	Name       string // module containing the region, if any
}

// ProcessController is the command surface of a debug engine. Every
// command returns an error that Classify maps to the tri-state Status.
type ProcessController interface {
	Start(path string, args, env []string, flags StartFlags) error
	Attach(pid int) error

	// PollEvent returns the next debug event. A negative timeout waits
	// forever.
	PollEvent(ctx context.Context, timeout time.Duration) (PollResult, *Event, error)
	ContinueAfterEvent(ev *Event) error

	SuspendThread(tid int) error
	ResumeThread(tid int) error

	MemoryReadWriter

	// SetBreakpoints and ClearBreakpoints return one error per request;
	// a failure does not stop the batch.
	SetBreakpoints(reqs []BreakpointRequest) []error
	ClearBreakpoints(reqs []BreakpointRequest) []error

	ReadRegisters(tid int, classes winutil.RegClass) (*winutil.Context, error)
	WriteRegisters(tid int, ctx *winutil.Context) error

	MemoryMap() ([]MemoryRegion, error)

	Detach() error
	Terminate() error
}
