package proc

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine matches one of these
// through errors.Is, or none for plain OS failures wrapped with context.
var (
	ErrNotFound        = errors.New("not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrPartialIO       = errors.New("partial memory transfer")
	ErrUnsupported     = errors.New("not supported")
	ErrProviderFailure = errors.New("symbol provider failure")
	ErrFatal           = errors.New("internal inconsistency")
)

// StartErrorReason says why a process could not be started.
type StartErrorReason uint8

const (
	StartNotFound StartErrorReason = iota
	StartChecksumMismatch
	StartLaunchFailed
)

func (r StartErrorReason) String() string {
	switch r {
	case StartNotFound:
		return "file not found"
	case StartChecksumMismatch:
		return "checksum mismatch"
	case StartLaunchFailed:
		return "launch failed"
	}
	return fmt.Sprintf("StartErrorReason(%d)", uint8(r))
}

// StartError is returned by Start.
type StartError struct {
	Reason StartErrorReason
	Path   string
	Err    error
}

func (e *StartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not start %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("could not start %s: %s", e.Path, e.Reason)
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Is(target error) bool {
	return target == ErrNotFound && e.Reason == StartNotFound
}

// AttachErrorReason says why the engine could not attach.
type AttachErrorReason uint8

const (
	AttachPrivilege AttachErrorReason = iota
	AttachBitness
	AttachFailed
)

func (r AttachErrorReason) String() string {
	switch r {
	case AttachPrivilege:
		return "debug privilege missing"
	case AttachBitness:
		return "target is 64-bit, engine is 32-bit"
	case AttachFailed:
		return "attach failed"
	}
	return fmt.Sprintf("AttachErrorReason(%d)", uint8(r))
}

// AttachError is returned by Attach.
type AttachError struct {
	Reason AttachErrorReason
	Pid    int
	Err    error
}

func (e *AttachError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not attach to pid %d: %s: %v", e.Pid, e.Reason, e.Err)
	}
	return fmt.Sprintf("could not attach to pid %d: %s", e.Pid, e.Reason)
}

func (e *AttachError) Unwrap() error { return e.Err }

func (e *AttachError) Is(target error) bool {
	switch target {
	case ErrAccessDenied:
		return e.Reason == AttachPrivilege
	case ErrUnsupported:
		return e.Reason == AttachBitness
	}
	return false
}

// PartialIOError is returned when a memory transfer moved fewer bytes
// than requested, even after relaxing page protections.
type PartialIOError struct {
	Addr uint64
	Want int
	Got  int
}

func (e *PartialIOError) Error() string {
	return fmt.Sprintf("partial memory transfer at %#x: %d of %d bytes", e.Addr, e.Got, e.Want)
}

func (e *PartialIOError) Is(target error) bool { return target == ErrPartialIO }

// ProviderError carries the message of a failed symbol provider operation.
type ProviderError struct {
	Msg string
}

func (e *ProviderError) Error() string { return e.Msg }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderFailure }

// FatalError reports an engine invariant violation. It is a program
// defect, not a condition of the target.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "fatal: " + e.Msg }

func (e *FatalError) Is(target error) bool { return target == ErrFatal }

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

func (pe ErrProcessExited) Is(target error) bool { return target == ErrNotFound }

// BreakpointExistsError is returned when trying to set a breakpoint of a
// different kind at an address that already has one.
type BreakpointExistsError struct {
	Addr uint64
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("Breakpoint exists at %#x", bpe.Addr)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

func (nbp NoBreakpointError) Is(target error) bool { return target == ErrNotFound }

// InvalidAddressError represents the result of
// attempting to set a breakpoint at an invalid address.
type InvalidAddressError struct {
	Address uint64
	Err     error
}

func (iae InvalidAddressError) Error() string {
	if iae.Err != nil {
		return fmt.Sprintf("Invalid address %#x: %v", iae.Address, iae.Err)
	}
	return fmt.Sprintf("Invalid address %#x", iae.Address)
}

func (iae InvalidAddressError) Unwrap() error { return iae.Err }

// Status is the outcome of a controller command.
type Status int8

const (
	StatusFatal       Status = -1
	StatusRecoverable Status = 0
	StatusOK          Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRecoverable:
		return "failed"
	case StatusFatal:
		return "fatal"
	}
	return fmt.Sprintf("Status(%d)", int8(s))
}

// Classify maps the error returned by a command to its status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrFatal):
		return StatusFatal
	}
	var se *StartError
	var ae *AttachError
	if errors.As(err, &se) || errors.As(err, &ae) {
		return StatusFatal
	}
	return StatusRecoverable
}
