package native

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/go-delve/nativedbg/pkg/proc"
)

// pollSlice bounds a single wait for debug events so that PollEvent can
// notice context cancellation.
const pollSlice = 100 * time.Millisecond

// maxDebugString bounds the strings read for OUTPUT_DEBUG_STRING events.
const maxDebugString = 1 << 16

// outcome is the result of handling one OS event.
type outcome struct {
	ev        *proc.Event // nil: resume silently with status
	status    uint32
	continued bool // the OS event was already continued
}

func (s *Session) newEvent(kind proc.EventKind, pid, tid uint32) *proc.Event {
	s.seq++
	return &proc.Event{Seq: s.seq, Kind: kind, Pid: int(pid), Tid: int(tid)}
}

func continueStatus(handled bool) uint32 {
	if handled {
		return _DBG_CONTINUE
	}
	return _DBG_EXCEPTION_NOT_HANDLED
}

func (s *Session) continueRaw(raw *rawEvent, status uint32) error {
	if err := s.os.continueDebugEvent(raw.Pid, raw.Tid, status); err != nil {
		return fmt.Errorf("could not continue event %d of thread %d: %w", raw.Code, raw.Tid, err)
	}
	return nil
}

// foreignStatus is the continue status for events of processes other
// than the debuggee, such as children the OS reports anyway.
func foreignStatus(raw *rawEvent) uint32 {
	if raw.Code == _EXCEPTION_DEBUG_EVENT && !isBreakpoint(raw.Exc.Code) {
		return _DBG_EXCEPTION_NOT_HANDLED
	}
	return _DBG_CONTINUE
}

// PollEvent returns the next debug event. Events queued while handling
// an earlier one are returned first, in order. A negative timeout waits
// forever; while an attach is in progress the wait is unbounded too.
// The returned event must be passed to ContinueAfterEvent before the next
// poll. NoEvent with a nil error means the timeout expired or an event
// was consumed internally.
func (s *Session) PollEvent(ctx context.Context, timeout time.Duration) (proc.PollResult, *proc.Event, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return proc.NoEvent, nil, err
		}
		wait := pollSlice
		if timeout >= 0 {
			if left := time.Until(deadline); left < wait {
				wait = left
			}
			if wait < 0 {
				wait = 0
			}
		}
		var (
			ev        *proc.Event
			more      bool
			timedOut  bool
			attaching bool
			err       error
		)
		s.execPtraceFunc(func() {
			ev, more, timedOut, err = s.pollOnce(wait)
			attaching = s.attach == asAttaching
		})
		switch {
		case err != nil:
			return proc.NoEvent, nil, err
		case ev != nil && more:
			return proc.ManyEvents, ev, nil
		case ev != nil:
			return proc.OneEvent, ev, nil
		case !timedOut:
			return proc.NoEvent, nil, nil
		}
		if !attaching && timeout >= 0 && !time.Now().Before(deadline) {
			return proc.NoEvent, nil, nil
		}
	}
}

func (s *Session) pollOnce(wait time.Duration) (ev *proc.Event, more, timedOut bool, err error) {
	if s.cur != nil {
		return nil, false, false, fmt.Errorf("event %d has not been continued", s.cur.ev.Seq)
	}
	if len(s.queue) > 0 {
		q := s.queue[0]
		s.queue = s.queue[1:]
		if q.raw != nil {
			s.cur = &pendingEvent{raw: q.raw, ev: q.ev}
		}
		s.surfaced(q.ev)
		return q.ev, len(s.queue) > 0, false, nil
	}
	if err := s.checkAlive(); err != nil {
		return nil, false, false, err
	}
	var raw *rawEvent
	if len(s.deferred) > 0 {
		raw = s.deferred[0]
		s.deferred = s.deferred[1:]
	} else {
		if s.attach == asAttaching {
			wait = infinite
		}
		raw, err = s.os.waitForDebugEvent(wait)
		if err != nil {
			return nil, false, false, fmt.Errorf("waiting for debug event: %w", err)
		}
		if raw == nil {
			return nil, false, true, nil
		}
	}
	out, err := s.dispatch(raw)
	if err != nil {
		if !out.continued {
			s.continueRaw(raw, _DBG_EXCEPTION_NOT_HANDLED)
		}
		return nil, false, false, err
	}
	if out.ev == nil {
		if !out.continued {
			err = s.continueRaw(raw, out.status)
		}
		return nil, false, false, err
	}
	if !out.continued {
		s.cur = &pendingEvent{raw: raw, ev: out.ev}
	}
	s.surfaced(out.ev)
	return out.ev, len(s.queue) > 0, false, nil
}

// surfaced is called for every event returned to the client.
func (s *Session) surfaced(ev *proc.Event) {
	s.pauseRequested.Store(false)
	if !s.exited && !s.detached {
		s.importExports()
	}
	s.last = ev
	s.log.Debugf("event %s", ev)
}

// dispatch turns an OS event into an engine event, updating the session
// state.
func (s *Session) dispatch(raw *rawEvent) (outcome, error) {
	if raw.Pid != s.pid {
		s.log.Debugf("ignoring event %d of foreign process %d", raw.Code, raw.Pid)
		return outcome{status: foreignStatus(raw)}, nil
	}
	switch raw.Code {
	case _EXCEPTION_DEBUG_EVENT:
		return s.handleException(raw)

	case _CREATE_PROCESS_DEBUG_EVENT:
		return s.handleCreateProcess(raw), nil

	case _CREATE_THREAD_DEBUG_EVENT:
		t := s.addThread(int(raw.Tid), raw.Thread, raw.TEB, raw.StartAddr)
		ev := s.newEvent(proc.ThreadStarted, raw.Pid, raw.Tid)
		ev.Addr = t.start
		ev.Handled = true
		return outcome{ev: ev}, nil

	case _EXIT_THREAD_DEBUG_EVENT:
		if t, ok := s.threads[int(raw.Tid)]; ok {
			s.clearTempBreakpoint(t)
			delete(s.threads, t.tid)
		}
		ev := s.newEvent(proc.ThreadExited, raw.Pid, raw.Tid)
		ev.ExitCode = int(raw.ExitCode)
		ev.Handled = true
		return outcome{ev: ev}, nil

	case _EXIT_PROCESS_DEBUG_EVENT:
		s.exiting = true
		s.exitCode = int(raw.ExitCode)
		ev := s.newEvent(proc.ProcessExited, raw.Pid, raw.Tid)
		ev.ExitCode = s.exitCode
		ev.Handled = true
		return outcome{ev: ev}, nil

	case _LOAD_DLL_DEBUG_EVENT:
		if raw.ImageName == "" {
			s.log.Debugf("library at %#x has no name, ignored", raw.Base)
			return outcome{status: _DBG_CONTINUE}, nil
		}
		if _, ok := s.dlls[raw.Base]; ok {
			s.log.Debugf("library %s at %#x already known, ignored", raw.ImageName, raw.Base)
			return outcome{status: _DBG_CONTINUE}, nil
		}
		m := s.newModule(raw.ImageName, raw.Base, raw.FileSize)
		s.addDLL(m)
		ev := s.newEvent(proc.LibLoaded, raw.Pid, raw.Tid)
		ev.Addr = m.Base
		ev.Module = m.ModuleInfo
		ev.Handled = true
		return outcome{ev: ev}, nil

	case _UNLOAD_DLL_DEBUG_EVENT:
		ev := s.newEvent(proc.LibUnloaded, raw.Pid, raw.Tid)
		ev.Addr = raw.Base
		ev.Handled = true
		if m := s.removeDLL(raw.Base); m != nil {
			ev.Module = m.ModuleInfo
			ev.Info = m.Name
		} else {
			ev.Info = s.moduleName(raw.Base)
		}
		return outcome{ev: ev}, nil

	case _OUTPUT_DEBUG_STRING_EVENT:
		str, err := s.readDebugString(raw)
		if err != nil {
			s.log.Warnf("could not read debug string of thread %d: %v", raw.Tid, err)
			return outcome{status: _DBG_CONTINUE}, nil
		}
		ev := s.newEvent(proc.Information, raw.Pid, raw.Tid)
		ev.Info = str
		ev.Handled = true
		return outcome{ev: ev}, nil

	case _RIP_EVENT:
		msg := fmt.Sprintf("RIP error %#x (type %d)", raw.RIPError, raw.RIPType)
		s.log.Warnf("thread %d: %s", raw.Tid, msg)
		ev := s.newEvent(proc.Information, raw.Pid, raw.Tid)
		ev.Info = msg
		ev.Handled = true
		return outcome{ev: ev}, nil
	}
	s.log.Warnf("unknown debug event %d", raw.Code)
	return outcome{status: _DBG_CONTINUE}, nil
}

func (s *Session) handleCreateProcess(raw *rawEvent) outcome {
	s.hProcess = raw.Process
	s.breakHandle.Store(uintptr(raw.Process))
	if s.engine64 {
		wow, err := s.os.isWow64(raw.Process)
		if err != nil {
			s.log.Warnf("could not determine bitness of process %d: %v", raw.Pid, err)
		}
		s.compat = wow
	}
	name := raw.ImageName
	if name == "" {
		name = s.exePath
	} else if s.exePath == "" {
		s.exePath = name
	}
	s.addThread(int(raw.Tid), raw.Thread, raw.TEB, raw.StartAddr)
	s.curproc = s.newModule(name, raw.Base, raw.FileSize)
	s.images[raw.Base] = s.curproc
	s.toImport[raw.Base] = struct{}{}
	s.nameCache.Purge()

	kind := proc.ProcessStarted
	if s.attach == asAttaching {
		kind = proc.ProcessAttached
		s.attach = asBreakpoint
	} else {
		// the loader breakpoint, plus the one of the 64-bit loader of a
		// 32-bit process
		s.expectingDebugBreak = 1
		if s.compat {
			s.expectingDebugBreak = 2
		}
	}
	ev := s.newEvent(kind, raw.Pid, raw.Tid)
	ev.Addr = raw.StartAddr
	ev.Module = s.curproc.ModuleInfo
	ev.Handled = true
	return outcome{ev: ev}
}

func (s *Session) readDebugString(raw *rawEvent) (string, error) {
	n := int(raw.StrLen)
	if n > maxDebugString {
		n = maxDebugString
	}
	if raw.StrUnicode {
		buf := make([]byte, 2*n)
		got, err := s.readMemory(buf, raw.StrAddr)
		if got == 0 && err != nil {
			return "", err
		}
		u := make([]uint16, got/2)
		for i := range u {
			u[i] = binary.LittleEndian.Uint16(buf[2*i:])
		}
		for len(u) > 0 && u[len(u)-1] == 0 {
			u = u[:len(u)-1]
		}
		return string(utf16.Decode(u)), nil
	}
	buf := make([]byte, n)
	got, err := s.readMemory(buf, raw.StrAddr)
	if got == 0 && err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf[:got], "\x00")), nil
}

// ContinueAfterEvent resumes the debuggee after ev, the event last
// returned by PollEvent. Exceptions the engine handled are swallowed,
// the others are passed to the application. A thread stopped on a
// software breakpoint first executes the original instruction.
func (s *Session) ContinueAfterEvent(ev *proc.Event) error {
	var err error
	s.execPtraceFunc(func() { err = s.continueAfter(ev) })
	return err
}

func (s *Session) continueAfter(ev *proc.Event) error {
	if ev == nil {
		return errors.New("no event to continue")
	}
	if s.cur == nil || s.cur.ev.Seq != ev.Seq {
		if s.cur != nil {
			return fmt.Errorf("event %d is pending, can not continue event %d", s.cur.ev.Seq, ev.Seq)
		}
		// already continued when it was queued
		if ev.Kind == proc.ProcessExited && !s.exited && !s.exitQueue {
			s.teardown()
		}
		return nil
	}
	raw := s.cur.raw
	s.cur = nil
	status := continueStatus(ev.Handled)

	if ev.Kind == proc.ProcessExited {
		err := s.continueRaw(raw, _DBG_CONTINUE)
		s.teardown()
		return err
	}

	t := s.threads[int(raw.Tid)]
	if t != nil && raw.Code == _EXCEPTION_DEBUG_EVENT {
		if t.pageHit != 0 {
			addr := t.pageHit
			t.pageHit = 0
			if err := s.beginPageStep(t, addr); err != nil {
				s.log.Warnf("could not step %v past page breakpoint: %v", t, err)
			}
		}
		if t.hwExec {
			t.hwExec = false
			if err := s.setResumeFlag(t); err != nil {
				s.log.Warnf("could not set resume flag on %v: %v", t, err)
			}
		}
	}
	s.applyTracing()
	if t != nil && raw.Code == _EXCEPTION_DEBUG_EVENT {
		if addr, ok := s.atBreakpoint(t); ok {
			return s.stepOver(t, raw, status, addr)
		}
	}
	return s.continueRaw(raw, status)
}

// applyTracing sets the trap flag of the threads single stepping on
// request; the OS clears it after every instruction.
func (s *Session) applyTracing() {
	for _, t := range s.sortedThreads() {
		if !t.tracing {
			continue
		}
		if err := s.toggleSingleStep(t, true); err != nil {
			s.log.Warnf("could not single step %v: %v", t, err)
		}
	}
}

// LastEvent returns the event last returned by PollEvent.
func (s *Session) LastEvent() *proc.Event {
	var r *proc.Event
	s.execPtraceFunc(func() { r = s.last })
	return r
}
