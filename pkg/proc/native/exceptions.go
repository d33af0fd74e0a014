package native

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-delve/nativedbg/pkg/logflags"
	"github.com/go-delve/nativedbg/pkg/proc"
)

const (
	_EXCEPTION_NONCONTINUABLE = 0x1

	// MSVC thread naming: info[0] is the record type.
	msvcThreadNameType = 0x1000
	maxThreadName      = 256

	// Borland nested exception: five parameters, the nested record
	// address in the fourth.
	bccNestedParams = 5
	// maxNestedExceptions bounds the chain of nested records followed
	// before the outer exception is reported as is.
	maxNestedExceptions = 8
)

func isBreakpoint(code uint32) bool {
	return code == proc.ExceptionBreakpoint || code == proc.ExceptionWX86Breakpoint
}

func isSingleStep(code uint32) bool {
	return code == proc.ExceptionSingleStep || code == proc.ExceptionWX86SingleStep
}

// handleException classifies an exception event. Engine traps
// (breakpoints, steps, page faults on watched pages) become the matching
// events; everything else follows the exception table.
func (s *Session) handleException(raw *rawEvent) (outcome, error) {
	return s.classifyException(raw, 0)
}

// classifyException is handleException for a record found depth nested
// records deep.
func (s *Session) classifyException(raw *rawEvent, depth int) (outcome, error) {
	exc := &raw.Exc
	code := exc.Code
	t := s.threads[int(raw.Tid)]
	setting, known := s.exceptions.Lookup(code)
	if !known {
		setting = s.exceptions.Setting(code)
	}

	if s.exiting && !known {
		// the process is being torn down by the OS
		ev := s.newEvent(proc.ProcessExited, raw.Pid, raw.Tid)
		ev.ExitCode = s.exitCode
		return outcome{ev: ev}, nil
	}
	if s.attach == asBreakpoint && !isBreakpoint(code) {
		s.attach = asAttached
	}

	handled := !setting.Pass
	pause := s.pauseRequested.Load()

	switch {
	case isBreakpoint(code):
		if out, ok := s.handleBreakpoint(raw, t, pause); ok {
			return out, nil
		}
	case isSingleStep(code):
		if out, ok := s.handleSingleStep(raw, t); ok {
			return out, nil
		}
	case code == proc.ExceptionAccessViolation && len(exc.Info) >= 2:
		if out, ok := s.handlePageFault(raw, t); ok {
			return out, nil
		}
	case (code == proc.ExceptionBCCNested || code == proc.ExceptionBCCNestedAlt) && len(exc.Info) == bccNestedParams && exc.Info[0] == 2 && exc.Info[1] == 3:
		if depth >= maxNestedExceptions {
			logflags.ExceptionLogger().Warnf("nested exception chain at %#x deeper than %d records", exc.Info[3], maxNestedExceptions)
			break
		}
		nested, err := s.readExceptionRecord(exc.Info[3])
		if err == nil {
			logflags.ExceptionLogger().Debugf("nested exception %08X at %#x", nested.Code, nested.Addr)
			r := *raw
			r.Exc = *nested
			return s.classifyException(&r, depth+1)
		}
		logflags.ExceptionLogger().Warnf("could not read nested exception record at %#x: %v", exc.Info[3], err)
	case code == proc.ExceptionThreadName && len(exc.Info) >= 4 && exc.Info[0] == msvcThreadNameType && exc.Info[3] == 0:
		s.nameThread(raw)
		return outcome{status: _DBG_CONTINUE}, nil
	}

	ev := s.newEvent(proc.Exception, raw.Pid, raw.Tid)
	ev.Addr = exc.Addr
	ev.Handled = handled
	ev.Exc = proc.ExceptionInfo{
		Code:    code,
		CanCont: exc.Flags&_EXCEPTION_NONCONTINUABLE == 0,
		Desc:    s.exceptions.DescribeException(code, exc.Addr, int(raw.Tid), exc.Info),
	}
	if code == proc.ExceptionAccessViolation && len(exc.Info) >= 2 {
		ev.Exc.DataAddr = exc.Info[1]
	}
	if setting.Stop || pause {
		return outcome{ev: ev}, nil
	}
	logflags.ExceptionLogger().Infof("%s", ev.Exc.Desc)
	if t != nil && t.tracing && handled {
		t.tracing = false
		ev.Kind = proc.Step
		return outcome{ev: ev}, nil
	}
	return outcome{status: continueStatus(handled)}, nil
}

func (s *Session) handleBreakpoint(raw *rawEvent, t *thread, pause bool) (outcome, bool) {
	addr := raw.Exc.Addr
	hit := func(kind proc.EventKind) (outcome, bool) {
		ev := s.newEvent(kind, raw.Pid, raw.Tid)
		ev.Addr = addr
		ev.Handled = true
		ev.Exc = proc.ExceptionInfo{Code: raw.Exc.Code, CanCont: true}
		return outcome{ev: ev}, true
	}

	if t != nil && t.tempBpt == addr {
		s.clearTempBreakpoint(t)
		s.rewind(t, addr)
		if pause {
			return hit(proc.ProcessSuspended)
		}
		return hit(proc.Step)
	}
	if s.attach == asBreakpoint {
		// the break-in thread created by the attach
		s.attach = asAttached
		return hit(proc.ProcessSuspended)
	}
	_, shadowed := s.bpts.Find(addr)
	switch {
	case shadowed && s.softUser[addr] > 0:
		s.rewind(t, addr)
		return hit(proc.BreakpointHit)
	case shadowed && t != nil:
		// a temporary breakpoint of another thread
		s.rewind(t, addr)
		if err := s.stepOver(t, raw, _DBG_CONTINUE, addr); err != nil {
			s.log.Warnf("stepping %v over %#x: %v", t, addr, err)
		}
		return outcome{continued: true}, true
	case s.expectingDebugBreak > 0:
		s.expectingDebugBreak--
		logflags.ExceptionLogger().Debugf("loader breakpoint at %#x", addr)
		return outcome{status: _DBG_CONTINUE}, true
	case pause:
		return hit(proc.ProcessSuspended)
	}
	return outcome{}, false
}

func (s *Session) handleSingleStep(raw *rawEvent, t *thread) (outcome, bool) {
	if t == nil {
		return outcome{}, false
	}
	slot, hit, err := s.checkHardware(t)
	if err != nil {
		logflags.BptLogger().Warnf("could not read debug status of %v: %v", t, err)
	}
	if hit {
		ev := s.newEvent(proc.BreakpointHit, raw.Pid, raw.Tid)
		ev.Addr = raw.Exc.Addr
		ev.Handled = true
		ev.Exc = proc.ExceptionInfo{Code: raw.Exc.Code, CanCont: true}
		if slot.kind == proc.BreakpointExec {
			t.hwExec = true
		} else {
			ev.Exc.DataAddr = slot.addr
		}
		return outcome{ev: ev}, true
	}
	if t.pageStep != 0 {
		s.finishPageStep(t)
		if !t.tracing {
			return outcome{status: _DBG_CONTINUE}, true
		}
	}
	if t.tracing {
		t.tracing = false
		ev := s.newEvent(proc.Step, raw.Pid, raw.Tid)
		ev.Addr = raw.Exc.Addr
		ev.Handled = true
		return outcome{ev: ev}, true
	}
	return outcome{}, false
}

// handlePageFault decides whether an access violation comes from a page
// breakpoint. Accesses outside the watched range, or of a kind the
// breakpoint does not watch, are let through by lifting the protection
// for one instruction.
func (s *Session) handlePageFault(raw *rawEvent, t *thread) (outcome, bool) {
	exc := &raw.Exc
	access := proc.ViolationAccess(exc.Info[0])
	fault := exc.Info[1]
	bpt, ok := s.pages.Find(fault)
	if !ok {
		if bpt, ok = s.pages.Find(exc.Addr); !ok {
			return outcome{}, false
		}
		fault = exc.Addr
	}
	if t == nil {
		return outcome{}, false
	}
	if proc.ShouldFirePageBpt(bpt, fault, access, exc.Addr, s.pages.DEP) {
		t.pageHit = fault
		ev := s.newEvent(proc.BreakpointHit, raw.Pid, raw.Tid)
		ev.Addr = exc.Addr
		ev.Handled = true
		ev.Exc = proc.ExceptionInfo{
			Code:     exc.Code,
			CanCont:  true,
			DataAddr: fault,
			Desc:     s.exceptions.DescribeException(exc.Code, exc.Addr, t.tid, exc.Info),
		}
		return outcome{ev: ev}, true
	}
	if err := s.beginPageStep(t, fault); err != nil {
		logflags.BptLogger().Warnf("could not step %v past %v: %v", t, bpt, err)
		return outcome{}, false
	}
	return outcome{status: _DBG_CONTINUE}, true
}

// beginPageStep restores the protection of the page holding addr and
// single steps t so that finishPageStep can put it back.
func (s *Session) beginPageStep(t *thread, addr uint64) error {
	if t.pageStep != 0 {
		s.finishPageStep(t)
	}
	if err := s.pages.Suspend(pageProtector{s}, addr); err != nil {
		return err
	}
	if err := s.toggleSingleStep(t, true); err != nil {
		s.pages.Resume(pageProtector{s}, addr)
		return err
	}
	t.pageStep = addr
	return nil
}

func (s *Session) finishPageStep(t *thread) {
	if err := s.pages.Resume(pageProtector{s}, t.pageStep); err != nil {
		logflags.BptLogger().Warnf("could not rearm page breakpoint at %#x: %v", t.pageStep, err)
	}
	t.pageStep = 0
}

// nameThread handles the MSVC SetThreadName exception: info[1] points to
// the name, info[2] is the thread id, -1 for the current thread.
func (s *Session) nameThread(raw *rawEvent) {
	info := raw.Exc.Info
	tid := int(uint32(info[2]))
	if uint32(info[2]) == 0xFFFFFFFF {
		tid = int(raw.Tid)
	}
	buf := make([]byte, maxThreadName)
	n, _ := s.readMemory(buf, info[1])
	name := buf[:n]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	t, ok := s.threads[tid]
	if !ok {
		logflags.ExceptionLogger().Debugf("name %q for unknown thread %d", name, tid)
		return
	}
	t.name = string(name)
	logflags.ExceptionLogger().Debugf("thread %d is named %q", tid, t.name)
}

type exceptionRecord32 struct {
	Code, Flags, Record, Addr, NumParams uint32
	Info                                 [_EXCEPTION_MAXIMUM_PARAMETERS]uint32
}

type exceptionRecord64 struct {
	Code, Flags  uint32
	Record, Addr uint64
	NumParams    uint32
	_            uint32
	Info         [_EXCEPTION_MAXIMUM_PARAMETERS]uint64
}

func (s *Session) ptrSize() int {
	if s.compat || !s.engine64 {
		return 4
	}
	return 8
}

// readExceptionRecord reads an exception record from target memory, in
// the layout of the debuggee's pointer size.
func (s *Session) readExceptionRecord(addr uint64) (*rawException, error) {
	if s.ptrSize() == 4 {
		var r exceptionRecord32
		if err := s.readStruct(addr, &r); err != nil {
			return nil, err
		}
		n := min(int(r.NumParams), _EXCEPTION_MAXIMUM_PARAMETERS)
		exc := &rawException{Code: r.Code, Flags: r.Flags, Addr: uint64(r.Addr), Nested: uint64(r.Record), Info: make([]uint64, n)}
		for i := range exc.Info {
			exc.Info[i] = uint64(r.Info[i])
		}
		return exc, nil
	}
	var r exceptionRecord64
	if err := s.readStruct(addr, &r); err != nil {
		return nil, err
	}
	n := min(int(r.NumParams), _EXCEPTION_MAXIMUM_PARAMETERS)
	exc := &rawException{Code: r.Code, Flags: r.Flags, Addr: r.Addr, Nested: r.Record, Info: make([]uint64, n)}
	copy(exc.Info, r.Info[:n])
	return exc, nil
}

func (s *Session) readStruct(addr uint64, v interface{}) error {
	buf := make([]byte, binary.Size(v))
	n, err := s.readMemory(buf, addr)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read at %#x", addr)
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}
