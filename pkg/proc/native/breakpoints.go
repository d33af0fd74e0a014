package native

import (
	"fmt"

	"github.com/go-delve/nativedbg/pkg/logflags"
	"github.com/go-delve/nativedbg/pkg/proc"
)

// SetBreakpoints installs a batch of breakpoints. The result has one
// entry per request; a failure does not stop the batch.
func (s *Session) SetBreakpoints(reqs []proc.BreakpointRequest) []error {
	errs := make([]error, len(reqs))
	s.execPtraceFunc(func() {
		if err := s.checkAlive(); err != nil {
			for i := range errs {
				errs[i] = err
			}
			return
		}
		s.suspendAll(nil)
		defer s.resumeAll()
		for i, req := range reqs {
			errs[i] = s.setBreakpoint(req)
		}
	})
	return errs
}

func (s *Session) setBreakpoint(req proc.BreakpointRequest) error {
	switch req.Type {
	case proc.BreakpointSoftware:
		if err := s.bpts.Install(rawMemory{s}, req.Addr, req.Len); err != nil {
			return err
		}
		s.softUser[req.Addr]++
		return nil
	case proc.BreakpointExec, proc.BreakpointWrite, proc.BreakpointReadWrite, proc.BreakpointRead:
		return s.installHardware(req.Addr, req.Len, req.Type)
	}
	return fmt.Errorf("%v: %w", req, proc.ErrUnsupported)
}

// ClearBreakpoints removes a batch of breakpoints, one result per
// request.
func (s *Session) ClearBreakpoints(reqs []proc.BreakpointRequest) []error {
	errs := make([]error, len(reqs))
	s.execPtraceFunc(func() {
		if err := s.checkAlive(); err != nil {
			for i := range errs {
				errs[i] = err
			}
			return
		}
		s.suspendAll(nil)
		defer s.resumeAll()
		for i, req := range reqs {
			errs[i] = s.clearBreakpoint(req)
		}
	})
	return errs
}

func (s *Session) clearBreakpoint(req proc.BreakpointRequest) error {
	switch req.Type {
	case proc.BreakpointSoftware:
		if err := s.bpts.Remove(rawMemory{s}, req.Addr); err != nil {
			return err
		}
		if s.softUser[req.Addr] > 1 {
			s.softUser[req.Addr]--
		} else {
			delete(s.softUser, req.Addr)
		}
		return nil
	case proc.BreakpointExec, proc.BreakpointWrite, proc.BreakpointReadWrite, proc.BreakpointRead:
		return s.removeHardware(req.Addr)
	}
	return fmt.Errorf("%v: %w", req, proc.ErrUnsupported)
}

// AddPageBreakpoint makes accesses to [addr, addr+length) trap by
// changing page protections.
func (s *Session) AddPageBreakpoint(addr, length uint64, access proc.Access) error {
	var err error
	s.execPtraceFunc(func() {
		if err = s.checkAlive(); err != nil {
			return
		}
		s.suspendAll(nil)
		defer s.resumeAll()
		_, err = s.pages.Add(pageProtector{s}, addr, length, access)
	})
	return err
}

// RemovePageBreakpoint removes the page breakpoint at addr.
func (s *Session) RemovePageBreakpoint(addr uint64) error {
	var err error
	s.execPtraceFunc(func() {
		if err = s.checkAlive(); err != nil {
			return
		}
		s.suspendAll(nil)
		defer s.resumeAll()
		err = s.pages.Remove(pageProtector{s}, addr)
	})
	return err
}

// Breakpoints returns the installed software breakpoints.
func (s *Session) Breakpoints() []proc.SoftwareBreakpoint {
	var r []proc.SoftwareBreakpoint
	s.execPtraceFunc(func() {
		for _, bp := range s.bpts.Sorted() {
			r = append(r, *bp)
		}
	})
	return r
}

// PageBreakpoints returns the installed page breakpoints.
func (s *Session) PageBreakpoints() []proc.PageBreakpoint {
	var r []proc.PageBreakpoint
	s.execPtraceFunc(func() {
		for _, bpt := range s.pages.Breakpoints() {
			r = append(r, *bpt)
		}
	})
	return r
}

// removeAllBreakpoints takes every breakpoint out of the target, logging
// failures.
func (s *Session) removeAllBreakpoints() {
	blog := logflags.BptLogger()
	s.suspendAll(nil)
	defer s.resumeAll()
	mem := rawMemory{s}
	for _, bp := range s.bpts.Sorted() {
		for refs := bp.RefCount; refs > 0; refs-- {
			if err := s.bpts.Remove(mem, bp.Addr); err != nil {
				blog.Warnf("removing breakpoint at %#x: %v", bp.Addr, err)
				break
			}
		}
	}
	s.bpts.Clear()
	s.softUser = make(map[uint64]int)
	for _, t := range s.threads {
		t.tempBpt = 0
	}
	for i := range s.hw.slots {
		if s.hw.slots[i].used {
			if err := s.removeHardware(s.hw.slots[i].addr); err != nil {
				blog.Warnf("removing hardware breakpoint at %#x: %v", s.hw.slots[i].addr, err)
			}
		}
	}
	s.hw.page = nil
	for _, bpt := range s.pages.Breakpoints() {
		if err := s.pages.Remove(pageProtector{s}, bpt.Addr); err != nil {
			blog.Warnf("removing %v: %v", bpt, err)
		}
	}
}

// atBreakpoint reports whether t is about to execute a software
// breakpoint.
func (s *Session) atBreakpoint(t *thread) (uint64, bool) {
	pc, err := s.pc(t)
	if err != nil {
		return 0, false
	}
	_, ok := s.bpts.Find(pc)
	return pc, ok
}

// rewind moves t back onto the breakpoint instruction it just executed.
func (s *Session) rewind(t *thread, addr uint64) {
	if t == nil {
		return
	}
	if err := s.setPC(t, addr); err != nil {
		logflags.BptLogger().Warnf("could not move %v back to breakpoint at %#x: %v", t, addr, err)
	}
}

func (s *Session) relay(addr uint64) {
	if err := s.bpts.Relay(rawMemory{s}, addr); err != nil {
		logflags.BptLogger().Warnf("could not reinstall breakpoint at %#x: %v", addr, err)
	}
}

// stepOver executes the instruction under the software breakpoint at
// addr on t, which stopped with raw, and puts the trap back. raw is
// continued with status. All other threads are suspended meanwhile; the
// events they still report are handled and queued. If t reports anything
// but the single step the step is abandoned, the trap reinstalled and the
// event left pending for the next poll.
func (s *Session) stepOver(t *thread, raw *rawEvent, status uint32, addr uint64) error {
	blog := logflags.BptLogger()
	s.suspendAll(t)
	defer s.resumeAll()

	if err := s.bpts.Lift(rawMemory{s}, addr); err != nil {
		blog.Warnf("could not lift breakpoint at %#x, resuming without step: %v", addr, err)
		return s.continueRaw(raw, status)
	}
	if err := s.toggleSingleStep(t, true); err != nil {
		blog.Warnf("could not single step %v, resuming without step: %v", t, err)
		s.relay(addr)
		return s.continueRaw(raw, status)
	}
	if err := s.continueRaw(raw, status); err != nil {
		s.relay(addr)
		return err
	}
	for {
		r, err := s.os.waitForDebugEvent(infinite)
		if err != nil {
			s.relay(addr)
			return fmt.Errorf("stepping over breakpoint at %#x: %w", addr, err)
		}
		if r == nil {
			continue
		}
		if r.Pid != s.pid {
			if err := s.continueRaw(r, foreignStatus(r)); err != nil {
				return err
			}
			continue
		}
		mine := r.Tid == uint32(t.tid)
		switch {
		case mine && r.Code == _EXCEPTION_DEBUG_EVENT && isSingleStep(r.Exc.Code):
			s.relay(addr)
			if t.tracing {
				t.tracing = false
				ev := s.newEvent(proc.Step, r.Pid, r.Tid)
				ev.Addr = r.Exc.Addr
				ev.Handled = true
				s.queue = append(s.queue, queuedEvent{ev: ev, raw: r})
				return nil
			}
			return s.continueRaw(r, _DBG_CONTINUE)

		case mine || r.Code == _EXIT_PROCESS_DEBUG_EVENT:
			blog.Debugf("step over %#x on %v interrupted by event %d", addr, t, r.Code)
			s.relay(addr)
			if r.Code == _EXCEPTION_DEBUG_EVENT {
				if err := s.toggleSingleStep(t, false); err != nil {
					blog.Warnf("could not clear single step on %v: %v", t, err)
				}
			}
			s.deferred = append(s.deferred, r)
			return nil

		case r.Code == _EXCEPTION_DEBUG_EVENT && isBreakpoint(r.Exc.Code):
			if _, ok := s.bpts.Find(r.Exc.Addr); ok {
				// reported again once the thread runs
				s.rewind(s.threads[int(r.Tid)], r.Exc.Addr)
				if err := s.continueRaw(r, _DBG_CONTINUE); err != nil {
					return err
				}
				continue
			}
		}
		if err := s.dispatchAndQueue(r); err != nil {
			return err
		}
	}
}

// dispatchAndQueue handles an event that arrived while another one is
// being processed: it is continued right away and, if it must be
// reported, queued as already continued.
func (s *Session) dispatchAndQueue(r *rawEvent) error {
	out, err := s.dispatch(r)
	if err != nil {
		if !out.continued {
			s.continueRaw(r, _DBG_EXCEPTION_NOT_HANDLED)
		}
		return err
	}
	if out.continued {
		if out.ev != nil {
			s.queue = append(s.queue, queuedEvent{ev: out.ev})
		}
		return nil
	}
	status := out.status
	if out.ev != nil {
		status = continueStatus(out.ev.Handled)
		s.queue = append(s.queue, queuedEvent{ev: out.ev})
	}
	return s.continueRaw(r, status)
}
