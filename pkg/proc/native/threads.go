package native

import (
	"fmt"
	"sort"

	"github.com/go-delve/nativedbg/pkg/proc"
)

// thread is the record of one debuggee thread.
type thread struct {
	tid   int
	h     handle
	teb   uint64
	start uint64
	name  string

	// suspends is the number of SuspendThread calls made by suspendAll
	// that resumeAll has to undo.
	suspends int

	// tracing is set while the thread single steps on request; the next
	// single step exception is reported as Step.
	tracing bool

	// tempBpt is the address of the thread's temporary breakpoint, 0 if
	// none.
	tempBpt uint64

	// pageStep is the address whose page protection was lifted to let
	// the thread execute one instruction, 0 if none.
	pageStep uint64

	// pageHit is the fault address of the page breakpoint last reported
	// on this thread, consumed by ContinueAfterEvent.
	pageHit uint64

	// hwExec is set when the thread stopped on an execution hardware
	// breakpoint and needs the resume flag to go past it.
	hwExec bool
}

func (t *thread) String() string {
	if t.name != "" {
		return fmt.Sprintf("thread %d (%s)", t.tid, t.name)
	}
	return fmt.Sprintf("thread %d", t.tid)
}

// ThreadInfo describes a debuggee thread.
type ThreadInfo struct {
	ID        int
	Name      string
	StartAddr uint64
	TEB       uint64
}

func (s *Session) addThread(tid int, h handle, teb, start uint64) *thread {
	t := &thread{tid: tid, h: h, teb: teb, start: start}
	if teb == 0 {
		if b, err := s.os.threadTEB(h); err == nil {
			t.teb = b
		}
	}
	s.threads[tid] = t
	if err := s.applyHardwareBreakpoints(t); err != nil {
		s.log.Warnf("could not set hardware breakpoints on new thread %d: %v", tid, err)
	}
	return t
}

func (s *Session) sortedThreads() []*thread {
	r := make([]*thread, 0, len(s.threads))
	for _, t := range s.threads {
		r = append(r, t)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].tid < r[j].tid })
	return r
}

func (s *Session) findThread(tid int) (*thread, error) {
	t, ok := s.threads[tid]
	if !ok {
		return nil, fmt.Errorf("thread %d: %w", tid, proc.ErrNotFound)
	}
	return t, nil
}

// sureSuspend suspends t twice, counting the calls that succeeded. A
// single SuspendThread is not enough for a thread that is in the middle
// of being resumed by the OS.
func (s *Session) sureSuspend(t *thread) {
	for i := 0; i < 2; i++ {
		if _, err := s.os.suspendThread(t.h); err != nil {
			s.log.Debugf("could not suspend %v: %v", t, err)
			continue
		}
		t.suspends++
	}
}

// sureResume undoes sureSuspend. A thread that was already suspended
// before stays suspended.
func (s *Session) sureResume(t *thread) {
	for t.suspends > 0 {
		if _, err := s.os.resumeThread(t.h); err != nil {
			s.log.Debugf("could not resume %v: %v", t, err)
		}
		t.suspends--
	}
}

// suspendAll suspends every thread except skip (which may be nil).
func (s *Session) suspendAll(skip *thread) {
	for _, t := range s.sortedThreads() {
		if t != skip {
			s.sureSuspend(t)
		}
	}
}

func (s *Session) resumeAll() {
	for _, t := range s.sortedThreads() {
		s.sureResume(t)
	}
}

// SuspendThread increments the suspend count of thread tid.
func (s *Session) SuspendThread(tid int) error {
	var err error
	s.execPtraceFunc(func() {
		var t *thread
		if t, err = s.findThread(tid); err != nil {
			return
		}
		if _, err = s.os.suspendThread(t.h); err != nil {
			err = fmt.Errorf("could not suspend %v: %w", t, err)
		}
	})
	return err
}

// ResumeThread decrements the suspend count of thread tid.
func (s *Session) ResumeThread(tid int) error {
	var err error
	s.execPtraceFunc(func() {
		var t *thread
		if t, err = s.findThread(tid); err != nil {
			return
		}
		if _, err = s.os.resumeThread(t.h); err != nil {
			err = fmt.Errorf("could not resume %v: %w", t, err)
		}
	})
	return err
}

// Threads returns the debuggee threads ordered by id.
func (s *Session) Threads() []ThreadInfo {
	var r []ThreadInfo
	s.execPtraceFunc(func() {
		for _, t := range s.sortedThreads() {
			r = append(r, ThreadInfo{ID: t.tid, Name: t.name, StartAddr: t.start, TEB: t.teb})
		}
	})
	return r
}

// SingleStep makes thread tid execute one instruction when the process
// is continued. The step is reported as a Step event.
func (s *Session) SingleStep(tid int) error {
	var err error
	s.execPtraceFunc(func() {
		var t *thread
		if t, err = s.findThread(tid); err != nil {
			return
		}
		t.tracing = true
		err = s.toggleSingleStep(t, true)
	})
	return err
}

// RunTo sets a temporary breakpoint at addr that only stops thread tid.
// It is removed when hit and the stop is reported as a Step event.
func (s *Session) RunTo(tid int, addr uint64) error {
	var err error
	s.execPtraceFunc(func() {
		var t *thread
		if t, err = s.findThread(tid); err != nil {
			return
		}
		if t.tempBpt != 0 {
			s.clearTempBreakpoint(t)
		}
		s.suspendAll(nil)
		defer s.resumeAll()
		if err = s.bpts.Install(rawMemory{s}, addr, 1); err != nil {
			return
		}
		t.tempBpt = addr
	})
	return err
}

func (s *Session) clearTempBreakpoint(t *thread) {
	if t.tempBpt == 0 {
		return
	}
	if err := s.bpts.Remove(rawMemory{s}, t.tempBpt); err != nil {
		s.log.Warnf("removing temporary breakpoint of %v: %v", t, err)
	}
	t.tempBpt = 0
}
