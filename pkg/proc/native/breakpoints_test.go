package native

import (
	"errors"
	"testing"

	"github.com/go-delve/nativedbg/pkg/proc"
	"github.com/go-delve/nativedbg/pkg/proc/winutil"
)

const (
	testBpt  = testExeBase + 0x1100
	testData = 0x20000000
)

func soft(addr uint64) proc.BreakpointRequest {
	return proc.BreakpointRequest{Addr: addr, Type: proc.BreakpointSoftware}
}

func setBreakpoints(t *testing.T, s *Session, reqs ...proc.BreakpointRequest) {
	t.Helper()
	for i, err := range s.SetBreakpoints(reqs) {
		if err != nil {
			t.Fatalf("%v: %v", reqs[i], err)
		}
	}
}

func clearBreakpoints(t *testing.T, s *Session, reqs ...proc.BreakpointRequest) {
	t.Helper()
	for i, err := range s.ClearBreakpoints(reqs) {
		if err != nil {
			t.Fatalf("%v: %v", reqs[i], err)
		}
	}
}

func checkResumed(t *testing.T, f *fakeOS, tids ...uint32) {
	t.Helper()
	for _, tid := range tids {
		if n := f.suspendCount(tid); n != 0 {
			t.Fatalf("thread %d left with suspend count %d", tid, n)
		}
	}
}

// startWithThread starts the process and creates a second thread.
func startWithThread(t *testing.T, f *fakeOS, s *Session) {
	t.Helper()
	startProcess(t, f, s)
	f.push(evCreateThread(2, 0x401800))
	cont(t, s, expect(t, s, proc.ThreadStarted))
}

func TestSoftwareBreakpointRefcount(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startProcess(t, f, s)
	f.poke(testBpt, []byte{0x90})

	setBreakpoints(t, s, soft(testBpt), soft(testBpt))
	if b := f.peek(testBpt, 1)[0]; b != 0xCC {
		t.Fatalf("trap not written: %#x", b)
	}
	if prot := f.protection(testBpt); prot != proc.PAGE_EXECUTE_READ {
		t.Fatalf("code protection left %#x", prot)
	}
	bps := s.Breakpoints()
	if len(bps) != 1 || bps[0].RefCount != 2 || bps[0].OrigBytes[0] != 0x90 {
		t.Fatalf("breakpoints %v", bps)
	}

	clearBreakpoints(t, s, soft(testBpt))
	if b := f.peek(testBpt, 1)[0]; b != 0xCC {
		t.Fatalf("trap removed with a reference left: %#x", b)
	}
	clearBreakpoints(t, s, soft(testBpt))
	if b := f.peek(testBpt, 1)[0]; b != 0x90 {
		t.Fatalf("original byte not restored: %#x", b)
	}
	errs := s.ClearBreakpoints([]proc.BreakpointRequest{soft(testBpt)})
	if !errors.Is(errs[0], proc.ErrFatal) {
		t.Fatalf("clearing a missing breakpoint: %v", errs[0])
	}
	checkResumed(t, f, fakeMainTid)
}

func TestUserSuspendSurvivesSuspendAll(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startWithThread(t, f, s)

	if err := s.SuspendThread(2); err != nil {
		t.Fatalf("SuspendThread: %v", err)
	}
	if n := f.suspendCount(2); n != 1 {
		t.Fatalf("suspend count %d after SuspendThread", n)
	}

	// installing suspends and resumes every thread around the write
	setBreakpoints(t, s, soft(testBpt))
	clearBreakpoints(t, s, soft(testBpt))
	if n := f.suspendCount(2); n != 1 {
		t.Fatalf("suspend count %d after breakpoint batch", n)
	}
	checkResumed(t, f, fakeMainTid)

	if err := s.ResumeThread(2); err != nil {
		t.Fatalf("ResumeThread: %v", err)
	}
	checkResumed(t, f, fakeMainTid, 2)

	if err := s.SuspendThread(99); !errors.Is(err, proc.ErrNotFound) {
		t.Fatalf("SuspendThread of an unknown thread: %v", err)
	}
	if err := s.ResumeThread(99); !errors.Is(err, proc.ErrNotFound) {
		t.Fatalf("ResumeThread of an unknown thread: %v", err)
	}
}

func TestSoftwareBreakpointBatch(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startProcess(t, f, s)

	errs := s.SetBreakpoints([]proc.BreakpointRequest{
		soft(testExeBase + 0x2000),
		soft(0x50000000), // unmapped
		{Addr: testExeBase + 0x2100, Len: 2, Type: proc.BreakpointSoftware},
		{Addr: testExeBase + 0x2200, Type: proc.BreakpointType(42)},
	})
	if errs[0] != nil || errs[2] != nil {
		t.Fatalf("valid requests failed: %v", errs)
	}
	var inv proc.InvalidAddressError
	if !errors.As(errs[1], &inv) {
		t.Fatalf("unmapped address: %v", errs[1])
	}
	if !errors.Is(errs[3], proc.ErrUnsupported) {
		t.Fatalf("unknown type: %v", errs[3])
	}
	if b := f.peek(testExeBase+0x2100, 2); b[0] != 0xCC || b[1] != 0xCC {
		t.Fatalf("two byte trap %x", b)
	}
	if n := len(s.Breakpoints()); n != 2 {
		t.Fatalf("%d breakpoints", n)
	}
}

func TestBreakpointHitAndStepOver(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startWithThread(t, f, s)
	f.poke(testBpt, []byte{0x90})
	setBreakpoints(t, s, soft(testBpt))

	f.push(f.evBreakpoint(fakeMainTid, testBpt))
	ev := expect(t, s, proc.BreakpointHit)
	if ev.Addr != testBpt || ev.Tid != fakeMainTid || !ev.Handled {
		t.Fatalf("hit %v", ev)
	}
	if rip := f.thread(fakeMainTid).ctx.Rip; rip != testBpt {
		t.Fatalf("pc not moved back to the breakpoint: %#x", rip)
	}

	var (
		stepping     bool
		lifted       byte
		otherSuspend int
	)
	f.onContinue = func(f *fakeOS, c continueCall) {
		if stepping {
			return
		}
		stepping = true
		lifted = f.pages[testBpt&^(fakePageSize-1)].data[testBpt&(fakePageSize-1)]
		otherSuspend = f.threads[threadHandle(2)].suspend
	}
	cont(t, s, ev)
	f.onContinue = nil

	if lifted != 0x90 {
		t.Fatalf("breakpoint not lifted during the step: %#x", lifted)
	}
	if otherSuspend == 0 {
		t.Fatalf("other thread ran during the step")
	}
	if b := f.peek(testBpt, 1)[0]; b != 0xCC {
		t.Fatalf("breakpoint not reinstalled: %#x", b)
	}
	if rip := f.thread(fakeMainTid).ctx.Rip; rip != testBpt+1 {
		t.Fatalf("thread did not step: %#x", rip)
	}
	log := f.continueLog()
	for _, c := range log[len(log)-2:] {
		if c.tid != fakeMainTid || c.status != _DBG_CONTINUE {
			t.Fatalf("continues %+v", log)
		}
	}
	checkResumed(t, f, fakeMainTid, 2)
	drain(t, s, f)
}

func TestStepOverInterrupted(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startWithThread(t, f, s)
	f.poke(testBpt, []byte{0x90})
	setBreakpoints(t, s, soft(testBpt))

	f.push(f.evBreakpoint(fakeMainTid, testBpt))
	ev := expect(t, s, proc.BreakpointHit)

	// the instruction under the breakpoint faults instead of completing
	f.noAutoStep = true
	f.onContinue = func(f *fakeOS, c continueCall) {
		f.onContinue = nil
		f.events = append([]*rawEvent{evException(fakeMainTid, proc.ExceptionAccessViolation, testBpt, 0, 0x1234)}, f.events...)
	}
	cont(t, s, ev)
	f.noAutoStep = false

	if b := f.peek(testBpt, 1)[0]; b != 0xCC {
		t.Fatalf("breakpoint not reinstalled: %#x", b)
	}
	if fl := f.thread(fakeMainTid).ctx.EFlags; fl&winutil.TrapFlag != 0 {
		t.Fatalf("trap flag left set")
	}
	checkResumed(t, f, fakeMainTid, 2)

	ev = expect(t, s, proc.Exception)
	if ev.Exc.Code != proc.ExceptionAccessViolation || ev.Exc.DataAddr != 0x1234 || ev.Handled {
		t.Fatalf("deferred exception %v", ev)
	}
	// the handler moves the thread elsewhere
	f.mu.Lock()
	f.threads[threadHandle(fakeMainTid)].ctx.Rip = testExeBase + 0x1500
	f.mu.Unlock()
	cont(t, s, ev)
	if c := f.lastContinue(); c.status != _DBG_EXCEPTION_NOT_HANDLED {
		t.Fatalf("exception continued with %+v", c)
	}
}

func TestStepOverQueuesOtherEvents(t *testing.T) {
	const dllBase = 0x10000000
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startWithThread(t, f, s)
	f.mapImage(dllBase, 0x2000)
	f.poke(testBpt, []byte{0x90})
	setBreakpoints(t, s, soft(testBpt))

	f.push(f.evBreakpoint(fakeMainTid, testBpt))
	ev := expect(t, s, proc.BreakpointHit)

	// events already in flight when the step starts
	f.onContinue = func(f *fakeOS, c continueCall) {
		f.onContinue = nil
		f.threads[threadHandle(2)].ctx.Rip = testBpt + 1
		early := []*rawEvent{
			evCreateThread(3, 0x401900),
			evException(2, proc.ExceptionBreakpoint, testBpt),
			evLoadDLL(dllBase, `C:\Windows\System32\bar.dll`),
		}
		f.events = append(early, f.events...)
	}
	cont(t, s, ev)

	if rip := f.thread(2).ctx.Rip; rip != testBpt {
		t.Fatalf("thread 2 not moved back to the shadowed trap: %#x", rip)
	}
	res, ev, err := s.PollEvent(testContext(), 0)
	if err != nil || ev == nil || ev.Kind != proc.ThreadStarted || ev.Tid != 3 || res != proc.ManyEvents {
		t.Fatalf("first queued event: %v %v %v", res, ev, err)
	}
	n := len(f.continueLog())
	cont(t, s, ev)
	if len(f.continueLog()) != n {
		t.Fatalf("queued event continued twice")
	}
	res, ev, err = s.PollEvent(testContext(), 0)
	if err != nil || ev == nil || ev.Kind != proc.LibLoaded || res != proc.OneEvent {
		t.Fatalf("second queued event: %v %v %v", res, ev, err)
	}
	cont(t, s, ev)
	checkResumed(t, f, fakeMainTid, 2, 3)
	if b := f.peek(testBpt, 1)[0]; b != 0xCC {
		t.Fatalf("breakpoint not reinstalled: %#x", b)
	}
}

func TestSingleStep(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startWithThread(t, f, s)
	f.mu.Lock()
	f.threads[threadHandle(fakeMainTid)].ctx.Rip = testExeBase + 0x1300
	f.mu.Unlock()

	if err := s.SingleStep(fakeMainTid); err != nil {
		t.Fatalf("SingleStep: %v", err)
	}
	if err := s.SingleStep(99); !errors.Is(err, proc.ErrNotFound) {
		t.Fatalf("unknown thread: %v", err)
	}
	f.push(evCreateThread(3, 0x401900))
	cont(t, s, expect(t, s, proc.ThreadStarted))
	ev := expect(t, s, proc.Step)
	if ev.Tid != fakeMainTid || ev.Addr != testExeBase+0x1301 {
		t.Fatalf("step %v", ev)
	}
	cont(t, s, ev)
	drain(t, s, f)
}

func TestSingleStepOverBreakpoint(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startProcess(t, f, s)
	f.poke(testBpt, []byte{0x90})
	setBreakpoints(t, s, soft(testBpt))

	f.push(f.evBreakpoint(fakeMainTid, testBpt))
	ev := expect(t, s, proc.BreakpointHit)
	if err := s.SingleStep(fakeMainTid); err != nil {
		t.Fatal(err)
	}
	cont(t, s, ev)
	ev = expect(t, s, proc.Step)
	if ev.Addr != testBpt+1 {
		t.Fatalf("step %v", ev)
	}
	if b := f.peek(testBpt, 1)[0]; b != 0xCC {
		t.Fatalf("breakpoint not reinstalled: %#x", b)
	}
	cont(t, s, ev)
	if c := f.lastContinue(); c.tid != fakeMainTid || c.status != _DBG_CONTINUE {
		t.Fatalf("step continued with %+v", c)
	}
}

func TestRunTo(t *testing.T) {
	const target = testExeBase + 0x1200
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startWithThread(t, f, s)
	f.poke(target, []byte{0x55})

	if err := s.RunTo(fakeMainTid, target); err != nil {
		t.Fatalf("RunTo: %v", err)
	}
	if b := f.peek(target, 1)[0]; b != 0xCC {
		t.Fatalf("temporary breakpoint not written: %#x", b)
	}

	// another thread goes through silently
	f.push(f.evBreakpoint(2, target))
	drain(t, s, f)
	if rip := f.thread(2).ctx.Rip; rip != target+1 {
		t.Fatalf("thread 2 did not step past the breakpoint: %#x", rip)
	}
	if b := f.peek(target, 1)[0]; b != 0xCC {
		t.Fatalf("temporary breakpoint lost: %#x", b)
	}

	f.push(f.evBreakpoint(fakeMainTid, target))
	ev := expect(t, s, proc.Step)
	if ev.Addr != target || ev.Tid != fakeMainTid {
		t.Fatalf("run to %v", ev)
	}
	if b := f.peek(target, 1)[0]; b != 0x55 {
		t.Fatalf("temporary breakpoint not removed: %#x", b)
	}
	if rip := f.thread(fakeMainTid).ctx.Rip; rip != target {
		t.Fatalf("pc %#x", rip)
	}
	cont(t, s, ev)
	if n := len(s.Breakpoints()); n != 0 {
		t.Fatalf("%d breakpoints left", n)
	}
	checkResumed(t, f, fakeMainTid, 2)
}

func TestRunToRemovedOnThreadExit(t *testing.T) {
	const target = testExeBase + 0x1200
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startWithThread(t, f, s)
	f.poke(target, []byte{0x55})
	if err := s.RunTo(2, target); err != nil {
		t.Fatal(err)
	}
	f.push(evExitThread(2, 0))
	cont(t, s, expect(t, s, proc.ThreadExited))
	if b := f.peek(target, 1)[0]; b != 0x55 {
		t.Fatalf("temporary breakpoint of an exited thread left: %#x", b)
	}
}

func TestWriteMemoryKeepsBreakpoints(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startProcess(t, f, s)
	f.poke(testBpt, []byte{0x90})
	setBreakpoints(t, s, soft(testBpt))

	if n, err := s.WriteMemory(testBpt-1, []byte{1, 2, 3}); err != nil || n != 3 {
		t.Fatalf("WriteMemory: %d %v", n, err)
	}
	if b := f.peek(testBpt-1, 3); b[0] != 1 || b[1] != 0xCC || b[2] != 3 {
		t.Fatalf("memory %x", b)
	}
	buf := make([]byte, 3)
	if _, err := s.ReadMemory(buf, testBpt-1); err != nil || buf[1] != 0xCC {
		t.Fatalf("ReadMemory: %x %v", buf, err)
	}
	clearBreakpoints(t, s, soft(testBpt))
	if b := f.peek(testBpt-1, 3); b[1] != 2 {
		t.Fatalf("written byte lost: %x", b)
	}
}

func TestPageBreakpoint(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startProcess(t, f, s)
	f.mapMemory(testData, 0x1000, proc.PAGE_READWRITE)

	if err := s.AddPageBreakpoint(testData+0x10, 8, proc.AccessWrite); err != nil {
		t.Fatalf("AddPageBreakpoint: %v", err)
	}
	if err := s.AddPageBreakpoint(testData+0x10, 8, proc.AccessWrite); err == nil {
		t.Fatalf("duplicate page breakpoint accepted")
	}
	if prot := f.protection(testData); prot != proc.PAGE_READONLY {
		t.Fatalf("protection %#x", prot)
	}

	// a write to the same page outside the range goes through
	f.push(evException(fakeMainTid, proc.ExceptionAccessViolation, testExeBase+0x1300, 1, testData+0x100))
	drain(t, s, f)
	if prot := f.protection(testData); prot != proc.PAGE_READONLY {
		t.Fatalf("protection not restored after the step: %#x", prot)
	}
	if fl := f.thread(fakeMainTid).ctx.EFlags; fl&winutil.TrapFlag != 0 {
		t.Fatalf("trap flag left set")
	}

	// so does a read inside it
	f.push(evException(fakeMainTid, proc.ExceptionAccessViolation, testExeBase+0x1302, 0, testData+0x12))
	drain(t, s, f)

	f.push(evException(fakeMainTid, proc.ExceptionAccessViolation, testExeBase+0x1310, 1, testData+0x14))
	ev := expect(t, s, proc.BreakpointHit)
	if ev.Addr != testExeBase+0x1310 || ev.Exc.DataAddr != testData+0x14 || !ev.Handled {
		t.Fatalf("hit %v", ev)
	}

	var during uint32
	f.onContinue = func(f *fakeOS, c continueCall) {
		f.onContinue = nil
		during = f.pages[testData].prot
	}
	cont(t, s, ev)
	if during != proc.PAGE_READWRITE {
		t.Fatalf("page not opened for the faulting instruction: %#x", during)
	}
	drain(t, s, f)
	if prot := f.protection(testData); prot != proc.PAGE_READONLY {
		t.Fatalf("protection not restored after the hit: %#x", prot)
	}

	regions, err := s.MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap: %v", err)
	}
	var found bool
	for _, r := range regions {
		if r.Start == testData {
			found = true
			if r.Prot != proc.PAGE_READWRITE {
				t.Fatalf("region reports protection %#x", r.Prot)
			}
		}
		if r.Start == testExeBase && r.Name != `C:\test\app.exe` {
			t.Fatalf("main image region named %q", r.Name)
		}
	}
	if !found {
		t.Fatalf("data region missing from %v", regions)
	}

	if err := s.RemovePageBreakpoint(testData + 0x10); err != nil {
		t.Fatalf("RemovePageBreakpoint: %v", err)
	}
	if prot := f.protection(testData); prot != proc.PAGE_READWRITE {
		t.Fatalf("protection after removal %#x", prot)
	}
	var nobp proc.NoBreakpointError
	if err := s.RemovePageBreakpoint(testData + 0x10); !errors.As(err, &nobp) {
		t.Fatalf("second removal: %v", err)
	}
}

func TestHardwareBreakpoints(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startProcess(t, f, s)
	f.mapMemory(testData, 0x1000, proc.PAGE_READWRITE)

	setBreakpoints(t, s,
		proc.BreakpointRequest{Addr: testData + 0x20, Len: 4, Type: proc.BreakpointWrite},
		proc.BreakpointRequest{Addr: testExeBase + 0x1500, Type: proc.BreakpointExec},
	)
	ctx := f.thread(fakeMainTid).ctx
	if ctx.Dr0 != testData+0x20 || ctx.Dr1 != testExeBase+0x1500 || ctx.Dr7&0x5 != 0x5 {
		t.Fatalf("debug registers %#x %#x %#x", ctx.Dr0, ctx.Dr1, ctx.Dr7)
	}
	errs := s.SetBreakpoints([]proc.BreakpointRequest{{Addr: testData + 0x20, Len: 4, Type: proc.BreakpointWrite}})
	var exists proc.BreakpointExistsError
	if !errors.As(errs[0], &exists) {
		t.Fatalf("duplicate: %v", errs[0])
	}

	// threads created later get the same slots
	f.push(evCreateThread(2, 0x401800))
	cont(t, s, expect(t, s, proc.ThreadStarted))
	if dr0 := f.thread(2).ctx.Dr0; dr0 != testData+0x20 {
		t.Fatalf("new thread dr0 %#x", dr0)
	}

	f.mu.Lock()
	f.threads[threadHandle(fakeMainTid)].ctx.Dr6 = 0x1
	f.mu.Unlock()
	f.push(evException(fakeMainTid, proc.ExceptionSingleStep, testExeBase+0x1404))
	ev := expect(t, s, proc.BreakpointHit)
	if ev.Exc.DataAddr != testData+0x20 || ev.Addr != testExeBase+0x1404 {
		t.Fatalf("data hit %v", ev)
	}
	if dr6 := f.thread(fakeMainTid).ctx.Dr6; dr6&0xf != 0 {
		t.Fatalf("debug status not cleared: %#x", dr6)
	}
	cont(t, s, ev)
	if c := f.lastContinue(); c.status != _DBG_CONTINUE {
		t.Fatalf("hit continued with %+v", c)
	}

	f.mu.Lock()
	f.threads[threadHandle(fakeMainTid)].ctx.Dr6 = 0x2
	f.mu.Unlock()
	f.push(evException(fakeMainTid, proc.ExceptionSingleStep, testExeBase+0x1500))
	ev = expect(t, s, proc.BreakpointHit)
	if ev.Exc.DataAddr != 0 || ev.Addr != testExeBase+0x1500 {
		t.Fatalf("exec hit %v", ev)
	}
	cont(t, s, ev)
	if fl := f.thread(fakeMainTid).ctx.EFlags; fl&winutil.ResumeFlag == 0 {
		t.Fatalf("resume flag not set past an execution breakpoint")
	}

	clearBreakpoints(t, s,
		proc.BreakpointRequest{Addr: testData + 0x20, Type: proc.BreakpointWrite},
		proc.BreakpointRequest{Addr: testExeBase + 0x1500, Type: proc.BreakpointExec},
	)
	for _, tid := range []uint32{fakeMainTid, 2} {
		if dr7 := f.thread(tid).ctx.Dr7; dr7&0xff != 0 {
			t.Fatalf("thread %d dr7 %#x after clear", tid, dr7)
		}
	}
	var nobp proc.NoBreakpointError
	if errs := s.ClearBreakpoints([]proc.BreakpointRequest{{Addr: testData + 0x20, Type: proc.BreakpointWrite}}); !errors.As(errs[0], &nobp) {
		t.Fatalf("clearing twice: %v", errs[0])
	}
}

func TestHardwareBreakpointFallback(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startProcess(t, f, s)
	f.mapMemory(testData, 0x2000, proc.PAGE_READWRITE)

	// misaligned requests can not use the debug registers
	setBreakpoints(t, s, proc.BreakpointRequest{Addr: testData + 0x21, Len: 4, Type: proc.BreakpointWrite})
	pbs := s.PageBreakpoints()
	if len(pbs) != 1 || pbs[0].Addr != testData+0x21 || pbs[0].Access != proc.AccessWrite {
		t.Fatalf("page breakpoints %v", pbs)
	}
	if prot := f.protection(testData); prot != proc.PAGE_READONLY {
		t.Fatalf("protection %#x", prot)
	}

	// neither can a fifth one
	var reqs []proc.BreakpointRequest
	for i := uint64(0); i < 5; i++ {
		reqs = append(reqs, proc.BreakpointRequest{Addr: testData + 0x1000 + 8*i, Len: 8, Type: proc.BreakpointReadWrite})
	}
	setBreakpoints(t, s, reqs...)
	pbs = s.PageBreakpoints()
	if len(pbs) != 2 || pbs[1].Addr != testData+0x1020 || pbs[1].Access != proc.AccessReadWrite {
		t.Fatalf("page breakpoints %v", pbs)
	}
	if prot := f.protection(testData + 0x1000); prot != proc.PAGE_NOACCESS {
		t.Fatalf("protection %#x", prot)
	}

	clearBreakpoints(t, s, append(reqs, proc.BreakpointRequest{Addr: testData + 0x21, Type: proc.BreakpointWrite})...)
	if n := len(s.PageBreakpoints()); n != 0 {
		t.Fatalf("%d page breakpoints left", n)
	}
	for _, pg := range []uint64{testData, testData + 0x1000} {
		if prot := f.protection(pg); prot != proc.PAGE_READWRITE {
			t.Fatalf("page %#x protection %#x", pg, prot)
		}
	}
	if dr7 := f.thread(fakeMainTid).ctx.Dr7; dr7&0xff != 0 {
		t.Fatalf("dr7 %#x", dr7)
	}
}

func TestHardwareBreakpointFallbackUnload(t *testing.T) {
	f := newFakeOS(t)
	s := newTestSession(t, f, Config{})
	startProcess(t, f, s)
	load := func() {
		f.mapImage(testDLL, 0x3000)
		f.mapMemory(testDLL+0x2000, 0x1000, proc.PAGE_READWRITE)
		f.push(evLoadDLL(testDLL, `C:\Windows\System32\foo.dll`))
		cont(t, s, expect(t, s, proc.LibLoaded))
	}
	req := proc.BreakpointRequest{Addr: testDLL + 0x2021, Len: 4, Type: proc.BreakpointWrite}

	load()
	setBreakpoints(t, s, req)
	if pbs := s.PageBreakpoints(); len(pbs) != 1 || pbs[0].Addr != req.Addr {
		t.Fatalf("page breakpoints %v", pbs)
	}

	f.push(evUnloadDLL(testDLL))
	cont(t, s, expect(t, s, proc.LibUnloaded))
	if n := len(s.PageBreakpoints()); n != 0 {
		t.Fatalf("%d page breakpoints survived the unload", n)
	}
	var nobp proc.NoBreakpointError
	if errs := s.ClearBreakpoints([]proc.BreakpointRequest{req}); !errors.As(errs[0], &nobp) {
		t.Fatalf("clearing an unloaded breakpoint: %v", errs[0])
	}

	load()
	setBreakpoints(t, s, req)
	if prot := f.protection(testDLL + 0x2000); prot != proc.PAGE_READONLY {
		t.Fatalf("protection %#x", prot)
	}
	clearBreakpoints(t, s, req)
	if prot := f.protection(testDLL + 0x2000); prot != proc.PAGE_READWRITE {
		t.Fatalf("protection after clear %#x", prot)
	}
}

func TestHardwareBreakpointsWOW64(t *testing.T) {
	f := newFakeOS(t)
	f.wow = true
	s := newTestSession(t, f, Config{})
	f.push(evCreateProcess(testExeBase, `C:\test\app.exe`), f.evBreakpoint(fakeMainTid, 0x77000010), evException(fakeMainTid, proc.ExceptionWX86Breakpoint, 0x77100010))
	cont(t, s, expect(t, s, proc.ProcessStarted))
	drain(t, s, f)
	f.mapMemory(testData, 0x1000, proc.PAGE_READWRITE)

	setBreakpoints(t, s, proc.BreakpointRequest{Addr: testData + 0x40, Len: 4, Type: proc.BreakpointWrite})
	w := f.thread(fakeMainTid).wow
	if w.Dr0 != testData+0x40 || w.Dr7&1 == 0 {
		t.Fatalf("32-bit debug registers %#x %#x", w.Dr0, w.Dr7)
	}
	f.mu.Lock()
	f.threads[threadHandle(fakeMainTid)].wow.Dr6 = 0x1
	f.mu.Unlock()
	f.push(evException(fakeMainTid, proc.ExceptionWX86SingleStep, testExeBase+0x1404))
	ev := expect(t, s, proc.BreakpointHit)
	if ev.Exc.DataAddr != testData+0x40 {
		t.Fatalf("hit %v", ev)
	}
	cont(t, s, ev)
}
