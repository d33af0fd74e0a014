package native

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-delve/nativedbg/pkg/proc"
	"github.com/go-delve/nativedbg/pkg/proc/amd64util"
	"github.com/go-delve/nativedbg/pkg/proc/peimage"
	"github.com/go-delve/nativedbg/pkg/proc/winutil"
)

const (
	fakePid      = 1000
	fakeMainTid  = 1
	fakeProcess  = handle(0x4)
	fakePageSize = 0x1000
	fakeTopAddr  = 1 << 47
)

var errFakeAccess = errors.New("fake: access denied")

func threadHandle(tid uint32) handle { return handle(0x1000 + uintptr(tid)) }

type fakeThread struct {
	ctx     winutil.AMD64CONTEXT
	wow     winutil.WOW64CONTEXT
	xs      amd64util.Xstate
	suspend int
	teb     uint64
}

type fakePage struct {
	prot uint32
	data [fakePageSize]byte
}

type continueCall struct {
	pid, tid, status uint32
}

type protectCall struct {
	addr, size uint64
	prot       uint32
}

// fakeOS is a scripted debug API. Events pushed by the test are
// delivered in order; a delivered event must be continued before the
// next wait. After a continue, every running thread with the trap flag
// set reports a single step, as the CPU would.
type fakeOS struct {
	t *testing.T

	mu      sync.Mutex
	pages   map[uint64]*fakePage
	threads map[handle]*fakeThread
	events  []*rawEvent
	pending *rawEvent

	continues []continueCall
	protects  []protectCall
	flushes   int
	closed    []handle
	breaks    int

	wow         bool
	noAutoStep  bool
	noXstate    bool
	privErr     error
	attachErr   error
	launchErr   error
	attached    uint32
	detached    uint32
	terminated  bool
	launchArgv  []string
	launchEnv   []string
	failProtect map[uint64]bool

	// onContinue runs after every continue, with the lock held.
	onContinue func(f *fakeOS, c continueCall)
}

func newFakeOS(t *testing.T) *fakeOS {
	return &fakeOS{
		t:           t,
		pages:       make(map[uint64]*fakePage),
		threads:     make(map[handle]*fakeThread),
		failProtect: make(map[uint64]bool),
	}
}

// mapMemory commits size bytes at addr with protection prot.
func (f *fakeOS) mapMemory(addr, size uint64, prot uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pg := addr &^ (fakePageSize - 1); pg < addr+size; pg += fakePageSize {
		if p, ok := f.pages[pg]; ok {
			p.prot = prot
			continue
		}
		f.pages[pg] = &fakePage{prot: prot}
	}
}

func (f *fakeOS) unmapMemory(addr, size uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pg := addr &^ (fakePageSize - 1); pg < addr+size; pg += fakePageSize {
		delete(f.pages, pg)
	}
}

// poke writes target memory regardless of protections.
func (f *fakeOS) poke(addr uint64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range data {
		a := addr + uint64(i)
		p, ok := f.pages[a&^(fakePageSize-1)]
		if !ok {
			f.t.Errorf("poke of unmapped address %#x", a)
			return
		}
		p.data[a&(fakePageSize-1)] = b
	}
}

// peek reads target memory regardless of protections.
func (f *fakeOS) peek(addr uint64, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := make([]byte, n)
	for i := range r {
		a := addr + uint64(i)
		if p, ok := f.pages[a&^(fakePageSize-1)]; ok {
			r[i] = p.data[a&(fakePageSize-1)]
		}
	}
	return r
}

func (f *fakeOS) protection(addr uint64) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pages[addr&^(fakePageSize-1)]; ok {
		return p.prot
	}
	return 0
}

func (f *fakeOS) thread(tid uint32) *fakeThread {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[threadHandle(tid)]
	if !ok {
		th = &fakeThread{teb: 0x7ff0000 + uint64(tid)*0x2000}
		f.threads[threadHandle(tid)] = th
	}
	return th
}

func (f *fakeOS) push(evs ...*rawEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evs...)
}

func (f *fakeOS) continueLog() []continueCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]continueCall(nil), f.continues...)
}

func (f *fakeOS) lastContinue() continueCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.continues) == 0 {
		f.t.Errorf("no continue recorded")
		return continueCall{}
	}
	return f.continues[len(f.continues)-1]
}

// Event constructors.

func evCreateProcess(base uint64, name string) *rawEvent {
	return &rawEvent{Code: _CREATE_PROCESS_DEBUG_EVENT, Pid: fakePid, Tid: fakeMainTid, Process: fakeProcess, Thread: threadHandle(fakeMainTid), StartAddr: base + 0x1000, Base: base, ImageName: name}
}

func evCreateThread(tid uint32, start uint64) *rawEvent {
	return &rawEvent{Code: _CREATE_THREAD_DEBUG_EVENT, Pid: fakePid, Tid: tid, Thread: threadHandle(tid), StartAddr: start}
}

func evExitThread(tid uint32, code uint32) *rawEvent {
	return &rawEvent{Code: _EXIT_THREAD_DEBUG_EVENT, Pid: fakePid, Tid: tid, ExitCode: code}
}

func evExitProcess(code uint32) *rawEvent {
	return &rawEvent{Code: _EXIT_PROCESS_DEBUG_EVENT, Pid: fakePid, Tid: fakeMainTid, ExitCode: code}
}

func evLoadDLL(base uint64, name string) *rawEvent {
	return &rawEvent{Code: _LOAD_DLL_DEBUG_EVENT, Pid: fakePid, Tid: fakeMainTid, Base: base, ImageName: name}
}

func evUnloadDLL(base uint64) *rawEvent {
	return &rawEvent{Code: _UNLOAD_DLL_DEBUG_EVENT, Pid: fakePid, Tid: fakeMainTid, Base: base}
}

func evException(tid uint32, code uint32, addr uint64, info ...uint64) *rawEvent {
	return &rawEvent{Code: _EXCEPTION_DEBUG_EVENT, Pid: fakePid, Tid: tid, FirstChance: true, Exc: rawException{Code: code, Addr: addr, Info: info}}
}

// evBreakpoint reports an INT3 at addr executed by tid: the thread's
// instruction pointer is already past it.
func (f *fakeOS) evBreakpoint(tid uint32, addr uint64) *rawEvent {
	th := f.thread(tid)
	f.mu.Lock()
	th.ctx.Rip = addr + 1
	th.wow.Eip = uint32(addr + 1)
	f.mu.Unlock()
	return evException(tid, proc.ExceptionBreakpoint, addr)
}

// osAPI implementation.

func (f *fakeOS) createProcess(argv []string, dir string, env []string, newConsole bool) (uint32, error) {
	if f.launchErr != nil {
		return 0, f.launchErr
	}
	f.launchArgv = argv
	f.launchEnv = env
	return fakePid, nil
}

func (f *fakeOS) debugActiveProcess(pid uint32) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached = pid
	return nil
}

func (f *fakeOS) debugActiveProcessStop(pid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending != nil {
		f.t.Errorf("detach with event %d of thread %d pending", f.pending.Code, f.pending.Tid)
	}
	f.detached = pid
	return nil
}

func (f *fakeOS) enableDebugPrivilege() error { return f.privErr }

func (f *fakeOS) processIs64Bit(pid uint32) (bool, error) { return !f.wow, nil }

func (f *fakeOS) isWow64(p handle) (bool, error) { return f.wow, nil }

func (f *fakeOS) waitForDebugEvent(timeout time.Duration) (*rawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending != nil {
		f.t.Errorf("wait with event %d of thread %d not continued", f.pending.Code, f.pending.Tid)
		return nil, errors.New("fake: event not continued")
	}
	if len(f.events) == 0 {
		if timeout < 0 {
			f.t.Errorf("infinite wait with no scripted events")
			return nil, errors.New("fake: would block forever")
		}
		return nil, nil
	}
	ev := f.events[0]
	f.events = f.events[1:]
	f.pending = ev
	if ev.Code == _CREATE_PROCESS_DEBUG_EVENT || ev.Code == _CREATE_THREAD_DEBUG_EVENT {
		if _, ok := f.threads[ev.Thread]; !ok {
			f.threads[ev.Thread] = &fakeThread{teb: 0x7ff0000 + uint64(ev.Tid)*0x2000}
		}
	}
	return ev, nil
}

func (f *fakeOS) continueDebugEvent(pid, tid uint32, status uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil || f.pending.Pid != pid || f.pending.Tid != tid {
		f.t.Errorf("continue of %d/%d does not match the pending event %v", pid, tid, f.pending)
		return errors.New("fake: no such pending event")
	}
	c := continueCall{pid, tid, status}
	f.continues = append(f.continues, c)
	f.pending = nil
	if !f.noAutoStep {
		f.autoStep()
	}
	if f.onContinue != nil {
		f.onContinue(f, c)
	}
	return nil
}

// autoStep delivers a single step for every running thread with the
// trap flag set, ahead of the scripted events.
func (f *fakeOS) autoStep() {
	var steps []*rawEvent
	hs := make([]handle, 0, len(f.threads))
	for h := range f.threads {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	for _, h := range hs {
		th := f.threads[h]
		if th.suspend > 0 {
			continue
		}
		tid := uint32(h - 0x1000)
		if f.wow {
			if th.wow.EFlags&winutil.TrapFlag == 0 {
				continue
			}
			th.wow.EFlags &^= winutil.TrapFlag
			th.wow.Eip++
			steps = append(steps, evException(tid, proc.ExceptionWX86SingleStep, uint64(th.wow.Eip)))
			continue
		}
		if th.ctx.EFlags&winutil.TrapFlag == 0 {
			continue
		}
		th.ctx.EFlags &^= winutil.TrapFlag
		th.ctx.Rip++
		steps = append(steps, evException(tid, proc.ExceptionSingleStep, th.ctx.Rip))
	}
	f.events = append(steps, f.events...)
}

func (f *fakeOS) debugBreakProcess(p handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breaks++
	return nil
}

func (f *fakeOS) terminateProcess(p handle, code uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	f.events = append(f.events, evExitProcess(code))
	return nil
}

func (f *fakeOS) closeHandle(h handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, h)
	return nil
}

func (f *fakeOS) lookupThread(h handle) (*fakeThread, error) {
	th, ok := f.threads[h]
	if !ok {
		return nil, fmt.Errorf("fake: bad thread handle %#x", h)
	}
	return th, nil
}

func (f *fakeOS) suspendThread(h handle) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, err := f.lookupThread(h)
	if err != nil {
		return 0, err
	}
	th.suspend++
	return uint32(th.suspend - 1), nil
}

func (f *fakeOS) resumeThread(h handle) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, err := f.lookupThread(h)
	if err != nil {
		return 0, err
	}
	prev := th.suspend
	if th.suspend > 0 {
		th.suspend--
	}
	return uint32(prev), nil
}

func (f *fakeOS) getContext(h handle, c *winutil.AMD64CONTEXT) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, err := f.lookupThread(h)
	if err != nil {
		return err
	}
	flags := c.ContextFlags
	*c = th.ctx
	c.ContextFlags = flags
	return nil
}

func (f *fakeOS) setContext(h handle, c *winutil.AMD64CONTEXT) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, err := f.lookupThread(h)
	if err != nil {
		return err
	}
	th.ctx = *c
	return nil
}

func (f *fakeOS) getWow64Context(h handle, c *winutil.WOW64CONTEXT) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, err := f.lookupThread(h)
	if err != nil {
		return err
	}
	flags := c.ContextFlags
	*c = th.wow
	c.ContextFlags = flags
	return nil
}

func (f *fakeOS) setWow64Context(h handle, c *winutil.WOW64CONTEXT) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, err := f.lookupThread(h)
	if err != nil {
		return err
	}
	th.wow = *c
	return nil
}

func (f *fakeOS) getXstate(h handle, xs *amd64util.Xstate) error {
	if f.noXstate {
		return proc.ErrUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	th, err := f.lookupThread(h)
	if err != nil {
		return err
	}
	*xs = th.xs
	return nil
}

func (f *fakeOS) setXstate(h handle, xs *amd64util.Xstate) error {
	if f.noXstate {
		return proc.ErrUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	th, err := f.lookupThread(h)
	if err != nil {
		return err
	}
	th.xs = *xs
	return nil
}

func (f *fakeOS) threadTEB(h handle) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, err := f.lookupThread(h)
	if err != nil {
		return 0, err
	}
	return th.teb, nil
}

func (f *fakeOS) selectorBase(h handle, sel uint16) (uint64, error) {
	return 0, proc.ErrUnsupported
}

func (f *fakeOS) access(addr uint64, buf []byte, write bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range buf {
		a := addr + uint64(i)
		p, ok := f.pages[a&^(fakePageSize-1)]
		if !ok || p.prot&proc.PAGE_GUARD != 0 {
			return i, errFakeAccess
		}
		acc := proc.ProtToAccess(p.prot)
		if write {
			if acc&proc.AccessWrite == 0 {
				return i, errFakeAccess
			}
			p.data[a&(fakePageSize-1)] = buf[i]
			continue
		}
		if acc&proc.AccessRead == 0 {
			return i, errFakeAccess
		}
		buf[i] = p.data[a&(fakePageSize-1)]
	}
	return len(buf), nil
}

func (f *fakeOS) readMemory(p handle, addr uint64, buf []byte) (int, error) {
	return f.access(addr, buf, false)
}

func (f *fakeOS) writeMemory(p handle, addr uint64, data []byte) (int, error) {
	return f.access(addr, data, true)
}

func (f *fakeOS) virtualQuery(p handle, addr uint64) (memoryInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr >= fakeTopAddr {
		return memoryInfo{}, errors.New("fake: invalid address")
	}
	pg := addr &^ (fakePageSize - 1)
	first, ok := f.pages[pg]
	if !ok {
		end := pg + fakePageSize
		for end < fakeTopAddr {
			if _, ok := f.pages[end]; ok {
				break
			}
			end += fakePageSize
			if end-pg > 1<<32 {
				end = fakeTopAddr
			}
		}
		return memoryInfo{Base: pg, Size: end - pg, State: _MEM_FREE}, nil
	}
	end := pg + fakePageSize
	for {
		next, ok := f.pages[end]
		if !ok || next.prot != first.prot {
			break
		}
		end += fakePageSize
	}
	return memoryInfo{Base: pg, AllocationBase: pg, Size: end - pg, State: _MEM_COMMIT, Protect: first.prot}, nil
}

func (f *fakeOS) virtualProtect(p handle, addr, size uint64, prot uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := addr &^ (fakePageSize - 1)
	if f.failProtect[start] {
		return 0, errFakeAccess
	}
	for pg := start; pg < addr+size; pg += fakePageSize {
		if _, ok := f.pages[pg]; !ok {
			return 0, errFakeAccess
		}
	}
	old := f.pages[start].prot
	for pg := start; pg < addr+size; pg += fakePageSize {
		f.pages[pg].prot = prot
	}
	f.protects = append(f.protects, protectCall{addr, size, prot})
	return old, nil
}

func (f *fakeOS) flushInstructionCache(p handle, addr, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeOS) pageSize() uint64 { return fakePageSize }

// fakeInspector identifies images by a tag written at their base: the
// first 8 bytes of an image hold its size.
type fakeInspector struct {
	exports map[uint64][]peimage.Export
}

func (fi fakeInspector) ImageSize(r io.ReaderAt) (uint64, error) {
	var buf [8]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (fi fakeInspector) Exports(r io.ReaderAt, base uint64) ([]peimage.Export, error) {
	if _, err := fi.ImageSize(r); err != nil {
		return nil, err
	}
	return fi.exports[base], nil
}

// mapImage maps an image of size bytes at base, tagged for
// fakeInspector.
func (f *fakeOS) mapImage(base, size uint64) {
	f.mapMemory(base, size, proc.PAGE_EXECUTE_READ)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], size)
	f.poke(base, buf[:])
}

const (
	testExeBase = 0x400000
	testExeSize = 0x10000
)

// newTestSession returns a session on f with the main image mapped at
// testExeBase and a launch in progress.
func newTestSession(t *testing.T, f *fakeOS, conf Config) *Session {
	t.Helper()
	if conf.Inspector == nil {
		conf.Inspector = fakeInspector{}
	}
	s, err := newSession(f, conf)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	f.mapImage(testExeBase, testExeSize)
	s.execPtraceFunc(func() {
		s.pid = fakePid
		s.launched = true
		s.exePath = `C:\test\app.exe`
	})
	return s
}

func testContext() context.Context { return context.Background() }

// poll returns the next event, failing the test if there is none.
func poll(t *testing.T, s *Session) *proc.Event {
	t.Helper()
	for i := 0; i < 100; i++ {
		_, ev, err := s.PollEvent(testContext(), 0)
		if err != nil {
			t.Fatalf("PollEvent: %v", err)
		}
		if ev != nil {
			return ev
		}
	}
	t.Fatalf("no event")
	return nil
}

// expect polls the next event and checks its kind.
func expect(t *testing.T, s *Session, kind proc.EventKind) *proc.Event {
	t.Helper()
	ev := poll(t, s)
	if ev.Kind != kind {
		t.Fatalf("got event %v, want %v", ev, kind)
	}
	return ev
}

func cont(t *testing.T, s *Session, ev *proc.Event) {
	t.Helper()
	if err := s.ContinueAfterEvent(ev); err != nil {
		t.Fatalf("ContinueAfterEvent(%v): %v", ev, err)
	}
}

// startProcess runs the launch handshake: process creation and the
// loader breakpoint.
func startProcess(t *testing.T, f *fakeOS, s *Session) {
	t.Helper()
	f.push(evCreateProcess(testExeBase, `C:\test\app.exe`), f.evBreakpoint(fakeMainTid, 0x77000010))
	ev := expect(t, s, proc.ProcessStarted)
	cont(t, s, ev)
	// the loader breakpoint is consumed
	if _, ev, err := s.PollEvent(testContext(), 0); err != nil || ev != nil {
		t.Fatalf("loader breakpoint: got %v %v", ev, err)
	}
}
