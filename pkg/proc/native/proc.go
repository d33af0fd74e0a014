package native

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/nativedbg/pkg/logflags"
	"github.com/go-delve/nativedbg/pkg/proc"
	"github.com/go-delve/nativedbg/pkg/proc/peimage"
	"github.com/go-delve/nativedbg/pkg/symworker"
)

// ErrNoProcess is returned by commands that need a debuggee when there is
// none.
var ErrNoProcess = errors.New("no process is being debugged")

// Config holds the engine settings.
type Config struct {
	// Exceptions decides how every exception code is handled. Nil means
	// proc.DefaultExceptionTable.
	Exceptions proc.ExceptionTable
	// DEP is the data execution prevention policy assumed for the target.
	DEP proc.DEPPolicy
	// NameCacheSize is the size of the address to module name cache.
	NameCacheSize int
	// Inspector reads module sizes and exports. Nil means
	// peimage.Mapped.
	Inspector peimage.Inspector
	// MaxReadSize bounds the reads requested by symbol workers, 0 for
	// symworker.DefaultMaxReadSize.
	MaxReadSize int
	// SymbolProvider creates the provider of every symbol session. Nil
	// means an export table provider.
	SymbolProvider symworker.ProviderFactory
}

const defaultNameCacheSize = 512

type attachStatus uint8

const (
	asNone attachStatus = iota
	asAttaching
	asBreakpoint // process attached, waiting for the loader breakpoint
	asAttached
	asDetaching
)

// Session is a debug session with one native process. All interaction
// with the operating system happens on a single locked OS thread, see
// handlePtraceFuncs.
type Session struct {
	os   osAPI
	conf Config
	log  logflags.Logger

	exceptions proc.ExceptionTable
	inspector  peimage.Inspector

	pid       uint32
	hProcess  handle
	exePath   string
	compat    bool // 32-bit process on a 64-bit system
	engine64  bool
	launched  bool
	attach    attachStatus
	exiting   bool
	exited    bool
	detached  bool
	exitCode  int
	exitQueue bool // ProcessExited already queued by Terminate

	pauseRequested      atomic.Bool
	// breakHandle is hProcess published for RequestPause, which runs
	// outside the ptrace thread. 0 while there is no debuggee.
	breakHandle         atomic.Uintptr
	expectingDebugBreak int

	threads map[int]*thread

	curproc   *module
	dlls      map[uint64]*module
	images    map[uint64]*module
	toImport  map[uint64]struct{}
	exports   *exportIndex
	nameCache *lru.Cache

	seq      uint64
	cur      *pendingEvent
	last     *proc.Event
	queue    []queuedEvent
	deferred []*rawEvent

	bpts     *proc.ShadowTable
	softUser map[uint64]int
	hw       hwTable
	pages    *proc.PageTable

	symbols *symworker.Server

	closeOnce      sync.Once
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
}

// pendingEvent is a debug event the OS holds until it is continued.
type pendingEvent struct {
	raw *rawEvent
	ev  *proc.Event
}

// queuedEvent is an event waiting to be returned by PollEvent. raw is nil
// if the OS event was already continued.
type queuedEvent struct {
	ev  *proc.Event
	raw *rawEvent
}

var _ proc.ProcessController = (*Session)(nil)

// New returns a session using the debug API of the operating system. It
// fails on systems without one.
func New(conf Config) (*Session, error) {
	api, err := newOSAPI()
	if err != nil {
		return nil, err
	}
	return newSession(api, conf)
}

func newSession(api osAPI, conf Config) (*Session, error) {
	if conf.Exceptions == nil {
		conf.Exceptions = proc.DefaultExceptionTable()
	}
	if conf.Inspector == nil {
		conf.Inspector = peimage.Mapped{}
	}
	if conf.NameCacheSize <= 0 {
		conf.NameCacheSize = defaultNameCacheSize
	}
	cache, err := lru.New(conf.NameCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Session{
		os:             api,
		conf:           conf,
		log:            logflags.SessionLogger(),
		exceptions:     conf.Exceptions,
		inspector:      conf.Inspector,
		engine64:       strconv.IntSize == 64,
		threads:        make(map[int]*thread),
		dlls:           make(map[uint64]*module),
		images:         make(map[uint64]*module),
		toImport:       make(map[uint64]struct{}),
		exports:        newExportIndex(),
		nameCache:      cache,
		bpts:           proc.NewShadowTable(),
		softUser:       make(map[uint64]int),
		pages:          proc.NewPageTable(api.pageSize(), conf.DEP),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	factory := conf.SymbolProvider
	if factory == nil {
		inspector := conf.Inspector
		factory = func() symworker.Provider { return symworker.NewExportProvider(inspector) }
	}
	s.symbols = symworker.NewServer(factory, symbolSource{s}, conf.MaxReadSize)
	go s.handlePtraceFuncs()
	return s, nil
}

// handlePtraceFuncs runs every call to the debug API. The API must be
// used from the thread that created or attached the debuggee: wait and
// continue calls from another thread fail.
func (s *Session) handlePtraceFuncs() {
	runtime.LockOSThread()

	for fn := range s.ptraceChan {
		fn()
		s.ptraceDoneChan <- nil
	}
}

func (s *Session) execPtraceFunc(fn func()) {
	s.ptraceChan <- fn
	<-s.ptraceDoneChan
}

// Close ends the session's OS thread. The session can not be used
// afterwards. A debuggee still attached is detached from first.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.execPtraceFunc(func() {
			if s.pid != 0 && !s.exited && !s.detached {
				err = s.detach()
			}
			s.symbols.Shutdown()
		})
		close(s.ptraceChan)
	})
	return err
}

// Pid returns the process id of the debuggee, 0 if there is none.
func (s *Session) Pid() int { return int(s.pid) }

// Exited reports whether the debuggee has exited.
func (s *Session) Exited() bool {
	var r bool
	s.execPtraceFunc(func() { r = s.exited })
	return r
}

// ExecutablePath returns the path of the main image.
func (s *Session) ExecutablePath() string {
	var r string
	s.execPtraceFunc(func() { r = s.exePath })
	return r
}

// Start launches path with args under the debugger. The process stops at
// its first debug event, reported by PollEvent as ProcessStarted.
func (s *Session) Start(path string, args, env []string, flags proc.StartFlags) error {
	var err error
	s.execPtraceFunc(func() { err = s.start(path, args, env, flags) })
	return err
}

func (s *Session) start(path string, args, env []string, flags proc.StartFlags) error {
	if s.pid != 0 {
		return fmt.Errorf("already debugging process %d", s.pid)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return &proc.StartError{Reason: proc.StartNotFound, Path: path, Err: err}
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return &proc.StartError{Reason: proc.StartNotFound, Path: path, Err: err}
	}
	if fi.IsDir() {
		return &proc.StartError{Reason: proc.StartNotFound, Path: path, Err: errors.New("is a directory")}
	}
	if flags.Checksum != 0 {
		sum, err := fileChecksum(abs)
		if err != nil {
			return &proc.StartError{Reason: proc.StartNotFound, Path: path, Err: err}
		}
		if sum != flags.Checksum {
			return &proc.StartError{Reason: proc.StartChecksumMismatch, Path: path, Err: fmt.Errorf("crc32 is %08x, want %08x", sum, flags.Checksum)}
		}
	}
	argv := append([]string{abs}, args...)
	pid, err := s.os.createProcess(argv, flags.Dir, env, flags.NewConsole)
	if err != nil {
		return &proc.StartError{Reason: proc.StartLaunchFailed, Path: path, Err: err}
	}
	s.pid = pid
	s.exePath = abs
	s.launched = true
	s.log.Debugf("started %s as pid %d", abs, pid)
	return nil
}

func fileChecksum(path string) (uint32, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer fh.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, fh); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// Attach starts debugging the running process pid. PollEvent reports
// ProcessAttached once the OS has described the process.
func (s *Session) Attach(pid int) error {
	var err error
	s.execPtraceFunc(func() { err = s.attachTo(pid) })
	return err
}

func (s *Session) attachTo(pid int) error {
	if s.pid != 0 {
		return fmt.Errorf("already debugging process %d", s.pid)
	}
	if err := s.os.enableDebugPrivilege(); err != nil {
		return &proc.AttachError{Reason: proc.AttachPrivilege, Pid: pid, Err: err}
	}
	is64, err := s.os.processIs64Bit(uint32(pid))
	if err != nil {
		s.log.Warnf("could not determine bitness of pid %d: %v", pid, err)
	} else if is64 && !s.engine64 {
		return &proc.AttachError{Reason: proc.AttachBitness, Pid: pid}
	}
	if err := s.os.debugActiveProcess(uint32(pid)); err != nil {
		return &proc.AttachError{Reason: proc.AttachFailed, Pid: pid, Err: err}
	}
	s.pid = uint32(pid)
	s.attach = asAttaching
	s.log.Debugf("attaching to pid %d", pid)
	return nil
}

// RequestPause asks the debuggee to stop. It may be called while another
// goroutine waits in PollEvent; the stop is reported as
// ProcessSuspended.
func (s *Session) RequestPause() error {
	h := handle(s.breakHandle.Load())
	if h == 0 {
		return ErrNoProcess
	}
	s.pauseRequested.Store(true)
	// DebugBreakProcess is not bound to the debugger thread.
	if err := s.os.debugBreakProcess(h); err != nil {
		s.pauseRequested.Store(false)
		return fmt.Errorf("could not break into process: %w", err)
	}
	return nil
}

// Detach removes every breakpoint and lets the debuggee run on its own.
// PollEvent reports ProcessDetached.
func (s *Session) Detach() error {
	var err error
	s.execPtraceFunc(func() { err = s.detach() })
	return err
}

func (s *Session) detach() error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	s.attach = asDetaching
	s.removeAllBreakpoints()
	for _, t := range s.sortedThreads() {
		t.tracing = false
		if err := s.toggleSingleStep(t, false); err != nil {
			s.log.Warnf("could not clear single step on thread %d: %v", t.tid, err)
		}
	}
	s.resumeAll()
	if s.cur != nil {
		if err := s.continueRaw(s.cur.raw, continueStatus(s.cur.ev.Handled)); err != nil {
			s.log.Warnf("could not continue pending event: %v", err)
		}
		s.cur = nil
	}
	for _, raw := range s.deferred {
		if err := s.continueRaw(raw, _DBG_EXCEPTION_NOT_HANDLED); err != nil {
			s.log.Warnf("could not continue deferred event: %v", err)
		}
	}
	s.deferred = nil
	if err := s.os.debugActiveProcessStop(s.pid); err != nil {
		return fmt.Errorf("could not detach from process %d: %w", s.pid, err)
	}
	s.detached = true
	s.queue = s.queue[:0]
	ev := s.newEvent(proc.ProcessDetached, s.pid, 0)
	ev.Handled = true
	s.queue = append(s.queue, queuedEvent{ev: ev})
	s.teardown()
	return nil
}

// Terminate kills the debuggee and waits for it to exit. PollEvent
// reports ProcessExited.
func (s *Session) Terminate() error {
	var err error
	s.execPtraceFunc(func() { err = s.terminate() })
	return err
}

func (s *Session) terminate() error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	s.exiting = true
	if err := s.os.terminateProcess(s.hProcess, 1); err != nil {
		return fmt.Errorf("could not terminate process %d: %w", s.pid, err)
	}
	if s.cur != nil {
		if err := s.continueRaw(s.cur.raw, continueStatus(s.cur.ev.Handled)); err != nil {
			return err
		}
		s.cur = nil
	}
	s.queue = s.queue[:0]
	for _, raw := range s.deferred {
		if err := s.continueRaw(raw, _DBG_EXCEPTION_NOT_HANDLED); err != nil {
			return err
		}
	}
	s.deferred = nil
	for {
		raw, err := s.os.waitForDebugEvent(infinite)
		if err != nil {
			return fmt.Errorf("waiting for process %d to exit: %w", s.pid, err)
		}
		if raw == nil {
			continue
		}
		if raw.Code == _EXIT_PROCESS_DEBUG_EVENT && raw.Pid == s.pid {
			s.exitCode = int(raw.ExitCode)
			if err := s.continueRaw(raw, _DBG_CONTINUE); err != nil {
				s.log.Warnf("continuing exit event: %v", err)
			}
			break
		}
		status := uint32(_DBG_CONTINUE)
		if raw.Code == _EXCEPTION_DEBUG_EVENT {
			status = _DBG_EXCEPTION_NOT_HANDLED
		}
		if raw.Code == _EXIT_THREAD_DEBUG_EVENT {
			delete(s.threads, int(raw.Tid))
		}
		if err := s.continueRaw(raw, status); err != nil {
			return err
		}
	}
	ev := s.newEvent(proc.ProcessExited, s.pid, 0)
	ev.ExitCode = s.exitCode
	ev.Handled = true
	s.queue = append(s.queue, queuedEvent{ev: ev})
	s.exitQueue = true
	s.teardown()
	return nil
}

func (s *Session) checkAlive() error {
	switch {
	case s.pid == 0:
		return ErrNoProcess
	case s.exited:
		return proc.ErrProcessExited{Pid: int(s.pid), Status: s.exitCode}
	case s.detached:
		return fmt.Errorf("detached from process %d: %w", s.pid, ErrNoProcess)
	}
	return nil
}

// teardown forgets everything about the debuggee after it exited or was
// detached from. Queued events are kept.
func (s *Session) teardown() {
	s.breakHandle.Store(0)
	if s.hProcess != 0 {
		if err := s.os.closeHandle(s.hProcess); err != nil {
			s.log.Warnf("closing process handle: %v", err)
		}
	}
	if !s.detached {
		s.exited = true
	}
	s.bpts.Clear()
	s.softUser = make(map[uint64]int)
	s.pages.Clear()
	s.hw = hwTable{}
	s.threads = make(map[int]*thread)
	s.curproc = nil
	s.dlls = make(map[uint64]*module)
	s.images = make(map[uint64]*module)
	s.toImport = make(map[uint64]struct{})
	s.exports = newExportIndex()
	s.nameCache.Purge()
	s.symbols.Shutdown()
	s.log.Debugf("session for pid %d torn down", s.pid)
}
