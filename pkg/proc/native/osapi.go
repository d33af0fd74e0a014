package native

import (
	"time"

	"github.com/go-delve/nativedbg/pkg/proc/amd64util"
	"github.com/go-delve/nativedbg/pkg/proc/winutil"
)

// handle is an OS object handle of the target (process or thread).
type handle uintptr

// Debug event codes.
const (
	_EXCEPTION_DEBUG_EVENT      = 1
	_CREATE_THREAD_DEBUG_EVENT  = 2
	_CREATE_PROCESS_DEBUG_EVENT = 3
	_EXIT_THREAD_DEBUG_EVENT    = 4
	_EXIT_PROCESS_DEBUG_EVENT   = 5
	_LOAD_DLL_DEBUG_EVENT       = 6
	_UNLOAD_DLL_DEBUG_EVENT     = 7
	_OUTPUT_DEBUG_STRING_EVENT  = 8
	_RIP_EVENT                  = 9
)

// Continue statuses.
const (
	_DBG_CONTINUE              = 0x00010002
	_DBG_EXCEPTION_NOT_HANDLED = 0x80010001
)

const (
	_EXCEPTION_MAXIMUM_PARAMETERS = 15

	_MEM_COMMIT = 0x1000
	_MEM_FREE   = 0x10000

	// infinite selects an unbounded wait in waitForDebugEvent.
	infinite time.Duration = -1
)

// rawException is an exception record as reported by the OS.
type rawException struct {
	Code   uint32
	Flags  uint32
	Addr   uint64
	Nested uint64 // address of the chained record, 0 if none
	Info   []uint64
}

// rawEvent is a debug event decoded from the OS union. Only the fields
// of the event's Code are meaningful.
type rawEvent struct {
	Code     uint32
	Pid, Tid uint32

	// CREATE_PROCESS, CREATE_THREAD
	Process   handle
	Thread    handle
	TEB       uint64
	StartAddr uint64

	// CREATE_PROCESS, LOAD_DLL, UNLOAD_DLL
	Base      uint64
	ImageName string // resolved by the backend, empty if unknown
	FileSize  int64

	// EXIT_PROCESS, EXIT_THREAD
	ExitCode uint32

	// EXCEPTION
	Exc         rawException
	FirstChance bool

	// OUTPUT_DEBUG_STRING
	StrAddr    uint64
	StrLen     uint32
	StrUnicode bool

	// RIP
	RIPError uint32
	RIPType  uint32
}

// memoryInfo is the result of a memory region query.
type memoryInfo struct {
	Base           uint64
	AllocationBase uint64
	Size           uint64
	State          uint32
	Protect        uint32
	Type           uint32
}

// osAPI is the debugging interface of the operating system. Every call
// must be made from the goroutine running handlePtraceFuncs since the
// debug API is bound to the thread that created or attached the target.
type osAPI interface {
	// createProcess starts argv[0] under the debugger, stopped at its
	// first debug event.
	createProcess(argv []string, dir string, env []string, newConsole bool) (pid uint32, err error)
	debugActiveProcess(pid uint32) error
	debugActiveProcessStop(pid uint32) error
	enableDebugPrivilege() error
	processIs64Bit(pid uint32) (bool, error)
	isWow64(p handle) (bool, error)

	// waitForDebugEvent returns nil, nil if no event arrives within
	// timeout; a negative timeout waits forever.
	waitForDebugEvent(timeout time.Duration) (*rawEvent, error)
	continueDebugEvent(pid, tid uint32, status uint32) error
	debugBreakProcess(p handle) error
	terminateProcess(p handle, code uint32) error
	closeHandle(h handle) error

	suspendThread(t handle) (prev uint32, err error)
	resumeThread(t handle) (prev uint32, err error)

	// Contexts are read and written according to their ContextFlags.
	getContext(t handle, c *winutil.AMD64CONTEXT) error
	setContext(t handle, c *winutil.AMD64CONTEXT) error
	getWow64Context(t handle, c *winutil.WOW64CONTEXT) error
	setWow64Context(t handle, c *winutil.WOW64CONTEXT) error
	// getXstate reads the upper halves of the YMM registers;
	// proc.ErrUnsupported means the CPU or OS has no AVX state.
	getXstate(t handle, xs *amd64util.Xstate) error
	setXstate(t handle, xs *amd64util.Xstate) error
	threadTEB(t handle) (uint64, error)
	// selectorBase resolves a segment selector through the descriptor
	// table; proc.ErrUnsupported if the platform cannot.
	selectorBase(t handle, sel uint16) (uint64, error)

	readMemory(p handle, addr uint64, buf []byte) (int, error)
	writeMemory(p handle, addr uint64, data []byte) (int, error)
	virtualQuery(p handle, addr uint64) (memoryInfo, error)
	virtualProtect(p handle, addr, size uint64, prot uint32) (old uint32, err error)
	flushInstructionCache(p handle, addr, size uint64) error

	pageSize() uint64
}
