//go:generate go run golang.org/x/sys/windows/mkwinsyscall -output zsyscall_windows.go syscall_windows.go

package native

import (
	"golang.org/x/sys/windows"
)

type _NTSTATUS int32

type _CLIENT_ID struct {
	UniqueProcess windows.Handle
	UniqueThread  windows.Handle
}

type _THREAD_BASIC_INFORMATION struct {
	ExitStatus     _NTSTATUS
	TebBaseAddress uintptr
	ClientId       _CLIENT_ID
	AffinityMask   uintptr
	Priority       int32
	BasePriority   int32
}

type _CREATE_PROCESS_DEBUG_INFO struct {
	File                windows.Handle
	Process             windows.Handle
	Thread              windows.Handle
	BaseOfImage         uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ThreadLocalBase     uintptr
	StartAddress        uintptr
	ImageName           uintptr
	Unicode             uint16
}

type _CREATE_THREAD_DEBUG_INFO struct {
	Thread          windows.Handle
	ThreadLocalBase uintptr
	StartAddress    uintptr
}

type _EXIT_PROCESS_DEBUG_INFO struct {
	ExitCode uint32
}

type _EXIT_THREAD_DEBUG_INFO struct {
	ExitCode uint32
}

type _LOAD_DLL_DEBUG_INFO struct {
	File                windows.Handle
	BaseOfDll           uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ImageName           uintptr
	Unicode             uint16
}

type _UNLOAD_DLL_DEBUG_INFO struct {
	BaseOfDll uintptr
}

type _OUTPUT_DEBUG_STRING_INFO struct {
	DebugStringData   uintptr
	Unicode           uint16
	DebugStringLength uint16
}

type _RIP_INFO struct {
	Error uint32
	Type  uint32
}

type _EXCEPTION_DEBUG_INFO struct {
	ExceptionRecord _EXCEPTION_RECORD
	FirstChance     uint32
}

type _EXCEPTION_RECORD struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      uintptr
	ExceptionAddress     uintptr
	NumberParameters     uint32
	ExceptionInformation [_EXCEPTION_MAXIMUM_PARAMETERS]uintptr
}

// _WOW64_LDT_ENTRY is a descriptor table entry of a 32-bit thread.
type _WOW64_LDT_ENTRY struct {
	LimitLow uint16
	BaseLow  uint16
	BaseMid  uint8
	Flags1   uint8
	Flags2   uint8
	BaseHi   uint8
}

func (e *_WOW64_LDT_ENTRY) base() uint64 {
	return uint64(e.BaseLow) | uint64(e.BaseMid)<<16 | uint64(e.BaseHi)<<24
}

const (
	_ThreadBasicInformation = 0

	// DEBUG_ONLY_THIS_PROCESS tracks https://msdn.microsoft.com/en-us/library/windows/desktop/ms684863(v=vs.85).aspx
	_DEBUG_ONLY_THIS_PROCESS = 0x00000002

	_CREATE_NEW_CONSOLE         = 0x00000010
	_CREATE_UNICODE_ENVIRONMENT = 0x00000400

	_XSTATE_AVX      = 2
	_XSTATE_MASK_AVX = 1 << _XSTATE_AVX

	_ERROR_SEM_TIMEOUT windows.Errno = 121

	// GetFinalPathNameByHandle flag; not provided by golang.org/x/sys/windows.
	_FILE_NAME_NORMALIZED = 0x0
)

func _NT_SUCCESS(x _NTSTATUS) bool {
	return x >= 0
}

type _DEBUG_EVENT struct {
	DebugEventCode uint32
	ProcessId      uint32
	ThreadId       uint32
	_              uint32 // to align Union properly
	U              [160]byte
}

//sys	_NtQueryInformationThread(threadHandle windows.Handle, infoclass int32, info uintptr, infolen uint32, retlen *uint32) (status _NTSTATUS) = ntdll.NtQueryInformationThread
//sys	_GetThreadContext(thread windows.Handle, context *winutil.AMD64CONTEXT) (err error) = kernel32.GetThreadContext
//sys	_SetThreadContext(thread windows.Handle, context *winutil.AMD64CONTEXT) (err error) = kernel32.SetThreadContext
//sys	_Wow64GetThreadContext(thread windows.Handle, context *winutil.WOW64CONTEXT) (err error) = kernel32.Wow64GetThreadContext
//sys	_Wow64SetThreadContext(thread windows.Handle, context *winutil.WOW64CONTEXT) (err error) = kernel32.Wow64SetThreadContext
//sys	_Wow64GetThreadSelectorEntry(thread windows.Handle, selector uint32, entry *_WOW64_LDT_ENTRY) (err error) = kernel32.Wow64GetThreadSelectorEntry
//sys	_SuspendThread(threadid windows.Handle) (prevsuspcount uint32, err error) [failretval==0xffffffff] = kernel32.SuspendThread
//sys	_ResumeThread(threadid windows.Handle) (prevsuspcount uint32, err error) [failretval==0xffffffff] = kernel32.ResumeThread
//sys	_ContinueDebugEvent(processid uint32, threadid uint32, continuestatus uint32) (err error) = kernel32.ContinueDebugEvent
//sys	_DebugBreakProcess(process windows.Handle) (err error) = kernel32.DebugBreakProcess
//sys	_WaitForDebugEvent(debugevent *_DEBUG_EVENT, milliseconds uint32) (err error) = kernel32.WaitForDebugEvent
//sys	_DebugActiveProcess(processid uint32) (err error) = kernel32.DebugActiveProcess
//sys	_DebugActiveProcessStop(processid uint32) (err error) = kernel32.DebugActiveProcessStop
//sys	_FlushInstructionCache(process windows.Handle, baseaddr uintptr, size uintptr) (err error) = kernel32.FlushInstructionCache
//sys	_GetEnabledXStateFeatures() (features uint64) = kernel32.GetEnabledXStateFeatures
//sys	_InitializeContext(buffer *byte, contextflags uint32, context **winutil.AMD64CONTEXT, length *uint32) (err error) = kernel32.InitializeContext
//sys	_SetXStateFeaturesMask(context *winutil.AMD64CONTEXT, mask uint64) (err error) = kernel32.SetXStateFeaturesMask
//sys	_LocateXStateFeature(context *winutil.AMD64CONTEXT, featureid uint32, length *uint32) (feature uintptr) = kernel32.LocateXStateFeature
