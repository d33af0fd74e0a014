package native

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/go-delve/nativedbg/pkg/proc"
	"github.com/go-delve/nativedbg/pkg/proc/amd64util"
	"github.com/go-delve/nativedbg/pkg/proc/winutil"
)

// winAPI is the debug API of Windows.
type winAPI struct{}

func newOSAPI() (osAPI, error) {
	return winAPI{}, nil
}

func (winAPI) createProcess(argv []string, dir string, env []string, newConsole bool) (uint32, error) {
	app, err := windows.UTF16PtrFromString(argv[0])
	if err != nil {
		return 0, err
	}
	cmdline, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(argv))
	if err != nil {
		return 0, err
	}
	var wd *uint16
	if dir != "" {
		if wd, err = windows.UTF16PtrFromString(dir); err != nil {
			return 0, err
		}
	}
	flags := uint32(_DEBUG_ONLY_THIS_PROCESS | _CREATE_UNICODE_ENVIRONMENT)
	if newConsole {
		flags |= _CREATE_NEW_CONSOLE
	}
	var envBlock *uint16
	if len(env) > 0 {
		block, err := environmentBlock(env)
		if err != nil {
			return 0, err
		}
		envBlock = &block[0]
	}
	si := &windows.StartupInfo{}
	si.Cb = uint32(unsafe.Sizeof(*si))
	pi := &windows.ProcessInformation{}
	if err := windows.CreateProcess(app, cmdline, nil, nil, false, flags, envBlock, wd, si, pi); err != nil {
		return 0, err
	}
	// the debug events carry their own handles
	windows.CloseHandle(pi.Thread)
	windows.CloseHandle(pi.Process)
	return pi.ProcessId, nil
}

// environmentBlock encodes env as a sequence of NUL terminated UTF-16
// strings followed by an empty one.
func environmentBlock(env []string) ([]uint16, error) {
	var block []uint16
	for _, kv := range env {
		if strings.IndexByte(kv, 0) >= 0 {
			return nil, fmt.Errorf("environment variable %q contains NUL", kv)
		}
		block = append(block, utf16.Encode([]rune(kv))...)
		block = append(block, 0)
	}
	return append(block, 0), nil
}

func (winAPI) debugActiveProcess(pid uint32) error { return _DebugActiveProcess(pid) }

func (winAPI) debugActiveProcessStop(pid uint32) error { return _DebugActiveProcessStop(pid) }

func (winAPI) enableDebugPrivilege() error {
	var tok windows.Token
	if err := windows.OpenProcessToken(windows.CurrentProcess(), windows.TOKEN_ADJUST_PRIVILEGES|windows.TOKEN_QUERY, &tok); err != nil {
		return err
	}
	defer tok.Close()
	name, err := windows.UTF16PtrFromString("SeDebugPrivilege")
	if err != nil {
		return err
	}
	var luid windows.LUID
	if err := windows.LookupPrivilegeValue(nil, name, &luid); err != nil {
		return err
	}
	tp := windows.Tokenprivileges{PrivilegeCount: 1}
	tp.Privileges[0] = windows.LUIDAndAttributes{Luid: luid, Attributes: windows.SE_PRIVILEGE_ENABLED}
	return windows.AdjustTokenPrivileges(tok, false, &tp, 0, nil, nil)
}

func (w winAPI) processIs64Bit(pid uint32) (bool, error) {
	p, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return false, err
	}
	defer windows.CloseHandle(p)
	wow, err := w.isWow64(handle(p))
	if err != nil {
		return false, err
	}
	return !wow, nil
}

func (winAPI) isWow64(p handle) (bool, error) {
	var wow bool
	if err := windows.IsWow64Process(windows.Handle(p), &wow); err != nil {
		return false, err
	}
	return wow, nil
}

func (winAPI) waitForDebugEvent(timeout time.Duration) (*rawEvent, error) {
	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(timeout / time.Millisecond)
	}
	var de _DEBUG_EVENT
	if err := _WaitForDebugEvent(&de, ms); err != nil {
		if errors.Is(err, _ERROR_SEM_TIMEOUT) {
			return nil, nil
		}
		return nil, err
	}
	return decodeDebugEvent(&de), nil
}

func decodeDebugEvent(de *_DEBUG_EVENT) *rawEvent {
	raw := &rawEvent{Code: de.DebugEventCode, Pid: de.ProcessId, Tid: de.ThreadId}
	unionPtr := unsafe.Pointer(&de.U[0])
	switch de.DebugEventCode {
	case _CREATE_PROCESS_DEBUG_EVENT:
		info := (*_CREATE_PROCESS_DEBUG_INFO)(unionPtr)
		raw.Process = handle(info.Process)
		raw.Thread = handle(info.Thread)
		raw.TEB = uint64(info.ThreadLocalBase)
		raw.StartAddr = uint64(info.StartAddress)
		raw.Base = uint64(info.BaseOfImage)
		raw.ImageName, raw.FileSize = imageFile(info.File)
	case _CREATE_THREAD_DEBUG_EVENT:
		info := (*_CREATE_THREAD_DEBUG_INFO)(unionPtr)
		raw.Thread = handle(info.Thread)
		raw.TEB = uint64(info.ThreadLocalBase)
		raw.StartAddr = uint64(info.StartAddress)
	case _EXIT_THREAD_DEBUG_EVENT:
		raw.ExitCode = (*_EXIT_THREAD_DEBUG_INFO)(unionPtr).ExitCode
	case _EXIT_PROCESS_DEBUG_EVENT:
		raw.ExitCode = (*_EXIT_PROCESS_DEBUG_INFO)(unionPtr).ExitCode
	case _LOAD_DLL_DEBUG_EVENT:
		info := (*_LOAD_DLL_DEBUG_INFO)(unionPtr)
		raw.Base = uint64(info.BaseOfDll)
		raw.ImageName, raw.FileSize = imageFile(info.File)
	case _UNLOAD_DLL_DEBUG_EVENT:
		raw.Base = uint64((*_UNLOAD_DLL_DEBUG_INFO)(unionPtr).BaseOfDll)
	case _OUTPUT_DEBUG_STRING_EVENT:
		info := (*_OUTPUT_DEBUG_STRING_INFO)(unionPtr)
		raw.StrAddr = uint64(info.DebugStringData)
		raw.StrLen = uint32(info.DebugStringLength)
		raw.StrUnicode = info.Unicode != 0
	case _RIP_EVENT:
		info := (*_RIP_INFO)(unionPtr)
		raw.RIPError, raw.RIPType = info.Error, info.Type
	case _EXCEPTION_DEBUG_EVENT:
		info := (*_EXCEPTION_DEBUG_INFO)(unionPtr)
		rec := &info.ExceptionRecord
		n := min(int(rec.NumberParameters), _EXCEPTION_MAXIMUM_PARAMETERS)
		raw.Exc = rawException{
			Code:   rec.ExceptionCode,
			Flags:  rec.ExceptionFlags,
			Addr:   uint64(rec.ExceptionAddress),
			Nested: uint64(rec.ExceptionRecord),
			Info:   make([]uint64, n),
		}
		for i := range raw.Exc.Info {
			raw.Exc.Info[i] = uint64(rec.ExceptionInformation[i])
		}
		raw.FirstChance = info.FirstChance != 0
	}
	return raw
}

// imageFile resolves the path and size of an image file handle received
// with a debug event and closes the handle.
func imageFile(h windows.Handle) (string, int64) {
	if h == 0 || h == windows.InvalidHandle {
		return "", 0
	}
	defer windows.CloseHandle(h)
	var size int64
	var fi windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &fi); err == nil {
		size = int64(fi.FileSizeHigh)<<32 | int64(fi.FileSizeLow)
	}
	buf := make([]uint16, windows.MAX_LONG_PATH)
	n, err := windows.GetFinalPathNameByHandle(h, &buf[0], uint32(len(buf)), _FILE_NAME_NORMALIZED)
	if err != nil || int(n) > len(buf) {
		return "", size
	}
	return strings.TrimPrefix(windows.UTF16ToString(buf[:n]), `\\?\`), size
}

func (winAPI) continueDebugEvent(pid, tid uint32, status uint32) error {
	return _ContinueDebugEvent(pid, tid, status)
}

func (winAPI) debugBreakProcess(p handle) error { return _DebugBreakProcess(windows.Handle(p)) }

func (winAPI) terminateProcess(p handle, code uint32) error {
	return windows.TerminateProcess(windows.Handle(p), code)
}

func (winAPI) closeHandle(h handle) error { return windows.CloseHandle(windows.Handle(h)) }

func (winAPI) suspendThread(t handle) (uint32, error) { return _SuspendThread(windows.Handle(t)) }

func (winAPI) resumeThread(t handle) (uint32, error) { return _ResumeThread(windows.Handle(t)) }

func (winAPI) getContext(t handle, c *winutil.AMD64CONTEXT) error {
	return _GetThreadContext(windows.Handle(t), c)
}

func (winAPI) setContext(t handle, c *winutil.AMD64CONTEXT) error {
	return _SetThreadContext(windows.Handle(t), c)
}

func (winAPI) getWow64Context(t handle, c *winutil.WOW64CONTEXT) error {
	return _Wow64GetThreadContext(windows.Handle(t), c)
}

func (winAPI) setWow64Context(t handle, c *winutil.WOW64CONTEXT) error {
	return _Wow64SetThreadContext(windows.Handle(t), c)
}

// xstateContext allocates a context with room for the AVX state and
// returns it with a pointer to the YMM upper halves inside it.
func xstateContext() (*winutil.AMD64CONTEXT, []byte, error) {
	if _GetEnabledXStateFeatures()&_XSTATE_MASK_AVX == 0 {
		return nil, nil, proc.ErrUnsupported
	}
	flags := uint32(winutil.CONTEXT_CONTROL | winutil.CONTEXT_XSTATE)
	var length uint32
	var c *winutil.AMD64CONTEXT
	_InitializeContext(nil, flags, nil, &length)
	if length == 0 {
		return nil, nil, proc.ErrUnsupported
	}
	buf := make([]byte, length)
	if err := _InitializeContext(&buf[0], flags, &c, &length); err != nil {
		return nil, nil, err
	}
	if err := _SetXStateFeaturesMask(c, _XSTATE_MASK_AVX); err != nil {
		return nil, nil, err
	}
	var flen uint32
	p := _LocateXStateFeature(c, _XSTATE_AVX, &flen)
	if p == 0 || flen < amd64util.YMMHighLen {
		return nil, nil, proc.ErrUnsupported
	}
	return c, unsafe.Slice((*byte)(unsafe.Pointer(p)), amd64util.YMMHighLen), nil
}

func (winAPI) getXstate(t handle, xs *amd64util.Xstate) error {
	c, ymm, err := xstateContext()
	if err != nil {
		return err
	}
	if err := _GetThreadContext(windows.Handle(t), c); err != nil {
		return err
	}
	xs.AvxState = true
	copy(xs.YmmSpace[:], ymm)
	return nil
}

func (winAPI) setXstate(t handle, xs *amd64util.Xstate) error {
	c, ymm, err := xstateContext()
	if err != nil {
		return err
	}
	if err := _GetThreadContext(windows.Handle(t), c); err != nil {
		return err
	}
	copy(ymm, xs.YmmSpace[:])
	return _SetThreadContext(windows.Handle(t), c)
}

func (winAPI) threadTEB(t handle) (uint64, error) {
	var tbi _THREAD_BASIC_INFORMATION
	status := _NtQueryInformationThread(windows.Handle(t), _ThreadBasicInformation, uintptr(unsafe.Pointer(&tbi)), uint32(unsafe.Sizeof(tbi)), nil)
	if !_NT_SUCCESS(status) {
		return 0, fmt.Errorf("NtQueryInformationThread returned %#x", uint32(status))
	}
	return uint64(tbi.TebBaseAddress), nil
}

func (winAPI) selectorBase(t handle, sel uint16) (uint64, error) {
	var e _WOW64_LDT_ENTRY
	if err := _Wow64GetThreadSelectorEntry(windows.Handle(t), uint32(sel), &e); err != nil {
		if errors.Is(err, windows.ERROR_NOT_SUPPORTED) || errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return 0, proc.ErrUnsupported
		}
		return 0, err
	}
	return e.base(), nil
}

func (winAPI) readMemory(p handle, addr uint64, buf []byte) (int, error) {
	var n uintptr
	err := windows.ReadProcessMemory(windows.Handle(p), uintptr(addr), &buf[0], uintptr(len(buf)), &n)
	return int(n), err
}

func (winAPI) writeMemory(p handle, addr uint64, data []byte) (int, error) {
	var n uintptr
	err := windows.WriteProcessMemory(windows.Handle(p), uintptr(addr), &data[0], uintptr(len(data)), &n)
	return int(n), err
}

func (winAPI) virtualQuery(p handle, addr uint64) (memoryInfo, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQueryEx(windows.Handle(p), uintptr(addr), &mbi, unsafe.Sizeof(mbi)); err != nil {
		return memoryInfo{}, err
	}
	return memoryInfo{
		Base:           uint64(mbi.BaseAddress),
		AllocationBase: uint64(mbi.AllocationBase),
		Size:           uint64(mbi.RegionSize),
		State:          mbi.State,
		Protect:        mbi.Protect,
		Type:           mbi.Type,
	}, nil
}

func (winAPI) virtualProtect(p handle, addr, size uint64, prot uint32) (uint32, error) {
	var old uint32
	err := windows.VirtualProtectEx(windows.Handle(p), uintptr(addr), uintptr(size), prot, &old)
	return old, err
}

func (winAPI) flushInstructionCache(p handle, addr, size uint64) error {
	return _FlushInstructionCache(windows.Handle(p), uintptr(addr), uintptr(size))
}

func (winAPI) pageSize() uint64 { return uint64(os.Getpagesize()) }
