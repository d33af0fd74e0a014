package proc

import (
	"fmt"
	"sort"
)

// Exception codes known to the classifier.
const (
	ExceptionGuardPage          uint32 = 0x80000001
	ExceptionMisalignment       uint32 = 0x80000002
	ExceptionBreakpoint         uint32 = 0x80000003
	ExceptionSingleStep         uint32 = 0x80000004
	ExceptionAccessViolation    uint32 = 0xC0000005
	ExceptionInPageError        uint32 = 0xC0000006
	ExceptionInvalidHandle      uint32 = 0xC0000008
	ExceptionNoMemory           uint32 = 0xC0000017
	ExceptionIllegalInstruction uint32 = 0xC000001D
	ExceptionNoncontinuable     uint32 = 0xC0000025
	ExceptionInvalidDisposition uint32 = 0xC0000026
	ExceptionArrayBounds        uint32 = 0xC000008C
	ExceptionFltDenormal        uint32 = 0xC000008D
	ExceptionFltDivideByZero    uint32 = 0xC000008E
	ExceptionFltInexact         uint32 = 0xC000008F
	ExceptionFltInvalid         uint32 = 0xC0000090
	ExceptionFltOverflow        uint32 = 0xC0000091
	ExceptionFltStackCheck      uint32 = 0xC0000092
	ExceptionFltUnderflow       uint32 = 0xC0000093
	ExceptionIntDivideByZero    uint32 = 0xC0000094
	ExceptionIntOverflow        uint32 = 0xC0000095
	ExceptionPrivInstruction    uint32 = 0xC0000096
	ExceptionStackOverflow      uint32 = 0xC00000FD
	ExceptionControlCExit       uint32 = 0xC000013A
	ExceptionFltMultipleFaults  uint32 = 0xC00002B4
	ExceptionFltMultipleTraps   uint32 = 0xC00002B5
	ExceptionWX86SingleStep     uint32 = 0x4000001E
	ExceptionWX86Breakpoint     uint32 = 0x4000001F
	ExceptionControlC           uint32 = 0x40010005
	ExceptionPrintString        uint32 = 0x40010006
	ExceptionControlBreak       uint32 = 0x40010008
	ExceptionThreadName         uint32 = 0x406D1388
	ExceptionCPlusPlus          uint32 = 0xE06D7363
	ExceptionCLR                uint32 = 0xE0434352
	ExceptionBCCNested          uint32 = 0x0EEFFACE
	ExceptionBCCNestedAlt       uint32 = 0x0EEDFAE6
)

// ExceptionSetting decides how the classifier treats one exception code.
type ExceptionSetting struct {
	Code uint32
	Name string
	// Stop suspends the process and surfaces the exception.
	Stop bool
	// Pass hands the exception to the application when the process is
	// continued.
	Pass bool
	Desc string
}

// ExceptionTable maps exception codes to their settings.
type ExceptionTable map[uint32]ExceptionSetting

// DefaultExceptionTable returns the built-in exception settings.
func DefaultExceptionTable() ExceptionTable {
	t := ExceptionTable{}
	add := func(code uint32, name string, stop, pass bool, desc string) {
		t[code] = ExceptionSetting{Code: code, Name: name, Stop: stop, Pass: pass, Desc: desc}
	}
	add(ExceptionAccessViolation, "EXCEPTION_ACCESS_VIOLATION", true, true, "memory access violation")
	add(ExceptionMisalignment, "EXCEPTION_DATATYPE_MISALIGNMENT", true, true, "misaligned data access")
	add(ExceptionBreakpoint, "EXCEPTION_BREAKPOINT", true, false, "software breakpoint")
	add(ExceptionSingleStep, "EXCEPTION_SINGLE_STEP", true, false, "single step")
	add(ExceptionArrayBounds, "EXCEPTION_ARRAY_BOUNDS_EXCEEDED", true, true, "array bounds exceeded")
	add(ExceptionFltDenormal, "EXCEPTION_FLT_DENORMAL_OPERAND", true, true, "floating point denormal operand")
	add(ExceptionFltDivideByZero, "EXCEPTION_FLT_DIVIDE_BY_ZERO", true, true, "floating point division by zero")
	add(ExceptionFltInexact, "EXCEPTION_FLT_INEXACT_RESULT", true, true, "floating point inexact result")
	add(ExceptionFltInvalid, "EXCEPTION_FLT_INVALID_OPERATION", true, true, "floating point invalid operation")
	add(ExceptionFltOverflow, "EXCEPTION_FLT_OVERFLOW", true, true, "floating point overflow")
	add(ExceptionFltStackCheck, "EXCEPTION_FLT_STACK_CHECK", true, true, "floating point stack check")
	add(ExceptionFltUnderflow, "EXCEPTION_FLT_UNDERFLOW", true, true, "floating point underflow")
	add(ExceptionFltMultipleFaults, "STATUS_FLOAT_MULTIPLE_FAULTS", true, true, "multiple floating point faults")
	add(ExceptionFltMultipleTraps, "STATUS_FLOAT_MULTIPLE_TRAPS", true, true, "multiple floating point traps")
	add(ExceptionIntDivideByZero, "EXCEPTION_INT_DIVIDE_BY_ZERO", true, true, "integer division by zero")
	add(ExceptionIntOverflow, "EXCEPTION_INT_OVERFLOW", true, true, "integer overflow")
	add(ExceptionPrivInstruction, "EXCEPTION_PRIV_INSTRUCTION", true, true, "privileged instruction")
	add(ExceptionInPageError, "EXCEPTION_IN_PAGE_ERROR", true, true, "page could not be loaded")
	add(ExceptionIllegalInstruction, "EXCEPTION_ILLEGAL_INSTRUCTION", true, true, "illegal instruction")
	add(ExceptionNoncontinuable, "EXCEPTION_NONCONTINUABLE_EXCEPTION", true, true, "continued after a noncontinuable exception")
	add(ExceptionStackOverflow, "EXCEPTION_STACK_OVERFLOW", true, true, "stack overflow")
	add(ExceptionInvalidDisposition, "EXCEPTION_INVALID_DISPOSITION", true, true, "invalid exception disposition")
	add(ExceptionGuardPage, "EXCEPTION_GUARD_PAGE", true, true, "guard page accessed")
	add(ExceptionInvalidHandle, "EXCEPTION_INVALID_HANDLE", true, true, "invalid handle")
	add(ExceptionNoMemory, "STATUS_NO_MEMORY", true, true, "out of memory")
	add(ExceptionControlCExit, "CONTROL_C_EXIT", true, true, "control-c exit")
	add(ExceptionControlC, "DBG_CONTROL_C", true, true, "control-c")
	add(ExceptionControlBreak, "DBG_CONTROL_BREAK", true, true, "control-break")
	add(ExceptionPrintString, "DBG_PRINTEXCEPTION_C", false, true, "debug string output")
	add(ExceptionWX86Breakpoint, "STATUS_WX86_BREAKPOINT", true, false, "32-bit breakpoint")
	add(ExceptionWX86SingleStep, "STATUS_WX86_SINGLE_STEP", true, false, "32-bit single step")
	add(ExceptionThreadName, "MS_VC_EXCEPTION", false, true, "thread name")
	add(ExceptionCPlusPlus, "C++_EXCEPTION", true, true, "C++ exception")
	add(ExceptionCLR, "CLR_EXCEPTION", false, true, ".NET exception")
	add(ExceptionBCCNested, "BCC_NESTED_EXCEPTION", false, true, "nested exception")
	add(ExceptionBCCNestedAlt, "BCC_NESTED_EXCEPTION_2", false, true, "nested exception")
	return t
}

// Lookup returns the setting for code.
func (t ExceptionTable) Lookup(code uint32) (ExceptionSetting, bool) {
	e, ok := t[code]
	return e, ok
}

// Setting returns the setting for code, or the default for unknown
// exceptions: stop and pass to the application.
func (t ExceptionTable) Setting(code uint32) ExceptionSetting {
	if e, ok := t[code]; ok {
		return e
	}
	return ExceptionSetting{Code: code, Name: fmt.Sprintf("%08X", code), Stop: true, Pass: true, Desc: "unknown exception"}
}

// Sorted returns the settings ordered by code.
func (t ExceptionTable) Sorted() []ExceptionSetting {
	r := make([]ExceptionSetting, 0, len(t))
	for _, e := range t {
		r = append(r, e)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Code < r[j].Code })
	return r
}

// DescribeException formats the description attached to an exception
// event at addr. For access violations info holds the access kind and
// the faulting address.
func (t ExceptionTable) DescribeException(code uint32, addr uint64, tid int, info []uint64) string {
	e := t.Setting(code)
	if (code == ExceptionAccessViolation || code == ExceptionInPageError) && len(info) >= 2 {
		var verb string
		switch ViolationAccess(info[0]) {
		case AccessWrite:
			verb = "written"
		case AccessExec:
			verb = "executed"
		default:
			verb = "read"
		}
		return fmt.Sprintf("%#x: The instruction at %#x referenced memory at %#x. The memory could not be %s (exc.code %x, tid %d)", addr, addr, info[1], verb, code, tid)
	}
	return fmt.Sprintf("%#x: %s (exc.code %x, tid %d)", addr, e.Desc, code, tid)
}
