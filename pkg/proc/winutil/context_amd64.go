package winutil

import (
	"unsafe"
)

// Context flags of the native 64-bit CONTEXT.
const (
	CONTEXT_AMD64 = 0x100000

	CONTEXT_CONTROL         = CONTEXT_AMD64 | 0x1
	CONTEXT_INTEGER         = CONTEXT_AMD64 | 0x2
	CONTEXT_SEGMENTS        = CONTEXT_AMD64 | 0x4
	CONTEXT_FLOATING_POINT  = CONTEXT_AMD64 | 0x8
	CONTEXT_DEBUG_REGISTERS = CONTEXT_AMD64 | 0x10
	CONTEXT_XSTATE          = CONTEXT_AMD64 | 0x40

	CONTEXT_FULL = CONTEXT_CONTROL | CONTEXT_INTEGER | CONTEXT_FLOATING_POINT
	CONTEXT_ALL  = CONTEXT_CONTROL | CONTEXT_INTEGER | CONTEXT_SEGMENTS | CONTEXT_FLOATING_POINT | CONTEXT_DEBUG_REGISTERS
)

// TrapFlag is the single-step bit of RFLAGS/EFLAGS.
const TrapFlag = 0x100

// ResumeFlag is the bit of RFLAGS/EFLAGS that suppresses instruction
// breakpoints for one instruction.
const ResumeFlag = 0x10000

// M128A tracks the _M128A windows struct.
type M128A struct {
	Low  uint64
	High int64
}

// XMM_SAVE_AREA32 tracks the _XMM_SAVE_AREA32 windows struct.
type XMM_SAVE_AREA32 struct {
	ControlWord    uint16
	StatusWord     uint16
	TagWord        byte
	Reserved1      byte
	ErrorOpcode    uint16
	ErrorOffset    uint32
	ErrorSelector  uint16
	Reserved2      uint16
	DataOffset     uint32
	DataSelector   uint16
	Reserved3      uint16
	MxCsr          uint32
	MxCsr_Mask     uint32
	FloatRegisters [8]M128A
	XmmRegisters   [256]byte
	Reserved4      [96]byte
}

// AMD64CONTEXT tracks the _CONTEXT of windows.
type AMD64CONTEXT struct {
	P1Home uint64
	P2Home uint64
	P3Home uint64
	P4Home uint64
	P5Home uint64
	P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip uint64

	FltSave XMM_SAVE_AREA32

	VectorRegister [26]M128A
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// NewAMD64CONTEXT allocates Windows CONTEXT structure aligned to 16 bytes.
func NewAMD64CONTEXT() *AMD64CONTEXT {
	var c *AMD64CONTEXT
	buf := make([]byte, unsafe.Sizeof(*c)+15)
	return (*AMD64CONTEXT)(unsafe.Pointer((uintptr(unsafe.Pointer(&buf[15]))) &^ 15))
}

// SetTrap sets or clears the trap flag. It returns false if the flag
// already had the requested value.
func (ctx *AMD64CONTEXT) SetTrap(trap bool) bool {
	if (ctx.EFlags&TrapFlag != 0) == trap {
		return false
	}
	if trap {
		ctx.EFlags |= TrapFlag
	} else {
		ctx.EFlags &= ^uint32(TrapFlag)
	}
	return true
}

func m128aBytes(m M128A) (out [16]byte) {
	for i := 0; i < 8; i++ {
		out[i] = byte(m.Low >> (8 * i))
		out[8+i] = byte(uint64(m.High) >> (8 * i))
	}
	return out
}

func bytesM128A(b [16]byte) M128A {
	var m M128A
	var hi uint64
	for i := 0; i < 8; i++ {
		m.Low |= uint64(b[i]) << (8 * i)
		hi |= uint64(b[8+i]) << (8 * i)
	}
	m.High = int64(hi)
	return m
}
