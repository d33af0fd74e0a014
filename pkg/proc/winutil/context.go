package winutil

import "fmt"

// Mode is the ABI a thread executes under.
type Mode uint8

const (
	// ModeNative is a 64-bit thread.
	ModeNative Mode = iota
	// ModeCompat is a 32-bit thread running under the WOW64 layer.
	ModeCompat
)

func (m Mode) String() string {
	switch m {
	case ModeNative:
		return "native"
	case ModeCompat:
		return "wow64"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// RegClass selects register groups of a thread context.
type RegClass uint8

const (
	RegGeneral RegClass = 1 << iota
	RegSegment
	RegFPU
	RegMMX
	RegXMM
	RegYMM

	RegAll = RegGeneral | RegSegment | RegFPU | RegMMX | RegXMM | RegYMM
)

// GeneralRegs holds the integer registers, the instruction pointer and
// the flags. Compatibility-mode threads only use the low 32 bits.
type GeneralRegs struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip                uint64
	Rflags             uint64
}

// SegmentRegs holds the segment selectors.
type SegmentRegs struct {
	Cs, Ds, Es, Fs, Gs, Ss uint16
}

// FPURegs is the x87 state. ST holds the 80-bit registers in physical
// order; MMn aliases the low 8 bytes of ST(n).
type FPURegs struct {
	Control       uint16
	Status        uint16
	Tag           uint8 // abridged, one bit per register, 1 means valid
	Opcode        uint16
	ErrorOffset   uint32
	ErrorSelector uint16
	DataOffset    uint32
	DataSelector  uint16
	ST            [8][x87RegSize]byte
}

// MM returns MMX register n.
func (f *FPURegs) MM(n int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(f.ST[n][i]) << (8 * i)
	}
	return v
}

// SetMM sets MMX register n, marking the exponent bits as an MMX write
// does.
func (f *FPURegs) SetMM(n int, v uint64) {
	for i := 0; i < 8; i++ {
		f.ST[n][i] = byte(v >> (8 * i))
	}
	f.ST[n][8] = 0xff
	f.ST[n][9] = 0xff
}

// VectorRegs holds the SSE state. Compatibility-mode threads have
// XMM0 through XMM7 only.
type VectorRegs struct {
	Mxcsr     uint32
	MxcsrMask uint32
	XMM       [16][16]byte
}

// YMMRegs holds the upper 128 bits of YMM0 through YMM15.
type YMMRegs struct {
	High [16][16]byte
}

// Context is the normalized register view of one thread, valid for the
// debug event it was read in. Only the groups in Classes are meaningful.
type Context struct {
	Mode    Mode
	Classes RegClass

	General  GeneralRegs
	Segments SegmentRegs
	FPU      FPURegs
	Vector   VectorRegs
	YMM      YMMRegs
}

// PC returns the instruction pointer.
func (ctx *Context) PC() uint64 { return ctx.General.Rip }

// SP returns the stack pointer.
func (ctx *Context) SP() uint64 { return ctx.General.Rsp }

// NumXMM returns the number of XMM registers available in the mode.
func (m Mode) NumXMM() int {
	if m == ModeCompat {
		return 8
	}
	return 16
}

// ContextFlags returns the native context flags needed to read or write
// the given classes.
func ContextFlags(classes RegClass) uint32 {
	flags := uint32(CONTEXT_CONTROL | CONTEXT_INTEGER)
	if classes&RegSegment != 0 {
		flags |= CONTEXT_SEGMENTS
	}
	if classes&(RegFPU|RegMMX|RegXMM) != 0 {
		flags |= CONTEXT_FLOATING_POINT
	}
	if classes&RegYMM != 0 {
		flags |= CONTEXT_FLOATING_POINT | CONTEXT_XSTATE
	}
	return flags
}

// WOW64ContextFlags returns the compatibility context flags needed to
// read or write the given classes. YMM is not part of the compatibility
// context and must be fetched through the native one.
func WOW64ContextFlags(classes RegClass) uint32 {
	flags := uint32(WOW64_CONTEXT_CONTROL | WOW64_CONTEXT_INTEGER)
	if classes&RegSegment != 0 {
		flags |= WOW64_CONTEXT_SEGMENTS
	}
	if classes&(RegFPU|RegMMX|RegXMM) != 0 {
		flags |= WOW64_CONTEXT_FLOATING_POINT | WOW64_CONTEXT_EXTENDED_REGISTERS
	}
	return flags
}
