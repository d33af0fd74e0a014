package winutil

// Context flags of the 32-bit compatibility context.
const (
	WOW64_CONTEXT_i386 = 0x10000

	WOW64_CONTEXT_CONTROL            = WOW64_CONTEXT_i386 | 0x1
	WOW64_CONTEXT_INTEGER            = WOW64_CONTEXT_i386 | 0x2
	WOW64_CONTEXT_SEGMENTS           = WOW64_CONTEXT_i386 | 0x4
	WOW64_CONTEXT_FLOATING_POINT     = WOW64_CONTEXT_i386 | 0x8
	WOW64_CONTEXT_DEBUG_REGISTERS    = WOW64_CONTEXT_i386 | 0x10
	WOW64_CONTEXT_EXTENDED_REGISTERS = WOW64_CONTEXT_i386 | 0x20

	WOW64_CONTEXT_ALL = WOW64_CONTEXT_CONTROL | WOW64_CONTEXT_INTEGER | WOW64_CONTEXT_SEGMENTS |
		WOW64_CONTEXT_FLOATING_POINT | WOW64_CONTEXT_DEBUG_REGISTERS | WOW64_CONTEXT_EXTENDED_REGISTERS
)

const (
	wow64SizeOf80387Registers      = 80
	wow64MaximumSupportedExtension = 512

	x87RegSize = 10
)

// WOW64_FLOATING_SAVE_AREA tracks the _WOW64_FLOATING_SAVE_AREA windows
// struct. RegisterArea holds ST(0) through ST(7), 10 bytes each.
type WOW64_FLOATING_SAVE_AREA struct {
	ControlWord   uint32
	StatusWord    uint32
	TagWord       uint32
	ErrorOffset   uint32
	ErrorSelector uint32
	DataOffset    uint32
	DataSelector  uint32
	RegisterArea  [wow64SizeOf80387Registers]byte
	Cr0NpxState   uint32
}

// WOW64CONTEXT tracks the _WOW64_CONTEXT windows struct. ExtendedRegisters
// uses the FXSAVE layout, the same as XMM_SAVE_AREA32.
type WOW64CONTEXT struct {
	ContextFlags uint32

	Dr0 uint32
	Dr1 uint32
	Dr2 uint32
	Dr3 uint32
	Dr6 uint32
	Dr7 uint32

	FloatSave WOW64_FLOATING_SAVE_AREA

	SegGs uint32
	SegFs uint32
	SegEs uint32
	SegDs uint32

	Edi uint32
	Esi uint32
	Ebx uint32
	Edx uint32
	Ecx uint32
	Eax uint32

	Ebp    uint32
	Eip    uint32
	SegCs  uint32
	EFlags uint32
	Esp    uint32
	SegSs  uint32

	ExtendedRegisters [wow64MaximumSupportedExtension]byte
}

// SetTrap sets or clears the trap flag. It returns false if the flag
// already had the requested value.
func (ctx *WOW64CONTEXT) SetTrap(trap bool) bool {
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
