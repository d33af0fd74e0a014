package winutil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/arch/x86/x86asm"
)

// RegisterInfo describes one register of the normalized context. Asm is
// zero for registers the disassembler has no name for (YMM upper halves,
// x87 control registers, MXCSR).
type RegisterInfo struct {
	Name  string
	Asm   x86asm.Reg
	Class RegClass
	Size  int // bytes

	get func(ctx *Context) []byte
	set func(ctx *Context, v []byte)
}

// Register is a register value extracted from a context.
type Register struct {
	*RegisterInfo
	Bytes []byte
}

// Uint64 returns the value of the register truncated to 64 bits.
func (r Register) Uint64() uint64 {
	var buf [8]byte
	copy(buf[:], r.Bytes)
	return binary.LittleEndian.Uint64(buf[:])
}

func (r Register) String() string {
	if r.Size <= 8 {
		return fmt.Sprintf("%s=%#x", r.Name, r.Uint64())
	}
	return fmt.Sprintf("%s=%#x", r.Name, r.Bytes)
}

// ErrUnknownRegister is returned for register names not in the table of
// the context's mode.
var ErrUnknownRegister = errors.New("unknown register")

var (
	tablesOnce  sync.Once
	nativeTable []RegisterInfo
	compatTable []RegisterInfo
)

// RegisterTable returns the register table for the given mode. Tables are
// built once.
func RegisterTable(m Mode) []RegisterInfo {
	tablesOnce.Do(func() {
		nativeTable = buildTable(ModeNative)
		compatTable = buildTable(ModeCompat)
	})
	if m == ModeCompat {
		return compatTable
	}
	return nativeTable
}

func u64get(f func(*Context) *uint64, size int) func(*Context) []byte {
	return func(ctx *Context) []byte {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, *f(ctx))
		return buf[:size]
	}
}

func u64set(f func(*Context) *uint64, size int) func(*Context, []byte) {
	return func(ctx *Context, v []byte) {
		var buf [8]byte
		copy(buf[:size], v)
		*f(ctx) = binary.LittleEndian.Uint64(buf[:])
	}
}

func u16field(f func(*Context) *uint16) (func(*Context) []byte, func(*Context, []byte)) {
	get := func(ctx *Context) []byte {
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, *f(ctx))
		return buf
	}
	set := func(ctx *Context, v []byte) {
		var buf [2]byte
		copy(buf[:], v)
		*f(ctx) = binary.LittleEndian.Uint16(buf[:])
	}
	return get, set
}

func bytesField(f func(*Context) []byte) (func(*Context) []byte, func(*Context, []byte)) {
	get := func(ctx *Context) []byte {
		return append([]byte(nil), f(ctx)...)
	}
	set := func(ctx *Context, v []byte) {
		dst := f(ctx)
		for i := range dst {
			dst[i] = 0
		}
		copy(dst, v)
	}
	return get, set
}

func buildTable(m Mode) []RegisterInfo {
	var t []RegisterInfo

	gpr := func(g *GeneralRegs) []*uint64 {
		return []*uint64{&g.Rax, &g.Rcx, &g.Rdx, &g.Rbx, &g.Rsp, &g.Rbp, &g.Rsi, &g.Rdi,
			&g.R8, &g.R9, &g.R10, &g.R11, &g.R12, &g.R13, &g.R14, &g.R15}
	}

	size, first, ngpr := 8, x86asm.RAX, 16
	ip, flagsName := x86asm.RIP, "RFLAGS"
	if m == ModeCompat {
		size, first, ngpr = 4, x86asm.EAX, 8
		ip, flagsName = x86asm.EIP, "EFLAGS"
	}
	for i := 0; i < ngpr; i++ {
		i := i
		f := func(ctx *Context) *uint64 { return gpr(&ctx.General)[i] }
		reg := first + x86asm.Reg(i)
		t = append(t, RegisterInfo{Name: reg.String(), Asm: reg, Class: RegGeneral, Size: size,
			get: u64get(f, size), set: u64set(f, size)})
	}
	ipf := func(ctx *Context) *uint64 { return &ctx.General.Rip }
	t = append(t, RegisterInfo{Name: ip.String(), Asm: ip, Class: RegGeneral, Size: size,
		get: u64get(ipf, size), set: u64set(ipf, size)})
	flf := func(ctx *Context) *uint64 { return &ctx.General.Rflags }
	t = append(t, RegisterInfo{Name: flagsName, Class: RegGeneral, Size: size,
		get: u64get(flf, size), set: u64set(flf, size)})

	segs := []struct {
		reg x86asm.Reg
		f   func(*Context) *uint16
	}{
		{x86asm.CS, func(ctx *Context) *uint16 { return &ctx.Segments.Cs }},
		{x86asm.DS, func(ctx *Context) *uint16 { return &ctx.Segments.Ds }},
		{x86asm.ES, func(ctx *Context) *uint16 { return &ctx.Segments.Es }},
		{x86asm.FS, func(ctx *Context) *uint16 { return &ctx.Segments.Fs }},
		{x86asm.GS, func(ctx *Context) *uint16 { return &ctx.Segments.Gs }},
		{x86asm.SS, func(ctx *Context) *uint16 { return &ctx.Segments.Ss }},
	}
	for _, s := range segs {
		get, set := u16field(s.f)
		t = append(t, RegisterInfo{Name: s.reg.String(), Asm: s.reg, Class: RegSegment, Size: 2, get: get, set: set})
	}

	for i := 0; i < 8; i++ {
		i := i
		reg := x86asm.F0 + x86asm.Reg(i)
		get, set := bytesField(func(ctx *Context) []byte { return ctx.FPU.ST[i][:] })
		t = append(t, RegisterInfo{Name: fmt.Sprintf("ST%d", i), Asm: reg, Class: RegFPU, Size: x87RegSize, get: get, set: set})
	}
	fpuCtl := []struct {
		name string
		f    func(*Context) *uint16
	}{
		{"CW", func(ctx *Context) *uint16 { return &ctx.FPU.Control }},
		{"SW", func(ctx *Context) *uint16 { return &ctx.FPU.Status }},
		{"FOP", func(ctx *Context) *uint16 { return &ctx.FPU.Opcode }},
	}
	for _, r := range fpuCtl {
		get, set := u16field(r.f)
		t = append(t, RegisterInfo{Name: r.name, Class: RegFPU, Size: 2, get: get, set: set})
	}
	t = append(t, RegisterInfo{Name: "TW", Class: RegFPU, Size: 1,
		get: func(ctx *Context) []byte { return []byte{ctx.FPU.Tag} },
		set: func(ctx *Context, v []byte) {
			if len(v) > 0 {
				ctx.FPU.Tag = v[0]
			}
		}})

	for i := 0; i < 8; i++ {
		i := i
		reg := x86asm.M0 + x86asm.Reg(i)
		t = append(t, RegisterInfo{Name: fmt.Sprintf("MM%d", i), Asm: reg, Class: RegMMX, Size: 8,
			get: func(ctx *Context) []byte {
				buf := make([]byte, 8)
				binary.LittleEndian.PutUint64(buf, ctx.FPU.MM(i))
				return buf
			},
			set: func(ctx *Context, v []byte) {
				var buf [8]byte
				copy(buf[:], v)
				ctx.FPU.SetMM(i, binary.LittleEndian.Uint64(buf[:]))
			}})
	}

	for i := 0; i < m.NumXMM(); i++ {
		i := i
		reg := x86asm.X0 + x86asm.Reg(i)
		get, set := bytesField(func(ctx *Context) []byte { return ctx.Vector.XMM[i][:] })
		t = append(t, RegisterInfo{Name: fmt.Sprintf("XMM%d", i), Asm: reg, Class: RegXMM, Size: 16, get: get, set: set})
	}
	t = append(t, RegisterInfo{Name: "MXCSR", Class: RegXMM, Size: 4,
		get: func(ctx *Context) []byte {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, ctx.Vector.Mxcsr)
			return buf
		},
		set: func(ctx *Context, v []byte) {
			var buf [4]byte
			copy(buf[:], v)
			ctx.Vector.Mxcsr = binary.LittleEndian.Uint32(buf[:])
		}})

	for i := 0; i < m.NumXMM(); i++ {
		i := i
		get, set := bytesField(func(ctx *Context) []byte { return ctx.YMM.High[i][:] })
		t = append(t, RegisterInfo{Name: fmt.Sprintf("YMM%dH", i), Class: RegYMM, Size: 16, get: get, set: set})
	}
	return t
}

// Slice returns the registers of ctx belonging to classes, in table
// order. Classes not present in the context are skipped.
func (ctx *Context) Slice(classes RegClass) []Register {
	var out []Register
	table := RegisterTable(ctx.Mode)
	for i := range table {
		ri := &table[i]
		if ri.Class&classes == 0 || !ctx.loaded(ri.Class) {
			continue
		}
		out = append(out, Register{RegisterInfo: ri, Bytes: ri.get(ctx)})
	}
	return out
}

// Lookup returns the table entry for a register name, case insensitive.
func (m Mode) Lookup(name string) (*RegisterInfo, bool) {
	table := RegisterTable(m)
	for i := range table {
		if strings.EqualFold(table[i].Name, name) {
			return &table[i], true
		}
	}
	return nil, false
}

// Get returns the value of the named register.
func (ctx *Context) Get(name string) (Register, error) {
	ri, ok := ctx.Mode.Lookup(name)
	if !ok {
		return Register{}, fmt.Errorf("%w %q in %s mode", ErrUnknownRegister, name, ctx.Mode)
	}
	return Register{RegisterInfo: ri, Bytes: ri.get(ctx)}, nil
}

// SetByName sets the named register and marks its class as present, so
// that a following write includes it.
func (ctx *Context) SetByName(name string, v []byte) error {
	ri, ok := ctx.Mode.Lookup(name)
	if !ok {
		return fmt.Errorf("%w %q in %s mode", ErrUnknownRegister, name, ctx.Mode)
	}
	if !ctx.loaded(ri.Class) {
		return fmt.Errorf("register %s: class not loaded in context", ri.Name)
	}
	ri.set(ctx, v)
	ctx.Classes |= ri.Class
	return nil
}

// loaded reports whether the group containing class was read into ctx.
// FPU, MMX and XMM share one save area.
func (ctx *Context) loaded(class RegClass) bool {
	if class&(RegFPU|RegMMX|RegXMM) != 0 {
		return ctx.Classes&(RegFPU|RegMMX|RegXMM) != 0
	}
	return ctx.Classes&class != 0
}

// SetUint64 is SetByName for integer registers.
func (ctx *Context) SetUint64(name string, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return ctx.SetByName(name, buf[:])
}
