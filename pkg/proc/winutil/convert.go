package winutil

import (
	"github.com/go-delve/nativedbg/pkg/proc/amd64util"
)

// FromAMD64 builds the normalized view of a native thread. xs may be nil
// if RegYMM is not requested.
func FromAMD64(c *AMD64CONTEXT, xs *amd64util.Xstate, classes RegClass) *Context {
	ctx := &Context{Mode: ModeNative, Classes: classes | RegGeneral}
	ctx.General = GeneralRegs{
		Rax: c.Rax, Rbx: c.Rbx, Rcx: c.Rcx, Rdx: c.Rdx,
		Rsi: c.Rsi, Rdi: c.Rdi, Rbp: c.Rbp, Rsp: c.Rsp,
		R8: c.R8, R9: c.R9, R10: c.R10, R11: c.R11,
		R12: c.R12, R13: c.R13, R14: c.R14, R15: c.R15,
		Rip:    c.Rip,
		Rflags: uint64(c.EFlags),
	}
	if classes&RegSegment != 0 {
		ctx.Segments = SegmentRegs{Cs: c.SegCs, Ds: c.SegDs, Es: c.SegEs, Fs: c.SegFs, Gs: c.SegGs, Ss: c.SegSs}
	}
	if classes&(RegFPU|RegMMX|RegXMM) != 0 {
		fs := &c.FltSave
		ctx.FPU = FPURegs{
			Control:       fs.ControlWord,
			Status:        fs.StatusWord,
			Tag:           fs.TagWord,
			Opcode:        fs.ErrorOpcode,
			ErrorOffset:   fs.ErrorOffset,
			ErrorSelector: fs.ErrorSelector,
			DataOffset:    fs.DataOffset,
			DataSelector:  fs.DataSelector,
		}
		for i := range fs.FloatRegisters {
			b := m128aBytes(fs.FloatRegisters[i])
			copy(ctx.FPU.ST[i][:], b[:x87RegSize])
		}
		ctx.Vector.Mxcsr = fs.MxCsr
		ctx.Vector.MxcsrMask = fs.MxCsr_Mask
		for i := 0; i < 16; i++ {
			copy(ctx.Vector.XMM[i][:], fs.XmmRegisters[i*16:])
		}
	}
	if classes&RegYMM != 0 && xs != nil && xs.AvxState {
		for i := 0; i < 16; i++ {
			copy(ctx.YMM.High[i][:], xs.YmmSpace[i*16:])
		}
	}
	return ctx
}

// ApplyToAMD64 writes the groups present in ctx into a native context and,
// for RegYMM, into xs. It returns the context flags that must be used for
// the write.
func (ctx *Context) ApplyToAMD64(c *AMD64CONTEXT, xs *amd64util.Xstate) uint32 {
	g := &ctx.General
	c.Rax, c.Rbx, c.Rcx, c.Rdx = g.Rax, g.Rbx, g.Rcx, g.Rdx
	c.Rsi, c.Rdi, c.Rbp, c.Rsp = g.Rsi, g.Rdi, g.Rbp, g.Rsp
	c.R8, c.R9, c.R10, c.R11 = g.R8, g.R9, g.R10, g.R11
	c.R12, c.R13, c.R14, c.R15 = g.R12, g.R13, g.R14, g.R15
	c.Rip = g.Rip
	c.EFlags = uint32(g.Rflags)
	if ctx.Classes&RegSegment != 0 {
		s := &ctx.Segments
		c.SegCs, c.SegDs, c.SegEs, c.SegFs, c.SegGs, c.SegSs = s.Cs, s.Ds, s.Es, s.Fs, s.Gs, s.Ss
	}
	if ctx.Classes&(RegFPU|RegMMX|RegXMM) != 0 {
		fs := &c.FltSave
		fs.ControlWord = ctx.FPU.Control
		fs.StatusWord = ctx.FPU.Status
		fs.TagWord = ctx.FPU.Tag
		fs.ErrorOpcode = ctx.FPU.Opcode
		fs.ErrorOffset = ctx.FPU.ErrorOffset
		fs.ErrorSelector = ctx.FPU.ErrorSelector
		fs.DataOffset = ctx.FPU.DataOffset
		fs.DataSelector = ctx.FPU.DataSelector
		for i := range fs.FloatRegisters {
			var b [16]byte
			copy(b[:], ctx.FPU.ST[i][:])
			fs.FloatRegisters[i] = bytesM128A(b)
		}
		fs.MxCsr = ctx.Vector.Mxcsr
		fs.MxCsr_Mask = ctx.Vector.MxcsrMask
		c.MxCsr = ctx.Vector.Mxcsr
		for i := 0; i < 16; i++ {
			copy(fs.XmmRegisters[i*16:(i+1)*16], ctx.Vector.XMM[i][:])
		}
	}
	if ctx.Classes&RegYMM != 0 && xs != nil {
		xs.AvxState = true
		for i := 0; i < 16; i++ {
			copy(xs.YmmSpace[i*16:(i+1)*16], ctx.YMM.High[i][:])
		}
	}
	return ContextFlags(ctx.Classes)
}

// FromWOW64 builds the normalized view of a compatibility-mode thread.
// The FPU and SSE state come from the FXSAVE image in ExtendedRegisters,
// the YMM upper halves from xs, which is read through the native context
// of the same thread.
func FromWOW64(w *WOW64CONTEXT, xs *amd64util.Xstate, classes RegClass) (*Context, error) {
	ctx := &Context{Mode: ModeCompat, Classes: classes | RegGeneral}
	ctx.General = GeneralRegs{
		Rax: uint64(w.Eax), Rbx: uint64(w.Ebx), Rcx: uint64(w.Ecx), Rdx: uint64(w.Edx),
		Rsi: uint64(w.Esi), Rdi: uint64(w.Edi), Rbp: uint64(w.Ebp), Rsp: uint64(w.Esp),
		Rip:    uint64(w.Eip),
		Rflags: uint64(w.EFlags),
	}
	if classes&RegSegment != 0 {
		ctx.Segments = SegmentRegs{
			Cs: uint16(w.SegCs), Ds: uint16(w.SegDs), Es: uint16(w.SegEs),
			Fs: uint16(w.SegFs), Gs: uint16(w.SegGs), Ss: uint16(w.SegSs),
		}
	}
	if classes&(RegFPU|RegMMX|RegXMM) != 0 {
		area, err := amd64util.DecodeFXSave(w.ExtendedRegisters[:])
		if err != nil {
			return nil, err
		}
		ctx.FPU = FPURegs{
			Control:       area.Cwd,
			Status:        area.Swd,
			Tag:           area.Ftw,
			Opcode:        area.Fop,
			ErrorOffset:   area.FpuIP,
			ErrorSelector: area.FpuCS,
			DataOffset:    area.FpuDP,
			DataSelector:  area.FpuDS,
		}
		for i := range area.StSpace {
			copy(ctx.FPU.ST[i][:], area.StSpace[i][:x87RegSize])
		}
		ctx.Vector.Mxcsr = area.Mxcsr
		ctx.Vector.MxcsrMask = area.MxcsrMask
		for i := 0; i < ModeCompat.NumXMM(); i++ {
			ctx.Vector.XMM[i] = area.XmmSpace[i]
		}
	}
	if classes&RegYMM != 0 && xs != nil && xs.AvxState {
		for i := 0; i < ModeCompat.NumXMM(); i++ {
			copy(ctx.YMM.High[i][:], xs.YmmSpace[i*16:])
		}
	}
	return ctx, nil
}

// ApplyToWOW64 writes the groups present in ctx into a compatibility
// context. The x87 state is written to both FloatSave and
// ExtendedRegisters so that the two stay consistent. RegYMM goes to xs.
// It returns the compatibility context flags to use for the write.
func (ctx *Context) ApplyToWOW64(w *WOW64CONTEXT, xs *amd64util.Xstate) (uint32, error) {
	g := &ctx.General
	w.Eax, w.Ebx, w.Ecx, w.Edx = uint32(g.Rax), uint32(g.Rbx), uint32(g.Rcx), uint32(g.Rdx)
	w.Esi, w.Edi, w.Ebp, w.Esp = uint32(g.Rsi), uint32(g.Rdi), uint32(g.Rbp), uint32(g.Rsp)
	w.Eip = uint32(g.Rip)
	w.EFlags = uint32(g.Rflags)
	if ctx.Classes&RegSegment != 0 {
		s := &ctx.Segments
		w.SegCs, w.SegDs, w.SegEs = uint32(s.Cs), uint32(s.Ds), uint32(s.Es)
		w.SegFs, w.SegGs, w.SegSs = uint32(s.Fs), uint32(s.Gs), uint32(s.Ss)
	}
	if ctx.Classes&(RegFPU|RegMMX|RegXMM) != 0 {
		area, err := amd64util.DecodeFXSave(w.ExtendedRegisters[:])
		if err != nil {
			return 0, err
		}
		area.Cwd = ctx.FPU.Control
		area.Swd = ctx.FPU.Status
		area.Ftw = ctx.FPU.Tag
		area.Fop = ctx.FPU.Opcode
		area.FpuIP = ctx.FPU.ErrorOffset
		area.FpuCS = ctx.FPU.ErrorSelector
		area.FpuDP = ctx.FPU.DataOffset
		area.FpuDS = ctx.FPU.DataSelector
		for i := range area.StSpace {
			copy(area.StSpace[i][:x87RegSize], ctx.FPU.ST[i][:])
		}
		area.Mxcsr = ctx.Vector.Mxcsr
		area.MxcsrMask = ctx.Vector.MxcsrMask
		for i := 0; i < ModeCompat.NumXMM(); i++ {
			area.XmmSpace[i] = ctx.Vector.XMM[i]
		}
		if err := area.Encode(w.ExtendedRegisters[:]); err != nil {
			return 0, err
		}
		fxsaveToFloatSave(&area, &w.FloatSave)
	}
	if ctx.Classes&RegYMM != 0 && xs != nil {
		xs.AvxState = true
		for i := 0; i < ModeCompat.NumXMM(); i++ {
			copy(xs.YmmSpace[i*16:(i+1)*16], ctx.YMM.High[i][:])
		}
	}
	return WOW64ContextFlags(ctx.Classes), nil
}

// fxsaveToFloatSave fills the legacy FNSAVE-style save area from an FXSAVE
// image. The opcode lives in the upper half of ErrorSelector.
func fxsaveToFloatSave(area *amd64util.FXSaveArea, fs *WOW64_FLOATING_SAVE_AREA) {
	fs.ControlWord = 0xffff0000 | uint32(area.Cwd)
	fs.StatusWord = 0xffff0000 | uint32(area.Swd)
	fs.TagWord = 0xffff0000 | uint32(ExpandTag(area.Ftw))
	fs.ErrorOffset = area.FpuIP
	fs.ErrorSelector = uint32(area.FpuCS) | uint32(area.Fop&0x7ff)<<16
	fs.DataOffset = area.FpuDP
	fs.DataSelector = 0xffff0000 | uint32(area.FpuDS)
	for i := 0; i < 8; i++ {
		copy(fs.RegisterArea[i*x87RegSize:(i+1)*x87RegSize], area.StSpace[i][:x87RegSize])
	}
}

// ExpandTag converts an abridged tag to a full tag word. Non-empty
// registers are tagged valid; the zero and special classifications are
// not recovered.
func ExpandTag(abridged uint8) uint16 {
	var r uint16
	for i := 0; i < 8; i++ {
		if abridged&(1<<i) == 0 {
			r |= 3 << (2 * i)
		}
	}
	return r
}
