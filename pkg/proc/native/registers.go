package native

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/nativedbg/pkg/logflags"
	"github.com/go-delve/nativedbg/pkg/proc"
	"github.com/go-delve/nativedbg/pkg/proc/amd64util"
	"github.com/go-delve/nativedbg/pkg/proc/winutil"
)

func (s *Session) mode() winutil.Mode {
	if s.compat {
		return winutil.ModeCompat
	}
	return winutil.ModeNative
}

// readXstate fetches the YMM upper halves through the native context of
// t. A CPU without AVX yields an empty state.
func (s *Session) readXstate(t *thread) (*amd64util.Xstate, error) {
	xs := new(amd64util.Xstate)
	if err := s.os.getXstate(t.h, xs); err != nil {
		if errors.Is(err, proc.ErrUnsupported) {
			return xs, nil
		}
		return nil, err
	}
	return xs, nil
}

// readContext reads the register classes of t. Contexts are read from the
// OS every time: a debug event invalidates whatever was read before.
func (s *Session) readContext(t *thread, classes winutil.RegClass) (*winutil.Context, error) {
	var xs *amd64util.Xstate
	if classes&winutil.RegYMM != 0 {
		var err error
		if xs, err = s.readXstate(t); err != nil {
			return nil, fmt.Errorf("could not read extended state of %v: %w", t, err)
		}
	}
	if s.compat {
		w := &winutil.WOW64CONTEXT{ContextFlags: winutil.WOW64ContextFlags(classes)}
		if err := s.os.getWow64Context(t.h, w); err != nil {
			return nil, fmt.Errorf("could not read context of %v: %w", t, err)
		}
		return winutil.FromWOW64(w, xs, classes)
	}
	c := winutil.NewAMD64CONTEXT()
	c.ContextFlags = winutil.ContextFlags(classes &^ winutil.RegYMM)
	if err := s.os.getContext(t.h, c); err != nil {
		return nil, fmt.Errorf("could not read context of %v: %w", t, err)
	}
	return winutil.FromAMD64(c, xs, classes), nil
}

// writeContext writes the classes present in ctx to t. The context is
// read first so that the parts ctx does not describe are kept.
func (s *Session) writeContext(t *thread, ctx *winutil.Context) error {
	if ctx.Mode != s.mode() {
		return fmt.Errorf("%s context written to %s thread %d", ctx.Mode, s.mode(), t.tid)
	}
	var xs *amd64util.Xstate
	if ctx.Classes&winutil.RegYMM != 0 {
		var err error
		if xs, err = s.readXstate(t); err != nil {
			return err
		}
	}
	if s.compat {
		w := &winutil.WOW64CONTEXT{ContextFlags: winutil.WOW64ContextFlags(ctx.Classes)}
		if err := s.os.getWow64Context(t.h, w); err != nil {
			return fmt.Errorf("could not read context of %v: %w", t, err)
		}
		flags, err := ctx.ApplyToWOW64(w, xs)
		if err != nil {
			return err
		}
		w.ContextFlags = flags
		if err := s.os.setWow64Context(t.h, w); err != nil {
			return fmt.Errorf("could not write context of %v: %w", t, err)
		}
	} else {
		c := winutil.NewAMD64CONTEXT()
		c.ContextFlags = winutil.ContextFlags(ctx.Classes &^ winutil.RegYMM)
		if err := s.os.getContext(t.h, c); err != nil {
			return fmt.Errorf("could not read context of %v: %w", t, err)
		}
		ctx.ApplyToAMD64(c, xs)
		c.ContextFlags = winutil.ContextFlags(ctx.Classes &^ winutil.RegYMM)
		if err := s.os.setContext(t.h, c); err != nil {
			return fmt.Errorf("could not write context of %v: %w", t, err)
		}
	}
	if xs != nil && xs.AvxState {
		if err := s.os.setXstate(t.h, xs); err != nil && !errors.Is(err, proc.ErrUnsupported) {
			return fmt.Errorf("could not write extended state of %v: %w", t, err)
		}
	}
	logflags.RegsLogger().Debugf("wrote %v classes %#x", t, ctx.Classes)
	return nil
}

// setPC moves the instruction pointer of t.
func (s *Session) setPC(t *thread, pc uint64) error {
	if s.compat {
		w := &winutil.WOW64CONTEXT{ContextFlags: winutil.WOW64_CONTEXT_CONTROL}
		if err := s.os.getWow64Context(t.h, w); err != nil {
			return err
		}
		w.Eip = uint32(pc)
		return s.os.setWow64Context(t.h, w)
	}
	c := winutil.NewAMD64CONTEXT()
	c.ContextFlags = winutil.CONTEXT_CONTROL
	if err := s.os.getContext(t.h, c); err != nil {
		return err
	}
	c.Rip = pc
	return s.os.setContext(t.h, c)
}

// pc returns the instruction pointer of t.
func (s *Session) pc(t *thread) (uint64, error) {
	if s.compat {
		w := &winutil.WOW64CONTEXT{ContextFlags: winutil.WOW64_CONTEXT_CONTROL}
		if err := s.os.getWow64Context(t.h, w); err != nil {
			return 0, err
		}
		return uint64(w.Eip), nil
	}
	c := winutil.NewAMD64CONTEXT()
	c.ContextFlags = winutil.CONTEXT_CONTROL
	if err := s.os.getContext(t.h, c); err != nil {
		return 0, err
	}
	return c.Rip, nil
}

// toggleSingleStep sets or clears the trap flag of t. The context is only
// written if the flag changes.
func (s *Session) toggleSingleStep(t *thread, on bool) error {
	if s.compat {
		w := &winutil.WOW64CONTEXT{ContextFlags: winutil.WOW64_CONTEXT_CONTROL}
		if err := s.os.getWow64Context(t.h, w); err != nil {
			return err
		}
		if !w.SetTrap(on) {
			return nil
		}
		return s.os.setWow64Context(t.h, w)
	}
	c := winutil.NewAMD64CONTEXT()
	c.ContextFlags = winutil.CONTEXT_CONTROL
	if err := s.os.getContext(t.h, c); err != nil {
		return err
	}
	if !c.SetTrap(on) {
		return nil
	}
	return s.os.setContext(t.h, c)
}

// setResumeFlag makes t execute its next instruction without triggering
// an execution hardware breakpoint on it.
func (s *Session) setResumeFlag(t *thread) error {
	if s.compat {
		w := &winutil.WOW64CONTEXT{ContextFlags: winutil.WOW64_CONTEXT_CONTROL}
		if err := s.os.getWow64Context(t.h, w); err != nil {
			return err
		}
		w.EFlags |= winutil.ResumeFlag
		return s.os.setWow64Context(t.h, w)
	}
	c := winutil.NewAMD64CONTEXT()
	c.ContextFlags = winutil.CONTEXT_CONTROL
	if err := s.os.getContext(t.h, c); err != nil {
		return err
	}
	c.EFlags |= winutil.ResumeFlag
	return s.os.setContext(t.h, c)
}

// threadSegmentBase returns the linear base address of segment register
// seg of t. The thread environment block segment (GS for native threads,
// FS for 32-bit ones) is resolved through the TEB; the 32-bit TEB address
// is the first field of the native one. Other selectors go through the
// descriptor table and are 0 where the platform can not resolve them.
func (s *Session) threadSegmentBase(t *thread, seg x86asm.Reg) (uint64, error) {
	switch {
	case seg == x86asm.GS && !s.compat:
		return t.teb, nil
	case seg == x86asm.FS && s.compat:
		var buf [4]byte
		if _, err := s.readMemory(buf[:], t.teb); err != nil {
			return 0, fmt.Errorf("could not read TEB of %v: %w", t, err)
		}
		return uint64(binary.LittleEndian.Uint32(buf[:])), nil
	}
	ctx, err := s.readContext(t, winutil.RegSegment)
	if err != nil {
		return 0, err
	}
	var sel uint16
	switch seg {
	case x86asm.CS:
		sel = ctx.Segments.Cs
	case x86asm.DS:
		sel = ctx.Segments.Ds
	case x86asm.ES:
		sel = ctx.Segments.Es
	case x86asm.FS:
		sel = ctx.Segments.Fs
	case x86asm.GS:
		sel = ctx.Segments.Gs
	case x86asm.SS:
		sel = ctx.Segments.Ss
	default:
		return 0, fmt.Errorf("%v is not a segment register", seg)
	}
	base, err := s.os.selectorBase(t.h, sel)
	if errors.Is(err, proc.ErrUnsupported) {
		return 0, nil
	}
	return base, err
}

// ReadRegisters reads the register classes of thread tid.
func (s *Session) ReadRegisters(tid int, classes winutil.RegClass) (*winutil.Context, error) {
	var ctx *winutil.Context
	var err error
	s.execPtraceFunc(func() {
		var t *thread
		if t, err = s.findThread(tid); err != nil {
			return
		}
		ctx, err = s.readContext(t, classes)
	})
	return ctx, err
}

// WriteRegisters writes the classes present in ctx to thread tid.
func (s *Session) WriteRegisters(tid int, ctx *winutil.Context) error {
	var err error
	s.execPtraceFunc(func() {
		var t *thread
		if t, err = s.findThread(tid); err != nil {
			return
		}
		err = s.writeContext(t, ctx)
	})
	return err
}

// SegmentBase returns the base address of a segment register of thread
// tid.
func (s *Session) SegmentBase(tid int, seg x86asm.Reg) (uint64, error) {
	var base uint64
	var err error
	s.execPtraceFunc(func() {
		var t *thread
		if t, err = s.findThread(tid); err != nil {
			return
		}
		base, err = s.threadSegmentBase(t, seg)
	})
	return base, err
}
