package native

import (
	"errors"
	"fmt"

	"github.com/go-delve/nativedbg/pkg/logflags"
	"github.com/go-delve/nativedbg/pkg/proc"
	"github.com/go-delve/nativedbg/pkg/proc/amd64util"
	"github.com/go-delve/nativedbg/pkg/proc/winutil"
)

type hwSlot struct {
	used bool
	addr uint64
	size int
	kind proc.BreakpointType
}

func (slot *hwSlot) bits() (read, write bool) {
	switch slot.kind {
	case proc.BreakpointWrite:
		return false, true
	case proc.BreakpointReadWrite:
		return true, true
	}
	return false, false
}

// hwTable tracks the debug register slots, which are programmed
// identically on every thread. page lists the hardware requests that are
// served by page breakpoints instead.
type hwTable struct {
	slots [amd64util.NumSlots]hwSlot
	page  map[uint64]bool
}

func (hw *hwTable) find(addr uint64) (uint8, bool) {
	for i := range hw.slots {
		if hw.slots[i].used && hw.slots[i].addr == addr {
			return uint8(i), true
		}
	}
	return 0, false
}

func (hw *hwTable) free() (uint8, bool) {
	for i := range hw.slots {
		if !hw.slots[i].used {
			return uint8(i), true
		}
	}
	return 0, false
}

// withDebugRegisters calls f with the debug registers of t and writes
// them back if f changed them.
func (s *Session) withDebugRegisters(t *thread, f func(*amd64util.DebugRegisters) error) error {
	if s.compat {
		w := &winutil.WOW64CONTEXT{ContextFlags: winutil.WOW64_CONTEXT_DEBUG_REGISTERS}
		if err := s.os.getWow64Context(t.h, w); err != nil {
			return err
		}
		dr := [6]uint64{uint64(w.Dr0), uint64(w.Dr1), uint64(w.Dr2), uint64(w.Dr3), uint64(w.Dr6), uint64(w.Dr7)}
		drs := amd64util.NewDebugRegisters(&dr[0], &dr[1], &dr[2], &dr[3], &dr[4], &dr[5])
		if err := f(drs); err != nil {
			return err
		}
		if !drs.Dirty {
			return nil
		}
		w.Dr0, w.Dr1, w.Dr2, w.Dr3 = uint32(dr[0]), uint32(dr[1]), uint32(dr[2]), uint32(dr[3])
		w.Dr6, w.Dr7 = uint32(dr[4]), uint32(dr[5])
		return s.os.setWow64Context(t.h, w)
	}

	context := winutil.NewAMD64CONTEXT()
	context.ContextFlags = winutil.CONTEXT_DEBUG_REGISTERS

	if err := s.os.getContext(t.h, context); err != nil {
		return err
	}

	drs := amd64util.NewDebugRegisters(&context.Dr0, &context.Dr1, &context.Dr2, &context.Dr3, &context.Dr6, &context.Dr7)

	if err := f(drs); err != nil {
		return err
	}

	if drs.Dirty {
		return s.os.setContext(t.h, context)
	}

	return nil
}

// validHardware reports whether the debug registers can watch the
// request at all.
func validHardware(addr uint64, size int, kind proc.BreakpointType) error {
	var dr [6]uint64
	drs := amd64util.NewDebugRegisters(&dr[0], &dr[1], &dr[2], &dr[3], &dr[4], &dr[5])
	slot := hwSlot{addr: addr, size: size, kind: kind}
	read, write := slot.bits()
	if kind == proc.BreakpointRead {
		read = true
	}
	return drs.SetBreakpoint(0, addr, read, write, size)
}

// installHardware programs a free debug register slot on every thread.
// Requests the registers can not serve, and requests made when all slots
// are taken, become page breakpoints.
func (s *Session) installHardware(addr uint64, size int, kind proc.BreakpointType) error {
	if size <= 0 {
		size = 1
	}
	if _, ok := s.hw.find(addr); ok || s.hw.page[addr] {
		return proc.BreakpointExistsError{Addr: addr}
	}
	if err := validHardware(addr, size, kind); err != nil {
		logflags.BptLogger().Debugf("%s breakpoint at %#x falls back to a page breakpoint: %v", kind, addr, err)
		return s.installHardwareFallback(addr, size, kind)
	}
	idx, ok := s.hw.free()
	if !ok {
		logflags.BptLogger().Debugf("%s breakpoint at %#x falls back to a page breakpoint: %v", kind, addr, amd64util.ErrSlotsExhausted)
		return s.installHardwareFallback(addr, size, kind)
	}
	slot := hwSlot{used: true, addr: addr, size: size, kind: kind}
	read, write := slot.bits()
	var done []*thread
	for _, t := range s.sortedThreads() {
		err := s.withDebugRegisters(t, func(drs *amd64util.DebugRegisters) error {
			return drs.SetBreakpoint(idx, addr, read, write, size)
		})
		if err != nil {
			for _, t := range done {
				s.clearSlot(t, idx)
			}
			return fmt.Errorf("could not set hardware breakpoint on %v: %w", t, err)
		}
		done = append(done, t)
	}
	s.hw.slots[idx] = slot
	logflags.BptLogger().Debugf("installed %s hardware breakpoint at %#x len %d in slot %d", kind, addr, size, idx)
	return nil
}

func (s *Session) installHardwareFallback(addr uint64, size int, kind proc.BreakpointType) error {
	if _, err := s.pages.Add(pageProtector{s}, addr, uint64(size), kind.Access()); err != nil {
		return err
	}
	if s.hw.page == nil {
		s.hw.page = make(map[uint64]bool)
	}
	s.hw.page[addr] = true
	return nil
}

func (s *Session) clearSlot(t *thread, idx uint8) error {
	return s.withDebugRegisters(t, func(drs *amd64util.DebugRegisters) error {
		drs.ClearBreakpoint(idx)
		return nil
	})
}

// removeHardware clears the slot watching addr on every thread, or
// removes the page breakpoint standing in for it.
func (s *Session) removeHardware(addr uint64) error {
	if s.hw.page[addr] {
		delete(s.hw.page, addr)
		return s.pages.Remove(pageProtector{s}, addr)
	}
	idx, ok := s.hw.find(addr)
	if !ok {
		return proc.NoBreakpointError{Addr: addr}
	}
	var errs []error
	for _, t := range s.sortedThreads() {
		if err := s.clearSlot(t, idx); err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", t, err))
		}
	}
	s.hw.slots[idx] = hwSlot{}
	logflags.BptLogger().Debugf("removed hardware breakpoint at %#x from slot %d", addr, idx)
	return errors.Join(errs...)
}

// applyHardwareBreakpoints programs every active slot on t, a thread
// that was just created.
func (s *Session) applyHardwareBreakpoints(t *thread) error {
	for i := range s.hw.slots {
		slot := s.hw.slots[i]
		if !slot.used {
			continue
		}
		read, write := slot.bits()
		idx := uint8(i)
		err := s.withDebugRegisters(t, func(drs *amd64util.DebugRegisters) error {
			return drs.SetBreakpoint(idx, slot.addr, read, write, slot.size)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// checkHardware looks at the debug status register of t after a single
// step exception. It returns the slot that triggered, if any, and clears
// the status.
func (s *Session) checkHardware(t *thread) (hwSlot, bool, error) {
	var slot hwSlot
	var hit bool
	err := s.withDebugRegisters(t, func(drs *amd64util.DebugRegisters) error {
		ok, idx := drs.GetActiveBreakpoint()
		if ok && s.hw.slots[idx].used {
			slot, hit = s.hw.slots[idx], true
		}
		return nil
	})
	return slot, hit, err
}
