package native

import (
	"fmt"
	"os"

	"github.com/go-delve/nativedbg/pkg/proc"
)

// accessMemory reads or writes target memory. If the transfer fails the
// page protection is relaxed once, the transfer retried and the
// protection put back, like a debugger reading past a page breakpoint
// must.
func (s *Session) accessMemory(addr uint64, buf []byte, write bool) (int, error) {
	if s.hProcess == 0 {
		return 0, ErrNoProcess
	}
	if len(buf) == 0 {
		return 0, nil
	}
	xfer := func() (int, error) {
		if write {
			return s.os.writeMemory(s.hProcess, addr, buf)
		}
		return s.os.readMemory(s.hProcess, addr, buf)
	}
	n, err := xfer()
	if err == nil && n == len(buf) {
		return n, nil
	}
	if _, qerr := s.os.virtualQuery(s.hProcess, addr); qerr != nil {
		return n, s.ioError(addr, len(buf), n, err)
	}
	relaxed := uint32(proc.PAGE_EXECUTE_READ)
	if write {
		relaxed = proc.PAGE_EXECUTE_READWRITE
	}
	old, perr := s.os.virtualProtect(s.hProcess, addr, uint64(len(buf)), relaxed)
	if perr != nil {
		return n, s.ioError(addr, len(buf), n, err)
	}
	n, err = xfer()
	if _, perr := s.os.virtualProtect(s.hProcess, addr, uint64(len(buf)), old); perr != nil {
		s.log.Warnf("could not restore protection %#x at %#x: %v", old, addr, perr)
	}
	if err == nil && n == len(buf) {
		return n, nil
	}
	return n, s.ioError(addr, len(buf), n, err)
}

func (s *Session) ioError(addr uint64, want, got int, err error) error {
	if got > 0 || err == nil {
		return &proc.PartialIOError{Addr: addr, Want: want, Got: got}
	}
	return fmt.Errorf("memory access at %#x: %w", addr, err)
}

// readMemory returns the raw bytes of the target: an installed software
// breakpoint reads back as the trap instruction.
func (s *Session) readMemory(buf []byte, addr uint64) (int, error) {
	return s.accessMemory(addr, buf, false)
}

// writeMemory writes data as is and flushes the instruction cache.
func (s *Session) writeMemory(addr uint64, data []byte) (int, error) {
	n, err := s.accessMemory(addr, data, true)
	if n > 0 {
		if ferr := s.os.flushInstructionCache(s.hProcess, addr, uint64(n)); ferr != nil {
			s.log.Warnf("flushing instruction cache at %#x: %v", addr, ferr)
		}
	}
	return n, err
}

// rawMemory gives the breakpoint tables direct access to target memory.
type rawMemory struct{ s *Session }

func (m rawMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return m.s.readMemory(buf, addr)
}

func (m rawMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	return m.s.writeMemory(addr, data)
}

// pageProtector changes page protections of the target for the page
// breakpoint table.
type pageProtector struct{ s *Session }

func (p pageProtector) QueryProtection(page uint64) (uint32, error) {
	info, err := p.s.os.virtualQuery(p.s.hProcess, page)
	if err != nil {
		return 0, err
	}
	if info.State != _MEM_COMMIT {
		return 0, fmt.Errorf("page %#x is not committed: %w", page, proc.ErrNotFound)
	}
	return info.Protect, nil
}

func (p pageProtector) SetProtection(page, size uint64, prot uint32) error {
	_, err := p.s.os.virtualProtect(p.s.hProcess, page, size, prot)
	return err
}

// ReadMemory reads target memory. Software breakpoints are not hidden.
func (s *Session) ReadMemory(buf []byte, addr uint64) (int, error) {
	var n int
	var err error
	s.execPtraceFunc(func() {
		if err = s.checkAlive(); err != nil {
			return
		}
		s.suspendAll(nil)
		defer s.resumeAll()
		n, err = s.readMemory(buf, addr)
	})
	return n, err
}

// WriteMemory writes target memory. Bytes covering an installed software
// breakpoint become its new original bytes and the trap stays in place.
func (s *Session) WriteMemory(addr uint64, data []byte) (int, error) {
	var n int
	var err error
	s.execPtraceFunc(func() {
		if err = s.checkAlive(); err != nil {
			return
		}
		s.suspendAll(nil)
		defer s.resumeAll()
		n, err = s.writeMemory(addr, s.bpts.PatchWrite(addr, data))
	})
	return n, err
}

// MemoryMap returns the committed and reserved regions of the target.
// Pages carrying page breakpoints report their original access.
func (s *Session) MemoryMap() ([]proc.MemoryRegion, error) {
	var r []proc.MemoryRegion
	var err error
	s.execPtraceFunc(func() {
		if err = s.checkAlive(); err != nil {
			return
		}
		r, err = s.memoryMap()
	})
	return r, err
}

func (s *Session) memoryMap() ([]proc.MemoryRegion, error) {
	var r []proc.MemoryRegion
	addr := uint64(0)
	for {
		info, err := s.os.virtualQuery(s.hProcess, addr)
		if err != nil {
			break
		}
		end := info.Base + info.Size
		if info.Size == 0 || end <= addr {
			break
		}
		if info.State != _MEM_FREE {
			prot := info.Protect
			if orig, ok := s.pages.OriginalProtection(info.Base); ok {
				prot = orig
			}
			r = append(r, proc.MemoryRegion{
				Start:  info.Base,
				End:    end,
				Access: proc.ProtToAccess(prot),
				Prot:   prot,
				Name:   s.moduleName(info.Base),
			})
		}
		addr = end
	}
	if len(r) == 0 {
		return nil, fmt.Errorf("could not enumerate memory of process %d", s.pid)
	}
	return r, nil
}

// symbolSource serves the reads of symbol workers. It is only used from
// the session thread, while polling a symbol session.
type symbolSource struct{ s *Session }

func (src symbolSource) ReadMemory(buf []byte, addr uint64) (int, error) {
	return src.s.readMemory(buf, addr)
}

func (src symbolSource) ReadInputFile(buf []byte, off int64) (int, error) {
	if src.s.exePath == "" {
		return 0, fmt.Errorf("input file: %w", proc.ErrNotFound)
	}
	fh, err := os.Open(src.s.exePath)
	if err != nil {
		return 0, err
	}
	defer fh.Close()
	return fh.ReadAt(buf, off)
}
