package proc

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/go-delve/nativedbg/pkg/logflags"
)

// TrapByte is the x86 software breakpoint instruction (INT3).
const TrapByte = 0xCC

// SoftwareBreakpoint is a shadowed code location. While it is in the
// table the target bytes at Addr are all TrapByte.
type SoftwareBreakpoint struct {
	Addr      uint64
	OrigBytes []byte // data we replaced with the breakpoint instruction
	RefCount  int
}

// Len returns the number of patched bytes.
func (bp *SoftwareBreakpoint) Len() int { return len(bp.OrigBytes) }

func (bp *SoftwareBreakpoint) String() string {
	return fmt.Sprintf("Breakpoint at %#x (len %d, refs %d)", bp.Addr, len(bp.OrigBytes), bp.RefCount)
}

// ShadowTable represents an (address, software breakpoint) map. Installs
// at the same address share one patch and are counted.
type ShadowTable struct {
	M map[uint64]*SoftwareBreakpoint
}

// NewShadowTable returns an empty table.
func NewShadowTable() *ShadowTable {
	return &ShadowTable{M: make(map[uint64]*SoftwareBreakpoint)}
}

func trapBytes(n int) []byte {
	return bytes.Repeat([]byte{TrapByte}, n)
}

// Find returns the breakpoint at addr.
func (t *ShadowTable) Find(addr uint64) (*SoftwareBreakpoint, bool) {
	bp, ok := t.M[addr]
	return bp, ok
}

// Sorted returns the breakpoints ordered by address.
func (t *ShadowTable) Sorted() []*SoftwareBreakpoint {
	r := make([]*SoftwareBreakpoint, 0, len(t.M))
	for _, bp := range t.M {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// Install shadows length bytes at addr. If addr is already shadowed the
// reference count is incremented and memory is not touched. On failure
// the table and the target are left as they were.
func (t *ShadowTable) Install(mem MemoryReadWriter, addr uint64, length int) error {
	if length <= 0 {
		length = 1
	}
	if bp, ok := t.M[addr]; ok {
		if bp.Len() != length {
			return BreakpointExistsError{Addr: addr}
		}
		bp.RefCount++
		return nil
	}
	orig := make([]byte, length)
	n, err := mem.ReadMemory(orig, addr)
	if err != nil {
		return InvalidAddressError{Address: addr, Err: err}
	}
	if n != length {
		return InvalidAddressError{Address: addr, Err: &PartialIOError{Addr: addr, Want: length, Got: n}}
	}
	if n, err := mem.WriteMemory(addr, trapBytes(length)); err != nil || n != length {
		if n > 0 {
			// put back whatever was overwritten
			mem.WriteMemory(addr, orig[:n])
		}
		if err == nil {
			err = &PartialIOError{Addr: addr, Want: length, Got: n}
		}
		return InvalidAddressError{Address: addr, Err: err}
	}
	t.M[addr] = &SoftwareBreakpoint{Addr: addr, OrigBytes: orig, RefCount: 1}
	logflags.BptLogger().Debugf("installed software breakpoint at %#x", addr)
	return nil
}

// Remove drops one reference to the breakpoint at addr. When the last
// reference goes the original bytes are restored, unless the trap is no
// longer there: then the target rewrote the location itself and the
// restore is skipped. Removing an address that has no shadow is an
// engine defect.
func (t *ShadowTable) Remove(mem MemoryReadWriter, addr uint64) error {
	bp, ok := t.M[addr]
	if !ok {
		return &FatalError{Msg: fmt.Sprintf("no shadow entry for breakpoint at %#x", addr)}
	}
	if bp.RefCount > 1 {
		bp.RefCount--
		return nil
	}
	cur := make([]byte, bp.Len())
	n, err := mem.ReadMemory(cur, addr)
	if err != nil || n != len(cur) || !bytes.Equal(cur, trapBytes(len(cur))) {
		logflags.BptLogger().Warnf("breakpoint at %#x vanished, not restoring original bytes", addr)
		delete(t.M, addr)
		return nil
	}
	if _, err := mem.WriteMemory(addr, bp.OrigBytes); err != nil {
		return fmt.Errorf("could not restore original bytes at %#x: %w", addr, err)
	}
	delete(t.M, addr)
	logflags.BptLogger().Debugf("removed software breakpoint at %#x", addr)
	return nil
}

// Lift restores the original bytes at addr without forgetting the
// breakpoint. It is used to step over it; Relay puts the trap back.
func (t *ShadowTable) Lift(mem MemoryReadWriter, addr uint64) error {
	bp, ok := t.M[addr]
	if !ok {
		return NoBreakpointError{Addr: addr}
	}
	_, err := mem.WriteMemory(addr, bp.OrigBytes)
	return err
}

// Relay writes the trap back at addr after Lift.
func (t *ShadowTable) Relay(mem MemoryReadWriter, addr uint64) error {
	bp, ok := t.M[addr]
	if !ok {
		return NoBreakpointError{Addr: addr}
	}
	_, err := mem.WriteMemory(addr, trapBytes(bp.Len()))
	return err
}

// PatchWrite prepares a write of data at addr: bytes that fall on a
// shadowed location are stored as the new original bytes and replaced by
// the trap in the returned slice, so the breakpoint survives the write.
func (t *ShadowTable) PatchWrite(addr uint64, data []byte) []byte {
	end := addr + uint64(len(data))
	var out []byte
	for _, bp := range t.M {
		bpend := bp.Addr + uint64(bp.Len())
		if bpend <= addr || bp.Addr >= end {
			continue
		}
		if out == nil {
			out = append([]byte(nil), data...)
		}
		for a := bp.Addr; a < bpend; a++ {
			if a < addr || a >= end {
				continue
			}
			bp.OrigBytes[a-bp.Addr] = out[a-addr]
			out[a-addr] = TrapByte
		}
	}
	if out == nil {
		return data
	}
	return out
}

// Clear forgets all breakpoints without touching memory.
func (t *ShadowTable) Clear() {
	t.M = make(map[uint64]*SoftwareBreakpoint)
}
