package proc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-delve/nativedbg/pkg/logflags"
)

// Access is a set of memory access kinds.
type Access uint8

const (
	AccessRead  Access = 1
	AccessWrite Access = 2
	AccessExec  Access = 4

	AccessReadWrite = AccessRead | AccessWrite
)

func (a Access) String() string {
	var b strings.Builder
	for _, x := range []struct {
		bit Access
		c   byte
	}{{AccessRead, 'r'}, {AccessWrite, 'w'}, {AccessExec, 'x'}} {
		if a&x.bit != 0 {
			b.WriteByte(x.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// DEPPolicy is the data execution prevention policy of the target.
type DEPPolicy uint8

const (
	DEPOptIn DEPPolicy = iota
	DEPOff
	DEPAlways
)

func (d DEPPolicy) String() string {
	switch d {
	case DEPOff:
		return "off"
	case DEPOptIn:
		return "optin"
	case DEPAlways:
		return "always"
	}
	return fmt.Sprintf("DEPPolicy(%d)", uint8(d))
}

// ParseDEPPolicy parses a policy name. The empty string is the OS default,
// optin.
func ParseDEPPolicy(s string) (DEPPolicy, error) {
	switch strings.ToLower(s) {
	case "", "optin", "on":
		return DEPOptIn, nil
	case "off":
		return DEPOff, nil
	case "always":
		return DEPAlways, nil
	}
	return DEPOptIn, fmt.Errorf("unknown DEP policy %q", s)
}

// Win32 page protection values.
const (
	PAGE_NOACCESS          = 0x01
	PAGE_READONLY          = 0x02
	PAGE_READWRITE         = 0x04
	PAGE_WRITECOPY         = 0x08
	PAGE_EXECUTE           = 0x10
	PAGE_EXECUTE_READ      = 0x20
	PAGE_EXECUTE_READWRITE = 0x40
	PAGE_EXECUTE_WRITECOPY = 0x80
	PAGE_GUARD             = 0x100
	PAGE_NOCACHE           = 0x200
	PAGE_WRITECOMBINE      = 0x400

	pageModifiers = PAGE_GUARD | PAGE_NOCACHE | PAGE_WRITECOMBINE
)

// ProtToAccess converts a Win32 protection to the access it allows.
func ProtToAccess(prot uint32) Access {
	switch prot &^ pageModifiers {
	case PAGE_READONLY:
		return AccessRead
	case PAGE_READWRITE, PAGE_WRITECOPY:
		return AccessRead | AccessWrite
	case PAGE_EXECUTE:
		return AccessExec
	case PAGE_EXECUTE_READ:
		return AccessRead | AccessExec
	case PAGE_EXECUTE_READWRITE, PAGE_EXECUTE_WRITECOPY:
		return AccessRead | AccessWrite | AccessExec
	}
	return 0
}

// accessToProt is indexed by Access. Write-only combinations do not exist
// and map to no access.
var accessToProt = [8]uint32{
	PAGE_NOACCESS,
	PAGE_READONLY,
	PAGE_NOACCESS,
	PAGE_READWRITE,
	PAGE_EXECUTE,
	PAGE_EXECUTE_READ,
	PAGE_NOACCESS,
	PAGE_EXECUTE_READWRITE,
}

// RemovePageProtections returns the protection to apply to a page whose
// original protection is prot so that the accesses in bpt trap. An
// execute breakpoint also removes read access unless DEP is always on,
// because without DEP the processor reports an execution fault as a read.
// Guard pages are left alone.
func RemovePageProtections(prot uint32, bpt Access, dep DEPPolicy) uint32 {
	if prot&PAGE_GUARD != 0 {
		return prot
	}
	rm := bpt
	if bpt&AccessExec != 0 && dep != DEPAlways {
		rm |= AccessRead
	}
	a := ProtToAccess(prot) &^ rm
	return accessToProt[a] | (prot & (PAGE_NOCACHE | PAGE_WRITECOMBINE))
}

// PageBreakpoint is a memory access breakpoint implemented with page
// protections.
type PageBreakpoint struct {
	Addr   uint64
	Len    uint64
	Access Access
	// page aligned range covered
	PageStart, PageEnd uint64
}

func (bpt *PageBreakpoint) String() string {
	return fmt.Sprintf("page breakpoint %s at %#x len %#x", bpt.Access, bpt.Addr, bpt.Len)
}

// ShouldFirePageBpt decides whether an access fault of kind fault at
// faultAddr, with the instruction pointer at pc, triggers bpt.
func ShouldFirePageBpt(bpt *PageBreakpoint, faultAddr uint64, fault Access, pc uint64, dep DEPPolicy) bool {
	if faultAddr < bpt.Addr || faultAddr >= bpt.Addr+bpt.Len {
		return false
	}
	switch fault {
	case AccessRead:
		if bpt.Access&AccessRead != 0 {
			return true
		}
		return dep != DEPAlways && bpt.Access&AccessExec != 0 && pc == faultAddr
	case AccessWrite:
		return bpt.Access&AccessWrite != 0
	case AccessExec:
		return bpt.Access&AccessExec != 0
	}
	return false
}

// ViolationAccess converts the first parameter of an access violation
// record to the kind of access that faulted.
func ViolationAccess(info0 uint64) Access {
	switch info0 {
	case 1:
		return AccessWrite
	case 8:
		return AccessExec
	}
	return AccessRead
}

// ProtectionManager changes page protections of the target.
type ProtectionManager interface {
	QueryProtection(page uint64) (uint32, error)
	SetProtection(page, size uint64, prot uint32) error
}

type pageState struct {
	orig uint32
	cur  uint32
}

// PageTable tracks page breakpoints and the protection of every page they
// cover. The protection of a page is always derived from its original
// protection and the union of the breakpoints covering it.
type PageTable struct {
	PageSize uint64
	DEP      DEPPolicy

	bpts  map[uint64]*PageBreakpoint
	pages map[uint64]*pageState
}

// NewPageTable returns an empty table.
func NewPageTable(pageSize uint64, dep DEPPolicy) *PageTable {
	return &PageTable{
		PageSize: pageSize,
		DEP:      dep,
		bpts:     make(map[uint64]*PageBreakpoint),
		pages:    make(map[uint64]*pageState),
	}
}

// Len returns the number of page breakpoints.
func (pt *PageTable) Len() int { return len(pt.bpts) }

// Breakpoints returns the page breakpoints ordered by address.
func (pt *PageTable) Breakpoints() []*PageBreakpoint {
	r := make([]*PageBreakpoint, 0, len(pt.bpts))
	for _, b := range pt.bpts {
		r = append(r, b)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// Get returns the page breakpoint starting at addr.
func (pt *PageTable) Get(addr uint64) (*PageBreakpoint, bool) {
	b, ok := pt.bpts[addr]
	return b, ok
}

// Find returns a page breakpoint whose page range contains addr,
// preferring one whose own range contains it.
func (pt *PageTable) Find(addr uint64) (*PageBreakpoint, bool) {
	var best *PageBreakpoint
	for _, b := range pt.Breakpoints() {
		if addr < b.PageStart || addr >= b.PageEnd {
			continue
		}
		if addr >= b.Addr && addr < b.Addr+b.Len {
			return b, true
		}
		if best == nil {
			best = b
		}
	}
	return best, best != nil
}

// Tracked reports whether the page containing addr has a modified
// protection.
func (pt *PageTable) Tracked(addr uint64) bool {
	_, ok := pt.pages[pt.pageOf(addr)]
	return ok
}

// OriginalProtection returns the protection the page containing addr had
// before any page breakpoint touched it.
func (pt *PageTable) OriginalProtection(addr uint64) (uint32, bool) {
	ps, ok := pt.pages[pt.pageOf(addr)]
	if !ok {
		return 0, false
	}
	return ps.orig, true
}

// CurrentProtection returns the protection currently applied to the page
// containing addr.
func (pt *PageTable) CurrentProtection(addr uint64) (uint32, bool) {
	ps, ok := pt.pages[pt.pageOf(addr)]
	if !ok {
		return 0, false
	}
	return ps.cur, true
}

func (pt *PageTable) pageOf(addr uint64) uint64 {
	return addr &^ (pt.PageSize - 1)
}

func (pt *PageTable) union(page uint64) Access {
	var a Access
	for _, b := range pt.bpts {
		if page >= b.PageStart && page < b.PageEnd {
			a |= b.Access
		}
	}
	return a
}

// Add installs a page breakpoint. A second breakpoint at the same address
// is an error.
func (pt *PageTable) Add(pm ProtectionManager, addr, length uint64, access Access) (*PageBreakpoint, error) {
	if _, ok := pt.bpts[addr]; ok {
		return nil, BreakpointExistsError{Addr: addr}
	}
	if length == 0 {
		length = 1
	}
	bpt := &PageBreakpoint{
		Addr:      addr,
		Len:       length,
		Access:    access,
		PageStart: pt.pageOf(addr),
		PageEnd:   pt.pageOf(addr+length-1) + pt.PageSize,
	}

	var fresh []uint64
	for page := bpt.PageStart; page < bpt.PageEnd; page += pt.PageSize {
		if _, ok := pt.pages[page]; ok {
			continue
		}
		prot, err := pm.QueryProtection(page)
		if err != nil {
			for _, p := range fresh {
				delete(pt.pages, p)
			}
			return nil, InvalidAddressError{Address: page, Err: err}
		}
		pt.pages[page] = &pageState{orig: prot, cur: prot}
		fresh = append(fresh, page)
	}

	pt.bpts[addr] = bpt
	if err := pt.apply(pm, bpt.PageStart, bpt.PageEnd); err != nil {
		delete(pt.bpts, addr)
		pt.apply(pm, bpt.PageStart, bpt.PageEnd)
		for _, p := range fresh {
			delete(pt.pages, p)
		}
		return nil, err
	}
	logflags.BptLogger().Debugf("installed %v", bpt)
	return bpt, nil
}

// Remove deletes the page breakpoint at addr and recomputes the
// protection of the pages it covered.
func (pt *PageTable) Remove(pm ProtectionManager, addr uint64) error {
	bpt, ok := pt.bpts[addr]
	if !ok {
		return NoBreakpointError{Addr: addr}
	}
	delete(pt.bpts, addr)
	err := pt.apply(pm, bpt.PageStart, bpt.PageEnd)
	logflags.BptLogger().Debugf("removed %v", bpt)
	return err
}

// apply recomputes and sets the protection of every tracked page in
// [start, end). Pages no longer covered get their original protection
// back and are forgotten.
func (pt *PageTable) apply(pm ProtectionManager, start, end uint64) error {
	var firstErr error
	for page := start; page < end; page += pt.PageSize {
		ps, ok := pt.pages[page]
		if !ok {
			continue
		}
		u := pt.union(page)
		want := ps.orig
		if u != 0 {
			want = RemovePageProtections(ps.orig, u, pt.DEP)
		}
		if want != ps.cur {
			if err := pm.SetProtection(page, pt.PageSize, want); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("could not protect page %#x: %w", page, err)
				}
				continue
			}
			ps.cur = want
		}
		if u == 0 {
			delete(pt.pages, page)
		}
	}
	return firstErr
}

// Suspend gives the page containing addr its original protection back,
// to let one instruction through. Resume reapplies the computed one.
func (pt *PageTable) Suspend(pm ProtectionManager, addr uint64) error {
	page := pt.pageOf(addr)
	ps, ok := pt.pages[page]
	if !ok {
		return NoBreakpointError{Addr: addr}
	}
	if err := pm.SetProtection(page, pt.PageSize, ps.orig); err != nil {
		return err
	}
	ps.cur = ps.orig
	return nil
}

// Resume undoes Suspend.
func (pt *PageTable) Resume(pm ProtectionManager, addr uint64) error {
	page := pt.pageOf(addr)
	return pt.apply(pm, page, page+pt.PageSize)
}

// DropRange forgets every page breakpoint whose pages intersect [lo, hi).
// The pages inside the range are not touched because the memory went
// away, for example on module unload; pages of a dropped breakpoint that
// lie outside the range get their protection recomputed. The dropped
// breakpoints are returned.
func (pt *PageTable) DropRange(pm ProtectionManager, lo, hi uint64) ([]*PageBreakpoint, error) {
	var dropped []*PageBreakpoint
	for _, b := range pt.Breakpoints() {
		if b.PageEnd <= lo || b.PageStart >= hi {
			continue
		}
		delete(pt.bpts, b.Addr)
		dropped = append(dropped, b)
	}
	for page := range pt.pages {
		if page >= lo && page < hi {
			delete(pt.pages, page)
		}
	}
	var firstErr error
	for _, b := range dropped {
		if err := pt.apply(pm, b.PageStart, b.PageEnd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(dropped) > 0 {
		logflags.BptLogger().Debugf("dropped %d page breakpoints in [%#x, %#x)", len(dropped), lo, hi)
	}
	return dropped, firstErr
}

// Clear forgets all page breakpoints without touching the target.
func (pt *PageTable) Clear() {
	pt.bpts = make(map[uint64]*PageBreakpoint)
	pt.pages = make(map[uint64]*pageState)
}
