package proc

import (
	"errors"
	"testing"
)

func TestRemovePageProtections(t *testing.T) {
	tests := []struct {
		prot uint32
		bpt  Access
		dep  DEPPolicy
		want uint32
	}{
		{PAGE_READWRITE, AccessWrite, DEPOptIn, PAGE_READONLY},
		{PAGE_READWRITE, AccessRead, DEPOptIn, PAGE_NOACCESS}, // write-only does not exist
		{PAGE_WRITECOPY, AccessWrite, DEPOptIn, PAGE_READONLY},
		{PAGE_EXECUTE_READ, AccessExec, DEPOptIn, PAGE_NOACCESS},
		{PAGE_EXECUTE_READ, AccessExec, DEPAlways, PAGE_READONLY},
		{PAGE_EXECUTE_READWRITE, AccessExec, DEPOff, PAGE_NOACCESS},
		{PAGE_EXECUTE_READWRITE, AccessExec, DEPAlways, PAGE_READWRITE},
		{PAGE_EXECUTE_WRITECOPY, AccessWrite, DEPOptIn, PAGE_EXECUTE_READ},
		{PAGE_READWRITE | PAGE_GUARD, AccessWrite, DEPOptIn, PAGE_READWRITE | PAGE_GUARD},
		{PAGE_READWRITE | PAGE_NOCACHE, AccessWrite, DEPOptIn, PAGE_READONLY | PAGE_NOCACHE},
	}
	for _, tc := range tests {
		if got := RemovePageProtections(tc.prot, tc.bpt, tc.dep); got != tc.want {
			t.Errorf("RemovePageProtections(%#x, %v, %v) = %#x, want %#x", tc.prot, tc.bpt, tc.dep, got, tc.want)
		}
	}
}

func TestShouldFirePageBpt(t *testing.T) {
	rw := &PageBreakpoint{Addr: 0x1010, Len: 8, Access: AccessWrite}
	x := &PageBreakpoint{Addr: 0x2000, Len: 1, Access: AccessExec}
	r := &PageBreakpoint{Addr: 0x3000, Len: 4, Access: AccessRead}
	tests := []struct {
		bpt   *PageBreakpoint
		addr  uint64
		fault Access
		pc    uint64
		dep   DEPPolicy
		want  bool
	}{
		{rw, 0x1010, AccessWrite, 0x5000, DEPOptIn, true},
		{rw, 0x1017, AccessWrite, 0x5000, DEPOptIn, true},
		{rw, 0x1018, AccessWrite, 0x5000, DEPOptIn, false}, // same page, outside range
		{rw, 0x1010, AccessRead, 0x5000, DEPOptIn, false},
		{x, 0x2000, AccessExec, 0x2000, DEPAlways, true},
		{x, 0x2000, AccessRead, 0x2000, DEPOptIn, true}, // execution reported as read
		{x, 0x2000, AccessRead, 0x2000, DEPAlways, false},
		{x, 0x2000, AccessRead, 0x1234, DEPOff, false}, // a real read of the code
		{r, 0x3002, AccessRead, 0x1234, DEPOptIn, true},
		{r, 0x3002, AccessWrite, 0x1234, DEPOptIn, false},
	}
	for i, tc := range tests {
		if got := ShouldFirePageBpt(tc.bpt, tc.addr, tc.fault, tc.pc, tc.dep); got != tc.want {
			t.Errorf("%d: ShouldFirePageBpt(%v, %#x, %v) = %v", i, tc.bpt, tc.addr, tc.fault, got)
		}
	}
}

func TestParseDEPPolicy(t *testing.T) {
	for s, want := range map[string]DEPPolicy{"": DEPOptIn, "off": DEPOff, "OptIn": DEPOptIn, "always": DEPAlways} {
		got, err := ParseDEPPolicy(s)
		if err != nil || got != want {
			t.Errorf("ParseDEPPolicy(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseDEPPolicy("optout"); err == nil {
		t.Error("expected error")
	}
}

type fakeProt struct {
	prot  map[uint64]uint32
	sets  int
	fails map[uint64]bool
}

func (f *fakeProt) QueryProtection(page uint64) (uint32, error) {
	p, ok := f.prot[page]
	if !ok {
		return 0, errors.New("free memory")
	}
	return p, nil
}

func (f *fakeProt) SetProtection(page, size uint64, prot uint32) error {
	if f.fails[page] {
		return errors.New("access denied")
	}
	f.sets++
	f.prot[page] = prot
	return nil
}

func TestPageTableCompose(t *testing.T) {
	pm := &fakeProt{prot: map[uint64]uint32{0x1000: PAGE_EXECUTE_READWRITE, 0x2000: PAGE_READWRITE}}
	pt := NewPageTable(0x1000, DEPAlways)

	if _, err := pt.Add(pm, 0x1ff0, 0x20, AccessWrite); err != nil {
		t.Fatal(err)
	}
	if pm.prot[0x1000] != PAGE_EXECUTE_READ || pm.prot[0x2000] != PAGE_READONLY {
		t.Fatalf("wrong protections after first add: %#x %#x", pm.prot[0x1000], pm.prot[0x2000])
	}
	if _, err := pt.Add(pm, 0x1800, 4, AccessExec); err != nil {
		t.Fatal(err)
	}
	if pm.prot[0x1000] != PAGE_READONLY {
		t.Fatalf("protections did not compose: %#x", pm.prot[0x1000])
	}
	if _, err := pt.Add(pm, 0x1800, 4, AccessRead); err == nil {
		t.Fatal("duplicate page breakpoint accepted")
	}

	b, ok := pt.Find(0x1004)
	if !ok || b.Addr != 0x1800 && b.Addr != 0x1ff0 {
		t.Fatalf("page range lookup failed: %v", b)
	}
	if b, ok := pt.Find(0x1ff8); !ok || b.Addr != 0x1ff0 {
		t.Fatalf("wrong breakpoint for exact range: %v", b)
	}

	if err := pt.Remove(pm, 0x1ff0); err != nil {
		t.Fatal(err)
	}
	if pm.prot[0x1000] != PAGE_READWRITE {
		t.Fatalf("protection not recomputed from remaining breakpoints: %#x", pm.prot[0x1000])
	}
	if pm.prot[0x2000] != PAGE_READWRITE || pt.Tracked(0x2000) {
		t.Fatal("uncovered page not restored")
	}
	if err := pt.Remove(pm, 0x1800); err != nil {
		t.Fatal(err)
	}
	if pm.prot[0x1000] != PAGE_EXECUTE_READWRITE || pt.Tracked(0x1000) {
		t.Fatal("original protection not restored after last removal")
	}
	if err := pt.Remove(pm, 0x1800); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPageTableAddFailure(t *testing.T) {
	pm := &fakeProt{prot: map[uint64]uint32{0x1000: PAGE_READWRITE}, fails: map[uint64]bool{}}
	pt := NewPageTable(0x1000, DEPOptIn)
	if _, err := pt.Add(pm, 0x1ff0, 0x20, AccessWrite); err == nil {
		t.Fatal("add over free memory should fail")
	}
	if pt.Len() != 0 || pt.Tracked(0x1000) {
		t.Fatal("failed add left state behind")
	}
	pm.fails[0x1000] = true
	if _, err := pt.Add(pm, 0x1000, 4, AccessWrite); err == nil {
		t.Fatal("add should fail when protection can not be set")
	}
	if pt.Len() != 0 || pt.Tracked(0x1000) || pm.prot[0x1000] != PAGE_READWRITE {
		t.Fatal("failed add left state behind")
	}
}

func TestPageTableSuspendResume(t *testing.T) {
	pm := &fakeProt{prot: map[uint64]uint32{0x4000: PAGE_READWRITE}}
	pt := NewPageTable(0x1000, DEPOptIn)
	pt.Add(pm, 0x4100, 4, AccessWrite)
	if err := pt.Suspend(pm, 0x4100); err != nil || pm.prot[0x4000] != PAGE_READWRITE {
		t.Fatalf("suspend: %v %#x", err, pm.prot[0x4000])
	}
	if err := pt.Resume(pm, 0x4100); err != nil || pm.prot[0x4000] != PAGE_READONLY {
		t.Fatalf("resume: %v %#x", err, pm.prot[0x4000])
	}
}

func TestPageTableDropRange(t *testing.T) {
	pm := &fakeProt{prot: map[uint64]uint32{0x10000: PAGE_READWRITE, 0x11000: PAGE_READWRITE, 0x20000: PAGE_READWRITE}}
	pt := NewPageTable(0x1000, DEPOptIn)
	pt.Add(pm, 0x10010, 4, AccessWrite)
	pt.Add(pm, 0x20000, 4, AccessWrite)
	sets := pm.sets
	dropped, err := pt.DropRange(pm, 0x10000, 0x12000)
	if err != nil || len(dropped) != 1 || dropped[0].Addr != 0x10010 {
		t.Fatalf("wrong dropped set %v %v", dropped, err)
	}
	if pm.sets != sets {
		t.Fatal("unmapped pages should not be touched")
	}
	if pt.Tracked(0x10000) || pt.Len() != 1 {
		t.Fatal("bookkeeping still references the unloaded range")
	}
	if _, ok := pt.Find(0x10010); ok {
		t.Fatal("dropped breakpoint still found")
	}
}
