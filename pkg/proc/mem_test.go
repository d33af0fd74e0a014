package proc

import (
	"errors"
	"testing"
)

type countingMem struct {
	data  map[uint64]byte
	reads int
}

func (m *countingMem) ReadMemory(buf []byte, addr uint64) (int, error) {
	m.reads++
	for i := range buf {
		b, ok := m.data[addr+uint64(i)]
		if !ok {
			return i, errors.New("unmapped")
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (m *countingMem) WriteMemory(addr uint64, data []byte) (int, error) {
	for i, b := range data {
		m.data[addr+uint64(i)] = b
	}
	return len(data), nil
}

func newCountingMem(base uint64, n int) *countingMem {
	m := &countingMem{data: map[uint64]byte{}}
	for i := 0; i < n; i++ {
		m.data[base+uint64(i)] = byte(i)
	}
	return m
}

func TestCacheMemory(t *testing.T) {
	m := newCountingMem(0x1000, 0x100)
	c := CacheMemory(m, 0x1000, 0x40)
	if m.reads != 1 {
		t.Fatalf("expected one read to fill the cache, got %d", m.reads)
	}
	buf := make([]byte, 4)
	c.ReadMemory(buf, 0x1010)
	c.ReadMemory(buf, 0x103c)
	if m.reads != 1 || buf[0] != 0x3c {
		t.Fatalf("reads inside the cache went to memory: %d %x", m.reads, buf)
	}
	c.ReadMemory(buf, 0x103e)
	if m.reads != 2 {
		t.Fatalf("read crossing the cache end was not forwarded: %d", m.reads)
	}
	if CacheMemory(c, 0x1000, 0x10) != c {
		t.Fatal("cache containing the region should be reused")
	}
	if CacheMemory(m, 0x5000, 0x10) != MemoryReader(m) {
		t.Fatal("unreadable region should not be cached")
	}
}

func TestReaderAt(t *testing.T) {
	m := newCountingMem(0x1000, 0x10)
	r := ReaderAt(m, 0x1000)
	buf := make([]byte, 4)
	if n, err := r.ReadAt(buf, 4); n != 4 || err != nil || buf[0] != 4 {
		t.Fatalf("ReadAt: %d %v %x", n, err, buf)
	}
	if _, err := r.ReadAt(buf, 0xe); err == nil {
		t.Fatal("read past the end should fail")
	}
}
