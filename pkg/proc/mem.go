package proc

import "io"

const cacheEnabled = true

// MemoryReader reads target memory. It behaves like io.ReaderAt, with a
// 64-bit address.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter reads and writes target memory.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	return addr >= m.cacheAddr && addr+uint64(size) <= m.cacheAddr+uint64(len(m.cache))
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}

	return m.mem.ReadMemory(data, addr)
}

// CacheMemory returns a reader that serves [addr, addr+size) from a copy
// read once. If the region can not be read, mem is returned.
func CacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if !cacheEnabled {
		return mem
	}
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	_, err := mem.ReadMemory(cache, addr)
	if err != nil {
		return mem
	}
	return &memCache{addr, cache, mem}
}

type memReaderAt struct {
	mem  MemoryReader
	base uint64
}

func (r memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.mem.ReadMemory(p, r.base+uint64(off))
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// ReaderAt adapts mem to an io.ReaderAt whose offset 0 is base.
func ReaderAt(mem MemoryReader, base uint64) io.ReaderAt {
	return memReaderAt{mem, base}
}
