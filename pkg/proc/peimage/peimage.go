// Package peimage reads the few facts the debug engine needs from a PE
// image mapped in the target's memory: its size and its export table.
package peimage

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Export is one exported symbol of a module.
type Export struct {
	Name    string
	Ordinal uint32
	RVA     uint32
	Addr    uint64
	// Forwarder is set for exports forwarded to another module, for
	// example "NTDLL.RtlAllocateHeap".
	Forwarder string
}

// Inspector extracts module facts from an image. Offsets passed to the
// reader are relative virtual addresses.
type Inspector interface {
	ImageSize(r io.ReaderAt) (uint64, error)
	Exports(r io.ReaderAt, base uint64) ([]Export, error)
}

// ErrNotPE is returned for images without a valid PE header.
var ErrNotPE = errors.New("not a PE image")

const (
	dosMagic        = 0x5a4d
	peSignature     = 0x00004550
	lfanewOffset    = 0x3c
	optMagic32      = 0x10b
	optMagic64      = 0x20b
	maxExports      = 1 << 16
	maxExportName   = 512
	exportDirectory = 0 // IMAGE_DIRECTORY_ENTRY_EXPORT
)

type exportDir struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// Header is the part of the PE headers the engine uses.
type Header struct {
	Machine     uint16
	SizeOfImage uint32
	ImageBase   uint64
	Is64        bool
	Export      pe.DataDirectory
}

// Mapped is the Inspector for images mapped by the OS loader.
type Mapped struct{}

// ReadHeader decodes the headers of a mapped image.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	var dos [0x40]byte
	if _, err := r.ReadAt(dos[:], 0); err != nil {
		return nil, fmt.Errorf("reading DOS header: %w", err)
	}
	if binary.LittleEndian.Uint16(dos[:2]) != dosMagic {
		return nil, ErrNotPE
	}
	lfanew := int64(binary.LittleEndian.Uint32(dos[lfanewOffset:]))

	var sig [4]byte
	if _, err := r.ReadAt(sig[:], lfanew); err != nil {
		return nil, fmt.Errorf("reading PE signature: %w", err)
	}
	if binary.LittleEndian.Uint32(sig[:]) != peSignature {
		return nil, ErrNotPE
	}

	sr := io.NewSectionReader(r, lfanew+4, 1<<20)
	var fh pe.FileHeader
	if err := binary.Read(sr, binary.LittleEndian, &fh); err != nil {
		return nil, fmt.Errorf("reading file header: %w", err)
	}
	var magic uint16
	if err := binary.Read(io.NewSectionReader(r, lfanew+4+int64(binary.Size(fh)), 2), binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("reading optional header: %w", err)
	}

	h := &Header{Machine: fh.Machine}
	switch magic {
	case optMagic32:
		var oh pe.OptionalHeader32
		if err := binary.Read(sr, binary.LittleEndian, &oh); err != nil {
			return nil, fmt.Errorf("reading optional header: %w", err)
		}
		h.SizeOfImage = oh.SizeOfImage
		h.ImageBase = uint64(oh.ImageBase)
		if oh.NumberOfRvaAndSizes > exportDirectory {
			h.Export = oh.DataDirectory[exportDirectory]
		}
	case optMagic64:
		var oh pe.OptionalHeader64
		if err := binary.Read(sr, binary.LittleEndian, &oh); err != nil {
			return nil, fmt.Errorf("reading optional header: %w", err)
		}
		h.Is64 = true
		h.SizeOfImage = oh.SizeOfImage
		h.ImageBase = oh.ImageBase
		if oh.NumberOfRvaAndSizes > exportDirectory {
			h.Export = oh.DataDirectory[exportDirectory]
		}
	default:
		return nil, fmt.Errorf("%w: unknown optional header magic %#x", ErrNotPE, magic)
	}
	return h, nil
}

// ImageSize returns SizeOfImage.
func (Mapped) ImageSize(r io.ReaderAt) (uint64, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return 0, err
	}
	return uint64(h.SizeOfImage), nil
}

// Exports walks the export directory. Addr of every export is computed
// from base. The result is sorted by address.
func (Mapped) Exports(r io.ReaderAt, base uint64) ([]Export, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Export.VirtualAddress == 0 || h.Export.Size == 0 {
		return nil, nil
	}
	var dir exportDir
	if err := binary.Read(io.NewSectionReader(r, int64(h.Export.VirtualAddress), int64(binary.Size(dir))), binary.LittleEndian, &dir); err != nil {
		return nil, fmt.Errorf("reading export directory: %w", err)
	}
	if dir.NumberOfFunctions > maxExports || dir.NumberOfNames > dir.NumberOfFunctions {
		return nil, fmt.Errorf("corrupt export directory: %d functions, %d names", dir.NumberOfFunctions, dir.NumberOfNames)
	}

	funcs := make([]uint32, dir.NumberOfFunctions)
	if err := readArray(r, dir.AddressOfFunctions, funcs); err != nil {
		return nil, fmt.Errorf("reading export addresses: %w", err)
	}
	names := make([]uint32, dir.NumberOfNames)
	if err := readArray(r, dir.AddressOfNames, names); err != nil {
		return nil, fmt.Errorf("reading export names: %w", err)
	}
	ords := make([]uint16, dir.NumberOfNames)
	if err := readArray(r, dir.AddressOfNameOrdinals, ords); err != nil {
		return nil, fmt.Errorf("reading export ordinals: %w", err)
	}

	named := make(map[uint16]string, len(names))
	for i, nameRVA := range names {
		name, err := readCString(r, nameRVA)
		if err != nil {
			return nil, fmt.Errorf("reading export name %d: %w", i, err)
		}
		named[ords[i]] = name
	}

	dirStart, dirEnd := h.Export.VirtualAddress, h.Export.VirtualAddress+h.Export.Size
	out := make([]Export, 0, len(funcs))
	for i, rva := range funcs {
		if rva == 0 {
			continue
		}
		e := Export{Ordinal: dir.Base + uint32(i), RVA: rva, Addr: base + uint64(rva)}
		e.Name = named[uint16(i)]
		if e.Name == "" {
			e.Name = fmt.Sprintf("Ordinal%d", e.Ordinal)
		}
		if rva >= dirStart && rva < dirEnd {
			fwd, err := readCString(r, rva)
			if err == nil {
				e.Forwarder = fwd
			}
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}

func readArray(r io.ReaderAt, rva uint32, data interface{}) error {
	return binary.Read(io.NewSectionReader(r, int64(rva), int64(binary.Size(data))), binary.LittleEndian, data)
}

func readCString(r io.ReaderAt, rva uint32) (string, error) {
	buf := make([]byte, 64)
	var out []byte
	off := int64(rva)
	for len(out) < maxExportName {
		n, err := r.ReadAt(buf, off)
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf[:n]...)
		off += int64(n)
		if err != nil {
			return "", err
		}
	}
	return string(out), nil
}
