package symworker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer is returned when a packed buffer ends before a record
// or field it announces.
var ErrShortBuffer = errors.New("symworker: packed buffer truncated")

// lineRecordSize is the fixed size of a packed Line.
const lineRecordSize = 8 + 6*4 + 1

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) blob(v []byte) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) str(v string) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

// decoder reads little-endian values and remembers the first error; all
// reads after a failure return zero values.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = ErrShortBuffer
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) i32() int32  { return int32(d.u32()) }
func (d *decoder) bool() bool  { return d.u8() != 0 }
func (d *decoder) str() string { return string(d.blob()) }

func (d *decoder) blob() []byte {
	n := d.u32()
	if n > math.MaxInt32 {
		d.err = ErrShortBuffer
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// count reads a record count and checks it against the minimum size of
// one record so a corrupt prefix cannot trigger a huge allocation.
func (d *decoder) count(minRecord int) int {
	n := d.u32()
	if d.err != nil {
		return 0
	}
	if uint64(n)*uint64(minRecord) > uint64(len(d.buf)) {
		d.err = ErrShortBuffer
		return 0
	}
	return int(n)
}

func (d *decoder) done() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("symworker: %d trailing bytes in packed buffer", len(d.buf))
	}
	return nil
}

func packFields(s *Symbol) []byte {
	var e encoder
	for f := Field(0); f < numFields; f++ {
		if !s.Has(f) {
			continue
		}
		switch {
		case f.isBool():
			e.bool(s.bools[f-firstBool])
		case f.isDword():
			e.u32(s.dwords[f-firstDword])
		case f.isID():
			e.u32(s.ids[f-firstID])
		case f == FieldLength:
			e.u64(s.Length)
		case f == FieldName:
			e.str(s.Name)
		case f == FieldOffset:
			e.i32(s.Offset)
		case f == FieldVirtualAddress:
			e.u64(s.VirtualAddress)
		case f == FieldValue:
			e.blob(s.Value)
		}
	}
	return e.buf
}

// PackSymbols serializes syms as a u32 count followed by one record per
// symbol: u32 id, u64 present mask, u32 byte length and the present
// fields in tag order.
func PackSymbols(syms []Symbol) []byte {
	var e encoder
	e.u32(uint32(len(syms)))
	for i := range syms {
		body := packFields(&syms[i])
		e.u32(syms[i].ID)
		e.u64(syms[i].Present)
		e.u32(uint32(len(body)))
		e.buf = append(e.buf, body...)
	}
	return e.buf
}

// UnpackSymbols is the inverse of PackSymbols.
func UnpackSymbols(buf []byte) ([]Symbol, error) {
	d := decoder{buf: buf}
	n := d.count(16)
	syms := make([]Symbol, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		var s Symbol
		s.ID = d.u32()
		mask := d.u64()
		size := d.u32()
		body := d.take(int(size))
		if d.err != nil {
			break
		}
		if mask>>numFields != 0 {
			return nil, fmt.Errorf("symworker: symbol %d has unknown fields in mask %#x", s.ID, mask)
		}
		if err := unpackFields(&s, mask, body); err != nil {
			return nil, fmt.Errorf("symworker: symbol %d: %w", s.ID, err)
		}
		syms = append(syms, s)
	}
	if err := d.done(); err != nil {
		return nil, err
	}
	return syms, nil
}

func unpackFields(s *Symbol, mask uint64, body []byte) error {
	d := decoder{buf: body}
	for f := Field(0); f < numFields; f++ {
		if mask&(1<<f) == 0 {
			continue
		}
		switch {
		case f.isBool():
			s.SetBool(f, d.bool())
		case f.isDword(), f.isID():
			s.SetDword(f, d.u32())
		case f == FieldLength:
			s.SetLength(d.u64())
		case f == FieldName:
			s.SetName(d.str())
		case f == FieldOffset:
			s.SetOffset(d.i32())
		case f == FieldVirtualAddress:
			s.SetVirtualAddress(d.u64())
		case f == FieldValue:
			s.SetValue(d.blob())
		}
	}
	return d.done()
}

// PackLines serializes lines as a u32 count followed by fixed size
// records.
func PackLines(lines []Line) []byte {
	var e encoder
	e.buf = make([]byte, 0, 4+len(lines)*lineRecordSize)
	e.u32(uint32(len(lines)))
	for _, l := range lines {
		e.u64(l.VA)
		e.u32(l.Length)
		e.u32(l.Col)
		e.u32(l.ColEnd)
		e.u32(l.Line)
		e.u32(l.LineEnd)
		e.u32(l.FileID)
		e.bool(l.Statement)
	}
	return e.buf
}

// UnpackLines is the inverse of PackLines.
func UnpackLines(buf []byte) ([]Line, error) {
	d := decoder{buf: buf}
	n := d.count(lineRecordSize)
	lines := make([]Line, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, Line{
			VA:        d.u64(),
			Length:    d.u32(),
			Col:       d.u32(),
			ColEnd:    d.u32(),
			Line:      d.u32(),
			LineEnd:   d.u32(),
			FileID:    d.u32(),
			Statement: d.bool(),
		})
	}
	if err := d.done(); err != nil {
		return nil, err
	}
	return lines, nil
}

// PackIDs serializes a list of ids (compilands, files) as a u32 count
// followed by the ids.
func PackIDs(ids []uint32) []byte {
	var e encoder
	e.u32(uint32(len(ids)))
	for _, id := range ids {
		e.u32(id)
	}
	return e.buf
}

// UnpackIDs is the inverse of PackIDs.
func UnpackIDs(buf []byte) ([]uint32, error) {
	d := decoder{buf: buf}
	n := d.count(4)
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = d.u32()
	}
	if err := d.done(); err != nil {
		return nil, err
	}
	return ids, nil
}

// CompletionTag is the state reported by completion polling.
type CompletionTag int32

const (
	NotComplete CompletionTag = 0
	Complete    CompletionTag = 1
	Failed      CompletionTag = -1
)

func (t CompletionTag) String() string {
	switch t {
	case NotComplete:
		return "not complete"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("CompletionTag(%d)", int32(t))
}

// Completion is the result of polling an open in progress.
type Completion struct {
	Tag    CompletionTag
	Result OpenResult // valid when Tag == Complete
	Msg    string     // valid when Tag == Failed
}

// PackCompletion serializes c: an i32 tag, followed by the open result
// for Complete or the error message for Failed.
func PackCompletion(c Completion) []byte {
	var e encoder
	e.i32(int32(c.Tag))
	switch c.Tag {
	case Complete:
		e.u32(c.Result.GlobalID)
		e.u32(c.Result.Machine)
		e.u32(c.Result.ProviderVersion)
		e.str(c.Result.UsedPath)
	case Failed:
		e.str(c.Msg)
	}
	return e.buf
}

// UnpackCompletion is the inverse of PackCompletion.
func UnpackCompletion(buf []byte) (Completion, error) {
	d := decoder{buf: buf}
	c := Completion{Tag: CompletionTag(d.i32())}
	switch c.Tag {
	case NotComplete:
	case Complete:
		c.Result.GlobalID = d.u32()
		c.Result.Machine = d.u32()
		c.Result.ProviderVersion = d.u32()
		c.Result.UsedPath = d.str()
	case Failed:
		c.Msg = d.str()
	default:
		return Completion{}, fmt.Errorf("symworker: unknown completion tag %d", int32(c.Tag))
	}
	if err := d.done(); err != nil {
		return Completion{}, err
	}
	return c, nil
}
