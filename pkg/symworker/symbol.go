package symworker

import "fmt"

// Field is the tag of a symbol record field. The present mask of a packed
// record has bit Field set for every field carried, and fields are packed
// in tag order.
type Field uint8

const (
	// one byte each
	FieldConstType Field = iota
	FieldIsStatic
	FieldVirtual
	FieldVolatileType
	FieldCode
	FieldHasAssignmentOperator
	FieldHasCastOperator
	FieldFunction
	FieldConstructor

	// 32-bit values
	FieldBackEndMajor
	FieldBaseType
	FieldBitPosition
	FieldCallingConvention
	FieldCount
	FieldDataKind
	FieldLocationType
	FieldRegisterID
	FieldRelativeVirtualAddress
	FieldSymIndexID
	FieldSymTag
	FieldUDTKind
	FieldVirtualBaseOffset

	// 32-bit symbol ids
	FieldClassParentID
	FieldTypeID
	FieldLexicalParentID

	FieldLength         // u64
	FieldName           // string
	FieldOffset         // i32
	FieldVirtualAddress // u64
	FieldValue          // blob

	numFields
)

const (
	firstBool  = FieldConstType
	firstDword = FieldBackEndMajor
	firstID    = FieldClassParentID
	numBools   = int(firstDword - firstBool)
	numDwords  = int(firstID - firstDword)
	numIDs     = int(FieldLength - firstID)
)

var fieldNames = [numFields]string{
	"constType", "isStatic", "virtual", "volatileType", "code",
	"hasAssignmentOperator", "hasCastOperator", "function", "constructor",
	"backEndMajor", "baseType", "bitPosition", "callingConvention", "count",
	"dataKind", "locationType", "registerId", "relativeVirtualAddress",
	"symIndexId", "symTag", "udtKind", "virtualBaseOffset",
	"classParentId", "typeId", "lexicalParentId",
	"length", "name", "offset", "virtualAddress", "value",
}

func (f Field) String() string {
	if f < numFields {
		return fieldNames[f]
	}
	return fmt.Sprintf("Field(%d)", uint8(f))
}

func (f Field) isBool() bool  { return f < firstDword }
func (f Field) isDword() bool { return f >= firstDword && f < firstID }
func (f Field) isID() bool    { return f >= firstID && f < FieldLength }

// Symbol tags used by the built-in providers.
const (
	SymTagCompiland    = 2
	SymTagFunction     = 5
	SymTagData         = 7
	SymTagPublicSymbol = 10
)

// Symbol is a symbol record. Only fields whose bit is set in Present are
// meaningful; use the accessors to keep the mask in sync.
type Symbol struct {
	ID      uint32
	Present uint64

	bools  [numBools]bool
	dwords [numDwords]uint32
	ids    [numIDs]uint32

	Length         uint64
	Name           string
	Offset         int32
	VirtualAddress uint64
	Value          []byte
}

// Has reports whether f is present.
func (s *Symbol) Has(f Field) bool { return s.Present&(1<<f) != 0 }

func (s *Symbol) mark(f Field) { s.Present |= 1 << f }

// Bool returns a boolean field.
func (s *Symbol) Bool(f Field) bool {
	if !f.isBool() {
		panic(fmt.Sprintf("%v is not a boolean field", f))
	}
	return s.bools[f-firstBool]
}

// SetBool sets a boolean field.
func (s *Symbol) SetBool(f Field, v bool) *Symbol {
	if !f.isBool() {
		panic(fmt.Sprintf("%v is not a boolean field", f))
	}
	s.bools[f-firstBool] = v
	s.mark(f)
	return s
}

// Dword returns a 32-bit field or symbol id.
func (s *Symbol) Dword(f Field) uint32 {
	switch {
	case f.isDword():
		return s.dwords[f-firstDword]
	case f.isID():
		return s.ids[f-firstID]
	}
	panic(fmt.Sprintf("%v is not a 32-bit field", f))
}

// SetDword sets a 32-bit field or symbol id.
func (s *Symbol) SetDword(f Field, v uint32) *Symbol {
	switch {
	case f.isDword():
		s.dwords[f-firstDword] = v
	case f.isID():
		s.ids[f-firstID] = v
	default:
		panic(fmt.Sprintf("%v is not a 32-bit field", f))
	}
	s.mark(f)
	return s
}

// SetLength sets the length field.
func (s *Symbol) SetLength(v uint64) *Symbol {
	s.Length = v
	s.mark(FieldLength)
	return s
}

// SetName sets the name field.
func (s *Symbol) SetName(v string) *Symbol {
	s.Name = v
	s.mark(FieldName)
	return s
}

// SetOffset sets the offset field.
func (s *Symbol) SetOffset(v int32) *Symbol {
	s.Offset = v
	s.mark(FieldOffset)
	return s
}

// SetVirtualAddress sets the virtual address field.
func (s *Symbol) SetVirtualAddress(v uint64) *Symbol {
	s.VirtualAddress = v
	s.mark(FieldVirtualAddress)
	return s
}

// SetValue sets the provider defined value blob.
func (s *Symbol) SetValue(v []byte) *Symbol {
	s.Value = v
	s.mark(FieldValue)
	return s
}

func (s *Symbol) String() string {
	return fmt.Sprintf("symbol %d %q (fields %#x)", s.ID, s.Name, s.Present)
}

// Line is a line number record.
type Line struct {
	VA        uint64
	Length    uint32
	Col       uint32
	ColEnd    uint32
	Line      uint32
	LineEnd   uint32
	FileID    uint32
	Statement bool
}
