package amd64util

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// FXSaveArea is the 512 byte legacy region of an XSAVE area, also used by
// FXSAVE. See Section 10.5 of Intel® 64 and IA-32 Architectures Software
// Developer’s Manual, Volume 1: Basic Architecture.
type FXSaveArea struct {
	Cwd       uint16
	Swd       uint16
	Ftw       uint8 // abridged tag word
	Reserved1 uint8
	Fop       uint16
	FpuIP     uint32
	FpuCS     uint16
	Reserved2 uint16
	FpuDP     uint32
	FpuDS     uint16
	Reserved3 uint16
	Mxcsr     uint32
	MxcsrMask uint32
	StSpace   [8][16]byte
	XmmSpace  [16][16]byte
	Padding   [96]byte
}

// FXSaveSize is the size of the legacy region.
const FXSaveSize = 512

// DecodeFXSave decodes a legacy region.
func DecodeFXSave(buf []byte) (FXSaveArea, error) {
	var area FXSaveArea
	if len(buf) < FXSaveSize {
		return area, errors.New("fxsave area too short")
	}
	err := binary.Read(bytes.NewReader(buf[:FXSaveSize]), binary.LittleEndian, &area)
	return area, err
}

// Encode writes the legacy region into buf, which must be at least
// FXSaveSize bytes long.
func (area *FXSaveArea) Encode(buf []byte) error {
	if len(buf) < FXSaveSize {
		return errors.New("fxsave area too short")
	}
	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, area); err != nil {
		return err
	}
	copy(buf, out.Bytes())
	return nil
}

const (
	_XSAVE_HEADER_LEN = 64

	xstateFeatureAVX = 2
)

// YMMHighLen is the size of the upper halves of YMM0 through YMM15.
const YMMHighLen = 256

// Xstate holds the extended state found after the legacy region of an
// XSAVE area.
type Xstate struct {
	AvxState bool // contains AVX state
	YmmSpace [YMMHighLen]byte
}

// XstateRead reads an extended state chunk that starts with the XSAVE
// header (the legacy region is kept elsewhere, in the thread context).
// See Section 13.4 of Intel® 64 and IA-32 Architectures Software
// Developer’s Manual, Volume 1: Basic Architecture.
func XstateRead(chunk []byte, regset *Xstate) error {
	if len(chunk) < _XSAVE_HEADER_LEN {
		return errors.New("xstate chunk too short")
	}
	xstate_bv := binary.LittleEndian.Uint64(chunk[0:8])
	xcomp_bv := binary.LittleEndian.Uint64(chunk[8:16])

	if xcomp_bv&(1<<63) != 0 {
		// compact format not supported
		return nil
	}

	if xstate_bv&(1<<xstateFeatureAVX) == 0 {
		// AVX state not present
		return nil
	}

	avxstate := chunk[_XSAVE_HEADER_LEN:]
	if len(avxstate) < YMMHighLen {
		return errors.New("xstate chunk truncated in AVX region")
	}
	regset.AvxState = true
	copy(regset.YmmSpace[:], avxstate[:YMMHighLen])
	return nil
}

// XstateWrite builds an extended state chunk (header followed by the AVX
// region) containing the AVX state of regset.
func XstateWrite(regset *Xstate) []byte {
	chunk := make([]byte, _XSAVE_HEADER_LEN+YMMHighLen)
	if regset.AvxState {
		binary.LittleEndian.PutUint64(chunk[0:8], 1<<xstateFeatureAVX)
		copy(chunk[_XSAVE_HEADER_LEN:], regset.YmmSpace[:])
	}
	return chunk
}
