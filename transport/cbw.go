package transport

import (
	"encoding/binary"
	"fmt"
)

const (
	cbwSignature = 0x43425355
	cswSignature = 0x53425355

	cbwLength = 31
	cswLength = 13

	maxCDBLength = 16
	minCDBLength = 1
)

// Direction is the bmCBWFlags direction bit: bit7 set means device-to-host.
type Direction uint8

const (
	DirectionOut Direction = 0x00 // host-to-device, or no data stage
	DirectionIn  Direction = 0x80 // device-to-host
)

// CBW is the in-memory form of a 31-byte Command Block Wrapper. It is
// produced once per command and never mutated after handoff (spec.md §3).
type CBW struct {
	Tag                uint32
	DataTransferLength uint32
	Direction          Direction
	LUN                uint8
	CDB                []byte // 1-16 bytes, unpadded
}

// EncodeCBW serializes a CBW into its 31-byte little-endian wire form,
// zero-padding the CDB to 16 bytes and recording its true length in
// bCBWCBLength.
func EncodeCBW(cbw CBW) ([]byte, error) {
	if len(cbw.CDB) < minCDBLength || len(cbw.CDB) > maxCDBLength {
		return nil, fmt.Errorf("transport: CDB length %d out of range [%d,%d]", len(cbw.CDB), minCDBLength, maxCDBLength)
	}

	buf := make([]byte, cbwLength)
	binary.LittleEndian.PutUint32(buf[0:4], cbwSignature)
	binary.LittleEndian.PutUint32(buf[4:8], cbw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], cbw.DataTransferLength)
	buf[12] = byte(cbw.Direction)
	buf[13] = cbw.LUN
	buf[14] = byte(len(cbw.CDB))
	copy(buf[15:15+len(cbw.CDB)], cbw.CDB)
	// buf[15+len(cbw.CDB):31] stays zero-padded.

	return buf, nil
}

// DecodeCBW parses a 31-byte wire buffer back into a CBW. It is the
// inverse of EncodeCBW and is used by tests to assert the round-trip
// property from spec.md §8.
func DecodeCBW(data []byte) (CBW, error) {
	if len(data) != cbwLength {
		return CBW{}, fmt.Errorf("transport: CBW must be %d bytes, got %d", cbwLength, len(data))
	}
	if sig := binary.LittleEndian.Uint32(data[0:4]); sig != cbwSignature {
		return CBW{}, fmt.Errorf("transport: bad CBW signature 0x%08x", sig)
	}

	cbLen := int(data[14])
	if cbLen < minCDBLength || cbLen > maxCDBLength {
		return CBW{}, fmt.Errorf("transport: bad CBW CDB length %d", cbLen)
	}

	cdb := make([]byte, cbLen)
	copy(cdb, data[15:15+cbLen])

	return CBW{
		Tag:                binary.LittleEndian.Uint32(data[4:8]),
		DataTransferLength: binary.LittleEndian.Uint32(data[8:12]),
		Direction:          Direction(data[12] & 0x80),
		LUN:                data[13],
		CDB:                cdb,
	}, nil
}

// Status is the bCSWStatus byte of a Command Status Wrapper.
type Status uint8

const (
	StatusSuccess     Status = 0
	StatusFailure     Status = 1 // check condition
	StatusPhaseError  Status = 2 // "Condition Met"; undocumented, see spec.md §9(b)
)

// CSW is the in-memory form of a 13-byte Command Status Wrapper.
type CSW struct {
	Tag         uint32
	DataResidue uint32
	Status      Status
}

// DecodeCSW parses a 13-byte wire buffer into a CSW. It fails with
// ErrInvalidCSW if the buffer is not exactly 13 bytes or the signature
// does not match, per spec.md §4.2.
func DecodeCSW(data []byte) (CSW, error) {
	if len(data) != cswLength {
		return CSW{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidCSW, cswLength, len(data))
	}
	if sig := binary.LittleEndian.Uint32(data[0:4]); sig != cswSignature {
		return CSW{}, fmt.Errorf("%w: bad signature 0x%08x", ErrInvalidCSW, sig)
	}

	return CSW{
		Tag:         binary.LittleEndian.Uint32(data[4:8]),
		DataResidue: binary.LittleEndian.Uint32(data[8:12]),
		Status:      Status(data[12]),
	}, nil
}

// EncodeCSW serializes a CSW to its 13-byte wire form. It exists mainly so
// transportmock can script device responses without hand-rolling the byte
// layout.
func EncodeCSW(csw CSW) []byte {
	buf := make([]byte, cswLength)
	binary.LittleEndian.PutUint32(buf[0:4], cswSignature)
	binary.LittleEndian.PutUint32(buf[4:8], csw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], csw.DataResidue)
	buf[12] = byte(csw.Status)
	return buf
}
