package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCBWRoundTrip verifies property 2 from spec.md §8: encoding then
// decoding a CBW yields the original fields back.
func TestCBWRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cbw  CBW
	}{
		{"test unit ready", CBW{Tag: 1, DataTransferLength: 0, Direction: DirectionOut, LUN: 0, CDB: CDBTestUnitReady}},
		{"inquiry", CBW{Tag: 42, DataTransferLength: 36, Direction: DirectionIn, LUN: 0, CDB: CDBInquiry}},
		{"max length CDB", CBW{Tag: 0xFFFFFFFF, DataTransferLength: 204810, Direction: DirectionOut, LUN: 0, CDB: make([]byte, 16)}},
		{"min length CDB", CBW{Tag: 7, DataTransferLength: 0, Direction: DirectionOut, LUN: 0, CDB: []byte{0xF5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := EncodeCBW(tt.cbw)
			require.NoError(t, err)
			assert.Len(t, wire, cbwLength)

			got, err := DecodeCBW(wire)
			require.NoError(t, err)
			assert.Equal(t, tt.cbw.Tag, got.Tag)
			assert.Equal(t, tt.cbw.DataTransferLength, got.DataTransferLength)
			assert.Equal(t, tt.cbw.Direction, got.Direction)
			assert.Equal(t, tt.cbw.LUN, got.LUN)
			assert.Equal(t, tt.cbw.CDB, got.CDB)
		})
	}
}

func TestEncodeCBWRejectsBadCDBLength(t *testing.T) {
	_, err := EncodeCBW(CBW{CDB: nil})
	assert.Error(t, err)

	_, err = EncodeCBW(CBW{CDB: make([]byte, 17)})
	assert.Error(t, err)
}

func TestDecodeCSWRejectsBadInput(t *testing.T) {
	_, err := DecodeCSW(make([]byte, 12))
	assert.ErrorIs(t, err, ErrInvalidCSW)

	bad := EncodeCSW(CSW{Tag: 1, Status: StatusSuccess})
	bad[0] = 0x00
	_, err = DecodeCSW(bad)
	assert.ErrorIs(t, err, ErrInvalidCSW)
}

func TestCSWRoundTrip(t *testing.T) {
	csw := CSW{Tag: 99, DataResidue: 512, Status: StatusFailure}
	wire := EncodeCSW(csw)
	assert.Len(t, wire, cswLength)

	got, err := DecodeCSW(wire)
	require.NoError(t, err)
	assert.Equal(t, csw, got)
}
