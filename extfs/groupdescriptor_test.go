package extfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildGroupDescV1(t *testing.T, blockBitmap, inodeBitmap, inodeTable uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	fields := []any{
		blockBitmap, inodeBitmap, inodeTable,
		uint16(10), uint16(20), uint16(1), uint16(0),
	}
	for _, f := range fields {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, f))
	}
	return buf.Bytes()
}

func buildGroupDescV2(t *testing.T, blockBitmap, inodeBitmap, inodeTable uint64) []byte {
	t.Helper()
	var buf bytes.Buffer
	fields := []any{
		uint32(blockBitmap), uint32(inodeBitmap), uint32(inodeTable),
		uint16(10), uint16(20), uint16(1), uint16(0),
		uint32(0), uint16(0), uint16(0), uint16(0), uint16(0),
		uint32(blockBitmap >> 32), uint32(inodeBitmap >> 32), uint32(inodeTable >> 32),
		uint16(0), uint16(0), uint16(0), uint16(0), uint32(0),
	}
	for _, f := range fields {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, f))
	}
	return buf.Bytes()
}

func TestGroupDescriptorFromBytesV1(t *testing.T) {
	raw := buildGroupDescV1(t, 10, 11, 12)
	gd, err := groupDescriptorFromBytes(raw, false)
	require.NoError(t, err)
	assert.EqualValues(t, 10, gd.blockBitmap())
	assert.EqualValues(t, 11, gd.inodeBitmap())
	assert.EqualValues(t, 12, gd.inodeTable())
}

func TestGroupDescriptorFromBytesV2With64BitPointers(t *testing.T) {
	raw := buildGroupDescV2(t, 0x1_0000_0005, 0x2_0000_0006, 0x3_0000_0007)
	gd, err := groupDescriptorFromBytes(raw, true)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1_0000_0005, gd.blockBitmap())
	assert.EqualValues(t, 0x2_0000_0006, gd.inodeBitmap())
	assert.EqualValues(t, 0x3_0000_0007, gd.inodeTable())
}
