package extfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensicfs/extfs/testhelper"
)

func iBlockPointers(ptrs ...uint32) []byte {
	b := make([]byte, 60)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(b[i*4:i*4+4], p)
	}
	return b
}

func TestIndirectDatarunsDirectOnly(t *testing.T) {
	blockSize := int64(64)
	fs := &FileSystem{backend: testhelper.NewFileImpl(make([]byte, 32*blockSize)), blockSize: blockSize}

	ptrs := make([]uint32, 12)
	for i := range ptrs {
		ptrs[i] = uint32(100 + i)
	}
	iBlock := iBlockPointers(ptrs...)

	runs, err := indirectDataruns(fs, iBlock, 12*blockSize)
	require.NoError(t, err)
	assert.Equal(t, []datarun{{physical: 100, length: 12}}, runs)
}

func TestIndirectDatarunsSingleIndirect(t *testing.T) {
	blockSize := int64(64)
	data := make([]byte, 32*blockSize)
	// Single-indirect block lives at block 5, holding two block pointers.
	binary.LittleEndian.PutUint32(data[5*blockSize:5*blockSize+4], 200)
	binary.LittleEndian.PutUint32(data[5*blockSize+4:5*blockSize+8], 201)

	fsys := &FileSystem{backend: testhelper.NewFileImpl(data), blockSize: blockSize}

	ptrs := make([]uint32, 13)
	for i := 0; i < 12; i++ {
		ptrs[i] = uint32(100 + i)
	}
	ptrs[12] = 5 // single-indirect pointer
	iBlock := iBlockPointers(ptrs...)

	runs, err := indirectDataruns(fsys, iBlock, 14*blockSize)
	require.NoError(t, err)
	assert.Equal(t, []datarun{
		{physical: 100, length: 12},
		{physical: 200, length: 2},
	}, runs)
}

func TestIndirectDatarunsHoleBlock(t *testing.T) {
	blockSize := int64(64)
	fsys := &FileSystem{backend: testhelper.NewFileImpl(make([]byte, 8*blockSize)), blockSize: blockSize}

	ptrs := []uint32{100, 0, 102}
	iBlock := iBlockPointers(ptrs...)

	runs, err := indirectDataruns(fsys, iBlock, 3*blockSize)
	require.NoError(t, err)
	assert.Equal(t, []datarun{
		{physical: 100, length: 1},
		{physical: holeBlock, length: 1},
		{physical: 102, length: 1},
	}, runs)
}

func TestCoalesceBlocksDoesNotMergeAdjacentHoles(t *testing.T) {
	runs := coalesceBlocks([]uint32{5, 0, 0, 7})
	assert.Equal(t, []datarun{
		{physical: 5, length: 1},
		{physical: holeBlock, length: 1},
		{physical: holeBlock, length: 1},
		{physical: 7, length: 1},
	}, runs)
}

func TestCoalesceBlocksMergesContiguousRuns(t *testing.T) {
	runs := coalesceBlocks([]uint32{10, 11, 12, 20, 21})
	assert.Equal(t, []datarun{
		{physical: 10, length: 3},
		{physical: 20, length: 2},
	}, runs)
}

func TestCoalesceBlocksEmpty(t *testing.T) {
	assert.Nil(t, coalesceBlocks(nil))
}
