package extfs

import (
	"encoding/binary"
	"fmt"
)

// indirectDataruns decodes the legacy ext2/ext3 direct/indirect/double-
// indirect/triple-indirect block-pointer scheme rooted in iBlock (the
// inode's 60-byte i_block region, read as 15 little-endian uint32 pointers)
// into a datarun list covering size bytes.
func indirectDataruns(fs *FileSystem, iBlock []byte, size int64) ([]datarun, error) {
	pointers := make([]uint32, 15)
	for i := range pointers {
		pointers[i] = binary.LittleEndian.Uint32(iBlock[i*4 : i*4+4])
	}

	numBlocks := ceilDiv(size, fs.blockSize)
	numDirect := numBlocks
	if numDirect > directBlockCount {
		numDirect = directBlockCount
	}

	blocks := make([]uint32, 0, numBlocks)
	blocks = append(blocks, pointers[:numDirect]...)
	remaining := numBlocks - numDirect

	for level := 1; level <= indirectLevelCount && remaining > 0; level++ {
		indirectBlock := pointers[directBlockCount+level-1]
		parsed, err := readIndirectLevel(fs, indirectBlock, remaining, level)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, parsed...)
		remaining -= int64(len(parsed))
	}

	return coalesceBlocks(blocks), nil
}

// readIndirectLevel reads up to numBlocks block numbers reachable through
// the pointer block at blockNum, recursing level-1 more times for each
// entry when level > 1.
func readIndirectLevel(fs *FileSystem, blockNum uint32, numBlocks int64, level int) ([]uint32, error) {
	pointersPerBlock := fs.blockSize / 4

	if level == 1 {
		readCount := numBlocks
		if readCount > pointersPerBlock {
			readCount = pointersPerBlock
		}
		buf := make([]byte, readCount*4)
		if _, err := fs.backend.ReadAt(buf, int64(blockNum)*fs.blockSize); err != nil {
			return nil, fmt.Errorf("reading indirect block %d: %w", blockNum, err)
		}
		out := make([]uint32, readCount)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		}
		return out, nil
	}

	maxLevelBlocks := int64(1)
	for i := 0; i < level; i++ {
		maxLevelBlocks *= pointersPerBlock
	}
	blocksPerNest := maxLevelBlocks / pointersPerBlock
	readCount := ceilDiv(numBlocks, blocksPerNest)
	if readCount > pointersPerBlock {
		readCount = pointersPerBlock
	}

	buf := make([]byte, readCount*4)
	if _, err := fs.backend.ReadAt(buf, int64(blockNum)*fs.blockSize); err != nil {
		return nil, fmt.Errorf("reading indirect block %d: %w", blockNum, err)
	}

	var blocks []uint32
	for i := int64(0); i < readCount; i++ {
		addr := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		parsed, err := readIndirectLevel(fs, addr, numBlocks, level-1)
		if err != nil {
			return nil, err
		}
		numBlocks -= int64(len(parsed))
		blocks = append(blocks, parsed...)
	}
	return blocks, nil
}

// coalesceBlocks groups an ordered list of logical block numbers into runs
// of physically-contiguous blocks. A block number of 0 denotes a hole; the
// arithmetic contiguity check (next == runStart + runLen) never holds
// across a run of zero blocks, so consecutive holes surface as independent
// length-1 runs rather than merging into one longer hole — matching the
// reference decoder's run-length accumulator exactly.
func coalesceBlocks(blocks []uint32) []datarun {
	if len(blocks) == 0 {
		return nil
	}

	var runs []datarun
	runStart := blocks[0]
	runLen := int64(1)

	flush := func() {
		if runStart == 0 {
			runs = append(runs, datarun{physical: holeBlock, length: runLen})
		} else {
			runs = append(runs, datarun{physical: int64(runStart), length: runLen})
		}
	}

	for _, b := range blocks[1:] {
		if int64(b) == int64(runStart)+runLen {
			runLen++
			continue
		}
		flush()
		runStart = b
		runLen = 1
	}
	flush()

	return runs
}
