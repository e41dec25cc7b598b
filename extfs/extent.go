package extfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const extentHeaderMagic uint16 = 0xF30A

// uninitializedExtentThreshold marks an extent as allocated-but-unwritten:
// effective length is stored length minus this threshold, read as a hole.
const uninitializedExtentThreshold uint16 = 0x8000

type extentHeader struct {
	magic      uint16
	entries    uint16
	max        uint16
	depth      uint16
	generation uint32
}

func extentHeaderFromBytes(b []byte) (extentHeader, error) {
	var h extentHeader
	r := bytes.NewReader(b)
	for _, f := range []any{&h.magic, &h.entries, &h.max, &h.depth, &h.generation} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return h, fmt.Errorf("decoding extent header: %w", err)
		}
	}
	if h.magic != extentHeaderMagic {
		return h, fmt.Errorf("extent header magic 0x%04x != 0x%04x: %w", h.magic, extentHeaderMagic, ErrInvalidFilesystem)
	}
	return h, nil
}

// leafExtent is a depth-0 ext4_extent: a contiguous logical-to-physical
// block range, or (if length >= uninitializedExtentThreshold) an
// allocated-but-unwritten range.
type leafExtent struct {
	logicalBlock uint32
	length       uint16
	physicalLo   uint32
	physicalHi   uint16
}

func (e leafExtent) physical() int64 {
	return (int64(e.physicalHi) << 32) | int64(e.physicalLo)
}

func leafExtentFromBytes(b []byte) (leafExtent, error) {
	var e leafExtent
	r := bytes.NewReader(b)
	for _, f := range []any{&e.logicalBlock, &e.length, &e.physicalHi, &e.physicalLo} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return e, fmt.Errorf("decoding extent: %w", err)
		}
	}
	return e, nil
}

type extentIndex struct {
	logicalBlock uint32
	childLo      uint32
	childHi      uint16
}

func (idx extentIndex) child() int64 {
	return (int64(idx.childHi) << 32) | int64(idx.childLo)
}

func extentIndexFromBytes(b []byte) (extentIndex, error) {
	var idx extentIndex
	r := bytes.NewReader(b)
	for _, f := range []any{&idx.logicalBlock, &idx.childLo, &idx.childHi} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return idx, fmt.Errorf("decoding extent index: %w", err)
		}
	}
	// ei_unused (2 bytes) intentionally not consumed.
	return idx, nil
}

// extentDataruns decodes an ext4 extent tree rooted in iBlock (the inode's
// 60-byte i_block region) into a datarun list covering size bytes.
func extentDataruns(fs *FileSystem, iBlock []byte, size int64) ([]datarun, error) {
	leaves, err := walkExtentNode(fs, iBlock)
	if err != nil {
		return nil, err
	}

	if len(leaves) == 0 {
		return []datarun{{physical: holeBlock, length: ceilDiv(size, fs.blockSize)}}, nil
	}

	var runs []datarun
	var cursor int64
	for _, e := range leaves {
		if int64(e.logicalBlock) != cursor {
			gap := int64(e.logicalBlock) - cursor
			runs = append(runs, datarun{physical: holeBlock, length: gap})
			cursor += gap
		}

		if e.length >= uninitializedExtentThreshold {
			uninit := int64(e.length - uninitializedExtentThreshold)
			runs = append(runs, datarun{physical: holeBlock, length: uninit})
			cursor += uninit
			continue
		}

		runs = append(runs, datarun{physical: e.physical(), length: int64(e.length)})
		cursor += int64(e.length)
	}

	if total := ceilDiv(size, fs.blockSize); cursor < total {
		runs = append(runs, datarun{physical: holeBlock, length: total - cursor})
	}

	return runs, nil
}

// walkExtentNode recursively decodes the extent tree rooted at nodeBytes,
// returning its depth-0 leaves in logical order.
func walkExtentNode(fs *FileSystem, nodeBytes []byte) ([]leafExtent, error) {
	header, err := extentHeaderFromBytes(nodeBytes)
	if err != nil {
		return nil, err
	}

	const headerSize = 12
	const entrySize = 12

	if header.depth == 0 {
		leaves := make([]leafExtent, 0, header.entries)
		for i := uint16(0); i < header.entries; i++ {
			off := headerSize + int(i)*entrySize
			e, err := leafExtentFromBytes(nodeBytes[off : off+entrySize])
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, e)
		}
		return leaves, nil
	}

	var leaves []leafExtent
	for i := uint16(0); i < header.entries; i++ {
		off := headerSize + int(i)*entrySize
		idx, err := extentIndexFromBytes(nodeBytes[off : off+entrySize])
		if err != nil {
			return nil, err
		}

		child := make([]byte, fs.blockSize)
		if _, err := fs.backend.ReadAt(child, idx.child()*fs.blockSize); err != nil {
			return nil, fmt.Errorf("reading extent index child block %d: %w", idx.child(), err)
		}
		childLeaves, err := walkExtentNode(fs, child)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, childLeaves...)
	}
	return leaves, nil
}
