package extfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	groupDescV1Size = 32
	groupDescV2Size = 64
)

// groupDescriptor mirrors ext2_group_desc / ext4_group_desc. The v1 layout
// leaves the *Hi fields zero; groupDescriptorFromBytes only decodes them when the
// superblock selected the 64-bit variant.
type groupDescriptor struct {
	blockBitmapLo    uint32
	inodeBitmapLo    uint32
	inodeTableLo     uint32
	freeBlocksLo     uint16
	freeInodesLo     uint16
	usedDirsLo       uint16
	flags            uint16
	excludeBitmapLo  uint32
	blockBitmapCsmLo uint16
	inodeBitmapCsmLo uint16
	itableUnusedLo   uint16
	checksum         uint16
	blockBitmapHi    uint32
	inodeBitmapHi    uint32
	inodeTableHi     uint32
	freeBlocksHi     uint16
	freeInodesHi     uint16
	usedDirsHi       uint16
	itableUnusedHi   uint16
	excludeBitmapHi  uint32
}

func groupDescriptorFromBytes(b []byte, v2 bool) (*groupDescriptor, error) {
	r := bytes.NewReader(b)
	gd := &groupDescriptor{}

	base := []any{
		&gd.blockBitmapLo, &gd.inodeBitmapLo, &gd.inodeTableLo,
		&gd.freeBlocksLo, &gd.freeInodesLo, &gd.usedDirsLo, &gd.flags,
	}
	for _, f := range base {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("decoding group descriptor: %w", err)
		}
	}

	if !v2 {
		return gd, nil
	}

	rest := []any{
		&gd.excludeBitmapLo, &gd.blockBitmapCsmLo, &gd.inodeBitmapCsmLo,
		&gd.itableUnusedLo, &gd.checksum,
		&gd.blockBitmapHi, &gd.inodeBitmapHi, &gd.inodeTableHi,
		&gd.freeBlocksHi, &gd.freeInodesHi, &gd.usedDirsHi, &gd.itableUnusedHi,
		&gd.excludeBitmapHi,
	}
	for _, f := range rest {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("decoding group descriptor (v2 tail): %w", err)
		}
	}
	return gd, nil
}

func (gd *groupDescriptor) blockBitmap() int64 {
	return (int64(gd.blockBitmapHi) << 32) | int64(gd.blockBitmapLo)
}

func (gd *groupDescriptor) inodeBitmap() int64 {
	return (int64(gd.inodeBitmapHi) << 32) | int64(gd.inodeBitmapLo)
}

func (gd *groupDescriptor) inodeTable() int64 {
	return (int64(gd.inodeTableHi) << 32) | int64(gd.inodeTableLo)
}
