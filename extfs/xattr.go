package extfs

import (
	"encoding/binary"
	"fmt"
)

const (
	xattrMagic         uint32 = 0xEA020000
	xattrEntryHeaderSz        = 16
	xattrPadRound             = 3 // (len + round) &^ round, round = PAD-1, PAD=4
)

// xattrPrefixMap maps an entry's name_index to its textual namespace prefix.
// Indices with no entry here (richacl, encryption, hurd, and any future
// index) fall back to "unknown_prefix" in fullName, matching the reference
// decoder's own XATTR_PREFIX_MAP exactly rather than guessing a name for
// indices it deliberately leaves unmapped.
var xattrPrefixMap = map[uint8]string{
	1: "user.",
	2: "system.",
	3: "system.",
	4: "trusted.",
	6: "security.",
	7: "system.",
}

// xattrFixedNameMap gives the fixed suffix implied by certain indices,
// overriding whatever (normally empty) name bytes the entry carries.
var xattrFixedNameMap = map[uint8]string{
	2: "posix_acl_access",
	3: "posix_acl_default",
}

// XAttr is one decoded extended-attribute entry.
type XAttr struct {
	Name  string
	Value []byte
}

type xattrEntry struct {
	nameLen    uint8
	nameIndex  uint8
	valueOffs  uint16
	valueInum  uint32
	valueSize  uint32
	hash       uint32
	nameBytes  []byte
}

func (e xattrEntry) isTerminator() bool {
	return e.nameLen == 0 && e.nameIndex == 0 && e.valueOffs == 0
}

func (e xattrEntry) recordLen() int {
	return xattrEntryHeaderSz + int(e.nameLen)
}

func (e xattrEntry) fullName() string {
	prefix := xattrPrefixMap[e.nameIndex]
	if prefix == "" {
		prefix = "unknown_prefix"
	}
	if fixed, ok := xattrFixedNameMap[e.nameIndex]; ok {
		return prefix + fixed
	}
	return prefix + decodeName(e.nameBytes)
}

func parseXattrEntry(region []byte, offset int) (xattrEntry, error) {
	if offset+xattrEntryHeaderSz > len(region) {
		return xattrEntry{}, fmt.Errorf("xattr entry header past end of region: %w", ErrInvalidFilesystem)
	}
	e := xattrEntry{
		nameLen:   region[offset],
		nameIndex: region[offset+1],
		valueOffs: binary.LittleEndian.Uint16(region[offset+2 : offset+4]),
		valueInum: binary.LittleEndian.Uint32(region[offset+4 : offset+8]),
		valueSize: binary.LittleEndian.Uint32(region[offset+8 : offset+12]),
		hash:      binary.LittleEndian.Uint32(region[offset+12 : offset+16]),
	}
	if e.isTerminator() {
		return e, nil
	}
	nameStart := offset + xattrEntryHeaderSz
	nameEnd := nameStart + int(e.nameLen)
	if nameEnd > len(region) {
		return xattrEntry{}, fmt.Errorf("xattr entry name past end of region: %w", ErrInvalidFilesystem)
	}
	e.nameBytes = region[nameStart:nameEnd]
	return e, nil
}

// decodeXattrs decodes in's in-inode xattr region (if present) followed by
// its out-of-line xattr block (if i_file_acl is set), in that order.
func decodeXattrs(in *Inode) ([]XAttr, error) {
	var out []XAttr

	if region := in.raw.xattrRegion(); hasNonZero(region) {
		entries, err := decodeXattrRegion(region, 4)
		if err != nil {
			return nil, fmt.Errorf("decoding in-inode xattrs of inode %d: %w", in.inum, err)
		}
		vals, err := resolveXattrValues(in, entries, region, 4)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}

	if in.raw.fileACL() != 0 {
		block := make([]byte, in.fs.blockSize)
		if _, err := in.fs.backend.ReadAt(block, in.raw.fileACL()*in.fs.blockSize); err != nil {
			return nil, fmt.Errorf("reading xattr block of inode %d: %w", in.inum, err)
		}
		entries, err := decodeXattrRegion(block, 0)
		if err != nil {
			return nil, fmt.Errorf("decoding xattr block of inode %d: %w", in.inum, err)
		}
		vals, err := resolveXattrValues(in, entries, block, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}

	return out, nil
}

func hasNonZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return true
		}
	}
	return false
}

// decodeXattrRegion decodes a region beginning with a 4-byte xattr header
// (h_magic only, in-inode case; or the full 32-byte ext4_xattr_header,
// out-of-line case — only the magic at offset 0 matters for parsing).
// valueBase is the offset entries' e_value_offs is relative to.
func decodeXattrRegion(region []byte, valueBase int) ([]xattrEntry, error) {
	if len(region) < 4 {
		return nil, fmt.Errorf("xattr region too short: %w", ErrInvalidFilesystem)
	}
	magic := binary.LittleEndian.Uint32(region[0:4])
	if magic != xattrMagic {
		return nil, fmt.Errorf("xattr magic 0x%08x != 0x%08x: %w", magic, xattrMagic, ErrInvalidFilesystem)
	}

	entriesStart := 4
	if valueBase == 0 {
		// Out-of-line block: full 32-byte ext4_xattr_header precedes entries.
		entriesStart = 32
	}

	var entries []xattrEntry
	offset := entriesStart
	for offset+xattrEntryHeaderSz <= len(region) {
		e, err := parseXattrEntry(region, offset)
		if err != nil {
			return nil, err
		}
		if e.isTerminator() {
			break
		}
		entries = append(entries, e)
		offset += (e.recordLen() + xattrPadRound) &^ xattrPadRound
	}
	return entries, nil
}

func resolveXattrValues(in *Inode, entries []xattrEntry, region []byte, valueBase int) ([]XAttr, error) {
	out := make([]XAttr, 0, len(entries))
	for _, e := range entries {
		value, err := readXattrValue(in, e, region, valueBase)
		if err != nil {
			return nil, err
		}
		out = append(out, XAttr{Name: e.fullName(), Value: value})
	}
	return out, nil
}

// readXattrValue reads an entry's value either from the named inode's data
// stream (value_inum != 0) or in-place at valueBase+e.valueOffs within
// region (the in-inode xattr region or the out-of-line xattr block).
func readXattrValue(in *Inode, e xattrEntry, region []byte, valueBase int) ([]byte, error) {
	if e.valueInum != 0 {
		valueInode, err := in.fs.inode(e.valueInum)
		if err != nil {
			return nil, fmt.Errorf("resolving xattr value inode %d: %w", e.valueInum, err)
		}
		stream, err := valueInode.Open()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, e.valueSize)
		if _, err := stream.Read(buf); err != nil {
			return nil, fmt.Errorf("reading xattr value from inode %d: %w", e.valueInum, err)
		}
		return buf, nil
	}

	start := valueBase + int(e.valueOffs)
	end := start + int(e.valueSize)
	if start < 0 || end > len(region) {
		return nil, fmt.Errorf("xattr value range [%d:%d] out of bounds: %w", start, end, ErrInvalidFilesystem)
	}
	value := make([]byte, e.valueSize)
	copy(value, region[start:end])
	return value, nil
}
