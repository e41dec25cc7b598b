package extfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/forensicfs/extfs/testhelper"
)

func TestXattrEntryFullNameUsesFixedSuffix(t *testing.T) {
	e := xattrEntry{nameIndex: 2, nameBytes: nil}
	assert.Equal(t, "system.posix_acl_access", e.fullName())
}

func TestXattrEntryFullNameUsesPrefixPlusName(t *testing.T) {
	e := xattrEntry{nameIndex: 1, nameBytes: []byte("comment")}
	assert.Equal(t, "user.comment", e.fullName())
}

func TestXattrEntryFullNameUnknownPrefix(t *testing.T) {
	e := xattrEntry{nameIndex: 99, nameBytes: []byte("x")}
	assert.Equal(t, "unknown_prefixx", e.fullName())
}

// writeXattrEntryHeader writes one 16-byte ext4_xattr_entry header (without
// its trailing name bytes) at region[offset:].
func writeXattrEntryHeader(region []byte, offset int, nameLen, nameIndex uint8, valueOffs uint16, valueInum, valueSize uint32) {
	region[offset] = nameLen
	region[offset+1] = nameIndex
	binary.LittleEndian.PutUint16(region[offset+2:offset+4], valueOffs)
	binary.LittleEndian.PutUint32(region[offset+4:offset+8], valueInum)
	binary.LittleEndian.PutUint32(region[offset+8:offset+12], valueSize)
	binary.LittleEndian.PutUint32(region[offset+12:offset+16], 0) // hash, unused by decoding
}

// buildInInodeXattrRegion lays out an in-inode xattr region: 4-byte magic,
// one "user.comment" entry whose value lives immediately after the entries
// area (rounded to a 4-byte boundary), no explicit terminator (the decoder
// must stop cleanly when there is no room for another 16-byte header).
func buildInInodeXattrRegion(t *testing.T, value []byte) []byte {
	t.Helper()
	const name = "comment"
	entryLen := (xattrEntryHeaderSz + len(name) + xattrPadRound) &^ xattrPadRound
	region := make([]byte, 4+entryLen+len(value))
	binary.LittleEndian.PutUint32(region[0:4], xattrMagic)

	valueOffs := uint16(4 + entryLen - 4) // relative to valueBase=4
	writeXattrEntryHeader(region, 4, uint8(len(name)), 1, valueOffs, 0, uint32(len(value)))
	copy(region[4+xattrEntryHeaderSz:4+xattrEntryHeaderSz+len(name)], name)
	copy(region[4+entryLen:], value)
	return region
}

func newTestInode(t *testing.T, fs *FileSystem, raw *rawInode) *Inode {
	t.Helper()
	return &Inode{fs: fs, inum: 11, raw: raw}
}

func newTestFileSystem(t *testing.T, backendData []byte) *FileSystem {
	t.Helper()
	inodeCache, err := lru.New[uint32, *Inode](16)
	require.NoError(t, err)
	groupCache, err := lru.New[int64, *groupDescriptor](16)
	require.NoError(t, err)
	return &FileSystem{
		backend:    testhelper.NewFileImpl(backendData),
		sb:         &superblock{inodesCount: 1000, inodeSize: 128},
		blockSize:  1024,
		inodeCache: inodeCache,
		groupCache: groupCache,
	}
}

func TestDecodeXattrsInInodeRegion(t *testing.T) {
	region := buildInInodeXattrRegion(t, []byte("hello"))

	fs := newTestFileSystem(t, make([]byte, 4*1024))
	rawBytes := make([]byte, 128+len(region))
	raw := &rawInode{raw: rawBytes}
	copy(raw.raw[128:], region)

	in := newTestInode(t, fs, raw)
	xattrs, err := decodeXattrs(in)
	require.NoError(t, err)
	require.Len(t, xattrs, 1)
	assert.Equal(t, "user.comment", xattrs[0].Name)
	assert.Equal(t, []byte("hello"), xattrs[0].Value)
}

func TestDecodeXattrsOutOfLineBlock(t *testing.T) {
	const blockSize = 1024
	const xattrBlockNum = 2

	const name = "security.selinux"
	const nameIndex = 6
	const shortName = "selinux"
	value := []byte("system_u:object_r:unlabeled_t:s0")

	block := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(block[0:4], xattrMagic)

	valueOffs := uint16(blockSize - len(value))
	writeXattrEntryHeader(block, 32, uint8(len(shortName)), nameIndex, valueOffs, 0, uint32(len(value)))
	copy(block[32+xattrEntryHeaderSz:32+xattrEntryHeaderSz+len(shortName)], shortName)
	copy(block[valueOffs:], value)

	backendData := make([]byte, (xattrBlockNum+1)*blockSize)
	copy(backendData[xattrBlockNum*blockSize:], block)

	fs := newTestFileSystem(t, backendData)
	raw := &rawInode{raw: make([]byte, 128), fileACLLo: xattrBlockNum}
	in := newTestInode(t, fs, raw)

	xattrs, err := decodeXattrs(in)
	require.NoError(t, err)
	require.Len(t, xattrs, 1)
	assert.Equal(t, name, xattrs[0].Name)
	assert.Equal(t, value, xattrs[0].Value)
}

func TestDecodeXattrRegionRejectsBadMagic(t *testing.T) {
	region := make([]byte, 8)
	binary.LittleEndian.PutUint32(region[0:4], 0xdeadbeef)
	_, err := decodeXattrRegion(region, 4)
	assert.ErrorIs(t, err, ErrInvalidFilesystem)
}

func TestDecodeXattrRegionTooShort(t *testing.T) {
	_, err := decodeXattrRegion(make([]byte, 2), 4)
	assert.ErrorIs(t, err, ErrInvalidFilesystem)
}

func TestXattrTerminatorEntryStopsDecoding(t *testing.T) {
	region := make([]byte, 4+16+16)
	binary.LittleEndian.PutUint32(region[0:4], xattrMagic)
	// First entry is already an all-zero terminator: nameLen=0, nameIndex=0,
	// valueOffs=0.
	entries, err := decodeXattrRegion(region, 4)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
