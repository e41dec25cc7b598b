package extfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	superblockOffset   = 1024
	superblockRawSize  = 1024
	fsMagic            = 0xEF53
	rootInode          = 2
	badInode           = 1
	minBlockSize       = 1024
	directBlockCount   = 12
	indirectLevelCount = 3
)

// Filesystem type, derived from superblock feature flags per §3.
type FSType int

const (
	EXT2 FSType = iota
	EXT3
	EXT4
)

func (t FSType) String() string {
	switch t {
	case EXT4:
		return "ext4"
	case EXT3:
		return "ext3"
	default:
		return "ext2"
	}
}

// Superblock feature-flag bit positions (subset this module acts on).
const (
	featureCompatHasJournal = 0x0004

	featureIncompatFiletype = 0x0002
	featureIncompatExtents  = 0x0040
	featureIncompat64Bit    = 0x0080

	inodeFlagUsesExtents  = 0x00080000
	inodeFlagInlineData   = 0x10000000
)

// superblock mirrors ext4_super_block's on-disk layout (little-endian). Every
// field from s_inodes_count through s_flags is decoded in on-disk order, plus
// s_checksum_seed; the fields between s_flags and s_checksum_seed and the
// trailing reserved padding are not decoded.
type superblock struct {
	inodesCount        uint32
	blocksCountLo      uint32
	rBlocksCountLo     uint32
	freeBlocksCountLo  uint32
	freeInodesCount    uint32
	firstDataBlock     uint32
	logBlockSize       uint32
	logClusterSize     uint32
	blocksPerGroup     uint32
	clustersPerGroup   uint32
	inodesPerGroup     uint32
	mtime              uint32
	wtime              uint32
	mntCount           uint16
	maxMntCount        uint16
	magic              uint16
	state              uint16
	errors             uint16
	minorRevLevel      uint16
	lastcheck          uint32
	checkinterval      uint32
	creatorOS          uint32
	revLevel           uint32
	defResuid          uint16
	defResgid          uint16
	firstIno           uint32
	inodeSize          uint16
	blockGroupNr       uint16
	featureCompat      uint32
	featureIncompat    uint32
	featureROCompat    uint32
	uuidBytes          [16]byte
	volumeName         [16]byte
	lastMounted        [64]byte
	algorithmUsageBmap uint32
	preallocBlocks     uint8
	preallocDirBlocks  uint8
	reservedGDTBlocks  uint16
	journalUUID        [16]byte
	journalInum        uint32
	journalDev         uint32
	lastOrphan         uint32
	hashSeed           [16]byte
	defHashVersion     uint8
	jnlBackupType      uint8
	descSize           uint16
	defaultMountOpts   uint32
	firstMetaBG        uint32
	mkfsTime           uint32
	jnlBlocks          [17]uint32
	blocksCountHi      uint32
	rBlocksCountHi     uint32
	freeBlocksCountHi  uint32
	minExtraIsize      uint16
	wantExtraIsize     uint16
	flags              uint32
	checksumSeed       uint32
}

// superblockFromBytes decodes a 1024-byte superblock record.
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < superblockRawSize {
		return nil, fmt.Errorf("short superblock read (%d bytes): %w", len(b), ErrInvalidFilesystem)
	}

	r := bytes.NewReader(b)
	sb := &superblock{}

	fields := []any{
		&sb.inodesCount, &sb.blocksCountLo, &sb.rBlocksCountLo, &sb.freeBlocksCountLo,
		&sb.freeInodesCount, &sb.firstDataBlock, &sb.logBlockSize, &sb.logClusterSize,
		&sb.blocksPerGroup, &sb.clustersPerGroup, &sb.inodesPerGroup, &sb.mtime, &sb.wtime,
		&sb.mntCount, &sb.maxMntCount, &sb.magic, &sb.state, &sb.errors, &sb.minorRevLevel,
		&sb.lastcheck, &sb.checkinterval, &sb.creatorOS, &sb.revLevel,
		&sb.defResuid, &sb.defResgid, &sb.firstIno, &sb.inodeSize, &sb.blockGroupNr,
		&sb.featureCompat, &sb.featureIncompat, &sb.featureROCompat,
		&sb.uuidBytes, &sb.volumeName, &sb.lastMounted,
		&sb.algorithmUsageBmap, &sb.preallocBlocks, &sb.preallocDirBlocks, &sb.reservedGDTBlocks,
		&sb.journalUUID, &sb.journalInum, &sb.journalDev, &sb.lastOrphan, &sb.hashSeed,
		&sb.defHashVersion, &sb.jnlBackupType, &sb.descSize,
		&sb.defaultMountOpts, &sb.firstMetaBG, &sb.mkfsTime, &sb.jnlBlocks,
		&sb.blocksCountHi, &sb.rBlocksCountHi, &sb.freeBlocksCountHi,
		&sb.minExtraIsize, &sb.wantExtraIsize, &sb.flags,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("decoding superblock: %w", err)
		}
	}

	// s_checksum_seed sits at a fixed absolute offset past a long run of
	// fields (raid/mmp/snapshot/error-log/quota) this module never consumes.
	const checksumSeedOffset = 624
	if _, err := r.Seek(checksumSeedOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("decoding superblock: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &sb.checksumSeed); err != nil {
		return nil, fmt.Errorf("decoding superblock: %w", err)
	}

	return sb, sb.validate()
}

func (sb *superblock) validate() error {
	if sb.magic != fsMagic {
		return fmt.Errorf("magic 0x%04x != 0x%04x: %w", sb.magic, fsMagic, ErrInvalidFilesystem)
	}
	if sb.inodesCount < 10 {
		return fmt.Errorf("implausible inode count %d: %w", sb.inodesCount, ErrInvalidFilesystem)
	}
	if sb.blocksPerGroup == 0 || sb.inodesPerGroup == 0 {
		return fmt.Errorf("blocks or inodes per group is 0: %w", ErrInvalidFilesystem)
	}
	if sb.logBlockSize != sb.logClusterSize {
		return fmt.Errorf("cluster size differs from block size: %w", ErrUnsupportedFeature)
	}
	bs := sb.blockSize()
	if bs == 0 || bs%512 != 0 {
		return fmt.Errorf("invalid block size %d: %w", bs, ErrInvalidFilesystem)
	}
	return nil
}

func (sb *superblock) blockSize() int64 {
	return minBlockSize << sb.logBlockSize
}

func (sb *superblock) blockCount() int64 {
	return (int64(sb.blocksCountHi) << 32) | int64(sb.blocksCountLo)
}

func (sb *superblock) fsType() FSType {
	if sb.featureIncompat&featureIncompatExtents != 0 {
		return EXT4
	}
	if sb.featureCompat&featureCompatHasJournal != 0 {
		return EXT3
	}
	return EXT2
}

func (sb *superblock) usesV2DirEntries() bool {
	return sb.featureIncompat&featureIncompatFiletype != 0
}

func (sb *superblock) uses64BitGroupDesc() bool {
	return sb.fsType() == EXT4 && sb.featureIncompat&featureIncompat64Bit != 0 && sb.descSize >= 64
}

func (sb *superblock) groupDescSize() int {
	if sb.uses64BitGroupDesc() {
		return groupDescV2Size
	}
	return groupDescV1Size
}

func (sb *superblock) effectiveDescSize() int64 {
	if sb.descSize != 0 {
		return int64(sb.descSize)
	}
	return int64(sb.groupDescSize())
}

func (sb *superblock) uuid() uuid.UUID {
	u, _ := uuid.FromBytes(sb.uuidBytes[:])
	return u
}

func (sb *superblock) lastMountedPath() string {
	n := bytes.IndexByte(sb.lastMounted[:], 0)
	if n < 0 {
		n = len(sb.lastMounted)
	}
	return string(sb.lastMounted[:n])
}

func (sb *superblock) hasJournal() bool {
	return sb.featureCompat&featureCompatHasJournal != 0
}
