package extfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	jbd2Magic uint32 = 0xC03B3998

	jbd2BlockDescriptor   uint32 = 1
	jbd2BlockCommit       uint32 = 2
	jbd2BlockSuperblockV1 uint32 = 3
	jbd2BlockSuperblockV2 uint32 = 4
	jbd2BlockRevoke       uint32 = 5

	jbd2FeatureIncompat64Bit  uint32 = 0x00000002
	jbd2FeatureIncompatCsumV3 uint32 = 0x00000010

	jbd2FlagEscape   uint16 = 1
	jbd2FlagSameUUID uint16 = 2
	jbd2FlagDeleted  uint16 = 4
	jbd2FlagLastTag  uint16 = 8

	journalHeaderSize     = 12
	journalSuperblockSize = 1024
	blockTagV2Size        = 12
	blockTagV3Size        = 16
)

// journalHeader is the common 12-byte header present at the start of every
// JBD2 block.
type journalHeader struct {
	magic     uint32
	blockType uint32
	sequence  uint32
}

func journalHeaderFromBytes(b []byte) (journalHeader, error) {
	if len(b) < journalHeaderSize {
		return journalHeader{}, fmt.Errorf("journal header needs %d bytes, got %d: %w", journalHeaderSize, len(b), ErrInvalidFilesystem)
	}
	return journalHeader{
		magic:     binary.BigEndian.Uint32(b[0:4]),
		blockType: binary.BigEndian.Uint32(b[4:8]),
		sequence:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// Journal decodes a JBD2 transaction log. All JBD2 on-disk structures are
// big-endian, unlike the little-endian ext* structures decoded elsewhere in
// this package.
type Journal struct {
	src             io.ReadSeeker
	blockSize       int64
	first           int64
	maxLen          int64
	sequence        uint32
	featureIncompat uint32
	uuidBytes       [16]byte
	v3Tags          bool
	uses64BitBlocks bool
}

// openJournal decodes the 1024-byte journal superblock at the start of src
// and returns a Journal ready to walk it.
func openJournal(src io.ReadSeeker) (*Journal, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to journal superblock: %w", err)
	}
	buf := make([]byte, journalSuperblockSize)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, fmt.Errorf("reading journal superblock: %w", err)
	}

	hdr, err := journalHeaderFromBytes(buf[0:12])
	if err != nil {
		return nil, err
	}
	if hdr.magic != jbd2Magic {
		return nil, fmt.Errorf("journal superblock magic 0x%08x != 0x%08x: %w", hdr.magic, jbd2Magic, ErrInvalidFilesystem)
	}

	j := &Journal{src: src}
	j.blockSize = int64(binary.BigEndian.Uint32(buf[12:16]))
	j.maxLen = int64(binary.BigEndian.Uint32(buf[16:20]))
	j.first = int64(binary.BigEndian.Uint32(buf[20:24]))
	j.sequence = binary.BigEndian.Uint32(buf[24:28])
	j.featureIncompat = binary.BigEndian.Uint32(buf[40:44])
	copy(j.uuidBytes[:], buf[48:64])

	j.v3Tags = j.featureIncompat&jbd2FeatureIncompatCsumV3 != 0
	j.uses64BitBlocks = j.featureIncompat&jbd2FeatureIncompat64Bit != 0

	return j, nil
}

// BlockSize is the journal device's block size, in bytes.
func (j *Journal) BlockSize() int64 { return j.blockSize }

// Sequence is the first commit ID expected in the log.
func (j *Journal) Sequence() uint32 { return j.sequence }

// UUID is the journal's own 128-bit identifier.
func (j *Journal) UUID() uuid.UUID {
	u, _ := uuid.FromBytes(j.uuidBytes[:])
	return u
}

func (j *Journal) blockTagSize() int64 {
	if j.v3Tags {
		return blockTagV3Size
	}
	return blockTagV2Size
}

// JournalBlock is the common type of every record walk() yields.
type JournalBlock interface {
	isJournalBlock()
}

// DescriptorBlock announces a set of data blocks that follow it in the log,
// one data block per tag returned by Tags().
type DescriptorBlock struct {
	j        *Journal
	Sequence uint32
	Block    int64
}

func (*DescriptorBlock) isJournalBlock() {}

// DescriptorBlockTag is a single tag within a DescriptorBlock: it names the
// on-disk block number the following journal block should be replayed to.
type DescriptorBlockTag struct {
	Block        int64
	JournalBlock int64
	Flags        uint16
}

func (t DescriptorBlockTag) Escaped() bool  { return t.Flags&jbd2FlagEscape != 0 }
func (t DescriptorBlockTag) SameUUID() bool { return t.Flags&jbd2FlagSameUUID != 0 }
func (t DescriptorBlockTag) Deleted() bool  { return t.Flags&jbd2FlagDeleted != 0 }
func (t DescriptorBlockTag) Last() bool     { return t.Flags&jbd2FlagLastTag != 0 }

// Tags decodes the tag list immediately following d's header, one tag per
// journal block that follows d in log order. A tag's target on-disk block
// is (t_blocknr_high << 32) | t_blocknr. Unless SAME_UUID is set, each tag
// is followed by a 16-byte journal UUID which is skipped, not decoded (it
// is only ever informative when a single journal serves multiple
// filesystems, which this module has no need to distinguish).
func (d *DescriptorBlock) Tags() ([]DescriptorBlockTag, error) {
	if _, err := d.j.src.Seek(d.Block*d.j.blockSize+journalHeaderSize, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to descriptor block %d tags: %w", d.Block, err)
	}

	var tags []DescriptorBlockTag
	dataBlock := d.Block + 1
	tagSize := d.j.blockTagSize()

	for {
		buf := make([]byte, tagSize)
		if _, err := io.ReadFull(d.j.src, buf); err != nil {
			return nil, fmt.Errorf("reading tag in descriptor block %d: %w", d.Block, err)
		}

		var tag DescriptorBlockTag
		if d.j.v3Tags {
			tag = DescriptorBlockTag{
				Block:        (int64(binary.BigEndian.Uint32(buf[8:12])) << 32) | int64(binary.BigEndian.Uint32(buf[0:4])),
				Flags:        uint16(binary.BigEndian.Uint32(buf[4:8])),
				JournalBlock: dataBlock,
			}
		} else {
			tag = DescriptorBlockTag{
				Block:        (int64(binary.BigEndian.Uint32(buf[8:12])) << 32) | int64(binary.BigEndian.Uint32(buf[0:4])),
				Flags:        binary.BigEndian.Uint16(buf[6:8]),
				JournalBlock: dataBlock,
			}
		}
		tags = append(tags, tag)

		if tag.Last() {
			break
		}
		if !tag.SameUUID() {
			if _, err := d.j.src.Seek(16, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skipping tag UUID in descriptor block %d: %w", d.Block, err)
			}
		}
		dataBlock++
	}

	return tags, nil
}

// CommitBlock marks the end of a transaction's log records.
type CommitBlock struct {
	Sequence    uint32
	Block       int64
	Timestamp   time.Time
	Descriptors []*DescriptorBlock
}

func (*CommitBlock) isJournalBlock() {}

// RevokeBlock lists block numbers that must not be replayed from earlier,
// now-superseded transactions. Decoding it is a read of what the block
// contains, not a reinstatement of revocation semantics: no block is ever
// excluded from anything this module returns as a result of seeing one.
type RevokeBlock struct {
	Sequence      uint32
	Block         int64
	RevokedBlocks []int64
}

func (*RevokeBlock) isJournalBlock() {}

func (j *Journal) readCommitBlock(hdr journalHeader, blockNum int64) (*CommitBlock, error) {
	rest := make([]byte, 48)
	if _, err := io.ReadFull(j.src, rest); err != nil {
		return nil, fmt.Errorf("reading commit block %d: %w", blockNum, err)
	}
	commitSec := binary.BigEndian.Uint64(rest[36:44])
	commitNsec := binary.BigEndian.Uint32(rest[44:48])

	ts := time.Unix(int64(commitSec), 0).UTC().Add(time.Duration(commitNsec/1000) * time.Microsecond)

	return &CommitBlock{Sequence: hdr.sequence, Block: blockNum, Timestamp: ts}, nil
}

func (j *Journal) readRevokeBlock(hdr journalHeader, blockNum int64) (*RevokeBlock, error) {
	countBuf := make([]byte, 4)
	if _, err := io.ReadFull(j.src, countBuf); err != nil {
		return nil, fmt.Errorf("reading revoke block %d count: %w", blockNum, err)
	}
	count := binary.BigEndian.Uint32(countBuf)

	entrySize := uint32(4)
	if j.uses64BitBlocks {
		entrySize = 8
	}
	if count < 16 {
		return &RevokeBlock{Sequence: hdr.sequence, Block: blockNum}, nil
	}
	numEntries := (count - 16) / entrySize

	rb := &RevokeBlock{Sequence: hdr.sequence, Block: blockNum, RevokedBlocks: make([]int64, 0, numEntries)}
	for i := uint32(0); i < numEntries; i++ {
		entry := make([]byte, entrySize)
		if _, err := io.ReadFull(j.src, entry); err != nil {
			return nil, fmt.Errorf("reading revoke block %d entry %d: %w", blockNum, i, err)
		}
		if entrySize == 8 {
			rb.RevokedBlocks = append(rb.RevokedBlocks, int64(binary.BigEndian.Uint64(entry)))
		} else {
			rb.RevokedBlocks = append(rb.RevokedBlocks, int64(binary.BigEndian.Uint32(entry)))
		}
	}
	return rb, nil
}

// walk decodes every metadata block in the log starting at s_first, up to
// (but excluding) s_maxlen-1. A block whose header magic does not match is
// assumed to be a data payload or stale garbage from a previous rotation of
// the circular log; it is skipped one block at a time, which is the common
// case, not an error.
func (j *Journal) walk() ([]JournalBlock, error) {
	var blocks []JournalBlock
	blockNum := j.first

	for blockNum < j.maxLen-1 {
		offset := blockNum * j.blockSize
		if _, err := j.src.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking to journal block %d: %w", blockNum, err)
		}

		hdrBuf := make([]byte, journalHeaderSize)
		if _, err := io.ReadFull(j.src, hdrBuf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("reading journal block %d header: %w", blockNum, err)
		}
		hdr, err := journalHeaderFromBytes(hdrBuf)
		if err != nil {
			return nil, err
		}
		if hdr.magic != jbd2Magic {
			log.Debugf("journal block %d does not carry a JBD2 header, treating as payload", blockNum)
			blockNum++
			continue
		}

		switch hdr.blockType {
		case jbd2BlockDescriptor:
			blocks = append(blocks, &DescriptorBlock{j: j, Sequence: hdr.sequence, Block: blockNum})
		case jbd2BlockCommit:
			cb, err := j.readCommitBlock(hdr, blockNum)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, cb)
		case jbd2BlockRevoke:
			rb, err := j.readRevokeBlock(hdr, blockNum)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, rb)
		default:
			log.Debugf("journal block %d has unrecognized block type %d", blockNum, hdr.blockType)
		}

		blockNum++
	}

	return blocks, nil
}

// Walk returns every metadata block in the log in on-disk order.
func (j *Journal) Walk() ([]JournalBlock, error) {
	return j.walk()
}

// CommitsAll pairs every commit block with the descriptor blocks that
// preceded it under the same transaction sequence, in log order.
func (j *Journal) CommitsAll() ([]*CommitBlock, error) {
	blocks, err := j.walk()
	if err != nil {
		return nil, err
	}

	descBuf := map[uint32][]*DescriptorBlock{}
	var commits []*CommitBlock

	for _, b := range blocks {
		switch v := b.(type) {
		case *DescriptorBlock:
			descBuf[v.Sequence] = append(descBuf[v.Sequence], v)
		case *CommitBlock:
			v.Descriptors = descBuf[v.Sequence]
			delete(descBuf, v.Sequence)
			commits = append(commits, v)
		}
	}

	return commits, nil
}

// Commits filters CommitsAll to the strictly monotonic increasing run of
// sequence numbers starting at the first observed commit's sequence; once a
// gap appears the remainder of the log (stale tail from a previous log
// rotation) is no longer returned.
func (j *Journal) Commits() ([]*CommitBlock, error) {
	all, err := j.CommitsAll()
	if err != nil {
		return nil, err
	}

	var commits []*CommitBlock
	var curSeq uint32
	haveSeq := false

	for _, c := range all {
		if !haveSeq {
			curSeq = c.Sequence
			haveSeq = true
		}
		if c.Sequence != curSeq {
			break
		}
		commits = append(commits, c)
		curSeq++
	}

	return commits, nil
}
