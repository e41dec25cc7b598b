package extfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"
)

// POSIX file-type bits, as packed into the high nibble of i_mode.
const (
	FileTypeFIFO        uint16 = 0x1000
	FileTypeCharDevice  uint16 = 0x2000
	FileTypeDirectory   uint16 = 0x4000
	FileTypeBlockDevice uint16 = 0x6000
	FileTypeRegular     uint16 = 0x8000
	FileTypeSymlink     uint16 = 0xA000
	FileTypeSocket      uint16 = 0xC000
	fileTypeFormatMask  uint16 = 0xF000
)

// dirEntryFileType maps a v2 directory entry's 3-bit file_type code to the
// corresponding POSIX format bits.
var dirEntryFileType = map[uint8]uint16{
	1: FileTypeRegular,
	2: FileTypeDirectory,
	3: FileTypeCharDevice,
	4: FileTypeBlockDevice,
	5: FileTypeFIFO,
	6: FileTypeSocket,
	7: FileTypeSymlink,
}

const fastSymlinkMaxSize = 60

// rawInode mirrors ext4_inode's fixed-layout prefix. raw holds the full
// on-disk record (length s_inode_size) so xattr decoding can slice the
// in-inode region that follows the extended timestamp fields.
type rawInode struct {
	mode       uint16
	uid        uint16
	sizeLo     uint32
	atime      uint32
	ctime      uint32
	mtime      uint32
	dtime      uint32
	gid        uint16
	linksCount uint16
	blocksLo   uint32
	flags      uint32
	reserved1  uint32
	block      [60]byte
	generation uint32
	fileACLLo  uint32
	sizeHigh   uint32
	obsoFaddr  uint32
	blocksHigh uint16
	fileACLHigh uint16
	uidHigh     uint16
	gidHigh     uint16
	checksumLo  uint16
	reserved    uint16
	extraIsize  uint16
	checksumHi  uint16
	ctimeExtra  uint32
	mtimeExtra  uint32
	atimeExtra  uint32
	crtime      uint32
	crtimeExtra uint32
	versionHi   uint32
	projid      uint32

	raw []byte
}

func rawInodeFromBytes(b []byte) (*rawInode, error) {
	if len(b) < 128 {
		return nil, fmt.Errorf("short inode read (%d bytes): %w", len(b), ErrInvalidFilesystem)
	}
	r := bytes.NewReader(b)
	ri := &rawInode{raw: b}

	fields := []any{
		&ri.mode, &ri.uid, &ri.sizeLo, &ri.atime, &ri.ctime, &ri.mtime, &ri.dtime,
		&ri.gid, &ri.linksCount, &ri.blocksLo, &ri.flags, &ri.reserved1, &ri.block,
		&ri.generation, &ri.fileACLLo, &ri.sizeHigh, &ri.obsoFaddr,
		&ri.blocksHigh, &ri.fileACLHigh, &ri.uidHigh, &ri.gidHigh,
		&ri.checksumLo, &ri.reserved,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("decoding inode: %w", err)
		}
	}

	if len(b) < 160 {
		// Old 128-byte inode: no extended timestamp fields.
		return ri, nil
	}

	extra := []any{
		&ri.extraIsize, &ri.checksumHi, &ri.ctimeExtra, &ri.mtimeExtra,
		&ri.atimeExtra, &ri.crtime, &ri.crtimeExtra, &ri.versionHi, &ri.projid,
	}
	for _, f := range extra {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("decoding inode extra fields: %w", err)
		}
	}

	return ri, nil
}

func (ri *rawInode) fileACL() int64 {
	return (int64(ri.fileACLHigh) << 32) | int64(ri.fileACLLo)
}

// xattrRegion returns the in-inode xattr bytes following the extended
// timestamp fields, or nil if the inode record is too short to carry one.
func (ri *rawInode) xattrRegion() []byte {
	const baseSize = 128
	start := baseSize + int(ri.extraIsize)
	if start >= len(ri.raw) {
		return nil
	}
	return ri.raw[start:]
}

// Inode is a lazily-decoded ext2/ext3/ext4 inode. The raw on-disk record is
// read on first field access; directory listings hand out Inodes with
// nothing loaded yet.
type Inode struct {
	fs           *FileSystem
	inum         uint32
	filename     string
	filetypeHint uint16
	parent       *Inode

	raw *rawInode

	link      string
	linkErr   error
	linkInode *Inode

	xattrs    []XAttr
	xattrsErr error

	dirlist map[string]*Inode

	dataruns    []datarun
	datarunsErr error
}

// Inum is the inode number.
func (in *Inode) Inum() uint32 { return in.inum }

// Filename is the name this inode was reached by, if it was obtained via
// directory iteration ("" for a freestanding lookup).
func (in *Inode) Filename() string { return in.filename }

// Parent is the directory inode this one was listed under, if any.
func (in *Inode) Parent() *Inode { return in.parent }

func (in *Inode) load() error {
	if in.raw != nil {
		return nil
	}

	sb := in.fs.sb
	blockGroup := int64(in.inum-1) / int64(sb.inodesPerGroup)
	index := int64(in.inum-1) % int64(sb.inodesPerGroup)

	gd, err := in.fs.GroupDesc(blockGroup)
	if err != nil {
		return fmt.Errorf("inode %d: %w", in.inum, err)
	}

	offset := gd.inodeTable()*in.fs.blockSize + index*int64(sb.inodeSize)
	buf := make([]byte, sb.inodeSize)
	if _, err := in.fs.backend.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("reading inode %d: %w", in.inum, err)
	}

	ri, err := rawInodeFromBytes(buf)
	if err != nil {
		return fmt.Errorf("inode %d: %w", in.inum, err)
	}
	in.raw = ri
	return nil
}

// Size is the inode's content length in bytes.
func (in *Inode) Size() (int64, error) {
	if err := in.load(); err != nil {
		return 0, err
	}
	return (int64(in.raw.sizeHigh) << 32) | int64(in.raw.sizeLo), nil
}

// Filetype is the POSIX format bits of the inode's mode, preferring the
// directory-entry-provided hint (if any) so listing a directory does not
// require decoding every child inode just to classify it.
func (in *Inode) Filetype() (uint16, error) {
	if in.filetypeHint != 0 {
		return in.filetypeHint, nil
	}
	if err := in.load(); err != nil {
		return 0, err
	}
	in.filetypeHint = in.raw.mode & fileTypeFormatMask
	return in.filetypeHint, nil
}

// Mode is the full 16-bit i_mode field (format bits + permission bits).
func (in *Inode) Mode() (uint16, error) {
	if err := in.load(); err != nil {
		return 0, err
	}
	return in.raw.mode, nil
}

// LinksCount is the hard-link count.
func (in *Inode) LinksCount() (uint16, error) {
	if err := in.load(); err != nil {
		return 0, err
	}
	return in.raw.linksCount, nil
}

func parseNsTimestamp(raw, extra uint32) int64 {
	seconds := int64(raw) | (int64(extra&0b11) << 32)
	nanos := int64(extra >> 2)
	return seconds*1_000_000_000 + nanos
}

func nsToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func (in *Inode) extraOrZero(extra uint32) uint32 {
	if in.fs.sb.inodeSize > 128 {
		return extra
	}
	return 0
}

// AtimeNs, MtimeNs, CtimeNs are the access/modify/change times in
// nanoseconds since the Unix epoch, honouring the 2-bit epoch extension.
func (in *Inode) AtimeNs() (int64, error) {
	if err := in.load(); err != nil {
		return 0, err
	}
	return parseNsTimestamp(in.raw.atime, in.extraOrZero(in.raw.atimeExtra)), nil
}

func (in *Inode) MtimeNs() (int64, error) {
	if err := in.load(); err != nil {
		return 0, err
	}
	return parseNsTimestamp(in.raw.mtime, in.extraOrZero(in.raw.mtimeExtra)), nil
}

func (in *Inode) CtimeNs() (int64, error) {
	if err := in.load(); err != nil {
		return 0, err
	}
	return parseNsTimestamp(in.raw.ctime, in.extraOrZero(in.raw.ctimeExtra)), nil
}

func (in *Inode) Atime() (time.Time, error) {
	ns, err := in.AtimeNs()
	if err != nil {
		return time.Time{}, err
	}
	return nsToTime(ns), nil
}

func (in *Inode) Mtime() (time.Time, error) {
	ns, err := in.MtimeNs()
	if err != nil {
		return time.Time{}, err
	}
	return nsToTime(ns), nil
}

func (in *Inode) Ctime() (time.Time, error) {
	ns, err := in.CtimeNs()
	if err != nil {
		return time.Time{}, err
	}
	return nsToTime(ns), nil
}

// Dtime is the deletion time (seconds since epoch, no extension).
func (in *Inode) Dtime() (time.Time, error) {
	if err := in.load(); err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(in.raw.dtime), 0).UTC(), nil
}

// CrtimeNs is the creation time in nanoseconds, or (0, false) when the
// inode record is too small to carry one (s_inode_size <= 128).
func (in *Inode) CrtimeNs() (int64, bool, error) {
	if err := in.load(); err != nil {
		return 0, false, err
	}
	if in.fs.sb.inodeSize <= 128 {
		return 0, false, nil
	}
	return parseNsTimestamp(in.raw.crtime, in.raw.crtimeExtra), true, nil
}

func (in *Inode) Crtime() (time.Time, bool, error) {
	ns, ok, err := in.CrtimeNs()
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return nsToTime(ns), true, nil
}

func (in *Inode) usesExtents() (bool, error) {
	if err := in.load(); err != nil {
		return false, err
	}
	return in.raw.flags&inodeFlagUsesExtents != 0, nil
}

func (in *Inode) hasInlineData() (bool, error) {
	if err := in.load(); err != nil {
		return false, err
	}
	return in.raw.flags&inodeFlagInlineData != 0, nil
}

// Link is the symlink target. Valid only for FileTypeSymlink.
func (in *Inode) Link() (string, error) {
	ft, err := in.Filetype()
	if err != nil {
		return "", err
	}
	if ft != FileTypeSymlink {
		return "", fmt.Errorf("inode %d: %w", in.inum, ErrNotASymlink)
	}
	if in.link != "" || in.linkErr != nil {
		return in.link, in.linkErr
	}

	size, err := in.Size()
	if err != nil {
		in.linkErr = err
		return "", err
	}
	stream, err := in.Open()
	if err != nil {
		in.linkErr = err
		return "", err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(stream, buf); err != nil {
		in.linkErr = fmt.Errorf("reading symlink target of inode %d: %w", in.inum, err)
		return "", in.linkErr
	}
	in.link = string(buf)
	return in.link, nil
}

// LinkInode resolves Link relative to: nothing if it starts with '/', self
// if it starts with "./" or "../", otherwise the parent directory.
func (in *Inode) LinkInode() (*Inode, error) {
	if in.linkInode != nil {
		return in.linkInode, nil
	}

	link, err := in.Link()
	if err != nil {
		return nil, err
	}

	var relNode *Inode
	switch {
	case strings.HasPrefix(link, "/"):
		relNode = nil
	case strings.HasPrefix(link, "./") || strings.HasPrefix(link, "../"):
		relNode = in
	default:
		relNode = in.parent
	}

	target, err := in.fs.Get(link, relNode)
	if err != nil {
		return nil, err
	}
	in.linkInode = target
	return target, nil
}

// Open returns a seekable, read-only view of the inode's content. Inline
// data and fast symlinks are served directly from i_block; everything else
// is streamed through the inode's datarun list.
func (in *Inode) Open() (*RunlistStream, error) {
	if err := in.load(); err != nil {
		return nil, err
	}

	size, err := in.Size()
	if err != nil {
		return nil, err
	}

	ft, err := in.Filetype()
	if err != nil {
		return nil, err
	}
	inline, err := in.hasInlineData()
	if err != nil {
		return nil, err
	}

	if inline || (ft == FileTypeSymlink && size < fastSymlinkMaxSize) {
		data := make([]byte, size)
		copy(data, in.raw.block[:size])
		return newInMemoryRunlistStream(data), nil
	}

	runs, err := in.Dataruns()
	if err != nil {
		return nil, err
	}
	return newRunlistStream(in.fs.backend, runs, size, in.fs.blockSize), nil
}

// ListDir returns this directory's entries. Valid only for FileTypeDirectory.
func (in *Inode) ListDir() (map[string]*Inode, error) {
	ft, err := in.Filetype()
	if err != nil {
		return nil, err
	}
	if ft != FileTypeDirectory {
		return nil, fmt.Errorf("inode %d: %w", in.inum, ErrNotADirectory)
	}
	if in.dirlist != nil {
		return in.dirlist, nil
	}

	entries, err := iterateDirectory(in)
	if err != nil {
		return nil, err
	}

	dirs := make(map[string]*Inode, len(entries))
	for _, e := range entries {
		child, err := in.fs.inodeNamed(e.inum, e.name, e.filetypeHint, in)
		if err != nil {
			return nil, err
		}
		dirs[e.name] = child
	}
	in.dirlist = dirs
	return dirs, nil
}

// Xattr returns the inode's extended attributes, in-inode entries first
// followed by the out-of-line block's entries, in on-disk order.
func (in *Inode) Xattr() ([]XAttr, error) {
	if in.xattrs != nil || in.xattrsErr != nil {
		return in.xattrs, in.xattrsErr
	}
	if err := in.load(); err != nil {
		return nil, err
	}

	xattrs, err := decodeXattrs(in)
	if err != nil {
		in.xattrsErr = err
		return nil, err
	}
	in.xattrs = xattrs
	return xattrs, nil
}

// Dataruns returns the inode's (physical-block-or-hole, length) run list,
// computed via the extent-tree or indirect-pointer-tree backend depending
// on the EXTENTS flag.
func (in *Inode) Dataruns() ([]datarun, error) {
	if in.dataruns != nil || in.datarunsErr != nil {
		return in.dataruns, in.datarunsErr
	}

	size, err := in.Size()
	if err != nil {
		return nil, err
	}
	usesExtents, err := in.usesExtents()
	if err != nil {
		return nil, err
	}

	var runs []datarun
	if usesExtents {
		runs, err = extentDataruns(in.fs, in.raw.block[:], size)
	} else {
		runs, err = indirectDataruns(in.fs, in.raw.block[:], size)
	}
	if err != nil {
		in.datarunsErr = err
		return nil, err
	}
	in.dataruns = runs
	return runs, nil
}
