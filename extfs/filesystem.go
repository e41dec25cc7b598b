// Package extfs decodes ext2/ext3/ext4 filesystem images and their JBD2
// journals for read-only, forensic inspection.
package extfs

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/forensicfs/extfs/backend"
)

// FileSystem is an opened ext2/ext3/ext4 image. It owns the backing storage
// and the bounded inode/group-descriptor caches; every Inode it hands out
// borrows from it.
type FileSystem struct {
	backend backend.Storage
	sb      *superblock

	fsType       FSType
	blockSize    int64
	blockCount   int64
	lastBlock    int64
	groupsOffset int64
	groupsCount  int64

	inodeCache *lru.Cache[uint32, *Inode]
	groupCache *lru.Cache[int64, *groupDescriptor]

	root *Inode
}

// Open validates and opens an ext2/ext3/ext4 image backed by storage.
//
// To open a filesystem that starts partway through a larger image (a single
// partition carved from a raw disk), wrap storage with backend.Sub first so
// the filesystem sees its own image starting at offset 0:
//
//	raw, err := file.OpenFromPath("/dev/sda1-image.bin")
//	if err != nil {
//		return err
//	}
//	partition := backend.Sub(raw, partitionOffset, partitionSize)
//	fs, err := extfs.Open(partition, extfs.Params{})
func Open(storage backend.Storage, params Params) (*FileSystem, error) {
	raw := make([]byte, superblockRawSize)
	if _, err := storage.ReadAt(raw, superblockOffset); err != nil {
		return nil, fmt.Errorf("reading superblock: %w", err)
	}

	sb, err := superblockFromBytes(raw)
	if err != nil {
		log.WithError(err).Warn("failed to open filesystem")
		return nil, err
	}

	inodeCache, err := lru.New[uint32, *Inode](params.inodeCacheSize())
	if err != nil {
		return nil, fmt.Errorf("allocating inode cache: %w", err)
	}
	groupCache, err := lru.New[int64, *groupDescriptor](params.groupDescCacheSize())
	if err != nil {
		return nil, fmt.Errorf("allocating group descriptor cache: %w", err)
	}

	fs := &FileSystem{
		backend:    storage,
		sb:         sb,
		fsType:     sb.fsType(),
		blockSize:  sb.blockSize(),
		blockCount: sb.blockCount(),
		lastBlock:  sb.blockCount() - 1,
		inodeCache: inodeCache,
		groupCache: groupCache,
	}

	descSize := sb.effectiveDescSize()
	goff := int64(superblockOffset) + descSize
	if rem := goff % fs.blockSize; rem != 0 {
		goff += fs.blockSize - rem
	}
	fs.groupsOffset = goff
	fs.groupsCount = ((fs.lastBlock - int64(sb.firstDataBlock)) / int64(sb.blocksPerGroup)) + 1

	root, err := fs.inode(rootInode)
	if err != nil {
		return nil, fmt.Errorf("loading root inode: %w", err)
	}
	root.filename = "/"
	fs.root = root

	return fs, nil
}

// Type reports whether the image was classified as ext2, ext3 or ext4.
func (fs *FileSystem) Type() FSType { return fs.fsType }

// UUID is the volume UUID recorded in the superblock.
func (fs *FileSystem) UUID() string { return fs.sb.uuid().String() }

// LastMounted is the last-mount path recorded in the superblock.
func (fs *FileSystem) LastMounted() string { return fs.sb.lastMountedPath() }

// BlockSize is the filesystem's block size in bytes.
func (fs *FileSystem) BlockSize() int64 { return fs.blockSize }

// BlockCount is the total number of blocks in the image.
func (fs *FileSystem) BlockCount() int64 { return fs.blockCount }

// GroupsCount is the number of block groups.
func (fs *FileSystem) GroupsCount() int64 { return fs.groupsCount }

// GroupsOffset is the byte offset of the group-descriptor table.
func (fs *FileSystem) GroupsOffset() int64 { return fs.groupsOffset }

// Root returns the root directory inode ("/" ).
func (fs *FileSystem) Root() *Inode { return fs.root }

// Inode loads (or returns the cached copy of) the inode identified by inum.
func (fs *FileSystem) Inode(inum uint32) (*Inode, error) {
	return fs.inode(inum)
}

func (fs *FileSystem) inode(inum uint32) (*Inode, error) {
	return fs.inodeNamed(inum, "", 0, nil)
}

func (fs *FileSystem) inodeNamed(inum uint32, filename string, filetypeHint uint16, parent *Inode) (*Inode, error) {
	if inum < badInode || uint64(inum) > uint64(fs.sb.inodesCount) {
		return nil, fmt.Errorf("inum %d out of range [%d, %d]: %w", inum, badInode, fs.sb.inodesCount, ErrOutOfRange)
	}

	if cached, ok := fs.inodeCache.Get(inum); ok {
		return cached, nil
	}

	in := &Inode{
		fs:           fs,
		inum:         inum,
		filename:     filename,
		filetypeHint: filetypeHint,
		parent:       parent,
	}
	fs.inodeCache.Add(inum, in)
	return in, nil
}

// GroupDesc loads (or returns the cached copy of) group descriptor n.
func (fs *FileSystem) GroupDesc(n int64) (*groupDescriptor, error) {
	if n >= fs.groupsCount {
		return nil, fmt.Errorf("group %d >= groups count %d: %w", n, fs.groupsCount, ErrOutOfRange)
	}
	if cached, ok := fs.groupCache.Get(n); ok {
		return cached, nil
	}

	size := fs.sb.effectiveDescSize()
	raw := make([]byte, size)
	offset := fs.groupsOffset + n*size
	if _, err := fs.backend.ReadAt(raw, offset); err != nil {
		return nil, fmt.Errorf("reading group descriptor %d: %w", n, err)
	}

	gd, err := groupDescriptorFromBytes(raw, fs.sb.uses64BitGroupDesc())
	if err != nil {
		return nil, err
	}
	if gd.blockBitmap() > fs.lastBlock || gd.inodeBitmap() > fs.lastBlock || gd.inodeTable() > fs.lastBlock {
		return nil, fmt.Errorf("group %d descriptor block pointers exceed last block %d: %w", n, fs.lastBlock, ErrOutOfRange)
	}

	fs.groupCache.Add(n, gd)
	return gd, nil
}

// Get resolves a '/'-separated path (accepting '\\' as an alias for '/')
// starting from from, or from the root if from is nil.
func (fs *FileSystem) Get(path string, from *Inode) (*Inode, error) {
	path = strings.ReplaceAll(path, "\\", "/")
	node := from
	if node == nil {
		node = fs.root
	}

	parts := strings.Split(path, "/")
	for partNum, part := range parts {
		if part == "" {
			continue
		}

		for partNum < len(parts) {
			ft, err := node.Filetype()
			if err != nil {
				return nil, err
			}
			if ft != FileTypeSymlink {
				break
			}
			next, err := node.LinkInode()
			if err != nil {
				return nil, err
			}
			node = next
		}

		children, err := node.ListDir()
		if err != nil {
			return nil, err
		}
		child, ok := children[part]
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, ErrFileNotFound)
		}
		node = child
	}

	return node, nil
}

// Journal opens the filesystem's JBD2 journal, if one is configured.
func (fs *FileSystem) Journal() (*Journal, error) {
	if !fs.sb.hasJournal() {
		return nil, fmt.Errorf("filesystem has no HAS_JOURNAL feature: %w", ErrJournalUnavailable)
	}
	if fs.sb.journalInum == 0 {
		return nil, fmt.Errorf("journal inum is 0 (external journal device?): %w", ErrJournalUnavailable)
	}

	in, err := fs.inode(fs.sb.journalInum)
	if err != nil {
		return nil, fmt.Errorf("loading journal inode: %w", err)
	}
	stream, err := in.Open()
	if err != nil {
		return nil, fmt.Errorf("opening journal stream: %w", err)
	}
	return openJournal(stream)
}
