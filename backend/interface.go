package backend

import (
	"errors"
	"io"
	"io/fs"
)

var ErrNotSuitable = errors.New("backing file is not suitable")

// File is the minimal read surface a source image must provide.
type File interface {
	fs.File
	io.ReaderAt
	io.Seeker
	io.Closer
}

// Storage is the backing store a filesystem is opened against. It is always
// treated as read-only: this package never writes to it.
type Storage interface {
	File
}
