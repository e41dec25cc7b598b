// Package testhelper provides a minimal in-memory backend.Storage stand-in
// for building synthetic filesystem images in tests.
package testhelper

import (
	"bytes"
	"io"
	"io/fs"
	"time"
)

// FileImpl is a backend.Storage backed by an in-memory byte slice.
type FileImpl struct {
	Data   []byte
	reader *bytes.Reader
}

// NewFileImpl wraps data as a read-only, seekable backend.Storage.
func NewFileImpl(data []byte) *FileImpl {
	return &FileImpl{Data: data, reader: bytes.NewReader(data)}
}

func (f *FileImpl) Stat() (fs.FileInfo, error) {
	return fileInfo{size: int64(len(f.Data))}, nil
}

func (f *FileImpl) Read(b []byte) (int, error) {
	return f.reader.Read(b)
}

func (f *FileImpl) ReadAt(b []byte, offset int64) (int, error) {
	return bytes.NewReader(f.Data).ReadAt(b, offset)
}

func (f *FileImpl) Seek(offset int64, whence int) (int64, error) {
	return f.reader.Seek(offset, whence)
}

func (f *FileImpl) Close() error {
	return nil
}

type fileInfo struct {
	size int64
}

func (fi fileInfo) Name() string       { return "testimage" }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return 0o644 }
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return false }
func (fi fileInfo) Sys() any           { return nil }

var _ io.ReadSeeker = (*FileImpl)(nil)
