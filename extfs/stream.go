package extfs

import (
	"fmt"
	"io"

	"github.com/forensicfs/extfs/backend"
)

// RunlistStream is a read-only, sparse-aware io.ReadSeeker over an inode's
// content, translating logical file offsets to physical block reads (or
// zero-fill, within a hole) via its datarun list.
type RunlistStream struct {
	backend   backend.Storage
	runs      []datarun
	size      int64
	blockSize int64
	pos       int64

	// inline holds inode-resident bytes (inline data / fast symlinks) in
	// lieu of a datarun list; backend is unused when set.
	inline []byte
}

func newRunlistStream(b backend.Storage, runs []datarun, size, blockSize int64) *RunlistStream {
	return &RunlistStream{backend: b, runs: runs, size: size, blockSize: blockSize}
}

func newInMemoryRunlistStream(data []byte) *RunlistStream {
	return &RunlistStream{inline: data, size: int64(len(data))}
}

// Seek implements io.Seeker with absolute, relative, and from-end origins.
func (s *RunlistStream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = s.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative seek position %d", newPos)
	}
	s.pos = newPos
	return s.pos, nil
}

// Read implements io.Reader. A read that starts at or past size returns
// (0, io.EOF); a read that would cross size is truncated to a short count.
func (s *RunlistStream) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}

	if s.inline != nil {
		n := copy(p, s.inline[s.pos:])
		s.pos += int64(n)
		return n, nil
	}

	want := int64(len(p))
	if s.pos+want > s.size {
		want = s.size - s.pos
	}

	n, err := s.readAt(p[:want], s.pos)
	s.pos += int64(n)
	return n, err
}

// readAt reads len(p) bytes starting at the given logical file offset by
// walking the datarun list one run-chunk at a time (each run is physically
// contiguous, so it can always be served in a single ReadAt/zero-fill).
func (s *RunlistStream) readAt(p []byte, offset int64) (int, error) {
	var total int
	for len(p) > 0 {
		run, runStartByte, ok := s.locate(offset)
		if !ok {
			// Past the last run but still within size: tail padding.
			for i := range p {
				p[i] = 0
			}
			return total + len(p), nil
		}

		withinRun := offset - runStartByte
		runBytes := run.length * s.blockSize
		chunk := runBytes - withinRun
		if chunk > int64(len(p)) {
			chunk = int64(len(p))
		}

		if run.isHole() {
			for i := int64(0); i < chunk; i++ {
				p[i] = 0
			}
		} else {
			physOffset := run.physical*s.blockSize + withinRun
			if _, err := s.backend.ReadAt(p[:chunk], physOffset); err != nil {
				return total, fmt.Errorf("reading physical block at offset %d: %w", physOffset, err)
			}
		}

		total += int(chunk)
		offset += chunk
		p = p[chunk:]
	}
	return total, nil
}

// locate finds the run covering byte offset and the byte offset at which
// that run begins, or ok=false if offset falls past the last run.
func (s *RunlistStream) locate(offset int64) (run datarun, runStartByte int64, ok bool) {
	var cursor int64
	for _, r := range s.runs {
		runBytes := r.length * s.blockSize
		if offset >= cursor && offset < cursor+runBytes {
			return r, cursor, true
		}
		cursor += runBytes
	}
	return datarun{}, 0, false
}

// Close is a no-op; the stream does not own the backing storage.
func (s *RunlistStream) Close() error { return nil }
