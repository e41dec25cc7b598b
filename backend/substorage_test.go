package backend_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensicfs/extfs/backend"
	"github.com/forensicfs/extfs/testhelper"
)

// buildUnderlying lays out a byte sequence whose value at every offset is
// that offset mod 256, so ReadAt/Seek results can be checked by arithmetic
// alone instead of a second copy of the data.
func buildUnderlying(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 256)
	}
	return b
}

func TestSubStorageReadAtTranslatesOffset(t *testing.T) {
	underlying := testhelper.NewFileImpl(buildUnderlying(4096))
	sub := backend.Sub(underlying, 1024, 2048)

	buf := make([]byte, 16)
	n, err := sub.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, buildUnderlying(4096)[1024:1024+16], buf)

	n, err = sub.ReadAt(buf, 100)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, buildUnderlying(4096)[1124:1124+16], buf)
}

func TestSubStorageSeekStartIsRelativeToOffset(t *testing.T) {
	underlying := testhelper.NewFileImpl(buildUnderlying(4096))
	sub := backend.Sub(underlying, 1024, 2048)

	pos, err := sub.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos)

	pos, err = sub.Seek(50, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 50, pos)

	buf := make([]byte, 8)
	n, err := sub.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, buildUnderlying(4096)[1024+50:1024+50+8], buf)
}

func TestSubStorageSeekCurrentAdvancesRelativeToLastPosition(t *testing.T) {
	underlying := testhelper.NewFileImpl(buildUnderlying(4096))
	sub := backend.Sub(underlying, 1024, 2048)

	_, err := sub.Seek(10, io.SeekStart)
	require.NoError(t, err)

	pos, err := sub.Seek(5, io.SeekCurrent)
	require.NoError(t, err)
	assert.EqualValues(t, 15, pos)

	buf := make([]byte, 4)
	n, err := sub.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, buildUnderlying(4096)[1024+15:1024+15+4], buf)
}

func TestSubStorageSeekEndIsRelativeToSubSize(t *testing.T) {
	underlying := testhelper.NewFileImpl(buildUnderlying(4096))
	sub := backend.Sub(underlying, 1024, 2048)

	pos, err := sub.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 2038, pos)
}

func TestSubStorageMidImageView(t *testing.T) {
	// A sub-view starting well past the beginning of a larger image, as if
	// carved from a partition table: reads at the first and last 32 bytes of
	// the view return the underlying bytes at offset and offset+size-32.
	const offset = 65536
	const size = 4096
	underlying := testhelper.NewFileImpl(buildUnderlying(offset + size + 4096))
	sub := backend.Sub(underlying, offset, size)

	buf := make([]byte, 32)
	n, err := sub.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.Equal(t, byte(offset%256), buf[0])

	n, err = sub.ReadAt(buf, size-32)
	require.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.Equal(t, byte((offset+size-32)%256), buf[0])
}
