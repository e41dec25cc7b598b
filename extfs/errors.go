package extfs

import "errors"

// Sentinel error kinds. Call sites wrap these with fmt.Errorf("...: %w", ErrX)
// so errors.Is keeps working through the wrap chain.
var (
	ErrInvalidFilesystem  = errors.New("invalid filesystem")
	ErrUnsupportedFeature = errors.New("unsupported feature")
	ErrOutOfRange         = errors.New("value out of range")
	ErrFileNotFound       = errors.New("file not found")
	ErrNotADirectory      = errors.New("not a directory")
	ErrNotASymlink        = errors.New("not a symlink")
	ErrJournalUnavailable = errors.New("journal unavailable")
)
