package bitmap

import "errors"

// Error classification.
//
// The engine wraps these with context; callers classify with errors.Is.
var (
	// ErrCorrupt indicates an on-disk image that fails validation
	// (bad magic, impossible geometry, short file).
	ErrCorrupt = errors.New("bitmap: corrupt image")

	// ErrIncompatible indicates a superblock version or UUID this engine
	// cannot use.
	ErrIncompatible = errors.New("bitmap: incompatible image")

	// ErrBusy indicates a configuration change that conflicts with an
	// active bitmap or a running resync.
	ErrBusy = errors.New("bitmap: busy")

	// ErrNotFound indicates a missing counter page or attribute.
	ErrNotFound = errors.New("bitmap: not found")

	// ErrInvalidInput indicates a rejected attribute or option value.
	ErrInvalidInput = errors.New("bitmap: invalid input")

	// ErrOverlap indicates a device-embedded page write that would land
	// on data or external metadata.
	ErrOverlap = errors.New("bitmap: image overlaps data or metadata")

	// ErrWriteError indicates the image has been kicked after an I/O
	// failure; bits are no longer persisted.
	ErrWriteError = errors.New("bitmap: write error, image kicked")

	// ErrUnsupported indicates a parsed but unsupported configuration,
	// such as a file: location.
	ErrUnsupported = errors.New("bitmap: unsupported")
)
