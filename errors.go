package heapmem

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/heapmem/device"
)

var (
	// ErrOutOfMemory is returned when no block, heap or budget can satisfy a request. The caller may
	// free other allocations or retry with different flags.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInvalidArgument is returned for malformed sizes, alignments and flag combinations
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnsupported is returned when an optional capability is not available for the pool or device
	ErrUnsupported = errors.New("unsupported")
)

// wrapDeviceError wraps an error returned by device.Device. Driver out-of-memory errors are marked
// so that errors.Is(err, ErrOutOfMemory) holds.
func wrapDeviceError(err error, format string, args ...any) error {
	wrapped := errors.Wrapf(err, format, args...)
	if errors.Is(err, device.ErrOutOfDeviceMemory) {
		return errors.Mark(wrapped, ErrOutOfMemory)
	}
	return wrapped
}
