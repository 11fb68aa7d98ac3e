// Package status defines the flat error taxonomy shared by every layer of
// the loader. Layers return these sentinels (usually wrapped with call-site
// context) and callers classify them with errors.Is rather than string
// matching.
package status

import "github.com/pkg/errors"

var (
	// ErrNotSupported is returned when an operation is not supported by the
	// device, filesystem or loader build it was requested of.
	ErrNotSupported = errors.New("operation not supported")
	// ErrInvalidArg is returned when a caller-supplied argument is invalid.
	ErrInvalidArg = errors.New("invalid argument")
	// ErrTimedOut is returned when a time limit expired before an operation
	// could complete.
	ErrTimedOut = errors.New("timed out while waiting for event")
	// ErrNoMemory is returned by the allocators when no free range can
	// satisfy a request.
	ErrNoMemory = errors.New("out of memory")
	// ErrNotDir is returned when a path component or handle refers to
	// something that is not a directory.
	ErrNotDir = errors.New("not a directory")
	// ErrNotFile is returned when a handle refers to something that is not a
	// regular file.
	ErrNotFile = errors.New("not a regular file")
	// ErrNotFound is returned when a requested object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownFilesystem is returned by a probe that does not recognize
	// the on-device format. Probing continues with the next filesystem type.
	ErrUnknownFilesystem = errors.New("filesystem not recognized")
	// ErrCorruptFilesystem is returned when on-device structures are
	// recognized but inconsistent.
	ErrCorruptFilesystem = errors.New("corruption detected on the filesystem")
	// ErrReadOnly is returned for write operations on read-only media.
	ErrReadOnly = errors.New("filesystem is read only")
	// ErrEndOfFile is returned when a read begins or extends past the end of
	// the file or device. No bytes are transferred.
	ErrEndOfFile = errors.New("read beyond end of file")
	// ErrSymlinkLimit is returned when path resolution follows too many
	// symbolic links.
	ErrSymlinkLimit = errors.New("exceeded nested symbolic link limit")
	// ErrDeviceError is returned when the underlying device failed the
	// operation.
	ErrDeviceError = errors.New("device error")
	// ErrUnknownImage is returned when a kernel image is not of the format
	// the loader frontend expects.
	ErrUnknownImage = errors.New("image format not recognized")
	// ErrMalformedImage is returned when an image of a recognized format
	// fails validation.
	ErrMalformedImage = errors.New("image format is incorrect")
	// ErrFirmwareError is returned when a firmware call failed.
	ErrFirmwareError = errors.New("error from firmware")
	// ErrSystemError is returned for internal failures that do not fit a
	// more specific category.
	ErrSystemError = errors.New("internal system error")
)
