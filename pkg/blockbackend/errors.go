package blockbackend

import "errors"

var (
	// ErrBlobNotFound is returned for operations on an unknown blob id.
	ErrBlobNotFound = errors.New("blockbackend: blob not found")
	// ErrHandleNotFound is returned for operations on an unopened handle.
	ErrHandleNotFound = errors.New("blockbackend: handle not found")
	// ErrNoSpace is returned when a resize would exceed the blobstore's
	// configured data cluster budget.
	ErrNoSpace = errors.New("blockbackend: no space")
	// ErrClosed is returned for any operation against an unloaded blobstore.
	ErrClosed = errors.New("blockbackend: blobstore closed")
	// ErrBlobsStillOpen is returned by Close when open handles remain.
	ErrBlobsStillOpen = errors.New("blockbackend: blobs still open at unload")
)
