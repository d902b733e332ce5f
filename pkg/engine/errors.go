package engine

import "errors"

var (
	// ErrNoMetadata is returned by New when IsReload is set but no
	// global metadata row exists under the magic key.
	ErrNoMetadata = errors.New("engine: reload requested but no metadata found under magic key")
	// ErrNoBlobstores is returned when Opts names no blobstore bindings.
	ErrNoBlobstores = errors.New("engine: no blobstore bindings configured")
	// ErrNotReady is returned by Ready while the metadata store or the
	// block backend is not yet initialized.
	ErrNotReady = errors.New("engine: not ready")
)
