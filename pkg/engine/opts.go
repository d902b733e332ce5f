package engine

// BlobstoreBinding pairs one data blobstore with the reactor core it
// is pinned to.
type BlobstoreBinding struct {
	BdevName string
	Core     int
}

// Opts is the engine's configuration record.
type Opts struct {
	// ReactorMask selects the backend's polling cores; opaque to this
	// engine, carried only for diagnostics.
	ReactorMask string

	// ConfigFile is the path to the backend's own configuration.
	ConfigFile string

	// MetaDir hosts the metadata store.
	MetaDir string

	// DataDir hosts the block backend's blob files.
	DataDir string

	// Blobstores is the ordered list of blobstore/core bindings this
	// engine instance owns.
	Blobstores []BlobstoreBinding

	// AppName is a diagnostic label, surfaced to internal/logger.
	AppName string

	// InitBlobSize is the capacity, in clusters, new blobs are created
	// with.
	InitBlobSize uint64

	// TotalDataClusters bounds the block backend's aggregate cluster
	// budget.
	TotalDataClusters uint64

	// IsReload selects the init-vs-reload path.
	IsReload bool

	// JournalPath is the allocation reservation journal's base path.
	JournalPath string
}
