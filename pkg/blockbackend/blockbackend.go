// ABOUTME: File-backed stand-in for a page-addressed block device
// ABOUTME: One file per blob, with create/open/close/delete/resize/read/write

package blockbackend

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// PageSize is the fixed device I/O and allocation unit.
	PageSize = 4096
	// ClusterSizeBytes is the backend's own allocation granularity for
	// blob growth (1 MiB by default).
	ClusterSizeBytes = 1 << 20
	// ClusterSizePages is the number of pages per cluster.
	ClusterSizePages = ClusterSizeBytes / PageSize
)

// BlobID identifies a blob within a blobstore.
type BlobID uint64

// BlobHandle identifies an open blob. Opaque to callers.
type BlobHandle uint64

type openBlob struct {
	id   BlobID
	fd   int
	path string
}

// Blobstore is a directory of page-addressed blob files, one file per
// blob, with an aggregate cluster budget modeling the capacity of the
// underlying block device.
type Blobstore struct {
	mu sync.Mutex

	dir    string
	closed bool

	nextID   BlobID
	nextH    BlobHandle
	sizes    map[BlobID]uint64 // size in clusters, for blobs not currently open
	handles  map[BlobHandle]*openBlob
	byBlobID map[BlobID]BlobHandle // at most one open handle per blob

	totalDataClusters uint64
}

// Open creates or reopens a blobstore rooted at dir, with a fixed
// total data cluster budget (spec's total_data_cluster_count).
func Open(dir string, totalDataClusters uint64) (*Blobstore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blockbackend: mkdir %s: %w", dir, err)
	}

	bs := &Blobstore{
		dir:               dir,
		sizes:             make(map[BlobID]uint64),
		handles:           make(map[BlobHandle]*openBlob),
		byBlobID:          make(map[BlobID]BlobHandle),
		totalDataClusters: totalDataClusters,
		nextID:            1,
		nextH:             1,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("blockbackend: readdir %s: %w", dir, err)
	}
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), "blob-%d", &id); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		bid := BlobID(id)
		bs.sizes[bid] = uint64(info.Size()) / ClusterSizeBytes
		if bid >= bs.nextID {
			bs.nextID = bid + 1
		}
	}

	return bs, nil
}

func (bs *Blobstore) blobPath(id BlobID) string {
	return filepath.Join(bs.dir, fmt.Sprintf("blob-%d", id))
}

// usedClusters sums the size of every known blob, open or not.
func (bs *Blobstore) usedClusters() uint64 {
	var total uint64
	for _, c := range bs.sizes {
		total += c
	}
	return total
}

// CreateBlob materializes a new, zero-size blob.
func (bs *Blobstore) CreateBlob() (BlobID, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return 0, ErrClosed
	}

	id := bs.nextID
	bs.nextID++

	f, err := os.OpenFile(bs.blobPath(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("blockbackend: create blob %d: %w", id, err)
	}
	f.Close()

	bs.sizes[id] = 0
	return id, nil
}

// OpenBlob opens an existing blob for I/O, returning a handle.
func (bs *Blobstore) OpenBlob(id BlobID) (BlobHandle, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return 0, ErrClosed
	}
	if _, ok := bs.sizes[id]; !ok {
		return 0, ErrBlobNotFound
	}
	if h, ok := bs.byBlobID[id]; ok {
		return h, nil
	}

	path := bs.blobPath(id)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("blockbackend: open blob %d: %w", id, err)
	}

	h := bs.nextH
	bs.nextH++
	bs.handles[h] = &openBlob{id: id, fd: fd, path: path}
	bs.byBlobID[id] = h
	return h, nil
}

// CloseBlob releases a handle opened by OpenBlob.
func (bs *Blobstore) CloseBlob(h BlobHandle) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	ob, ok := bs.handles[h]
	if !ok {
		return ErrHandleNotFound
	}
	if err := unix.Close(ob.fd); err != nil {
		return fmt.Errorf("blockbackend: close blob %d: %w", ob.id, err)
	}
	delete(bs.handles, h)
	delete(bs.byBlobID, ob.id)
	return nil
}

// DeleteBlob removes a blob's file. The blob must already be closed.
func (bs *Blobstore) DeleteBlob(id BlobID) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if _, open := bs.byBlobID[id]; open {
		return fmt.Errorf("blockbackend: delete blob %d: still open", id)
	}
	if _, ok := bs.sizes[id]; !ok {
		return ErrBlobNotFound
	}
	if err := os.Remove(bs.blobPath(id)); err != nil {
		return fmt.Errorf("blockbackend: delete blob %d: %w", id, err)
	}
	delete(bs.sizes, id)
	return nil
}

// Resize grows or shrinks a blob to sizeClusters clusters, failing
// with ErrNoSpace if growth would exceed the blobstore's budget.
func (bs *Blobstore) Resize(h BlobHandle, sizeClusters uint64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	ob, ok := bs.handles[h]
	if !ok {
		return ErrHandleNotFound
	}

	cur := bs.sizes[ob.id]
	if sizeClusters > cur {
		grow := sizeClusters - cur
		if bs.usedClusters()+grow > bs.totalDataClusters {
			return ErrNoSpace
		}
	}

	if err := unix.Ftruncate(ob.fd, int64(sizeClusters*ClusterSizeBytes)); err != nil {
		return fmt.Errorf("blockbackend: resize blob %d: %w", ob.id, err)
	}
	bs.sizes[ob.id] = sizeClusters
	return nil
}

// SyncMetadata fsyncs a blob's file, making prior writes durable.
func (bs *Blobstore) SyncMetadata(h BlobHandle) error {
	bs.mu.Lock()
	ob, ok := bs.handles[h]
	bs.mu.Unlock()
	if !ok {
		return ErrHandleNotFound
	}
	return unix.Fsync(ob.fd)
}

// Write writes buf (a whole number of pages) at the given page offset.
func (bs *Blobstore) Write(h BlobHandle, pageOffset uint64, buf []byte) error {
	if len(buf)%PageSize != 0 {
		return fmt.Errorf("blockbackend: write length %d is not page-aligned", len(buf))
	}
	bs.mu.Lock()
	ob, ok := bs.handles[h]
	bs.mu.Unlock()
	if !ok {
		return ErrHandleNotFound
	}

	n, err := unix.Pwrite(ob.fd, buf, int64(pageOffset*PageSize))
	if err != nil {
		return fmt.Errorf("blockbackend: write blob %d: %w", ob.id, err)
	}
	if n != len(buf) {
		return fmt.Errorf("blockbackend: short write to blob %d: %d/%d bytes", ob.id, n, len(buf))
	}
	return nil
}

// Read fills buf (a whole number of pages) from the given page offset.
func (bs *Blobstore) Read(h BlobHandle, pageOffset uint64, buf []byte) error {
	if len(buf)%PageSize != 0 {
		return fmt.Errorf("blockbackend: read length %d is not page-aligned", len(buf))
	}
	bs.mu.Lock()
	ob, ok := bs.handles[h]
	bs.mu.Unlock()
	if !ok {
		return ErrHandleNotFound
	}

	n, err := unix.Pread(ob.fd, buf, int64(pageOffset*PageSize))
	if err != nil {
		return fmt.Errorf("blockbackend: read blob %d: %w", ob.id, err)
	}
	if n != len(buf) {
		return fmt.Errorf("blockbackend: short read from blob %d: %d/%d bytes", ob.id, n, len(buf))
	}
	return nil
}

// IOUnitSize reports the backend's fixed I/O granularity.
func (bs *Blobstore) IOUnitSize() uint64 {
	return PageSize
}

// TotalDataClusterCount reports the blobstore's configured capacity.
func (bs *Blobstore) TotalDataClusterCount() uint64 {
	return bs.totalDataClusters
}

// Close unloads the blobstore. It fails if any blob handle is still
// open.
func (bs *Blobstore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.handles) > 0 {
		return ErrBlobsStillOpen
	}
	bs.closed = true
	return nil
}
