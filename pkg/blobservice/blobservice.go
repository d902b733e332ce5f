// ABOUTME: Typed wrapper over the dispatcher and block backend
// ABOUTME: Every blob operation is posted to the blobstore's owning core

package blobservice

import (
	"fmt"
	"strconv"
	"time"

	"github.com/madsys-dev/MadEngine/internal/metrics"
	"github.com/madsys-dev/MadEngine/pkg/blockbackend"
	"github.com/madsys-dev/MadEngine/pkg/dispatcher"
)

// BlobService binds a dispatcher core to one blobstore. All blobs it
// serves must belong to that blobstore.
type BlobService struct {
	d    *dispatcher.Dispatcher
	core int
	bs   *blockbackend.Blobstore

	metrics *metrics.Metrics
}

// New returns a BlobService that posts every operation to core, which
// must be one of d's pinned cores.
func New(d *dispatcher.Dispatcher, core int, bs *blockbackend.Blobstore) *BlobService {
	return &BlobService{d: d, core: core, bs: bs}
}

// SetMetrics attaches a metrics sink; every subsequent dispatch records
// its latency and outcome under this service's core label.
func (s *BlobService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// dispatch posts fn to the bound core and, if a metrics sink is
// attached, records the message's latency and outcome.
func (s *BlobService) dispatch(op dispatcher.OpCode, fn func() (any, error)) (any, error) {
	start := time.Now()
	v, err := s.d.Dispatch(s.core, op, fn)
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordDispatch(strconv.Itoa(s.core), op.String(), status, time.Since(start))
	}
	return v, err
}

// Core reports the dispatcher core this service is bound to.
func (s *BlobService) Core() int {
	return s.core
}

// Unload releases the underlying blobstore. All blobs must already be
// closed.
func (s *BlobService) Unload() error {
	_, err := s.dispatch(dispatcher.OpUnload, func() (any, error) {
		return nil, s.bs.Close()
	})
	return err
}

// CreateBlob materializes a new, zero-size blob.
func (s *BlobService) CreateBlob() (blockbackend.BlobID, error) {
	v, err := s.dispatch(dispatcher.OpCreateBlob, func() (any, error) {
		return s.bs.CreateBlob()
	})
	if err != nil {
		return 0, err
	}
	return v.(blockbackend.BlobID), nil
}

// OpenBlob opens id for I/O, returning a handle.
func (s *BlobService) OpenBlob(id blockbackend.BlobID) (blockbackend.BlobHandle, error) {
	v, err := s.dispatch(dispatcher.OpOpenBlob, func() (any, error) {
		return s.bs.OpenBlob(id)
	})
	if err != nil {
		return 0, err
	}
	return v.(blockbackend.BlobHandle), nil
}

// CloseBlob releases a handle opened by OpenBlob.
func (s *BlobService) CloseBlob(h blockbackend.BlobHandle) error {
	_, err := s.dispatch(dispatcher.OpCloseBlob, func() (any, error) {
		return nil, s.bs.CloseBlob(h)
	})
	return err
}

// DeleteBlob removes a closed blob.
func (s *BlobService) DeleteBlob(id blockbackend.BlobID) error {
	_, err := s.dispatch(dispatcher.OpDeleteBlob, func() (any, error) {
		return nil, s.bs.DeleteBlob(id)
	})
	return err
}

// ResizeBlob grows or shrinks a blob to sizeClusters clusters.
func (s *BlobService) ResizeBlob(h blockbackend.BlobHandle, sizeClusters uint64) error {
	_, err := s.dispatch(dispatcher.OpResizeBlob, func() (any, error) {
		return nil, s.bs.Resize(h, sizeClusters)
	})
	return err
}

// SyncBlob fsyncs a blob, making prior writes durable.
func (s *BlobService) SyncBlob(h blockbackend.BlobHandle) error {
	_, err := s.dispatch(dispatcher.OpSyncBlob, func() (any, error) {
		return nil, s.bs.SyncMetadata(h)
	})
	return err
}

// Write writes bytes at a byte offset, both of which must be aligned
// to the backend's io unit.
func (s *BlobService) Write(offset uint64, h blockbackend.BlobHandle, bytes []byte) error {
	unit := s.bs.IOUnitSize()
	if offset%unit != 0 || uint64(len(bytes))%unit != 0 {
		return fmt.Errorf("blobservice: write offset %d / length %d not aligned to io unit %d", offset, len(bytes), unit)
	}
	_, err := s.dispatch(dispatcher.OpWrite, func() (any, error) {
		return nil, s.bs.Write(h, offset/unit, bytes)
	})
	return err
}

// Read fills out from a byte offset, both of which must be aligned to
// the backend's io unit.
func (s *BlobService) Read(offset uint64, h blockbackend.BlobHandle, out []byte) error {
	unit := s.bs.IOUnitSize()
	if offset%unit != 0 || uint64(len(out))%unit != 0 {
		return fmt.Errorf("blobservice: read offset %d / length %d not aligned to io unit %d", offset, len(out), unit)
	}
	_, err := s.dispatch(dispatcher.OpRead, func() (any, error) {
		return nil, s.bs.Read(h, offset/unit, out)
	})
	return err
}

// IOUnitSize reports the backend's fixed I/O granularity.
func (s *BlobService) IOUnitSize() uint64 {
	return s.bs.IOUnitSize()
}

// TotalDataClusterCount reports the bound blobstore's configured capacity.
func (s *BlobService) TotalDataClusterCount() uint64 {
	return s.bs.TotalDataClusterCount()
}
