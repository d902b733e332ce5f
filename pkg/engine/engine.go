package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/madsys-dev/MadEngine/pkg/allocator"
	"github.com/madsys-dev/MadEngine/pkg/blobservice"
	"github.com/madsys-dev/MadEngine/pkg/blockbackend"
	"github.com/madsys-dev/MadEngine/pkg/chunkio"
	"github.com/madsys-dev/MadEngine/pkg/dispatcher"
	"github.com/madsys-dev/MadEngine/pkg/journal"
	"github.com/madsys-dev/MadEngine/pkg/metakv"

	"github.com/madsys-dev/MadEngine/internal/logger"
	"github.com/madsys-dev/MadEngine/internal/metrics"
)

// queueDepth is the per-core dispatcher queue capacity.
const queueDepth = 128

// Engine is the public surface: everything an application needs is a
// method on this type. It owns the metadata store, the block backend,
// the I/O dispatcher, and one worker per blobstore binding.
type Engine struct {
	opts     Opts
	blobSize uint64

	store   metakv.Store
	rawKV   *metakv.KV
	backend *blockbackend.Blobstore
	disp    *dispatcher.Dispatcher
	global  *allocator.GlobalFreeList
	j       *journal.Journal
	ckpt    *journal.Checkpointer
	metrics *metrics.Metrics

	workers []*worker

	mu             sync.Mutex
	blobfsReady    bool
	blobstoreReady bool
}

// New opens the metadata store, then for each blobstore binding either
// initializes a fresh blob (IsReload=false) or reconstructs worker
// shards from persisted metadata (IsReload=true). Everything runs
// synchronously, so Ready returns immediately once New returns.
func New(opts Opts) (*Engine, error) {
	if len(opts.Blobstores) == 0 {
		return nil, ErrNoBlobstores
	}

	log := logger.GetGlobalLogger().ReactorLogger()
	log.LogEngineStart(opts.AppName, opts.IsReload)

	rawKV := &metakv.KV{Path: opts.MetaDir}
	if err := rawKV.Open(); err != nil {
		return nil, fmt.Errorf("engine: opening meta kv: %w", err)
	}

	backend, err := blockbackend.Open(opts.DataDir, opts.TotalDataClusters)
	if err != nil {
		rawKV.Close()
		return nil, fmt.Errorf("engine: opening block backend: %w", err)
	}

	j := &journal.Journal{Path: opts.JournalPath}
	if err := j.Open(); err != nil {
		rawKV.Close()
		return nil, fmt.Errorf("engine: opening journal: %w", err)
	}

	cores := make([]int, len(opts.Blobstores))
	for i, b := range opts.Blobstores {
		cores[i] = b.Core
	}
	disp := dispatcher.New(cores, queueDepth)

	e := &Engine{
		opts:    opts,
		store:   rawKV,
		rawKV:   rawKV,
		backend: backend,
		disp:    disp,
		j:       j,
		metrics: metrics.GetGlobalMetrics(),
	}

	if opts.IsReload {
		if err := e.reload(); err != nil {
			e.teardownPartial()
			return nil, err
		}
	} else {
		blobPages := opts.InitBlobSize * blockbackend.ClusterSizePages
		if err := e.initFresh(blobPages); err != nil {
			e.teardownPartial()
			return nil, err
		}
	}

	e.ckpt = journal.NewCheckpointer(j)
	e.ckpt.Start()

	e.mu.Lock()
	e.blobfsReady = true
	e.blobstoreReady = true
	e.mu.Unlock()

	log.LogEngineReady()
	return e, nil
}

func (e *Engine) teardownPartial() {
	e.disp.Stop()
	e.j.Close()
	e.backend.Close()
	e.rawKV.Close()
}

// initFresh materializes one blob per worker, each at InitBlobSize
// capacity, and persists the initial global metadata.
func (e *Engine) initFresh(blobPages uint64) error {
	e.blobSize = e.opts.InitBlobSize
	global := allocator.NewGlobalFreeList(blobPages)
	e.global = global

	for _, binding := range e.opts.Blobstores {
		svc := blobservice.New(e.disp, binding.Core, e.backend)

		id, err := svc.CreateBlob()
		if err != nil {
			return fmt.Errorf("engine: creating blob for core %d: %w", binding.Core, err)
		}
		h, err := svc.OpenBlob(id)
		if err != nil {
			return fmt.Errorf("engine: opening blob %d: %w", id, err)
		}
		if err := svc.ResizeBlob(h, e.opts.InitBlobSize); err != nil {
			svc.CloseBlob(h)
			return fmt.Errorf("engine: sizing blob %d: %w", id, err)
		}
		if err := svc.CloseBlob(h); err != nil {
			return fmt.Errorf("engine: closing blob %d after init: %w", id, err)
		}

		global.RegisterBlob(id)
		shard := allocator.NewShard(blobPages, []blockbackend.BlobID{id}, global)
		e.addWorker(binding.Core, shard, svc)
	}

	return e.persistMetadata()
}

// reload reads the magic key, reconciles any reservations the journal
// shows as never committed, and stripes the restored blob roster
// round-robin across workers.
func (e *Engine) reload() error {
	raw, ok := e.store.Get(MagicKey())
	if !ok {
		return ErrNoMetadata
	}
	meta, err := DecodeMetadata(raw)
	if err != nil {
		return fmt.Errorf("engine: decoding metadata: %w", err)
	}
	e.global = meta.FreeList
	e.blobSize = meta.BlobSize
	blobPages := meta.BlobSize * blockbackend.ClusterSizePages

	orphaned, err := journal.Reconcile(e.j)
	if err != nil {
		return fmt.Errorf("engine: reconciling journal: %w", err)
	}
	log := logger.GetGlobalLogger().ReactorLogger()
	for _, r := range orphaned {
		positions, err := chunkio.DecodePositions(r.Value)
		if err != nil {
			return fmt.Errorf("engine: decoding orphaned reservation %d: %w", r.ID, err)
		}
		e.global.Free(positions)
		log.LogReconciledReservation(r.ID, string(r.Key))
	}
	if len(orphaned) > 0 {
		if err := journal.Checkpoint(e.j); err != nil {
			return fmt.Errorf("engine: checkpointing after reconciliation: %w", err)
		}
	}

	numWorkers := len(e.opts.Blobstores)
	owned := make([][]blockbackend.BlobID, numWorkers)
	for i, id := range meta.Blobs {
		w := i % numWorkers
		owned[w] = append(owned[w], id)
	}

	for i, binding := range e.opts.Blobstores {
		svc := blobservice.New(e.disp, binding.Core, e.backend)
		shard := allocator.NewShard(blobPages, owned[i], e.global)
		e.addWorker(binding.Core, shard, svc)
	}

	return e.persistMetadata()
}

func (e *Engine) addWorker(core int, shard *allocator.Shard, svc *blobservice.BlobService) {
	shard.SetMetrics(e.metrics, core)
	svc.SetMetrics(e.metrics)
	cio := &chunkio.ChunkIO{
		Store:                 e.store,
		Shard:                 shard,
		Global:                e.global,
		Blobs:                 svc,
		Journal:               e.j,
		PersistGlobalFreeList: e.persistMetadata,
	}
	e.workers = append(e.workers, &worker{core: core, shard: shard, blobSvc: svc, chunkIO: cio})
}

func (e *Engine) persistMetadata() error {
	meta := &Metadata{
		Blobs: e.global.Blobs(),
		Device: DeviceInfo{
			ClusterSizeBytes:  blockbackend.ClusterSizeBytes,
			PageSize:          blockbackend.PageSize,
			IOUnit:            blockbackend.PageSize,
			TotalClusterCount: e.opts.TotalDataClusters,
		},
		BlobSize: e.blobSize,
		FreeList: e.global,
	}
	err := e.store.Put(MagicKey(), meta.Encode())
	if err == nil {
		e.metrics.FreeListPersistsTotal.Inc()
	}
	return err
}

// Ready reports whether both the metadata store and the block backend
// finished initializing. Since New runs synchronously, both are
// already set by the time it returns; Ready exists to catch a caller
// invoking engine methods before New completed.
func (e *Engine) Ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.blobfsReady || !e.blobstoreReady {
		return ErrNotReady
	}
	return nil
}

// CreateBlobService returns a blob service bound to the first
// blobstore binding.
func (e *Engine) CreateBlobService() *blobservice.BlobService {
	return e.workers[0].blobSvc
}

// UnloadBS unloads the blobstore. All blobs must already be closed;
// chunkio's handle cache guarantees this is true between chunk
// operations.
func (e *Engine) UnloadBS() error {
	return e.workers[0].blobSvc.Unload()
}

// Finish stops the background checkpointer, closes the journal and
// metadata store, and stops the dispatcher. The block backend itself
// is released by UnloadBS, called separately since the two surfaces
// are distinct calls.
func (e *Engine) Finish() error {
	logger.GetGlobalLogger().ReactorLogger().LogEngineShutdown()
	e.ckpt.Stop()
	e.disp.Stop()
	if err := e.j.Close(); err != nil {
		return fmt.Errorf("engine: closing journal: %w", err)
	}
	return e.rawKV.Close()
}

// CloseEngine is an alias for Finish.
func (e *Engine) CloseEngine() error {
	return e.Finish()
}

// recordOp times fn and reports it under operation via both the
// metrics sink and the structured chunk logger.
func (e *Engine) recordOp(operation, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	dur := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordChunkOp(operation, status, dur)
	logger.GetGlobalLogger().ChunkLogger(operation).LogChunkOp(operation, name, dur, err)
	return err
}

// Create allocates a new chunk with the given name.
func (e *Engine) Create(name string) error {
	err := e.recordOp("create", name, func() error {
		return e.workerFor(name).chunkIO.Create(name)
	})
	if err == nil {
		e.metrics.ChunksTotal.Inc()
	}
	return err
}

// Remove deletes a chunk's metadata row. Its physical pages are not
// reclaimed.
func (e *Engine) Remove(name string) error {
	err := e.recordOp("remove", name, func() error {
		return e.workerFor(name).chunkIO.Remove(name)
	})
	if err == nil {
		e.metrics.ChunksTotal.Dec()
	}
	return err
}

// Stat returns a chunk's current size and checksum algorithm.
func (e *Engine) Stat(name string) (sizeBytes uint64, csumType string, err error) {
	err = e.recordOp("stat", name, func() error {
		var statErr error
		sizeBytes, csumType, statErr = e.workerFor(name).chunkIO.Stat(name)
		return statErr
	})
	return sizeBytes, csumType, err
}

// Resize grows or shrinks a chunk to newSize bytes.
func (e *Engine) Resize(name string, newSize uint64) error {
	return e.recordOp("resize", name, func() error {
		return e.workerFor(name).chunkIO.Resize(name, newSize)
	})
}

// Write writes data at offset within a chunk.
func (e *Engine) Write(name string, offset uint64, data []byte) error {
	return e.recordOp("write", name, func() error {
		return e.workerFor(name).chunkIO.Write(name, offset, data)
	})
}

// Read fills out with data starting at offset within a chunk.
func (e *Engine) Read(name string, offset uint64, out []byte) error {
	err := e.recordOp("read", name, func() error {
		return e.workerFor(name).chunkIO.Read(name, offset, out)
	})
	if errors.Is(err, chunkio.ErrCheckSumErr) {
		e.metrics.ChecksumFailuresTotal.Inc()
	}
	return err
}
