// ABOUTME: Per-worker shard allocator over bitmap-backed free-page lists
// ABOUTME: Allocates fresh page positions for writes and recycles old ones

package allocator

import (
	"errors"
	"strconv"
	"sync"

	"github.com/madsys-dev/MadEngine/internal/metrics"
	"github.com/madsys-dev/MadEngine/pkg/bitmap"
	"github.com/madsys-dev/MadEngine/pkg/blockbackend"
)

// ErrNoSpace is returned when a shard's owned blobs cannot satisfy a
// requested allocation. The shard and global free list are left
// untouched.
var ErrNoSpace = errors.New("allocator: no space in shard's free lists")

// PagePos uniquely identifies one physical page: a blob and a
// blob-local page offset.
type PagePos struct {
	BlobID blockbackend.BlobID
	Index  uint64
}

// GlobalFreeList is the authoritative, engine-wide free/used map:
// blob-id → Bitmap. It is the structure persisted under the engine's
// magic key and snapshotted on worker-shard creation.
type GlobalFreeList struct {
	mu        sync.Mutex
	blobs     map[blockbackend.BlobID]*bitmap.Bitmap
	blobPages uint64
}

// NewGlobalFreeList returns an empty global free list whose blobs each
// have the given per-blob page capacity.
func NewGlobalFreeList(blobPages uint64) *GlobalFreeList {
	return &GlobalFreeList{
		blobs:     make(map[blockbackend.BlobID]*bitmap.Bitmap),
		blobPages: blobPages,
	}
}

// RegisterBlob adds a freshly created, entirely free blob to the
// global view.
func (g *GlobalFreeList) RegisterBlob(id blockbackend.BlobID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.blobs[id]; !ok {
		g.blobs[id] = bitmap.New(g.blobPages)
	}
}

// Snapshot returns a deep copy of every bitmap known to the global
// free list, keyed by blob id; used to seed a new worker shard.
func (g *GlobalFreeList) Snapshot() map[blockbackend.BlobID]*bitmap.Bitmap {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[blockbackend.BlobID]*bitmap.Bitmap, len(g.blobs))
	for id, bm := range g.blobs {
		out[id] = bm.Clone()
	}
	return out
}

// Blobs returns the ids of every blob currently tracked.
func (g *GlobalFreeList) Blobs() []blockbackend.BlobID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]blockbackend.BlobID, 0, len(g.blobs))
	for id := range g.blobs {
		out = append(out, id)
	}
	return out
}

// Restore overwrites the bitmap for a blob id with one decoded from
// persisted metadata on reload. id must already be registered.
func (g *GlobalFreeList) Restore(id blockbackend.BlobID, bm *bitmap.Bitmap) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blobs[id] = bm
}

// Free clears positions directly in the global view, outside of any
// shard's ownership. Used by the engine's reload-path reconciliation
// to release a journaled reservation that was never committed.
func (g *GlobalFreeList) Free(positions []PagePos) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range positions {
		g.clearLocked(p.BlobID, p.Index)
	}
}

func (g *GlobalFreeList) setLocked(id blockbackend.BlobID, idx uint64) {
	bm, ok := g.blobs[id]
	if !ok {
		bm = bitmap.New(g.blobPages)
		g.blobs[id] = bm
	}
	bm.Set(idx)
}

func (g *GlobalFreeList) clearLocked(id blockbackend.BlobID, idx uint64) {
	bm, ok := g.blobs[id]
	if !ok {
		bm = bitmap.NewAllSet(g.blobPages)
		g.blobs[id] = bm
	}
	bm.Clear(idx)
}

// Shard is one worker's owned free-list state: a subsequence of the
// engine's blobs plus a private bitmap copy of each one.
type Shard struct {
	mu        sync.Mutex
	TBlobs    []blockbackend.BlobID
	TFreeList map[blockbackend.BlobID]*bitmap.Bitmap
	BlobPages uint64

	metrics *metrics.Metrics
	core    int
}

// SetMetrics attaches a metrics sink and the dispatcher core this shard
// belongs to, used only for the "core" label on recorded samples.
func (s *Shard) SetMetrics(m *metrics.Metrics, core int) {
	s.metrics = m
	s.core = core
}

// NewShard returns a shard owning the given blobs, seeded from a
// snapshot of the global free list.
func NewShard(blobPages uint64, owned []blockbackend.BlobID, global *GlobalFreeList) *Shard {
	s := &Shard{
		TBlobs:    append([]blockbackend.BlobID(nil), owned...),
		TFreeList: make(map[blockbackend.BlobID]*bitmap.Bitmap, len(owned)),
		BlobPages: blobPages,
	}
	snap := global.Snapshot()
	for _, id := range owned {
		if bm, ok := snap[id]; ok {
			s.TFreeList[id] = bm
		} else {
			s.TFreeList[id] = bitmap.New(blobPages)
		}
	}
	return s
}

// AllocateAndRecycle produces needCount fresh PagePos slots for a
// write and reclaims oldPositions that the write overwrote. Allocation
// is tried as a dry run against clones of the shard's bitmaps first:
// if the shard cannot satisfy needCount, the call fails with
// ErrNoSpace and neither the shard nor the global free list is
// mutated. Recycling never fails.
//
// Callers must guarantee oldPositions and the positions this call
// would allocate are disjoint; this is trivially true in the engine's
// own call sites since old and new pages for one write never overlap.
func (s *Shard) AllocateAndRecycle(global *GlobalFreeList, oldPositions []PagePos, needCount int) ([]PagePos, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newPositions, err := s.tryAllocateLocked(needCount)
	if err != nil {
		if s.metrics != nil && err == ErrNoSpace {
			s.metrics.AllocationFailures.Inc()
		}
		return nil, err
	}

	global.mu.Lock()
	for _, p := range newPositions {
		global.setLocked(p.BlobID, p.Index)
	}
	global.mu.Unlock()

	s.recycleLocked(global, oldPositions)

	if s.metrics != nil {
		s.metrics.RecordAllocation(strconv.Itoa(s.core), len(newPositions))
		if len(oldPositions) > 0 {
			s.metrics.RecycledPagesTotal.Add(float64(len(oldPositions)))
		}
	}

	return newPositions, nil
}

// tryAllocateLocked simulates the round-robin allocation against
// clones of the shard's bitmaps; only on full success does it commit
// the chosen bits back into s.TFreeList.
func (s *Shard) tryAllocateLocked(needCount int) ([]PagePos, error) {
	if needCount <= 0 {
		return nil, nil
	}
	if len(s.TBlobs) == 0 {
		return nil, ErrNoSpace
	}

	trial := make(map[blockbackend.BlobID]*bitmap.Bitmap, len(s.TBlobs))
	for _, b := range s.TBlobs {
		trial[b] = s.TFreeList[b].Clone()
	}

	result := make([]PagePos, 0, needCount)
	remaining := needCount
	for remaining > 0 {
		progressed := false
		for _, b := range s.TBlobs {
			if remaining == 0 {
				break
			}
			idx, ok := trial[b].Find()
			if !ok {
				continue
			}
			trial[b].Set(idx)
			result = append(result, PagePos{BlobID: b, Index: idx})
			remaining--
			progressed = true
		}
		if !progressed {
			break
		}
	}
	if remaining > 0 {
		return nil, ErrNoSpace
	}

	for b, bm := range trial {
		s.TFreeList[b] = bm
	}
	return result, nil
}

// recycleLocked clears oldPositions from both the global working copy
// and the shard's own view, registering blobs the shard did not
// previously own.
func (s *Shard) recycleLocked(global *GlobalFreeList, oldPositions []PagePos) {
	if len(oldPositions) == 0 {
		return
	}

	global.mu.Lock()
	for _, p := range oldPositions {
		global.clearLocked(p.BlobID, p.Index)
	}
	global.mu.Unlock()

	for _, p := range oldPositions {
		bm, owned := s.TFreeList[p.BlobID]
		if !owned {
			bm = bitmap.NewAllSet(s.BlobPages)
			s.TFreeList[p.BlobID] = bm
			s.TBlobs = append(s.TBlobs, p.BlobID)
		}
		bm.Clear(p.Index)
	}
}
