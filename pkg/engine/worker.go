package engine

import (
	"github.com/madsys-dev/MadEngine/pkg/allocator"
	"github.com/madsys-dev/MadEngine/pkg/blobservice"
	"github.com/madsys-dev/MadEngine/pkg/chunkio"
	"github.com/madsys-dev/MadEngine/pkg/hasher"
)

// worker is one reactor core's full vertical slice: the shard of the
// global free list it owns, the blob service pinned to its core, and
// the chunk I/O engine instance that uses both.
type worker struct {
	core    int
	shard   *allocator.Shard
	blobSvc *blobservice.BlobService
	chunkIO *chunkio.ChunkIO
}

// workerFor routes a chunk name to the worker that will own its
// allocations. A stable hash keeps one chunk's entire page history on
// one shard for its lifetime: Resize and Write pass a chunk's existing
// page positions as oldPositions, so they are recycled into the shard
// that allocated them. (Shard.AllocateAndRecycle adds a blob it does
// not own to the recycling shard when one of its positions is recycled.)
func (e *Engine) workerFor(name string) *worker {
	sum := hasher.Sum([]byte(name))
	return e.workers[sum%uint32(len(e.workers))]
}
