package chunkio

import (
	"fmt"

	"github.com/madsys-dev/MadEngine/pkg/allocator"
	"github.com/madsys-dev/MadEngine/pkg/blobservice"
	"github.com/madsys-dev/MadEngine/pkg/blockbackend"
	"github.com/madsys-dev/MadEngine/pkg/hasher"
	"github.com/madsys-dev/MadEngine/pkg/journal"
	"github.com/madsys-dev/MadEngine/pkg/metakv"
)

// GlobalMetaPersister persists the engine-wide free-list snapshot
// under its reserved key whenever the allocator commits a reservation.
type GlobalMetaPersister interface {
	PersistGlobalFreeList() error
}

// ChunkIO is the chunk read-modify-write engine: it owns no state of
// its own beyond references to its collaborators and takes no lock of
// its own; only page allocation is serialized, by the Shard's mutex.
// Concurrent writers to the same chunk are not supported.
type ChunkIO struct {
	Store   metakv.Store
	Shard   *allocator.Shard
	Global  *allocator.GlobalFreeList
	Blobs   *blobservice.BlobService
	Journal *journal.Journal

	// PersistGlobalFreeList is called immediately after a successful
	// allocation, before any page I/O, so a crash between allocation
	// and the chunk metadata commit leaves a recoverable reservation
	// rather than a silently lost one.
	PersistGlobalFreeList func() error
}

func (c *ChunkIO) loadMeta(name string) (ChunkMeta, bool, error) {
	raw, ok := c.Store.Get([]byte(name))
	if !ok {
		return ChunkMeta{}, false, nil
	}
	m, err := DecodeChunkMeta(raw)
	if err != nil {
		return ChunkMeta{}, false, err
	}
	return m, true, nil
}

func (c *ChunkIO) saveMeta(name string, m ChunkMeta) error {
	return c.Store.Put([]byte(name), m.Encode())
}

// Create materializes a new, zero-size chunk.
func (c *ChunkIO) Create(name string) error {
	if _, ok := c.Store.Get([]byte(name)); ok {
		return ErrAlreadyExists
	}
	return c.saveMeta(name, newChunkMeta())
}

// Remove deletes a chunk's metadata row. Physical pages are not
// synchronously reclaimed.
func (c *ChunkIO) Remove(name string) error {
	if _, ok := c.Store.Get([]byte(name)); !ok {
		return ErrMetaNotExist
	}
	return c.Store.Delete([]byte(name))
}

// Stat reports a chunk's size and checksum algorithm.
func (c *ChunkIO) Stat(name string) (sizeBytes uint64, csumType string, err error) {
	m, ok, err := c.loadMeta(name)
	if err != nil {
		return 0, "", err
	}
	if !ok {
		return 0, "", ErrMetaNotExist
	}
	return m.SizeBytes, m.CsumType, nil
}

// Resize adjusts a chunk's size and truncates or extends its checksum
// and location arrays accordingly. Growing a chunk allocates new,
// zero-filled pages for the added logical range; shrinking drops
// trailing pages from the metadata and recycles their positions into
// the shard and the global free list (unlike Remove).
func (c *ChunkIO) Resize(name string, newSize uint64) error {
	m, ok, err := c.loadMeta(name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMetaNotExist
	}

	newPageCount := ceilDiv(newSize, PageSize)
	oldPageCount := uint64(len(m.Location))

	switch {
	case newPageCount == oldPageCount:
		m.SizeBytes = newSize
		return c.saveMeta(name, m)

	case newPageCount < oldPageCount:
		dropped := m.Location[newPageCount:]
		old := make([]allocator.PagePos, len(dropped))
		copy(old, dropped)
		if _, err := c.Shard.AllocateAndRecycle(c.Global, old, 0); err != nil {
			return err
		}
		m.Location = m.Location[:newPageCount]
		m.CsumData = m.CsumData[:newPageCount]
		m.SizeBytes = newSize
		return c.saveMeta(name, m)

	default:
		needed := int(newPageCount - oldPageCount)
		newPositions, err := c.Shard.AllocateAndRecycle(c.Global, nil, needed)
		if err != nil {
			return err
		}

		reservationID := c.Journal.NextReservationID()
		if err := c.Journal.Append(journal.Entry{
			LSN:           reservationID,
			ReservationID: reservationID,
			OpType:        journal.OpReserve,
			Key:           []byte(name),
			Value:         encodePositions(newPositions),
		}); err != nil {
			return fmt.Errorf("chunkio: journal reserve: %w", err)
		}
		if err := c.Journal.Fsync(); err != nil {
			return fmt.Errorf("chunkio: journal fsync: %w", err)
		}
		if c.PersistGlobalFreeList != nil {
			if err := c.PersistGlobalFreeList(); err != nil {
				return err
			}
		}

		handles := newHandleCache(c.Blobs)
		defer handles.closeAll()

		zero := blockbackend.AlignedPage(1)
		zeroSum := hasher.Sum(zero)
		for _, pos := range newPositions {
			h, err := handles.get(pos.BlobID)
			if err != nil {
				return err
			}
			if err := c.Blobs.Write(pos.Index*PageSize, h, zero); err != nil {
				return err
			}
			m.Location = append(m.Location, pos)
			m.CsumData = append(m.CsumData, zeroSum)
		}
		m.SizeBytes = newSize
		m.CsumType = "CRC32"
		if err := c.saveMeta(name, m); err != nil {
			return err
		}

		if err := c.Journal.Append(journal.Entry{
			LSN:           c.Journal.NextReservationID(),
			ReservationID: reservationID,
			OpType:        journal.OpCommit,
			Key:           []byte(name),
		}); err != nil {
			return fmt.Errorf("chunkio: journal commit: %w", err)
		}
		return c.Journal.Fsync()
	}
}

// Read fills out with the chunk's bytes starting at offset, verifying
// every page's checksum against its stored value.
func (c *ChunkIO) Read(name string, offset uint64, out []byte) error {
	length := uint64(len(out))
	if length == 0 {
		return nil
	}

	m, ok, err := c.loadMeta(name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMetaNotExist
	}
	if offset >= m.SizeBytes || offset+length > m.SizeBytes {
		return ErrReadOutRange
	}

	start := offset / PageSize
	end := (offset + length - 1) / PageSize

	handles := newHandleCache(c.Blobs)
	defer handles.closeAll()

	buf := blockbackend.AlignedPage(1)
	for p := start; p <= end; p++ {
		pos := m.Location[p]
		h, err := handles.get(pos.BlobID)
		if err != nil {
			return err
		}
		if err := c.Blobs.Read(pos.Index*PageSize, h, buf); err != nil {
			return err
		}
		if hasher.Sum(buf) != m.CsumData[p] {
			return ErrCheckSumErr
		}

		pageStart := p * PageSize
		sliceStart := uint64(0)
		if p == start {
			sliceStart = offset - pageStart
		}
		sliceEnd := uint64(PageSize)
		if p == end {
			sliceEnd = offset + length - pageStart
		}

		outStart := pageStart + sliceStart - offset
		copy(out[outStart:outStart+(sliceEnd-sliceStart)], buf[sliceStart:sliceEnd])
	}
	return nil
}

// Write stores data at offset within the chunk, read-modify-writing
// any partially covered boundary pages and recomputing their checksums.
func (c *ChunkIO) Write(name string, offset uint64, data []byte) error {
	length := uint64(len(data))
	if length == 0 {
		return nil
	}

	m, ok, err := c.loadMeta(name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMetaNotExist
	}
	size := m.SizeBytes
	if offset > size {
		return ErrHoleNotAllowed
	}

	start := offset / PageSize
	end := (offset + length - 1) / PageSize

	var last int64 = -1
	if size > 0 {
		last = int64((size - 1) / PageSize)
	}

	coverEndBytes := min64(size, offset+length)
	var coverEnd uint64
	if coverEndBytes > 0 {
		coverEnd = (coverEndBytes - 1) / PageSize
	}

	var oldPositions []allocator.PagePos
	if size > 0 {
		oldPositions = append(oldPositions, m.Location[start:coverEnd+1]...)
	}

	needCount := int(end - start + 1)
	newPositions, err := c.Shard.AllocateAndRecycle(c.Global, oldPositions, needCount)
	if err != nil {
		return err
	}

	reservationID := c.Journal.NextReservationID()
	if err := c.Journal.Append(journal.Entry{
		LSN:           reservationID,
		ReservationID: reservationID,
		OpType:        journal.OpReserve,
		Key:           []byte(name),
		Value:         encodePositions(newPositions),
	}); err != nil {
		return fmt.Errorf("chunkio: journal reserve: %w", err)
	}
	if err := c.Journal.Fsync(); err != nil {
		return fmt.Errorf("chunkio: journal fsync: %w", err)
	}
	if c.PersistGlobalFreeList != nil {
		if err := c.PersistGlobalFreeList(); err != nil {
			return fmt.Errorf("chunkio: persist global free list: %w", err)
		}
	}

	handles := newHandleCache(c.Blobs)
	defer handles.closeAll()

	pendingLocation := make([]allocator.PagePos, end-start+1)
	pendingCsum := make([]uint32, end-start+1)

	for p := start; p <= end; p++ {
		newPos := newPositions[p-start]
		existed := int64(p) <= last

		pageStart := p * PageSize
		sliceStart := uint64(0)
		if p == start {
			sliceStart = offset - pageStart
		}
		sliceEnd := uint64(PageSize)
		if p == end {
			sliceEnd = offset + length - pageStart
		}
		fullyCovered := sliceStart == 0 && sliceEnd == PageSize

		buf := blockbackend.AlignedPage(1)
		if existed && !fullyCovered {
			oldPos := m.Location[p]
			h, err := handles.get(oldPos.BlobID)
			if err != nil {
				return err
			}
			if err := c.Blobs.Read(oldPos.Index*PageSize, h, buf); err != nil {
				return err
			}
		}

		dataStart := pageStart + sliceStart - offset
		copy(buf[sliceStart:sliceEnd], data[dataStart:dataStart+(sliceEnd-sliceStart)])

		checksum := hasher.Sum(buf)
		h, err := handles.get(newPos.BlobID)
		if err != nil {
			return err
		}
		if err := c.Blobs.Write(newPos.Index*PageSize, h, buf); err != nil {
			return err
		}

		pendingLocation[p-start] = newPos
		pendingCsum[p-start] = checksum
	}

	newLen := uint64(len(m.Location))
	if end+1 > newLen {
		newLen = end + 1
	}
	newLocation := make([]allocator.PagePos, newLen)
	newCsum := make([]uint32, newLen)
	copy(newLocation, m.Location)
	copy(newCsum, m.CsumData)
	for p := start; p <= end; p++ {
		newLocation[p] = pendingLocation[p-start]
		newCsum[p] = pendingCsum[p-start]
	}

	m.SizeBytes = max64(size, offset+length)
	m.Location = newLocation
	m.CsumData = newCsum
	m.CsumType = "CRC32"

	if err := c.saveMeta(name, m); err != nil {
		return err
	}

	if err := c.Journal.Append(journal.Entry{
		LSN:           c.Journal.NextReservationID(),
		ReservationID: reservationID,
		OpType:        journal.OpCommit,
		Key:           []byte(name),
	}); err != nil {
		return fmt.Errorf("chunkio: journal commit: %w", err)
	}
	return c.Journal.Fsync()
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
