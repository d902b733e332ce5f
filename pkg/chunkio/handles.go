package chunkio

import (
	"encoding/binary"
	"fmt"

	"github.com/madsys-dev/MadEngine/pkg/allocator"
	"github.com/madsys-dev/MadEngine/pkg/blobservice"
	"github.com/madsys-dev/MadEngine/pkg/blockbackend"
)

// blobHandles opens each distinct blob touched by one read/write call
// at most once and closes all of them when the call finishes.
type blobHandles struct {
	svc  *blobservice.BlobService
	open map[blockbackend.BlobID]blockbackend.BlobHandle
}

func newHandleCache(svc *blobservice.BlobService) *blobHandles {
	return &blobHandles{svc: svc, open: make(map[blockbackend.BlobID]blockbackend.BlobHandle)}
}

func (c *blobHandles) get(id blockbackend.BlobID) (blockbackend.BlobHandle, error) {
	if h, ok := c.open[id]; ok {
		return h, nil
	}
	h, err := c.svc.OpenBlob(id)
	if err != nil {
		return 0, err
	}
	c.open[id] = h
	return h, nil
}

func (c *blobHandles) closeAll() {
	for id, h := range c.open {
		c.svc.CloseBlob(h)
		delete(c.open, id)
	}
}

// encodePositions serializes a slice of PagePos for the allocation
// journal's reservation entry.
func encodePositions(positions []allocator.PagePos) []byte {
	buf := make([]byte, len(positions)*16)
	for i, p := range positions {
		off := i * 16
		binary.LittleEndian.PutUint64(buf[off:], uint64(p.BlobID))
		binary.LittleEndian.PutUint64(buf[off+8:], p.Index)
	}
	return buf
}

// DecodePositions reverses encodePositions. Exported so the engine's
// reload-path reconciliation can recover a journaled reservation's
// page positions without duplicating the wire format.
func DecodePositions(data []byte) ([]allocator.PagePos, error) {
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("chunkio: malformed reservation payload (%d bytes)", len(data))
	}
	n := len(data) / 16
	positions := make([]allocator.PagePos, n)
	for i := range positions {
		off := i * 16
		positions[i] = allocator.PagePos{
			BlobID: blockbackend.BlobID(binary.LittleEndian.Uint64(data[off:])),
			Index:  binary.LittleEndian.Uint64(data[off+8:]),
		}
	}
	return positions, nil
}
