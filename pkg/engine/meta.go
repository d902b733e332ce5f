// ABOUTME: Engine-wide metadata model and the public engine lifecycle/API
// ABOUTME: This is the package an application actually imports and calls

package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/madsys-dev/MadEngine/pkg/allocator"
	"github.com/madsys-dev/MadEngine/pkg/bitmap"
	"github.com/madsys-dev/MadEngine/pkg/blockbackend"
	"github.com/madsys-dev/MadEngine/pkg/hasher"
)

// MagicKeyName is hashed to produce the reserved metadata store key
// the global engine metadata is persisted under.
const MagicKeyName = "MadEngine"

// MagicKey returns the reserved metadata store key global engine
// metadata is stored under: CRC32("MadEngine"), encoded as its 4
// little-endian bytes.
func MagicKey() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, hasher.Sum([]byte(MagicKeyName)))
	return buf
}

// DeviceInfo records the backend geometry the engine was opened
// against.
type DeviceInfo struct {
	ClusterSizeBytes  uint64
	PageSize          uint64
	IOUnit            uint64
	TotalClusterCount uint64
}

// Metadata is the engine-wide record persisted under MagicKey: the
// blob roster, the authoritative free/used bitmap per blob, device
// geometry, and the initial per-blob capacity new blobs are created
// with.
type Metadata struct {
	Blobs    []blockbackend.BlobID
	Device   DeviceInfo
	BlobSize uint64

	FreeList *allocator.GlobalFreeList
}

// Encode serializes Metadata as:
// [numBlobs(8)][blobs: numBlobs*8]
// [clusterSize(8)][pageSize(8)][ioUnit(8)][totalClusters(8)][blobSize(8)]
// [numBitmaps(8)] { [blobID(8)][bitmapLen(8)][bitmap bytes] }*
func (m *Metadata) Encode() []byte {
	snap := m.FreeList.Snapshot()
	bitmaps := make(map[blockbackend.BlobID][]byte, len(snap))
	for id, bm := range snap {
		bitmaps[id] = bm.Serialize()
	}

	size := 8 + len(m.Blobs)*8 + 40 + 8
	for _, raw := range bitmaps {
		size += 16 + len(raw)
	}
	buf := make([]byte, size)

	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(m.Blobs)))
	off += 8
	for _, id := range m.Blobs {
		binary.LittleEndian.PutUint64(buf[off:], uint64(id))
		off += 8
	}

	binary.LittleEndian.PutUint64(buf[off:], m.Device.ClusterSizeBytes)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.Device.PageSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.Device.IOUnit)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.Device.TotalClusterCount)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.BlobSize)
	off += 8

	binary.LittleEndian.PutUint64(buf[off:], uint64(len(bitmaps)))
	off += 8
	for id, raw := range bitmaps {
		binary.LittleEndian.PutUint64(buf[off:], uint64(id))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(raw)))
		off += 8
		off += copy(buf[off:], raw)
	}
	return buf[:off]
}

// DecodeMetadata decodes a Metadata previously produced by Encode. The
// per-blob bitmap capacity is derived from the decoded blob size field
// rather than passed in, since each persisted bitmap already carries
// its own capacity and blob size is what new blobs would be created
// at if the roster grew.
func DecodeMetadata(data []byte) (*Metadata, error) {
	if len(data) < 48 {
		return nil, fmt.Errorf("engine: truncated metadata header (%d bytes)", len(data))
	}
	off := 0
	numBlobs := binary.LittleEndian.Uint64(data[off:])
	off += 8
	if uint64(len(data)) < uint64(off)+numBlobs*8+40 {
		return nil, fmt.Errorf("engine: truncated metadata blob list")
	}
	blobs := make([]blockbackend.BlobID, numBlobs)
	for i := range blobs {
		blobs[i] = blockbackend.BlobID(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}

	var dev DeviceInfo
	dev.ClusterSizeBytes = binary.LittleEndian.Uint64(data[off:])
	off += 8
	dev.PageSize = binary.LittleEndian.Uint64(data[off:])
	off += 8
	dev.IOUnit = binary.LittleEndian.Uint64(data[off:])
	off += 8
	dev.TotalClusterCount = binary.LittleEndian.Uint64(data[off:])
	off += 8
	blobSize := binary.LittleEndian.Uint64(data[off:])
	off += 8

	if uint64(len(data)) < uint64(off)+8 {
		return nil, fmt.Errorf("engine: truncated metadata bitmap count")
	}
	numBitmaps := binary.LittleEndian.Uint64(data[off:])
	off += 8

	global := allocator.NewGlobalFreeList(blobSize * blockbackend.ClusterSizePages)
	for i := uint64(0); i < numBitmaps; i++ {
		if uint64(len(data)) < uint64(off)+16 {
			return nil, fmt.Errorf("engine: truncated metadata bitmap entry")
		}
		id := blockbackend.BlobID(binary.LittleEndian.Uint64(data[off:]))
		off += 8
		bmLen := binary.LittleEndian.Uint64(data[off:])
		off += 8
		if uint64(len(data)) < uint64(off)+bmLen {
			return nil, fmt.Errorf("engine: truncated metadata bitmap payload")
		}
		bm, err := bitmap.Deserialize(data[off : off+int(bmLen)])
		if err != nil {
			return nil, fmt.Errorf("engine: decoding bitmap for blob %d: %w", id, err)
		}
		off += int(bmLen)
		global.RegisterBlob(id)
		global.Restore(id, bm)
	}

	return &Metadata{
		Blobs:    blobs,
		Device:   dev,
		BlobSize: blobSize,
		FreeList: global,
	}, nil
}
