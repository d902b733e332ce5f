// ABOUTME: Read-modify-write engine translating byte-offset I/O into
// ABOUTME: page-sliced device access with per-page checksum verification

package chunkio

import (
	"encoding/binary"
	"fmt"

	"github.com/madsys-dev/MadEngine/pkg/allocator"
	"github.com/madsys-dev/MadEngine/pkg/blockbackend"
)

// PageSize is the fixed device I/O and allocation unit.
const PageSize = 4096

// ChunkMeta is a chunk's persisted metadata: its size, the
// logical-page to physical-position map, and one checksum per logical
// page.
type ChunkMeta struct {
	SizeBytes uint64
	Location  []allocator.PagePos
	CsumType  string
	CsumData  []uint32
}

// newChunkMeta returns the default metadata for a freshly created,
// empty chunk.
func newChunkMeta() ChunkMeta {
	return ChunkMeta{CsumType: "CRC32"}
}

func ceilDiv(a, b uint64) uint64 {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Encode serializes a ChunkMeta as:
// [size(8)][numPages(8)][location: numPages*16][csumTypeLen(2)][csumType][csumData: numPages*4]
func (m *ChunkMeta) Encode() []byte {
	n := len(m.Location)
	size := 16 + n*16 + 2 + len(m.CsumType) + n*4
	buf := make([]byte, size)

	off := 0
	binary.LittleEndian.PutUint64(buf[off:], m.SizeBytes)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(n))
	off += 8
	for _, p := range m.Location {
		binary.LittleEndian.PutUint64(buf[off:], uint64(p.BlobID))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], p.Index)
		off += 8
	}
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(m.CsumType)))
	off += 2
	off += copy(buf[off:], m.CsumType)
	for _, c := range m.CsumData {
		binary.LittleEndian.PutUint32(buf[off:], c)
		off += 4
	}
	return buf
}

// DecodeChunkMeta decodes a ChunkMeta previously produced by Encode.
func DecodeChunkMeta(data []byte) (ChunkMeta, error) {
	var m ChunkMeta
	if len(data) < 16 {
		return m, fmt.Errorf("chunkio: truncated chunk meta header (%d bytes)", len(data))
	}
	off := 0
	m.SizeBytes = binary.LittleEndian.Uint64(data[off:])
	off += 8
	n := binary.LittleEndian.Uint64(data[off:])
	off += 8

	if uint64(len(data)) < uint64(off)+n*16+2 {
		return m, fmt.Errorf("chunkio: truncated chunk meta location array")
	}
	m.Location = make([]allocator.PagePos, n)
	for i := range m.Location {
		var p allocator.PagePos
		p.BlobID = blockbackend.BlobID(binary.LittleEndian.Uint64(data[off:]))
		off += 8
		p.Index = binary.LittleEndian.Uint64(data[off:])
		off += 8
		m.Location[i] = p
	}

	csumTypeLen := binary.LittleEndian.Uint16(data[off:])
	off += 2
	if uint64(len(data)) < uint64(off)+uint64(csumTypeLen)+n*4 {
		return m, fmt.Errorf("chunkio: truncated chunk meta tail")
	}
	m.CsumType = string(data[off : off+int(csumTypeLen)])
	off += int(csumTypeLen)

	m.CsumData = make([]uint32, n)
	for i := range m.CsumData {
		m.CsumData[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	return m, nil
}
