package journal

import (
	"encoding/binary"
	"hash/crc32"
	"time"
)

// OpType tags the kind of journal entry.
type OpType byte

const (
	// OpReserve records pages allocated for a chunk, before the chunk's
	// metadata row is known to have committed to the Meta KV.
	OpReserve OpType = 1

	// OpCommit marks a reservation's owning chunk write as durably
	// persisted; its pages are now reachable and must not be reconciled.
	OpCommit OpType = 2

	// OpCheckpoint marks that every reservation before it has already
	// been resolved (committed or reconciled) and older segments can be
	// dropped.
	OpCheckpoint OpType = 3
)

const (
	// EntryHeaderSize: LSN(8) + ReservationID(8) + OpType(1) + Reserved(7) + KeyLen(4) + ValLen(4) + Timestamp(8)
	EntryHeaderSize = 40
)

// Entry is a single journal record. Key is the chunk name; Value is the
// caller-encoded payload (madengine encodes the reserved PagePos list
// there for OpReserve entries, and leaves it empty otherwise).
type Entry struct {
	LSN           uint64
	ReservationID uint64
	OpType        OpType
	Key           []byte
	Value         []byte
	Timestamp     time.Time
}

// Encode serializes the entry to bytes with a trailing CRC32 checksum.
// Format: [Header(40)] [Key] [Value] [CRC32(4)]
func (e *Entry) Encode() []byte {
	keyLen := len(e.Key)
	valLen := len(e.Value)
	totalSize := EntryHeaderSize + keyLen + valLen + 4

	buf := make([]byte, totalSize)

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.ReservationID)
	buf[16] = byte(e.OpType)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(keyLen))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(valLen))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(e.Timestamp.Unix()))

	offset := EntryHeaderSize
	copy(buf[offset:], e.Key)
	offset += keyLen
	copy(buf[offset:], e.Value)
	offset += valLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// DecodeEntry deserializes and CRC-validates a journal entry.
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}

	dataLen := len(data)
	storedCRC := binary.LittleEndian.Uint32(data[dataLen-4:])
	computedCRC := crc32.ChecksumIEEE(data[:dataLen-4])
	if storedCRC != computedCRC {
		return nil, ErrCorrupted
	}

	entry := &Entry{
		LSN:           binary.LittleEndian.Uint64(data[0:8]),
		ReservationID: binary.LittleEndian.Uint64(data[8:16]),
		OpType:        OpType(data[16]),
	}

	keyLen := binary.LittleEndian.Uint32(data[24:28])
	valLen := binary.LittleEndian.Uint32(data[28:32])
	ts := binary.LittleEndian.Uint64(data[32:40])
	entry.Timestamp = time.Unix(int64(ts), 0)

	expectedSize := EntryHeaderSize + int(keyLen) + int(valLen) + 4
	if len(data) < expectedSize {
		return nil, ErrTruncated
	}

	offset := EntryHeaderSize
	if keyLen > 0 {
		entry.Key = make([]byte, keyLen)
		copy(entry.Key, data[offset:offset+int(keyLen)])
		offset += int(keyLen)
	}
	if valLen > 0 {
		entry.Value = make([]byte, valLen)
		copy(entry.Value, data[offset:offset+int(valLen)])
	}

	return entry, nil
}

// Size returns the encoded size of the entry.
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.Key) + len(e.Value) + 4
}
