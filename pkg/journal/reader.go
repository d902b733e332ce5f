package journal

import (
	"encoding/binary"
	"io"
	"os"
)

// Reader reads journal entries from a sequence of segment files in order.
type Reader struct {
	files   []string
	current int
	fd      *os.File
	offset  int64
}

// NewReader creates a reader over the given segment files (oldest first).
func NewReader(files []string) *Reader {
	return &Reader{files: files}
}

// Open opens the first segment.
func (r *Reader) Open() error {
	if len(r.files) == 0 {
		return io.EOF
	}

	fd, err := os.Open(r.files[0])
	if err != nil {
		return err
	}

	r.fd = fd
	r.offset = 0
	return nil
}

// Next returns the next entry, or io.EOF once every segment is exhausted.
func (r *Reader) Next() (*Entry, error) {
	for {
		entry, err := r.readEntryFromCurrent()
		if err == nil {
			return entry, nil
		}

		if err == io.EOF {
			if err := r.nextFile(); err != nil {
				return nil, err
			}
			continue
		}

		if err == ErrCorrupted || err == ErrTruncated {
			if err := r.skipToNextEntry(); err != nil {
				return nil, err
			}
			continue
		}

		return nil, err
	}
}

func (r *Reader) readEntryFromCurrent() (*Entry, error) {
	if r.fd == nil {
		return nil, io.EOF
	}

	header := make([]byte, EntryHeaderSize)
	n, err := r.fd.Read(header)
	if err != nil {
		return nil, err
	}
	if n < EntryHeaderSize {
		return nil, io.EOF
	}

	keyLen := binary.LittleEndian.Uint32(header[24:28])
	valLen := binary.LittleEndian.Uint32(header[28:32])

	dataLen := int(keyLen) + int(valLen) + 4
	data := make([]byte, EntryHeaderSize+dataLen)
	copy(data, header)

	if _, err := io.ReadFull(r.fd, data[EntryHeaderSize:]); err != nil {
		return nil, err
	}

	r.offset += int64(EntryHeaderSize + dataLen)

	return DecodeEntry(data)
}

func (r *Reader) nextFile() error {
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}

	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}

	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}

	r.fd = fd
	r.offset = 0
	return nil
}

func (r *Reader) skipToNextEntry() error {
	_, err := r.fd.Seek(1024, io.SeekCurrent)
	if err != nil {
		return err
	}
	r.offset += 1024
	return nil
}

// Close closes the reader's currently open segment, if any.
func (r *Reader) Close() error {
	if r.fd != nil {
		return r.fd.Close()
	}
	return nil
}

// ReadAll reads every entry across all given segment files.
func ReadAll(files []string) ([]*Entry, error) {
	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	defer reader.Close()

	var entries []*Entry
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
