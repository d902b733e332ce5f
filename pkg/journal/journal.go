package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

const (
	// MaxSegmentSize is the maximum size of a single journal segment (100MB)
	MaxSegmentSize = 100 << 20

	// MaxSegments is the maximum number of segments to keep
	MaxSegments = 3

	// SegmentPrefix is not used for segment names: segments are named
	// after the base name of Path plus a three-digit index.
	SegmentPrefix = "journal"
)

// Journal is the append-only reservation log for one engine instance.
type Journal struct {
	// Path is the base path for journal segments (e.g. "/data/db.journal")
	Path string

	fd *os.File
	mu sync.Mutex

	lsn       uint64
	fileSize  int64
	fileIndex int
	closed    bool
}

// Open opens or creates the journal, positioning the LSN counter after
// the highest LSN found in any existing segment.
func (j *Journal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := j.findSegments()
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	if len(files) > 0 {
		latest := files[len(files)-1]
		fd, err := os.OpenFile(latest, os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		j.fd = fd

		stat, err := fd.Stat()
		if err != nil {
			return err
		}
		j.fileSize = stat.Size()

		_, err = fmt.Sscanf(filepath.Base(latest), j.baseName()+".%d", &j.fileIndex)
		if err != nil {
			j.fileIndex = 0
		}

		maxLSN, err := j.scanForHighestLSN(files)
		if err != nil {
			return err
		}
		atomic.StoreUint64(&j.lsn, maxLSN)
	} else {
		segPath := j.segmentPath(0)
		if err := os.MkdirAll(filepath.Dir(segPath), 0755); err != nil {
			return err
		}
		fd, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		j.fd = fd
		j.fileSize = 0
		j.fileIndex = 0
		atomic.StoreUint64(&j.lsn, 0)
	}

	j.closed = false
	return nil
}

// NextReservationID returns a fresh, monotonically increasing identifier
// to tag a reservation's Reserve/Commit entry pair.
func (j *Journal) NextReservationID() uint64 {
	return atomic.AddUint64(&j.lsn, 1)
}

// Append writes an entry, rotating to a new segment first if needed.
func (j *Journal) Append(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	data := entry.Encode()

	if j.fileSize+int64(len(data)) > MaxSegmentSize {
		if err := j.rotateNoLock(); err != nil {
			return err
		}
	}

	n, err := j.fd.Write(data)
	if err != nil {
		return err
	}

	j.fileSize += int64(n)
	return nil
}

// Fsync ensures all appended entries are durable.
func (j *Journal) Fsync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	return j.fd.Sync()
}

// Close closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	err := j.fd.Close()
	j.closed = true
	return err
}

func (j *Journal) rotateNoLock() error {
	if err := j.fd.Sync(); err != nil {
		return err
	}
	if err := j.fd.Close(); err != nil {
		return err
	}

	j.fileIndex++
	segPath := j.segmentPath(j.fileIndex)
	fd, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	j.fd = fd
	j.fileSize = 0

	return j.pruneOldSegmentsNoLock()
}

func (j *Journal) pruneOldSegmentsNoLock() error {
	files, err := j.findSegments()
	if err != nil {
		return err
	}

	if len(files) > MaxSegments {
		for _, f := range files[:len(files)-MaxSegments] {
			os.Remove(f)
		}
	}

	return nil
}

func (j *Journal) baseName() string {
	return filepath.Base(j.Path)
}

func (j *Journal) segmentPath(index int) string {
	dir := filepath.Dir(j.Path)
	name := fmt.Sprintf("%s.%03d", j.baseName(), index)
	return filepath.Join(dir, name)
}

func (j *Journal) findSegments() ([]string, error) {
	dir := filepath.Dir(j.Path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && j.isSegmentFile(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Slice(files, func(a, b int) bool {
		var idxA, idxB int
		pattern := j.baseName() + ".%d"
		fmt.Sscanf(filepath.Base(files[a]), pattern, &idxA)
		fmt.Sscanf(filepath.Base(files[b]), pattern, &idxB)
		return idxA < idxB
	})

	return files, nil
}

func (j *Journal) isSegmentFile(name string) bool {
	var index int
	pattern := j.baseName() + ".%d"
	_, err := fmt.Sscanf(name, pattern, &index)
	return err == nil
}

func (j *Journal) scanForHighestLSN(files []string) (uint64, error) {
	var maxLSN uint64

	for _, file := range files {
		fd, err := os.Open(file)
		if err != nil {
			return 0, err
		}

		for {
			entry, err := j.readEntry(fd)
			if err == io.EOF {
				break
			}
			if err != nil {
				fd.Seek(1024, io.SeekCurrent)
				continue
			}
			if entry.LSN > maxLSN {
				maxLSN = entry.LSN
			}
		}

		fd.Close()
	}

	return maxLSN, nil
}

func (j *Journal) readEntry(r io.Reader) (*Entry, error) {
	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	keyLen := binary.LittleEndian.Uint32(header[24:28])
	valLen := binary.LittleEndian.Uint32(header[28:32])

	dataLen := int(keyLen) + int(valLen) + 4
	data := make([]byte, EntryHeaderSize+dataLen)
	copy(data, header)
	if _, err := io.ReadFull(r, data[EntryHeaderSize:]); err != nil {
		return nil, err
	}

	return DecodeEntry(data)
}
