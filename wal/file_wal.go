package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

const (
	walFilePerm       = 0600
	walDirPerm        = 0700
	maxEntrySize      = 1024 * 1024      // 1MB, far above any vote
	defaultBufSize    = 64 * 1024        // 64KB buffer
	defaultMaxSegSize = 16 * 1024 * 1024 // 16MB default segment size

	segmentPattern = "votes-%05d"
)

// FileWAL is a segmented, append-only file log. Each record is
//
//	[4 bytes: length][N bytes: CBOR entry][4 bytes: CRC32]
//
// with big endian integers. Segments rotate at maxSegSize and are removed by
// Checkpoint once every entry in them is at or below the finalized height.
type FileWAL struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger

	file *os.File
	buf  *bufio.Writer
	enc  *encoder

	started      bool
	minIndex     int
	segmentIndex int   // current segment
	segmentSize  int64 // bytes in the current segment
	maxSegSize   int64
}

// NewFileWAL creates a log in dir with the default segment size
func NewFileWAL(dir string, logger *slog.Logger) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, defaultMaxSegSize, logger)
}

// NewFileWALWithOptions creates a log in dir with a custom segment size
func NewFileWALWithOptions(dir string, maxSegSize int64, logger *slog.Logger) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create vote log directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWAL{
		dir:        dir,
		maxSegSize: maxSegSize,
		logger:     logger.With("component", "wal"),
	}, nil
}

// Start opens the newest segment for appending. A torn record at the end of
// it, left by a crash mid-write, is cut off first.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	segments, err := findSegments(w.dir)
	if err != nil {
		return fmt.Errorf("failed to list vote log segments: %w", err)
	}
	if len(segments) > 0 {
		w.minIndex = segments[0]
		w.segmentIndex = segments[len(segments)-1]
		if err := w.repairTail(w.segmentIndex); err != nil {
			return err
		}
	}

	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}
	w.started = true
	return nil
}

// repairTail truncates a segment after its last intact record
func (w *FileWAL) repairTail(index int) error {
	path := w.segmentPath(index)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open vote log segment %d: %w", index, err)
	}
	dec := newDecoder(bufio.NewReader(file))
	var valid int64
	for {
		n, _, err := dec.decode()
		if err == io.EOF {
			file.Close()
			return nil
		}
		if err != nil {
			break
		}
		valid += int64(n)
	}
	file.Close()

	w.logger.Warn("truncating torn vote log tail", "segment", index, "offset", valid)
	if err := os.Truncate(path, valid); err != nil {
		return fmt.Errorf("failed to truncate vote log segment %d: %w", index, err)
	}
	return nil
}

func (w *FileWAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf(segmentPattern, index))
}

// openSegment opens a segment file for appending
func (w *FileWAL) openSegment(index int) error {
	file, err := os.OpenFile(w.segmentPath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open vote log segment %d: %w", index, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat vote log segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.enc = newEncoder(w.buf)
	w.segmentSize = info.Size()
	return nil
}

// Stop flushes, syncs and closes the current segment
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.started = false

	if err := w.flushAndSync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Write appends an entry without syncing
func (w *FileWAL) Write(e *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(e)
}

// WriteSync appends an entry and syncs it to disk
func (w *FileWAL) WriteSync(e *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.write(e); err != nil {
		return err
	}
	return w.flushAndSync()
}

func (w *FileWAL) write(e *Entry) error {
	if !w.started {
		return ErrWALClosed
	}
	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate vote log: %w", err)
		}
	}
	n, err := w.enc.encode(e)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)
	return nil
}

// rotate closes the current segment and opens the next one
func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.segmentIndex++
	return w.openSegment(w.segmentIndex)
}

// FlushAndSync flushes the buffer and syncs to disk
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	return w.flushAndSync()
}

func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Replay reads every segment oldest first. A corrupt record ends its
// segment; reading resumes with the next one.
func (w *FileWAL) Replay(fn func(*Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}

	for idx := w.minIndex; idx <= w.segmentIndex; idx++ {
		err := w.readSegment(idx, func(e *Entry) error {
			if e.Type == EntryUnknown {
				return nil
			}
			return fn(e)
		})
		if errors.Is(err, ErrWALCorrupted) {
			w.logger.Warn("skipping rest of corrupt vote log segment", "segment", idx, "err", err)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *FileWAL) readSegment(index int, fn func(*Entry) error) error {
	file, err := os.Open(w.segmentPath(index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	for {
		_, e, err := dec.decode()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Checkpoint deletes the oldest segments whose entries are all at or below
// height. The current segment is never deleted.
func (w *FileWAL) Checkpoint(height uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	for w.minIndex < w.segmentIndex {
		var maxHeight uint64
		err := w.readSegment(w.minIndex, func(e *Entry) error {
			maxHeight = max(maxHeight, e.Height)
			return nil
		})
		if err != nil || maxHeight > height {
			// unreadable segments are kept for inspection
			break
		}
		if err := os.Remove(w.segmentPath(w.minIndex)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete vote log segment %d: %w", w.minIndex, err)
		}
		w.logger.Debug("removed vote log segment", "segment", w.minIndex, "height", maxHeight)
		w.minIndex++
	}
	return nil
}

// SegmentCount returns the number of segments on disk
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentIndex - w.minIndex + 1
}

// CurrentSegmentSize returns the size of the current segment
func (w *FileWAL) CurrentSegmentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentSize
}

var _ WAL = (*FileWAL)(nil)

// findSegments returns the segment indices in dir, ascending
func findSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), segmentPattern, &idx); n == 1 {
			segments = append(segments, idx)
		}
	}
	slices.Sort(segments)
	return segments, nil
}

type encoder struct {
	w   io.Writer
	hdr [4]byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{w: w}
}

// encode writes one record and returns its size on disk
func (e *encoder) encode(entry *Entry) (int, error) {
	data, err := entry.marshal()
	if err != nil {
		return 0, err
	}
	if len(data) > maxEntrySize {
		return 0, fmt.Errorf("entry is %d bytes (max %d)", len(data), maxEntrySize)
	}

	binary.BigEndian.PutUint32(e.hdr[:], uint32(len(data)))
	if _, err := e.w.Write(e.hdr[:]); err != nil {
		return 0, err
	}
	if _, err := e.w.Write(data); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(e.hdr[:], crc32.ChecksumIEEE(data))
	if _, err := e.w.Write(e.hdr[:]); err != nil {
		return 0, err
	}
	return 4 + len(data) + 4, nil
}

type decoder struct {
	r   io.Reader
	hdr [4]byte
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: r}
}

// decode reads one record. It returns io.EOF only at a clean record
// boundary; a partial record is ErrWALCorrupted.
func (d *decoder) decode() (int, *Entry, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, fmt.Errorf("%w: truncated length", ErrWALCorrupted)
		}
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(d.hdr[:])
	if length > maxEntrySize {
		return 0, nil, fmt.Errorf("%w: record length %d", ErrWALCorrupted, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated record: %v", ErrWALCorrupted, err)
	}
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated checksum: %v", ErrWALCorrupted, err)
	}
	expected := binary.BigEndian.Uint32(d.hdr[:])
	if actual := crc32.ChecksumIEEE(data); expected != actual {
		return 0, nil, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrWALCorrupted, expected, actual)
	}

	entry, err := unmarshalEntry(data)
	if err != nil {
		return 0, nil, err
	}
	return 4 + int(length) + 4, entry, nil
}
