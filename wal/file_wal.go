package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/blockberries/finalberry/types"
)

const (
	walFilePerm       = 0600
	walDirPerm        = 0700
	maxMsgSize        = 10 * 1024 * 1024
	defaultBufSize    = 64 * 1024
	defaultMaxSegSize = 64 * 1024 * 1024

	segmentPrefix = "wal"
)

// Frames are checksummed with CRC-32C
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// span is the range of heights logged in one segment
type span struct {
	min, max int64
	frames   int
	// heights whose EndHeight marker is in the segment
	ends map[int64]struct{}
}

func (s *span) add(msg *Message) {
	if s.frames == 0 || msg.Height < s.min {
		s.min = msg.Height
	}
	s.max = max(s.max, msg.Height)
	s.frames++
	if msg.Type == MsgTypeEndHeight {
		if s.ends == nil {
			s.ends = make(map[int64]struct{})
		}
		s.ends[msg.Height] = struct{}{}
	}
}

// FileWAL is a segmented, file-based WAL. Each frame is
//
//	[4 bytes: length][N bytes: CBOR message][4 bytes: CRC-32C]
//
// The WAL keeps the height range of every segment in memory, so recovery
// reads and pruning only open the segments they need.
type FileWAL struct {
	mu     sync.Mutex
	dir    string
	file   *os.File
	buf    *bufio.Writer
	enc    *encoder
	logger *zap.Logger

	group        *Group
	started      bool
	segmentIndex int
	segmentSize  int64
	maxSegSize   int64

	spans map[int]*span
}

// NewFileWAL creates a file-based WAL under dir
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, defaultMaxSegSize)
}

// NewFileWALWithOptions creates a file-based WAL that rotates segments once
// they reach maxSegSize bytes
func NewFileWALWithOptions(dir string, maxSegSize int64) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}

	return &FileWAL{
		dir:        dir,
		maxSegSize: maxSegSize,
		logger:     zap.NewNop(),
		group: &Group{
			Dir:     dir,
			Prefix:  segmentPrefix,
			MaxSize: maxSegSize,
		},
	}, nil
}

// SetLogger sets the logger
func (w *FileWAL) SetLogger(l *zap.Logger) {
	w.logger = l.Named("wal")
}

// Start indexes the existing segments and opens the newest one for
// appending
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	w.spans = make(map[int]*span)
	segments := findSegments(w.dir)
	if len(segments) > 0 {
		w.group.MinIndex = segments[0]
		w.group.MaxIndex = segments[len(segments)-1]
	}
	w.segmentIndex = w.group.MaxIndex

	if err := w.buildIndex(); err != nil {
		return fmt.Errorf("failed to build WAL index: %w", err)
	}
	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}

	w.started = true
	w.logger.Debug("WAL started",
		zap.String("dir", w.dir),
		zap.Int("segments", w.group.MaxIndex-w.group.MinIndex+1))
	return nil
}

// buildIndex records the height span of every segment. A torn frame at the
// tail of the newest segment is truncated away so new frames are appended
// after the last good one.
func (w *FileWAL) buildIndex() error {
	for idx := w.group.MinIndex; idx <= w.group.MaxIndex; idx++ {
		sp := &span{}
		w.spans[idx] = sp
		valid, err := w.scanSegment(idx, func(msg *Message) bool {
			sp.add(msg)
			return true
		})
		if err == nil {
			continue
		}
		if !isTorn(err) {
			return err
		}
		if idx != w.group.MaxIndex {
			w.logger.Warn("stopped indexing corrupted WAL segment",
				zap.Int("segment", idx), zap.Error(err))
			continue
		}
		if err := os.Truncate(w.segmentPath(idx), valid); err != nil {
			return fmt.Errorf("failed to truncate torn WAL tail: %w", err)
		}
		w.logger.Warn("truncated torn WAL tail",
			zap.Int("segment", idx), zap.Int64("offset", valid), zap.Error(err))
	}
	return nil
}

// scanSegment decodes segment idx, calling fn for each message until fn
// returns false. It returns the offset just past the last good frame. A
// missing segment is not an error.
func (w *FileWAL) scanSegment(idx int, fn func(*Message) bool) (int64, error) {
	file, err := os.Open(w.segmentPath(idx))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			return dec.offset, nil
		}
		if err != nil {
			return dec.offset, err
		}
		if !fn(msg) {
			return dec.offset, nil
		}
	}
}

func isTorn(err error) bool {
	return errors.Is(err, ErrWALCorrupted) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (w *FileWAL) segmentPath(index int) string {
	return segmentPath(w.dir, index)
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%05d", segmentPrefix, index))
}

func (w *FileWAL) openSegment(index int) error {
	file, err := os.OpenFile(w.segmentPath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.enc = newEncoder(w.buf)
	w.segmentSize = info.Size()
	if w.spans[index] == nil {
		w.spans[index] = &span{}
	}
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

// Write appends msg to the buffer. It reaches disk on the next sync.
func (w *FileWAL) Write(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(msg)
}

// WriteSync appends msg and syncs it to disk
func (w *FileWAL) WriteSync(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeLocked(msg); err != nil {
		return err
	}
	return w.flushAndSync()
}

func (w *FileWAL) writeLocked(msg *Message) error {
	if !w.started {
		return ErrWALClosed
	}

	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	n, err := w.enc.Encode(msg)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)
	w.spans[w.segmentIndex].add(msg)
	return nil
}

// rotate closes the current segment and opens a new one
func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	w.segmentIndex++
	w.group.MaxIndex = w.segmentIndex
	w.logger.Debug("rotated WAL segment", zap.Int("segment", w.segmentIndex))
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

// SearchForEndHeight returns a reader positioned just after the EndHeight
// marker for height. Only the segment holding the marker is opened.
func (w *FileWAL) SearchForEndHeight(height int64) (Reader, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, false, ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return nil, false, err
	}

	for idx := w.group.MinIndex; idx <= w.group.MaxIndex; idx++ {
		if sp := w.spans[idx]; sp == nil {
			continue
		} else if _, ok := sp.ends[height]; !ok {
			continue
		}
		return w.searchSegmentForEndHeight(idx, height)
	}
	return nil, false, nil
}

func (w *FileWAL) searchSegmentForEndHeight(segmentIndex int, height int64) (Reader, bool, error) {
	file, err := os.Open(w.segmentPath(segmentIndex))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	reader := &fileReader{
		file: file,
		dec:  newDecoder(bufio.NewReader(file)),
	}
	for {
		msg, err := reader.Read()
		if err == io.EOF {
			reader.Close()
			return nil, false, nil
		}
		if err != nil {
			reader.Close()
			return nil, false, err
		}
		if msg.Type == MsgTypeEndHeight && msg.Height == height {
			return reader, true, nil
		}
	}
}

// MessagesAfter returns every message above height in log order, skipping
// EndHeight markers. Segments that end at or below height are not read.
func (w *FileWAL) MessagesAfter(height int64) ([]*Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return nil, err
	}

	var out []*Message
	for idx := w.group.MinIndex; idx <= w.group.MaxIndex; idx++ {
		if sp := w.spans[idx]; sp != nil && (sp.frames == 0 || sp.max <= height) {
			continue
		}
		_, err := w.scanSegment(idx, func(msg *Message) bool {
			if msg.Height > height && msg.Type != MsgTypeEndHeight {
				out = append(out, msg)
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read WAL segment %d: %w", idx, err)
		}
	}
	return out, nil
}

// Group returns the WAL group
func (w *FileWAL) Group() *Group {
	return w.group
}

// Checkpoint deletes the leading segments that only contain heights <=
// checkpointHeight. Call it once state up to checkpointHeight is durable
// elsewhere. The segment being written is never deleted.
func (w *FileWAL) Checkpoint(checkpointHeight int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	deleted := 0
	for idx := w.group.MinIndex; idx < w.group.MaxIndex; idx++ {
		if sp := w.spans[idx]; sp == nil || (sp.frames > 0 && sp.max > checkpointHeight) {
			break
		}
		if err := os.Remove(w.segmentPath(idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", idx, err)
		}
		delete(w.spans, idx)
		w.group.MinIndex = idx + 1
		deleted++
	}

	if deleted > 0 {
		w.logger.Info("pruned WAL segments",
			zap.Int64("checkpoint_height", checkpointHeight),
			zap.Int("deleted", deleted))
	}
	return nil
}

// SegmentCount returns the number of segments
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.group.MaxIndex - w.group.MinIndex + 1
}

// CurrentSegmentSize returns the approximate size of the current segment
func (w *FileWAL) CurrentSegmentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentSize
}

// Ensure FileWAL implements WAL
var _ WAL = (*FileWAL)(nil)

type encoder struct {
	w   io.Writer
	buf []byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{
		w:   w,
		buf: make([]byte, 4),
	}
}

// Encode writes one frame and returns the number of bytes written.
func (e *encoder) Encode(msg *Message) (int, error) {
	data, err := types.Marshal(msg)
	if err != nil {
		return 0, err
	}
	if len(data) > maxMsgSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	binary.BigEndian.PutUint32(e.buf, uint32(len(data)))
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	if _, err := e.w.Write(data); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(e.buf, crc32.Checksum(data, crcTable))
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	return 4 + len(data) + 4, nil
}

type decoder struct {
	r      io.Reader
	header [4]byte
	frame  []byte
	offset int64 // bytes consumed by complete frames
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: r}
}

// Decode reads the next frame. The frame buffer is reused across calls;
// decoded messages never alias it.
func (d *decoder) Decode() (*Message, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(d.header[:])
	if length > maxMsgSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrWALCorrupted, length)
	}

	if cap(d.frame) < int(length) {
		d.frame = make([]byte, length)
	}
	frame := d.frame[:length]
	if _, err := io.ReadFull(d.r, frame); err != nil {
		return nil, eofIsTorn(err)
	}
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return nil, eofIsTorn(err)
	}
	want := binary.BigEndian.Uint32(d.header[:])
	if got := crc32.Checksum(frame, crcTable); want != got {
		return nil, fmt.Errorf("%w: checksum %08x, frame hashes to %08x", ErrWALCorrupted, want, got)
	}

	msg := &Message{}
	if err := types.Unmarshal(frame, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	msg.Data = types.CopyBytes(msg.Data)
	d.offset += 8 + int64(length)
	return msg, nil
}

// A frame cut short mid-way is a torn write, not a clean end of segment.
func eofIsTorn(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

type fileReader struct {
	file *os.File
	dec  *decoder
}

func (r *fileReader) Read() (*Message, error) {
	return r.dec.Decode()
}

func (r *fileReader) Close() error {
	return r.file.Close()
}

var _ Reader = (*fileReader)(nil)

// OpenWALForReading opens every segment under dir for sequential reading.
func OpenWALForReading(dir string) (Reader, error) {
	segments := findSegments(dir)
	if len(segments) == 0 {
		return nil, ErrWALNotFound
	}

	return &multiSegmentReader{
		dir:      dir,
		segments: segments,
		current:  -1,
	}, nil
}

// findSegments returns the sorted segment indices under dir
func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), segmentPrefix+"-%05d", &idx); n == 1 {
			segments = append(segments, idx)
		}
	}
	slices.Sort(segments)
	return segments
}

type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	reader   *fileReader
}

func (r *multiSegmentReader) Read() (*Message, error) {
	for {
		if r.reader == nil {
			r.current++
			if r.current >= len(r.segments) {
				return nil, io.EOF
			}

			file, err := os.Open(segmentPath(r.dir, r.segments[r.current]))
			if err != nil {
				return nil, err
			}
			r.reader = &fileReader{
				file: file,
				dec:  newDecoder(bufio.NewReader(file)),
			}
		}

		msg, err := r.reader.Read()
		if err == io.EOF {
			r.reader.Close()
			r.reader = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

var _ Reader = (*multiSegmentReader)(nil)
