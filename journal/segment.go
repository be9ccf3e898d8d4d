package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/sys"
)

// Batch frame layout:
//
//	bodyLen uint32 | crc32(body) uint32 | body
//	body = firstOffset int64 | count uint32 | count * (keyLen uint32 | key | payloadLen uint32 | payload)
//
// All integers are little endian. Offsets inside a batch are contiguous, so
// only the first one is stored.
const (
	frameHeaderSize = 8
	batchHeaderSize = 12
)

var errCorruptFrame = errors.New("corrupt batch frame")

// batchPos locates one batch frame inside a segment file.
type batchPos struct {
	first int64
	last  int64
	pos   int64
	size  int64
}

// segment is one append-only journal file. Its name carries the offset of its
// first entry.
type segment struct {
	base     int64
	path     string
	file     *os.File
	size     int64
	batches  []batchPos
	created  time.Time
	modified time.Time
}

func (s *segment) lastOffset() int64 {
	if len(s.batches) == 0 {
		return s.base - 1
	}
	return s.batches[len(s.batches)-1].last
}

func (s *segment) nextOffset() int64 { return s.lastOffset() + 1 }

// find returns the index of the batch holding offset, or -1.
func (s *segment) find(offset int64) int {
	i := sort.Search(len(s.batches), func(i int) bool { return s.batches[i].last >= offset })
	if i < len(s.batches) && s.batches[i].first <= offset {
		return i
	}
	return -1
}

func createSegment(dir string, magic uint32, base int64, preallocate int64) (*segment, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(base))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}
	header := core.NewFileHeader(magic, base, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}
	if preallocate > 0 {
		// Best effort; unsupported filesystems just grow the file on demand.
		_ = sys.Preallocate(file, preallocate)
	}
	now := time.Now()
	return &segment{
		base:     base,
		path:     path,
		file:     file,
		size:     int64(core.FileHeaderSize),
		created:  now,
		modified: now,
	}, nil
}

// openSegment opens an existing segment and rebuilds its batch index. A frame
// that fails validation ends the scan: the returned segment covers every frame
// before it, and corruptAt holds the file position of the bad frame (or -1).
func openSegment(path string, magic uint32) (seg *segment, corruptAt int64, err error) {
	base, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		return nil, -1, err
	}
	file, err := sys.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	var header core.FileHeader
	if err := binary.Read(io.NewSectionReader(file, 0, int64(core.FileHeaderSize)), binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, -1, fmt.Errorf("segment %s is truncated at header: %w", path, err)
	}
	if err := header.Validate(magic); err != nil {
		file.Close()
		return nil, -1, fmt.Errorf("segment %s: %w", path, err)
	}
	if header.BaseOffset != base {
		file.Close()
		return nil, -1, fmt.Errorf("segment %s: header base offset %d does not match file name", path, header.BaseOffset)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, -1, err
	}

	seg = &segment{
		base:     base,
		path:     path,
		file:     file,
		created:  time.Unix(0, header.CreatedAt),
		modified: stat.ModTime(),
	}
	seg.size, corruptAt = seg.scan(stat.Size())
	return seg, corruptAt, nil
}

// scan walks the frames after the header. It returns the end of the last good
// frame and the position of the first bad one, or -1 when the file is clean.
func (s *segment) scan(fileSize int64) (int64, int64) {
	pos := int64(core.FileHeaderSize)
	next := s.base
	var hdr [frameHeaderSize]byte
	for pos < fileSize {
		if fileSize-pos < frameHeaderSize {
			return pos, pos
		}
		if _, err := s.file.ReadAt(hdr[:], pos); err != nil {
			return pos, pos
		}
		bodyLen := int64(binary.LittleEndian.Uint32(hdr[0:4]))
		if bodyLen < batchHeaderSize || pos+frameHeaderSize+bodyLen > fileSize {
			return pos, pos
		}
		body := make([]byte, bodyLen)
		if _, err := s.file.ReadAt(body, pos+frameHeaderSize); err != nil {
			return pos, pos
		}
		if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(hdr[4:8]) {
			return pos, pos
		}
		first := int64(binary.LittleEndian.Uint64(body[0:8]))
		count := int64(binary.LittleEndian.Uint32(body[8:12]))
		if first != next || count == 0 {
			return pos, pos
		}
		size := frameHeaderSize + bodyLen
		s.batches = append(s.batches, batchPos{first: first, last: first + count - 1, pos: pos, size: size})
		next = first + count
		pos += size
	}
	return pos, -1
}

// truncate discards everything from pos onwards.
func (s *segment) truncate(pos int64) error {
	if err := s.file.Truncate(pos); err != nil {
		return fmt.Errorf("failed to truncate segment %s at %d: %w", s.path, pos, err)
	}
	s.size = pos
	return s.file.Sync()
}

// append writes one encoded batch frame at the end of the segment.
func (s *segment) append(frame []byte, first, last int64) error {
	if _, err := s.file.WriteAt(frame, s.size); err != nil {
		return fmt.Errorf("failed to append batch to %s: %w", s.path, err)
	}
	s.batches = append(s.batches, batchPos{first: first, last: last, pos: s.size, size: int64(len(frame))})
	s.size += int64(len(frame))
	s.modified = time.Now()
	return nil
}

func (s *segment) readBatch(bp batchPos) ([]core.ReadEntry, error) {
	frame := make([]byte, bp.size)
	if _, err := s.file.ReadAt(frame, bp.pos); err != nil {
		return nil, fmt.Errorf("failed to read batch at %s:%d: %w", s.path, bp.pos, err)
	}
	first, entries, err := decodeBatch(frame)
	if err != nil {
		return nil, fmt.Errorf("%s:%d: %w", s.path, bp.pos, err)
	}
	if first != bp.first {
		return nil, fmt.Errorf("%s:%d: %w: first offset %d, indexed %d", s.path, bp.pos, errCorruptFrame, first, bp.first)
	}
	return entries, nil
}

func (s *segment) sync() error {
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *segment) remove() error {
	_ = s.close()
	return sys.Remove(s.path)
}

func encodedBatchSize(entries []core.JournalEntry) int {
	n := frameHeaderSize + batchHeaderSize
	for i := range entries {
		n += entries[i].Size()
	}
	return n
}

func encodeBatch(first int64, entries []core.JournalEntry) []byte {
	frame := make([]byte, encodedBatchSize(entries))
	body := frame[frameHeaderSize:]
	binary.LittleEndian.PutUint64(body[0:8], uint64(first))
	binary.LittleEndian.PutUint32(body[8:12], uint32(len(entries)))
	p := batchHeaderSize
	for i := range entries {
		binary.LittleEndian.PutUint32(body[p:], uint32(len(entries[i].Key)))
		p += 4
		p += copy(body[p:], entries[i].Key)
		binary.LittleEndian.PutUint32(body[p:], uint32(len(entries[i].Payload)))
		p += 4
		p += copy(body[p:], entries[i].Payload)
	}
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))
	return frame
}

func decodeBatch(frame []byte) (int64, []core.ReadEntry, error) {
	if len(frame) < frameHeaderSize+batchHeaderSize {
		return 0, nil, errCorruptFrame
	}
	bodyLen := int(binary.LittleEndian.Uint32(frame[0:4]))
	body := frame[frameHeaderSize:]
	if bodyLen != len(body) {
		return 0, nil, fmt.Errorf("%w: length %d, have %d", errCorruptFrame, bodyLen, len(body))
	}
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(frame[4:8]) {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", errCorruptFrame)
	}
	first := int64(binary.LittleEndian.Uint64(body[0:8]))
	count := int(binary.LittleEndian.Uint32(body[8:12]))
	entries := make([]core.ReadEntry, 0, count)
	p := batchHeaderSize
	readField := func() ([]byte, bool) {
		if p+4 > len(body) {
			return nil, false
		}
		n := int(binary.LittleEndian.Uint32(body[p:]))
		p += 4
		if n > len(body)-p {
			return nil, false
		}
		b := body[p : p+n : p+n]
		p += n
		return b, true
	}
	for i := 0; i < count; i++ {
		key, ok := readField()
		if !ok {
			return 0, nil, fmt.Errorf("%w: entry %d key", errCorruptFrame, i)
		}
		payload, ok := readField()
		if !ok {
			return 0, nil, fmt.Errorf("%w: entry %d payload", errCorruptFrame, i)
		}
		entries = append(entries, core.ReadEntry{Offset: first + int64(i), Key: key, Payload: payload})
	}
	return first, entries, nil
}
