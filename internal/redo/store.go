// Package redo implements the Redo Log Store of spec.md §4.2: an
// append-only ordered map operationId → redoValue, persisted with
// length-prefixed framing tolerant of a truncated tail.
//
// Grounded on the teacher's
// server/innodb/manager/redo_log_manager.go (Append/Flush/Recover/
// Checkpoint, binary.Write field framing). This version wraps each
// record in an explicit length-prefixed frame (the teacher's Recover
// has no way to detect a mid-record EOF) and compresses large commit
// records with snappy before framing, a concern distinct from the
// page-level lz4 compression internal/storage applies under
// COMPRESS_DATA.
package redo

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	"go.uber.org/atomic"

	"github.com/coredb/coredb/internal/pool"
)

// Write is one (mapName, key, newValue) triple inside a commit record;
// a nil Value denotes a tombstone.
type Write struct {
	MapName string
	Key     []byte
	Value   []byte // nil => tombstone
}

// Record is the serialized commit record keyed by operationId.
type Record struct {
	TrxID  int64
	Writes []Write
}

const compressThreshold = 256 // bytes, below which compression isn't worth the framing overhead

// Store is the append-only redo log file.
type Store struct {
	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	highest atomic.Int64 // highest operationId ever appended, seeded by Replay

	// bufPool amortizes the frame-encoding buffer Append allocates on
	// every call, per spec.md §4.1 ("the log writer" is the pool's
	// named consumer).
	bufPool *pool.BufferPool
}

// Open opens (creating if absent) the redo log file at dir/redo.log.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "redo.log"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Store{
		file:    f,
		w:       bufio.NewWriter(f),
		bufPool: pool.New(pool.DefaultSize, pool.DefaultCapCap),
	}, nil
}

// HighestOpID returns the highest operationId observed so far (via
// Append or Replay), or 0 if the log is empty.
func (s *Store) HighestOpID() int64 { return s.highest.Load() }

// Append commits rec in memory at key opID; it is not guaranteed
// durable until Save returns.
func (s *Store) Append(opID int64, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := s.bufPool.Acquire()
	defer s.bufPool.Release(raw[:0])

	raw = encodeRecord(raw, rec)
	payload := raw
	compressed := byte(0)
	if len(raw) >= compressThreshold {
		payload = snappy.Encode(nil, raw)
		compressed = 1
	}

	if err := binary.Write(s.w, binary.BigEndian, opID); err != nil {
		return err
	}
	if err := s.w.WriteByte(compressed); err != nil {
		return err
	}
	if err := binary.Write(s.w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}

	if opID > s.highest.Load() {
		s.highest.Store(opID)
	}
	return nil
}

// Save flushes buffered frames to the OS and fsyncs the file, giving
// the durability guarantee spec.md §4.2 requires.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// Visitor is invoked once per decoded frame, in operationId order.
type Visitor func(opID int64, rec *Record) error

// rawFrame is one on-disk frame before payload decompression/decoding.
type rawFrame struct {
	opID       int64
	compressed byte
	payload    []byte
}

// readFrame reads one frame from r. ok is false on EOF or a truncated
// tail, which callers must treat as "stop, not an error".
func readFrame(r *bufio.Reader) (f rawFrame, ok bool) {
	if err := binary.Read(r, binary.BigEndian, &f.opID); err != nil {
		return f, false
	}
	compressed, err := r.ReadByte()
	if err != nil {
		return f, false
	}
	f.compressed = compressed
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return f, false
	}
	f.payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return f, false
	}
	return f, true
}

func writeFrame(w *bufio.Writer, f rawFrame) error {
	if err := binary.Write(w, binary.BigEndian, f.opID); err != nil {
		return err
	}
	if err := w.WriteByte(f.compressed); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(f.payload))); err != nil {
		return err
	}
	_, err := w.Write(f.payload)
	return err
}

// Replay iterates the log in key order from the start of the file,
// invoking visitor for every complete frame. A truncated or corrupt
// tail frame stops replay without error — recovery proceeds with
// whatever complete prefix was read.
func (s *Store) Replay(visitor Visitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		return err
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(s.file)

	for {
		f, ok := readFrame(r)
		if !ok {
			break // EOF or truncated tail: stop, tolerate it
		}
		payload := f.payload
		if f.compressed == 1 {
			decoded, err := snappy.Decode(nil, payload)
			if err != nil {
				break // corrupt frame: discard and stop
			}
			payload = decoded
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			break
		}
		if f.opID > s.highest.Load() {
			s.highest.Store(f.opID)
		}
		if err := visitor(f.opID, rec); err != nil {
			return err
		}
	}

	// Reposition for further appends.
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.w = bufio.NewWriter(s.file)
	return nil
}

// Trim discards every frame with an operationId strictly below
// belowOpID, per spec.md's data model ("RedoLogEntry ... trimmed after
// checkpoint by the storage engine"), with the boundary the caller
// computes (internal/txn.Engine.CheckpointTrimBoundary). It
// rewrites the log file to a temporary sibling and renames it into
// place so a crash mid-trim leaves either the old or the new file
// intact, never a partial one.
func (s *Store) Trim(belowOpID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		return err
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(s.file)

	path := s.file.Name()
	tmpPath := path + ".trim"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)

	for {
		f, ok := readFrame(r)
		if !ok {
			break
		}
		if f.opID < belowOpID {
			continue
		}
		if err := writeFrame(w, f); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	return nil
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// encodeRecord appends rec's wire encoding onto dst (typically a
// buffer borrowed from Store.bufPool) and returns the result.
func encodeRecord(dst []byte, rec *Record) []byte {
	dst = appendInt64(dst, rec.TrxID)
	dst = appendUint32(dst, uint32(len(rec.Writes)))
	for _, w := range rec.Writes {
		dst = appendBytes(dst, []byte(w.MapName))
		dst = appendBytes(dst, w.Key)
		dst = appendBytes(dst, w.Value)
	}
	return dst
}

func decodeRecord(data []byte) (*Record, error) {
	off := 0
	trxID, off, err := readInt64(data, off)
	if err != nil {
		return nil, err
	}
	n, off, err := readUint32(data, off)
	if err != nil {
		return nil, err
	}
	rec := &Record{TrxID: trxID, Writes: make([]Write, 0, n)}
	for i := uint32(0); i < n; i++ {
		var mapName, key, value []byte
		mapName, off, err = readBytes(data, off)
		if err != nil {
			return nil, err
		}
		key, off, err = readBytes(data, off)
		if err != nil {
			return nil, err
		}
		value, off, err = readBytes(data, off)
		if err != nil {
			return nil, err
		}
		rec.Writes = append(rec.Writes, Write{MapName: string(mapName), Key: key, Value: value})
	}
	return rec, nil
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	if b == nil {
		return appendUint32(buf, 0xFFFFFFFF)
	}
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readInt64(data []byte, off int) (int64, int, error) {
	if off+8 > len(data) {
		return 0, off, io.ErrUnexpectedEOF
	}
	return int64(binary.BigEndian.Uint64(data[off:])), off + 8, nil
}

func readUint32(data []byte, off int) (uint32, int, error) {
	if off+4 > len(data) {
		return 0, off, io.ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint32(data[off:]), off + 4, nil
}

func readBytes(data []byte, off int) ([]byte, int, error) {
	length, off, err := readUint32(data, off)
	if err != nil {
		return nil, off, err
	}
	if length == 0xFFFFFFFF {
		return nil, off, nil
	}
	end := off + int(length)
	if end > len(data) {
		return nil, off, io.ErrUnexpectedEOF
	}
	return data[off:end], end, nil
}
