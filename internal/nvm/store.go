// Package nvm persists small device flags on non-volatile memory with
// a minimal-write policy. The backing file is a log of flag records
// closed by commit frames: a flush stages records for changed flags,
// verifies the staged bytes, then appends a commit frame carrying an
// advancing counter. A power loss mid-flush leaves the previous commit
// authoritative; readers replay only up to the last valid frame.
package nvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
)

var (
	ErrCorrupt = errors.New("nvm store corrupt")
	ErrWrite   = errors.New("nvm write failure")
)

var magic = []byte("OBNV")

const (
	formatVersion = 1

	recFlag      = 1
	recTombstone = 2
	recCommit    = 3

	// compactLimit bounds log growth. Compaction rewrites the file to
	// just the committed table, via tmp+rename.
	compactLimit = 32 * 1024

	// Record framing stores the key length in one byte and the payload
	// length in two. A flush must reject anything larger up front;
	// encoding it anyway would produce a record whose declared lengths
	// disagree with its body, which replay discards as a torn tail.
	maxKeyLen     = 255
	maxPayloadLen = 65535
)

type Store struct {
	path string
	file *os.File

	cache     map[string]Value
	committed map[string]Value
	commitSeq uint64

	physicalWrites int64
}

// Open loads the persisted flag table into memory, creating the store
// file on first boot. The log is replayed up to the last valid commit
// frame; a torn tail from an interrupted flush is discarded.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	s := &Store{
		path:      path,
		file:      f,
		cache:     make(map[string]Value),
		committed: make(map[string]Value),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if info.Size() == 0 {
		header := append(append([]byte{}, magic...), formatVersion)
		if _, err := s.write(header); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrWrite, err)
		}
		return s, nil
	}

	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.file.Close()
}

// Get returns the in-memory value of a flag.
func (s *Store) Get(key string) (Value, bool) {
	v, ok := s.cache[key]
	return v, ok
}

// GetBool is a convenience accessor; unset or non-bool flags read false.
func (s *Store) GetBool(key string) bool {
	v, ok := s.cache[key]
	return ok && v.Kind() == KindBool && v.Bool()
}

// GetString is a convenience accessor; unset or non-string flags read "".
func (s *Store) GetString(key string) string {
	v, ok := s.cache[key]
	if !ok || v.Kind() != KindString {
		return ""
	}
	return v.Str()
}

// GetCounter is a convenience accessor; unset or non-counter flags read 0.
func (s *Store) GetCounter(key string) uint8 {
	v, ok := s.cache[key]
	if !ok || v.Kind() != KindCounter {
		return 0
	}
	return v.Counter()
}

// Set mutates only the in-memory cache. Durability comes from Flush.
func (s *Store) Set(key string, v Value) {
	s.cache[key] = v
}

// Delete removes a flag from the cache; the next flush records a
// tombstone if the flag was committed.
func (s *Store) Delete(key string) {
	delete(s.cache, key)
}

// ClearAll empties the cache so every committed flag is tombstoned on
// the next flush.
func (s *Store) ClearAll() {
	s.cache = make(map[string]Value)
}

// Keys returns the keys currently present in the cache.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	return keys
}

// Dirty returns the number of flags whose in-memory value differs from
// the last committed value.
func (s *Store) Dirty() int {
	return len(s.dirtySet())
}

// PhysicalWrites counts write calls issued to the backing medium.
// The wear-leveling contract is asserted against this.
func (s *Store) PhysicalWrites() int64 {
	return s.physicalWrites
}

// CommitSeq returns the counter of the last committed frame.
func (s *Store) CommitSeq() uint64 {
	return s.commitSeq
}

// Flush performs the minimal-write commit. With zero dirty flags it
// performs zero physical writes. On any error the committed table is
// left untouched and remains authoritative.
func (s *Store) Flush() error {
	dirty := s.dirtySet()
	if len(dirty) == 0 {
		return nil
	}

	staged := new(bytes.Buffer)
	for _, key := range dirty {
		if len(key) > maxKeyLen {
			return fmt.Errorf("%w: flag key %q is %d bytes, limit %d", ErrWrite, key[:32]+"...", len(key), maxKeyLen)
		}
		v, ok := s.cache[key]
		if ok {
			if len(v.payload()) > maxPayloadLen {
				return fmt.Errorf("%w: flag %q payload is %d bytes, limit %d", ErrWrite, key, len(v.payload()), maxPayloadLen)
			}
			staged.Write(encodeFlag(key, v))
		} else {
			staged.Write(encodeTombstone(key))
		}
	}

	base, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	// Stage.
	if _, err := s.write(staged.Bytes()); err != nil {
		s.truncateTo(base)
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.truncateTo(base)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	// Verify the stage before committing.
	readBack := make([]byte, staged.Len())
	if _, err := s.file.ReadAt(readBack, base); err != nil {
		s.truncateTo(base)
		return fmt.Errorf("%w: verify read: %v", ErrWrite, err)
	}
	if !bytes.Equal(readBack, staged.Bytes()) {
		s.truncateTo(base)
		return fmt.Errorf("%w: staged records did not verify", ErrWrite)
	}

	// Commit: one frame advancing the counter.
	if _, err := s.write(encodeCommit(s.commitSeq + 1)); err != nil {
		s.truncateTo(base)
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.truncateTo(base)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	s.commitSeq++
	for _, key := range dirty {
		if v, ok := s.cache[key]; ok {
			s.committed[key] = v
		} else {
			delete(s.committed, key)
		}
	}
	slog.Debug("Flags flushed", "dirty", len(dirty), "commit", s.commitSeq)

	return s.maybeCompact()
}

func (s *Store) dirtySet() []string {
	var dirty []string
	for k, v := range s.cache {
		old, ok := s.committed[k]
		if !ok || !old.equal(v) {
			dirty = append(dirty, k)
		}
	}
	for k := range s.committed {
		if _, ok := s.cache[k]; !ok {
			dirty = append(dirty, k)
		}
	}
	return dirty
}

func (s *Store) write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	s.physicalWrites++
	return n, nil
}

func (s *Store) truncateTo(size int64) {
	if err := s.file.Truncate(size); err != nil {
		slog.Warn("Failed to discard staged flag records", "error", err)
	}
}

func (s *Store) maybeCompact() error {
	info, err := s.file.Stat()
	if err != nil || info.Size() < compactLimit {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	buf := new(bytes.Buffer)
	buf.Write(magic)
	buf.WriteByte(formatVersion)
	for k, v := range s.committed {
		buf.Write(encodeFlag(k, v))
	}
	buf.Write(encodeCommit(s.commitSeq))

	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	reopened, err := os.OpenFile(s.path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	s.file = reopened
	s.physicalWrites++
	slog.Info("Compacted flag store", "flags", len(s.committed), "commit", s.commitSeq)
	return nil
}

func (s *Store) replay() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if data[len(magic)] != formatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, data[len(magic)])
	}

	pending := make(map[string]*Value) // nil value = tombstone
	r := bytes.NewReader(data[len(magic)+1:])

	for r.Len() > 0 {
		key, val, seq, recType, err := decodeRecord(r)
		if err != nil {
			// Torn tail from an interrupted flush: everything after the
			// last commit frame is discarded.
			slog.Warn("Discarding torn flag records", "error", err)
			break
		}
		switch recType {
		case recFlag:
			v := val
			pending[key] = &v
		case recTombstone:
			pending[key] = nil
		case recCommit:
			for k, v := range pending {
				if v == nil {
					delete(s.committed, k)
				} else {
					s.committed[k] = *v
				}
			}
			pending = make(map[string]*Value)
			s.commitSeq = seq
		}
	}

	for k, v := range s.committed {
		s.cache[k] = v
	}
	return nil
}

func encodeFlag(key string, v Value) []byte {
	payload := v.payload()
	buf := new(bytes.Buffer)
	buf.WriteByte(recFlag)
	buf.WriteByte(uint8(len(key)))
	buf.WriteString(key)
	buf.WriteByte(byte(v.Kind()))
	binary.Write(buf, binary.LittleEndian, uint16(len(payload)))
	buf.Write(payload)
	return appendCRC(buf.Bytes())
}

func encodeTombstone(key string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(recTombstone)
	buf.WriteByte(uint8(len(key)))
	buf.WriteString(key)
	return appendCRC(buf.Bytes())
}

func encodeCommit(seq uint64) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(recCommit)
	binary.Write(buf, binary.LittleEndian, seq)
	return appendCRC(buf.Bytes())
}

func appendCRC(body []byte) []byte {
	sum := crc32.ChecksumIEEE(body)
	out := make([]byte, len(body)+4)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[len(body):], sum)
	return out
}

func decodeRecord(r *bytes.Reader) (key string, val Value, seq uint64, recType byte, err error) {
	start := r.Len()

	recType, err = r.ReadByte()
	if err != nil {
		return "", Value{}, 0, 0, err
	}

	body := []byte{recType}
	switch recType {
	case recFlag:
		keyLen, e := r.ReadByte()
		if e != nil {
			return "", Value{}, 0, 0, e
		}
		keyBytes := make([]byte, keyLen)
		if _, e := io.ReadFull(r, keyBytes); e != nil {
			return "", Value{}, 0, 0, e
		}
		kindByte, e := r.ReadByte()
		if e != nil {
			return "", Value{}, 0, 0, e
		}
		lenBytes := make([]byte, 2)
		if _, e := io.ReadFull(r, lenBytes); e != nil {
			return "", Value{}, 0, 0, e
		}
		payload := make([]byte, binary.LittleEndian.Uint16(lenBytes))
		if _, e := io.ReadFull(r, payload); e != nil {
			return "", Value{}, 0, 0, e
		}
		body = append(body, keyLen)
		body = append(body, keyBytes...)
		body = append(body, kindByte)
		body = append(body, lenBytes...)
		body = append(body, payload...)
		key = string(keyBytes)
		val, err = valueFrom(ValueKind(kindByte), payload)
		if err != nil {
			return "", Value{}, 0, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	case recTombstone:
		keyLen, e := r.ReadByte()
		if e != nil {
			return "", Value{}, 0, 0, e
		}
		keyBytes := make([]byte, keyLen)
		if _, e := io.ReadFull(r, keyBytes); e != nil {
			return "", Value{}, 0, 0, e
		}
		body = append(body, keyLen)
		body = append(body, keyBytes...)
		key = string(keyBytes)
	case recCommit:
		seqBytes := make([]byte, 8)
		if _, e := io.ReadFull(r, seqBytes); e != nil {
			return "", Value{}, 0, 0, e
		}
		body = append(body, seqBytes...)
		seq = binary.LittleEndian.Uint64(seqBytes)
	default:
		return "", Value{}, 0, 0, fmt.Errorf("%w: unknown record type %d", ErrCorrupt, recType)
	}

	crcBytes := make([]byte, 4)
	if _, e := io.ReadFull(r, crcBytes); e != nil {
		return "", Value{}, 0, 0, e
	}
	if binary.LittleEndian.Uint32(crcBytes) != crc32.ChecksumIEEE(body) {
		return "", Value{}, 0, 0, fmt.Errorf("%w: record crc mismatch at offset -%d", ErrCorrupt, start)
	}

	return key, val, seq, recType, nil
}
