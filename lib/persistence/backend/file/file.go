package file

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ValentinKolb/dGrid/lib/persistence"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("persistence")

const (
	magic        = "DGLOG\x00\x01\n"
	frameHeader  = 9 // len(4) + crc(4) + op(1)
	opStore byte = 1
	opDelete     = 2

	// compact when the log holds this many times more frames than live keys
	compactRatio = 4
	compactMin   = 1024
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Store is an append-only log backend. Every mutation is appended as a
// snappy compressed, checksummed frame; the live set is kept in memory and
// rebuilt by replaying the log on open. A torn tail frame is truncated.
type Store struct {
	path string
	sync bool

	mu     sync.RWMutex
	f      *os.File
	w      *bufio.Writer
	live   map[string][]byte
	frames int
	closed bool
}

// Options configures a file store
type Options struct {
	// Sync calls fsync after every write
	Sync bool
}

// Open opens or creates the log at path
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create store directory")
	}
	s := &Store{path: path, sync: opts.Sync, live: make(map[string][]byte)}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	end, err := s.replay(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(end); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "truncate torn tail")
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, errors.WithStack(err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)

	if s.frames > compactMin && s.frames > compactRatio*len(s.live) {
		if err := s.compactLocked(); err != nil {
			log.Warningf("compaction of %s failed: %v", path, err)
		}
	}
	log.Infof("opened file store %s with %d keys (%d frames)", path, len(s.live), s.frames)
	return s, nil
}

// replay rebuilds the live set and returns the offset after the last valid frame
func (s *Store) replay(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if info.Size() == 0 {
		if _, err := f.Write([]byte(magic)); err != nil {
			return 0, errors.Wrap(err, "write header")
		}
		return int64(len(magic)), nil
	}

	r := bufio.NewReader(f)
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil || string(head) != magic {
		return 0, errors.Newf("%s is not a store log", s.path)
	}

	offset := int64(len(magic))
	hdr := make([]byte, frameHeader)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if err != io.EOF {
				log.Warningf("%s: torn frame header at offset %d, truncating", s.path, offset)
			}
			return offset, nil
		}
		n := binary.BigEndian.Uint32(hdr[0:4])
		sum := binary.BigEndian.Uint32(hdr[4:8])
		op := hdr[8]
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			log.Warningf("%s: torn frame at offset %d, truncating", s.path, offset)
			return offset, nil
		}
		if crc32.Checksum(payload, crcTable) != sum {
			log.Warningf("%s: checksum mismatch at offset %d, truncating", s.path, offset)
			return offset, nil
		}
		key, data, err := decodePayload(payload)
		if err != nil {
			log.Warningf("%s: corrupt frame at offset %d, truncating: %v", s.path, offset, err)
			return offset, nil
		}
		switch op {
		case opStore:
			s.live[key] = data
		case opDelete:
			delete(s.live, key)
		}
		s.frames++
		offset += int64(frameHeader) + int64(n)
	}
}

func encodePayload(key string, data []byte) []byte {
	raw := make([]byte, 0, binary.MaxVarintLen64+len(key)+len(data))
	raw = binary.AppendUvarint(raw, uint64(len(key)))
	raw = append(raw, key...)
	raw = append(raw, data...)
	return snappy.Encode(nil, raw)
}

func decodePayload(payload []byte) (string, []byte, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return "", nil, err
	}
	klen, n := binary.Uvarint(raw)
	if n <= 0 || uint64(len(raw)-n) < klen {
		return "", nil, errors.New("invalid key length")
	}
	key := string(raw[n : n+int(klen)])
	return key, raw[n+int(klen):], nil
}

func writeFrame(w io.Writer, op byte, key string, data []byte) error {
	payload := encodePayload(key, data)
	var hdr [frameHeader]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.Checksum(payload, crcTable))
	hdr[8] = op
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// appendLocked writes frames and makes them durable according to the sync option
func (s *Store) appendLocked(ops []persistence.BatchOp) error {
	if s.closed {
		return errors.Newf("file store %s is closed", s.path)
	}
	for _, op := range ops {
		kind := opStore
		if op.Data == nil {
			kind = opDelete
		}
		if err := writeFrame(s.w, kind, op.Key, op.Data); err != nil {
			return errors.Wrap(err, "append frame")
		}
	}
	if err := s.w.Flush(); err != nil {
		return errors.Wrap(err, "flush log")
	}
	if s.sync {
		if err := s.f.Sync(); err != nil {
			return errors.Wrap(err, "sync log")
		}
	}
	for _, op := range ops {
		if op.Data == nil {
			delete(s.live, op.Key)
		} else {
			s.live[op.Key] = append([]byte(nil), op.Data...)
		}
		s.frames++
	}
	return nil
}

// compactLocked rewrites the log with only the live keys
func (s *Store) compactLocked() error {
	tmp := s.path + ".compact"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(magic); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	for key, data := range s.live {
		if err := writeFrame(w, opStore, key, data); err != nil {
			_ = f.Close()
			return errors.WithStack(err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	if s.f != nil {
		_ = s.f.Close()
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	before := s.frames
	s.frames = len(s.live)
	log.Infof("compacted %s from %d to %d frames", s.path, before, s.frames)
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see persistence.Backend)
// --------------------------------------------------------------------------

func (s *Store) Name() string {
	return "file:" + s.path
}

func (s *Store) Load(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.live[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (s *Store) Store(key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked([]persistence.BatchOp{{Key: key, Data: data}})
}

func (s *Store) StoreBatch(ops []persistence.BatchOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ops)
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[key]; !ok {
		return nil
	}
	return s.appendLocked([]persistence.BatchOp{{Key: key}})
}

func (s *Store) Contains(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live[key]
	return ok, nil
}

func (s *Store) Scan(fn func(key string, data []byte) error) error {
	s.mu.RLock()
	snapshot := make([]persistence.BatchOp, 0, len(s.live))
	for k, v := range s.live {
		snapshot = append(snapshot, persistence.BatchOp{Key: k, Data: v})
	}
	s.mu.RUnlock()

	for _, op := range snapshot {
		if err := fn(op.Key, op.Data); err != nil {
			if errors.Is(err, persistence.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Close compacts the log when it holds mostly garbage and closes the file
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return errors.Wrap(err, "flush log")
	}
	if s.frames > compactRatio*len(s.live) && s.frames > 0 {
		if err := s.compactLocked(); err != nil {
			log.Warningf("compaction of %s failed: %v", s.path, err)
		}
	}
	return errors.WithStack(s.f.Close())
}
