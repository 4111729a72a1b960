package bundle

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/wippyai/bundle-runtime/errors"
)

// Storage is a random-access byte source backing a bundle.
// Implementations must allow concurrent ReadAt calls.
type Storage interface {
	io.ReaderAt
	Size() int64
	Close() error
}

var (
	_ Storage = (*FileStorage)(nil)
	_ Storage = (*MappedStorage)(nil)
	_ Storage = (*MemoryStorage)(nil)
)

// ReadRange reads exactly length bytes at offset. Reads past the end of
// storage fail with a short read error; partial data is never returned.
func ReadRange(s Storage, offset int64, length uint32) ([]byte, error) {
	if offset < 0 {
		return nil, errors.InvalidInput(errors.PhaseRead, "negative offset")
	}
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	n, err := s.ReadAt(buf, offset)
	if n == len(buf) {
		// io.ReaderAt may report io.EOF alongside a full read at the end
		return buf, nil
	}
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, errors.ShortRead(offset, len(buf), n)
	}
	return nil, errors.IO(errors.PhaseRead, "read range", err)
}

// FileStorage reads from an open file with positioned reads.
type FileStorage struct {
	f    *os.File
	size int64
	once sync.Once
	err  error
}

// OpenFile opens path as file storage.
func OpenFile(path string) (*FileStorage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.IO(errors.PhaseRead, "stat "+path, err)
	}
	return &FileStorage{f: f, size: info.Size()}, nil
}

func (s *FileStorage) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

func (s *FileStorage) Size() int64 {
	return s.size
}

func (s *FileStorage) Close() error {
	s.once.Do(func() {
		s.err = s.f.Close()
	})
	return s.err
}

// MappedStorage serves reads from a read-only memory mapping of a file.
type MappedStorage struct {
	data mmap.MMap
	f    *os.File
	mu   sync.RWMutex
}

// MapFile maps path read-only. Empty files cannot be mapped and are served
// from an empty mapping instead.
func MapFile(path string) (*MappedStorage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.IO(errors.PhaseRead, "stat "+path, err)
	}
	if info.Size() == 0 {
		return &MappedStorage{f: f}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.IO(errors.PhaseRead, "mmap "+path, err)
	}
	return &MappedStorage{data: m, f: f}, nil
}

func (s *MappedStorage) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.f == nil {
		return 0, errors.Closed(errors.PhaseRead, "mapped storage")
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *MappedStorage) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.data))
}

func (s *MappedStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	var err error
	if s.data != nil {
		err = s.data.Unmap()
		s.data = nil
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f = nil
	return err
}

// MemoryStorage serves reads from an in-memory buffer.
type MemoryStorage struct {
	r *bytes.Reader
}

// NewMemoryStorage wraps data. The caller must not modify data afterwards.
func NewMemoryStorage(data []byte) *MemoryStorage {
	return &MemoryStorage{r: bytes.NewReader(data)}
}

func (s *MemoryStorage) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

func (s *MemoryStorage) Size() int64 {
	return s.r.Size()
}

func (s *MemoryStorage) Close() error {
	return nil
}

func openError(path string, err error) error {
	if os.IsNotExist(err) {
		return errors.BundleNotFound(path, err)
	}
	return errors.IO(errors.PhaseLoad, "open "+path, err)
}
