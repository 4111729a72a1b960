package bundle

import (
	"encoding/binary"
	"math"
	"strconv"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/wippyai/bundle-runtime/errors"
)

const (
	// Magic identifies an indexed module archive.
	Magic uint32 = 0xFB0BD1E5

	// HeaderSize is the byte length of {magic, numEntries}.
	HeaderSize = 8

	// EntrySize is the byte length of one module table entry. The reader
	// computes entry positions as HeaderSize + id*EntrySize.
	EntrySize = 8

	// StartupModuleID is the table entry holding the startup script.
	StartupModuleID uint32 = 0
)

type moduleEntry struct {
	offset uint32
	length uint32
}

// IndexedBundle serves modules of an indexed archive from storage.
type IndexedBundle struct {
	storage    Storage
	sourceURL  string
	sourcePath string
	startup    string
	table      []moduleEntry
	baseOffset int64
	closeOnce  sync.Once
	closeErr   error
}

// OpenOption configures OpenIndexed.
type OpenOption func(*openConfig)

type openConfig struct {
	mmap bool
}

// WithMmap serves module reads from a memory mapping instead of file reads.
func WithMmap() OpenOption {
	return func(c *openConfig) {
		c.mmap = true
	}
}

// IsIndexed reports whether r starts with the indexed archive signature.
// Only the first four bytes are read.
func IsIndexed(r Storage) bool {
	var sig [4]byte
	n, _ := r.ReadAt(sig[:], 0)
	if n != len(sig) {
		return false
	}
	return binary.LittleEndian.Uint32(sig[:]) == Magic
}

// SniffFile reports whether the file at path is an indexed archive.
func SniffFile(path string) (bool, error) {
	s, err := OpenFile(path)
	if err != nil {
		return false, err
	}
	defer s.Close()
	return IsIndexed(s), nil
}

// OpenIndexed opens the archive at path. The returned bundle owns the file.
func OpenIndexed(path, sourceURL string, opts ...OpenOption) (*IndexedBundle, error) {
	var cfg openConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		s   Storage
		err error
	)
	if cfg.mmap {
		s, err = MapFile(path)
	} else {
		s, err = OpenFile(path)
	}
	if err != nil {
		return nil, err
	}

	b, err := NewIndexed(s, path, sourceURL)
	if err != nil {
		s.Close()
		return nil, err
	}
	return b, nil
}

// NewIndexed parses the header and module table from storage and reads the
// startup script. On success the bundle owns storage; on failure the caller
// keeps ownership.
func NewIndexed(s Storage, sourcePath, sourceURL string) (*IndexedBundle, error) {
	header, err := ReadRange(s, 0, HeaderSize)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(header[0:4]) != Magic {
		return nil, errors.InvalidData(errors.PhaseRead, []string{sourcePath}, "missing indexed bundle signature")
	}

	numEntries := binary.LittleEndian.Uint32(header[4:8])
	if numEntries == 0 {
		return nil, errors.InvalidData(errors.PhaseRead, []string{sourcePath}, "module table is empty")
	}
	tableLen := int64(numEntries) * EntrySize
	if tableLen > math.MaxUint32 || HeaderSize+tableLen > s.Size() {
		return nil, errors.New(errors.PhaseRead, errors.KindInvalidData).
			Path(sourcePath).
			Value(numEntries).
			Detail("module table of %d entries exceeds storage size %d", numEntries, s.Size()).
			Build()
	}

	raw, err := ReadRange(s, HeaderSize, uint32(tableLen))
	if err != nil {
		return nil, err
	}
	table := make([]moduleEntry, numEntries)
	for i := range table {
		p := raw[i*EntrySize:]
		table[i] = moduleEntry{
			offset: binary.LittleEndian.Uint32(p[0:4]),
			length: binary.LittleEndian.Uint32(p[4:8]),
		}
	}

	b := &IndexedBundle{
		storage:    s,
		sourceURL:  sourceURL,
		sourcePath: sourcePath,
		table:      table,
		baseOffset: HeaderSize + tableLen,
	}

	startup, err := b.moduleCode(StartupModuleID)
	if err != nil {
		return nil, err
	}
	b.startup = startup

	Logger().Debug("opened indexed bundle",
		zap.String("path", sourcePath),
		zap.String("url", sourceURL),
		zap.Int("modules", len(table)),
	)
	return b, nil
}

func (b *IndexedBundle) SourceURL() string     { return b.sourceURL }
func (b *IndexedBundle) SourcePath() string    { return b.sourcePath }
func (b *IndexedBundle) Type() Type            { return TypeIndexed }
func (b *IndexedBundle) StartupScript() string { return b.startup }
func (b *IndexedBundle) NumModules() int       { return len(b.table) }
func (b *IndexedBundle) sealed()               {}

// BaseOffset is the absolute position of the module code region.
func (b *IndexedBundle) BaseOffset() int64 {
	return b.baseOffset
}

// ModuleRange returns the table entry for id, relative to BaseOffset.
func (b *IndexedBundle) ModuleRange(id uint32) (offset, length uint32, err error) {
	if uint64(id) >= uint64(len(b.table)) {
		return 0, 0, errors.ModuleNotFound(b.sourceURL, id, len(b.table))
	}
	e := b.table[id]
	return e.offset, e.length, nil
}

// Module reads and decodes module id. Every call performs its own read.
func (b *IndexedBundle) Module(id uint32) (Module, error) {
	code, err := b.moduleCode(id)
	if err != nil {
		return Module{}, err
	}
	return Module{ID: id, Code: code}, nil
}

func (b *IndexedBundle) moduleCode(id uint32) (string, error) {
	if uint64(id) >= uint64(len(b.table)) {
		return "", errors.ModuleNotFound(b.sourceURL, id, len(b.table))
	}
	e := b.table[id]
	data, err := ReadRange(b.storage, b.baseOffset+int64(e.offset), e.length)
	if err != nil {
		var path []string
		if b.sourcePath != "" {
			path = []string{b.sourcePath, strconv.FormatUint(uint64(id), 10)}
		}
		return "", errors.New(errors.PhaseRead, errors.KindOf(err)).
			Path(path...).
			Value(id).
			Detail("read module %d", id).
			Cause(err).
			Build()
	}
	if !utf8.Valid(data) {
		return "", errors.InvalidUTF8(errors.PhaseRead, []string{b.sourceURL, strconv.FormatUint(uint64(id), 10)}, data)
	}
	return string(data), nil
}

// Close releases the storage handle. Subsequent Module calls fail.
func (b *IndexedBundle) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.storage.Close()
	})
	return b.closeErr
}
