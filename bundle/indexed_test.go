package bundle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	rterrors "github.com/wippyai/bundle-runtime/errors"
)

// rawArchive builds an archive with an explicit table, independent of WriteIndexed.
func rawArchive(entries [][2]uint32, region []byte) []byte {
	buf := make([]byte, HeaderSize+len(entries)*EntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(entries)))
	for i, e := range entries {
		binary.LittleEndian.PutUint32(buf[HeaderSize+i*8:], e[0])
		binary.LittleEndian.PutUint32(buf[HeaderSize+i*8+4:], e[1])
	}
	return append(buf, region...)
}

func threeModuleArchive() ([]byte, []byte) {
	region := []byte("startup!!!" + "mod-1" + "module-two-is-twenty")
	return rawArchive([][2]uint32{{0, 10}, {10, 5}, {15, 20}}, region), region
}

func TestIndexed_ThreeModuleScenario(t *testing.T) {
	data, region := threeModuleArchive()
	if len(region) != 35 {
		t.Fatalf("region length = %d, want 35", len(region))
	}

	b, err := NewIndexed(NewMemoryStorage(data), "", "three.bundle")
	if err != nil {
		t.Fatalf("NewIndexed: %v", err)
	}
	defer b.Close()

	if b.NumModules() != 3 {
		t.Errorf("NumModules = %d, want 3", b.NumModules())
	}
	if b.BaseOffset() != HeaderSize+3*EntrySize {
		t.Errorf("BaseOffset = %d, want %d", b.BaseOffset(), HeaderSize+3*EntrySize)
	}

	m, err := b.Module(1)
	if err != nil {
		t.Fatalf("Module(1): %v", err)
	}
	if m.ID != 1 || m.Code != string(region[10:15]) {
		t.Errorf("Module(1) = %+v, want code %q", m, region[10:15])
	}

	if _, err := b.Module(3); !errors.Is(err, rterrors.ErrModuleNotFound) {
		t.Errorf("Module(3) err = %v, want module_not_found", err)
	}
}

func TestIndexed_OutOfRangeAlwaysFails(t *testing.T) {
	data, _ := threeModuleArchive()
	b, err := NewIndexed(NewMemoryStorage(data), "", "three.bundle")
	if err != nil {
		t.Fatalf("NewIndexed: %v", err)
	}

	for _, id := range []uint32{3, 4, 100, ^uint32(0)} {
		m, err := b.Module(id)
		if !errors.Is(err, rterrors.ErrModuleNotFound) {
			t.Errorf("Module(%d) err = %v, want module_not_found", id, err)
		}
		if m.Code != "" {
			t.Errorf("Module(%d) returned code %q alongside error", id, m.Code)
		}
	}
}

func TestIndexed_EveryModuleExactAndIdempotent(t *testing.T) {
	modules := [][]byte{
		[]byte("print('startup')"),
		[]byte(""),
		[]byte("return 42"),
		[]byte("return 'ünïcödé'"),
	}
	var buf bytes.Buffer
	if _, err := WriteIndexed(&buf, modules); err != nil {
		t.Fatalf("WriteIndexed: %v", err)
	}

	b, err := NewIndexed(NewMemoryStorage(buf.Bytes()), "", "m.bundle")
	if err != nil {
		t.Fatalf("NewIndexed: %v", err)
	}

	for round := 0; round < 3; round++ {
		// out of id order on purpose
		for _, id := range []uint32{3, 0, 2, 1} {
			m, err := b.Module(id)
			if err != nil {
				t.Fatalf("round %d Module(%d): %v", round, id, err)
			}
			_, length, _ := b.ModuleRange(id)
			if len(m.Code) != int(length) {
				t.Errorf("Module(%d) length = %d, want %d", id, len(m.Code), length)
			}
			if m.Code != string(modules[id]) {
				t.Errorf("Module(%d) = %q, want %q", id, m.Code, modules[id])
			}
		}
	}
}

func TestIndexed_StartupScriptIsModuleZero(t *testing.T) {
	data, region := threeModuleArchive()
	b, err := NewIndexed(NewMemoryStorage(data), "", "three.bundle")
	if err != nil {
		t.Fatalf("NewIndexed: %v", err)
	}

	m, err := b.Module(StartupModuleID)
	if err != nil {
		t.Fatalf("Module(0): %v", err)
	}
	if b.StartupScript() != m.Code {
		t.Errorf("StartupScript = %q, Module(0) = %q", b.StartupScript(), m.Code)
	}
	if b.StartupScript() != string(region[:10]) {
		t.Errorf("StartupScript = %q, want %q", b.StartupScript(), region[:10])
	}
}

func TestIndexed_ConcurrentReads(t *testing.T) {
	modules := make([][]byte, 16)
	for i := range modules {
		modules[i] = []byte(strings.Repeat(string(rune('a'+i)), 64+i))
	}
	var buf bytes.Buffer
	if _, err := WriteIndexed(&buf, modules); err != nil {
		t.Fatalf("WriteIndexed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "c.bundle")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := OpenIndexed(path, "c.bundle")
	if err != nil {
		t.Fatalf("OpenIndexed: %v", err)
	}
	defer b.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 16*20)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id := uint32((g + i) % len(modules))
				m, err := b.Module(id)
				if err != nil {
					errs <- err
					return
				}
				if m.Code != string(modules[id]) {
					errs <- errors.New("corrupted read for module " + string(rune('a'+id)))
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestIndexed_OpenFileAndMmap(t *testing.T) {
	data, region := threeModuleArchive()
	path := filepath.Join(t.TempDir(), "three.bundle")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts []OpenOption
	}{
		{"file", nil},
		{"mmap", []OpenOption{WithMmap()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := OpenIndexed(path, "three.bundle", tt.opts...)
			if err != nil {
				t.Fatalf("OpenIndexed: %v", err)
			}
			if b.SourcePath() != path || b.SourceURL() != "three.bundle" {
				t.Errorf("accessors = %q, %q", b.SourcePath(), b.SourceURL())
			}
			m, err := b.Module(2)
			if err != nil {
				t.Fatalf("Module(2): %v", err)
			}
			if m.Code != string(region[15:35]) {
				t.Errorf("Module(2) = %q", m.Code)
			}
			if err := b.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := b.Close(); err != nil {
				t.Errorf("second Close: %v", err)
			}
			if _, err := b.Module(1); err == nil {
				t.Error("Module after Close should fail")
			}
		})
	}
}

func TestIndexed_ShortReadIsHardFailure(t *testing.T) {
	// entry 1 claims 50 bytes but only 5 remain after it
	data := rawArchive([][2]uint32{{0, 4}, {4, 50}}, []byte("boot12345"))

	b, err := NewIndexed(NewMemoryStorage(data), "", "short.bundle")
	if err != nil {
		t.Fatalf("NewIndexed: %v", err)
	}
	m, err := b.Module(1)
	if !errors.Is(err, rterrors.ErrShortRead) {
		t.Fatalf("Module(1) err = %v, want short_read", err)
	}
	if m.Code != "" {
		t.Errorf("partial code returned: %q", m.Code)
	}
}

func TestIndexed_StartupShortReadFailsConstruction(t *testing.T) {
	data := rawArchive([][2]uint32{{0, 100}}, []byte("tiny"))
	if _, err := NewIndexed(NewMemoryStorage(data), "", "x"); !errors.Is(err, rterrors.ErrShortRead) {
		t.Errorf("err = %v, want short_read", err)
	}
}

func TestIndexed_InvalidArchives(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		kind rterrors.Kind
	}{
		{"empty", nil, rterrors.KindShortRead},
		{"bad magic", []byte{1, 2, 3, 4, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, rterrors.KindInvalidData},
		{"no entries", rawArchive(nil, nil), rterrors.KindInvalidData},
		{"table past end", rawArchive([][2]uint32{{0, 0}}, nil)[:12], rterrors.KindInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIndexed(NewMemoryStorage(tt.data), "", "x")
			if rterrors.KindOf(err) != tt.kind {
				t.Errorf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestIndexed_InvalidUTF8(t *testing.T) {
	data := rawArchive([][2]uint32{{0, 2}, {2, 2}}, []byte{'o', 'k', 0xff, 0xfe})
	b, err := NewIndexed(NewMemoryStorage(data), "", "x")
	if err != nil {
		t.Fatalf("NewIndexed: %v", err)
	}
	if _, err := b.Module(1); rterrors.KindOf(err) != rterrors.KindInvalidUTF8 {
		t.Errorf("err = %v, want invalid_utf8", err)
	}
}

func TestIsIndexed(t *testing.T) {
	data, _ := threeModuleArchive()
	if !IsIndexed(NewMemoryStorage(data)) {
		t.Error("archive not detected")
	}
	if IsIndexed(NewMemoryStorage([]byte("print('plain')"))) {
		t.Error("plain script detected as archive")
	}
	if IsIndexed(NewMemoryStorage([]byte{0xE5, 0xD1})) {
		t.Error("truncated signature detected as archive")
	}

	path := filepath.Join(t.TempDir(), "a.bundle")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err := SniffFile(path)
	if err != nil || !ok {
		t.Errorf("SniffFile = %v, %v", ok, err)
	}
	if _, err := SniffFile(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, rterrors.ErrBundleNotFound) {
		t.Errorf("SniffFile missing err = %v", err)
	}
}

func TestAsIndexed(t *testing.T) {
	plain := NewPlain([]byte("x = 1"), "p.bundle")
	if _, err := AsIndexed(plain); !errors.Is(err, rterrors.ErrNotAnIndexedBundle) {
		t.Errorf("AsIndexed(plain) err = %v", err)
	}
	if plain.Type() != TypePlain || plain.StartupScript() != "x = 1" {
		t.Errorf("plain accessors wrong: %v %q", plain.Type(), plain.StartupScript())
	}

	data, _ := threeModuleArchive()
	b, err := NewIndexed(NewMemoryStorage(data), "", "i")
	if err != nil {
		t.Fatal(err)
	}
	got, err := AsIndexed(b)
	if err != nil || got != b {
		t.Errorf("AsIndexed(indexed) = %v, %v", got, err)
	}
}
