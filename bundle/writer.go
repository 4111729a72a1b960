package bundle

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/wippyai/bundle-runtime/errors"
)

// WriteIndexed writes an indexed archive in which module i is modules[i].
// modules[0] is the startup script. Module code is laid out contiguously in
// id order. It returns the number of bytes written.
func WriteIndexed(w io.Writer, modules [][]byte) (int64, error) {
	if len(modules) == 0 {
		return 0, errors.InvalidInput(errors.PhaseRead, "indexed bundle needs a startup module")
	}
	if uint64(len(modules)) > math.MaxUint32/EntrySize {
		return 0, errors.InvalidInput(errors.PhaseRead, "too many modules")
	}

	table := make([]byte, HeaderSize+len(modules)*EntrySize)
	binary.LittleEndian.PutUint32(table[0:4], Magic)
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(modules)))

	var offset uint64
	for i, m := range modules {
		if offset+uint64(len(m)) > math.MaxUint32 {
			return 0, errors.New(errors.PhaseRead, errors.KindInvalidInput).
				Value(i).
				Detail("module %d ends past the 4GiB code region limit", i).
				Build()
		}
		p := table[HeaderSize+i*EntrySize:]
		binary.LittleEndian.PutUint32(p[0:4], uint32(offset))
		binary.LittleEndian.PutUint32(p[4:8], uint32(len(m)))
		offset += uint64(len(m))
	}

	bw := bufio.NewWriter(w)
	written, err := bw.Write(table)
	total := int64(written)
	if err != nil {
		return total, errors.IO(errors.PhaseRead, "write module table", err)
	}
	for _, m := range modules {
		n, err := bw.Write(m)
		total += int64(n)
		if err != nil {
			return total, errors.IO(errors.PhaseRead, "write module code", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return total, errors.IO(errors.PhaseRead, "flush archive", err)
	}
	return total, nil
}
