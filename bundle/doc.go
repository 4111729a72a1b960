// Package bundle models loaded script payloads and reads indexed module archives.
//
// A Bundle is either a PlainBundle, holding one script in memory, or an
// IndexedBundle, which maps integer module ids to byte ranges in a storage
// handle and decodes modules lazily. Module 0 of an indexed bundle is the
// startup script; it is read eagerly when the bundle is opened.
//
// # Archive Format
//
// All integers are little-endian u32:
//
//	0        magic (0xFB0BD1E5)
//	4        numEntries
//	8        module table: numEntries × {offset, length}, 8 bytes per entry
//	8+8n     module code region (baseOffset)
//
// Entry offsets are relative to baseOffset. The table has no padding; the
// position of entry i is always 8 + 8*i.
//
// # Storage
//
// Reads go through Storage, an io.ReaderAt with a size. Positioned reads
// keep no shared cursor, so concurrent Module calls on one IndexedBundle
// are safe. FileStorage, MappedStorage (mmap) and MemoryStorage are
// provided.
package bundle
