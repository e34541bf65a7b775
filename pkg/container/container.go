// Package container parses the two partition formats a Switch title ships
// in: PFS0 (used by NSP/NSZ, and inside every NCA's content sections) and
// HFS0 (used by the outer XCI/XCZ gamecard image). Both produce the same
// Collection shape: a flat list of named entries with absolute offsets into
// the source, which every downstream layer (ticket resolver, CNMT parser,
// pipeline) addresses by name or by entry.
//
// Adapted from the teacher's pkg/fs/pfs0.go, generalized to read from a
// source.Source instead of *os.File and to also parse HFS0 for XCI/XCZ.
package container

import (
	"encoding/binary"
	"fmt"

	"github.com/nxinstall/yati/pkg/source"
)

// Entry is one named, offset-addressed member of a Collection.
type Entry struct {
	Name   string
	Offset int64
	Size   int64
}

// Collection is the flat file list extracted from a PFS0 or HFS0 partition,
// offsets absolute within the backing source.
type Collection struct {
	Entries []Entry
}

// Find returns the entry with the given name, or false if absent.
func (c *Collection) Find(name string) (Entry, bool) {
	for _, e := range c.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// FilterSuffix returns every entry whose name ends with suffix.
func (c *Collection) FilterSuffix(suffix string) []Entry {
	var out []Entry
	for _, e := range c.Entries {
		if len(e.Name) >= len(suffix) && e.Name[len(e.Name)-len(suffix):] == suffix {
			out = append(out, e)
		}
	}
	return out
}

const (
	pfs0HeaderSize  = 16
	pfs0EntrySize   = 24
	hfs0HeaderSize  = 16
	hfs0EntrySize   = 64
	hfs0HashBlockSz = 0x200
)

type pfs0Header struct {
	Magic           [4]byte
	NumFiles        uint32
	StringTableSize uint32
	Reserved        uint32
}

type pfs0FileEntry struct {
	DataOffset uint64
	DataSize   uint64
	NameOffset uint32
	Reserved   uint32
}

// OpenPFS0 parses a PFS0 partition starting at baseOffset within src. All
// returned entry offsets are absolute within src.
func OpenPFS0(src source.Source, baseOffset int64) (*Collection, error) {
	hdrBuf := make([]byte, pfs0HeaderSize)
	if _, err := src.ReadAt(hdrBuf, baseOffset); err != nil {
		return nil, fmt.Errorf("container: read pfs0 header: %w", err)
	}

	var hdr pfs0Header
	hdr.Magic = [4]byte{hdrBuf[0], hdrBuf[1], hdrBuf[2], hdrBuf[3]}
	hdr.NumFiles = binary.LittleEndian.Uint32(hdrBuf[4:8])
	hdr.StringTableSize = binary.LittleEndian.Uint32(hdrBuf[8:12])

	if string(hdr.Magic[:]) != "PFS0" {
		return nil, fmt.Errorf("container: invalid pfs0 magic %q", hdr.Magic)
	}

	entriesBuf := make([]byte, int(hdr.NumFiles)*pfs0EntrySize)
	if len(entriesBuf) > 0 {
		if _, err := src.ReadAt(entriesBuf, baseOffset+pfs0HeaderSize); err != nil {
			return nil, fmt.Errorf("container: read pfs0 entries: %w", err)
		}
	}

	stringTable := make([]byte, hdr.StringTableSize)
	if len(stringTable) > 0 {
		off := baseOffset + pfs0HeaderSize + int64(len(entriesBuf))
		if _, err := src.ReadAt(stringTable, off); err != nil {
			return nil, fmt.Errorf("container: read pfs0 string table: %w", err)
		}
	}

	dataStart := baseOffset + pfs0HeaderSize + int64(len(entriesBuf)) + int64(len(stringTable))

	col := &Collection{Entries: make([]Entry, hdr.NumFiles)}
	for i := uint32(0); i < hdr.NumFiles; i++ {
		eb := entriesBuf[i*pfs0EntrySize : (i+1)*pfs0EntrySize]
		var fe pfs0FileEntry
		fe.DataOffset = binary.LittleEndian.Uint64(eb[0:8])
		fe.DataSize = binary.LittleEndian.Uint64(eb[8:16])
		fe.NameOffset = binary.LittleEndian.Uint32(eb[16:20])

		name, err := readCString(stringTable, fe.NameOffset)
		if err != nil {
			return nil, fmt.Errorf("container: pfs0 entry %d: %w", i, err)
		}

		col.Entries[i] = Entry{
			Name:   name,
			Offset: dataStart + int64(fe.DataOffset),
			Size:   int64(fe.DataSize),
		}
	}
	return col, nil
}

// OpenHFS0 parses an HFS0 partition (the XCI/XCZ gamecard format) starting
// at baseOffset within src. Per-file hashed-region data (used by the
// console to integrity-check the first HashedSize bytes of each file
// against Hash) is not re-verified here; the pipeline's own running SHA-256
// against the CNMT-declared content hash is the installer's integrity gate.
func OpenHFS0(src source.Source, baseOffset int64) (*Collection, error) {
	hdrBuf := make([]byte, hfs0HeaderSize)
	if _, err := src.ReadAt(hdrBuf, baseOffset); err != nil {
		return nil, fmt.Errorf("container: read hfs0 header: %w", err)
	}

	magic := hdrBuf[0:4]
	if string(magic) != "HFS0" {
		return nil, fmt.Errorf("container: invalid hfs0 magic %q", magic)
	}
	numFiles := binary.LittleEndian.Uint32(hdrBuf[4:8])
	stringTableSize := binary.LittleEndian.Uint32(hdrBuf[8:12])

	entriesBuf := make([]byte, int(numFiles)*hfs0EntrySize)
	if len(entriesBuf) > 0 {
		if _, err := src.ReadAt(entriesBuf, baseOffset+hfs0HeaderSize); err != nil {
			return nil, fmt.Errorf("container: read hfs0 entries: %w", err)
		}
	}

	stringTable := make([]byte, stringTableSize)
	if len(stringTable) > 0 {
		off := baseOffset + hfs0HeaderSize + int64(len(entriesBuf))
		if _, err := src.ReadAt(stringTable, off); err != nil {
			return nil, fmt.Errorf("container: read hfs0 string table: %w", err)
		}
	}

	dataStart := baseOffset + hfs0HeaderSize + int64(len(entriesBuf)) + int64(len(stringTable))

	col := &Collection{Entries: make([]Entry, numFiles)}
	for i := uint32(0); i < numFiles; i++ {
		eb := entriesBuf[i*hfs0EntrySize : (i+1)*hfs0EntrySize]
		dataOffset := binary.LittleEndian.Uint64(eb[0:8])
		dataSize := binary.LittleEndian.Uint64(eb[8:16])
		nameOffset := binary.LittleEndian.Uint32(eb[16:20])

		name, err := readCString(stringTable, nameOffset)
		if err != nil {
			return nil, fmt.Errorf("container: hfs0 entry %d: %w", i, err)
		}

		col.Entries[i] = Entry{
			Name:   name,
			Offset: dataStart + int64(dataOffset),
			Size:   int64(dataSize),
		}
	}
	return col, nil
}

// xciRootPartitionOffset is the fixed offset of the outer HFS0 "root"
// partition in every XCI/XCZ image, right after the 0xF000-byte card
// header.
const xciRootPartitionOffset = 0xF000

// OpenXCI parses an XCI/XCZ image's root partition and returns the
// collection inside its "secure" sub-partition, the one carrying the
// title's NSP-equivalent content (base/update/normal/logo partitions hold
// boot firmware and assets the installer does not consume).
func OpenXCI(src source.Source) (*Collection, error) {
	root, err := OpenHFS0(src, xciRootPartitionOffset)
	if err != nil {
		return nil, fmt.Errorf("container: xci root partition: %w", err)
	}
	secure, ok := root.Find("secure")
	if !ok {
		return nil, fmt.Errorf("container: xci has no secure partition")
	}
	return OpenHFS0(src, secure.Offset)
}

func readCString(table []byte, offset uint32) (string, error) {
	if offset >= uint32(len(table)) {
		return "", fmt.Errorf("string table offset %d out of bounds (size %d)", offset, len(table))
	}
	end := offset
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	return string(table[offset:end]), nil
}
