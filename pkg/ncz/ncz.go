// Package ncz implements the NCZ section and block tables: the
// section/key table that describes how a decompressed NCA's sections must
// be re-encrypted, and the block table that divides the zstd payload into
// independently-framed blocks. Each block is its own complete zstd frame
// (not a continuation of a shared stream), so decompression is simply
// DecodeAll per block.
//
// Adapted from the teacher's pkg/nsz/nsz.go and pkg/nsz/ncz.go, which only
// ever wrote these tables (the NSP→NSZ compress direction); this package
// adds the inverse parse path the installer's Read stage needs.
package ncz

import (
	"encoding/binary"
	"fmt"

	"github.com/nxinstall/yati/pkg/nca"
	"github.com/nxinstall/yati/pkg/yatierr"
)

const (
	MagicSection = "NCZSECTN"
	MagicBlock   = "NCZBLOCK"

	sectionHeaderSize = 16
	sectionEntrySize  = 64
	blockHeaderSize   = 16
)

// Section describes one NCA byte range and the AES-CTR parameters needed to
// re-encrypt it after decompression.
type Section struct {
	Offset     uint64
	Size       uint64
	CryptoType uint64
	Key        [16]byte
	Counter    [16]byte
}

// IsEncrypted reports whether this section must be re-encrypted with
// AES-CTR after decompression (crypto_type >= AesCtr per the NCA crypto
// type enum).
func (s Section) IsEncrypted() bool { return s.CryptoType >= nca.CryptoTypeCTR }

// ProbeSectionMagic reports whether the 0x10-byte probe buffer starts with
// the NCZ section table magic.
func ProbeSectionMagic(probe []byte) bool {
	return len(probe) >= 8 && string(probe[:8]) == MagicSection
}

// ParseSections parses the section table starting at data[0:]. Returns the
// sections and the number of bytes consumed (header + count*entry), so the
// caller can continue parsing immediately after for a block table.
func ParseSections(data []byte) ([]Section, int, error) {
	if len(data) < sectionHeaderSize {
		return nil, 0, fmt.Errorf("ncz: section header too short")
	}
	if string(data[:8]) != MagicSection {
		return nil, 0, fmt.Errorf("ncz: invalid section magic %q", data[:8])
	}
	count := binary.LittleEndian.Uint64(data[8:16])
	if count == 0 {
		return nil, 0, fmt.Errorf("ncz: section count is zero: %w", yatierr.ErrInvalidNczSectionCount)
	}

	need := sectionHeaderSize + int(count)*sectionEntrySize
	if len(data) < need {
		return nil, 0, fmt.Errorf("ncz: section table truncated: need %d, have %d", need, len(data))
	}

	sections := make([]Section, count)
	for i := uint64(0); i < count; i++ {
		eb := data[sectionHeaderSize+int(i)*sectionEntrySize : sectionHeaderSize+int(i+1)*sectionEntrySize]
		sections[i] = Section{
			Offset:     binary.LittleEndian.Uint64(eb[0:8]),
			Size:       binary.LittleEndian.Uint64(eb[8:16]),
			CryptoType: binary.LittleEndian.Uint64(eb[16:24]),
		}
		copy(sections[i].Key[:], eb[32:48])
		copy(sections[i].Counter[:], eb[48:64])
	}
	return sections, need, nil
}

// ProbeBlockMagic reports whether the 0x10-byte probe buffer starts with
// the NCZ block table magic.
func ProbeBlockMagic(probe []byte) bool {
	return len(probe) >= 8 && string(probe[:8]) == MagicBlock
}

// BlockTable divides the zstd payload following the section table into
// independently-framed blocks, each of exponent-sized decompressed output
// except possibly the last.
type BlockTable struct {
	BlockSizeExponent uint8
	DecompressedSize  uint64
	BlockSizes        []uint32 // per-block compressed size, reading order
}

// ParseBlockHeader parses the block header and its trailing block-size
// array starting at data[0:]. Returns the table and bytes consumed.
func ParseBlockHeader(data []byte) (*BlockTable, int, error) {
	if len(data) < blockHeaderSize {
		return nil, 0, fmt.Errorf("ncz: block header too short")
	}
	if string(data[:8]) != MagicBlock {
		return nil, 0, fmt.Errorf("ncz: invalid block magic %q", data[:8])
	}

	exp := data[9]
	blockCount := binary.LittleEndian.Uint32(data[12:16])

	need := blockHeaderSize + 8 // decompressed size follows the 16-byte fixed header
	if len(data) < need {
		return nil, 0, fmt.Errorf("ncz: block header truncated")
	}
	decompressedSize := binary.LittleEndian.Uint64(data[16:24])
	need = 24 + int(blockCount)*4
	if len(data) < need {
		return nil, 0, fmt.Errorf("ncz: block size array truncated: need %d, have %d", need, len(data))
	}

	sizes := make([]uint32, blockCount)
	for i := uint32(0); i < blockCount; i++ {
		sizes[i] = binary.LittleEndian.Uint32(data[24+i*4 : 28+i*4])
	}

	return &BlockTable{
		BlockSizeExponent: exp,
		DecompressedSize:  decompressedSize,
		BlockSizes:        sizes,
	}, need, nil
}

// Block is one block of the payload, in output-offset order, with its
// logical offset resolved against a base (the position immediately
// following the block-size array, in whatever byte stream the caller is
// scanning — the pipeline resolves blocks against its emitted logical
// stream, not against raw source offsets) and whether it is stored
// (uncompressed) or zstd-framed.
type Block struct {
	Offset           int64
	CompressedSize   int64
	DecompressedSize int64
	Stored           bool
}

// ResolveBlocks computes the logical offset, decompressed size, and
// stored/compressed classification of every block, given the offset
// immediately following the block-size table.
func ResolveBlocks(bt *BlockTable, dataStart int64) []Block {
	blocks := make([]Block, len(bt.BlockSizes))
	exponentSize := int64(1) << bt.BlockSizeExponent
	remainder := int64(bt.DecompressedSize) % exponentSize

	offset := dataStart
	for i, sz := range bt.BlockSizes {
		expected := exponentSize
		if i == len(bt.BlockSizes)-1 && remainder != 0 {
			expected = remainder
		}

		blocks[i] = Block{
			Offset:           offset,
			CompressedSize:   int64(sz),
			DecompressedSize: expected,
			Stored:           int64(sz) == expected,
		}
		offset += int64(sz)
	}
	return blocks
}
