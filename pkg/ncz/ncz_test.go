package ncz

import (
	"encoding/binary"
	"testing"

	"github.com/nxinstall/yati/pkg/nca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSectionTable(entries int) []byte {
	buf := make([]byte, sectionHeaderSize+entries*sectionEntrySize)
	copy(buf[0:8], MagicSection)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(entries))
	for i := 0; i < entries; i++ {
		eb := buf[sectionHeaderSize+i*sectionEntrySize : sectionHeaderSize+(i+1)*sectionEntrySize]
		binary.LittleEndian.PutUint64(eb[0:8], uint64(i*0x1000))
		binary.LittleEndian.PutUint64(eb[8:16], 0x1000)
		binary.LittleEndian.PutUint64(eb[16:24], uint64(nca.CryptoTypeCTR))
		eb[32] = byte(i + 1) // key byte, distinguishing entries
	}
	return buf
}

func TestParseSections(t *testing.T) {
	raw := buildSectionTable(2)
	sections, consumed, err := ParseSections(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	require.Len(t, sections, 2)
	assert.Equal(t, uint64(0), sections[0].Offset)
	assert.Equal(t, uint64(0x1000), sections[1].Offset)
	assert.True(t, sections[0].IsEncrypted())
}

func TestParseSectionsBadMagic(t *testing.T) {
	raw := buildSectionTable(1)
	raw[0] = 'X'
	_, _, err := ParseSections(raw)
	assert.Error(t, err)
}

func TestParseSectionsTruncated(t *testing.T) {
	raw := buildSectionTable(1)
	_, _, err := ParseSections(raw[:len(raw)-1])
	assert.Error(t, err)
}

func TestIsEncryptedBoundary(t *testing.T) {
	assert.False(t, Section{CryptoType: uint64(nca.CryptoTypeXTS)}.IsEncrypted())
	assert.True(t, Section{CryptoType: uint64(nca.CryptoTypeCTR)}.IsEncrypted())
	assert.True(t, Section{CryptoType: uint64(nca.CryptoTypeBKTR)}.IsEncrypted())
}

func buildBlockHeader(exp uint8, decompressedSize uint64, blockSizes []uint32) []byte {
	buf := make([]byte, blockHeaderSize+8+len(blockSizes)*4)
	copy(buf[0:8], MagicBlock)
	buf[9] = exp
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(blockSizes)))
	binary.LittleEndian.PutUint64(buf[16:24], decompressedSize)
	for i, sz := range blockSizes {
		binary.LittleEndian.PutUint32(buf[24+i*4:28+i*4], sz)
	}
	return buf
}

func TestParseBlockHeaderAndResolveBlocks(t *testing.T) {
	// Two full exponent-sized blocks (1<<16 = 0x10000) plus a short final one.
	const exp = 16
	full := uint32(1 << exp)
	raw := buildBlockHeader(exp, uint64(full)*2+100, []uint32{full, full, 100})

	bt, consumed, err := ParseBlockHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	assert.Equal(t, uint8(exp), bt.BlockSizeExponent)
	require.Len(t, bt.BlockSizes, 3)

	blocks := ResolveBlocks(bt, 1000)
	require.Len(t, blocks, 3)
	assert.Equal(t, int64(1000), blocks[0].Offset)
	assert.Equal(t, int64(full), blocks[0].DecompressedSize)
	assert.True(t, blocks[0].Stored)

	assert.Equal(t, int64(1000)+int64(full), blocks[1].Offset)
	assert.Equal(t, int64(full), blocks[1].DecompressedSize)

	// Last block's decompressed size is the remainder, and since its
	// compressed size (100) equals that remainder it's classified stored.
	assert.Equal(t, int64(100), blocks[2].DecompressedSize)
	assert.True(t, blocks[2].Stored)
}

func TestParseBlockHeaderBadMagic(t *testing.T) {
	raw := buildBlockHeader(16, 100, []uint32{100})
	raw[0] = 'Z'
	_, _, err := ParseBlockHeader(raw)
	assert.Error(t, err)
}

func TestDecompressBlockStoredSizeMismatch(t *testing.T) {
	_, err := DecompressBlock([]byte("1234"), 8, true)
	assert.Error(t, err)

	out, err := DecompressBlock([]byte("12345678"), 8, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("12345678"), out)
}
