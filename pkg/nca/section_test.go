package nca

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nxinstall/yati/pkg/crypto"
	"github.com/nxinstall/yati/pkg/keys"
	"github.com/nxinstall/yati/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreWithKeyArea(t *testing.T) *keys.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prod.keys")
	data := "aes_kek_generation_source = " + hex16 + "\n" +
		"aes_key_generation_source = " + hex16 + "\n" +
		"key_area_key_application_source = " + hex16 + "\n" +
		"master_key_00 = " + hex16 + "\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	store := keys.NewStore()
	require.NoError(t, store.Load(path))
	return store
}

func TestExtractSectionNoCrypto(t *testing.T) {
	plain := make([]byte, MediaSize)
	copy(plain, "plain section bytes, not encrypted at all, padded")
	src := source.NewBytes(plain)

	h := &Header{
		SectionTables: [4]SectionEntry{{MediaStartOffset: 0, MediaEndOffset: uint32(len(plain) / MediaSize)}},
		FsHeaders:     [4]FsHeader{{CryptoType: CryptoTypeNone}},
	}

	out, err := ExtractSection(src, 0, h, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, plain[:len(out)], out)
}

func TestExtractSectionCTRStandardCrypto(t *testing.T) {
	store := testStoreWithKeyArea(t)

	var keyArea [0x40]byte
	wrappedArea, err := store.EncryptKeyArea(keyArea, 0)
	require.NoError(t, err)

	plain := make([]byte, MediaSize*2)
	for i := range plain {
		plain[i] = byte(i)
	}

	unwrappedArea, err := store.DecryptKeyArea(wrappedArea, 0)
	require.NoError(t, err)
	sectionKey := unwrappedArea[keyAreaNormalSlotOffset : keyAreaNormalSlotOffset+0x10]

	stream, err := crypto.NewCTRStream(sectionKey, make([]byte, 16), 0)
	require.NoError(t, err)
	cipherText := make([]byte, len(plain))
	stream.XORKeyStream(cipherText, plain)

	h := &Header{
		KeyArea:       wrappedArea,
		SectionTables: [4]SectionEntry{{MediaStartOffset: 0, MediaEndOffset: 2}},
		FsHeaders:     [4]FsHeader{{CryptoType: CryptoTypeCTR}},
	}

	src := source.NewBytes(cipherText)
	out, err := ExtractSection(src, 0, h, 0, store, nil)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestExtractSectionRightsIDRequiresTitleKey(t *testing.T) {
	h := &Header{
		RightsID:      [0x10]byte{0: 1},
		SectionTables: [4]SectionEntry{{MediaStartOffset: 0, MediaEndOffset: 1}},
		FsHeaders:     [4]FsHeader{{CryptoType: CryptoTypeCTR}},
	}
	src := source.NewBytes(make([]byte, MediaSize))

	_, err := ExtractSection(src, 0, h, 0, nil, nil)
	assert.Error(t, err)
}

func TestExtractSectionOutOfRangeIndex(t *testing.T) {
	h := &Header{}
	src := source.NewBytes(nil)
	_, err := ExtractSection(src, 0, h, 4, nil, nil)
	assert.Error(t, err)
}

func TestExtractSectionNotPresent(t *testing.T) {
	h := &Header{SectionTables: [4]SectionEntry{{MediaStartOffset: 5, MediaEndOffset: 5}}}
	src := source.NewBytes(nil)
	_, err := ExtractSection(src, 0, h, 0, nil, nil)
	assert.Error(t, err)
}

func TestExtractSectionUnsupportedCryptoType(t *testing.T) {
	h := &Header{
		SectionTables: [4]SectionEntry{{MediaStartOffset: 0, MediaEndOffset: 1}},
		FsHeaders:     [4]FsHeader{{CryptoType: 99}},
	}
	src := source.NewBytes(make([]byte, MediaSize))
	_, err := ExtractSection(src, 0, h, 0, nil, nil)
	assert.Error(t, err)
}

func TestExtractSectionBktrRightsIDRequiresTitleKey(t *testing.T) {
	h := &Header{
		RightsID:      [0x10]byte{0: 1},
		SectionTables: [4]SectionEntry{{MediaStartOffset: 0, MediaEndOffset: 1}},
		FsHeaders:     [4]FsHeader{{CryptoType: CryptoTypeBKTR}},
	}
	src := source.NewBytes(make([]byte, MediaSize))

	_, err := ExtractSection(src, 0, h, 0, nil, nil)
	assert.Error(t, err)
}
