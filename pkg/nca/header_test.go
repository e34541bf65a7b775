package nca

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/nxinstall/yati/pkg/crypto"
	"github.com/nxinstall/yati/pkg/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hex16 = "0123456789abcdef0123456789abcdef"

func testStoreWithHeaderKey(t *testing.T) *keys.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prod.keys")
	data := "header_key = " + hex16 + hex16 + "\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	store := keys.NewStore()
	require.NoError(t, store.Load(path))
	return store
}

// buildDecryptedHeader lays out a synthetic 0xC00-byte decrypted NCA header
// per parseDecryptedHeader's field offsets, with standard crypto (zero
// rights id) and every fs header's crypto type set to XTS so no BKTR
// subsection parsing is triggered.
func buildDecryptedHeader(progID uint64, contentSize uint64) []byte {
	buf := make([]byte, HeaderStructSize)
	copy(buf[0x200:0x204], Magic)
	buf[0x204] = 0 // DistType
	buf[0x205] = ContentTypeProgram
	buf[0x206] = 5 // KeyGeneration
	buf[0x207] = 0 // KeyAreaIndex
	binary.LittleEndian.PutUint64(buf[0x208:0x210], contentSize)
	binary.LittleEndian.PutUint64(buf[0x210:0x218], progID)
	binary.LittleEndian.PutUint32(buf[0x218:0x21C], 0)
	binary.LittleEndian.PutUint32(buf[0x21C:0x220], 0)
	buf[0x220] = 0 // KeyGeneration2, rights-id-less content uses KeyGeneration

	for i := 0; i < 4; i++ {
		off := 0x400 + i*0x200
		buf[off+0x4] = CryptoTypeXTS
	}
	return buf
}

func encryptHeaderBuf(t *testing.T, decrypted, headerKey []byte) []byte {
	t.Helper()
	out := make([]byte, len(decrypted))
	sectors := len(decrypted) / MediaSize
	for i := 0; i < sectors; i++ {
		start := i * MediaSize
		end := start + MediaSize
		enc, err := crypto.XTSEncrypt(decrypted[start:end], headerKey, uint64(i))
		require.NoError(t, err)
		copy(out[start:end], enc)
	}
	return out
}

func TestDecryptHeaderRoundTrip(t *testing.T) {
	store := testStoreWithHeaderKey(t)
	headerKey := store.HeaderKey()

	decrypted := buildDecryptedHeader(0x0100000000010000, 0x1000000)
	encrypted := encryptHeaderBuf(t, decrypted, headerKey)

	h, err := DecryptHeader(encrypted, store)
	require.NoError(t, err)

	assert.Equal(t, Magic, string(h.Magic[:]))
	assert.Equal(t, uint64(0x0100000000010000), h.ProgID)
	assert.Equal(t, uint64(0x1000000), h.ContentSize)
	assert.Equal(t, byte(5), h.KeyGeneration)
	assert.False(t, h.HasRightsID())
	assert.Equal(t, CryptoTypeXTS, h.FsHeaders[0].CryptoType)
}

func TestDecryptHeaderTooShort(t *testing.T) {
	store := testStoreWithHeaderKey(t)
	_, err := DecryptHeader(make([]byte, 100), store)
	assert.Error(t, err)
}

func TestDecryptHeaderMissingHeaderKey(t *testing.T) {
	store := keys.NewStore()
	_, err := DecryptHeader(make([]byte, HeaderStructSize), store)
	assert.Error(t, err)
}

func TestDecryptHeaderBadMagic(t *testing.T) {
	store := testStoreWithHeaderKey(t)
	decrypted := buildDecryptedHeader(1, 1)
	decrypted[0x200] = 'X'
	encrypted := encryptHeaderBuf(t, decrypted, store.HeaderKey())

	_, err := DecryptHeader(encrypted, store)
	assert.Error(t, err)
}

func TestEncryptHeaderInverseOfDecrypt(t *testing.T) {
	store := testStoreWithHeaderKey(t)
	decrypted := buildDecryptedHeader(42, 99)
	encrypted := encryptHeaderBuf(t, decrypted, store.HeaderKey())

	h, err := DecryptHeader(encrypted, store)
	require.NoError(t, err)

	reEncrypted, err := EncryptHeader(h, store)
	require.NoError(t, err)
	assert.Equal(t, encrypted, reEncrypted)
}

func TestEffectiveKeyGeneration(t *testing.T) {
	h := &Header{KeyGeneration: 3, KeyGeneration2: 5}
	assert.Equal(t, 4, h.EffectiveKeyGeneration())

	h2 := &Header{KeyGeneration: 0, KeyGeneration2: 0}
	assert.Equal(t, 0, h2.EffectiveKeyGeneration())
}

func TestHasRightsID(t *testing.T) {
	var h Header
	assert.False(t, h.HasRightsID())
	h.RightsID[0] = 1
	assert.True(t, h.HasRightsID())
}
