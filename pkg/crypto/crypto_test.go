package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestECBEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	plain := []byte("0123456789ABCDEF0123456789ABCDEF")[:32]

	enc, err := ECBEncrypt(plain, key)
	require.NoError(t, err)
	assert.NotEqual(t, plain, enc)

	dec, err := ECBDecrypt(enc, key)
	require.NoError(t, err)
	assert.Equal(t, plain, dec)
}

func TestECBRejectsNonBlockMultiple(t *testing.T) {
	key := make([]byte, 16)
	_, err := ECBEncrypt(make([]byte, 15), key)
	assert.Error(t, err)

	_, err = ECBDecrypt(make([]byte, 17), key)
	assert.Error(t, err)
}

func TestCTRStreamRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	for i := range key {
		key[i] = byte(i * 3)
	}
	for i := range iv[:8] {
		iv[i] = byte(i)
	}

	plain := make([]byte, 256)
	for i := range plain {
		plain[i] = byte(i)
	}

	encStream, err := NewCTRStream(key, iv, 0)
	require.NoError(t, err)
	cipherText := make([]byte, len(plain))
	encStream.XORKeyStream(cipherText, plain)

	decStream, err := NewCTRStream(key, iv, 0)
	require.NoError(t, err)
	decoded := make([]byte, len(cipherText))
	decStream.XORKeyStream(decoded, cipherText)

	assert.Equal(t, plain, decoded)
}

func TestCTRStreamSeekMatchesFullStream(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	for i := range key {
		key[i] = byte(i + 7)
	}

	plain := make([]byte, 64)
	for i := range plain {
		plain[i] = byte(i * 2)
	}

	full, err := NewCTRStream(key, iv, 0)
	require.NoError(t, err)
	fullCipher := make([]byte, len(plain))
	full.XORKeyStream(fullCipher, plain)

	// Seeking to a block-aligned offset and encrypting the tail must match
	// the corresponding slice of the full-stream ciphertext.
	const seekOffset = 32
	seeked, err := NewCTRStream(key, iv, seekOffset)
	require.NoError(t, err)
	tailCipher := make([]byte, len(plain)-seekOffset)
	seeked.XORKeyStream(tailCipher, plain[seekOffset:])

	assert.Equal(t, fullCipher[seekOffset:], tailCipher)
}

func TestXTSEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	plain := make([]byte, 0x200)
	for i := range plain {
		plain[i] = byte(i)
	}

	enc, err := XTSEncrypt(plain, key, 3)
	require.NoError(t, err)
	assert.NotEqual(t, plain, enc)

	dec, err := XTSDecrypt(enc, key, 3)
	require.NoError(t, err)
	assert.Equal(t, plain, dec)
}

func TestXTSDifferentSectorsProduceDifferentCiphertext(t *testing.T) {
	key := make([]byte, 32)
	plain := make([]byte, 16)

	a, err := XTSEncrypt(plain, key, 0)
	require.NoError(t, err)
	b, err := XTSEncrypt(plain, key, 1)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestXTSRejectsBadKeyOrLength(t *testing.T) {
	_, err := XTSEncrypt(make([]byte, 16), make([]byte, 16), 0)
	assert.Error(t, err, "key must be 32 bytes")

	_, err = XTSEncrypt(make([]byte, 15), make([]byte, 32), 0)
	assert.Error(t, err, "data must be multiple of 16")
}

func TestVerifyFixedKeySignature(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	body := []byte("nca header body bytes")
	hash := sha256.Sum256(body)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	require.NoError(t, err)

	modulus := priv.PublicKey.N.Bytes()
	// Pad to exactly 256 bytes as the key store would provide.
	if len(modulus) < 256 {
		padded := make([]byte, 256)
		copy(padded[256-len(modulus):], modulus)
		modulus = padded
	}

	err = VerifyFixedKeySignature(sig, modulus, body)
	assert.NoError(t, err)

	err = VerifyFixedKeySignature(sig, modulus, []byte("tampered body"))
	assert.Error(t, err)
}

func TestVerifyFixedKeySignatureRejectsBadModulusLength(t *testing.T) {
	err := VerifyFixedKeySignature(make([]byte, 256), make([]byte, 100), []byte("x"))
	assert.Error(t, err)
}
