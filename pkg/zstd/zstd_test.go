package zstd

import (
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecompressRoundTrip(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	plain := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, the quick brown fox jumps over the lazy dog")
	frame := enc.EncodeAll(plain, nil)

	out, err := Decompress(frame)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := Decompress([]byte("not a zstd frame"))
	assert.Error(t, err)
}

func TestDecompressEmptyFrame(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	frame := enc.EncodeAll(nil, nil)
	out, err := Decompress(frame)
	require.NoError(t, err)
	assert.Empty(t, out)
}
