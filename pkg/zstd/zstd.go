// Package zstd wraps klauspost/compress/zstd with a single shared decoder,
// the installer's only zstd consumer: an NCZ section's block table divides
// its payload into independently-framed zstd blocks that the decompress
// pipeline stage decodes one at a time (pkg/ncz.DecompressBlock).
package zstd

import "github.com/klauspost/compress/zstd"

var decoder, _ = zstd.NewReader(nil)

// Decompress decodes one self-contained zstd frame.
func Decompress(src []byte) ([]byte, error) {
	return decoder.DecodeAll(src, nil)
}
