package ncz

import (
	"fmt"

	"github.com/nxinstall/yati/pkg/zstd"
)

// DecompressBlock decompresses one NCZ block's zstd frame, or returns it
// unchanged if stored is true. The decode itself runs through pkg/zstd,
// the teacher's shared-decoder wrapper, so the pipeline's per-block calls
// don't each pay for constructing a fresh zstd.Decoder.
func DecompressBlock(compressed []byte, expectedSize int64, stored bool) ([]byte, error) {
	if stored {
		if int64(len(compressed)) != expectedSize {
			return nil, fmt.Errorf("ncz: stored block size mismatch: got %d, want %d", len(compressed), expectedSize)
		}
		return compressed, nil
	}

	out, err := zstd.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("ncz: zstd decode block: %w", err)
	}
	if int64(len(out)) != expectedSize {
		return nil, fmt.Errorf("ncz: decompressed size mismatch: got %d, want %d", len(out), expectedSize)
	}
	return out, nil
}
