package source

import "fmt"

// Bytes is a Source backed by an in-memory byte slice: the shape the CNMT
// extractor needs after decrypting an NCA's PFS0 section, where there is no
// backing file to reopen.
type Bytes struct {
	data []byte
}

// NewBytes wraps data as a Source. The slice is not copied; callers must
// not mutate it afterward.
func NewBytes(data []byte) *Bytes {
	return &Bytes{data: data}
}

func (b *Bytes) ReadAt(dst []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b.data)) {
		return 0, fmt.Errorf("source: bytes read at %d out of range (len %d)", off, len(b.data))
	}
	n := copy(dst, b.data[off:])
	if n < len(dst) {
		return n, fmt.Errorf("source: short read at %d: got %d, want %d", off, n, len(dst))
	}
	return n, nil
}

func (b *Bytes) Size() int64 { return int64(len(b.data)) }

func (b *Bytes) IsStream() bool { return false }

func (b *Bytes) Close() error { return nil }
