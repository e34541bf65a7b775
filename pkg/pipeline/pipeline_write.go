package pipeline

import (
	"fmt"
	"time"

	"github.com/nxinstall/yati/pkg/metrics"
	"github.com/nxinstall/yati/pkg/yatierr"
)

// writeWorker is the Write stage: consumes write_ring, appends to the
// placeholder in sub-chunks of the read buffer size at a monotonic offset,
// and emits an edge-triggered progress event after each sub-chunk. On
// file-based-emummc targets it sleeps 2 ms per sub-chunk to give the host
// filesystem headroom.
func writeWorker(st *sharedState, p Params) {
	defer func() {
		st.writeRunning.Store(false)
		st.readRing.WakeAll()
		st.writeRing.WakeAll()
	}()

	peerPop := func() bool { return !st.decompressRunning.Load() || st.cancelled() }

	subChunk := p.Config.ReadChunkSize
	if p.Config.FileBasedEmummc {
		subChunk = emummcChunkSize
	}
	if subChunk <= 0 {
		subChunk = 4 << 20
	}

	var writeOffset int64

	for {
		if st.cancelled() {
			st.fail(yatierr.ErrCancelled)
			return
		}
		cell, ok := st.writeRing.Pop(peerPop)
		if !ok {
			break
		}

		buf := cell.Buf
		for len(buf) > 0 {
			n := int64(len(buf))
			if n > subChunk {
				n = subChunk
			}

			if err := p.Storage.WritePlaceholder(st.ctx, p.PlaceholderID, writeOffset, buf[:n]); err != nil {
				st.fail(fmt.Errorf("pipeline: write placeholder at %d: %w", writeOffset, yatierr.ErrStoreError))
				return
			}
			writeOffset += n
			buf = buf[n:]
			metrics.BytesWrittenTotal.Add(float64(n))

			if p.Progress != nil {
				total := st.totalSize.Load()
				select {
				case p.Progress <- Progress{WrittenBytes: writeOffset, TotalBytes: total}:
				default:
				}
			}
			if p.Config.FileBasedEmummc {
				time.Sleep(2 * time.Millisecond)
			}
		}
	}

	if err := p.Storage.FlushPlaceholder(st.ctx, p.PlaceholderID); err != nil {
		st.fail(fmt.Errorf("pipeline: flush placeholder: %w", yatierr.ErrStoreError))
	}
}
