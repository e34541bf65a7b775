package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nxinstall/yati/pkg/keys"
	"github.com/nxinstall/yati/pkg/metrics"
	"github.com/nxinstall/yati/pkg/nca"
	"github.com/nxinstall/yati/pkg/ncz"
	"github.com/nxinstall/yati/pkg/source"
	"github.com/nxinstall/yati/pkg/store"
	"github.com/nxinstall/yati/pkg/ticket"
	"github.com/nxinstall/yati/pkg/yatierr"
)

const ringCapacity = 4

// Config bundles the pipeline's per-install behavior knobs. The zero value
// is not usable directly; callers should start from DefaultConfig.
type Config struct {
	ReadChunkSize               int64
	FlushThreshold              int64
	SkipNcaHashVerify           bool
	SkipRsaHeaderFixedKeyVerify bool
	IgnoreDistributionBit       bool
	ConvertToStandardCrypto     bool
	LowerMasterKey              bool
	FileBasedEmummc             bool
	FixedKeyModulusIndex        int
}

// DefaultConfig returns the pipeline's baseline knobs: a 4 MiB read chunk
// and a 4 MiB decompress flush threshold, every verify/rewrite flag at its
// spec default (verification on, rewriting off).
func DefaultConfig() Config {
	return Config{
		ReadChunkSize:  4 << 20,
		FlushThreshold: 4 << 20,
	}
}

// emummcChunkSize is the reduced read chunk used when the target content
// store is file-based-emummc, to bound peak memory.
const emummcChunkSize = 512 << 10

// Progress is one edge-triggered write-progress notification. A
// notification carries either a byte-count update (WrittenBytes/TotalBytes)
// from an in-flight NCA's producer/consumer pipeline, or, once, a
// TitleName recovered from a just-registered Control NCA (WrittenBytes and
// TotalBytes left zero on that notification).
type Progress struct {
	WrittenBytes int64
	TotalBytes   int64
	TitleName    string
}

// Params bundles everything one NCA's pipeline run needs.
type Params struct {
	Src               source.Source
	BaseOffset        int64
	Size              int64 // collection entry size, i.e. raw on-disk bytes to read
	DeclaredContentID [16]byte
	Store             *keys.Store
	Ticket            *ticket.Record // nil for standard-crypto content
	Storage           store.ContentStorage
	PlaceholderID     string
	Config            Config
	Progress          chan<- Progress
}

// Result is what a completed (non-cancelled, non-failed) run reports back
// to the orchestrator.
type Result struct {
	Modified     bool
	ProducedHash [32]byte
	TrueSize     int64
	Header       *nca.Header
	Ticket       *ticket.Record
}

// sharedState is the per-run coordination block the three workers read and
// write: running flags, the first recorded error, the two rings, and the
// NCZ tables Read hands to Decompress once parsed.
type sharedState struct {
	readRing  *RingBuf
	writeRing *RingBuf

	readRunning       atomic.Bool
	decompressRunning atomic.Bool
	writeRunning      atomic.Bool

	totalSize atomic.Int64

	mu          sync.Mutex
	firstErr    error
	nczSections []ncz.Section
	nczBlocks   []ncz.Block

	ctx context.Context
}

func (s *sharedState) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func (s *sharedState) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *sharedState) cancelled() bool {
	return s.ctx.Err() != nil
}

// setNczTables records the parsed NCZ section table, and the block table
// once resolved, for the Decompress worker to pick up. Read always
// publishes these before pushing the first post-table cell, so the ring's
// own synchronization makes the write visible by the time Decompress reads
// it back under the same mutex.
func (s *sharedState) setNczTables(sections []ncz.Section, blocks []ncz.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sections != nil {
		s.nczSections = sections
	}
	if blocks != nil {
		s.nczBlocks = blocks
	}
}

func (s *sharedState) getNczTables() ([]ncz.Section, []ncz.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nczSections, s.nczBlocks
}

// Run drives one content's three-stage pipeline to completion: allocates
// nothing itself (the caller creates/deletes the placeholder), starts the
// three workers, waits for them to join, and returns the accumulated
// result or the earliest worker error.
func Run(ctx context.Context, p Params) (*Result, error) {
	chunkSize := p.Config.ReadChunkSize
	if p.Config.FileBasedEmummc {
		chunkSize = emummcChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = 4 << 20
	}
	flushThreshold := p.Config.FlushThreshold
	if flushThreshold <= 0 {
		flushThreshold = 4 << 20
	}

	st := &sharedState{
		readRing:  NewRingBuf(ringCapacity),
		writeRing: NewRingBuf(ringCapacity),
		ctx:       ctx,
	}
	st.readRunning.Store(true)
	st.decompressRunning.Store(true)
	st.writeRunning.Store(true)

	dec := &decompressState{params: p, store: p.Store}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		readWorker(st, p, chunkSize)
	}()
	go func() {
		defer wg.Done()
		decompressWorker(st, dec, flushThreshold)
	}()
	go func() {
		defer wg.Done()
		writeWorker(st, p)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Join loop: poll a ticker purely for cancellation responsiveness, the
	// way the orchestrator's wait_single_handle(1s) loop does.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
joinLoop:
	for {
		select {
		case <-done:
			break joinLoop
		case <-ticker.C:
			if ctx.Err() != nil {
				st.readRing.WakeAll()
				st.writeRing.WakeAll()
			}
		}
	}

	if err := st.result(); err != nil {
		if ctx.Err() != nil {
			metrics.PipelineRunsTotal.WithLabelValues("cancelled").Inc()
		} else {
			metrics.PipelineRunsTotal.WithLabelValues("failed").Inc()
		}
		return nil, err
	}
	if ctx.Err() != nil {
		metrics.PipelineRunsTotal.WithLabelValues("cancelled").Inc()
		return nil, yatierr.ErrCancelled
	}

	if !p.Config.SkipNcaHashVerify && !dec.modified {
		var declaredPrefix [16]byte
		copy(declaredPrefix[:], dec.sha[:16])
		if declaredPrefix != p.DeclaredContentID {
			metrics.PipelineRunsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("nca %x: %w", p.DeclaredContentID, yatierr.ErrInvalidNcaSha256)
		}
	}

	metrics.PipelineRunsTotal.WithLabelValues("ok").Inc()
	return &Result{
		Modified:     dec.modified,
		ProducedHash: dec.sha,
		TrueSize:     dec.trueSize,
		Header:       dec.header,
		Ticket:       p.Ticket,
	}, nil
}

// readWorker is the Read stage: sequential raw reads from the source,
// chunked, with the NCZ section/block table detection and stripping
// described in the pipeline's read-stage behavior. Tables are detected
// monotonically (first time total emitted bytes cross 0x4000, never
// re-probed) rather than by an offset equality check, per the design
// note's guidance for sources that may emit more than 0x4000 bytes in a
// single chunk when a carry buffer is in play.
func readWorker(st *sharedState, p Params, chunkSize int64) {
	defer func() {
		st.readRunning.Store(false)
		st.readRing.WakeAll()
	}()

	var carry []byte
	var totalRaw int64
	var bytesEmitted int64
	probed := false

	peerExited := func() bool { return !st.decompressRunning.Load() || st.cancelled() }

	for {
		if st.cancelled() {
			st.fail(yatierr.ErrCancelled)
			return
		}
		if totalRaw >= p.Size && len(carry) == 0 {
			break
		}

		toRead := chunkSize
		if remaining := p.Size - totalRaw; remaining < toRead {
			toRead = remaining
		}

		var raw []byte
		if toRead > 0 {
			buf := make([]byte, toRead)
			n, err := p.Src.ReadAt(buf, p.BaseOffset+totalRaw)
			if err != nil && err != io.EOF {
				st.fail(fmt.Errorf("read nca at %d: %w", p.BaseOffset+totalRaw, yatierr.ErrSourceError))
				return
			}
			raw = buf[:n]
			totalRaw += int64(n)
		}

		chunk := raw
		if len(carry) > 0 {
			chunk = append(append([]byte(nil), carry...), raw...)
			carry = nil
		}
		if len(chunk) == 0 {
			break
		}

		emit := chunk

		if !probed && bytesEmitted+int64(len(emit)) >= nca.FullHeaderSize {
			boundary := int(nca.FullHeaderSize - bytesEmitted)

			if boundary+0x10 > len(emit) {
				// Not enough bytes yet to decide; defer the tail and
				// retry the probe once more data has arrived.
				carry = append([]byte(nil), emit[boundary:]...)
				emit = emit[:boundary]
			} else {
				probed = true
				emit = probeAndStripTables(st, emit, boundary, &carry)
			}
		}

		if len(emit) > 0 {
			if !st.readRing.Push(Cell{Buf: emit, LogicalOffset: bytesEmitted}, peerExited) {
				return
			}
			bytesEmitted += int64(len(emit))
		}

		if totalRaw >= p.Size && len(carry) == 0 {
			break
		}
	}
}

// probeAndStripTables inspects the 0x10 bytes at boundary for the NCZ
// section magic, consuming the section and (if present) block tables out
// of emit and publishing them to st. On a false block-magic probe, the
// probed bytes are reinstated via carry so they reappear as payload.
func probeAndStripTables(st *sharedState, emit []byte, boundary int, carry *[]byte) []byte {
	probe := emit[boundary : boundary+0x10]
	if !ncz.ProbeSectionMagic(probe) {
		return emit
	}

	secs, consumed, err := ncz.ParseSections(emit[boundary:])
	if err != nil {
		st.fail(fmt.Errorf("parse ncz sections: %w", err))
		return emit[:boundary]
	}
	afterSections := boundary + consumed

	if afterSections+0x10 > len(emit) {
		st.setNczTables(secs, nil)
		*carry = append([]byte(nil), emit[afterSections:]...)
		return emit[:boundary]
	}

	blkProbe := emit[afterSections : afterSections+0x10]
	if !ncz.ProbeBlockMagic(blkProbe) {
		st.setNczTables(secs, nil)
		*carry = append([]byte(nil), emit[afterSections:]...)
		return emit[:boundary]
	}

	bt, bconsumed, err := ncz.ParseBlockHeader(emit[afterSections:])
	if err != nil {
		st.fail(fmt.Errorf("parse ncz block header: %w", err))
		return emit[:boundary]
	}
	blocks := ncz.ResolveBlocks(bt, nca.FullHeaderSize)
	st.setNczTables(secs, blocks)

	return append(append([]byte(nil), emit[:boundary]...), emit[afterSections+bconsumed:]...)
}
