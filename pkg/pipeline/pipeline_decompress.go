package pipeline

import (
	"crypto/sha256"
	"fmt"

	"github.com/nxinstall/yati/pkg/crypto"
	"github.com/nxinstall/yati/pkg/keys"
	"github.com/nxinstall/yati/pkg/nca"
	"github.com/nxinstall/yati/pkg/ncz"
	"github.com/nxinstall/yati/pkg/yatierr"
)

// distTypeGameCard and distTypeSystem are the two nca.Header.DistType values
// the header rewrite cares about; every other value is left alone.
const (
	distTypeGameCard = 1
	distTypeSystem   = 0
)

// errAborted is a private sentinel returned internally when a push/pop
// against a ring gives up because the peer stage already exited. It never
// reaches a caller: the worker that observes it simply returns without
// calling st.fail again, since the peer's own fail() call already recorded
// the real cause.
var errAborted = fmt.Errorf("pipeline: aborted")

// decompressState is the Decompress/Rewrite worker's private state: the
// parsed/rewritten header, the running SHA-256, and (for NCZ content) the
// in-flight block cursor and inflate buffer. Owned exclusively by the one
// goroutine running decompressWorker, per the spec's ownership note for
// inflate_buf/carry_buf.
type decompressState struct {
	params Params
	store  *keys.Store

	header   *nca.Header
	modified bool
	sha      [32]byte

	trueSize     int64
	outputOffset int64 // running offset into the produced (decompressed, rewritten) stream

	sections []ncz.Section
	blocks   []ncz.Block
	blockIdx int

	compressedCarry []byte
	inflateBuf      []byte

	shaHash interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

func (d *decompressState) isNCZ() bool { return d.sections != nil }

// decompressWorker is the Decompress/Rewrite stage: header decrypt/verify/
// rewrite at logical offset 0, then either verbatim forwarding (non-NCZ) or
// block-by-block zstd decompression with per-section AES-CTR
// re-encryption on flush (NCZ), maintaining a running SHA-256 throughout.
func decompressWorker(st *sharedState, d *decompressState, flushThreshold int64) {
	defer func() {
		st.decompressRunning.Store(false)
		st.readRing.WakeAll()
		st.writeRing.WakeAll()
	}()

	d.shaHash = sha256.New()

	peerPop := func() bool { return !st.readRunning.Load() || st.cancelled() }
	peerPush := func() bool { return !st.writeRunning.Load() || st.cancelled() }

	for {
		if st.cancelled() {
			st.fail(yatierr.ErrCancelled)
			return
		}
		cell, ok := st.readRing.Pop(peerPop)
		if !ok {
			break
		}
		if err := d.processChunk(st, cell, flushThreshold, peerPush); err != nil {
			if err != errAborted {
				st.fail(err)
			}
			return
		}
	}

	if err := d.flush(st, len(d.inflateBuf), peerPush); err != nil {
		if err != errAborted {
			st.fail(err)
		}
		return
	}

	copy(d.sha[:], d.shaHash.Sum(nil))
}

func (d *decompressState) processChunk(st *sharedState, cell Cell, flushThreshold int64, peerPush func() bool) error {
	if cell.LogicalOffset == 0 {
		return d.handleHeaderChunk(st, cell, flushThreshold, peerPush)
	}
	if !d.isNCZ() && cell.LogicalOffset >= nca.FullHeaderSize {
		// With a read chunk smaller than the header region, Read publishes
		// the tables only after the first cell, so pick them up here.
		d.sections, d.blocks = st.getNczTables()
	}
	if !d.isNCZ() {
		if !d.params.Config.SkipNcaHashVerify {
			d.shaHash.Write(cell.Buf)
		}
		return d.pushWrite(st, cell.Buf, peerPush)
	}
	return d.handleNczChunk(st, cell, flushThreshold, peerPush)
}

// handleHeaderChunk decrypts the 0xC00-byte header at the front of the
// first cell, verifies and optionally rewrites it, then forwards the full
// 0x4000-byte header region (padding included) to Write. Any bytes the
// first cell carries past the header region are processed as ordinary
// payload at logical offset FullHeaderSize.
func (d *decompressState) handleHeaderChunk(st *sharedState, cell Cell, flushThreshold int64, peerPush func() bool) error {
	if len(cell.Buf) < nca.HeaderStructSize {
		return fmt.Errorf("pipeline: first chunk too short for nca header: %d bytes", len(cell.Buf))
	}

	header, err := nca.DecryptHeader(cell.Buf, d.store)
	if err != nil {
		return fmt.Errorf("pipeline: %v: %w", err, yatierr.ErrInvalidNcaMagic)
	}
	if !d.params.Config.SkipRsaHeaderFixedKeyVerify {
		if err := nca.VerifyFixedKey(header, d.store, d.params.Config.FixedKeyModulusIndex); err != nil {
			return fmt.Errorf("pipeline: %v: %w", err, yatierr.ErrInvalidFixedKeySignature)
		}
	}

	d.header = header
	d.trueSize = int64(header.ContentSize)
	st.totalSize.Store(d.trueSize)
	if err := d.params.Storage.SetPlaceholderSize(st.ctx, d.params.PlaceholderID, d.trueSize); err != nil {
		return fmt.Errorf("pipeline: set placeholder size: %w", yatierr.ErrStoreError)
	}

	modified := false
	raw := header.RawHeader()

	if header.DistType == distTypeGameCard && !d.params.Config.IgnoreDistributionBit {
		header.DistType = distTypeSystem
		raw[0x204] = distTypeSystem
		modified = true
	}

	switch {
	case header.HasRightsID() && d.params.Ticket != nil && d.params.Config.ConvertToStandardCrypto:
		titleKey, err := d.params.Ticket.Decrypt(d.store)
		if err == nil {
			var keyArea [0x40]byte
			copy(keyArea[:], header.KeyArea[:])
			copy(keyArea[0x20:0x30], titleKey)

			wrapped, err := nca.EncryptKeyArea(keyArea, d.store, header.EffectiveKeyGeneration())
			if err == nil {
				header.KeyArea = wrapped
				copy(raw[0x300:0x340], wrapped[:])

				var zero [0x10]byte
				header.RightsID = zero
				copy(raw[0x230:0x240], zero[:])

				d.params.Ticket.Required = false
				modified = true
			}
		}

	case !header.HasRightsID() && d.params.Config.LowerMasterKey:
		area, err := nca.DecryptKeyArea(header, d.store)
		if err == nil {
			wrapped, err := nca.EncryptKeyArea(area, d.store, 0)
			if err == nil {
				header.KeyArea = wrapped
				copy(raw[0x300:0x340], wrapped[:])
				modified = true
			}
		}
	}

	d.modified = modified

	headerLen := len(cell.Buf)
	if headerLen > int(nca.FullHeaderSize) {
		headerLen = int(nca.FullHeaderSize)
	}
	out := make([]byte, headerLen)
	copy(out, cell.Buf[:headerLen])

	if modified {
		enc, err := nca.EncryptHeader(header, d.store)
		if err != nil {
			return fmt.Errorf("pipeline: re-encrypt header: %w", err)
		}
		copy(out[:nca.HeaderStructSize], enc)
	}

	if !d.params.Config.SkipNcaHashVerify {
		d.shaHash.Write(out)
	}
	if err := d.pushWrite(st, out, peerPush); err != nil {
		return err
	}

	secs, blocks := st.getNczTables()
	d.sections = secs
	d.blocks = blocks

	if len(cell.Buf) > int(nca.FullHeaderSize) {
		rest := Cell{Buf: cell.Buf[nca.FullHeaderSize:], LogicalOffset: nca.FullHeaderSize}
		return d.processChunk(st, rest, flushThreshold, peerPush)
	}
	return nil
}

// handleNczChunk accumulates raw NCZ payload bytes into the current block's
// compressed-byte carry, decompressing and appending to inflate_buf each
// time a block completes, flushing once inflate_buf crosses the threshold.
func (d *decompressState) handleNczChunk(st *sharedState, cell Cell, flushThreshold int64, peerPush func() bool) error {
	data := cell.Buf
	pos := 0

	if len(d.blocks) == 0 {
		// Section table present with no resolvable block table: treat the
		// payload as already-decompressed raw section data.
		d.inflateBuf = append(d.inflateBuf, data...)
		if int64(len(d.inflateBuf)) >= flushThreshold {
			return d.flush(st, len(d.inflateBuf), peerPush)
		}
		return nil
	}

	for pos < len(data) {
		if d.blockIdx >= len(d.blocks) {
			return fmt.Errorf("pipeline: %w", yatierr.ErrNczBlockNotFound)
		}
		blk := d.blocks[d.blockIdx]

		need := blk.CompressedSize - int64(len(d.compressedCarry))
		take := int64(len(data) - pos)
		if take > need {
			take = need
		}
		d.compressedCarry = append(d.compressedCarry, data[pos:pos+int(take)]...)
		pos += int(take)

		if int64(len(d.compressedCarry)) < blk.CompressedSize {
			break
		}

		out, err := ncz.DecompressBlock(d.compressedCarry, blk.DecompressedSize, blk.Stored)
		if err != nil {
			return fmt.Errorf("pipeline: %v: %w", err, yatierr.ErrInvalidNczZstdError)
		}
		d.inflateBuf = append(d.inflateBuf, out...)
		d.compressedCarry = d.compressedCarry[:0]
		d.blockIdx++

		if int64(len(d.inflateBuf)) >= flushThreshold {
			if err := d.flush(st, len(d.inflateBuf), peerPush); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush walks inflate_buf[0:size] in output-offset order, re-encrypting
// each NCZ-section subrange with crypto_type >= AesCtr in place, pushes the
// result to write_ring, updates SHA-256, and compacts the residue back to
// the front of inflate_buf.
func (d *decompressState) flush(st *sharedState, size int, peerPush func() bool) error {
	if size == 0 {
		return nil
	}
	chunk := d.inflateBuf[:size]
	base := d.outputOffset

	pos := 0
	for pos < len(chunk) {
		abs := base + int64(pos)
		sec, ok := findSection(d.sections, abs)
		if !ok {
			return fmt.Errorf("pipeline: offset %d: %w", abs, yatierr.ErrNczSectionNotFound)
		}

		secEnd := int64(sec.Offset + sec.Size)
		take := len(chunk) - pos
		if avail := int(secEnd - abs); avail < take {
			take = avail
		}
		if take <= 0 {
			return fmt.Errorf("pipeline: offset %d: %w", abs, yatierr.ErrNczSectionNotFound)
		}

		if sec.IsEncrypted() {
			stream, err := crypto.NewCTRStream(sec.Key[:], sec.Counter[:8], abs)
			if err != nil {
				return fmt.Errorf("pipeline: ncz ctr stream: %w", err)
			}
			stream.XORKeyStream(chunk[pos:pos+take], chunk[pos:pos+take])
		}

		pos += take
	}

	if !d.params.Config.SkipNcaHashVerify {
		d.shaHash.Write(chunk)
	}
	if err := d.pushWrite(st, append([]byte(nil), chunk...), peerPush); err != nil {
		return err
	}

	residue := append([]byte(nil), d.inflateBuf[size:]...)
	d.inflateBuf = residue
	return nil
}

func findSection(sections []ncz.Section, offset int64) (ncz.Section, bool) {
	for _, s := range sections {
		if offset >= int64(s.Offset) && offset < int64(s.Offset+s.Size) {
			return s, true
		}
	}
	return ncz.Section{}, false
}

func (d *decompressState) pushWrite(st *sharedState, buf []byte, peerPush func() bool) error {
	if len(buf) == 0 {
		return nil
	}
	if !st.writeRing.Push(Cell{Buf: buf, LogicalOffset: d.outputOffset}, peerPush) {
		return errAborted
	}
	d.outputOffset += int64(len(buf))
	return nil
}
