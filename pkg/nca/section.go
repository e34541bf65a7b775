// Section extraction: decrypting one NCA filesystem section's raw bytes so
// the CNMT parser can read the Meta-NCA's PFS0 content without going
// through the install pipeline's placeholder (the pipeline only rewrites
// the header; the body it writes out is still at-rest ciphertext, the
// format a registered content is supposed to stay in). Grounded on
// _examples/original_source/sphaira/source/yati/yati.cpp's
// nca::ParseControl/InstallCnmtNca, which both read a section's plaintext
// out-of-band before the content is registered.
package nca

import (
	"fmt"

	"github.com/nxinstall/yati/pkg/crypto"
	"github.com/nxinstall/yati/pkg/keys"
	"github.com/nxinstall/yati/pkg/source"
)

// keyAreaNormalSlotOffset is the byte offset of key-area slot 2
// (ApplicationKeyAreaKey, the slot normal-crypto content's section key
// lives in), matching the slot the pipeline's standard-crypto conversion
// path writes a ticket's title key into.
const keyAreaNormalSlotOffset = 0x20

// ExtractSection reads and, if required, decrypts the plaintext bytes of
// one of an NCA's four filesystem sections directly from src, given the
// NCA's absolute base offset and its already-decrypted header.
// rightsIDTitleKey is used when the header carries a rights id (nil
// otherwise; such sections fall back to the header's own key area).
func ExtractSection(src source.Source, baseOffset int64, h *Header, sectionIdx int, store *keys.Store, rightsIDTitleKey []byte) ([]byte, error) {
	if sectionIdx < 0 || sectionIdx > 3 {
		return nil, fmt.Errorf("nca: section index %d out of range", sectionIdx)
	}
	entry := h.SectionTables[sectionIdx]
	if entry.MediaEndOffset <= entry.MediaStartOffset {
		return nil, fmt.Errorf("nca: section %d not present", sectionIdx)
	}

	start := int64(entry.MediaStartOffset) * MediaSize
	end := int64(entry.MediaEndOffset) * MediaSize
	size := end - start

	raw := make([]byte, size)
	if _, err := src.ReadAt(raw, baseOffset+start); err != nil {
		return nil, fmt.Errorf("nca: read section %d: %w", sectionIdx, err)
	}

	fsh := h.FsHeaders[sectionIdx]
	switch fsh.CryptoType {
	case CryptoTypeNone:
		return raw, nil
	case CryptoTypeCTR:
		var key []byte
		if h.HasRightsID() {
			if rightsIDTitleKey == nil {
				return nil, fmt.Errorf("nca: section %d needs rights-id title key, none supplied", sectionIdx)
			}
			key = rightsIDTitleKey
		} else {
			area, err := DecryptKeyArea(h, store)
			if err != nil {
				return nil, fmt.Errorf("nca: decrypt key area for section %d: %w", sectionIdx, err)
			}
			key = area[keyAreaNormalSlotOffset : keyAreaNormalSlotOffset+0x10]
		}

		// The counter's low bytes track offset from the NCA's own content
		// start, not from the section's position within the outer
		// container (matching the NCZ section counter convention the
		// pipeline's decompress stage uses).
		stream, err := crypto.NewCTRStream(key, fsh.CryptoCounter[:], start)
		if err != nil {
			return nil, fmt.Errorf("nca: section %d ctr stream: %w", sectionIdx, err)
		}
		stream.XORKeyStream(raw, raw)
		return raw, nil
	case CryptoTypeBKTR:
		var key []byte
		if h.HasRightsID() {
			if rightsIDTitleKey == nil {
				return nil, fmt.Errorf("nca: section %d needs rights-id title key, none supplied", sectionIdx)
			}
			key = rightsIDTitleKey
		} else {
			area, err := DecryptKeyArea(h, store)
			if err != nil {
				return nil, fmt.Errorf("nca: decrypt key area for section %d: %w", sectionIdx, err)
			}
			key = area[keyAreaNormalSlotOffset : keyAreaNormalSlotOffset+0x10]
		}

		buckets, err := ParseBktrSubsectionBuckets(src, baseOffset+start, fsh.BktrSubsection, key, fsh.CryptoCounter[:])
		if err != nil {
			return nil, fmt.Errorf("nca: section %d bktr subsection table: %w", sectionIdx, err)
		}
		if len(buckets) == 0 {
			// No subsection table resolved (patch-less content carrying a
			// BKTR crypto type but no per-subsection counters): fall back to
			// a single whole-section CTR stream under the base counter.
			stream, err := crypto.NewCTRStream(key, fsh.CryptoCounter[:], start)
			if err != nil {
				return nil, fmt.Errorf("nca: section %d ctr stream: %w", sectionIdx, err)
			}
			stream.XORKeyStream(raw, raw)
			return raw, nil
		}

		for _, bucket := range buckets {
			for _, entry := range bucket.Entries {
				entryStart := int64(entry.VirtualOffset)
				entryEnd := entryStart + int64(entry.Size)
				if entryStart < 0 {
					entryStart = 0
				}
				if entryEnd > size {
					entryEnd = size
				}
				if entryEnd <= entryStart {
					continue
				}

				counter := SetBktrCounter(fsh.CryptoCounter[:], entry.Ctr)
				stream, err := crypto.NewCTRStream(key, counter, start+entryStart)
				if err != nil {
					return nil, fmt.Errorf("nca: section %d bktr subsection ctr stream: %w", sectionIdx, err)
				}
				stream.XORKeyStream(raw[entryStart:entryEnd], raw[entryStart:entryEnd])
			}
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("nca: section %d crypto type %d not supported for extraction", sectionIdx, fsh.CryptoType)
	}
}
