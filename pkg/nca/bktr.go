package nca

import (
	"encoding/binary"

	"github.com/nxinstall/yati/pkg/crypto"
	"github.com/nxinstall/yati/pkg/source"
)

// BktrHeader is the patch/delta relocation or subsection bucket-table
// pointer carried in a BKTR fs header (bytes 0x100-0x120 or 0x120-0x140).
type BktrHeader struct {
	Offset     uint64
	Size       uint64
	Magic      [4]byte
	Version    uint32
	EntryCount uint32
	Reserved   uint32
}

// BktrSubsectionEntry is a single subsection with the AES-CTR counter value
// content in its virtual-offset range is encrypted under.
type BktrSubsectionEntry struct {
	VirtualOffset uint64
	Size          uint64
	Padding       uint32
	Ctr           uint32
}

// BktrBucket groups a contiguous run of subsection entries.
type BktrBucket struct {
	Padding    uint32
	EntryCount uint32
	EndOffset  uint64
	Entries    []BktrSubsectionEntry
}

// ParseBktrHeader parses a 32-byte BKTR header slice.
func ParseBktrHeader(data []byte) *BktrHeader {
	if len(data) < 32 {
		return nil
	}
	h := &BktrHeader{
		Offset:     binary.LittleEndian.Uint64(data[0:8]),
		Size:       binary.LittleEndian.Uint64(data[8:16]),
		Version:    binary.LittleEndian.Uint32(data[20:24]),
		EntryCount: binary.LittleEndian.Uint32(data[24:28]),
		Reserved:   binary.LittleEndian.Uint32(data[28:32]),
	}
	copy(h.Magic[:], data[16:20])
	return h
}

// ParseBktrSubsectionBuckets reads and AES-CTR decrypts the subsection
// bucket table for a BKTR section, used by ExtractSection to pick the right
// counter for each subsection when decrypting patch/delta content.
func ParseBktrSubsectionBuckets(src source.Source, sectionOffset int64, bktrHeader *BktrHeader, titleKey []byte, baseCounter []byte) ([]BktrBucket, error) {
	if bktrHeader == nil || bktrHeader.Size == 0 {
		return nil, nil
	}
	if titleKey == nil || len(baseCounter) < 8 {
		return nil, nil
	}

	bktrDataOffset := sectionOffset + int64(bktrHeader.Offset)
	bktrData := make([]byte, bktrHeader.Size)
	if _, err := src.ReadAt(bktrData, bktrDataOffset); err != nil {
		return nil, err
	}

	stream, err := crypto.NewCTRStream(titleKey, baseCounter, bktrDataOffset)
	if err != nil {
		return nil, err
	}
	stream.XORKeyStream(bktrData, bktrData)

	if len(bktrData) < 16 {
		return nil, nil
	}

	bucketCount := binary.LittleEndian.Uint32(bktrData[4:8])
	if bucketCount == 0 || bucketCount > 100 {
		return nil, nil
	}

	headerSize := 16 + 0x3FF0
	if len(bktrData) < headerSize {
		return nil, nil
	}

	buckets := make([]BktrBucket, 0, bucketCount)
	bucketPos := headerSize

	for i := uint32(0); i < bucketCount; i++ {
		if bucketPos+16 > len(bktrData) {
			break
		}

		bucket := BktrBucket{
			Padding:    binary.LittleEndian.Uint32(bktrData[bucketPos : bucketPos+4]),
			EntryCount: binary.LittleEndian.Uint32(bktrData[bucketPos+4 : bucketPos+8]),
			EndOffset:  binary.LittleEndian.Uint64(bktrData[bucketPos+8 : bucketPos+16]),
		}

		if bucket.EntryCount > 0xFFFF {
			break
		}

		entriesPos := bucketPos + 16
		for j := uint32(0); j < bucket.EntryCount; j++ {
			entryPos := entriesPos + int(j)*16
			if entryPos+16 > len(bktrData) {
				break
			}

			entry := BktrSubsectionEntry{
				VirtualOffset: binary.LittleEndian.Uint64(bktrData[entryPos : entryPos+8]),
				Padding:       binary.LittleEndian.Uint32(bktrData[entryPos+8 : entryPos+12]),
				Ctr:           binary.LittleEndian.Uint32(bktrData[entryPos+12 : entryPos+16]),
			}
			bucket.Entries = append(bucket.Entries, entry)
		}

		for j := 0; j < len(bucket.Entries)-1; j++ {
			bucket.Entries[j].Size = bucket.Entries[j+1].VirtualOffset - bucket.Entries[j].VirtualOffset
		}
		if len(bucket.Entries) > 0 {
			lastIdx := len(bucket.Entries) - 1
			bucket.Entries[lastIdx].Size = bucket.EndOffset - bucket.Entries[lastIdx].VirtualOffset
		}

		buckets = append(buckets, bucket)
		bucketPos = entriesPos + int(bucket.EntryCount)*16
	}

	return buckets, nil
}

// SetBktrCounter builds the base AES-CTR counter for a BKTR subsection:
// bytes 0-3 kept from the section's base IV, bytes 4-7 set to the
// subsection's Ctr value big-endian, bytes 8-15 left for the caller to fill
// with the block number at decrypt time.
func SetBktrCounter(baseCounter []byte, ctrVal uint32) []byte {
	counter := make([]byte, 16)
	copy(counter, baseCounter)
	counter[4] = byte(ctrVal >> 24)
	counter[5] = byte(ctrVal >> 16)
	counter[6] = byte(ctrVal >> 8)
	counter[7] = byte(ctrVal)
	return counter
}
