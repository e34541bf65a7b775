// Package nca implements the NCA (content archive) header codec: decrypting
// and re-encrypting the AES-XTS protected header, verifying its fixed-key
// signature, and unwrapping/rewrapping its key area. It also carries the
// BKTR (patch/delta) subsection bucket parser that ExtractSection uses when
// decrypting BKTR sections.
//
// Adapted from the teacher's pkg/fs/nca_header.go and pkg/fs/bktr.go,
// generalized into a codec with an inverse EncryptHeader (the teacher only
// ever decrypts; the installer's standard-crypto conversion needs to
// re-encrypt a mutated header before it reaches the write stage) and taking
// a keys.Store instead of the teacher's package-level key lookups.
package nca

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/nxinstall/yati/pkg/crypto"
	"github.com/nxinstall/yati/pkg/keys"
)

const (
	HeaderStructSize = 0xC00  // Decrypted header size handed to callers.
	FullHeaderSize   = 0x4000 // Full padded header region (first NCZ chunk).
	MediaSize        = 0x200  // Sector/media unit size.
	Magic            = "NCA3"

	CryptoTypeNone = 1
	CryptoTypeXTS  = 2
	CryptoTypeCTR  = 3
	CryptoTypeBKTR = 4

	ContentTypeProgram = 0
	ContentTypeMeta    = 1
	ContentTypeControl = 2
	ContentTypeManual  = 3
	ContentTypeData    = 4
	ContentTypePublic  = 5
)

// SectionEntry is one of the four media-range table entries in the header.
type SectionEntry struct {
	MediaStartOffset uint32
	MediaEndOffset   uint32
	Unknown1         uint32
	Unknown2         uint32
}

// FsHeader is one of the four per-section filesystem headers.
type FsHeader struct {
	Version        uint16
	FsType         uint8
	HashType       uint8
	CryptoType     uint8
	CryptoCounter  [8]byte
	BktrRelocation *BktrHeader
	BktrSubsection *BktrHeader
}

// Header is the parsed, decrypted NCA header.
type Header struct {
	Magic          [4]byte
	DistType       byte
	ContentType    byte
	KeyGeneration  byte
	KeyAreaIndex   byte
	ContentSize    uint64
	ProgID         uint64
	ContentIdx     uint32
	SdkAddonVer    uint32
	KeyGeneration2 byte
	RightsID       [0x10]byte
	SectionTables  [4]SectionEntry
	KeyArea        [0x40]byte
	FsHeaders      [4]FsHeader

	// TitleKey is the decrypted title key, populated from the key area for
	// standard-crypto content or left nil for rights-id (ticket-gated)
	// content until the ticket resolver supplies one.
	TitleKey []byte

	// raw holds the full decrypted 0xC00-byte header, kept so EncryptHeader
	// can re-encrypt exactly the bytes that were not mutated.
	raw [HeaderStructSize]byte
}

// EffectiveKeyGeneration returns the real key generation to derive keys
// with: max(KeyGeneration, KeyGeneration2), biased down by one the way the
// console's key-generation numbering off-by-ones against master_key_XX.
func (h *Header) EffectiveKeyGeneration() int {
	gen := int(h.KeyGeneration)
	if int(h.KeyGeneration2) > gen {
		gen = int(h.KeyGeneration2)
	}
	gen--
	if gen < 0 {
		gen = 0
	}
	return gen
}

// HasRightsID reports whether this NCA is rights-id (ticket) gated rather
// than standard-crypto (key-area gated).
func (h *Header) HasRightsID() bool {
	var zero [0x10]byte
	return h.RightsID != zero
}

// DecryptHeader reads and AES-XTS decrypts the 0xC00-byte NCA header
// starting at offset 0 in data (data must be at least HeaderStructSize
// bytes), then parses its fields. store supplies the header key.
func DecryptHeader(data []byte, store *keys.Store) (*Header, error) {
	if len(data) < HeaderStructSize {
		return nil, fmt.Errorf("nca: header data too short: %d bytes", len(data))
	}

	headerKey := store.HeaderKey()
	if headerKey == nil {
		return nil, fmt.Errorf("nca: header_key not loaded")
	}

	decrypted, err := xtsCryptSectors(data[:HeaderStructSize], headerKey, false)
	if err != nil {
		return nil, fmt.Errorf("nca: decrypt header: %w", err)
	}

	return parseDecryptedHeader(decrypted, store)
}

// EncryptHeader re-encrypts h.raw (the decrypted header bytes, mutated in
// place by callers via RawHeader) back into ciphertext using the header
// key, for forwarding to the write stage after a standard-crypto rewrite.
func EncryptHeader(h *Header, store *keys.Store) ([]byte, error) {
	headerKey := store.HeaderKey()
	if headerKey == nil {
		return nil, fmt.Errorf("nca: header_key not loaded")
	}
	return xtsCryptSectors(h.raw[:], headerKey, true)
}

// RawHeader exposes the decrypted 0xC00-byte header for in-place mutation
// (e.g. zeroing RightsID and injecting a title key into KeyArea during a
// standard-crypto conversion) prior to EncryptHeader.
func (h *Header) RawHeader() *[HeaderStructSize]byte { return &h.raw }

func xtsCryptSectors(data, key []byte, encrypt bool) ([]byte, error) {
	out := make([]byte, len(data))
	sectors := len(data) / MediaSize
	for i := 0; i < sectors; i++ {
		start := i * MediaSize
		end := start + MediaSize
		var chunk []byte
		var err error
		if encrypt {
			chunk, err = crypto.XTSEncrypt(data[start:end], key, uint64(i))
		} else {
			chunk, err = crypto.XTSDecrypt(data[start:end], key, uint64(i))
		}
		if err != nil {
			return nil, fmt.Errorf("xts sector %d: %w", i, err)
		}
		copy(out[start:end], chunk)
	}
	return out, nil
}

func parseDecryptedHeader(decrypted []byte, store *keys.Store) (*Header, error) {
	var header Header
	copy(header.raw[:], decrypted[:HeaderStructSize])

	body := decrypted[0x200:]
	copy(header.Magic[:], body[0:4])
	if string(header.Magic[:]) != Magic {
		return nil, fmt.Errorf("nca: invalid magic: expected %s, got %s", Magic, header.Magic)
	}

	header.DistType = body[4]
	header.ContentType = body[5]
	header.KeyGeneration = body[6]
	header.KeyAreaIndex = body[7]
	header.ContentSize = binary.LittleEndian.Uint64(body[8:16])
	header.ProgID = binary.LittleEndian.Uint64(body[16:24])
	header.ContentIdx = binary.LittleEndian.Uint32(body[24:28])
	header.SdkAddonVer = binary.LittleEndian.Uint32(body[28:32])
	header.KeyGeneration2 = body[32]
	copy(header.RightsID[:], decrypted[0x230:0x240])

	secBody := bytes.NewReader(decrypted[0x240:0x300])
	if err := binary.Read(secBody, binary.LittleEndian, &header.SectionTables); err != nil {
		return nil, fmt.Errorf("nca: read section tables: %w", err)
	}

	copy(header.KeyArea[:], decrypted[0x300:0x340])

	keyGen := header.EffectiveKeyGeneration()
	if !header.HasRightsID() {
		encryptedTitleKey := header.KeyArea[0x20:0x30]
		if titleKey, err := store.UnwrapAesWrappedTitleKey(encryptedTitleKey, keyGen); err == nil {
			header.TitleKey = titleKey
		}
	}

	for i := 0; i < 4; i++ {
		offset := 0x400 + i*0x200
		data := decrypted[offset : offset+0x200]

		var h FsHeader
		h.Version = binary.LittleEndian.Uint16(data[0x0:0x2])
		h.FsType = data[0x3]
		h.CryptoType = data[0x4]
		copy(h.CryptoCounter[:], data[0x140:0x148])

		if h.CryptoType == CryptoTypeBKTR {
			h.BktrRelocation = ParseBktrHeader(data[0x100:0x120])
			h.BktrSubsection = ParseBktrHeader(data[0x120:0x140])
		}

		header.FsHeaders[i] = h
	}

	return &header, nil
}

// GetKeyGeneration returns the effective key generation used to derive the
// title-kek / key-area-key this header's content is protected with.
func GetKeyGeneration(h *Header) int { return h.EffectiveKeyGeneration() }

// VerifyFixedKey verifies the header's fixed-key RSA-PSS signature over its
// body (bytes 0x200-0xC00 of the decrypted header), using the fixed-key
// modulus at the given index from store.
func VerifyFixedKey(h *Header, store *keys.Store, modulusIndex int) error {
	modulus := store.FixedKeyModulus(modulusIndex)
	if modulus == nil {
		return fmt.Errorf("nca: fixed key modulus %d not loaded", modulusIndex)
	}
	sig := h.raw[0:0x100]
	body := h.raw[0x200:HeaderStructSize]
	return crypto.VerifyFixedKeySignature(sig, modulus, body)
}

// DecryptKeyArea unwraps all four key-area entries using store's
// application key-area-key at the header's effective generation.
func DecryptKeyArea(h *Header, store *keys.Store) ([0x40]byte, error) {
	return store.DecryptKeyArea(h.KeyArea, h.EffectiveKeyGeneration())
}

// EncryptKeyArea re-wraps all four key-area entries using store's
// application key-area-key at targetGeneration (used when lowering the
// master key generation a standard-crypto NCA is rewritten under).
func EncryptKeyArea(keyArea [0x40]byte, store *keys.Store, targetGeneration int) ([0x40]byte, error) {
	return store.EncryptKeyArea(keyArea, targetGeneration)
}
