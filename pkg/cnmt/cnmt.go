// Package cnmt parses the packaged content-meta blob carried inside a
// Meta-type NCA's PFS0 section: the fixed meta header, a type-sized
// extended header, and the content-info array listing every NCA the title
// is made of.
//
// New package — the teacher has no CNMT handling (it only produces NSZ
// from an already-assembled NSP). Grounded on the field layout used by
// _examples/original_source/sphaira/source/yati/yati.cpp's
// Yati::InstallCnmtNca (NcmContentMetaHeader/NcmContentInfo dispatch) and
// the installer's own meta-DB wire format requirement (spec §4.6.g): the
// blob persisted to the meta DB is meta_header ∥ extended_header ∥
// meta_content_info ∥ content_infos, byte for byte.
package cnmt

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/nxinstall/yati/pkg/container"
	"github.com/nxinstall/yati/pkg/keys"
	"github.com/nxinstall/yati/pkg/nca"
	"github.com/nxinstall/yati/pkg/source"
)

// Type mirrors NcmContentMetaType.
type Type uint8

const (
	TypeSystemProgram    Type = 0x01
	TypeSystemData       Type = 0x02
	TypeSystemUpdate     Type = 0x03
	TypeBootImagePkg     Type = 0x04
	TypeBootImagePkgSafe Type = 0x05
	TypeApplication      Type = 0x80
	TypePatch            Type = 0x81
	TypeAddOnContent     Type = 0x82
	TypeDelta            Type = 0x83
	TypeDataPatch        Type = 0x84
)

// ContentType mirrors NcmContentType.
type ContentType uint8

const (
	ContentTypeMeta             ContentType = 0
	ContentTypeProgram          ContentType = 1
	ContentTypeData             ContentType = 2
	ContentTypeControl          ContentType = 3
	ContentTypeHtmlDocument     ContentType = 4
	ContentTypeLegalInformation ContentType = 5
	ContentTypeDeltaFragment    ContentType = 6
)

const (
	HeaderSize      = 0x20
	ContentInfoSize = 0x38
)

// Header is the fixed 0x20-byte NcmContentMetaHeader.
type Header struct {
	TitleVersion                  uint32
	Type                          Type
	ExtendedHeaderSize            uint16
	ContentCount                  uint16
	ContentMetaCount              uint16
	Attributes                    byte
	StorageID                     byte
	InstallType                   byte
	RequiredDownloadSystemVersion uint32
}

// ContentInfo is one NcmContentInfo entry: a content's hash, id, size and
// type.
type ContentInfo struct {
	Hash        [32]byte
	ContentID   [16]byte
	Size        uint64 // stored on the wire as a 48-bit little-endian value
	ContentType ContentType
	IDOffset    byte
}

// Key identifies a content-meta record: application id, version, type and
// install type — the tuple the meta DB indexes records by.
type Key struct {
	ApplicationID uint64
	Version       uint32
	Type          Type
	InstallType   byte
}

// Record is a fully parsed CNMT: the key, fixed header, raw extended
// header bytes, the meta NCA's own content-info entry, and every
// referenced content's info.
type Record struct {
	Key             Key
	Header          Header
	ExtendedHeader  []byte
	MetaContentInfo ContentInfo
	ContentInfos    []ContentInfo
}

// Parse decodes a CNMT blob (the bytes of the *.cnmt file inside a
// Meta-NCA's PFS0 section).
func Parse(data []byte) (*Record, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("cnmt: blob too short: %d bytes", len(data))
	}

	var h Header
	titleID := binary.LittleEndian.Uint64(data[0:8])
	h.TitleVersion = binary.LittleEndian.Uint32(data[8:12])
	h.Type = Type(data[12])
	h.ExtendedHeaderSize = binary.LittleEndian.Uint16(data[14:16])
	h.ContentCount = binary.LittleEndian.Uint16(data[16:18])
	h.ContentMetaCount = binary.LittleEndian.Uint16(data[18:20])
	h.Attributes = data[20]
	h.StorageID = data[21]
	h.InstallType = data[22]
	h.RequiredDownloadSystemVersion = binary.LittleEndian.Uint32(data[24:28])

	offset := HeaderSize
	if len(data) < offset+int(h.ExtendedHeaderSize) {
		return nil, fmt.Errorf("cnmt: extended header truncated")
	}
	extHeader := make([]byte, h.ExtendedHeaderSize)
	copy(extHeader, data[offset:offset+int(h.ExtendedHeaderSize)])
	offset += int(h.ExtendedHeaderSize)

	var metaInfo ContentInfo
	if len(data) >= offset+ContentInfoSize {
		var err error
		metaInfo, err = parseContentInfo(data[offset : offset+ContentInfoSize])
		if err != nil {
			return nil, fmt.Errorf("cnmt: meta content info: %w", err)
		}
	}
	offset += ContentInfoSize

	need := offset + int(h.ContentCount)*ContentInfoSize
	if len(data) < need {
		return nil, fmt.Errorf("cnmt: content info array truncated: need %d, have %d", need, len(data))
	}

	infos := make([]ContentInfo, h.ContentCount)
	for i := 0; i < int(h.ContentCount); i++ {
		ci, err := parseContentInfo(data[offset+i*ContentInfoSize : offset+(i+1)*ContentInfoSize])
		if err != nil {
			return nil, fmt.Errorf("cnmt: content info %d: %w", i, err)
		}
		infos[i] = ci
	}

	return &Record{
		Key: Key{
			ApplicationID: titleID,
			Version:       h.TitleVersion,
			Type:          h.Type,
			InstallType:   h.InstallType,
		},
		Header:          h,
		ExtendedHeader:  extHeader,
		MetaContentInfo: metaInfo,
		ContentInfos:    infos,
	}, nil
}

func parseContentInfo(b []byte) (ContentInfo, error) {
	if len(b) != ContentInfoSize {
		return ContentInfo{}, fmt.Errorf("content info must be %d bytes, got %d", ContentInfoSize, len(b))
	}
	var ci ContentInfo
	copy(ci.Hash[:], b[0:32])
	copy(ci.ContentID[:], b[32:48])

	var sizeBuf [8]byte
	copy(sizeBuf[:6], b[48:54])
	ci.Size = binary.LittleEndian.Uint64(sizeBuf[:])
	ci.ContentType = ContentType(b[54])
	ci.IDOffset = b[55]
	return ci, nil
}

// Marshal re-serializes the record into its on-wire blob shape: meta_header
// ∥ extended_header ∥ meta_content_info ∥ content_infos. This is the exact
// byte layout the meta DB persists (spec §4.6.g) — not re-encoded as JSON.
func (r *Record) Marshal() []byte {
	out := make([]byte, 0, HeaderSize+len(r.ExtendedHeader)+ContentInfoSize*(1+len(r.ContentInfos)))

	var hb [HeaderSize]byte
	binary.LittleEndian.PutUint64(hb[0:8], r.Key.ApplicationID)
	binary.LittleEndian.PutUint32(hb[8:12], r.Header.TitleVersion)
	hb[12] = byte(r.Header.Type)
	binary.LittleEndian.PutUint16(hb[14:16], r.Header.ExtendedHeaderSize)
	binary.LittleEndian.PutUint16(hb[16:18], r.Header.ContentCount)
	binary.LittleEndian.PutUint16(hb[18:20], r.Header.ContentMetaCount)
	hb[20] = r.Header.Attributes
	hb[21] = r.Header.StorageID
	hb[22] = r.Header.InstallType
	binary.LittleEndian.PutUint32(hb[24:28], r.Header.RequiredDownloadSystemVersion)
	out = append(out, hb[:]...)

	out = append(out, r.ExtendedHeader...)
	out = append(out, marshalContentInfo(r.MetaContentInfo)...)
	for _, ci := range r.ContentInfos {
		out = append(out, marshalContentInfo(ci)...)
	}
	return out
}

func marshalContentInfo(ci ContentInfo) []byte {
	var b [ContentInfoSize]byte
	copy(b[0:32], ci.Hash[:])
	copy(b[32:48], ci.ContentID[:])

	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], ci.Size)
	copy(b[48:54], sizeBuf[:6])
	b[54] = byte(ci.ContentType)
	b[55] = ci.IDOffset
	return b[:]
}

// RequiredSystemVersion returns the extended header's
// required_system_version field, valid for Application and Patch types
// only (both carry it at byte offset 8 of the extended header).
func (r *Record) RequiredSystemVersion() (uint32, bool) {
	if r.Header.Type != TypeApplication && r.Header.Type != TypePatch {
		return 0, false
	}
	if len(r.ExtendedHeader) < 12 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(r.ExtendedHeader[8:12]), true
}

// ZeroRequiredSystemVersion rewrites the extended header's
// required_system_version to 0, implementing the installer's
// lower_system_version config option.
func (r *Record) ZeroRequiredSystemVersion() {
	if r.Header.Type != TypeApplication && r.Header.Type != TypePatch {
		return
	}
	if len(r.ExtendedHeader) < 12 {
		return
	}
	binary.LittleEndian.PutUint32(r.ExtendedHeader[8:12], 0)
}

// IsDeltaFragment reports whether a content info entry is a delta fragment,
// always skipped per spec.
func (ci ContentInfo) IsDeltaFragment() bool { return ci.ContentType == ContentTypeDeltaFragment }

// ResolveEntries matches every non-delta-fragment content info against the
// container's collection by hex-encoded content-id filename prefix.
// Content infos with no matching entry are returned in missing; callers
// treat a non-empty missing slice as nca-not-found.
func ResolveEntries(infos []ContentInfo, col *container.Collection) (resolved []container.Entry, missing []ContentInfo) {
	for _, ci := range infos {
		if ci.IsDeltaFragment() {
			continue
		}
		name := fmt.Sprintf("%x", ci.ContentID[:])
		found := false
		for _, e := range col.Entries {
			if len(e.Name) >= len(name) && e.Name[:len(name)] == name {
				resolved = append(resolved, e)
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, ci)
		}
	}
	return resolved, missing
}

// FindEntry looks up the collection entry whose filename is prefixed by
// contentID's hex encoding, the naming convention every non-meta content
// file follows.
func FindEntry(col *container.Collection, contentID [16]byte) (container.Entry, bool) {
	name := fmt.Sprintf("%x", contentID[:])
	for _, e := range col.Entries {
		if len(e.Name) >= len(name) && e.Name[:len(name)] == name {
			return e, true
		}
	}
	return container.Entry{}, false
}

// ReadFromMetaNCA decrypts a Meta-type NCA's header and its section-0 PFS0,
// locates the single *.cnmt file inside, and parses it. baseOffset is the
// NCA's absolute offset within src (the collection entry's Offset).
func ReadFromMetaNCA(src source.Source, baseOffset int64, store *keys.Store) (*Record, *nca.Header, error) {
	hdrBuf := make([]byte, nca.HeaderStructSize)
	if _, err := src.ReadAt(hdrBuf, baseOffset); err != nil {
		return nil, nil, fmt.Errorf("cnmt: read nca header: %w", err)
	}
	header, err := nca.DecryptHeader(hdrBuf, store)
	if err != nil {
		return nil, nil, fmt.Errorf("cnmt: decrypt nca header: %w", err)
	}

	section, err := nca.ExtractSection(src, baseOffset, header, 0, store, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("cnmt: extract section 0: %w", err)
	}

	sectionSrc := source.NewBytes(section)
	col, err := container.OpenPFS0(sectionSrc, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("cnmt: parse meta pfs0: %w", err)
	}

	var cnmtEntry container.Entry
	found := false
	for _, e := range col.Entries {
		if strings.HasSuffix(e.Name, ".cnmt") {
			cnmtEntry = e
			found = true
			break
		}
	}
	if !found {
		return nil, nil, fmt.Errorf("cnmt: no .cnmt file in meta nca's pfs0")
	}

	buf := make([]byte, cnmtEntry.Size)
	if _, err := sectionSrc.ReadAt(buf, cnmtEntry.Offset); err != nil {
		return nil, nil, fmt.Errorf("cnmt: read %s: %w", cnmtEntry.Name, err)
	}

	rec, err := Parse(buf)
	if err != nil {
		return nil, nil, err
	}
	return rec, header, nil
}
