package cnmt

import (
	"encoding/binary"
	"testing"

	"github.com/nxinstall/yati/pkg/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildCNMT assembles a minimal on-wire CNMT blob: fixed header, extended
// header, meta content info, then contentCount content infos.
func buildCNMT(t *testing.T, appID uint64, version uint32, typ Type, installType byte, extHeader []byte, infos []ContentInfo) []byte {
	t.Helper()

	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], appID)
	binary.LittleEndian.PutUint32(hdr[8:12], version)
	hdr[12] = byte(typ)
	binary.LittleEndian.PutUint16(hdr[14:16], uint16(len(extHeader)))
	binary.LittleEndian.PutUint16(hdr[16:18], uint16(len(infos)))
	hdr[22] = installType

	buf := append([]byte{}, hdr[:]...)
	buf = append(buf, extHeader...)
	buf = append(buf, marshalContentInfo(ContentInfo{})...) // meta content info
	for _, ci := range infos {
		buf = append(buf, marshalContentInfo(ci)...)
	}
	return buf
}

func TestParseMarshalRoundTrip(t *testing.T) {
	var contentID [16]byte
	contentID[0] = 0xAB
	var hash [32]byte
	hash[0] = 0xCD

	infos := []ContentInfo{
		{Hash: hash, ContentID: contentID, Size: 0x1234, ContentType: ContentTypeProgram},
	}
	extHeader := make([]byte, 12)
	binary.LittleEndian.PutUint32(extHeader[8:12], 450)

	raw := buildCNMT(t, 0x0100000000010000, 65536, TypeApplication, 0, extHeader, infos)

	rec, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x0100000000010000), rec.Key.ApplicationID)
	assert.Equal(t, uint32(65536), rec.Key.Version)
	assert.Equal(t, TypeApplication, rec.Key.Type)
	require.Len(t, rec.ContentInfos, 1)
	assert.Equal(t, contentID, rec.ContentInfos[0].ContentID)
	assert.Equal(t, uint64(0x1234), rec.ContentInfos[0].Size)
	assert.Equal(t, ContentTypeProgram, rec.ContentInfos[0].ContentType)

	reqVer, ok := rec.RequiredSystemVersion()
	require.True(t, ok)
	assert.Equal(t, uint32(450), reqVer)

	remarshaled := rec.Marshal()
	assert.Equal(t, raw, remarshaled)

	reparsed, err := Parse(remarshaled)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, reparsed.Key)
	assert.Equal(t, rec.ContentInfos, reparsed.ContentInfos)
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse(make([]byte, 4))
	assert.Error(t, err)
}

func TestParseTruncatedContentInfoArray(t *testing.T) {
	raw := buildCNMT(t, 1, 0, TypeApplication, 0, nil, []ContentInfo{{}, {}})
	_, err := Parse(raw[:len(raw)-ContentInfoSize])
	assert.Error(t, err)
}

func TestZeroRequiredSystemVersion(t *testing.T) {
	extHeader := make([]byte, 12)
	binary.LittleEndian.PutUint32(extHeader[8:12], 999)
	raw := buildCNMT(t, 1, 0, TypePatch, 0, extHeader, nil)

	rec, err := Parse(raw)
	require.NoError(t, err)

	rec.ZeroRequiredSystemVersion()
	v, ok := rec.RequiredSystemVersion()
	require.True(t, ok)
	assert.Equal(t, uint32(0), v)
}

func TestRequiredSystemVersionNotApplicableForOtherTypes(t *testing.T) {
	extHeader := make([]byte, 12)
	raw := buildCNMT(t, 1, 0, TypeAddOnContent, 0, extHeader, nil)
	rec, err := Parse(raw)
	require.NoError(t, err)

	_, ok := rec.RequiredSystemVersion()
	assert.False(t, ok)
}

func TestIsDeltaFragment(t *testing.T) {
	assert.True(t, ContentInfo{ContentType: ContentTypeDeltaFragment}.IsDeltaFragment())
	assert.False(t, ContentInfo{ContentType: ContentTypeProgram}.IsDeltaFragment())
}

func TestResolveEntriesAndFindEntry(t *testing.T) {
	var idA, idB [16]byte
	idA[0] = 0xAA
	idB[0] = 0xBB

	col := &container.Collection{Entries: []container.Entry{
		{Name: "aa000000000000000000000000000000.nca", Offset: 0, Size: 10},
		{Name: "bb000000000000000000000000000000.nca", Offset: 10, Size: 20},
	}}

	infos := []ContentInfo{
		{ContentID: idA, ContentType: ContentTypeProgram},
		{ContentID: idB, ContentType: ContentTypeDeltaFragment},
	}

	resolved, missing := ResolveEntries(infos, col)
	require.Len(t, resolved, 1)
	assert.Equal(t, "aa000000000000000000000000000000.nca", resolved[0].Name)
	assert.Empty(t, missing)

	e, ok := FindEntry(col, idB)
	require.True(t, ok)
	assert.Equal(t, "bb000000000000000000000000000000.nca", e.Name)

	var missingID [16]byte
	missingID[0] = 0xFF
	_, ok = FindEntry(col, missingID)
	assert.False(t, ok)
}

func TestResolveEntriesReportsMissing(t *testing.T) {
	var id [16]byte
	id[0] = 0x01
	col := &container.Collection{}

	infos := []ContentInfo{{ContentID: id, ContentType: ContentTypeProgram}}
	resolved, missing := ResolveEntries(infos, col)
	assert.Empty(t, resolved)
	require.Len(t, missing, 1)
	assert.Equal(t, id, missing[0].ContentID)
}
