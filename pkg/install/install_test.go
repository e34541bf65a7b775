package install

import (
	"context"
	"testing"

	"github.com/nxinstall/yati/pkg/cnmt"
	"github.com/nxinstall/yati/pkg/config"
	"github.com/nxinstall/yati/pkg/store"
	memstore "github.com/nxinstall/yati/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstaller() *Installer {
	return NewInstaller(
		memstore.NewContentStorage(), memstore.NewMetaDB(),
		memstore.NewContentStorage(), memstore.NewMetaDB(),
		nil, nil, nil,
		config.Default(),
	)
}

func appRecord(appID uint64, version uint32, typ cnmt.Type, contentIDs ...[16]byte) *cnmt.Record {
	infos := make([]cnmt.ContentInfo, len(contentIDs))
	for i, id := range contentIDs {
		infos[i] = cnmt.ContentInfo{ContentID: id, ContentType: cnmt.ContentTypeProgram}
	}
	return &cnmt.Record{
		Key: cnmt.Key{ApplicationID: appID, Version: version, Type: typ, InstallType: 0},
		Header: cnmt.Header{
			TitleVersion: version,
			Type:         typ,
			InstallType:  0,
			ContentCount: uint16(len(contentIDs)),
		},
		ContentInfos: infos,
	}
}

func TestShouldSkipRejectsInvalidMetaType(t *testing.T) {
	i := newTestInstaller()
	rec := appRecord(1, 0, cnmt.Type(0x01)) // system type, top bit unset
	reason, ok := i.shouldSkip(rec, i.Config)
	assert.False(t, ok)
	assert.Equal(t, "invalid_meta_type", reason)
}

func TestShouldSkipHonorsTypeDisabledFlags(t *testing.T) {
	i := newTestInstaller()
	cfg := i.Config
	cfg.SkipPatch = true

	rec := appRecord(1, 0, cnmt.TypePatch)
	reason, ok := i.shouldSkip(rec, cfg)
	assert.False(t, ok)
	assert.Equal(t, "type_disabled", reason)
}

func TestShouldSkipAlreadyInstalled(t *testing.T) {
	i := newTestInstaller()
	rec := appRecord(1, 5, cnmt.TypeApplication)

	key := toMetaKey(rec)
	require.NoError(t, i.BuiltIn.meta.Set(key, rec.Marshal()))

	cfg := i.Config
	cfg.SkipIfAlreadyInstalled = true
	reason, ok := i.shouldSkip(rec, cfg)
	assert.False(t, ok)
	assert.Equal(t, "already_installed", reason)

	// Without the flag, the same exact version is not treated as a skip.
	reason, ok = i.shouldSkip(rec, i.Config)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestShouldSkipBlocksPatchDowngrade(t *testing.T) {
	i := newTestInstaller()
	installed := appRecord(1, 10, cnmt.TypePatch)
	require.NoError(t, i.BuiltIn.meta.Set(toMetaKey(installed), installed.Marshal()))

	older := appRecord(1, 5, cnmt.TypePatch)
	reason, ok := i.shouldSkip(older, i.Config)
	assert.False(t, ok)
	assert.Equal(t, "downgrade", reason)

	cfg := i.Config
	cfg.AllowDowngrade = true
	reason, ok = i.shouldSkip(older, cfg)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestShouldSkipDowngradeOnlyAppliesToPatch(t *testing.T) {
	i := newTestInstaller()
	installed := appRecord(1, 10, cnmt.TypeApplication)
	require.NoError(t, i.BuiltIn.meta.Set(toMetaKey(installed), installed.Marshal()))

	older := appRecord(1, 5, cnmt.TypeApplication)
	reason, ok := i.shouldSkip(older, i.Config)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestGetLatestVersionTracksHighestAcrossBothStorages(t *testing.T) {
	i := newTestInstaller()
	builtinRec := appRecord(1, 3, cnmt.TypePatch)
	sdRec := appRecord(1, 7, cnmt.TypePatch)
	require.NoError(t, i.BuiltIn.meta.Set(toMetaKey(builtinRec), builtinRec.Marshal()))
	require.NoError(t, i.SD.meta.Set(toMetaKey(sdRec), sdRec.Marshal()))

	incoming := appRecord(1, 5, cnmt.TypePatch)
	latest, err := i.getLatestVersion(incoming)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), latest)
}

func TestGetLatestVersionDefaultsToIncomingWhenNothingInstalled(t *testing.T) {
	i := newTestInstaller()
	incoming := appRecord(1, 5, cnmt.TypePatch)
	latest, err := i.getLatestVersion(incoming)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), latest)
}

func TestRemoveInstalledNcasDeletesOldPatchVersionsExceptShared(t *testing.T) {
	i := newTestInstaller()
	ctx := context.Background()

	var sharedContentID, oldOnlyContentID [16]byte
	sharedContentID[0] = 0xAA
	oldOnlyContentID[0] = 0xBB

	oldRec := appRecord(1, 3, cnmt.TypePatch, sharedContentID, oldOnlyContentID)
	require.NoError(t, i.BuiltIn.meta.Set(toMetaKey(oldRec), oldRec.Marshal()))
	require.NoError(t, i.BuiltIn.content.CreatePlaceholder(ctx, sharedContentID, "ph-shared", 1))
	require.NoError(t, i.BuiltIn.content.WritePlaceholder(ctx, "ph-shared", 0, []byte{1}))
	require.NoError(t, i.BuiltIn.content.FlushPlaceholder(ctx, "ph-shared"))
	require.NoError(t, i.BuiltIn.content.Register(ctx, sharedContentID, "ph-shared"))

	require.NoError(t, i.BuiltIn.content.CreatePlaceholder(ctx, oldOnlyContentID, "ph-old", 1))
	require.NoError(t, i.BuiltIn.content.WritePlaceholder(ctx, "ph-old", 0, []byte{2}))
	require.NoError(t, i.BuiltIn.content.FlushPlaceholder(ctx, "ph-old"))
	require.NoError(t, i.BuiltIn.content.Register(ctx, oldOnlyContentID, "ph-old"))

	newRec := appRecord(1, 9, cnmt.TypePatch, sharedContentID)
	pendings := []pendingContent{{info: cnmt.ContentInfo{ContentID: sharedContentID}}}

	require.NoError(t, i.removeInstalledNcas(ctx, i.BuiltIn, newRec, pendings))

	has, err := i.BuiltIn.content.Has(sharedContentID)
	require.NoError(t, err)
	assert.True(t, has, "content shared with the new install must survive")

	has, err = i.BuiltIn.content.Has(oldOnlyContentID)
	require.NoError(t, err)
	assert.False(t, has, "content exclusive to the superseded record must be deleted")

	stillListed, err := i.BuiltIn.meta.Has(toMetaKey(oldRec))
	require.NoError(t, err)
	assert.False(t, stillListed, "the superseded meta record must be removed")
}

func TestRemoveInstalledNcasOnlyWidensRangeForPatch(t *testing.T) {
	i := newTestInstaller()
	ctx := context.Background()

	// An Application-type record at a different version must survive an
	// Application reinstall: versionMin/versionMax pin to the exact
	// version for non-Patch types, so old_rec at version 3 falls outside
	// new_rec's [9,9] range and is left alone.
	oldRec := appRecord(1, 3, cnmt.TypeApplication)
	require.NoError(t, i.BuiltIn.meta.Set(toMetaKey(oldRec), oldRec.Marshal()))

	newRec := appRecord(1, 9, cnmt.TypeApplication)
	require.NoError(t, i.removeInstalledNcas(ctx, i.BuiltIn, newRec, nil))

	stillListed, err := i.BuiltIn.meta.Has(toMetaKey(oldRec))
	require.NoError(t, err)
	assert.True(t, stillListed)
}

func toMetaKey(rec *cnmt.Record) store.MetaKey {
	return store.MetaKey{Type: byte(rec.Header.Type), ApplicationID: rec.Key.ApplicationID, Version: rec.Key.Version, InstallType: rec.Key.InstallType}
}
