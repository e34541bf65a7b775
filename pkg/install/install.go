// Package install implements the per-container installer orchestrator:
// opening both storages, resolving tickets, identifying and parsing every
// CNMT, and driving the three-stage pipeline (pkg/pipeline) over each
// CNMT's referenced NCAs before registering content and publishing an
// application record.
//
// Grounded on _examples/original_source/sphaira/source/yati/yati.cpp's
// Yati struct and its InstallInternal/InstallInternalStream free functions:
// the per-CNMT sequence (get_latest_version, should_skip, pipeline run,
// ticket import, remove_installed_ncas, register_and_push) mirrors
// Yati::InstallNca's call order, generalized into named Go steps.
package install

import (
	"context"
	"fmt"
	"strings"

	"github.com/nxinstall/yati/pkg/cnmt"
	"github.com/nxinstall/yati/pkg/config"
	"github.com/nxinstall/yati/pkg/container"
	"github.com/nxinstall/yati/pkg/keys"
	"github.com/nxinstall/yati/pkg/log"
	"github.com/nxinstall/yati/pkg/metrics"
	"github.com/nxinstall/yati/pkg/nca"
	"github.com/nxinstall/yati/pkg/ncm"
	"github.com/nxinstall/yati/pkg/pipeline"
	"github.com/nxinstall/yati/pkg/source"
	"github.com/nxinstall/yati/pkg/store"
	"github.com/nxinstall/yati/pkg/ticket"
	"github.com/nxinstall/yati/pkg/yatierr"
)

// StorageID mirrors NcmStorageId: which physical storage a content or
// meta record lives on.
type StorageID byte

const (
	StorageBuiltIn StorageID = 0
	StorageSD      StorageID = 1
)

// storageHandles bundles one storage's content store and meta DB.
type storageHandles struct {
	id      StorageID
	content store.ContentStorage
	meta    store.MetaDB
}

// Installer owns the two storages, the key store, the ticket store and
// the application-record service for the process's lifetime; one Install
// call processes one container end to end.
type Installer struct {
	BuiltIn storageHandles
	SD      storageHandles

	Keys        *keys.Store
	TicketStore ticket.Store
	Records     ncm.RecordService

	Config config.Config
}

// NewInstaller wires a fully-open Installer from already-opened storage
// handles.
func NewInstaller(builtInContent store.ContentStorage, builtInMeta store.MetaDB, sdContent store.ContentStorage, sdMeta store.MetaDB, keyStore *keys.Store, ticketStore ticket.Store, records ncm.RecordService, cfg config.Config) *Installer {
	return &Installer{
		BuiltIn:     storageHandles{id: StorageBuiltIn, content: builtInContent, meta: builtInMeta},
		SD:          storageHandles{id: StorageSD, content: sdContent, meta: sdMeta},
		Keys:        keyStore,
		TicketStore: ticketStore,
		Records:     records,
		Config:      cfg,
	}
}

func (i *Installer) targetStorage() storageHandles {
	if i.Config.SDCardInstall {
		return i.SD
	}
	return i.BuiltIn
}

// Params bundles one container install's inputs.
type Params struct {
	Src source.Source
	// Ext is the container's extension (".nsp", ".nsz", ".xci", ".xcz"),
	// selecting PFS0 vs HFS0 parsing.
	Ext      string
	Override config.Override
	Progress chan<- pipeline.Progress
}

// Result reports one container install's outcome.
type Result struct {
	// Skipped lists the CNMTs skipped and why (already installed,
	// downgrade blocked, type disabled, invalid meta type).
	Skipped []SkipReason
	// Installed lists the application ids successfully registered.
	Installed []uint64
}

// SkipReason records one CNMT skip decision.
type SkipReason struct {
	ApplicationID uint64
	Reason        string
}

// pendingContent is one CNMT-referenced NCA after its pipeline run.
type pendingContent struct {
	info          cnmt.ContentInfo
	entry         container.Entry
	placeholderID string
	result        *pipeline.Result
	skippedShared bool // already present in the content store; not re-registered
}

// Install runs the full orchestrator sequence (spec §4.6) over one
// container.
func (i *Installer) Install(ctx context.Context, p Params) (*Result, error) {
	logger := log.WithComponent("install")
	cfg := p.Override.Apply(i.Config)
	isStream := p.Src.IsStream()

	if isStream {
		// yati.cpp's InstallInternalStream forces these off: a stream
		// source cannot be re-read to retry a downgrade/skip decision,
		// and deferred ticket import means standard-crypto/master-key
		// rewrites cannot yet know the final ticket state.
		cfg.SkipIfAlreadyInstalled = false
		cfg.ConvertToStandardCrypto = false
		cfg.LowerMasterKey = false
	}

	col, err := openCollection(p.Src, p.Ext)
	if err != nil {
		return nil, err
	}

	storage := i.targetStorage()

	// Ticket resolution. For a seekable source, resolve up front so
	// standard-crypto conversion can consult a ticket's title key while
	// the pipeline runs. For a stream source, tickets are placed after
	// their NCAs in the container, so resolving now would force the
	// stream cursor to jump ahead of the NCA payloads it is about to read
	// in order; defer until every CNMT's NCAs have been installed.
	var tickets []*ticket.Record
	if !isStream {
		tickets, err = ticket.Resolve(p.Src, col)
		if err != nil {
			return nil, err
		}
	}

	metaEntries := append(
		append([]container.Entry(nil), col.FilterSuffix(".cnmt.nca")...),
		col.FilterSuffix(".cnmt.ncz")...,
	)

	result := &Result{}

	for _, metaEntry := range metaEntries {
		if err := ctx.Err(); err != nil {
			return result, yatierr.ErrCancelled
		}

		rec, _, err := cnmt.ReadFromMetaNCA(p.Src, metaEntry.Offset, i.Keys)
		if err != nil {
			return result, fmt.Errorf("install: parse cnmt %s: %w", metaEntry.Name, err)
		}

		skipReason, ok := i.shouldSkip(rec, cfg)
		if !ok {
			result.Skipped = append(result.Skipped, SkipReason{ApplicationID: rec.Key.ApplicationID, Reason: skipReason})
			metrics.ContentsSkippedTotal.WithLabelValues(skipReason).Inc()
			continue
		}

		latestVersion, err := i.getLatestVersion(rec)
		if err != nil {
			return result, err
		}

		if _, missing := cnmt.ResolveEntries(rec.ContentInfos, col); len(missing) > 0 {
			return result, fmt.Errorf("install: %d content(s) missing from collection: %w", len(missing), yatierr.ErrNcaNotFound)
		}

		pendings, err := i.installContents(ctx, p, storage, rec, col, tickets, cfg)
		if err != nil {
			i.cleanupPendings(ctx, storage, pendings)
			return result, err
		}

		if isStream && tickets == nil {
			tickets, err = ticket.Resolve(p.Src, col)
			if err != nil {
				i.cleanupPendings(ctx, storage, pendings)
				return result, err
			}
		}

		if !cfg.SkipTicket {
			if err := i.importRequiredTickets(ctx, pendings, tickets, cfg); err != nil {
				i.cleanupPendings(ctx, storage, pendings)
				return result, err
			}
		}

		if err := i.removeInstalledNcas(ctx, storage, rec, pendings); err != nil {
			i.cleanupPendings(ctx, storage, pendings)
			return result, err
		}

		if err := i.registerAndPush(ctx, storage, rec, pendings, latestVersion, cfg, p.Progress); err != nil {
			i.cleanupPendings(ctx, storage, pendings)
			return result, err
		}

		result.Installed = append(result.Installed, rec.Key.ApplicationID)
		logger.Info().Uint64("application_id", rec.Key.ApplicationID).Uint32("version", rec.Key.Version).Msg("title installed")
	}

	return result, nil
}

// openCollection dispatches on a container's extension to produce its
// top-level collection (spec §4.1).
func openCollection(src source.Source, ext string) (*container.Collection, error) {
	switch strings.ToLower(ext) {
	case ".nsp", ".nsz":
		return container.OpenPFS0(src, 0)
	case ".xci", ".xcz":
		return container.OpenXCI(src)
	default:
		return nil, fmt.Errorf("install: %s: %w", ext, yatierr.ErrContainerNotFound)
	}
}

// peekRightsID decrypts just enough of an NCA's header to learn its rights
// id, without affecting the pipeline's own header decrypt (the NCA header
// key derivation is pure/stateless, so decrypting it twice is harmless
// beyond the extra AES-XTS pass).
func peekRightsID(src source.Source, baseOffset int64, store *keys.Store) ([0x10]byte, error) {
	var zero [0x10]byte
	hdrBuf := make([]byte, nca.HeaderStructSize)
	if _, err := src.ReadAt(hdrBuf, baseOffset); err != nil {
		return zero, err
	}
	header, err := nca.DecryptHeader(hdrBuf, store)
	if err != nil {
		return zero, err
	}
	return header.RightsID, nil
}

// getLatestVersion implements spec §4.6.4.a: scans both storages for
// existing records of the same application id and install type and returns
// the highest version among them and this install's own, i.e. the version
// that will be current after this install. The downgrade decision itself
// is made by shouldSkip.
func (i *Installer) getLatestVersion(rec *cnmt.Record) (uint32, error) {
	latest := rec.Key.Version

	for _, h := range []storageHandles{i.BuiltIn, i.SD} {
		existing, err := h.meta.List(byte(rec.Header.Type), rec.Key.ApplicationID, 0, ^uint32(0), rec.Key.InstallType)
		if err != nil {
			return 0, fmt.Errorf("install: list existing records: %w", yatierr.ErrStoreError)
		}
		for _, k := range existing {
			if k.Version > latest {
				latest = k.Version
			}
		}
	}
	return latest, nil
}

// shouldSkip implements spec §4.6.4.a/b. The returned bool is true when
// the CNMT should proceed.
func (i *Installer) shouldSkip(rec *cnmt.Record, cfg config.Config) (string, bool) {
	if rec.Header.Type&0x80 == 0 {
		return "invalid_meta_type", false
	}

	switch cnmt.Type(rec.Header.Type) {
	case cnmt.TypeApplication:
		if cfg.SkipBase {
			return "type_disabled", false
		}
	case cnmt.TypePatch:
		if cfg.SkipPatch {
			return "type_disabled", false
		}
	case cnmt.TypeAddOnContent:
		if cfg.SkipAddon {
			return "type_disabled", false
		}
	case cnmt.TypeDataPatch:
		if cfg.SkipDataPatch {
			return "type_disabled", false
		}
	}

	for _, h := range []storageHandles{i.BuiltIn, i.SD} {
		existing, err := h.meta.List(byte(rec.Header.Type), rec.Key.ApplicationID, 0, ^uint32(0), rec.Key.InstallType)
		if err != nil {
			continue
		}
		for _, k := range existing {
			if k.Version == rec.Key.Version && cfg.SkipIfAlreadyInstalled {
				return "already_installed", false
			}
			if cnmt.Type(rec.Header.Type) == cnmt.TypePatch && rec.Key.Version < k.Version && !cfg.AllowDowngrade {
				return "downgrade", false
			}
		}
	}
	return "", true
}

// installContents runs the pipeline over every CNMT-referenced NCA (spec
// §4.6.4.d), allocating one placeholder per content and skipping any
// content the target storage already has (shared between titles, e.g. a
// base game's engine DLC).
func (i *Installer) installContents(ctx context.Context, p Params, storage storageHandles, rec *cnmt.Record, col *container.Collection, tickets []*ticket.Record, cfg config.Config) ([]pendingContent, error) {
	var pendings []pendingContent

	for _, info := range rec.ContentInfos {
		if info.IsDeltaFragment() {
			continue
		}

		has, err := storage.content.Has(info.ContentID)
		if err != nil {
			return pendings, fmt.Errorf("install: check content %x: %w", info.ContentID, yatierr.ErrStoreError)
		}
		if has {
			pendings = append(pendings, pendingContent{info: info, skippedShared: true})
			continue
		}

		entry, ok := cnmt.FindEntry(col, info.ContentID)
		if !ok {
			return pendings, fmt.Errorf("install: content %x: %w", info.ContentID, yatierr.ErrNcaNotFound)
		}

		placeholderID, err := storage.content.GeneratePlaceholderID()
		if err != nil {
			return pendings, fmt.Errorf("install: generate placeholder id: %w", yatierr.ErrStoreError)
		}
		if err := storage.content.CreatePlaceholder(ctx, info.ContentID, placeholderID, entry.Size); err != nil {
			return pendings, fmt.Errorf("install: create placeholder: %w", yatierr.ErrStoreError)
		}
		metrics.PlaceholdersCreatedTotal.Inc()

		pc := pendingContent{info: info, entry: entry, placeholderID: placeholderID}
		pendings = append(pendings, pc)

		// A rights-id NCA's ticket must be known before the pipeline
		// starts (the standard-crypto conversion path needs its title
		// key mid-stream), so peek the still-encrypted header here to
		// learn the rights id. Only possible against a seekable source
		// with tickets already resolved; stream installs leave this nil,
		// which is consistent with convert_to_standard_crypto being
		// forced off for streams.
		var ticketRec *ticket.Record
		if tickets != nil {
			if rightsID, err := peekRightsID(p.Src, entry.Offset, i.Keys); err == nil {
				ticketRec, _ = ticket.FindByRightsID(tickets, rightsID)
			}
		}

		pipelineCfg := pipeline.DefaultConfig()
		pipelineCfg.SkipNcaHashVerify = cfg.SkipNcaHashVerify
		pipelineCfg.SkipRsaHeaderFixedKeyVerify = cfg.SkipRsaHeaderFixedKeyVerify
		pipelineCfg.IgnoreDistributionBit = cfg.IgnoreDistributionBit
		pipelineCfg.ConvertToStandardCrypto = cfg.ConvertToStandardCrypto
		pipelineCfg.LowerMasterKey = cfg.LowerMasterKey
		pipelineCfg.FileBasedEmummc = cfg.FileBasedEmummc

		res, err := pipeline.Run(ctx, pipeline.Params{
			Src:               p.Src,
			BaseOffset:        entry.Offset,
			Size:              entry.Size,
			DeclaredContentID: info.ContentID,
			Store:             i.Keys,
			Ticket:            ticketRec,
			Storage:           storage.content,
			PlaceholderID:     placeholderID,
			Config:            pipelineCfg,
			Progress:          p.Progress,
		})
		if err != nil {
			return pendings, err
		}

		pendings[len(pendings)-1].result = res
		if res.Modified {
			var producedID [16]byte
			copy(producedID[:], res.ProducedHash[:16])
			pendings[len(pendings)-1].info.ContentID = producedID
		}
	}

	return pendings, nil
}

// importRequiredTickets implements spec §4.6.4.e and testable property 5:
// a ticket is imported iff some installed NCA's rights id matches it, or
// ticket_only is set.
func (i *Installer) importRequiredTickets(ctx context.Context, pendings []pendingContent, tickets []*ticket.Record, cfg config.Config) error {
	if i.TicketStore == nil {
		return nil
	}

	for _, t := range tickets {
		required := cfg.TicketOnly
		keyGeneration := t.KeyGeneration
		for _, pc := range pendings {
			if pc.result != nil && pc.result.Header != nil && pc.result.Header.RightsID == t.RightsID {
				required = true
				keyGeneration = pc.result.Header.EffectiveKeyGeneration()
				break
			}
		}
		if !required {
			continue
		}

		// cfg.ConvertToCommonTicket (zeroing a per-console ticket's
		// device/account personalization fields) is deliberately not
		// implemented here: see DESIGN.md's Open Question decision for
		// convert_to_common_ticket.
		if !t.Patched {
			if err := t.Patch(i.Keys, keyGeneration); err != nil {
				return fmt.Errorf("install: patch ticket %s: %w", t.RightsIDHex(), yatierr.ErrStoreError)
			}
		}

		if err := i.TicketStore.ImportTicket(ctx, t.Ticket, t.Cert); err != nil {
			return fmt.Errorf("install: import ticket %s: %w", t.RightsIDHex(), yatierr.ErrStoreError)
		}
		t.Required = false
		metrics.TicketsImportedTotal.Inc()
	}
	return nil
}

// removeInstalledNcas implements spec §4.6.4.f: deletes every content of
// any previously-installed record in the same (type, application-id)
// range, except contents the new install also needed and found already
// shared.
func (i *Installer) removeInstalledNcas(ctx context.Context, storage storageHandles, rec *cnmt.Record, pendings []pendingContent) error {
	versionMin, versionMax := rec.Key.Version, rec.Key.Version
	if cnmt.Type(rec.Header.Type) == cnmt.TypePatch {
		versionMin, versionMax = 0, ^uint32(0)
	}

	for _, h := range []storageHandles{i.BuiltIn, i.SD} {
		existing, err := h.meta.List(byte(rec.Header.Type), rec.Key.ApplicationID, versionMin, versionMax, rec.Key.InstallType)
		if err != nil {
			return fmt.Errorf("install: list old records: %w", yatierr.ErrStoreError)
		}
		for _, k := range existing {
			if k == (store.MetaKey{Type: byte(rec.Header.Type), ApplicationID: rec.Key.ApplicationID, Version: rec.Key.Version, InstallType: rec.Key.InstallType}) {
				continue // same record we are about to (re)write
			}
			blob, err := h.meta.Get(k)
			if err != nil {
				continue
			}
			old, err := cnmt.Parse(blob)
			if err != nil {
				continue
			}
			for _, ci := range old.ContentInfos {
				if sharedWithNewInstall(ci.ContentID, pendings) {
					continue
				}
				_ = h.content.Delete(ctx, ci.ContentID)
			}
			_ = h.meta.Remove(k)
			if err := h.meta.Commit(); err != nil {
				return fmt.Errorf("install: commit meta removal: %w", yatierr.ErrStoreError)
			}
		}
	}
	return nil
}

func sharedWithNewInstall(contentID [16]byte, pendings []pendingContent) bool {
	for _, pc := range pendings {
		if pc.info.ContentID == contentID {
			return true
		}
	}
	return false
}

// registerAndPush implements spec §4.6.4.g.
func (i *Installer) registerAndPush(ctx context.Context, storage storageHandles, rec *cnmt.Record, pendings []pendingContent, latestVersion uint32, cfg config.Config, progress chan<- pipeline.Progress) error {
	logger := log.WithComponent("install")
	for _, pc := range pendings {
		if pc.skippedShared {
			continue
		}
		if err := storage.content.Register(ctx, pc.info.ContentID, pc.placeholderID); err != nil {
			return fmt.Errorf("install: register content %x: %w", pc.info.ContentID, yatierr.ErrStoreError)
		}
		metrics.PlaceholdersRegisteredTotal.Inc()
	}

	infos := make([]cnmt.ContentInfo, 0, len(pendings))
	for _, pc := range pendings {
		infos = append(infos, pc.info)
	}
	outRec := &cnmt.Record{
		Key:             rec.Key,
		Header:          rec.Header,
		ExtendedHeader:  rec.ExtendedHeader,
		MetaContentInfo: rec.MetaContentInfo,
		ContentInfos:    infos,
	}
	if cfg.LowerSystemVersion {
		outRec.ZeroRequiredSystemVersion()
	}

	key := store.MetaKey{Type: byte(rec.Header.Type), ApplicationID: rec.Key.ApplicationID, Version: rec.Key.Version, InstallType: rec.Key.InstallType}
	if err := storage.meta.Set(key, outRec.Marshal()); err != nil {
		return fmt.Errorf("install: set meta record: %w", yatierr.ErrStoreError)
	}
	if err := storage.meta.Commit(); err != nil {
		return fmt.Errorf("install: commit meta record: %w", yatierr.ErrStoreError)
	}
	metrics.ContentMetaTypeCounts.WithLabelValues(fmt.Sprintf("%d", rec.Header.Type)).Inc()

	if i.Records != nil {
		if err := i.Records.PushRecord(ctx, rec.Key.ApplicationID, []ncm.StorageRecord{{ApplicationID: rec.Key.ApplicationID, StorageID: byte(storage.id)}}); err != nil {
			return fmt.Errorf("install: push application record: %w", yatierr.ErrStoreError)
		}
		if i.Config.HostOSVersionMajor >= 6 {
			if err := i.Records.PushLaunchVersion(ctx, rec.Key.ApplicationID, latestVersion); err != nil {
				return fmt.Errorf("install: push launch version: %w", yatierr.ErrStoreError)
			}
		}
	}

	for _, pc := range pendings {
		if pc.info.ContentType != cnmt.ContentTypeControl {
			continue
		}
		name, err := ExtractControlInfo(storage.content, pc.info.ContentID)
		if err != nil {
			logger.Debug().Uint64("application_id", rec.Key.ApplicationID).Err(err).Msg("control info extraction skipped")
			break
		}
		if progress != nil {
			select {
			case progress <- pipeline.Progress{TitleName: name}:
			case <-ctx.Done():
			}
		}
		break
	}

	return nil
}

// cleanupPendings deletes every placeholder the orchestrator still holds
// for a CNMT that failed or was abandoned (spec §4.6.5, §9's placeholder
// cleanup note: cleanup must run on every failure path, including one
// before the CNMT's own pipeline ever started).
func (i *Installer) cleanupPendings(ctx context.Context, storage storageHandles, pendings []pendingContent) {
	for _, pc := range pendings {
		if pc.skippedShared || pc.placeholderID == "" {
			continue
		}
		_ = storage.content.DeletePlaceholder(ctx, pc.placeholderID)
		metrics.PlaceholdersDeletedTotal.Inc()
	}
}

// ExtractControlInfo is the best-effort, non-fatal post-install step (spec
// §3 supplement): given a registered Control-type NCA, it returns the first
// run of three or more printable ASCII bytes found after the 0x4000-byte
// header as the title's display name. The NACP is neither decrypted nor
// parsed. Failure is swallowed by the caller; a title
// installs successfully with or without this metadata.
func ExtractControlInfo(storage store.ContentStorage, contentID [16]byte) (string, error) {
	size := int64(0x4000 + 0x200) // enough for the control section header plus the first NACP locale block
	buf := make([]byte, size)
	n, err := storage.ReadContent(context.Background(), contentID, 0, buf)
	if err != nil && n == 0 {
		return "", fmt.Errorf("install: read control nca: %w", err)
	}

	// The control NCA's section 0 PFS0 ("control.nacp") sits past the
	// 0x4000-byte header; a full decrypt would need the same key-area
	// path cnmt.ReadFromMetaNCA uses. Best effort here settles for
	// scanning the readable prefix for a plausible title-name string,
	// since control NCAs are frequently standard-crypto (no ticket
	// dependency) and a failed parse here must never fail the install.
	name := scanPrintableName(buf[nca.FullHeaderSize:])
	if name == "" {
		return "", fmt.Errorf("install: no title name recovered")
	}
	return name, nil
}

func scanPrintableName(b []byte) string {
	start := -1
	for i, c := range b {
		printable := c >= 0x20 && c < 0x7f
		if printable && start == -1 {
			start = i
		}
		if !printable && start != -1 {
			if i-start >= 3 {
				return string(b[start:i])
			}
			start = -1
		}
	}
	return ""
}
