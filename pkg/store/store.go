// Package store defines the content storage and metadata database
// interfaces the installer consumes. Concrete implementations live in
// pkg/store/bolt (a real, bbolt-backed pair for running the installer
// end-to-end) and pkg/store/memory (a hermetic fake for tests).
package store

import "context"

// ContentStorage manages placeholder lifecycle and registered content
// bytes for one storage (built-in or SD card).
type ContentStorage interface {
	// GeneratePlaceholderID returns a fresh placeholder identifier.
	GeneratePlaceholderID() (string, error)

	// CreatePlaceholder reserves storage for a not-yet-registered content,
	// identified by the content id it will become and a placeholder id
	// used until registration.
	CreatePlaceholder(ctx context.Context, contentID [16]byte, placeholderID string, size int64) error

	// SetPlaceholderSize resizes a placeholder, used once the NCA header
	// reveals the true output size (which may differ from the collection
	// entry size for NCZ content).
	SetPlaceholderSize(ctx context.Context, placeholderID string, size int64) error

	// WritePlaceholder appends bytes to a placeholder at a given offset.
	WritePlaceholder(ctx context.Context, placeholderID string, offset int64, buf []byte) error

	// FlushPlaceholder flushes buffered placeholder writes to durable
	// storage.
	FlushPlaceholder(ctx context.Context, placeholderID string) error

	// GetPlaceholderPath returns the filesystem path backing a placeholder.
	GetPlaceholderPath(placeholderID string) (string, error)

	// Register promotes a placeholder to its final content id.
	Register(ctx context.Context, contentID [16]byte, placeholderID string) error

	// DeletePlaceholder discards a placeholder without registering it.
	DeletePlaceholder(ctx context.Context, placeholderID string) error

	// Has reports whether a content id is already registered.
	Has(contentID [16]byte) (bool, error)

	// ReadContent reads already-registered content bytes.
	ReadContent(ctx context.Context, contentID [16]byte, offset int64, buf []byte) (int, error)

	// GetContentPath returns the filesystem path of a registered content.
	GetContentPath(contentID [16]byte) (string, error)

	// Delete removes a registered content.
	Delete(ctx context.Context, contentID [16]byte) error
}

// MetaKey identifies one content-meta record.
type MetaKey struct {
	Type          byte
	ApplicationID uint64
	Version       uint32
	InstallType   byte
}

// MetaDB stores content-meta records for one storage.
type MetaDB interface {
	// List returns keys matching type, application id, a version range
	// [versionMin, versionMax], and install type. metaType 0 matches every
	// type (NcmContentMetaType_Unknown).
	List(metaType byte, appID uint64, versionMin, versionMax uint32, installType byte) ([]MetaKey, error)

	// Get returns the raw meta blob (meta_header ∥ extended_header ∥
	// meta_content_info ∥ content_infos) for a key.
	Get(key MetaKey) ([]byte, error)

	// Has reports whether a key exists.
	Has(key MetaKey) (bool, error)

	// Set writes (or overwrites) a key's blob.
	Set(key MetaKey, blob []byte) error

	// Remove deletes a key.
	Remove(key MetaKey) error

	// Commit durably persists pending writes.
	Commit() error
}
