// Package bolt implements pkg/store's MetaDB on top of go.etcd.io/bbolt,
// and a filesystem-backed ContentStorage, so the installer runs end-to-end
// without a real console. Grounded on cuemby-warren/pkg/storage/boltdb.go's
// bucket-per-entity layout — here one bucket per storage id, keyed by the
// {type, app_id, version, install_type} tuple spec.md §6 describes, with
// the raw meta blob stored unencoded (not JSON: the byte layout is
// load-bearing, per SPEC_FULL §4.7).
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/nxinstall/yati/pkg/store"
)

var bucketMeta = []byte("content_meta")

// MetaDB is a bbolt-backed store.MetaDB. One MetaDB wraps one *bolt.DB
// (conventionally one file per storage id, built-in vs SD card).
type MetaDB struct {
	db *bolt.DB
}

// OpenMetaDB opens (creating if absent) a bbolt database at path and
// ensures its content-meta bucket exists.
func OpenMetaDB(path string) (*MetaDB, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: create bucket: %w", err)
	}
	return &MetaDB{db: db}, nil
}

// Close closes the underlying database.
func (d *MetaDB) Close() error { return d.db.Close() }

func metaKeyBytes(k store.MetaKey) []byte {
	b := make([]byte, 1+8+4+1)
	b[0] = k.Type
	binary.BigEndian.PutUint64(b[1:9], k.ApplicationID)
	binary.BigEndian.PutUint32(b[9:13], k.Version)
	b[13] = k.InstallType
	return b
}

func parseMetaKey(b []byte) (store.MetaKey, bool) {
	if len(b) != 1+8+4+1 {
		return store.MetaKey{}, false
	}
	return store.MetaKey{
		Type:          b[0],
		ApplicationID: binary.BigEndian.Uint64(b[1:9]),
		Version:       binary.BigEndian.Uint32(b[9:13]),
		InstallType:   b[13],
	}, true
}

func (d *MetaDB) List(metaType byte, appID uint64, versionMin, versionMax uint32, installType byte) ([]store.MetaKey, error) {
	var keys []store.MetaKey
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.ForEach(func(k, _ []byte) error {
			mk, ok := parseMetaKey(k)
			if !ok {
				return nil
			}
			if metaType != 0 && mk.Type != metaType {
				return nil
			}
			if mk.ApplicationID != appID || mk.InstallType != installType {
				return nil
			}
			if mk.Version < versionMin || mk.Version > versionMax {
				return nil
			}
			keys = append(keys, mk)
			return nil
		})
	})
	return keys, err
}

func (d *MetaDB) Get(key store.MetaKey) ([]byte, error) {
	var blob []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		v := b.Get(metaKeyBytes(key))
		if v == nil {
			return fmt.Errorf("bolt: meta key %+v not found", key)
		}
		blob = append([]byte(nil), v...)
		return nil
	})
	return blob, err
}

func (d *MetaDB) Has(key store.MetaKey) (bool, error) {
	var has bool
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		has = b.Get(metaKeyBytes(key)) != nil
		return nil
	})
	return has, err
}

func (d *MetaDB) Set(key store.MetaKey, blob []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Put(metaKeyBytes(key), blob)
	})
}

func (d *MetaDB) Remove(key store.MetaKey) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Delete(metaKeyBytes(key))
	})
}

// Commit is a no-op: every Set/Remove above already ran in its own
// committed bbolt transaction. Exposed to satisfy store.MetaDB, and kept
// as a hook for batching a future multi-key write into one transaction.
func (d *MetaDB) Commit() error { return nil }

// ContentStorage is a filesystem-backed store.ContentStorage: placeholders
// are temp files under a staging directory; registered content is named
// by hex content id under a content directory.
type ContentStorage struct {
	stagingDir string
	contentDir string
}

// NewContentStorage ensures stagingDir/contentDir exist and returns a
// ContentStorage rooted there.
func NewContentStorage(stagingDir, contentDir string) (*ContentStorage, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create staging dir: %w", err)
	}
	if err := os.MkdirAll(contentDir, 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create content dir: %w", err)
	}
	return &ContentStorage{stagingDir: stagingDir, contentDir: contentDir}, nil
}

func (s *ContentStorage) placeholderPath(id string) string {
	return filepath.Join(s.stagingDir, id+".nca")
}

func (s *ContentStorage) contentPath(contentID [16]byte) string {
	return filepath.Join(s.contentDir, fmt.Sprintf("%x.nca", contentID))
}

func (s *ContentStorage) GeneratePlaceholderID() (string, error) {
	return uuid.NewString(), nil
}

func (s *ContentStorage) CreatePlaceholder(_ context.Context, _ [16]byte, placeholderID string, size int64) error {
	f, err := os.Create(s.placeholderPath(placeholderID))
	if err != nil {
		return fmt.Errorf("bolt: create placeholder: %w", err)
	}
	defer f.Close()
	return f.Truncate(size)
}

func (s *ContentStorage) SetPlaceholderSize(_ context.Context, placeholderID string, size int64) error {
	f, err := os.OpenFile(s.placeholderPath(placeholderID), os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bolt: resize placeholder: %w", err)
	}
	defer f.Close()
	return f.Truncate(size)
}

func (s *ContentStorage) WritePlaceholder(_ context.Context, placeholderID string, offset int64, buf []byte) error {
	f, err := os.OpenFile(s.placeholderPath(placeholderID), os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bolt: write placeholder: %w", err)
	}
	defer f.Close()
	_, err = f.WriteAt(buf, offset)
	return err
}

func (s *ContentStorage) FlushPlaceholder(_ context.Context, placeholderID string) error {
	f, err := os.OpenFile(s.placeholderPath(placeholderID), os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bolt: flush placeholder: %w", err)
	}
	defer f.Close()
	return f.Sync()
}

func (s *ContentStorage) GetPlaceholderPath(placeholderID string) (string, error) {
	return s.placeholderPath(placeholderID), nil
}

func (s *ContentStorage) Register(_ context.Context, contentID [16]byte, placeholderID string) error {
	return os.Rename(s.placeholderPath(placeholderID), s.contentPath(contentID))
}

func (s *ContentStorage) DeletePlaceholder(_ context.Context, placeholderID string) error {
	err := os.Remove(s.placeholderPath(placeholderID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *ContentStorage) Has(contentID [16]byte) (bool, error) {
	_, err := os.Stat(s.contentPath(contentID))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, nil
}

func (s *ContentStorage) ReadContent(_ context.Context, contentID [16]byte, offset int64, buf []byte) (int, error) {
	f, err := os.Open(s.contentPath(contentID))
	if err != nil {
		return 0, fmt.Errorf("bolt: read content: %w", err)
	}
	defer f.Close()
	return f.ReadAt(buf, offset)
}

func (s *ContentStorage) GetContentPath(contentID [16]byte) (string, error) {
	return s.contentPath(contentID), nil
}

func (s *ContentStorage) Delete(_ context.Context, contentID [16]byte) error {
	err := os.Remove(s.contentPath(contentID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
