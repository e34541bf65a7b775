package ncm

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords       = []byte("application_records")
	bucketLaunchVersion = []byte("launch_versions")
)

// BoltRecordService is a bbolt-backed RecordService: the application
// record (which storages an application's content lives across) and the
// launch-version table a host OS >= 6.0.0 consults, following the same
// bucket-per-entity layout as pkg/store/bolt.
type BoltRecordService struct {
	db *bolt.DB
}

// OpenBoltRecordService opens (creating if absent) a bbolt database at path
// and ensures its buckets exist.
func OpenBoltRecordService(path string) (*BoltRecordService, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("ncm: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLaunchVersion)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ncm: create buckets: %w", err)
	}
	return &BoltRecordService{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltRecordService) Close() error { return s.db.Close() }

func appIDKey(appID uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, appID)
	return b
}

// PushRecord replaces the application record for appID.
func (s *BoltRecordService) PushRecord(_ context.Context, appID uint64, records []StorageRecord) error {
	blob := make([]byte, len(records)*9)
	for i, r := range records {
		binary.BigEndian.PutUint64(blob[i*9:], r.ApplicationID)
		blob[i*9+8] = r.StorageID
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put(appIDKey(appID), blob)
	})
}

// PushLaunchVersion records the version the launcher should treat as
// current for appID.
func (s *BoltRecordService) PushLaunchVersion(_ context.Context, appID uint64, version uint32) error {
	blob := make([]byte, 4)
	binary.BigEndian.PutUint32(blob, version)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLaunchVersion).Put(appIDKey(appID), blob)
	})
}

// Records returns the storages currently registered for appID (empty,
// false if none).
func (s *BoltRecordService) Records(appID uint64) ([]StorageRecord, bool, error) {
	var out []StorageRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRecords).Get(appIDKey(appID))
		if v == nil {
			return nil
		}
		found = true
		for i := 0; i+9 <= len(v); i += 9 {
			out = append(out, StorageRecord{
				ApplicationID: binary.BigEndian.Uint64(v[i:]),
				StorageID:     v[i+8],
			})
		}
		return nil
	})
	return out, found, err
}
