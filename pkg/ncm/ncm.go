// Package ncm defines the application-record service consumed by the
// install orchestrator: pushing the storage list an application's content
// lives across, and (on host OS >= 6.0.0) pushing its launch version.
package ncm

import "context"

// StorageRecord is one {key, storage_id} pair an application record lists.
type StorageRecord struct {
	ApplicationID uint64
	StorageID     byte
}

// RecordService is the consumed application-record interface.
type RecordService interface {
	// PushRecord replaces the application record for appID with records.
	PushRecord(ctx context.Context, appID uint64, records []StorageRecord) error

	// PushLaunchVersion records the version the launcher should treat as
	// current for appID. Only called when the host OS version is >= 6.0.0.
	PushLaunchVersion(ctx context.Context, appID uint64, version uint32) error
}
