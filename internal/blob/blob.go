// Package blob stores opaque objects: sealed vault documents and backup
// archives. Production uses MinIO (or any S3 endpoint); development
// falls back to a plain directory so the API runs without extra
// services.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned for unknown keys by every backend.
var ErrNotFound = errors.New("blob not found")

// Store is the surface the API and heirloomctl use. Objects are small
// enough to hold in memory: vault documents are capped at 25 MiB and
// backup archives are compressed before they get here.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// VaultKey names a sealed document object.
func VaultKey(estateID, itemID string) string {
	return "vault/" + estateID + "/" + itemID
}

// BackupKey names a backup archive object.
func BackupKey(snapshotID string) string {
	return "backups/" + snapshotID
}
