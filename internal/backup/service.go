package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"heirloom/api/internal/blob"
	"heirloom/api/internal/store"
)

// ArchiveVersion is bumped when the JSON export layout changes.
const ArchiveVersion = 1

// Archive is the decrypted, decompressed snapshot payload.
type Archive struct {
	Version    int               `json:"version"`
	SnapshotID string            `json:"snapshotId"`
	CreatedAt  time.Time         `json:"createdAt"`
	Tables     []store.TableDump `json:"tables"`
}

type dataStore interface {
	DumpTable(ctx context.Context, table string) (store.TableDump, error)
	RestoreTableGroup(ctx context.Context, dumps []store.TableDump, merge bool) error
	InsertSnapshot(ctx context.Context, snap store.Snapshot) error
	CompleteSnapshot(ctx context.Context, snapshotID string, sizeBytes int64, sha256 string, rowCounts map[string]int) error
	FailSnapshot(ctx context.Context, snapshotID, note string) error
	MarkSnapshotVerified(ctx context.Context, snapshotID string) (bool, error)
	GetSnapshot(ctx context.Context, snapshotID string) (store.Snapshot, error)
	ListSnapshots(ctx context.Context) ([]store.Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) (bool, error)
}

// Service creates, verifies, restores, and prunes snapshots. Used by the
// admin API and by heirloomctl.
type Service struct {
	store  dataStore
	blobs  blob.Store
	key    []byte
	logger *zap.Logger
}

func NewService(st dataStore, blobs blob.Store, key []byte, logger *zap.Logger) *Service {
	return &Service{store: st, blobs: blobs, key: key, logger: logger}
}

// Create dumps every backup table, seals the archive, and uploads it.
// The snapshot row tracks progress: RUNNING until the object is stored,
// then COMPLETE with size, digest, and per-table row counts.
func (s *Service) Create(ctx context.Context, note, createdBy string) (store.Snapshot, error) {
	snapshotID := uuid.NewString()
	snap := store.Snapshot{
		ID:        snapshotID,
		Kind:      "full",
		Status:    "RUNNING",
		BlobKey:   blob.BackupKey(snapshotID),
		Note:      note,
		CreatedBy: createdBy,
	}
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("record snapshot: %w", err)
	}

	archive := Archive{
		Version:    ArchiveVersion,
		SnapshotID: snapshotID,
		CreatedAt:  time.Now().UTC(),
	}
	rowCounts := map[string]int{}
	for _, group := range store.BackupTableGroups() {
		for _, table := range group {
			dump, err := s.store.DumpTable(ctx, table)
			if err != nil {
				return store.Snapshot{}, s.fail(ctx, snapshotID, fmt.Errorf("dump %s: %w", table, err))
			}
			archive.Tables = append(archive.Tables, dump)
			rowCounts[table] = len(dump.Rows)
		}
	}

	sealed, err := s.seal(archive)
	if err != nil {
		return store.Snapshot{}, s.fail(ctx, snapshotID, err)
	}
	digest := sha256.Sum256(sealed)

	if err := s.blobs.Put(ctx, snap.BlobKey, sealed, "application/octet-stream"); err != nil {
		return store.Snapshot{}, s.fail(ctx, snapshotID, fmt.Errorf("upload archive: %w", err))
	}
	if err := s.store.CompleteSnapshot(ctx, snapshotID, int64(len(sealed)), hex.EncodeToString(digest[:]), rowCounts); err != nil {
		return store.Snapshot{}, fmt.Errorf("complete snapshot: %w", err)
	}

	s.logger.Info("snapshot created",
		zap.String("snapshot_id", snapshotID),
		zap.Int("size_bytes", len(sealed)),
		zap.Int("tables", len(archive.Tables)))
	return s.store.GetSnapshot(ctx, snapshotID)
}

func (s *Service) fail(ctx context.Context, snapshotID string, cause error) error {
	if err := s.store.FailSnapshot(ctx, snapshotID, cause.Error()); err != nil {
		s.logger.Error("mark snapshot failed", zap.String("snapshot_id", snapshotID), zap.Error(err))
	}
	return cause
}

// VerifyResult is what a verification pass found. Problems is empty when
// the archive checks out.
type VerifyResult struct {
	SnapshotID string
	SizeBytes  int64
	Digest     string
	RowCounts  map[string]int
	Problems   []string
}

func (r VerifyResult) OK() bool { return len(r.Problems) == 0 }

// Verify downloads the archive, recomputes the ciphertext digest,
// decrypts, decompresses, and recounts rows against the snapshot record.
// It never writes a database row beyond promoting the status to VERIFIED.
func (s *Service) Verify(ctx context.Context, snapshotID string) (VerifyResult, error) {
	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return VerifyResult{}, err
	}
	if snap.Status != "COMPLETE" && snap.Status != "VERIFIED" {
		return VerifyResult{}, fmt.Errorf("snapshot %s is %s, nothing to verify", snapshotID, snap.Status)
	}

	data, err := s.blobs.Get(ctx, snap.BlobKey)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("download archive: %w", err)
	}

	result := VerifyResult{SnapshotID: snapshotID, SizeBytes: int64(len(data))}
	digest := sha256.Sum256(data)
	result.Digest = hex.EncodeToString(digest[:])

	if int64(len(data)) != snap.SizeBytes {
		result.Problems = append(result.Problems,
			fmt.Sprintf("size mismatch: stored %d bytes, recorded %d", len(data), snap.SizeBytes))
	}
	if result.Digest != snap.SHA256 {
		result.Problems = append(result.Problems,
			fmt.Sprintf("digest mismatch: stored %s, recorded %s", result.Digest, snap.SHA256))
		return result, nil // no point decrypting a corrupted archive
	}

	archive, err := s.open(data)
	if err != nil {
		result.Problems = append(result.Problems, fmt.Sprintf("open archive: %v", err))
		return result, nil
	}
	if archive.SnapshotID != snapshotID {
		result.Problems = append(result.Problems,
			fmt.Sprintf("archive belongs to snapshot %s", archive.SnapshotID))
	}

	result.RowCounts = map[string]int{}
	for _, dump := range archive.Tables {
		result.RowCounts[dump.Name] = len(dump.Rows)
	}
	for table, want := range snap.RowCounts {
		if got := result.RowCounts[table]; got != want {
			result.Problems = append(result.Problems,
				fmt.Sprintf("table %s: archive has %d rows, recorded %d", table, got, want))
		}
	}

	if result.OK() {
		if _, err := s.store.MarkSnapshotVerified(ctx, snapshotID); err != nil {
			return result, fmt.Errorf("mark verified: %w", err)
		}
	}
	return result, nil
}

// Restore loads a snapshot back into the database. The digest is
// re-checked before any table is touched; each table group applies in
// its own transaction. merge keeps existing rows on conflict, otherwise
// the groups' tables are wiped first.
func (s *Service) Restore(ctx context.Context, snapshotID string, merge bool) error {
	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snap.Status != "COMPLETE" && snap.Status != "VERIFIED" {
		return fmt.Errorf("snapshot %s is %s, refusing to restore", snapshotID, snap.Status)
	}

	data, err := s.blobs.Get(ctx, snap.BlobKey)
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}
	digest := sha256.Sum256(data)
	if hex.EncodeToString(digest[:]) != snap.SHA256 {
		return fmt.Errorf("archive digest mismatch, refusing to restore")
	}

	archive, err := s.open(data)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	if archive.Version != ArchiveVersion {
		return fmt.Errorf("archive version %d not supported", archive.Version)
	}

	dumpsByName := map[string]store.TableDump{}
	for _, dump := range archive.Tables {
		dumpsByName[dump.Name] = dump
	}

	for _, group := range store.BackupTableGroups() {
		var dumps []store.TableDump
		for _, table := range group {
			if dump, ok := dumpsByName[table]; ok {
				dumps = append(dumps, dump)
			}
		}
		if len(dumps) == 0 {
			continue
		}
		if err := s.store.RestoreTableGroup(ctx, dumps, merge); err != nil {
			return fmt.Errorf("restore group starting at %s: %w", dumps[0].Name, err)
		}
		s.logger.Info("restored table group",
			zap.String("snapshot_id", snapshotID),
			zap.Strings("tables", group),
			zap.Bool("merge", merge))
	}
	return nil
}

// Prune deletes old snapshots, keeping the most recent `keep` COMPLETE
// or VERIFIED ones. The newest good snapshot always survives. Returns
// the deleted IDs.
func (s *Service) Prune(ctx context.Context, keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	snaps, err := s.store.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	kept := 0
	for _, snap := range snaps { // newest first
		good := snap.Status == "COMPLETE" || snap.Status == "VERIFIED"
		if good && kept < keep {
			kept++
			continue
		}
		if snap.Status == "RUNNING" {
			continue // in flight
		}
		if err := s.blobs.Delete(ctx, snap.BlobKey); err != nil && err != blob.ErrNotFound {
			return deleted, fmt.Errorf("delete archive %s: %w", snap.ID, err)
		}
		if _, err := s.store.DeleteSnapshot(ctx, snap.ID); err != nil {
			return deleted, err
		}
		deleted = append(deleted, snap.ID)
	}
	return deleted, nil
}

func (s *Service) seal(archive Archive) ([]byte, error) {
	var buf bytes.Buffer
	aw, err := NewWriter(&buf, s.key)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(aw)
	if err != nil {
		return nil, fmt.Errorf("init compressor: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(archive); err != nil {
		return nil, fmt.Errorf("encode archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flush compressor: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("seal archive: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) open(data []byte) (Archive, error) {
	ar, err := NewReader(bytes.NewReader(data), s.key)
	if err != nil {
		return Archive{}, err
	}
	zr, err := zstd.NewReader(ar)
	if err != nil {
		return Archive{}, fmt.Errorf("init decompressor: %w", err)
	}
	defer zr.Close()

	var archive Archive
	if err := json.NewDecoder(zr).Decode(&archive); err != nil {
		return Archive{}, fmt.Errorf("decode archive: %w", err)
	}
	return archive, nil
}
