package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrKitExists is returned when an estate already has a recovery kit.
var ErrKitExists = errors.New("recovery kit already exists")

// CreateRecoveryKit installs the estate keypair. Each estate gets exactly
// one kit; the primary key makes a second setup fail.
func (s *PostgresStore) CreateRecoveryKit(ctx context.Context, kit RecoveryKit) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_kits (estate_id, public_key, enc_private_key, salt, code_hash, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (estate_id) DO NOTHING
	`, kit.EstateID, kit.PublicKey, kit.EncPrivateKey, kit.Salt, kit.CodeHash, kit.Version)
	if err != nil {
		return fmt.Errorf("insert recovery kit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert recovery kit rows: %w", err)
	}
	if affected == 0 {
		return ErrKitExists
	}
	return nil
}

func (s *PostgresStore) GetRecoveryKit(ctx context.Context, estateID string) (RecoveryKit, error) {
	const query = `
		SELECT estate_id, public_key, enc_private_key, salt, code_hash, code_used_at, version, created_at, rotated_at
		FROM recovery_kits
		WHERE estate_id=$1
	`
	var kit RecoveryKit
	err := s.db.QueryRowContext(ctx, query, estateID).Scan(
		&kit.EstateID,
		&kit.PublicKey,
		&kit.EncPrivateKey,
		&kit.Salt,
		&kit.CodeHash,
		&kit.CodeUsedAt,
		&kit.Version,
		&kit.CreatedAt,
		&kit.RotatedAt,
	)
	if err != nil {
		return RecoveryKit{}, err
	}
	return kit, nil
}

// RotateRecoveryKit swaps in a freshly wrapped private key. The public key
// stays the same so existing sealed items remain readable.
func (s *PostgresStore) RotateRecoveryKit(ctx context.Context, estateID string, encPrivateKey, salt []byte, codeHash string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recovery_kits
		SET enc_private_key=$2, salt=$3, code_hash=$4, code_used_at=NULL, version=version+1, rotated_at=NOW()
		WHERE estate_id=$1
	`, estateID, encPrivateKey, salt, codeHash)
	if err != nil {
		return false, fmt.Errorf("rotate recovery kit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rotate recovery kit rows: %w", err)
	}
	return affected > 0, nil
}

// MarkRecoveryCodeUsed records the first successful use of the current code.
func (s *PostgresStore) MarkRecoveryCodeUsed(ctx context.Context, estateID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recovery_kits
		SET code_used_at=NOW()
		WHERE estate_id=$1 AND code_used_at IS NULL
	`, estateID)
	if err != nil {
		return fmt.Errorf("mark recovery code used: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertVaultItem(ctx context.Context, item VaultItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_items (id, estate_id, name, category, mime_type, size_bytes, blob_key, sealed_key, key_fingerprint, sha256, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ID, item.EstateID, item.Name, item.Category, item.MimeType, item.SizeBytes, item.BlobKey, item.SealedKey, item.KeyFingerprint, item.SHA256, item.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert vault item: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVaultItem(ctx context.Context, estateID, itemID string) (VaultItem, error) {
	const query = `
		SELECT id, estate_id, name, category, mime_type, size_bytes, blob_key, sealed_key, key_fingerprint, sha256, uploaded_by, created_at, deleted_at
		FROM vault_items
		WHERE id=$2 AND estate_id=$1 AND deleted_at IS NULL
	`
	var item VaultItem
	err := s.db.QueryRowContext(ctx, query, estateID, itemID).Scan(
		&item.ID,
		&item.EstateID,
		&item.Name,
		&item.Category,
		&item.MimeType,
		&item.SizeBytes,
		&item.BlobKey,
		&item.SealedKey,
		&item.KeyFingerprint,
		&item.SHA256,
		&item.UploadedBy,
		&item.CreatedAt,
		&item.DeletedAt,
	)
	if err != nil {
		return VaultItem{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListVaultItems(ctx context.Context, estateID string) ([]VaultItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, estate_id, name, category, mime_type, size_bytes, blob_key, sealed_key, key_fingerprint, sha256, uploaded_by, created_at, deleted_at
		FROM vault_items
		WHERE estate_id=$1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`, estateID)
	if err != nil {
		return nil, fmt.Errorf("list vault items: %w", err)
	}
	defer rows.Close()

	items := make([]VaultItem, 0)
	for rows.Next() {
		var item VaultItem
		if err := rows.Scan(
			&item.ID,
			&item.EstateID,
			&item.Name,
			&item.Category,
			&item.MimeType,
			&item.SizeBytes,
			&item.BlobKey,
			&item.SealedKey,
			&item.KeyFingerprint,
			&item.SHA256,
			&item.UploadedBy,
			&item.CreatedAt,
			&item.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan vault item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault items: %w", err)
	}
	return items, nil
}

// SoftDeleteVaultItem hides the row and returns its blob key so the caller
// can remove the object afterwards.
func (s *PostgresStore) SoftDeleteVaultItem(ctx context.Context, estateID, itemID string) (string, error) {
	var blobKey string
	err := s.db.QueryRowContext(ctx, `
		UPDATE vault_items
		SET deleted_at=NOW()
		WHERE id=$2 AND estate_id=$1 AND deleted_at IS NULL
		RETURNING blob_key
	`, estateID, itemID).Scan(&blobKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("delete vault item: %w", err)
	}
	return blobKey, nil
}

func (s *PostgresStore) CountVaultItems(ctx context.Context, estateID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vault_items WHERE estate_id=$1 AND deleted_at IS NULL`, estateID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count vault items: %w", err)
	}
	return count, nil
}
