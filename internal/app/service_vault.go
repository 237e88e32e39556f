package app

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/blob"
	"heirloom/api/internal/rbac"
	"heirloom/api/internal/search"
	"heirloom/api/internal/store"
	"heirloom/api/internal/util"
	"heirloom/api/internal/vault"
)

// MaxVaultDocumentBytes caps a single vault upload. Enforced here and
// again at the HTTP layer with MaxBytesReader.
const MaxVaultDocumentBytes = 25 << 20

var vaultCategories = map[string]bool{
	"will": true, "insurance": true, "deed": true, "financial": true,
	"letter": true, "photo": true, "other": true,
}

// SetupVault generates the estate keypair and recovery kit. The
// recovery code appears in this response and never again.
func (s *Service) SetupVault(ctx context.Context, access EstateAccess, sess Session) (map[string]any, error) {
	keypair, err := vault.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	code, err := vault.NewRecoveryCode()
	if err != nil {
		return nil, err
	}
	salt, err := vault.NewSalt()
	if err != nil {
		return nil, err
	}
	wrapped, err := vault.WrapPrivateKey(&keypair.Private, code, salt)
	if err != nil {
		return nil, err
	}

	kit := store.RecoveryKit{
		EstateID:      access.EstateID,
		PublicKey:     keypair.Public[:],
		EncPrivateKey: wrapped,
		Salt:          salt,
		CodeHash:      vault.HashCode(code),
		Version:       1,
	}
	if err := s.store.CreateRecoveryKit(ctx, kit); err != nil {
		return nil, err
	}

	s.audit(ctx, access.EstateID, sess, "vault.setup", "vault", access.EstateID, nil)
	return map[string]any{
		"recoveryCode": code,
		"fingerprint":  vault.Fingerprint(kit.PublicKey),
		"version":      kit.Version,
	}, nil
}

func (s *Service) VaultStatus(ctx context.Context, access EstateAccess) (map[string]any, error) {
	kit, err := s.store.GetRecoveryKit(ctx, access.EstateID)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{"ready": false, "documents": 0}, nil
	}
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountVaultItems(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"ready":       true,
		"version":     kit.Version,
		"fingerprint": vault.Fingerprint(kit.PublicKey),
		"documents":   count,
		"codeUsed":    kit.CodeUsedAt != nil,
		"createdAt":   kit.CreatedAt.UTC().Format(time.RFC3339),
	}
	if kit.RotatedAt != nil {
		payload["rotatedAt"] = kit.RotatedAt.UTC().Format(time.RFC3339)
	}
	return payload, nil
}

// UploadVaultDocument encrypts and stores one document. The write path
// holds no secret: the data key is sealed to the estate public key.
func (s *Service) UploadVaultDocument(ctx context.Context, access EstateAccess, sess Session, name, category, mimeType string, content []byte) (map[string]any, error) {
	kit, err := s.store.GetRecoveryKit(ctx, access.EstateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errConflict("VAULT_NOT_READY", "Set up the vault before uploading documents")
	}
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, errValidation("File is required", nil)
	}
	if len(content) > MaxVaultDocumentBytes {
		return nil, domainError(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Documents are limited to 25 MiB", nil)
	}
	if name == "" {
		return nil, errValidation("Name is required", nil)
	}
	if category == "" {
		category = "other"
	}
	if !vaultCategories[category] {
		return nil, errValidation("Unknown category", []string{"category must be one of: will, insurance, deed, financial, letter, photo, other"})
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	dataKey, err := vault.NewDataKey()
	if err != nil {
		return nil, err
	}
	encrypted, err := vault.EncryptBlob(content, dataKey)
	if err != nil {
		return nil, err
	}
	var pub [32]byte
	copy(pub[:], kit.PublicKey)
	sealedKey, err := vault.SealDataKey(dataKey, &pub)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(content)

	item := store.VaultItem{
		ID:             util.NewID("doc"),
		EstateID:       access.EstateID,
		Name:           name,
		Category:       category,
		MimeType:       mimeType,
		SizeBytes:      int64(len(content)),
		SealedKey:      sealedKey,
		KeyFingerprint: vault.Fingerprint(kit.PublicKey),
		SHA256:         hex.EncodeToString(digest[:]),
		UploadedBy:     sess.UserID,
	}
	item.BlobKey = blob.VaultKey(access.EstateID, item.ID)

	if err := s.blobs.Put(ctx, item.BlobKey, encrypted, "application/octet-stream"); err != nil {
		return nil, fmt.Errorf("store vault blob: %w", err)
	}
	if err := s.store.InsertVaultItem(ctx, item); err != nil {
		// The metadata row is the source of truth; without it the
		// object is unreachable, so clean it up.
		if delErr := s.blobs.Delete(ctx, item.BlobKey); delErr != nil {
			s.logger.Warn("remove orphaned vault blob", zap.String("key", item.BlobKey), zap.Error(delErr))
		}
		return nil, err
	}

	s.search.IndexDocument(search.DocumentRecord{
		ID:       item.ID,
		Name:     item.Name,
		Category: item.Category,
		MimeType: item.MimeType,
		EstateID: item.EstateID,
	})
	s.audit(ctx, access.EstateID, sess, "vault.document.uploaded", "vault_item", item.ID,
		map[string]any{"name": item.Name, "category": item.Category, "sizeBytes": item.SizeBytes})

	item.CreatedAt = time.Now()
	return vaultItemPayload(item), nil
}

func (s *Service) ListVaultDocuments(ctx context.Context, access EstateAccess) ([]map[string]any, error) {
	items, err := s.store.ListVaultItems(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, vaultItemPayload(item))
	}
	return payloads, nil
}

func (s *Service) GetVaultDocument(ctx context.Context, access EstateAccess, itemID string) (map[string]any, error) {
	item, err := s.store.GetVaultItem(ctx, access.EstateID, itemID)
	if err != nil {
		return nil, err
	}
	return vaultItemPayload(item), nil
}

// DownloadVaultDocument unseals one document with the recovery code.
// Non-owners can unseal only after the switch has triggered; before
// that the vault reads as sealed no matter what code they present.
func (s *Service) DownloadVaultDocument(ctx context.Context, access EstateAccess, sess Session, itemID, code string) (store.VaultItem, []byte, error) {
	if access.Role != rbac.RoleOwner {
		state, err := s.store.GetSwitchState(ctx, access.EstateID)
		if err != nil {
			return store.VaultItem{}, nil, err
		}
		if state.Status != "TRIGGERED" {
			return store.VaultItem{}, nil, domainError(http.StatusForbidden, "VAULT_SEALED",
				"The vault unseals for executors only after the switch has triggered", nil)
		}
	}

	item, err := s.store.GetVaultItem(ctx, access.EstateID, itemID)
	if err != nil {
		return store.VaultItem{}, nil, err
	}
	kit, err := s.store.GetRecoveryKit(ctx, access.EstateID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.VaultItem{}, nil, errConflict("VAULT_NOT_READY", "The vault has not been set up")
	}
	if err != nil {
		return store.VaultItem{}, nil, err
	}

	plain, err := s.unsealItem(ctx, kit, item, code)
	if err != nil {
		return store.VaultItem{}, nil, err
	}

	s.audit(ctx, access.EstateID, sess, "vault.document.downloaded", "vault_item", item.ID,
		map[string]any{"name": item.Name})
	return item, plain, nil
}

// unsealItem runs the full decryption chain. Every failure before the
// digest check collapses to ErrDenied so callers cannot probe which
// stage rejected them.
func (s *Service) unsealItem(ctx context.Context, kit store.RecoveryKit, item store.VaultItem, code string) ([]byte, error) {
	if vault.HashCode(code) != kit.CodeHash {
		return nil, vault.ErrDenied
	}
	priv, err := vault.UnwrapPrivateKey(kit.EncPrivateKey, code, kit.Salt)
	if err != nil {
		return nil, err
	}
	var pub [32]byte
	copy(pub[:], kit.PublicKey)
	dataKey, err := vault.OpenDataKey(item.SealedKey, &pub, priv)
	if err != nil {
		return nil, err
	}

	ciphertext, err := s.blobs.Get(ctx, item.BlobKey)
	if err != nil {
		return nil, err
	}
	plain, err := vault.DecryptBlob(ciphertext, dataKey)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(plain)
	if hex.EncodeToString(digest[:]) != item.SHA256 {
		return nil, fmt.Errorf("vault item %s: content digest mismatch", item.ID)
	}

	if err := s.store.MarkRecoveryCodeUsed(ctx, kit.EstateID); err != nil {
		s.logger.Warn("mark recovery code used", zap.String("estate_id", kit.EstateID), zap.Error(err))
	}
	return plain, nil
}

// DeleteVaultDocument soft-deletes the row, then removes the object.
// A missing object is fine; an orphaned one is better than a dangling row.
func (s *Service) DeleteVaultDocument(ctx context.Context, access EstateAccess, sess Session, itemID string) error {
	blobKey, err := s.store.SoftDeleteVaultItem(ctx, access.EstateID, itemID)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, blobKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
		s.logger.Warn("delete vault blob", zap.String("key", blobKey), zap.Error(err))
	}
	s.search.DeleteDocument(itemID)
	s.audit(ctx, access.EstateID, sess, "vault.document.deleted", "vault_item", itemID, nil)
	return nil
}

// VerifyRecoveryCode confirms a code still unwraps the private key
// without touching any document. Marks the code as used.
func (s *Service) VerifyRecoveryCode(ctx context.Context, access EstateAccess, sess Session, code string) (map[string]any, error) {
	kit, err := s.store.GetRecoveryKit(ctx, access.EstateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errConflict("VAULT_NOT_READY", "The vault has not been set up")
	}
	if err != nil {
		return nil, err
	}
	if vault.HashCode(code) != kit.CodeHash {
		return nil, vault.ErrDenied
	}
	if _, err := vault.UnwrapPrivateKey(kit.EncPrivateKey, code, kit.Salt); err != nil {
		return nil, err
	}
	if err := s.store.MarkRecoveryCodeUsed(ctx, access.EstateID); err != nil {
		s.logger.Warn("mark recovery code used", zap.String("estate_id", access.EstateID), zap.Error(err))
	}
	return map[string]any{"valid": true, "version": kit.Version}, nil
}

// RotateRecoveryCode re-wraps the same private key under a fresh code.
// The public key stays, so sealed items remain readable.
func (s *Service) RotateRecoveryCode(ctx context.Context, access EstateAccess, sess Session, oldCode string) (map[string]any, error) {
	kit, err := s.store.GetRecoveryKit(ctx, access.EstateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errConflict("VAULT_NOT_READY", "The vault has not been set up")
	}
	if err != nil {
		return nil, err
	}
	if vault.HashCode(oldCode) != kit.CodeHash {
		return nil, vault.ErrDenied
	}
	priv, err := vault.UnwrapPrivateKey(kit.EncPrivateKey, oldCode, kit.Salt)
	if err != nil {
		return nil, err
	}

	newCode, err := vault.NewRecoveryCode()
	if err != nil {
		return nil, err
	}
	newSalt, err := vault.NewSalt()
	if err != nil {
		return nil, err
	}
	wrapped, err := vault.WrapPrivateKey(priv, newCode, newSalt)
	if err != nil {
		return nil, err
	}
	rotated, err := s.store.RotateRecoveryKit(ctx, access.EstateID, wrapped, newSalt, vault.HashCode(newCode))
	if err != nil {
		return nil, err
	}
	if !rotated {
		return nil, sql.ErrNoRows
	}

	s.audit(ctx, access.EstateID, sess, "vault.kit.rotated", "vault", access.EstateID,
		map[string]any{"version": kit.Version + 1})
	return map[string]any{
		"recoveryCode": newCode,
		"version":      kit.Version + 1,
		"fingerprint":  vault.Fingerprint(kit.PublicKey),
	}, nil
}

func vaultItemPayload(item store.VaultItem) map[string]any {
	return map[string]any{
		"id":             item.ID,
		"name":           item.Name,
		"category":       item.Category,
		"mimeType":       item.MimeType,
		"sizeBytes":      item.SizeBytes,
		"sha256":         item.SHA256,
		"keyFingerprint": item.KeyFingerprint,
		"uploadedBy":     item.UploadedBy,
		"createdAt":      item.CreatedAt.UTC().Format(time.RFC3339),
	}
}
