package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"heirloom/api/internal/export"
	"heirloom/api/internal/store"
	"heirloom/api/internal/util"
	"heirloom/api/internal/willdoc"
)

func (s *Service) ListWills(ctx context.Context, access EstateAccess) ([]map[string]any, error) {
	wills, err := s.store.ListWills(ctx, access.EstateID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(wills))
	for _, w := range wills {
		items = append(items, willPayload(w))
	}
	return items, nil
}

// CreateWill opens a new draft and its version repo. The repo starts
// with an empty document so HEAD always resolves.
func (s *Service) CreateWill(ctx context.Context, access EstateAccess, sess Session, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errValidation("Title is required", nil)
	}

	will := store.Will{
		ID:        util.NewID("will"),
		EstateID:  access.EstateID,
		Title:     title,
		Status:    "DRAFT",
		SealLevel: "provisional",
		UpdatedBy: sess.UserID,
	}
	if err := s.wills.Init(will.ID, sess.UserName); err != nil {
		return nil, fmt.Errorf("init will repo: %w", err)
	}
	if err := s.store.CreateWill(ctx, will); err != nil {
		return nil, err
	}
	s.audit(ctx, access.EstateID, sess, "will.created", "will", will.ID,
		map[string]any{"title": title})
	return willPayload(will), nil
}

// GetWillDetail returns metadata, the HEAD content, and a fresh seal.
func (s *Service) GetWillDetail(ctx context.Context, access EstateAccess, willID string) (map[string]any, error) {
	will, err := s.store.GetWill(ctx, access.EstateID, willID)
	if err != nil {
		return nil, err
	}
	content, head, err := s.wills.Head(willID)
	if err != nil {
		return nil, err
	}
	seal := willdoc.Seal(content)

	payload := willPayload(will)
	payload["content"] = content
	payload["version"] = commitPayload(head)
	payload["seal"] = map[string]any{
		"score":    seal.Score,
		"level":    seal.Level,
		"findings": seal.Findings,
	}
	return payload, nil
}

// SaveWill validates and commits new content, then re-grades the seal.
// Only drafts can be edited.
func (s *Service) SaveWill(ctx context.Context, access EstateAccess, sess Session, willID, title string, content willdoc.Content, message string) (map[string]any, error) {
	will, err := s.store.GetWill(ctx, access.EstateID, willID)
	if err != nil {
		return nil, err
	}
	if will.Status != "DRAFT" {
		return nil, errConflict("WILL_NOT_DRAFT", "Only a draft can be edited")
	}

	if err := willdoc.Validate(content); err != nil {
		var ve *willdoc.ValidationError
		if errors.As(err, &ve) {
			return nil, errValidation("Invalid will content", ve.Problems)
		}
		return nil, err
	}

	if title = strings.TrimSpace(title); title != "" && title != will.Title {
		if _, err := s.store.UpdateWillTitle(ctx, access.EstateID, willID, title, sess.UserID); err != nil {
			return nil, err
		}
		will.Title = title
	}

	commit, err := s.wills.Save(willID, content, sess.UserName, message)
	if err != nil {
		return nil, fmt.Errorf("commit will content: %w", err)
	}

	seal := willdoc.Seal(content)
	if err := s.store.UpdateWillSeal(ctx, access.EstateID, willID, seal.Score, seal.Level, sess.UserID); err != nil {
		return nil, err
	}

	s.audit(ctx, access.EstateID, sess, "will.saved", "will", willID,
		map[string]any{"version": commit.Hash})
	return map[string]any{
		"id":      willID,
		"title":   will.Title,
		"status":  will.Status,
		"version": commitPayload(commit),
		"seal": map[string]any{
			"score":    seal.Score,
			"level":    seal.Level,
			"findings": seal.Findings,
		},
	}, nil
}

func (s *Service) WillVersions(ctx context.Context, access EstateAccess, willID string, limit int) ([]map[string]any, error) {
	if _, err := s.store.GetWill(ctx, access.EstateID, willID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	history, err := s.wills.History(willID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(history))
	for _, commit := range history {
		items = append(items, commitPayload(commit))
	}
	return items, nil
}

func (s *Service) WillVersionContent(ctx context.Context, access EstateAccess, willID, hash string) (map[string]any, error) {
	if _, err := s.store.GetWill(ctx, access.EstateID, willID); err != nil {
		return nil, err
	}
	content, err := s.wills.ContentAt(willID, hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": hash, "content": content}, nil
}

// SealWill grades the HEAD content without saving anything.
func (s *Service) SealWill(ctx context.Context, access EstateAccess, willID string) (map[string]any, error) {
	if _, err := s.store.GetWill(ctx, access.EstateID, willID); err != nil {
		return nil, err
	}
	content, _, err := s.wills.Head(willID)
	if err != nil {
		return nil, err
	}
	seal := willdoc.Seal(content)
	return map[string]any{
		"score":    seal.Score,
		"level":    seal.Level,
		"findings": seal.Findings,
	}, nil
}

// FinalizeWill stamps the signature block, commits it, pins the commit
// as the finalized ref, and tags it final-v<n>. The gate runs against
// the stamped content: what gets graded is exactly what gets pinned.
func (s *Service) FinalizeWill(ctx context.Context, access EstateAccess, sess Session, willID, signedPlace string) (map[string]any, error) {
	will, err := s.store.GetWill(ctx, access.EstateID, willID)
	if err != nil {
		return nil, err
	}
	if will.Status != "DRAFT" {
		return nil, errConflict("WILL_NOT_DRAFT", "Only a draft can be finalized")
	}

	content, _, err := s.wills.Head(willID)
	if err != nil {
		return nil, err
	}
	content.SignedAt = time.Now().UTC().Format("2006-01-02")
	if place := strings.TrimSpace(signedPlace); place != "" {
		content.SignedPlace = place
	}

	seal := willdoc.Seal(content)
	if seal.Score < willdoc.MinFinalizeScore {
		return nil, domainError(http.StatusConflict, "SEAL_TOO_LOW",
			fmt.Sprintf("Trust seal %d is below the %d required to finalize", seal.Score, willdoc.MinFinalizeScore),
			seal.Findings)
	}
	if witnesses := willdoc.NamedWitnesses(content); witnesses < 2 {
		return nil, errConflict("WITNESSES_REQUIRED", "A will needs at least two named witnesses to finalize")
	}

	commit, err := s.wills.Save(willID, content, sess.UserName, "Finalize will")
	if err != nil {
		return nil, fmt.Errorf("commit finalized content: %w", err)
	}

	tag := fmt.Sprintf("final-v%d", s.finalizeOrdinal(willID))
	if err := s.wills.Tag(willID, commit.Hash, tag); err != nil {
		return nil, fmt.Errorf("tag finalized commit: %w", err)
	}

	finalized, err := s.store.FinalizeWill(ctx, access.EstateID, willID, commit.Hash, seal.Score, seal.Level, sess.UserID)
	if err != nil {
		return nil, err
	}
	if !finalized {
		return nil, errConflict("WILL_NOT_DRAFT", "Only a draft can be finalized")
	}

	s.audit(ctx, access.EstateID, sess, "will.finalized", "will", willID,
		map[string]any{"ref": commit.Hash, "tag": tag, "score": seal.Score})
	return map[string]any{
		"id":     willID,
		"status": "FINAL",
		"ref":    commit.Hash,
		"tag":    tag,
		"seal":   map[string]any{"score": seal.Score, "level": seal.Level},
	}, nil
}

// finalizeOrdinal numbers final tags by counting finalize commits. The
// commit for the current finalize is already in history, so the first
// finalize yields 1.
func (s *Service) finalizeOrdinal(willID string) int {
	history, err := s.wills.History(willID, 0)
	if err != nil {
		return 1
	}
	n := 0
	for _, commit := range history {
		if strings.HasPrefix(commit.Message, "Finalize will") {
			n++
		}
	}
	if n == 0 {
		n = 1
	}
	return n
}

// ReviseWill reopens a finalized will for editing. The finalized ref
// stays pinned until the next finalize replaces it.
func (s *Service) ReviseWill(ctx context.Context, access EstateAccess, sess Session, willID string) (map[string]any, error) {
	will, err := s.store.GetWill(ctx, access.EstateID, willID)
	if err != nil {
		return nil, err
	}
	revised, err := s.store.ReviseWill(ctx, access.EstateID, willID, sess.UserID)
	if err != nil {
		return nil, err
	}
	if !revised {
		return nil, errConflict("WILL_NOT_FINAL", fmt.Sprintf("A %s will cannot be revised", strings.ToLower(will.Status)))
	}
	s.audit(ctx, access.EstateID, sess, "will.revised", "will", willID, nil)
	return map[string]any{"id": willID, "status": "DRAFT"}, nil
}

// RevokeWill is terminal.
func (s *Service) RevokeWill(ctx context.Context, access EstateAccess, sess Session, willID string) (map[string]any, error) {
	if _, err := s.store.GetWill(ctx, access.EstateID, willID); err != nil {
		return nil, err
	}
	revoked, err := s.store.RevokeWill(ctx, access.EstateID, willID, sess.UserID)
	if err != nil {
		return nil, err
	}
	if !revoked {
		return nil, errConflict("WILL_REVOKED", "The will is already revoked")
	}
	s.audit(ctx, access.EstateID, sess, "will.revoked", "will", willID, nil)
	return map[string]any{"id": willID, "status": "REVOKED"}, nil
}

// ExportWill renders a version (HEAD by default) as PDF or DOCX.
func (s *Service) ExportWill(ctx context.Context, access EstateAccess, sess Session, willID, format, version string) (*export.Result, error) {
	if format != string(export.FormatPDF) && format != string(export.FormatDOCX) {
		return nil, errValidation("Format must be pdf or docx", nil)
	}
	will, err := s.store.GetWill(ctx, access.EstateID, willID)
	if err != nil {
		return nil, err
	}

	var content willdoc.Content
	ref := version
	if ref == "" || ref == "head" {
		var head store.CommitInfo
		content, head, err = s.wills.Head(willID)
		if err != nil {
			return nil, err
		}
		ref = head.Hash
	} else {
		content, err = s.wills.ContentAt(willID, ref)
		if err != nil {
			return nil, err
		}
	}
	if len(ref) > 8 {
		ref = ref[:8]
	}

	seal := willdoc.Seal(content)
	result, err := s.exporter.Export(export.Request{
		Format:    export.Format(format),
		Title:     will.Title,
		Status:    will.Status,
		Version:   ref,
		SealScore: seal.Score,
		SealLevel: seal.Level,
		Content:   content,
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, access.EstateID, sess, "will.exported", "will", willID,
		map[string]any{"format": format, "version": ref})
	return result, nil
}

func willPayload(w store.Will) map[string]any {
	payload := map[string]any{
		"id":        w.ID,
		"title":     w.Title,
		"status":    w.Status,
		"sealScore": w.SealScore,
		"sealLevel": w.SealLevel,
		"updatedBy": w.UpdatedBy,
		"createdAt": w.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": w.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if w.FinalizedAt != nil {
		payload["finalizedAt"] = w.FinalizedAt.UTC().Format(time.RFC3339)
	}
	if w.FinalizedRef != "" {
		payload["finalizedRef"] = w.FinalizedRef
	}
	return payload
}

func commitPayload(c store.CommitInfo) map[string]any {
	return map[string]any{
		"hash":    c.Hash,
		"message": c.Message,
		"author":  c.Author,
		"at":      c.CreatedAt.UTC().Format(time.RFC3339),
	}
}
