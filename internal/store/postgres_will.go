package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) CreateWill(ctx context.Context, will Will) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wills (id, estate_id, title, status, seal_score, seal_level, updated_by)
		VALUES ($1, $2, $3, 'DRAFT', $4, $5, $6)
	`, will.ID, will.EstateID, will.Title, will.SealScore, will.SealLevel, will.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert will: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWill(ctx context.Context, estateID, willID string) (Will, error) {
	const query = `
		SELECT id, estate_id, title, status, seal_score, seal_level, finalized_at, COALESCE(finalized_ref, ''), updated_by, created_at, updated_at
		FROM wills
		WHERE id=$2 AND estate_id=$1
	`
	var will Will
	err := s.db.QueryRowContext(ctx, query, estateID, willID).Scan(
		&will.ID,
		&will.EstateID,
		&will.Title,
		&will.Status,
		&will.SealScore,
		&will.SealLevel,
		&will.FinalizedAt,
		&will.FinalizedRef,
		&will.UpdatedBy,
		&will.CreatedAt,
		&will.UpdatedAt,
	)
	if err != nil {
		return Will{}, err
	}
	return will, nil
}

func (s *PostgresStore) ListWills(ctx context.Context, estateID string) ([]Will, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, estate_id, title, status, seal_score, seal_level, finalized_at, COALESCE(finalized_ref, ''), updated_by, created_at, updated_at
		FROM wills
		WHERE estate_id=$1
		ORDER BY created_at DESC
	`, estateID)
	if err != nil {
		return nil, fmt.Errorf("list wills: %w", err)
	}
	defer rows.Close()

	items := make([]Will, 0)
	for rows.Next() {
		var item Will
		if err := rows.Scan(
			&item.ID,
			&item.EstateID,
			&item.Title,
			&item.Status,
			&item.SealScore,
			&item.SealLevel,
			&item.FinalizedAt,
			&item.FinalizedRef,
			&item.UpdatedBy,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan will: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wills: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateWillTitle(ctx context.Context, estateID, willID, title, updatedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wills
		SET title=$3, updated_by=$4, updated_at=NOW()
		WHERE id=$2 AND estate_id=$1 AND status='DRAFT'
	`, estateID, willID, title, updatedBy)
	if err != nil {
		return false, fmt.Errorf("update will title: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update will title rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateWillSeal records the score computed after each content save.
func (s *PostgresStore) UpdateWillSeal(ctx context.Context, estateID, willID string, score int, level, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wills
		SET seal_score=$3, seal_level=$4, updated_by=$5, updated_at=NOW()
		WHERE id=$2 AND estate_id=$1
	`, estateID, willID, score, level, updatedBy)
	if err != nil {
		return fmt.Errorf("update will seal: %w", err)
	}
	return nil
}

// FinalizeWill pins the finalized git ref. Only drafts finalize; the
// WHERE guard makes concurrent finalize calls settle on one winner.
func (s *PostgresStore) FinalizeWill(ctx context.Context, estateID, willID, ref string, score int, level, updatedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wills
		SET status='FINAL', finalized_at=NOW(), finalized_ref=$3, seal_score=$4, seal_level=$5, updated_by=$6, updated_at=NOW()
		WHERE id=$2 AND estate_id=$1 AND status='DRAFT'
	`, estateID, willID, ref, score, level, updatedBy)
	if err != nil {
		return false, fmt.Errorf("finalize will: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize will rows: %w", err)
	}
	return affected > 0, nil
}

// ReviseWill reopens a finalized will as a draft. The finalized ref is
// kept so the last executed version stays reachable.
func (s *PostgresStore) ReviseWill(ctx context.Context, estateID, willID, updatedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wills
		SET status='DRAFT', updated_by=$3, updated_at=NOW()
		WHERE id=$2 AND estate_id=$1 AND status='FINAL'
	`, estateID, willID, updatedBy)
	if err != nil {
		return false, fmt.Errorf("revise will: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revise will rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) RevokeWill(ctx context.Context, estateID, willID, updatedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wills
		SET status='REVOKED', updated_by=$3, updated_at=NOW()
		WHERE id=$2 AND estate_id=$1 AND status IN ('DRAFT','FINAL')
	`, estateID, willID, updatedBy)
	if err != nil {
		return false, fmt.Errorf("revoke will: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke will rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) CountWills(ctx context.Context, estateID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wills WHERE estate_id=$1 AND status <> 'REVOKED'`, estateID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count wills: %w", err)
	}
	return count, nil
}
