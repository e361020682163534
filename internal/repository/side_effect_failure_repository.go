package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// SideEffectFailureRepository stores adapter calls that failed after an
// approval decision committed, so they can be replayed.
type SideEffectFailureRepository struct {
	db *database.DB
}

// NewSideEffectFailureRepository creates a new SideEffectFailureRepository.
func NewSideEffectFailureRepository(db *database.DB) *SideEffectFailureRepository {
	return &SideEffectFailureRepository{db: db}
}

// Record inserts a new failure.
func (r *SideEffectFailureRepository) Record(ctx context.Context, f *SideEffectFailure) error {
	if f.Attempts == 0 {
		f.Attempts = 1
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO approval_side_effect_failures
		    (instance_id, entity_type, entity_id, hook, target_status,
		     error, attempts, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`,
		f.InstanceID,
		f.EntityType,
		f.EntityID,
		f.Hook,
		f.TargetStatus,
		f.Error,
		f.Attempts,
		f.LastAttemptAt,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record side-effect failure")
	}
	return nil
}

// ListOpen returns unresolved failures with fewer than maxAttempts attempts,
// oldest first.
func (r *SideEffectFailureRepository) ListOpen(ctx context.Context, maxAttempts, limit int) ([]*SideEffectFailure, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, instance_id, entity_type, entity_id, hook, target_status,
		       error, attempts, last_attempt_at, resolved_at, created_at
		FROM approval_side_effect_failures
		WHERE resolved_at IS NULL AND attempts < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, maxAttempts, ClampLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list side-effect failures")
	}
	defer rows.Close()

	var out []*SideEffectFailure
	for rows.Next() {
		f := &SideEffectFailure{}
		if err := rows.Scan(&f.ID, &f.InstanceID, &f.EntityType, &f.EntityID, &f.Hook,
			&f.TargetStatus, &f.Error, &f.Attempts, &f.LastAttemptAt, &f.ResolvedAt, &f.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan side-effect failure")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkResolved closes a failure after a successful replay.
func (r *SideEffectFailureRepository) MarkResolved(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_side_effect_failures
		SET resolved_at = $2, last_attempt_at = $2, attempts = attempts + 1
		WHERE id = $1 AND resolved_at IS NULL
	`, id, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve side-effect failure")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("side_effect_failure", id)
	}
	return nil
}

// MarkAttempt records another failed replay.
func (r *SideEffectFailureRepository) MarkAttempt(ctx context.Context, id, lastErr string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE approval_side_effect_failures
		SET attempts = attempts + 1, error = $2, last_attempt_at = $3
		WHERE id = $1 AND resolved_at IS NULL
	`, id, lastErr, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update side-effect failure")
	}
	return nil
}
