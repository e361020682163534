package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// ApprovalStepsRepository handles reads and updates on individual approval steps.
// Step creation and status changes go through ApprovalInstanceRepository so
// they share its transaction.
type ApprovalStepsRepository struct {
	db *database.DB
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(db *database.DB) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{db: db}
}

const stepColumns = `
	id, approval_instance_id, step_order, step_name, role, status,
	approved_by, approved_at, comments, due_at, overdue_flagged_at,
	created_at, updated_at
`

// GetByInstanceID returns all steps for an instance ordered by step_order.
func (r *ApprovalStepsRepository) GetByInstanceID(ctx context.Context, instanceID string) ([]*ApprovalStep, error) {
	return r.listByInstances(ctx, r.db, []string{instanceID})
}

// ListOverdue returns pending steps at their instance's current position whose
// due_at has passed and that have not been flagged yet.
func (r *ApprovalStepsRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*OverdueStep, error) {
	query := `
		SELECT s.id, s.approval_instance_id, i.entity_type, i.entity_id,
		       s.step_order, s.step_name, s.role, s.due_at
		FROM approval_steps s
		JOIN approval_instances i
		  ON i.id = s.approval_instance_id AND i.current_step = s.step_order
		WHERE i.overall_status = 'pending'
		  AND s.status = 'pending'
		  AND s.overdue_flagged_at IS NULL
		  AND s.due_at < $1
		ORDER BY s.due_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, ClampLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list overdue steps")
	}
	defer rows.Close()

	var out []*OverdueStep
	for rows.Next() {
		o := &OverdueStep{}
		if err := rows.Scan(&o.StepID, &o.InstanceID, &o.EntityType, &o.EntityID,
			&o.StepOrder, &o.StepName, &o.Role, &o.DueAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan overdue step")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOverdue stamps overdue_flagged_at if the step is still pending and
// unflagged.
func (r *ApprovalStepsRepository) MarkOverdue(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_steps
		SET overdue_flagged_at = $2
		WHERE id = $1
		  AND status = 'pending'
		  AND overdue_flagged_at IS NULL
	`, id, at)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to flag overdue step")
	}
	return tag.RowsAffected() == 1, nil
}

// ── transactional helpers ────────────────────────────────────────────────────

func (r *ApprovalStepsRepository) insert(ctx context.Context, q querier, step *ApprovalStep) error {
	err := q.QueryRow(ctx, `
		INSERT INTO approval_steps
		    (approval_instance_id, step_order, step_name, role, status, due_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`,
		step.ApprovalInstanceID,
		step.StepOrder,
		step.StepName,
		step.Role,
		step.Status,
		step.DueAt,
	).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
	}
	return nil
}

func (r *ApprovalStepsRepository) getByOrder(ctx context.Context, q querier, instanceID string, order int) (*ApprovalStep, error) {
	step, err := r.scanStep(q.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM approval_steps WHERE approval_instance_id = $1 AND step_order = $2`,
		instanceID, order))
	if err == pgx.ErrNoRows {
		return nil, errors.New(errors.ErrCodeNoActionableStep, "no step at the current position")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get current step")
	}
	return step, nil
}

// updateConditional writes the step only if it still has status from.
func (r *ApprovalStepsRepository) updateConditional(ctx context.Context, q querier, step *ApprovalStep, from StepStatus) error {
	err := q.QueryRow(ctx, `
		UPDATE approval_steps
		SET status      = $3,
		    approved_by = $4,
		    approved_at = $5,
		    comments    = $6,
		    updated_at  = NOW()
		WHERE id = $1 AND status = $2
		RETURNING updated_at
	`,
		step.ID,
		from,
		step.Status,
		step.ApprovedBy,
		step.ApprovedAt,
		step.Comments,
	).Scan(&step.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeNoActionableStep, "step was acted on concurrently")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval step")
	}
	return nil
}

func (r *ApprovalStepsRepository) listByInstances(ctx context.Context, q querier, instanceIDs []string) ([]*ApprovalStep, error) {
	rows, err := q.Query(ctx, `SELECT `+stepColumns+`
		FROM approval_steps
		WHERE approval_instance_id = ANY($1)
		ORDER BY approval_instance_id, step_order ASC
	`, instanceIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	var steps []*ApprovalStep
	for rows.Next() {
		s, err := r.scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type stepScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalStepsRepository) scanStep(row stepScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.ApprovalInstanceID,
		&s.StepOrder,
		&s.StepName,
		&s.Role,
		&s.Status,
		&s.ApprovedBy,
		&s.ApprovedAt,
		&s.Comments,
		&s.DueAt,
		&s.OverdueFlaggedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
