package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

const pendingInstanceIndex = "approval_instances_one_pending"

// ApprovalInstanceRepository manages approval instances and is the only writer
// of instance and step rows. Instance and step creation, and every status
// transition, happen in a single transaction together with the audit entry.
type ApprovalInstanceRepository struct {
	db    *database.DB
	steps *ApprovalStepsRepository
	audit *ApprovalAuditRepository
}

// NewApprovalInstanceRepository creates a new ApprovalInstanceRepository.
func NewApprovalInstanceRepository(db *database.DB) *ApprovalInstanceRepository {
	return &ApprovalInstanceRepository{
		db:    db,
		steps: NewApprovalStepsRepository(db),
		audit: NewApprovalAuditRepository(db),
	}
}

const instanceColumns = `
	i.id, i.workflow_definition_id, i.workflow_name, i.entity_type, i.entity_id,
	i.entity_ref, i.amount, i.overall_status, i.current_step, i.total_steps,
	i.requested_by, i.requester_role, i.priority,
	i.created_at, i.updated_at, i.completed_at
`

// Create inserts an instance, its steps and the submission audit entry in one
// transaction. A second pending instance for the same entity is refused by the
// partial unique index and reported as DUPLICATE_SUBMISSION.
func (r *ApprovalInstanceRepository) Create(ctx context.Context, inst *ApprovalInstance, audit *AuditEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO approval_instances
			    (workflow_definition_id, workflow_name, entity_type, entity_id,
			     entity_ref, amount, overall_status, current_step, total_steps,
			     requested_by, requester_role, priority)
			VALUES ($1, $2, $3, $4,
			        $5, $6, $7, $8, $9,
			        $10, $11, $12)
			RETURNING id, created_at, updated_at
		`,
			inst.WorkflowDefinitionID,
			inst.WorkflowName,
			inst.EntityType,
			inst.EntityID,
			inst.EntityRef,
			inst.Amount,
			inst.OverallStatus,
			inst.CurrentStep,
			inst.TotalSteps,
			inst.RequestedBy,
			inst.RequesterRole,
			inst.Priority,
		).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
		if isUniqueViolation(err, pendingInstanceIndex) {
			return errors.Newf(errors.ErrCodeDuplicateSubmission,
				"%s %s already has a pending approval", inst.EntityType, inst.EntityID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
		}

		for _, step := range inst.Steps {
			step.ApprovalInstanceID = inst.ID
			if err := r.steps.insert(ctx, tx, step); err != nil {
				return err
			}
		}

		if audit != nil {
			audit.InstanceID = inst.ID
			if len(inst.Steps) > 0 {
				audit.StepID = &inst.Steps[0].ID
			}
			if err := r.audit.insert(ctx, tx, audit); err != nil {
				return err
			}
		}
		return nil
	})
}

// Transition locks the instance row, loads the step at current_step and lets
// decide mutate both. The step write is conditional on the status it had when
// read, so a concurrent writer that slipped past the lock still loses with
// NO_ACTIONABLE_STEP. Returns the instance with all steps after commit.
func (r *ApprovalInstanceRepository) Transition(ctx context.Context, instanceID string, decide TransitionFunc) (*ApprovalInstance, error) {
	var result *ApprovalInstance

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		inst, err := r.scanInstance(tx.QueryRow(ctx,
			`SELECT `+instanceColumns+` FROM approval_instances i WHERE i.id = $1 FOR UPDATE`, instanceID))
		if err == pgx.ErrNoRows {
			return errors.NotFound("approval_instance", instanceID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock approval instance")
		}

		step, err := r.steps.getByOrder(ctx, tx, inst.ID, inst.CurrentStep)
		if err != nil {
			return err
		}

		prevInstance := inst.OverallStatus
		prevStep := step.Status

		entry, err := decide(inst, step)
		if err != nil {
			return err
		}

		if err := r.steps.updateConditional(ctx, tx, step, prevStep); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE approval_instances
			SET overall_status = $2,
			    current_step   = $3,
			    completed_at   = $4,
			    updated_at     = NOW()
			WHERE id = $1 AND overall_status = $5
		`, inst.ID, inst.OverallStatus, inst.CurrentStep, inst.CompletedAt, prevInstance)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval instance")
		}
		if tag.RowsAffected() != 1 {
			return errors.New(errors.ErrCodeInstanceAlreadyFinalized, "approval instance is no longer pending")
		}

		if entry != nil {
			entry.InstanceID = inst.ID
			if entry.StepID == nil {
				entry.StepID = &step.ID
			}
			if err := r.audit.insert(ctx, tx, entry); err != nil {
				return err
			}
		}

		result, err = r.get(ctx, tx, inst.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetByID returns an instance with its steps.
func (r *ApprovalInstanceRepository) GetByID(ctx context.Context, id string) (*ApprovalInstance, error) {
	return r.get(ctx, r.db, id)
}

// GetLatestByEntity returns the most recent instance for an entity, terminal or not.
func (r *ApprovalInstanceRepository) GetLatestByEntity(ctx context.Context, entityType EntityType, entityID string) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances i
		WHERE i.entity_type = $1 AND i.entity_id = $2
		ORDER BY i.created_at DESC
		LIMIT 1
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", string(entityType)+"/"+entityID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval instance")
	}
	if err := r.attachSteps(ctx, r.db, []*ApprovalInstance{inst}); err != nil {
		return nil, err
	}
	return inst, nil
}

// FindPendingByEntity returns the entity's non-terminal instance, or nil.
func (r *ApprovalInstanceRepository) FindPendingByEntity(ctx context.Context, entityType EntityType, entityID string) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances i
		WHERE i.entity_type = $1 AND i.entity_id = $2 AND i.overall_status = 'pending'
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to check pending approval")
	}
	return inst, nil
}

// ListPendingForRole returns pending instances whose current step is pending
// and requires role, oldest first.
func (r *ApprovalInstanceRepository) ListPendingForRole(ctx context.Context, role string, limit int) ([]*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances i
		JOIN approval_steps s
		  ON s.approval_instance_id = i.id AND s.step_order = i.current_step
		WHERE i.overall_status = 'pending'
		  AND s.status = 'pending'
		  AND s.role = $1
		ORDER BY i.created_at ASC, i.id ASC
		LIMIT $2
	`
	return r.list(ctx, "failed to list pending approvals", query, role, ClampLimit(limit))
}

// ListHistory returns terminal instances, most recently updated first.
func (r *ApprovalInstanceRepository) ListHistory(ctx context.Context, limit int) ([]*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances i
		WHERE i.overall_status <> 'pending'
		ORDER BY i.updated_at DESC, i.id DESC
		LIMIT $1
	`
	return r.list(ctx, "failed to list approval history", query, ClampLimit(limit))
}

// ListByRequester returns an actor's submissions, newest first.
func (r *ApprovalInstanceRepository) ListByRequester(ctx context.Context, requestedBy string, limit int) ([]*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances i
		WHERE i.requested_by = $1
		ORDER BY i.created_at DESC, i.id DESC
		LIMIT $2
	`
	return r.list(ctx, "failed to list submissions", query, requestedBy, ClampLimit(limit))
}

// ListByEntity returns every instance ever opened for an entity, newest first.
func (r *ApprovalInstanceRepository) ListByEntity(ctx context.Context, entityType EntityType, entityID string, limit int) ([]*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM approval_instances i
		WHERE i.entity_type = $1 AND i.entity_id = $2
		ORDER BY i.created_at DESC, i.id DESC
		LIMIT $3
	`
	return r.list(ctx, "failed to list entity approvals", query, entityType, entityID, ClampLimit(limit))
}

// Stats counts instances created at or after since, by overall status.
func (r *ApprovalInstanceRepository) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE overall_status = 'pending'),
		       COUNT(*) FILTER (WHERE overall_status = 'approved'),
		       COUNT(*) FILTER (WHERE overall_status = 'rejected'),
		       COUNT(*)
		FROM approval_instances
		WHERE created_at >= $1
	`

	st := &Stats{}
	if err := r.db.QueryRow(ctx, query, since).Scan(&st.Pending, &st.Approved, &st.Rejected, &st.Total); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to compute approval stats")
	}
	return st, nil
}

// ListAudit returns the audit trail of an instance, oldest first.
func (r *ApprovalInstanceRepository) ListAudit(ctx context.Context, instanceID string) ([]*AuditEntry, error) {
	return r.audit.GetByInstanceID(ctx, instanceID)
}

// ListOverdueSteps returns actionable steps past due that were not yet flagged.
func (r *ApprovalInstanceRepository) ListOverdueSteps(ctx context.Context, now time.Time, limit int) ([]*OverdueStep, error) {
	return r.steps.ListOverdue(ctx, now, limit)
}

// MarkStepOverdue stamps overdue_flagged_at once. It reports false when the
// step was already flagged or is no longer pending.
func (r *ApprovalInstanceRepository) MarkStepOverdue(ctx context.Context, stepID string, at time.Time) (bool, error) {
	return r.steps.MarkOverdue(ctx, stepID, at)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (r *ApprovalInstanceRepository) get(ctx context.Context, q querier, id string) (*ApprovalInstance, error) {
	inst, err := r.scanInstance(q.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM approval_instances i WHERE i.id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval instance")
	}
	if err := r.attachSteps(ctx, q, []*ApprovalInstance{inst}); err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *ApprovalInstanceRepository) list(ctx context.Context, failMsg, query string, args ...any) ([]*ApprovalInstance, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, failMsg)
	}
	defer rows.Close()

	instances := []*ApprovalInstance{}
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval instance")
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, failMsg)
	}

	if err := r.attachSteps(ctx, r.db, instances); err != nil {
		return nil, err
	}
	return instances, nil
}

func (r *ApprovalInstanceRepository) attachSteps(ctx context.Context, q querier, instances []*ApprovalInstance) error {
	if len(instances) == 0 {
		return nil
	}
	ids := make([]string, len(instances))
	byID := make(map[string]*ApprovalInstance, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
		byID[inst.ID] = inst
		inst.Steps = []*ApprovalStep{}
	}

	steps, err := r.steps.listByInstances(ctx, q, ids)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if inst, ok := byID[s.ApprovalInstanceID]; ok {
			inst.Steps = append(inst.Steps, s)
		}
	}
	return nil
}

type instanceScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalInstanceRepository) scanInstance(row instanceScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.WorkflowDefinitionID,
		&inst.WorkflowName,
		&inst.EntityType,
		&inst.EntityID,
		&inst.EntityRef,
		&inst.Amount,
		&inst.OverallStatus,
		&inst.CurrentStep,
		&inst.TotalSteps,
		&inst.RequestedBy,
		&inst.RequesterRole,
		&inst.Priority,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
