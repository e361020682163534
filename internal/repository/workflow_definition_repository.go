package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// WorkflowDefinitionRepository handles versioned workflow definitions.
// Definitions are never edited in place: a change is a new version.
type WorkflowDefinitionRepository struct {
	db *database.DB
}

// NewWorkflowDefinitionRepository creates a new WorkflowDefinitionRepository.
func NewWorkflowDefinitionRepository(db *database.DB) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db}
}

const definitionColumns = `
	id, name, entity_type, version, COALESCE(description, ''),
	step_templates, is_active, created_at, updated_at
`

// CreateVersion inserts def as the next version of (entity_type, name) and
// deactivates the previous active version in the same transaction.
func (r *WorkflowDefinitionRepository) CreateVersion(ctx context.Context, def *WorkflowDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal step templates")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// Serialise concurrent version bumps for the same definition name.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
			string(def.EntityType)+"/"+def.Name); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow definition")
		}

		var latest int
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version), 0)
			FROM workflow_definitions
			WHERE entity_type = $1 AND name = $2
		`, def.EntityType, def.Name).Scan(&latest)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read latest definition version")
		}

		if _, err := tx.Exec(ctx, `
			UPDATE workflow_definitions
			SET is_active = FALSE, updated_at = NOW()
			WHERE entity_type = $1 AND name = $2 AND is_active
		`, def.EntityType, def.Name); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate previous definition")
		}

		def.Version = latest + 1
		def.IsActive = true
		err = tx.QueryRow(ctx, `
			INSERT INTO workflow_definitions
			    (name, entity_type, version, description, step_templates, is_active)
			VALUES ($1, $2, $3, $4, $5, TRUE)
			RETURNING id, created_at, updated_at
		`,
			def.Name,
			def.EntityType,
			def.Version,
			strPtr(def.Description),
			stepsJSON,
		).Scan(&def.ID, &def.CreatedAt, &def.UpdatedAt)
		if isUniqueViolation(err, "") {
			return errors.New(errors.ErrCodeConflict, "workflow definition was modified concurrently")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow definition")
		}
		return nil
	})
}

// GetByID retrieves a definition by primary key, active or not.
func (r *WorkflowDefinitionRepository) GetByID(ctx context.Context, id string) (*WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE id = $1`

	def, err := r.scanDefinition(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_definition", id)
	}
	return def, err
}

// GetActive returns the active definition for (entityType, name).
func (r *WorkflowDefinitionRepository) GetActive(ctx context.Context, entityType EntityType, name string) (*WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE entity_type = $1 AND name = $2 AND is_active
	`

	def, err := r.scanDefinition(r.db.QueryRow(ctx, query, entityType, name))
	if err == pgx.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodeWorkflowNotFound,
			"no active workflow %q for entity type %s", name, entityType)
	}
	return def, err
}

// List returns definitions, optionally narrowed to one entity type and to
// active versions only. An empty entityType lists all types.
func (r *WorkflowDefinitionRepository) List(ctx context.Context, entityType EntityType, activeOnly bool) ([]*WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE ($1 = '' OR entity_type = $1)
	`
	if activeOnly {
		query += " AND is_active"
	}
	query += " ORDER BY entity_type ASC, name ASC, version DESC"

	rows, err := r.db.Query(ctx, query, string(entityType))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow definitions")
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		def, err := r.scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow definition")
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type definitionScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowDefinitionRepository) scanDefinition(row definitionScanner) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	var stepsJSON []byte

	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.EntityType,
		&def.Version,
		&def.Description,
		&stepsJSON,
		&def.IsActive,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal step templates")
	}
	return def, nil
}
