// Package repository persists workflow definitions, approval instances, their
// steps, the audit log and recorded side-effect failures.
package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both the pool and an open transaction, so helpers
// can run inside or outside InTransaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

// TransitionFunc inspects a locked instance and the step at its current
// position and mutates both in place. The audit entry it returns is written in
// the same transaction. Returning an error aborts without changes.
type TransitionFunc func(inst *ApprovalInstance, step *ApprovalStep) (*AuditEntry, error)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
