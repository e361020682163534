package client

import "context"

// FinanceRecorder books the finance transaction that follows an approved
// progress payment. Implementations must be idempotent on
// (SourceType, SourceID).
type FinanceRecorder interface {
	RecordTransaction(ctx context.Context, tx *FinanceTransaction) error
}

// EventPublisher fans approval events out to subscribers. Publishing is
// best-effort: failures are logged and never returned to the caller.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event)
	Close() error
}
