// Package adapter is the seam between the approval engine and the business
// records it governs. Each entity type has one Adapter; the engine never
// touches entity tables directly.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// EntitySnapshot is the read-only view of an entity used for routing
// conditions and display.
type EntitySnapshot struct {
	EntityType repository.EntityType `json:"entity_type"`
	EntityID   string                `json:"entity_id"`
	Reference  string                `json:"reference,omitempty"`
	Amount     int64                 `json:"amount"`
	ProjectID  string                `json:"project_id,omitempty"`
	Attributes json.RawMessage       `json:"attributes,omitempty"`
}

// Adapter translates engine calls into updates on one entity type.
type Adapter interface {
	EntityType() repository.EntityType
	// Fetch returns ENTITY_NOT_FOUND when the record does not exist.
	Fetch(ctx context.Context, entityID string) (*EntitySnapshot, error)
	// ApplyStatus writes the approval_status mirror column.
	ApplyStatus(ctx context.Context, entityID string, status repository.InstanceStatus) error
	// OnApproved runs the cross-entity side effect. It must be idempotent.
	OnApproved(ctx context.Context, entityID string) error
}

// Registry resolves adapters by entity type.
type Registry struct {
	adapters map[repository.EntityType]Adapter
}

// NewRegistry builds a registry; a later adapter for the same type wins.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[repository.EntityType]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.EntityType()] = a
	}
	return r
}

// Get returns the adapter for t.
func (r *Registry) Get(t repository.EntityType) (Adapter, error) {
	a, ok := r.adapters[t]
	if !ok {
		return nil, errors.InvalidInput("entity_type", fmt.Sprintf("unsupported entity type %q", t))
	}
	return a, nil
}

func entityNotFound(t repository.EntityType, id string) error {
	return errors.Newf(errors.ErrCodeEntityNotFound, "%s not found: %s", t, id)
}
