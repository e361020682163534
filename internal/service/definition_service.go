package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// DefinitionService resolves and versions workflow definitions. Active
// definitions are cached per process; a new version evicts the cached one.
type DefinitionService struct {
	store DefinitionStore
	cache *ttlcache.Cache[string, *repository.WorkflowDefinition]
	log   *logger.Logger
}

// NewDefinitionService creates a new DefinitionService.
func NewDefinitionService(store DefinitionStore, cacheTTL time.Duration, log *logger.Logger) *DefinitionService {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *repository.WorkflowDefinition](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *repository.WorkflowDefinition](),
	)
	return &DefinitionService{store: store, cache: cache, log: log}
}

func definitionKey(entityType repository.EntityType, name string) string {
	return string(entityType) + "/" + name
}

// Resolve returns the active definition for (entityType, name) or
// WORKFLOW_NOT_FOUND.
func (s *DefinitionService) Resolve(ctx context.Context, entityType repository.EntityType, name string) (*repository.WorkflowDefinition, error) {
	key := definitionKey(entityType, name)
	if item := s.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	def, err := s.store.GetActive(ctx, entityType, name)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, def, ttlcache.DefaultTTL)
	return def, nil
}

// Get returns a definition by id, active or not.
func (s *DefinitionService) Get(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	return s.store.GetByID(ctx, id)
}

// List returns definitions, optionally narrowed to one entity type.
func (s *DefinitionService) List(ctx context.Context, entityType repository.EntityType, activeOnly bool) ([]*repository.WorkflowDefinition, error) {
	if entityType != "" && !entityType.Valid() {
		return nil, errors.InvalidInput("entity_type", fmt.Sprintf("unsupported entity type %q", entityType))
	}
	return s.store.List(ctx, entityType, activeOnly)
}

// CreateVersion validates def and stores it as the next active version of
// its (entity_type, name). Step templates are stored sorted by order.
func (s *DefinitionService) CreateVersion(ctx context.Context, def *repository.WorkflowDefinition) (*repository.WorkflowDefinition, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	slices.SortFunc(def.Steps, func(a, b repository.StepTemplate) int { return a.Order - b.Order })

	if err := s.store.CreateVersion(ctx, def); err != nil {
		return nil, err
	}
	s.cache.Delete(definitionKey(def.EntityType, def.Name))

	s.log.Info().
		Str("definition_id", def.ID).
		Str("entity_type", string(def.EntityType)).
		Str("name", def.Name).
		Int("version", def.Version).
		Int("steps", len(def.Steps)).
		Msg("Workflow definition version created")

	return def, nil
}

// ValidateDefinition checks the structural rules of a definition: a known
// entity type, a name, and steps numbered 1..N without gaps.
func ValidateDefinition(def *repository.WorkflowDefinition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return errors.InvalidInput("name", "name is required")
	}
	if !def.EntityType.Valid() {
		return errors.InvalidInput("entity_type", fmt.Sprintf("unsupported entity type %q", def.EntityType))
	}
	if len(def.Steps) == 0 {
		return errors.InvalidInput("steps", "at least one step is required")
	}

	seen := make(map[int]bool, len(def.Steps))
	for _, st := range def.Steps {
		if st.Order < 1 || st.Order > len(def.Steps) || seen[st.Order] {
			return errors.InvalidInput("steps.order", "step orders must be unique and numbered 1..N")
		}
		seen[st.Order] = true
		if strings.TrimSpace(st.Name) == "" {
			return errors.InvalidInput("steps.name", fmt.Sprintf("step %d needs a name", st.Order))
		}
		if strings.TrimSpace(st.RequiredRole) == "" {
			return errors.InvalidInput("steps.required_role", fmt.Sprintf("step %d needs a required_role", st.Order))
		}
		if st.SLAHours < 0 {
			return errors.InvalidInput("steps.sla_hours", "sla_hours cannot be negative")
		}
		if err := ValidateConditions(st.Conditions); err != nil {
			return err
		}
	}
	return nil
}

// ── Seed file ────────────────────────────────────────────────────────────────

type seedFile struct {
	Workflows []seedWorkflow `yaml:"workflows"`
}

type seedWorkflow struct {
	Name        string                    `yaml:"name"`
	EntityType  repository.EntityType     `yaml:"entity_type"`
	Description string                    `yaml:"description"`
	Steps       []repository.StepTemplate `yaml:"steps"`
}

// LoadSeedFile reads a YAML seed file and applies it with LoadSeed.
func (s *DefinitionService) LoadSeedFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	return s.LoadSeed(ctx, data)
}

// LoadSeed creates a new version for every seeded workflow whose steps or
// description differ from the active version. Unchanged workflows are left
// alone, so loading the same file twice is a no-op. Returns the number of
// versions created.
func (s *DefinitionService) LoadSeed(ctx context.Context, data []byte) (int, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid workflow seed")
	}

	created := 0
	for _, w := range seed.Workflows {
		def := &repository.WorkflowDefinition{
			Name:        w.Name,
			EntityType:  w.EntityType,
			Description: w.Description,
			Steps:       w.Steps,
		}
		if err := ValidateDefinition(def); err != nil {
			return created, fmt.Errorf("workflow %q: %w", w.Name, err)
		}
		slices.SortFunc(def.Steps, func(a, b repository.StepTemplate) int { return a.Order - b.Order })

		current, err := s.store.GetActive(ctx, def.EntityType, def.Name)
		switch {
		case errors.HasCode(err, errors.ErrCodeWorkflowNotFound):
		case err != nil:
			return created, err
		case sameDefinition(current, def):
			continue
		}

		if _, err := s.CreateVersion(ctx, def); err != nil {
			return created, fmt.Errorf("workflow %q: %w", w.Name, err)
		}
		created++
	}
	return created, nil
}

func sameDefinition(a, b *repository.WorkflowDefinition) bool {
	if a.Description != b.Description {
		return false
	}
	// Compare through JSON so YAML ints and JSON floats in condition values
	// are treated alike.
	ja, errA := json.Marshal(a.Steps)
	jb, errB := json.Marshal(b.Steps)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
