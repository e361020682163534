package adapter

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

type entityFile struct {
	Entities []struct {
		EntityType repository.EntityType `yaml:"entity_type"`
		EntityID   string                `yaml:"entity_id"`
		Reference  string                `yaml:"reference"`
		Amount     int64                 `yaml:"amount"`
		ProjectID  string                `yaml:"project_id"`
		Attributes map[string]any        `yaml:"attributes"`
	} `yaml:"entities"`
}

// LoadEntities fills the set from a YAML document of the form
// "entities: [{entity_type, entity_id, reference, amount, project_id, attributes}]".
func (s *MemorySet) LoadEntities(data []byte) (int, error) {
	var f entityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse entities: %w", err)
	}

	byType := map[repository.EntityType]*MemoryAdapter{
		repository.EntityRAB:           s.RAB,
		repository.EntityPurchaseOrder: s.PurchaseOrder,
		repository.EntityBeritaAcara:   s.BeritaAcara,
		repository.EntityPayment:       s.Payment,
	}
	for i, e := range f.Entities {
		a, ok := byType[e.EntityType]
		if !ok || e.EntityID == "" {
			return i, fmt.Errorf("entity %d: unknown entity_type %q or empty entity_id", i, e.EntityType)
		}
		snap := EntitySnapshot{
			EntityID:  e.EntityID,
			Reference: e.Reference,
			Amount:    e.Amount,
			ProjectID: e.ProjectID,
		}
		if len(e.Attributes) > 0 {
			raw, err := json.Marshal(e.Attributes)
			if err != nil {
				return i, fmt.Errorf("entity %s: %w", e.EntityID, err)
			}
			snap.Attributes = raw
		}
		a.Put(snap)
	}
	return len(f.Entities), nil
}

// LoadEntitiesFile reads path and applies LoadEntities.
func (s *MemorySet) LoadEntitiesFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read entities file: %w", err)
	}
	return s.LoadEntities(data)
}
