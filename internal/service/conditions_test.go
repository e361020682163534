package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-erp-approvals/internal/adapter"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

func amount(v int64) *int64 { return &v }

func TestMatches(t *testing.T) {
	snap := &adapter.EntitySnapshot{
		Amount:     100_000_000,
		Attributes: []byte(`{"category":"Material","retention_pct":5,"supplier":{"name":"CV Maju","verified":true},"notes":null}`),
	}

	tests := []struct {
		name string
		cond *repository.StepConditions
		want bool
	}{
		{"nil conditions", nil, true},
		{"min amount inclusive", &repository.StepConditions{MinAmount: amount(100_000_000)}, true},
		{"below min amount", &repository.StepConditions{MinAmount: amount(100_000_001)}, false},
		{"max amount inclusive", &repository.StepConditions{MaxAmount: amount(100_000_000)}, true},
		{"above max amount", &repository.StepConditions{MaxAmount: amount(99_999_999)}, false},
		{"single value band", &repository.StepConditions{MinAmount: amount(100_000_000), MaxAmount: amount(100_000_000)}, true},
		{"within range", &repository.StepConditions{MinAmount: amount(1), MaxAmount: amount(200_000_000)}, true},
		{"eq case insensitive", attrs("category", "eq", "material"), true},
		{"neq", attrs("category", "neq", "service"), true},
		{"neq on missing", attrs("discount", "neq", 1), true},
		{"nested eq", attrs("supplier.name", "eq", "CV Maju"), true},
		{"bool eq", attrs("supplier.verified", "eq", true), true},
		{"null eq", attrs("notes", "eq", nil), true},
		{"gt", attrs("retention_pct", "gt", 4), true},
		{"lte", attrs("retention_pct", "lte", 4.5), false},
		{"gte on missing", attrs("discount", "gte", 0), false},
		{"in", attrs("category", "in", []any{"equipment", "material"}), true},
		{"not in", attrs("category", "in", []any{"service"}), false},
		{"exists", attrs("supplier", "exists", nil), true},
		{"exists false", attrs("discount", "exists", false), true},
		{"all criteria must hold", &repository.StepConditions{
			MinAmount: amount(1),
			Attributes: []repository.AttributeCondition{
				{Path: "category", Op: "eq", Value: "material"},
				{Path: "retention_pct", Op: "gt", Value: 10},
			},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.cond, snap))
		})
	}
}

func attrs(path, op string, value any) *repository.StepConditions {
	return &repository.StepConditions{Attributes: []repository.AttributeCondition{{Path: path, Op: op, Value: value}}}
}

func TestSelectStepsKeepsTemplateOrder(t *testing.T) {
	templates := []repository.StepTemplate{
		{Order: 1, Name: "PM", RequiredRole: "project_manager"},
		{Order: 2, Name: "Director", RequiredRole: "director", Conditions: &repository.StepConditions{MinAmount: amount(500)}},
		{Order: 3, Name: "Finance", RequiredRole: "finance"},
	}

	got := SelectSteps(templates, &adapter.EntitySnapshot{Amount: 100})
	assert.Len(t, got, 2)
	assert.Equal(t, "PM", got[0].Name)
	assert.Equal(t, "Finance", got[1].Name)

	assert.Len(t, SelectSteps(templates, &adapter.EntitySnapshot{Amount: 500}), 3)
}

func TestValidateConditions(t *testing.T) {
	assert.NoError(t, ValidateConditions(nil))
	assert.NoError(t, ValidateConditions(attrs("a", "in", []any{"x"})))

	for name, c := range map[string]*repository.StepConditions{
		"inverted range": {MinAmount: amount(11), MaxAmount: amount(10)},
		"missing path":   attrs("", "eq", "x"),
		"unknown op":     attrs("a", "like", "x"),
		"in needs list":  attrs("a", "in", "x"),
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(ValidateConditions(c)))
		})
	}
}
