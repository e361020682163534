package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pesio-ai/be-erp-approvals/internal/adapter"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

var conditionOps = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true, "lt": true, "lte": true, "exists": true, "in": true,
}

// ValidateConditions rejects malformed conditions before a definition is stored.
func ValidateConditions(c *repository.StepConditions) error {
	if c == nil {
		return nil
	}
	if c.MinAmount != nil && c.MaxAmount != nil && *c.MinAmount > *c.MaxAmount {
		return errors.InvalidInput("conditions.min_amount", "min_amount must not exceed max_amount")
	}
	for _, a := range c.Attributes {
		if a.Path == "" {
			return errors.InvalidInput("conditions.attributes.path", "path is required")
		}
		if !conditionOps[a.Op] {
			return errors.InvalidInput("conditions.attributes.op", fmt.Sprintf("unsupported op %q", a.Op))
		}
		if a.Op == "in" {
			if _, ok := a.Value.([]any); !ok {
				return errors.InvalidInput("conditions.attributes.value", "op in requires a list value")
			}
		}
	}
	return nil
}

// Matches reports whether a step with conditions c applies to snap.
func Matches(c *repository.StepConditions, snap *adapter.EntitySnapshot) bool {
	if c == nil {
		return true
	}
	if c.MinAmount != nil && snap.Amount < *c.MinAmount {
		return false
	}
	if c.MaxAmount != nil && snap.Amount > *c.MaxAmount {
		return false
	}
	for _, a := range c.Attributes {
		if !matchAttribute(a, gjson.GetBytes(snap.Attributes, a.Path)) {
			return false
		}
	}
	return true
}

// SelectSteps keeps the templates whose conditions match, in template order.
func SelectSteps(templates []repository.StepTemplate, snap *adapter.EntitySnapshot) []repository.StepTemplate {
	out := make([]repository.StepTemplate, 0, len(templates))
	for _, t := range templates {
		if Matches(t.Conditions, snap) {
			out = append(out, t)
		}
	}
	return out
}

func matchAttribute(c repository.AttributeCondition, got gjson.Result) bool {
	switch c.Op {
	case "exists":
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return got.Exists() == want
	case "eq":
		return got.Exists() && equalValue(got, c.Value)
	case "neq":
		return !got.Exists() || !equalValue(got, c.Value)
	case "in":
		list, _ := c.Value.([]any)
		for _, v := range list {
			if got.Exists() && equalValue(got, v) {
				return true
			}
		}
		return false
	case "gt", "gte", "lt", "lte":
		want, ok := toFloat(c.Value)
		if !ok || !got.Exists() {
			return false
		}
		have := got.Float()
		if got.Type == gjson.String {
			f, err := strconv.ParseFloat(got.Str, 64)
			if err != nil {
				return false
			}
			have = f
		}
		switch c.Op {
		case "gt":
			return have > want
		case "gte":
			return have >= want
		case "lt":
			return have < want
		default:
			return have <= want
		}
	}
	return false
}

func equalValue(got gjson.Result, want any) bool {
	switch w := want.(type) {
	case nil:
		return got.Type == gjson.Null
	case bool:
		return (got.Type == gjson.True || got.Type == gjson.False) && got.Bool() == w
	case string:
		return strings.EqualFold(got.String(), w)
	default:
		f, ok := toFloat(w)
		return ok && got.Type == gjson.Number && got.Float() == f
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
