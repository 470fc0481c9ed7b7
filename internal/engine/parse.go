package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/forecastly/dealreview/internal/meddpicc"
	"github.com/forecastly/dealreview/internal/store"
)

// saveCall is the decoded, enum-keyed form of a save_deal_data invocation.
// Categories are resolved explicitly here so nothing downstream ever infers
// a category from a string suffix again.
type saveCall struct {
	Updates     []store.CategoryUpdate
	RiskSummary *string
	NextSteps   *string
	Entity      store.EntityFields
}

// Categories returns the distinct categories the call references, in
// canonical order.
func (c *saveCall) Categories() []meddpicc.Category {
	seen := map[meddpicc.Category]bool{}
	for _, u := range c.Updates {
		seen[u.Category] = true
	}
	cats := make([]meddpicc.Category, 0, len(seen))
	for k := range seen {
		cats = append(cats, k)
	}
	sort.Slice(cats, func(i, j int) bool { return string(cats[i]) < string(cats[j]) })
	return cats
}

// WrapComplete reports whether both wrap fields are present and non-empty.
func (c *saveCall) WrapComplete() bool {
	return c.RiskSummary != nil && strings.TrimSpace(*c.RiskSummary) != "" &&
		c.NextSteps != nil && strings.TrimSpace(*c.NextSteps) != ""
}

// WrapPartial reports whether exactly one wrap field is present.
func (c *saveCall) WrapPartial() bool {
	hasRisk := c.RiskSummary != nil && strings.TrimSpace(*c.RiskSummary) != ""
	hasNext := c.NextSteps != nil && strings.TrimSpace(*c.NextSteps) != ""
	return hasRisk != hasNext
}

// HasEntity reports whether any entity field is present.
func (c *saveCall) HasEntity() bool {
	return c.Entity.ChampionName != nil || c.Entity.ChampionTitle != nil ||
		c.Entity.EBName != nil || c.Entity.EBTitle != nil
}

// parseSaveArgs decodes the model's save_deal_data arguments, tolerating
// camelCase field names. Unknown fields are an error so a misspelled
// category can never silently vanish.
func parseSaveArgs(arguments string) (*saveCall, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(arguments), &raw); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}

	call := &saveCall{}
	updates := map[meddpicc.Category]*store.CategoryUpdate{}

	for key, val := range raw {
		norm := normalizeKey(key)
		switch norm {
		case "risk_summary":
			s, err := decodeString(val)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			call.RiskSummary = &s
			continue
		case "next_steps":
			s, err := decodeString(val)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			call.NextSteps = &s
			continue
		case "champion_name", "champion_title", "eb_name", "eb_title":
			s, err := decodeString(val)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			switch norm {
			case "champion_name":
				call.Entity.ChampionName = &s
			case "champion_title":
				call.Entity.ChampionTitle = &s
			case "eb_name":
				call.Entity.EBName = &s
			case "eb_title":
				call.Entity.EBTitle = &s
			}
			continue
		}

		cat, field, ok := splitCategoryField(norm)
		if !ok {
			return nil, fmt.Errorf("unknown field %q", key)
		}
		u := updates[cat]
		if u == nil {
			u = &store.CategoryUpdate{Category: cat}
			updates[cat] = u
		}
		switch field {
		case "score":
			var n float64
			if err := json.Unmarshal(val, &n); err != nil {
				return nil, fmt.Errorf("field %s: expected number: %w", key, err)
			}
			score := int(n)
			u.Score = &score
		case "summary":
			s, err := decodeString(val)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			u.Summary = &s
		case "tip":
			s, err := decodeString(val)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			u.Tip = &s
		}
	}

	for _, c := range meddpicc.AllCategories {
		if u, ok := updates[c]; ok {
			call.Updates = append(call.Updates, *u)
		}
	}
	return call, nil
}

// splitCategoryField resolves "<category>_score|_summary|_tip" into its
// explicit category and field parts.
func splitCategoryField(key string) (meddpicc.Category, string, bool) {
	for _, suffix := range []string{"_score", "_summary", "_tip"} {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		cat, ok := meddpicc.ParseCategory(strings.TrimSuffix(key, suffix))
		if !ok {
			return "", "", false
		}
		return cat, strings.TrimPrefix(suffix, "_"), true
	}
	return "", "", false
}

func normalizeKey(key string) string {
	return strings.ToLower(camelToSnake(strings.TrimSpace(key)))
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '_' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func decodeString(val json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return "", fmt.Errorf("expected string")
	}
	return s, nil
}
