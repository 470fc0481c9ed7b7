// Package meddpicc holds the MEDDPICC-TB domain model: the ten scored
// categories, the fixed review orderings, forecast-stage classification,
// and the health-score arithmetic shared by the conversation engine and
// the ingestion pipeline.
package meddpicc

import "strings"

// Category identifies one of the ten MEDDPICC-TB scoring categories.
type Category string

const (
	Pain             Category = "pain"
	Metrics          Category = "metrics"
	Champion         Category = "champion"
	EconomicBuyer    Category = "economic_buyer"
	DecisionCriteria Category = "decision_criteria"
	DecisionProcess  Category = "decision_process"
	PaperProcess     Category = "paper_process"
	Competition      Category = "competition"
	Timing           Category = "timing"
	Budget           Category = "budget"
)

// AllCategories is every scored category in canonical review order for a
// Best Case / Commit deal.
var AllCategories = []Category{
	Pain,
	Metrics,
	Champion,
	EconomicBuyer,
	DecisionCriteria,
	DecisionProcess,
	PaperProcess,
	Competition,
	Timing,
	Budget,
}

// PipelineCategories is the reduced ordering used for Pipeline-stage deals.
var PipelineCategories = []Category{
	Pain,
	Metrics,
	Champion,
	Competition,
	Budget,
}

// MinScore and MaxScore bound a category score. Zero means "not yet assessed".
const (
	MinScore = 0
	MaxScore = 3
)

// MaxHealthScore is the ceiling of the aggregate health score (10 categories x 3).
const MaxHealthScore = 30

// Valid reports whether c is one of the ten known categories.
func (c Category) Valid() bool {
	for _, k := range AllCategories {
		if c == k {
			return true
		}
	}
	return false
}

// SpokenName returns the name used in rep-facing speech. The word
// "champion" is never spoken to the rep; the agent says "Internal Sponsor".
func (c Category) SpokenName() string {
	switch c {
	case Pain:
		return "Pain"
	case Metrics:
		return "Metrics"
	case Champion:
		return "Internal Sponsor"
	case EconomicBuyer:
		return "Economic Buyer"
	case DecisionCriteria:
		return "Decision Criteria"
	case DecisionProcess:
		return "Decision Process"
	case PaperProcess:
		return "Paper Process"
	case Competition:
		return "Competition"
	case Timing:
		return "Timing"
	case Budget:
		return "Budget"
	}
	return string(c)
}

// ParseCategory resolves a category name, tolerating camelCase variants
// emitted by the model (e.g. "economicBuyer", "paperProcess").
func ParseCategory(s string) (Category, bool) {
	c := Category(camelToSnake(strings.TrimSpace(s)))
	if c.Valid() {
		return c, true
	}
	return "", false
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
