package engine

import (
	"github.com/forecastly/dealreview/internal/llm"
	"github.com/forecastly/dealreview/internal/meddpicc"
)

const (
	toolSaveDealData = "save_deal_data"
	toolAdvanceDeal  = "advance_deal"
)

// saveDealDataTool declares the sparse per-category save schema: for each
// category an optional score/summary/tip triple, plus wrap and entity fields.
func saveDealDataTool() llm.Tool {
	props := map[string]any{}
	for _, c := range meddpicc.AllCategories {
		props[string(c)+"_score"] = map[string]any{
			"type":        "integer",
			"minimum":     meddpicc.MinScore,
			"maximum":     meddpicc.MaxScore,
			"description": "Score for " + c.SpokenName(),
		}
		props[string(c)+"_summary"] = map[string]any{
			"type":        "string",
			"description": "Evidence summary for " + c.SpokenName(),
		}
		props[string(c)+"_tip"] = map[string]any{
			"type":        "string",
			"description": "Coaching tip for " + c.SpokenName(),
		}
	}
	for name, desc := range map[string]string{
		"risk_summary":   "Deal-level risk summary, spoken during the wrap",
		"next_steps":     "Deal-level next steps, spoken during the wrap",
		"champion_name":  "Internal Sponsor's name",
		"champion_title": "Internal Sponsor's title",
		"eb_name":        "Economic buyer's name",
		"eb_title":       "Economic buyer's title",
	} {
		props[name] = map[string]any{"type": "string", "description": desc}
	}

	return llm.Tool{
		Type:        "function",
		Name:        toolSaveDealData,
		Description: "Save scoring data for exactly one category of the current deal, or the end-of-deal wrap fields.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
		},
	}
}

func advanceDealTool() llm.Tool {
	return llm.Tool{
		Type:        "function",
		Name:        toolAdvanceDeal,
		Description: "Advance to the next deal in the review queue. Only valid after the wrap has been saved and the health sentence spoken.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

func turnTools() []llm.Tool {
	return []llm.Tool{saveDealDataTool(), advanceDealTool()}
}
