// Package ingest turns pasted or uploaded free-text deal notes into
// structured MEDDPICC-TB scoring data, applied through the same scoring
// engine as the live conversation.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forecastly/dealreview/internal/jsonscan"
	"github.com/forecastly/dealreview/internal/llm"
	"github.com/forecastly/dealreview/internal/meddpicc"
	"github.com/forecastly/dealreview/internal/store"
)

// LLM is the blocking model surface; tool calling is disabled here.
type LLM interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// RubricStore gates extraction: without score definitions for the org the
// extractor refuses to guess.
type RubricStore interface {
	GetRubric(ctx context.Context, orgID string, category meddpicc.Category) []meddpicc.ScoreDefinition
}

type Extractor struct {
	llm    LLM
	rubric RubricStore
	logger *slog.Logger
}

func NewExtractor(llmClient LLM, rubricStore RubricStore, logger *slog.Logger) *Extractor {
	return &Extractor{llm: llmClient, rubric: rubricStore, logger: logger}
}

// Extract runs one non-conversational extraction over rawNotes. A missing
// org rubric yields the sentinel rubric-unavailable extraction rather than
// a guess; an unparseable model response is retried exactly once with a
// correction, then fails hard.
func (e *Extractor) Extract(ctx context.Context, deal *store.Opportunity, rawNotes, orgID string) (*Extraction, error) {
	// Availability is judged across every category: an org with a partial
	// rubric still gets an extraction against what it has.
	var rubricText strings.Builder
	for _, c := range meddpicc.AllCategories {
		for _, d := range e.rubric.GetRubric(ctx, orgID, c) {
			fmt.Fprintf(&rubricText, "%s %d — %s: %s\n", c, d.Score, d.Label, d.Criteria)
		}
	}
	if rubricText.Len() == 0 {
		e.logger.Warn("no score definitions for org, returning sentinel extraction", "org_id", orgID)
		return RubricUnavailable(), nil
	}

	input := []llm.InputItem{
		llm.UserMessage(fmt.Sprintf(userPromptTemplate, deal.Name, deal.ForecastStage, rubricText.String(), rawNotes)),
	}

	resp, err := e.llm.Complete(ctx, llm.Request{
		Instructions: systemPrompt,
		Input:        input,
		ToolChoice:   "none",
	})
	if err != nil {
		return nil, fmt.Errorf("llm extraction: %w", err)
	}

	if ex := TryParseExtraction(resp.Text()); ex != nil {
		return ex, nil
	}

	// One correction retry, then give up loudly.
	e.logger.Warn("extraction response was invalid JSON, retrying once", "org_id", orgID, "opportunity", deal.ID)
	input = append(input,
		llm.InputItem{Role: "assistant", Content: resp.Text()},
		llm.UserMessage(invalidJSONCorrection),
	)
	retry, err := e.llm.Complete(ctx, llm.Request{
		Instructions: systemPrompt,
		Input:        input,
		ToolChoice:   "none",
	})
	if err != nil {
		return nil, fmt.Errorf("llm extraction retry: %w", err)
	}
	if ex := TryParseExtraction(retry.Text()); ex != nil {
		return ex, nil
	}
	return nil, fmt.Errorf("extraction response invalid after retry: %q", truncate(retry.Text(), 200))
}

// TryParseExtraction parses a model response into an Extraction, tolerating
// markdown fences and surrounding prose. Returns nil — never panics — for
// anything that is not a complete payload with all required top-level keys.
func TryParseExtraction(raw string) *Extraction {
	obj, ok := jsonscan.ExtractObject(raw)
	if !ok {
		return nil
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &keys); err != nil {
		return nil
	}
	for _, k := range requiredKeys {
		if _, present := keys[k]; !present {
			return nil
		}
	}

	var ex Extraction
	if err := json.Unmarshal([]byte(obj), &ex); err != nil {
		return nil
	}
	return &ex
}

// RubricUnavailable is the sentinel extraction returned when an org has no
// score definitions: all signals missing, one high-severity risk flag.
func RubricUnavailable() *Extraction {
	meddpiccSignals := make(map[string]Signal, 8)
	for _, c := range meddpicc.AllCategories {
		if c == meddpicc.Timing || c == meddpicc.Budget {
			continue
		}
		meddpiccSignals[string(c)] = Signal{Signal: "missing"}
	}
	return &Extraction{
		Summary:  "Extraction skipped: no scoring rubric is configured for this organization.",
		MEDDPICC: meddpiccSignals,
		Timing:   Signal{Signal: "missing"},
		Budget:   Signal{Signal: "missing"},
		RiskFlags: []RiskFlag{{
			Severity: "high",
			Note:     "rubric_unavailable",
		}},
		ExtractionConfidence: 0,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
