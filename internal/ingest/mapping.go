package ingest

import (
	"strings"

	"github.com/forecastly/dealreview/internal/meddpicc"
	"github.com/forecastly/dealreview/internal/store"
)

// IsRubricUnavailable reports whether the extraction is the sentinel
// produced when an org has no scoring rubric.
func (e *Extraction) IsRubricUnavailable() bool {
	for _, f := range e.RiskFlags {
		if f.Note == "rubric_unavailable" {
			return true
		}
	}
	return false
}

// ToSaveArgs maps an extraction into the sparse save shape consumed by the
// scoring engine. Signal strengths become scores when no explicit score is
// present; categories the extraction says nothing about are left untouched.
func (e *Extraction) ToSaveArgs(orgID, opportunityID, sourceType, jobID string, override bool) store.SaveArgs {
	args := store.SaveArgs{
		OrgID:            orgID,
		OpportunityID:    opportunityID,
		RunID:            jobID,
		ActorType:        "ingestion",
		Source:           "baseline",
		ScoreSource:      sourceType,
		OverrideBaseline: override,
	}

	signalFor := func(c meddpicc.Category) (Signal, bool) {
		switch c {
		case meddpicc.Timing:
			return e.Timing, e.Timing.Signal != ""
		case meddpicc.Budget:
			return e.Budget, e.Budget.Signal != ""
		default:
			s, ok := e.MEDDPICC[string(c)]
			return s, ok && s.Signal != ""
		}
	}

	for _, c := range meddpicc.AllCategories {
		sig, ok := signalFor(c)
		if !ok {
			continue
		}
		score := meddpicc.SignalScore(sig.Signal)
		if sig.Score != nil {
			score = *sig.Score
		}
		u := store.CategoryUpdate{Category: c, Score: &score}
		if strings.TrimSpace(sig.Evidence) != "" {
			evidence := sig.Evidence
			u.Summary = &evidence
		}
		if strings.TrimSpace(sig.Tip) != "" {
			tip := sig.Tip
			u.Tip = &tip
		}
		args.Updates = append(args.Updates, u)
	}

	if len(e.RiskFlags) > 0 {
		var notes []string
		for _, f := range e.RiskFlags {
			notes = append(notes, f.Severity+": "+f.Note)
		}
		risk := strings.Join(notes, "; ")
		args.RiskSummary = &risk
	}
	if len(e.NextSteps) > 0 {
		next := strings.Join(e.NextSteps, "; ")
		args.NextSteps = &next
	}

	return args
}
