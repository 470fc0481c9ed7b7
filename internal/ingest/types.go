package ingest

// Signal is one category's extracted evidence from free-text notes.
// Strength maps to a score (strong=3, medium=2, weak=1, missing=0) when no
// explicit numeric score is present.
type Signal struct {
	Signal   string `json:"signal"` // strong | medium | weak | missing
	Score    *int   `json:"score,omitempty"`
	Evidence string `json:"evidence"`
	Tip      string `json:"tip,omitempty"`
}

// RiskFlag is a deal-level risk surfaced by the extraction.
type RiskFlag struct {
	Severity string `json:"severity"` // low | medium | high
	Note     string `json:"note"`
}

// Extraction is the strict JSON schema the model must produce for one
// opportunity's notes.
type Extraction struct {
	Summary              string            `json:"summary"`
	MEDDPICC             map[string]Signal `json:"meddpicc"`
	Timing               Signal            `json:"timing"`
	Budget               Signal            `json:"budget"`
	RiskFlags            []RiskFlag        `json:"risk_flags"`
	NextSteps            []string          `json:"next_steps"`
	FollowUpQuestions    []string          `json:"follow_up_questions"`
	ExtractionConfidence float64           `json:"extraction_confidence"`
}

// requiredKeys are the top-level keys an extraction payload must carry to
// be accepted.
var requiredKeys = []string{
	"summary", "meddpicc", "timing", "budget",
	"risk_flags", "next_steps", "follow_up_questions", "extraction_confidence",
}

// BatchJob is a queued ingestion of many rows from one upload.
type BatchJob struct {
	JobID    string     `json:"job_id"`
	OrgID    string     `json:"org_id"`
	FileName string     `json:"file_name"`
	Rows     []BatchRow `json:"rows"`
}

// BatchRow is one opportunity's raw notes within a batch job.
type BatchRow struct {
	CRMOppID string `json:"crm_opp_id"`
	RawText  string `json:"raw_text"`
}

// SingleJob is a queued ingestion of one opportunity's notes.
type SingleJob struct {
	JobID            string `json:"job_id"`
	OrgID            string `json:"org_id"`
	OpportunityID    string `json:"opportunity_id"`
	RawText          string `json:"raw_text"`
	SourceType       string `json:"source_type"`
	OverrideBaseline bool   `json:"override_baseline"`
}

// Progress is the per-batch accounting published while a job runs and as
// its terminal result. Row outcomes are independent: one bad row never
// aborts the rest.
type Progress struct {
	JobID                 string  `json:"job_id"`
	Processed             int     `json:"processed"`
	OK                    int     `json:"ok"`
	SkippedOutOfScope     int     `json:"skipped_out_of_scope"`
	SkippedBaselineExists int     `json:"skipped_baseline_exists"`
	Failed                int     `json:"failed"`
	Percent               float64 `json:"percent"`
}
