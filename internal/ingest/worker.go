package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/forecastly/dealreview/internal/bus"
	"github.com/forecastly/dealreview/internal/store"
)

const (
	rowConcurrency = 2
	batchSize      = 100
)

// Row outcomes. Rows are independent: a bad row is counted, not fatal.
const (
	outcomeOK                    = "ok"
	outcomeSkippedOutOfScope     = "skipped_out_of_scope"
	outcomeSkippedBaselineExists = "skipped_baseline_exists"
	outcomeFailed                = "failed"
)

// Saver is the slice of the store the ingestion pipeline needs.
type Saver interface {
	GetOpportunity(ctx context.Context, orgID, opportunityID string) (*store.Opportunity, error)
	ApplyCategorySave(ctx context.Context, args store.SaveArgs) (*store.SaveResult, error)
}

// Pipeline runs one opportunity's notes through extraction and the scoring
// engine's single write path.
type Pipeline struct {
	extractor *Extractor
	saver     Saver
	logger    *slog.Logger
}

func NewPipeline(extractor *Extractor, saver Saver, logger *slog.Logger) *Pipeline {
	return &Pipeline{extractor: extractor, saver: saver, logger: logger}
}

// IngestOne extracts and applies one row, returning the row's outcome. The
// returned error carries detail for failed rows; skips are not errors.
func (p *Pipeline) IngestOne(ctx context.Context, orgID, opportunityID, rawText, sourceType, jobID string, override bool) (string, error) {
	deal, err := p.saver.GetOpportunity(ctx, orgID, opportunityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return outcomeSkippedOutOfScope, nil
		}
		return outcomeFailed, fmt.Errorf("load opportunity %s: %w", opportunityID, err)
	}
	if deal.Closed() {
		return outcomeSkippedOutOfScope, nil
	}
	if deal.BaselineHealthScoreTS != nil && !override {
		return outcomeSkippedBaselineExists, nil
	}

	ex, err := p.extractor.Extract(ctx, deal, rawText, orgID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("extract %s: %w", opportunityID, err)
	}
	if ex.IsRubricUnavailable() {
		return outcomeFailed, fmt.Errorf("extract %s: no scoring rubric configured for org %s", opportunityID, orgID)
	}

	res, err := p.saver.ApplyCategorySave(ctx, ex.ToSaveArgs(orgID, opportunityID, sourceType, jobID, override))
	if err != nil {
		return outcomeFailed, fmt.Errorf("save %s: %w", opportunityID, err)
	}
	if res.Skipped {
		switch res.SkipReason {
		case store.SkipBaselineExists:
			return outcomeSkippedBaselineExists, nil
		default:
			return outcomeSkippedOutOfScope, nil
		}
	}
	return outcomeOK, nil
}

// Worker consumes ingestion jobs off the bus and publishes progress and a
// terminal result per job.
type Worker struct {
	pipeline *Pipeline
	bus      *bus.Client
	logger   *slog.Logger
}

func NewWorker(pipeline *Pipeline, busClient *bus.Client, logger *slog.Logger) *Worker {
	return &Worker{pipeline: pipeline, bus: busClient, logger: logger}
}

// Start subscribes the worker to the batch and single ingestion subjects.
func (w *Worker) Start() error {
	if err := w.bus.Subscribe(bus.SubjectIngestBatch, w.handleBatch); err != nil {
		return err
	}
	return w.bus.Subscribe(bus.SubjectIngestSingle, w.handleSingle)
}

func (w *Worker) handleBatch(_ string, data []byte) {
	var job BatchJob
	if err := json.Unmarshal(data, &job); err != nil {
		w.logger.Error("bad batch job payload", "error", err)
		return
	}
	w.logger.Info("batch ingestion started",
		"job_id", job.JobID, "org_id", job.OrgID, "file", job.FileName, "rows", len(job.Rows))

	ctx := context.Background()
	prog := Progress{JobID: job.JobID}
	total := len(job.Rows)

	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		w.runChunk(ctx, job, job.Rows[start:end], &prog, total)
		w.publishProgress(bus.SubjectIngestProgress+"."+job.JobID, prog)
	}

	w.publishProgress(bus.SubjectIngestResult+"."+job.JobID, prog)
	w.logger.Info("batch ingestion finished",
		"job_id", job.JobID, "ok", prog.OK, "failed", prog.Failed,
		"skipped_out_of_scope", prog.SkippedOutOfScope,
		"skipped_baseline_exists", prog.SkippedBaselineExists)
}

// runChunk processes one slice of rows with a small fixed worker pool,
// folding outcomes into the shared progress under a lock.
func (w *Worker) runChunk(ctx context.Context, job BatchJob, rows []BatchRow, prog *Progress, total int) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	sem := make(chan struct{}, rowConcurrency)

	for _, row := range rows {
		wg.Add(1)
		sem <- struct{}{}
		go func(row BatchRow) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := w.pipeline.IngestOne(ctx, job.OrgID, row.CRMOppID, row.RawText, "crm_upload", job.JobID, false)
			if err != nil {
				w.logger.Warn("ingestion row failed",
					"job_id", job.JobID, "crm_opp_id", row.CRMOppID, "error", err)
			}

			mu.Lock()
			prog.Processed++
			switch outcome {
			case outcomeOK:
				prog.OK++
			case outcomeSkippedOutOfScope:
				prog.SkippedOutOfScope++
			case outcomeSkippedBaselineExists:
				prog.SkippedBaselineExists++
			default:
				prog.Failed++
			}
			prog.Percent = float64(prog.Processed) / float64(total) * 100
			mu.Unlock()
		}(row)
	}
	wg.Wait()
}

func (w *Worker) handleSingle(_ string, data []byte) {
	var job SingleJob
	if err := json.Unmarshal(data, &job); err != nil {
		w.logger.Error("bad single job payload", "error", err)
		return
	}
	w.logger.Info("single ingestion started",
		"job_id", job.JobID, "org_id", job.OrgID, "opportunity", job.OpportunityID)

	sourceType := job.SourceType
	if sourceType == "" {
		sourceType = "pasted_notes"
	}

	outcome, err := w.pipeline.IngestOne(context.Background(),
		job.OrgID, job.OpportunityID, job.RawText, sourceType, job.JobID, job.OverrideBaseline)
	if err != nil {
		w.logger.Warn("single ingestion failed", "job_id", job.JobID, "error", err)
	}

	prog := Progress{JobID: job.JobID, Processed: 1, Percent: 100}
	switch outcome {
	case outcomeOK:
		prog.OK = 1
	case outcomeSkippedOutOfScope:
		prog.SkippedOutOfScope = 1
	case outcomeSkippedBaselineExists:
		prog.SkippedBaselineExists = 1
	default:
		prog.Failed = 1
	}
	w.publishProgress(bus.SubjectIngestResult+"."+job.JobID, prog)
}

func (w *Worker) publishProgress(subject string, prog Progress) {
	if err := w.bus.Publish(subject, prog); err != nil {
		w.logger.Warn("publish progress failed", "subject", subject, "error", err)
	}
}
