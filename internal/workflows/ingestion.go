package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/ingest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/jobs"
)

// Ingester runs one ingestion job.
type Ingester interface {
	Run(ctx context.Context, j ingest.Job) (*ingest.Result, error)
}

// IngestionWorkflow ingests one estimation workbook and records the run
// outcome.
type IngestionWorkflow struct {
	ingester Ingester
	reporter *jobs.Reporter
	logger   logrus.FieldLogger
}

// NewIngestionWorkflow creates the ingestion workflow. reporter may be nil.
func NewIngestionWorkflow(ingester Ingester, reporter *jobs.Reporter, logger logrus.FieldLogger) *IngestionWorkflow {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &IngestionWorkflow{
		ingester: ingester,
		reporter: reporter,
		logger:   logger,
	}
}

// Name returns the workflow name
func (w *IngestionWorkflow) Name() string {
	return "IngestionWorkflow"
}

// Execute runs the orchestrator for the requested estimation.
func (w *IngestionWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	req := wctx.Request
	if req.EstimationID == "" || req.SourceKey() == "" {
		err := fmt.Errorf("%w: estimation_id and a source are required", ErrInvalidRequest)
		w.finish(wctx, nil, err)
		return &WorkflowResult{Success: false, Error: err.Error()}, err
	}

	res, err := w.ingester.Run(wctx.Ctx, ingest.Job{
		RunID:        wctx.RunID,
		EstimationID: req.EstimationID,
		SourceKey:    req.SourceKey(),
		Filename:     req.DisplayName(),
	})
	w.finish(wctx, res, err)
	if err != nil {
		out := &WorkflowResult{Success: false, Error: err.Error()}
		var fatal *ingest.FatalError
		if errors.As(err, &fatal) {
			out.Outputs = map[string]interface{}{"stage": string(fatal.Stage)}
		}
		return out, err
	}

	return &WorkflowResult{
		Success: true,
		Outputs: map[string]interface{}{
			"estimation_id":    res.EstimationID,
			"manifest_key":     res.ManifestKey,
			"rows":             res.Rows,
			"chunks":           res.Chunks,
			"assets_processed": res.AssetsProcessed,
			"assets_failed":    res.AssetsFailed,
			"complete":         res.Complete,
		},
	}, nil
}

func (w *IngestionWorkflow) finish(wctx *WorkflowContext, res *ingest.Result, err error) {
	if w.reporter == nil {
		return
	}
	// The run context may already be canceled; the outcome is still recorded.
	ctx := context.WithoutCancel(wctx.Ctx)
	w.reporter.Finish(ctx, wctx.RunID, wctx.Request.EstimationID, res, err)
}
