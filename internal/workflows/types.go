package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/dbosruntime"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/jobs"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/manifest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/pipeline"
)

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx     context.Context
	Request pipeline.ProcessRequest
	RunID   string
}

// WorkflowResult contains the result of workflow execution. It is
// checkpointed by DBOS, so the error is kept as text.
type WorkflowResult struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Outputs map[string]interface{} `json:"outputs,omitempty"`
}

// Workflow defines the interface for processing workflows
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*WorkflowResult, error)

	// Name returns the workflow name
	Name() string
}

// WorkflowRunner executes workflows. With a DBOS runtime runs are enqueued
// durably; without one they run on goroutines of this process.
type WorkflowRunner struct {
	workflows   map[string]Workflow
	declared    map[string]bool
	dbosRuntime *dbosruntime.Runtime
	reporter    *jobs.Reporter
	logger      logrus.FieldLogger

	// in-process mode
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkflowRunner creates a workflow runner. dbosRuntime may be nil.
func NewWorkflowRunner(dbosRuntime *dbosruntime.Runtime, reporter *jobs.Reporter, logger logrus.FieldLogger) *WorkflowRunner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	base, cancel := context.WithCancel(context.Background())
	runner := &WorkflowRunner{
		workflows:   make(map[string]Workflow),
		declared:    make(map[string]bool),
		dbosRuntime: dbosRuntime,
		reporter:    reporter,
		logger:      logger,
		base:        base,
		cancel:      cancel,
	}

	// Register the DBOS workflow function
	if dbosRuntime != nil {
		dbos.RegisterWorkflow(dbosRuntime.Context(), runner.executeWorkflowDBOS)
	}

	return runner
}

// Register registers a workflow
func (r *WorkflowRunner) Register(job string, workflow Workflow) {
	r.workflows[job] = workflow
	r.declared[job] = true
}

// Declare accepts runs of job without executing them here, for processes
// that only enqueue onto the DBOS queue.
func (r *WorkflowRunner) Declare(job string) {
	r.declared[job] = true
}

func jobOf(req pipeline.ProcessRequest) string {
	if req.Job == "" {
		return pipeline.JobIngest
	}
	return req.Job
}

// Run executes a workflow synchronously.
func (r *WorkflowRunner) Run(wctx *WorkflowContext) (*WorkflowResult, error) {
	workflow, ok := r.workflows[jobOf(wctx.Request)]
	if !ok {
		return &WorkflowResult{
			Success: false,
			Error:   ErrWorkflowNotFound.Error(),
		}, ErrWorkflowNotFound
	}

	return workflow.Execute(wctx)
}

// Validate checks a request before it is enqueued.
func (r *WorkflowRunner) Validate(req pipeline.ProcessRequest) error {
	if !r.declared[jobOf(req)] {
		return fmt.Errorf("%w: unknown job %q", ErrInvalidRequest, req.Job)
	}
	if strings.TrimSpace(req.EstimationID) == "" {
		return fmt.Errorf("%w: estimation_id is required", ErrInvalidRequest)
	}
	if !manifest.ValidEstimationID(req.EstimationID) {
		return fmt.Errorf("%w: estimation_id must be 1-128 letters, digits, '-' or '_'", ErrInvalidRequest)
	}
	if req.SourceKey() == "" {
		return fmt.Errorf("%w: object_key or content_id is required", ErrInvalidRequest)
	}
	return nil
}

// RunAsync enqueues a workflow and returns its run id immediately.
func (r *WorkflowRunner) RunAsync(ctx context.Context, req pipeline.ProcessRequest) (string, error) {
	if err := r.Validate(req); err != nil {
		return "", err
	}
	req.Job = jobOf(req)

	// Workflow ID doubles as run ID; DBOS runs each ID exactly once.
	runID := fmt.Sprintf("%s-%s-%d", req.Job, req.EstimationID, time.Now().UnixNano())
	if r.reporter != nil {
		r.reporter.Enqueued(ctx, runID, req.EstimationID)
	}

	if r.dbosRuntime == nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.execute(r.base, req, runID)
		}()
		return runID, nil
	}

	// Enqueue workflow with DBOS (generic function with type parameters)
	handle, err := dbos.RunWorkflow[pipeline.ProcessRequest, *WorkflowResult](
		r.dbosRuntime.Context(),
		r.executeWorkflowDBOS,
		req,
		dbos.WithWorkflowID(runID),
		dbos.WithQueue(r.dbosRuntime.QueueName()),
	)
	if err != nil {
		if r.reporter != nil {
			r.reporter.Finish(ctx, runID, req.EstimationID, nil, fmt.Errorf("enqueue: %w", err))
		}
		return "", err
	}

	return handle.GetWorkflowID(), nil
}

// executeWorkflowDBOS is the DBOS workflow function that wraps existing workflows
func (r *WorkflowRunner) executeWorkflowDBOS(dbosCtx dbos.DBOSContext, req pipeline.ProcessRequest) (*WorkflowResult, error) {
	// Get workflow ID from DBOS context
	workflowID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return &WorkflowResult{
			Success: false,
			Error:   err.Error(),
		}, err
	}

	// DBOSContext implements context.Context
	return r.execute(dbosCtx, req, workflowID)
}

func (r *WorkflowRunner) execute(ctx context.Context, req pipeline.ProcessRequest, runID string) (*WorkflowResult, error) {
	log := r.logger.WithFields(logrus.Fields{"run_id": runID, "estimation_id": req.EstimationID, "job": req.Job})
	log.Info("[workflow.start] Running workflow")

	res, err := r.Run(&WorkflowContext{Ctx: ctx, Request: req, RunID: runID})
	if errors.Is(err, ErrWorkflowNotFound) && r.reporter != nil {
		r.reporter.Finish(ctx, runID, req.EstimationID, nil, err)
	}
	if err != nil {
		log.WithError(err).Error("[workflow.failed] Workflow failed")
		return res, err
	}
	log.Info("[workflow.done] Workflow finished")
	return res, nil
}

// Wait blocks until in-process runs finish or ctx is done, canceling the
// runs still active at that point.
func (r *WorkflowRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// GetStatus returns the tracked status of a run. Runs unknown to the
// tracker are looked up in the DBOS status table.
func (r *WorkflowRunner) GetStatus(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	if r.reporter != nil {
		status, err := r.reporter.Tracker().Get(ctx, runID)
		if err == nil {
			return status, nil
		}
		if !errors.Is(err, jobs.ErrRunNotFound) {
			return nil, err
		}
	}
	if r.dbosRuntime == nil {
		return nil, jobs.ErrRunNotFound
	}

	info, err := r.dbosRuntime.GetWorkflowStatus(ctx, runID)
	if errors.Is(err, dbosruntime.ErrWorkflowNotFound) {
		return nil, jobs.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pipeline.RunStatus{
		RunID:     runID,
		State:     runState(info.Status),
		StartedAt: time.UnixMilli(info.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(info.UpdatedAt).UTC(),
	}, nil
}

// runState maps a DBOS workflow status to a run state.
func runState(status string) string {
	switch status {
	case "ENQUEUED":
		return pipeline.RunPending
	case "SUCCESS":
		return pipeline.RunSucceeded
	case "ERROR", "CANCELLED", "MAX_RECOVERY_ATTEMPTS_EXCEEDED":
		return pipeline.RunFailed
	default:
		return pipeline.RunRunning
	}
}
