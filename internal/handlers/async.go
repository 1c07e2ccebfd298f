package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/dedupe"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/jobs"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/manifest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workflows"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/pipeline"
)

// MaxUploadBytes bounds an uploaded workbook.
const MaxUploadBytes int64 = 256 << 20

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Runner enqueues ingestion runs and reports their status.
type Runner interface {
	RunAsync(ctx context.Context, req pipeline.ProcessRequest) (string, error)
	GetStatus(ctx context.Context, runID string) (*pipeline.RunStatus, error)
}

// AsyncHandler handles asynchronous workflow requests
type AsyncHandler struct {
	runner Runner
	store  storage.Writer
	ledger dedupe.Ledger
	logger logrus.FieldLogger
}

// NewAsyncHandler creates a new async handler. store receives uploaded
// workbooks and may be nil when uploads are not served.
func NewAsyncHandler(runner Runner, store storage.Writer, ledger dedupe.Ledger, logger logrus.FieldLogger) *AsyncHandler {
	if ledger == nil {
		ledger = dedupe.NewMemoryLedger()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AsyncHandler{
		runner: runner,
		store:  store,
		ledger: ledger,
		logger: logger,
	}
}

// enqueue records the submission and starts the run.
func (h *AsyncHandler) enqueue(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.ProcessResponse, error) {
	runID, err := h.runner.RunAsync(ctx, req)
	if err != nil {
		return nil, err
	}

	log := h.logger.WithFields(logrus.Fields{"run_id": runID, "estimation_id": req.EstimationID})
	seen, err := h.ledger.Record(ctx, req.EstimationID, req.SourceKey())
	if err != nil {
		log.WithError(err).Warn("[jobs.enqueue] Failed to record submission")
	}
	log.WithField("seen_count", seen).Info("[jobs.enqueue] Ingestion enqueued")

	return &pipeline.ProcessResponse{
		RunID:           runID,
		DedupeSeenCount: seen,
		ObjectKey:       req.ObjectKey,
	}, nil
}

// HandleProcessAsync handles POST /v1/process - enqueues workflow and returns immediately
func (h *AsyncHandler) HandleProcessAsync(c *gin.Context) {
	var req pipeline.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	resp, err := h.enqueue(c.Request.Context(), req)
	if errors.Is(err, workflows.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue workflow"})
		return
	}

	// Return immediately with 202 Accepted
	c.JSON(http.StatusAccepted, resp)
}

// HandleStatus handles GET /v1/runs/:runID - returns run status
func (h *AsyncHandler) HandleStatus(c *gin.Context) {
	runID := c.Param("runID")
	status, err := h.runner.GetStatus(c.Request.Context(), runID)
	if errors.Is(err, jobs.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read run status"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// HandleUpload handles POST /estimations/:id/upload. The multipart "file"
// is streamed into the blob store and an ingestion run is enqueued for it.
func (h *AsyncHandler) HandleUpload(c *gin.Context) {
	id := c.Param("id")
	if !manifest.ValidEstimationID(id) {
		respondError(c, validationError("estimationId must be 1-128 letters, digits, '-' or '_'"))
		return
	}
	if h.store == nil {
		respondError(c, errors.New("uploads are not configured"))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, validationError("multipart field \"file\" is required (max %d MB)", MaxUploadBytes>>20))
		return
	}
	filename := path.Base(strings.ReplaceAll(fh.Filename, "\\", "/"))
	if !strings.EqualFold(path.Ext(filename), ".xlsx") {
		respondError(c, validationError("only .xlsx workbooks are accepted"))
		return
	}

	f, err := fh.Open()
	if err != nil {
		respondError(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer f.Close()

	ctx := c.Request.Context()
	key := manifest.UploadKey(id, filename)
	if err := h.store.Put(ctx, key, f, xlsxContentType); err != nil {
		respondError(c, fmt.Errorf("store upload: %w", err))
		return
	}

	resp, err := h.enqueue(ctx, pipeline.ProcessRequest{
		EstimationID: id,
		ObjectKey:    key,
		Filename:     filename,
		Job:          pipeline.JobIngest,
	})
	if err != nil {
		respondError(c, fmt.Errorf("enqueue: %w", err))
		return
	}
	respond(c, http.StatusAccepted, resp)
}
