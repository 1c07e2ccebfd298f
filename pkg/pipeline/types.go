package pipeline

import (
	"path"
	"time"
)

// ProcessRequest represents a request to ingest one estimation workbook.
// The workbook is read from ObjectKey in the blob store, or from ContentID
// when the worker reads sources from the content service.
type ProcessRequest struct {
	EstimationID string            `json:"estimation_id"`
	ObjectKey    string            `json:"object_key,omitempty"`
	ContentID    string            `json:"content_id,omitempty"`
	Filename     string            `json:"filename,omitempty"`
	Job          string            `json:"job,omitempty"` // ingest
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SourceKey returns the key the source workbook is read from.
func (r ProcessRequest) SourceKey() string {
	if r.ObjectKey != "" {
		return r.ObjectKey
	}
	return r.ContentID
}

// DisplayName returns the filename recorded in the manifest.
func (r ProcessRequest) DisplayName() string {
	if r.Filename != "" {
		return r.Filename
	}
	return path.Base("/" + r.SourceKey())
}

// ProcessResponse represents the response from triggering processing
type ProcessResponse struct {
	RunID           string `json:"run_id"`
	DedupeSeenCount int    `json:"dedupe_seen_count"`
	ObjectKey       string `json:"object_key,omitempty"`
}

// JobType constants
const (
	JobIngest = "ingest"
)

// Run states as seen by status-polling callers.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RunResult summarizes a finished ingestion.
type RunResult struct {
	ManifestKey      string `json:"manifest_key"`
	MainDataKey      string `json:"main_data_key"`
	MainSheet        string `json:"main_sheet"`
	Rows             int    `json:"rows"`
	Chunks           int    `json:"chunks"`
	ConceptNodes     int    `json:"concept_nodes"`
	AssetsFound      int    `json:"assets_found"`
	AssetsProcessed  int    `json:"assets_processed"`
	AssetsFailed     int    `json:"assets_failed"`
	AssetsUnassigned int    `json:"assets_unassigned"`
	Errors           int    `json:"errors"`
	Complete         bool   `json:"complete"`
	ElapsedMs        int64  `json:"elapsed_ms"`
}

// RunStatus is the polled state of one run.
type RunStatus struct {
	RunID        string     `json:"run_id"`
	EstimationID string     `json:"estimation_id"`
	State        string     `json:"state"`
	Stage        string     `json:"stage,omitempty"`
	Progress     int        `json:"progress"`
	Result       *RunResult `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the run reached a terminal state.
func (s RunStatus) Finished() bool {
	return s.State == RunSucceeded || s.State == RunFailed
}
