package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/config"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/pipeline"
)

func workbookBytes(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetName("Sheet1", "Presupuesto"))
	rows := [][]interface{}{
		{"Clave", "Descripción", "Unidad", "Cantidad"},
		{"5.1", "Cimentación", "lote", 1},
		{"5.1.1", "Excavación", "m3", 12},
		{"6", "Acabados", "lote", 1},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow("Presupuesto", cell, &row))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	cfg := config.Defaults()
	cfg.StorageDir = t.TempDir()
	cfg.URLSigningSecret = "runner-test-signing-secret"
	require.NoError(t, cfg.Validate())

	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	r, err := NewFromConfig(context.Background(), cfg, "autogrid-test", logger)
	require.NoError(t, err)
	require.NoError(t, r.Launch())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

func waitRun(t *testing.T, r *Runner, runID string) *pipeline.RunStatus {
	t.Helper()
	var status *pipeline.RunStatus
	require.Eventually(t, func() bool {
		s, err := r.Status(context.Background(), runID)
		if err != nil {
			return false
		}
		status = s
		return s.Finished()
	}, 10*time.Second, 20*time.Millisecond)
	return status
}

func TestUploadIngestAndRead(t *testing.T) {
	r := newTestRunner(t)
	h := r.Handler()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "estimacion.xlsx")
	require.NoError(t, err)
	_, err = fw.Write(workbookBytes(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/estimations/EST-7/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted struct {
		Success bool                     `json:"success"`
		Data    pipeline.ProcessResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.True(t, accepted.Success)
	assert.Equal(t, 1, accepted.Data.DedupeSeenCount)

	status := waitRun(t, r, accepted.Data.RunID)
	require.Equal(t, pipeline.RunSucceeded, status.State, status.Error)
	require.NotNil(t, status.Result)
	assert.Equal(t, 3, status.Result.Rows)
	assert.Equal(t, "Presupuesto", status.Result.MainSheet)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/estimations/EST-7/tree-data", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tree struct {
		Data struct {
			Roots []struct {
				Code string `json:"code"`
			} `json:"roots"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tree))
	var roots []string
	for _, n := range tree.Data.Roots {
		roots = append(roots, n.Code)
	}
	assert.Equal(t, []string{"5", "6"}, roots)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "trojan_ingest_jobs_total")
}

func TestRunIngestMissingSourceFails(t *testing.T) {
	r := newTestRunner(t)

	runID, err := r.RunIngest(context.Background(), "EST-8", "uploads/EST-8/missing.xlsx", "")
	require.NoError(t, err)

	status := waitRun(t, r, runID)
	assert.Equal(t, pipeline.RunFailed, status.State)
	assert.NotEmpty(t, status.Error)

	_, err = r.RunIngest(context.Background(), "", "uploads/x.xlsx", "")
	assert.Error(t, err)
}

func TestConfigResolve(t *testing.T) {
	cfg, err := Config{StorageDir: "/srv/blobs", Concurrency: 8, GCSBucket: ""}.resolve()
	require.NoError(t, err)
	assert.Equal(t, config.StorageFilesystem, cfg.StorageBackend)
	assert.Equal(t, "/srv/blobs", cfg.StorageDir)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, config.SourceBlob, cfg.SourceBackend)

	cfg, err = Config{GCSBucket: "estimations", ContentAPIURL: "http://content:4000"}.resolve()
	require.NoError(t, err)
	assert.Equal(t, config.StorageGCS, cfg.StorageBackend)
	assert.Equal(t, config.SourceContentAPI, cfg.SourceBackend)
}
