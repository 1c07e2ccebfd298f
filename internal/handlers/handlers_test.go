package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/chunking"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/dedupe"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/jobs"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/manifest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/metrics"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/retrieval"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workflows"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeReader struct {
	lastTree   retrieval.TreeOptions
	lastAssets retrieval.AssetQuery
	err        error
}

func (f *fakeReader) GetManifest(ctx context.Context, id string) (*manifest.Manifest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &manifest.Manifest{EstimationID: id, Complete: true}, nil
}

func (f *fakeReader) GetMainData(ctx context.Context, id string) (*manifest.MainData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &manifest.MainData{EstimationID: id, SheetName: "03 Desglose f"}, nil
}

func (f *fakeReader) GetTree(ctx context.Context, id string, opts retrieval.TreeOptions) (*retrieval.TreeData, error) {
	f.lastTree = opts
	if f.err != nil {
		return nil, f.err
	}
	return &retrieval.TreeData{EstimationID: id, TotalNodes: 3, MaxDepth: 3}, nil
}

func (f *fakeReader) GetAssets(ctx context.Context, id string, q retrieval.AssetQuery) (*retrieval.AssetPage, error) {
	f.lastAssets = q
	if f.err != nil {
		return nil, f.err
	}
	return &retrieval.AssetPage{EstimationID: id, ConceptCode: q.ConceptCode, Total: 24, Limit: q.Limit, Offset: q.Offset}, nil
}

func (f *fakeReader) GetChunk(ctx context.Context, id string, index int) (*chunking.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &chunking.Document{Sheet: "03 Desglose f", Index: index}, nil
}

type fakeRunner struct {
	reqs []pipeline.ProcessRequest
	err  error
}

func (f *fakeRunner) RunAsync(ctx context.Context, req pipeline.ProcessRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return fmt.Sprintf("ingest-%s-%d", req.EstimationID, len(f.reqs)), nil
}

func (f *fakeRunner) GetStatus(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	if runID == "missing" {
		return nil, jobs.ErrRunNotFound
	}
	return &pipeline.RunStatus{RunID: runID, State: pipeline.RunRunning, Stage: "chunking", Progress: 70}, nil
}

func do(t *testing.T, r http.Handler, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Request-Id", "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestRetrievalRoutes(t *testing.T) {
	reader := &fakeReader{}
	reg := prometheus.NewRegistry()
	r := NewRouter(RouterConfig{
		Retrieval: NewRetrievalHandler(reader),
		Metrics:   metrics.New(reg),
		Gatherer:  reg,
	})

	w := do(t, r, http.MethodGet, "/estimations/EST-1/univer-data", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	assert.True(t, env.Success)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-Id"))

	w = do(t, r, http.MethodGet, "/estimations/EST-1/tree-data?includeEmpty=true&maxDepth=2", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, retrieval.TreeOptions{IncludeEmpty: true, MaxDepth: 2}, reader.lastTree)

	w = do(t, r, http.MethodGet, "/estimations/EST-1/assets?conceptCode=5.2.1&limit=10&offset=20&signed=false", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5.2.1", reader.lastAssets.ConceptCode)
	assert.Equal(t, 10, reader.lastAssets.Limit)
	assert.Equal(t, 20, reader.lastAssets.Offset)
	require.NotNil(t, reader.lastAssets.Signed)
	assert.False(t, *reader.lastAssets.Signed)

	w = do(t, r, http.MethodGet, "/estimations/EST-1/chunks/2", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"index":2`)

	w = do(t, r, http.MethodGet, "/estimations/EST-1/manifest", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/estimations/:id/univer-data")
}

func TestRetrievalErrorEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		status int
		code   retrieval.Code
	}{
		{"bad limit", "/estimations/EST-1/assets?conceptCode=5.2&limit=ten", nil, http.StatusBadRequest, retrieval.CodeValidation},
		{"bad bool", "/estimations/EST-1/tree-data?includeEmpty=maybe", nil, http.StatusBadRequest, retrieval.CodeValidation},
		{"bad chunk", "/estimations/EST-1/chunks/first", nil, http.StatusBadRequest, retrieval.CodeValidation},
		{"not found", "/estimations/EST-9/univer-data", retrieval.NewError(retrieval.CodeNotFound, "no processed data"), http.StatusNotFound, retrieval.CodeNotFound},
		{"storage down", "/estimations/EST-1/univer-data", errors.New("dial tcp: refused"), http.StatusInternalServerError, retrieval.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(RouterConfig{Retrieval: NewRetrievalHandler(&fakeReader{err: tt.err})})
			w := do(t, r, http.MethodGet, tt.target, nil, "")
			require.Equal(t, tt.status, w.Code)
			env := decode(t, w)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
			assert.Equal(t, "req-1", env.Error.RequestID)
			assert.False(t, env.Error.Timestamp.IsZero())
			assert.NotContains(t, env.Error.Message, "refused")
		})
	}
}

func TestProcessAndStatus(t *testing.T) {
	runner := &fakeRunner{}
	ledger := dedupe.NewMemoryLedger()
	r := NewRouter(RouterConfig{Async: NewAsyncHandler(runner, nil, ledger, nil)})

	body := bytes.NewBufferString(`{"estimation_id":"EST-1","object_key":"uploads/EST-1/a.xlsx"}`)
	w := do(t, r, http.MethodPost, "/v1/process", body, "application/json")
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp pipeline.ProcessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ingest-EST-1-1", resp.RunID)
	assert.Equal(t, 1, resp.DedupeSeenCount)

	body = bytes.NewBufferString(`{"estimation_id":"EST-1","object_key":"uploads/EST-1/a.xlsx"}`)
	w = do(t, r, http.MethodPost, "/v1/process", body, "application/json")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.DedupeSeenCount)

	w = do(t, r, http.MethodGet, "/v1/runs/ingest-EST-1-1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var status pipeline.RunStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, pipeline.RunRunning, status.State)
	assert.Equal(t, 70, status.Progress)

	w = do(t, r, http.MethodGet, "/v1/runs/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPost, "/v1/process", bytes.NewBufferString(`{`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessRejectsInvalidRequest(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("%w: estimation_id is required", workflows.ErrInvalidRequest)}
	r := NewRouter(RouterConfig{Async: NewAsyncHandler(runner, nil, nil, nil)})
	w := do(t, r, http.MethodPost, "/v1/process", bytes.NewBufferString(`{"object_key":"x.xlsx"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "estimation_id is required")
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	runner := &fakeRunner{}
	store := storage.NewMemoryStorage()
	r := NewRouter(RouterConfig{Async: NewAsyncHandler(runner, store, nil, nil)})

	body, ct := multipartBody(t, "Estimacion 12.xlsx", []byte("PK\x03\x04 workbook"))
	w := do(t, r, http.MethodPost, "/estimations/EST-1/upload", body, ct)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.True(t, decode(t, w).Success)

	key := manifest.UploadKey("EST-1", "Estimacion 12.xlsx")
	assert.Equal(t, []string{key}, store.Keys("uploads/"))
	require.Len(t, runner.reqs, 1)
	assert.Equal(t, key, runner.reqs[0].ObjectKey)
	assert.Equal(t, "Estimacion 12.xlsx", runner.reqs[0].Filename)

	body, ct = multipartBody(t, "notes.txt", []byte("hello"))
	w = do(t, r, http.MethodPost, "/estimations/EST-1/upload", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, ct = multipartBody(t, "a.xlsx", []byte("x"))
	w = do(t, r, http.MethodPost, "/estimations/bad%20id/upload", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, runner.reqs, 1)
}

func TestSignedBlobs(t *testing.T) {
	now := time.Now()
	fs, err := storage.NewFilesystemStorage(t.TempDir(),
		storage.WithSigning("http://api.test", "secret"),
		storage.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()
	key := "processed/EST-1/assets/5.2.1/abc.jpg"
	require.NoError(t, fs.Put(ctx, key, strings.NewReader("jpeg-bytes"), "image/jpeg"))

	signed, _, err := fs.SignedURL(ctx, key, time.Hour)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)

	r := NewRouter(RouterConfig{Blobs: NewBlobHandler(fs)})
	w := do(t, r, http.MethodGet, u.RequestURI(), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg-bytes", w.Body.String())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))

	q := u.Query()
	q.Set("sig", strings.Repeat("0", 64))
	w = do(t, r, http.MethodGet, u.Path+"?"+q.Encode(), nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, retrieval.CodeUnauthorized, decode(t, w).Error.Code)
}
