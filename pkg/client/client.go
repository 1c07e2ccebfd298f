// Package client is an HTTP client for the ingestion API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/pipeline"
)

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Client is an HTTP client for triggering and polling ingestion runs
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: 30 * time.Second})
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Process enqueues an ingestion run. The server answers 202 Accepted.
func (c *Client) Process(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.ProcessResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/process", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var processResp pipeline.ProcessResponse
	if err := c.do(httpReq, &processResp, http.StatusAccepted, http.StatusOK); err != nil {
		return nil, err
	}
	return &processResp, nil
}

// Upload stores an .xlsx workbook for estimationID and enqueues its
// ingestion. r is streamed as the multipart "file" field.
func (c *Client) Upload(ctx context.Context, estimationID, filename string, r io.Reader) (*pipeline.ProcessResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		fw, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(fw, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	endpoint := c.baseURL + "/estimations/" + url.PathEscape(estimationID) + "/upload"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var env struct {
		Data pipeline.ProcessResponse `json:"data"`
	}
	if err := c.do(httpReq, &env, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// GetRun returns the current status of a run.
func (c *Client) GetRun(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var status pipeline.RunStatus
	if err := c.do(httpReq, &status, http.StatusOK); err != nil {
		return nil, err
	}
	return &status, nil
}

// WaitRun polls a run every interval until it finishes or ctx is done.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration) (*pipeline.RunStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if status.Finished() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(req *http.Request, out any, ok ...int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRunNotFound
	}
	accepted := false
	for _, code := range ok {
		accepted = accepted || resp.StatusCode == code
	}
	if !accepted {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
