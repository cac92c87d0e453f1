// GRIDRUN Agent Client
// Typed HTTP client for the coordinator API, bound to one worker identity.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gridrun/pkg/models"
)

// Client talks to the coordinator on behalf of one worker. Register must
// succeed before any worker-scoped call; it stores the assigned identity
// and the bearer token presented on every request after it.
type Client struct {
	baseURL string
	http    *http.Client

	workerID string
	token    string
}

// NewClient builds a client for the coordinator at serverURL.
func NewClient(serverURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(serverURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WorkerID returns the identity assigned at registration.
func (c *Client) WorkerID() string { return c.workerID }

// Register announces the worker and keeps the returned identity and token.
func (c *Client) Register(ctx context.Context, req models.RegisterWorkerRequest) (*models.RegisterWorkerResponse, error) {
	var resp models.RegisterWorkerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/workers/register", req, &resp); err != nil {
		return nil, err
	}
	c.workerID = resp.WorkerID
	c.token = resp.Token
	return &resp, nil
}

// Heartbeat reports host telemetry and liveness.
func (c *Client) Heartbeat(ctx context.Context, req models.HeartbeatRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/api/workers/"+c.workerID+"/heartbeat", req, nil)
}

// Claim asks for the next job assigned to this worker. A nil assignment
// means nothing is waiting.
func (c *Client) Claim(ctx context.Context) (*models.JobAssignment, error) {
	var resp models.ClaimResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/workers/"+c.workerID+"/claim", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// Unregister removes the worker record on graceful shutdown.
func (c *Client) Unregister(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/workers/"+c.workerID, nil, nil)
}

// CheckCancel polls the job's cancel flag.
func (c *Client) CheckCancel(ctx context.Context, jobID string) (bool, error) {
	var resp models.CancelCheckResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+jobID+"/cancel-check", nil, &resp); err != nil {
		return false, err
	}
	return resp.CancelRequested, nil
}

// AppendOutput streams one captured output chunk.
func (c *Client) AppendOutput(ctx context.Context, jobID string, chunk models.LogChunk) error {
	chunk.WorkerID = c.workerID
	return c.doJSON(ctx, http.MethodPost, "/api/jobs/"+jobID+"/output", chunk, nil)
}

// SubmitResult reports a finished sandbox run.
func (c *Client) SubmitResult(ctx context.Context, jobID string, rep models.ResultReport) error {
	rep.WorkerID = c.workerID
	return c.doJSON(ctx, http.MethodPost, "/api/jobs/"+jobID+"/result", rep, nil)
}

// ReportFailure reports that the job could not be run at all.
func (c *Client) ReportFailure(ctx context.Context, jobID, message string) error {
	rep := models.FailureReport{WorkerID: c.workerID, Message: message}
	return c.doJSON(ctx, http.MethodPost, "/api/jobs/"+jobID+"/failure", rep, nil)
}

// FetchArchive downloads a job input archive. Absolute references are
// fetched as-is; rooted paths resolve against the coordinator base; bare
// references go through the files endpoint.
func (c *Client) FetchArchive(ctx context.Context, ref string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.archiveURL(ref), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp.Body, nil
}

func (c *Client) archiveURL(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if strings.HasPrefix(ref, "/") {
		return c.baseURL + ref
	}
	return c.baseURL + "/api/files/" + url.PathEscape(ref)
}

// ChannelURL is the websocket endpoint for this worker's push channel.
func (c *Client) ChannelURL() string {
	return "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/workers/" + c.workerID + "/channel"
}

// AuthHeader carries the bearer token for the websocket dial.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// apiError is a non-2xx coordinator response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err is a coordinator 404, which on worker
// routes means the registration lapsed.
func IsNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
