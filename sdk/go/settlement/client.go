// Package settlement is a Go client for the settlement admin API.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the settlement admin API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Options mirrors the optional distribution parameters.
type Options struct {
	IncludeBurn      bool     `json:"include_burn"`
	BurnPercentage   string   `json:"burn_percentage,omitempty"`
	BurnTokenAddress string   `json:"burn_token_address,omitempty"`
	Steps            []string `json:"steps,omitempty"`
}

// StartRequest is the payload accepted by StartDistribution. JobID is
// optional and makes the submission idempotent.
type StartRequest struct {
	JobID        string  `json:"job_id,omitempty"`
	AgentID      string  `json:"agent_id"`
	TotalSupply  string  `json:"total_supply"`
	TokenAddress string  `json:"token_address"`
	InitiatedBy  string  `json:"initiated_by,omitempty"`
	Options      Options `json:"options"`
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Type      string  `json:"type"`
	Amount    string  `json:"amount"`
	TxHash    string  `json:"tx_hash,omitempty"`
	Status    string  `json:"status"`
	ToAddress *string `json:"to_address"`
	Error     string  `json:"error,omitempty"`
}

// Attempt is a persisted distribution attempt.
type Attempt struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agent_id"`
	TokenAddress string            `json:"token_address"`
	TotalSupply  string            `json:"total_supply"`
	InitiatedBy  string            `json:"initiated_by"`
	Status       string            `json:"status"`
	Options      json.RawMessage   `json:"options,omitempty"`
	Allocation   map[string]string `json:"allocation,omitempty"`
	Steps        []StepResult      `json:"steps"`
	Error        string            `json:"error,omitempty"`
	RetryOf      string            `json:"retry_of,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
	CompletedAt  *int64            `json:"completed_at,omitempty"`
}

// LedgerEntry is the merged state of one step type.
type LedgerEntry struct {
	StepResult
	AttemptID        string `json:"attempt_id"`
	AttemptCreatedAt int64  `json:"attempt_created_at"`
}

// Ledger is the merged view across every attempt of an (agent, token) pair.
type Ledger struct {
	AgentID      string                 `json:"agent_id"`
	TokenAddress string                 `json:"token_address"`
	Steps        map[string]LedgerEntry `json:"steps"`
	Completed    []string               `json:"completed"`
}

// JobResult links a finished job to the attempt it produced.
type JobResult struct {
	AttemptID     string `json:"attempt_id"`
	AttemptStatus string `json:"attempt_status"`
}

// Job is a queued start or retry request.
type Job struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	AgentID    string     `json:"agent_id,omitempty"`
	RetryOf    string     `json:"retry_of,omitempty"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"max_retries"`
	LastError  string     `json:"last_error,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Result     *JobResult `json:"result,omitempty"`
	CreatedAt  int64      `json:"created_at"`
	UpdatedAt  int64      `json:"updated_at"`
}

// Finished reports whether the job reached a terminal status.
func (j Job) Finished() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// RetryResult holds exactly one of Attempt (the attempt was already
// completed, nothing was queued) or Job.
type RetryResult struct {
	Attempt *Attempt
	Job     *Job
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status  string
	Kind    string
	AgentID string
	Limit   int
	Offset  int
}

// APIError is returned for any response with status >= 400.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("settlement api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("settlement api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// StartDistribution queues a new distribution run.
func (c *Client) StartDistribution(ctx context.Context, req StartRequest) (Job, error) {
	var job Job
	if err := c.post(ctx, "/api/v1/distributions", req, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Retry queues a retry of attemptID. A completed attempt is returned as is.
func (c *Client) Retry(ctx context.Context, attemptID, jobID string) (RetryResult, error) {
	var payload any
	if jobID != "" {
		payload = map[string]string{"job_id": jobID}
	}
	endpoint := "/api/v1/distributions/" + url.PathEscape(attemptID) + "/retry"
	req, err := c.newJSONRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return RetryResult{}, err
	}
	var raw json.RawMessage
	status, err := c.do(req, &raw)
	if err != nil {
		return RetryResult{}, err
	}
	if status == http.StatusOK {
		var attempt Attempt
		if err := json.Unmarshal(raw, &attempt); err != nil {
			return RetryResult{}, fmt.Errorf("decode attempt: %w", err)
		}
		return RetryResult{Attempt: &attempt}, nil
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return RetryResult{}, fmt.Errorf("decode job: %w", err)
	}
	return RetryResult{Job: &job}, nil
}

// GetAttempt fetches one attempt.
func (c *Client) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	var attempt Attempt
	if err := c.get(ctx, "/api/v1/distributions/"+url.PathEscape(id), &attempt); err != nil {
		return Attempt{}, err
	}
	return attempt, nil
}

// ListAttempts returns every attempt of an agent, newest first.
func (c *Client) ListAttempts(ctx context.Context, agentID string) ([]Attempt, error) {
	var attempts []Attempt
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/distributions", &attempts); err != nil {
		return nil, err
	}
	return attempts, nil
}

// GetLedger returns the merged ledger of an (agent, token) pair.
func (c *Client) GetLedger(ctx context.Context, agentID, token string) (Ledger, error) {
	var ledger Ledger
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/ledger?token=" + url.QueryEscape(token)
	if err := c.get(ctx, endpoint, &ledger); err != nil {
		return Ledger{}, err
	}
	return ledger, nil
}

// GetJob fetches job details by identifier.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(id), &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListJobs lists jobs matching filter.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Kind != "" {
		q.Set("kind", filter.Kind)
	}
	if filter.AgentID != "" {
		q.Set("agent_id", filter.AgentID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	endpoint := "/api/v1/jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var jobs []Job
	if err := c.get(ctx, endpoint, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// WaitForJob polls the job until it finishes or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Finished() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	req, err := c.newJSONRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	_, err = c.do(req, out)
	return err
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	_, err = c.do(req, out)
	return err
}

func (c *Client) newJSONRequest(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, ref.Path)
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return resp.StatusCode, apiErr
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
