package settlement

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"iao-settlement/internal/api"
	"iao-settlement/internal/distribution"
	"iao-settlement/internal/task"
)

const testToken = "0x00000000000000000000000000000000000000A1"

type attemptSource map[string]*distribution.Attempt

func (s attemptSource) Attempt(_ context.Context, id string) (*distribution.Attempt, error) {
	if a, ok := s[id]; ok {
		return a.Clone(), nil
	}
	return nil, distribution.ErrAttemptNotFound
}

func (s attemptSource) Attempts(_ context.Context, agentID string) ([]*distribution.Attempt, error) {
	var out []*distribution.Attempt
	for _, a := range s {
		if a.AgentID == agentID {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s attemptSource) Ledger(context.Context, string, string) (distribution.Ledger, error) {
	return distribution.Merge(s.list(), testToken), nil
}

func (s attemptSource) list() []*distribution.Attempt {
	out := make([]*distribution.Attempt, 0, len(s))
	for _, a := range s {
		out = append(out, a)
	}
	return out
}

func newTestClient(t *testing.T) (*Client, *task.MemoryQueue) {
	t.Helper()
	pool := "0xPOOL"
	attempts := attemptSource{
		"attempt-done": {ID: "attempt-done", AgentID: "agent-1", TokenAddress: testToken, Status: distribution.StatusCompleted, CreatedAt: 1},
		"attempt-partial": {
			ID: "attempt-partial", AgentID: "agent-1", TokenAddress: testToken, Status: distribution.StatusPartialFailed, CreatedAt: 2,
			Steps: []distribution.StepResult{
				{Type: distribution.StepLiquidity, Amount: "100", TxHash: "0xabc", Status: distribution.StepStatusConfirmed, ToAddress: &pool},
				{Type: distribution.StepBurn, Amount: "5", Status: distribution.StepStatusFailed, Error: "no burn method"},
			},
		},
	}
	queue := task.NewMemoryQueue(8)
	svc := task.NewService(task.NewMemoryStore(), queue, 3)
	srv := httptest.NewServer(api.NewServer(":0", svc, attempts).Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, queue
}

func TestStartDistributionAndGetJob(t *testing.T) {
	client, queue := newTestClient(t)
	ctx := context.Background()

	job, err := client.StartDistribution(ctx, StartRequest{
		JobID:        "job-1",
		AgentID:      "agent-1",
		TotalSupply:  "1000000",
		TokenAddress: testToken,
		Options:      Options{IncludeBurn: true, BurnPercentage: "2.5", Steps: []string{"creator"}},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.ID != "job-1" || job.Kind != "start" || job.Status != "pending" || queue.Len() != 1 {
		t.Fatalf("unexpected job %+v", job)
	}

	got, err := client.GetJob(ctx, "job-1")
	if err != nil || got.ID != "job-1" || got.Finished() {
		t.Fatalf("unexpected job %+v %v", got, err)
	}

	jobs, err := client.ListJobs(ctx, JobFilter{AgentID: "agent-1", Status: "pending", Limit: 10})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("unexpected jobs %+v %v", jobs, err)
	}
}

func TestRetryOutcomes(t *testing.T) {
	client, queue := newTestClient(t)
	ctx := context.Background()

	res, err := client.Retry(ctx, "attempt-done", "")
	if err != nil {
		t.Fatalf("retry completed: %v", err)
	}
	if res.Attempt == nil || res.Job != nil || res.Attempt.Status != "COMPLETED" || queue.Len() != 0 {
		t.Fatalf("completed attempt must be returned as is: %+v", res)
	}

	res, err = client.Retry(ctx, "attempt-partial", "retry-1")
	if err != nil {
		t.Fatalf("retry partial: %v", err)
	}
	if res.Job == nil || res.Job.ID != "retry-1" || res.Job.RetryOf != "attempt-partial" {
		t.Fatalf("unexpected retry result %+v", res)
	}
}

func TestReadsAndErrors(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	attempt, err := client.GetAttempt(ctx, "attempt-partial")
	if err != nil || len(attempt.Steps) != 2 || attempt.Steps[0].ToAddress == nil {
		t.Fatalf("unexpected attempt %+v %v", attempt, err)
	}

	list, err := client.ListAttempts(ctx, "agent-1")
	if err != nil || len(list) != 2 {
		t.Fatalf("unexpected attempts %+v %v", list, err)
	}

	ledger, err := client.GetLedger(ctx, "agent-1", testToken)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(ledger.Completed) != 1 || ledger.Completed[0] != "liquidity" || ledger.Steps["liquidity"].AttemptID != "attempt-partial" {
		t.Fatalf("unexpected ledger %+v", ledger)
	}

	_, err = client.GetAttempt(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != string(distribution.CodeAttemptNotFound) {
		t.Fatalf("expected attempt not found api error, got %v", err)
	}

	_, err = client.StartDistribution(ctx, StartRequest{AgentID: "agent-1", TokenAddress: testToken})
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Message == "" {
		t.Fatalf("expected validation error, got %v", err)
	}
}
