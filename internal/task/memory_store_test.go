package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"iao-settlement/internal/distribution"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	jobs := []*Job{
		{ID: "j1", Kind: KindStart, AgentID: "agent-a", Status: StatusPending, MaxRetries: 3},
		{ID: "j2", Kind: KindStart, AgentID: "agent-b", Status: StatusPending, MaxRetries: 3},
		{ID: "j3", Kind: KindRetry, RetryOf: "attempt-1", Status: StatusPending, MaxRetries: 3},
	}
	for _, job := range jobs {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create job %s: %v", job.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "j2", CodeJobProcessing, "boom", true, nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j3", Result{AttemptID: "attempt-2", AttemptStatus: distribution.StatusCompleted}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["j1"].UpdatedAt = base.Unix()
	store.jobs["j2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["j3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "j3" {
		t.Fatalf("expected newest job first, got %+v", all)
	}

	failed, err := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "j2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	retries, _ := store.List(ctx, BuildListOptions(WithKinds(KindRetry)))
	if len(retries) != 1 || retries[0].Result == nil || retries[0].Result.AttemptID != "attempt-2" {
		t.Fatalf("unexpected retry list: %+v", retries)
	}

	byAgent, _ := store.List(ctx, BuildListOptions(WithAgent(" agent-a ")))
	if len(byAgent) != 1 || byAgent[0].ID != "j1" {
		t.Fatalf("unexpected agent list: %+v", byAgent)
	}

	window, _ := store.List(ctx, BuildListOptions(
		WithUpdatedSince(base.Add(10*time.Second)),
		WithUpdatedUntil(base.Add(45*time.Second)),
	))
	if len(window) != 1 || window[0].ID != "j2" {
		t.Fatalf("unexpected window list: %+v", window)
	}

	asc, _ := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(2)))
	if len(asc) != 2 || asc[0].ID != "j1" || asc[1].ID != "j2" {
		t.Fatalf("unexpected ascending page: %+v", asc)
	}
	page, _ := store.List(ctx, BuildListOptions(WithOffset(2)))
	if len(page) != 1 || page[0].ID != "j1" {
		t.Fatalf("unexpected offset page: %+v", page)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() || stats.NewestUpdatedAt != base.Add(60*time.Second).Unix() {
		t.Fatalf("unexpected stats window %+v", stats)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Job{ID: "j1", Kind: KindStart, Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "j1"}); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	job, err := store.Claim(ctx, "j1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.Status != StatusRunning || job.Attempts != 1 {
		t.Fatalf("unexpected claimed job %+v", job)
	}
	if _, err := store.Claim(ctx, "j1"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("running job must not be claimed twice, got %v", err)
	}

	if err := store.MarkFailed(ctx, "j1", CodeJobProcessing, "transient", false, nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	job, err = store.Claim(ctx, "j1")
	if err != nil || job.Attempts != 2 || job.LastError != "" {
		t.Fatalf("expected second claim to reset error, got %+v %v", job, err)
	}
	if err := store.MarkFailed(ctx, "j1", CodeJobProcessing, "again", false, nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "j1"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreTerminalFailureStopsClaims(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Create(ctx, &Job{ID: "j1", Kind: KindStart, Status: StatusPending, MaxRetries: 5})
	if _, err := store.Claim(ctx, "j1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	result := &Result{AttemptID: "attempt-1", AttemptStatus: distribution.StatusFailed}
	if err := store.MarkFailed(ctx, "j1", distribution.CodeInsufficientBalance, "low balance", true, result); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	job, _ := store.Get(ctx, "j1")
	if !job.Finished() || job.MaxRetries != 1 || job.Result == nil || job.Result.AttemptID != "attempt-1" {
		t.Fatalf("terminal failure must finish the job, got %+v", job)
	}
	if _, err := store.Claim(ctx, "j1"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("expected exhausted after terminal failure, got %v", err)
	}

	_ = store.Create(ctx, &Job{ID: "j2", Kind: KindStart, Status: StatusPending, MaxRetries: 1})
	_, _ = store.Claim(ctx, "j2")
	_ = store.MarkSucceeded(ctx, "j2", Result{AttemptID: "attempt-2", AttemptStatus: distribution.StatusCompleted})
	if _, err := store.Claim(ctx, "j2"); !errors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	req := distribution.StartRequest{AgentID: "agent-a", TotalSupply: "10"}
	_ = store.Create(ctx, &Job{ID: "j1", Kind: KindStart, Request: &req, Status: StatusPending, MaxRetries: 1})

	job, _ := store.Get(ctx, "j1")
	job.Status = StatusSucceeded
	job.Request.AgentID = "mutated"

	again, _ := store.Get(ctx, "j1")
	if again.Status != StatusPending || again.Request.AgentID != "agent-a" {
		t.Fatalf("store must not leak internal state: %+v", again)
	}
}
