package distribution

import (
	"context"
	"errors"
	"testing"

	"iao-settlement/internal/allocation"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	pending := &Attempt{ID: "a1", AgentID: testAgent, TokenAddress: testToken, Status: StatusPending, CreatedAt: 5}
	if err := store.Create(ctx, pending); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := &Attempt{ID: "a2", AgentID: testAgent, TokenAddress: testToken, Status: StatusPending, CreatedAt: 6}
	if err := store.Create(ctx, second); !errors.Is(err, ErrConcurrentRun) {
		t.Fatalf("second pending attempt must be rejected, got %v", err)
	}

	stale, _ := store.ListStale(ctx, 10)
	if len(stale) != 1 || stale[0].ID != "a1" {
		t.Fatalf("expected a1 to be stale, got %v", stale)
	}

	steps := []StepResult{{Type: StepCreator, Status: StepStatusConfirmed, TxHash: "0x1"}}
	if err := store.Checkpoint(ctx, "a1", steps); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	steps[0].TxHash = "mutated"
	got, _ := store.Get(ctx, "a1")
	if got.Steps[0].TxHash != "0x1" {
		t.Fatal("store must keep its own copy of the steps")
	}
	if stale, _ := store.ListStale(ctx, 10); len(stale) != 0 {
		t.Fatalf("a checkpoint must refresh the attempt, got %v", stale)
	}

	got.Status = StatusCompleted
	if err := store.Finish(ctx, got); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := store.Finish(ctx, got); !errors.Is(err, ErrAttemptImmutable) {
		t.Fatalf("terminal attempts are immutable, got %v", err)
	}
	if err := store.Checkpoint(ctx, "a1", nil); !errors.Is(err, ErrAttemptImmutable) {
		t.Fatalf("checkpoint after finish must fail, got %v", err)
	}
	final, _ := store.Get(ctx, "a1")
	if final.CompletedAt == nil || final.Status != StatusCompleted {
		t.Fatalf("unexpected final attempt %+v", final)
	}

	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("pending slot should be free after finish: %v", err)
	}
	list, _ := store.ListByAgent(ctx, testAgent)
	if len(list) != 2 || list[0].ID != "a2" {
		t.Fatalf("expected newest first, got %v", list)
	}
	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreRejectsNonTerminalFinish(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Attempt{ID: "a", AgentID: testAgent, TokenAddress: testToken, Status: StatusPending})
	if err := store.Finish(ctx, &Attempt{ID: "a", Status: StatusPending}); err == nil {
		t.Fatal("finish requires a terminal status")
	}
}

func TestLocalLock(t *testing.T) {
	lock := NewLocalLock()
	ctx := context.Background()
	release, err := lock.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := lock.Acquire(ctx, "k"); !errors.Is(err, ErrConcurrentRun) {
		t.Fatalf("expected concurrent run, got %v", err)
	}
	other, err := lock.Acquire(ctx, "other")
	if err != nil {
		t.Fatalf("independent keys must not block: %v", err)
	}
	other()
	release()
	release()
	again, err := lock.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again()
}

func TestNormalizeDefaults(t *testing.T) {
	req := StartRequest{AgentID: " a ", TotalSupply: "10", TokenAddress: "0x00000000000000000000000000000000000000a1"}
	if err := req.Normalize(allocation.DefaultBurnPercentage); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if req.AgentID != "a" || !SameAddress(req.TokenAddress, testToken) {
		t.Fatalf("unexpected normalization %+v", req)
	}
	if !equalTypes(req.Options.Steps, []StepType{StepCreator, StepAirdrop, StepMining, StepLiquidity}) {
		t.Fatalf("unexpected default steps %v", req.Options.Steps)
	}

	burn := StartRequest{AgentID: "a", TotalSupply: "10", TokenAddress: testToken, Options: Options{IncludeBurn: true}}
	if err := burn.Normalize(allocation.DefaultBurnPercentage); err != nil {
		t.Fatalf("normalize burn: %v", err)
	}
	if !burn.Options.BurnPercentage.Equal(allocation.DefaultBurnPercentage) || burn.Options.Steps[len(burn.Options.Steps)-1] != StepBurn {
		t.Fatalf("burn defaults not applied: %+v", burn.Options)
	}
}
