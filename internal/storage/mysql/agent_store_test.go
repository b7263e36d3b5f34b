package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"iao-settlement/internal/distribution"
)

var agentColumnNames = []string{
	"id", "creator_address", "token_address", "offering_address",
	"tokens_distributed", "liquidity_added", "tokens_burned",
}

func TestAgentStoreGetAndUpdateFlags(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectAgentSQL, mockRowsData{
			columns: agentColumnNames,
			values:  [][]driver.Value{{"agent-1", "0xC0", testToken, "0x0F", int64(1), int64(0), int64(0)}},
		}),
		execOp(updateAgentFlagsSQL, mockResult{rowsAffected: 1}),
		execOp(updateAgentFlagsSQL, mockResult{rowsAffected: 0}),
		queryOp(selectAgentSQL, mockRowsData{
			columns: agentColumnNames,
			values:  [][]driver.Value{{"agent-1", "0xC0", testToken, "0x0F", int64(1), int64(1), int64(0)}},
		}),
		execOp(updateAgentFlagsSQL, mockResult{rowsAffected: 0}),
		queryOp(selectAgentSQL, mockRowsData{columns: agentColumnNames}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewAgentStore(db)
	ctx := context.Background()

	agent, err := store.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !agent.Flags.TokensDistributed || agent.Flags.LiquidityAdded || agent.OfferingAddress != "0x0F" {
		t.Fatalf("unexpected agent %+v", agent)
	}

	flags := distribution.Flags{TokensDistributed: true, LiquidityAdded: true}
	if err := store.UpdateFlags(ctx, "agent-1", flags); err != nil {
		t.Fatalf("update flags: %v", err)
	}
	// 标记未变化时影响行数为 0，不应视为失败。
	if err := store.UpdateFlags(ctx, "agent-1", flags); err != nil {
		t.Fatalf("unchanged flags: %v", err)
	}
	if err := store.UpdateFlags(ctx, "missing", flags); !errors.Is(err, distribution.ErrAgentNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}
}

func TestAgentStoreUpsert(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(upsertAgentSQL, mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewAgentStore(db)
	if err := store.Upsert(context.Background(), distribution.Agent{ID: "agent-1", CreatorAddress: "0xC0"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Upsert(context.Background(), distribution.Agent{}); err == nil {
		t.Fatal("expected validation error for empty id")
	}
}
