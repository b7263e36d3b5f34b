package distribution

import (
	"context"
	"math/big"
	"time"
)

// Store 是分发尝试的追加式持久化接口。
type Store interface {
	// Create 写入新的尝试。PENDING 尝试要求同一 (agent, token) 不存在其他 PENDING 记录，
	// 否则返回 ErrConcurrentRun。
	Create(ctx context.Context, attempt *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	// ListByAgent 返回智能体的全部尝试，按创建时间倒序。
	ListByAgent(ctx context.Context, agentID string) ([]*Attempt, error)
	// Checkpoint 在尝试仍为 PENDING 时覆盖其步骤列表。
	Checkpoint(ctx context.Context, id string, steps []StepResult) error
	// Finish 原子地写入终态、步骤与错误信息，仅对 PENDING 尝试生效。
	Finish(ctx context.Context, attempt *Attempt) error
	// ListStale 返回最后一次写入（创建或检查点）早于 before（Unix 毫秒）的 PENDING 尝试。
	ListStale(ctx context.Context, before int64) ([]*Attempt, error)
	Close() error
}

// AgentStore 读写智能体记录上的完成标记。
type AgentStore interface {
	Get(ctx context.Context, id string) (*Agent, error)
	UpdateFlags(ctx context.Context, id string, flags Flags) error
}

// TokenReader 提供执行前所需的只读链上查询。
type TokenReader interface {
	// SignerBalance 返回签名账户在 token 上的余额（最小单位）。
	SignerBalance(ctx context.Context, token string) (*big.Int, error)
	TokenDecimals(ctx context.Context, token string) (int32, error)
}

// OfferingReader 读取募集合约状态。
type OfferingReader interface {
	// RaisedAmount 返回募集总额，单位为募集资产的最小单位。
	RaisedAmount(ctx context.Context, offeringAddress string) (*big.Int, error)
	// DepositToken 返回募集资产的合约地址。
	DepositToken(ctx context.Context, offeringAddress string) (string, error)
	Succeeded(ctx context.Context, offeringAddress string) (bool, error)
}

// PlannedStep 是交给执行器的单个待执行步骤。
type PlannedStep struct {
	Type    StepType
	AgentID string
	// Asset 是被扣减的代币合约地址。
	Asset string
	// To 是收款地址；liquidity 与 burn 为空。
	To           string
	Amount       *big.Int
	Display      string
	LockDuration time.Duration
}

// StepExecutor 为每种步骤提交恰好一笔链上操作，并等待最终结果。
// 执行器不返回错误：失败写入 StepResult。
type StepExecutor interface {
	Execute(ctx context.Context, step PlannedStep) StepResult
}

// Recorder 接收运行指标。
type Recorder interface {
	ObserveAttempt(status string, duration time.Duration)
	ObserveStep(step, status string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(string, time.Duration) {}
func (nopRecorder) ObserveStep(string, string)           {}
