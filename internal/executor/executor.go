// Package executor submits the on-chain action for each distribution step and
// answers the balance and decimals reads the pre-flight checks need.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"iao-settlement/internal/distribution"
	"iao-settlement/internal/liquidity"
	"iao-settlement/internal/web3"
	"iao-settlement/internal/web3/ethereum"
	"iao-settlement/pkg/logger"
)

const burnMethod = "burn"

// Executor 实现 distribution.StepExecutor 与 distribution.TokenReader。
type Executor struct {
	tx        web3.Transactor
	tokens    *ethereum.Token
	liquidity liquidity.Provider
	now       func() time.Time
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Executor)

// WithClock 替换时间来源，用于计算锁定到期时间。
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// New 创建 Executor。lp 可以为 nil，此时 liquidity 步骤记为失败。
func New(tx web3.Transactor, caller web3.Caller, lp liquidity.Provider, opts ...Option) *Executor {
	e := &Executor{
		tx:        tx,
		tokens:    ethereum.NewToken(caller),
		liquidity: lp,
		now:       time.Now,
		log:       logger.Named("executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 为一个步骤提交恰好一笔链上操作并等待结果。
func (e *Executor) Execute(ctx context.Context, step distribution.PlannedStep) distribution.StepResult {
	result := distribution.StepResult{
		Type:   step.Type,
		Amount: step.Display,
		Status: distribution.StepStatusFailed,
	}
	if step.Amount == nil || step.Amount.Sign() <= 0 {
		result.Error = "step amount must be positive"
		return result
	}
	if !common.IsHexAddress(step.Asset) {
		result.Error = "invalid token address: " + step.Asset
		return result
	}
	asset := common.HexToAddress(step.Asset)
	log := e.log.With(slog.String("agent_id", step.AgentID), slog.String("step", string(step.Type)))

	switch step.Type {
	case distribution.StepCreator:
		e.creator(ctx, asset, step, &result)
	case distribution.StepAirdrop, distribution.StepMining:
		e.transfer(ctx, asset, step, &result)
	case distribution.StepLiquidity:
		e.addLiquidity(ctx, asset, step, &result)
	case distribution.StepBurn:
		e.burn(ctx, asset, step, &result)
	default:
		result.Error = fmt.Sprintf("unsupported step type %q", step.Type)
	}

	if result.Confirmed() {
		log.Info("步骤已确认", slog.String("tx_hash", result.TxHash), slog.String("amount", result.Amount))
	} else {
		log.Warn("步骤失败", slog.String("tx_hash", result.TxHash), slog.String("error", result.Error))
	}
	return result
}

func (e *Executor) creator(ctx context.Context, asset common.Address, step distribution.PlannedStep, result *distribution.StepResult) {
	to, ok := recipient(step, result)
	if !ok {
		return
	}
	unlock := e.now().Add(step.LockDuration).Unix()
	data, err := e.tokens.Pack("transferAndLock", to, step.Amount, big.NewInt(unlock))
	if err != nil {
		result.Error = err.Error()
		return
	}
	e.submit(ctx, asset, data, result)
}

func (e *Executor) transfer(ctx context.Context, asset common.Address, step distribution.PlannedStep, result *distribution.StepResult) {
	to, ok := recipient(step, result)
	if !ok {
		return
	}
	data, err := e.tokens.Pack("transfer", to, step.Amount)
	if err != nil {
		result.Error = err.Error()
		return
	}
	e.submit(ctx, asset, data, result)
}

func (e *Executor) addLiquidity(ctx context.Context, asset common.Address, step distribution.PlannedStep, result *distribution.StepResult) {
	if e.liquidity == nil {
		result.Error = "liquidity provider is not configured"
		return
	}
	res := e.liquidity.AddLiquidity(ctx, liquidity.Request{AgentID: step.AgentID, Token: asset, Amount: step.Amount})
	result.TxHash = res.TxHash
	if !res.Success {
		result.Error = res.Error
		if result.Error == "" {
			result.Error = "liquidity provider reported failure"
		}
		return
	}
	result.Status = distribution.StepStatusConfirmed
	pool := res.PoolAddress
	if pool == nil {
		// 池地址缺失不影响步骤状态，只再查询一次。
		resolved, err := e.liquidity.PoolAddress(ctx, asset)
		if err != nil {
			e.log.Warn("补查流动性池地址失败", slog.Any("error", err), slog.String("tx_hash", res.TxHash))
		}
		pool = resolved
	}
	result.ToAddress = pool
}

func (e *Executor) burn(ctx context.Context, asset common.Address, step distribution.PlannedStep, result *distribution.StepResult) {
	supported, err := e.tokens.SupportsMethod(ctx, asset, burnMethod)
	if err != nil {
		result.Error = fmt.Sprintf("inspect token contract: %v", err)
		return
	}
	if !supported {
		result.Error = fmt.Sprintf("token contract %s does not expose burn(uint256); tokens were not moved", asset.Hex())
		return
	}
	data, err := e.tokens.Pack(burnMethod, step.Amount)
	if err != nil {
		result.Error = err.Error()
		return
	}
	e.submit(ctx, asset, data, result)
}

func (e *Executor) submit(ctx context.Context, to common.Address, data []byte, result *distribution.StepResult) {
	receipt, err := e.tx.Submit(ctx, to, data, nil)
	if receipt != nil {
		result.TxHash = receipt.TxHash
	}
	switch {
	case errors.Is(err, web3.ErrReceiptTimeout):
		result.Error = "receipt wait timed out; transaction may still be mined: " + err.Error()
	case err != nil:
		result.Error = err.Error()
	case receipt == nil || !receipt.Success:
		result.Error = web3.ErrReverted.Error()
	default:
		result.Status = distribution.StepStatusConfirmed
	}
}

func recipient(step distribution.PlannedStep, result *distribution.StepResult) (common.Address, bool) {
	if !common.IsHexAddress(step.To) {
		result.Error = "invalid recipient address: " + step.To
		return common.Address{}, false
	}
	to := common.HexToAddress(step.To)
	hex := to.Hex()
	result.ToAddress = &hex
	return to, true
}

// SignerBalance 实现 distribution.TokenReader。
func (e *Executor) SignerBalance(ctx context.Context, token string) (*big.Int, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid token address: %s", token)
	}
	return e.tokens.BalanceOf(ctx, common.HexToAddress(token), e.tx.Address())
}

// TokenDecimals 实现 distribution.TokenReader。
func (e *Executor) TokenDecimals(ctx context.Context, token string) (int32, error) {
	if !common.IsHexAddress(token) {
		return 0, fmt.Errorf("invalid token address: %s", token)
	}
	d, err := e.tokens.Decimals(ctx, common.HexToAddress(token))
	if err != nil {
		return 0, err
	}
	return int32(d), nil
}

var (
	_ distribution.StepExecutor = (*Executor)(nil)
	_ distribution.TokenReader  = (*Executor)(nil)
)
