package distribution

import (
	"context"
	"log/slog"

	"iao-settlement/pkg/logger"
)

// LedgerEntry 是某步骤在全部历史尝试中胜出的结果。
type LedgerEntry struct {
	StepResult
	AttemptID        string `json:"attempt_id"`
	AttemptCreatedAt int64  `json:"attempt_created_at"`
}

// Ledger 按步骤类型汇总所有尝试，不做持久化。
type Ledger map[StepType]LedgerEntry

// Completed 返回已确认的步骤集合。
func (l Ledger) Completed() StepSet {
	done := make(StepSet, len(l))
	for t, entry := range l {
		if entry.Confirmed() {
			done[t] = struct{}{}
		}
	}
	return done
}

// Flags 将账本映射为智能体记录上的完成标记。
func (l Ledger) Flags() Flags {
	done := l.Completed()
	return Flags{
		TokensDistributed: done.Has(StepCreator) && done.Has(StepAirdrop) && done.Has(StepMining),
		LiquidityAdded:    done.Has(StepLiquidity),
		TokensBurned:      done.Has(StepBurn),
	}
}

// Merge 将 (agent, token) 的全部尝试折叠为账本。
// 代币地址不一致的尝试被忽略；同一步骤按以下优先级选出结果：
// confirmed 优先于其他状态；同为 confirmed 或同为非 confirmed 时取最新创建的尝试。
func Merge(attempts []*Attempt, tokenAddress string) Ledger {
	ledger := make(Ledger)
	owners := make(map[StepType]*Attempt)
	for _, attempt := range attempts {
		if attempt == nil || !SameAddress(attempt.TokenAddress, tokenAddress) {
			continue
		}
		for _, step := range attempt.Steps {
			if !step.Type.Valid() {
				continue
			}
			current, seen := owners[step.Type]
			if seen && !outranks(step, attempt, ledger[step.Type].StepResult, current) {
				continue
			}
			owners[step.Type] = attempt
			ledger[step.Type] = LedgerEntry{
				StepResult:       step,
				AttemptID:        attempt.ID,
				AttemptCreatedAt: attempt.CreatedAt,
			}
		}
	}
	return ledger
}

func outranks(candidate StepResult, candidateAttempt *Attempt, incumbent StepResult, incumbentAttempt *Attempt) bool {
	if candidate.Confirmed() != incumbent.Confirmed() {
		return candidate.Confirmed()
	}
	return newer(candidateAttempt, incumbentAttempt)
}

// Reconciler 从尝试存储加载历史并计算账本。
type Reconciler struct {
	store Store
	cache LedgerCache
}

// NewReconciler 构造 Reconciler；cache 可以为 nil。
func NewReconciler(store Store, cache LedgerCache) *Reconciler {
	return &Reconciler{store: store, cache: cache}
}

// Reconcile 总是从存储重新计算账本，并刷新缓存。
func (r *Reconciler) Reconcile(ctx context.Context, agentID, tokenAddress string) (Ledger, error) {
	attempts, err := r.store.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	ledger := Merge(attempts, tokenAddress)
	if r.cache != nil {
		if err := r.cache.Set(ctx, agentID, tokenAddress, ledger); err != nil {
			logger.L().Warn("写入账本缓存失败", slog.Any("error", err), slog.String("agent_id", agentID))
		}
	}
	return ledger, nil
}

// Ledger 优先读取缓存，未命中时回退到 Reconcile。只用于读路径。
func (r *Reconciler) Ledger(ctx context.Context, agentID, tokenAddress string) (Ledger, error) {
	if r.cache != nil {
		ledger, ok, err := r.cache.Get(ctx, agentID, tokenAddress)
		if err != nil {
			logger.L().Warn("读取账本缓存失败", slog.Any("error", err), slog.String("agent_id", agentID))
		} else if ok {
			return ledger, nil
		}
	}
	return r.Reconcile(ctx, agentID, tokenAddress)
}

// Invalidate 在尝试写入后清除缓存。
func (r *Reconciler) Invalidate(ctx context.Context, agentID, tokenAddress string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, agentID, tokenAddress); err != nil {
		logger.L().Warn("清除账本缓存失败", slog.Any("error", err), slog.String("agent_id", agentID))
	}
}
