package distribution

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"iao-settlement/internal/allocation"
	xerrors "iao-settlement/internal/errors"
	"iao-settlement/internal/observability/alerting"
	"iao-settlement/pkg/logger"
)

const abandonedMessage = "abandoned: the process running this attempt exited before it finished"

// Settings 是分发的固定目的地与参数。
type Settings struct {
	AirdropAddress string
	MiningAddress  string
	// CreatorLock 是创建者份额的链上锁定时长。
	CreatorLock time.Duration
	// BurnPercentage 是请求未指定比例时使用的默认销毁比例。
	BurnPercentage decimal.Decimal
}

// Dependencies 聚合 Coordinator 的协作者。
type Dependencies struct {
	Store    Store
	Agents   AgentStore
	History  *Reconciler
	Tokens   TokenReader
	Executor StepExecutor
	Offering OfferingReader
}

// Coordinator 按固定顺序驱动一次分发：对账、余额校验、逐步执行、持久化结果。
type Coordinator struct {
	store    Store
	agents   AgentStore
	history  *Reconciler
	guard    *BalanceGuard
	tokens   TokenReader
	executor StepExecutor
	offering OfferingReader
	locks    RunLock
	alerter  alerting.Dispatcher
	metrics  Recorder
	settings Settings
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option 定义可选配置。
type Option func(*Coordinator)

// WithRunLock 替换默认的进程内运行锁。
func WithRunLock(lock RunLock) Option {
	return func(c *Coordinator) {
		if lock != nil {
			c.locks = lock
		}
	}
}

// WithAlertDispatcher 配置失败或部分失败时的告警派发。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(c *Coordinator) {
		c.alerter = d
	}
}

// WithRecorder 配置指标记录器。
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock 替换时间来源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator 替换尝试 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// NewCoordinator 构造 Coordinator。
func NewCoordinator(deps Dependencies, settings Settings, opts ...Option) (*Coordinator, error) {
	if deps.Store == nil || deps.Agents == nil || deps.Tokens == nil || deps.Executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "分发协调器缺少必要依赖")
	}
	if settings.BurnPercentage.IsZero() {
		settings.BurnPercentage = allocation.DefaultBurnPercentage
	}
	history := deps.History
	if history == nil {
		history = NewReconciler(deps.Store, nil)
	}
	c := &Coordinator{
		store:    deps.Store,
		agents:   deps.Agents,
		history:  history,
		guard:    NewBalanceGuard(deps.Tokens),
		tokens:   deps.Tokens,
		executor: deps.Executor,
		offering: deps.Offering,
		locks:    NewLocalLock(),
		metrics:  nopRecorder{},
		settings: settings,
		log:      logger.Named("distribution"),
		now:      time.Now,
		newID:    newAttemptID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func newAttemptID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Start 发起一次新的分发并同步执行到终态。
// 执行前中止时返回 FAILED 尝试记录与错误；步骤失败不会以错误形式返回。
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (*Attempt, error) {
	if err := req.Normalize(c.settings.BurnPercentage); err != nil {
		return nil, err
	}
	return c.run(ctx, req, "")
}

// Retry 针对一条历史尝试重新执行流水线。已 COMPLETED 的尝试原样返回。
func (c *Coordinator) Retry(ctx context.Context, attemptID string) (*Attempt, error) {
	prior, err := c.store.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	switch prior.Status {
	case StatusCompleted:
		c.log.Info("尝试已完成，跳过重试", slog.String("attempt_id", prior.ID))
		return prior, nil
	case StatusPending:
		return prior, ErrConcurrentRun
	}
	req := StartRequest{
		AgentID:      prior.AgentID,
		TotalSupply:  prior.TotalSupply,
		TokenAddress: prior.TokenAddress,
		InitiatedBy:  prior.InitiatedBy,
		Options:      prior.Options,
	}
	req.Options.Steps = append([]StepType(nil), prior.Options.Steps...)
	if err := req.Normalize(c.settings.BurnPercentage); err != nil {
		return nil, err
	}
	return c.run(ctx, req, prior.ID)
}

// Ledger 返回 (agent, token) 的合并账本，供读路径使用。
func (c *Coordinator) Ledger(ctx context.Context, agentID, tokenAddress string) (Ledger, error) {
	addr, ok := normalizeAddress(tokenAddress)
	if !ok {
		return nil, invalidRequest("token_address 不是合法地址")
	}
	return c.history.Ledger(ctx, agentID, addr)
}

// Attempt 返回单条尝试记录。
func (c *Coordinator) Attempt(ctx context.Context, id string) (*Attempt, error) {
	return c.store.Get(ctx, id)
}

// Attempts 返回智能体的全部尝试，最新在前。
func (c *Coordinator) Attempts(ctx context.Context, agentID string) ([]*Attempt, error) {
	return c.store.ListByAgent(ctx, agentID)
}

func (c *Coordinator) run(ctx context.Context, req StartRequest, retryOf string) (*Attempt, error) {
	started := c.now()
	attempt := &Attempt{
		ID:           c.newID(),
		AgentID:      req.AgentID,
		TokenAddress: req.TokenAddress,
		TotalSupply:  req.TotalSupply,
		InitiatedBy:  req.InitiatedBy,
		Status:       StatusPending,
		Options:      req.Options,
		Steps:        []StepResult{},
		RetryOf:      retryOf,
		CreatedAt:    started.UnixMilli(),
		UpdatedAt:    started.UnixMilli(),
	}
	log := c.log.With(
		slog.String("attempt_id", attempt.ID),
		slog.String("agent_id", attempt.AgentID),
		slog.String("token_address", attempt.TokenAddress),
	)

	release, err := c.locks.Acquire(ctx, PairKey(req.AgentID, req.TokenAddress))
	if err != nil {
		return c.reject(ctx, attempt, err, log)
	}
	defer release()

	if err := c.store.Create(ctx, attempt); err != nil {
		if stdErrors.Is(err, ErrConcurrentRun) {
			return c.reject(ctx, attempt, err, log)
		}
		return nil, err
	}
	c.history.Invalidate(ctx, attempt.AgentID, attempt.TokenAddress)
	logger.Audit().Info("分发尝试已创建",
		slog.String("attempt_id", attempt.ID),
		slog.String("agent_id", attempt.AgentID),
		slog.String("token_address", attempt.TokenAddress),
		slog.String("total_supply", attempt.TotalSupply),
		slog.String("initiated_by", attempt.InitiatedBy),
		slog.String("retry_of", retryOf),
	)

	prep, err := c.prepare(ctx, attempt)
	if err != nil {
		return c.abort(ctx, attempt, err, started, log)
	}

	// 交易一旦提交便无法撤回，执行阶段不再响应调用方取消。
	execCtx := context.WithoutCancel(ctx)
	// 提交第一笔交易前确认尝试仍为 PENDING，同时刷新 updated_at。
	if err := c.store.Checkpoint(execCtx, attempt.ID, attempt.Steps); err != nil {
		if stdErrors.Is(err, ErrAttemptImmutable) {
			return c.halt(execCtx, attempt, false, false, err, log)
		}
		return c.abort(execCtx, attempt, err, started, log)
	}
	carried := false
	for _, step := range prep.steps {
		if prep.completed.Has(step.Type) {
			carried = true
			log.Info("步骤已在历史尝试中确认，跳过", slog.String("step", string(step.Type)))
			continue
		}
		result := c.executor.Execute(execCtx, step)
		result.Type = step.Type
		if result.Amount == "" {
			result.Amount = step.Display
		}
		if result.Status != StepStatusConfirmed {
			result.Status = StepStatusFailed
		}
		attempt.Steps = append(attempt.Steps, result)
		c.metrics.ObserveStep(string(result.Type), string(result.Status))
		logger.Audit().Info("分发步骤结束",
			slog.String("attempt_id", attempt.ID),
			slog.String("step", string(result.Type)),
			slog.String("amount", result.Amount),
			slog.String("tx_hash", result.TxHash),
			slog.String("status", string(result.Status)),
			slog.String("error", result.Error),
		)
		if err := c.store.Checkpoint(execCtx, attempt.ID, attempt.Steps); err != nil {
			if stdErrors.Is(err, ErrAttemptImmutable) {
				return c.halt(execCtx, attempt, carried, false, err, log)
			}
			log.Error("保存步骤检查点失败", slog.Any("error", err), slog.String("step", string(result.Type)))
		}
	}

	attempt.Status = classify(attempt.Steps, carried)
	done, err := c.finish(execCtx, attempt, started, nil, log)
	if stdErrors.Is(err, ErrAttemptImmutable) {
		return c.halt(execCtx, attempt, carried, true, err, log)
	}
	return done, err
}

// halt 在尝试被其他进程结束后停止执行，不再提交任何交易。
// 已执行的步骤另存为一条关联的终态尝试，保证已确认的步骤进入合并账本。
// complete 表示全部计划步骤均已执行。
func (c *Coordinator) halt(ctx context.Context, attempt *Attempt, carried, complete bool, cause error, log *slog.Logger) (*Attempt, error) {
	log.Error("尝试已被外部结束，停止执行", slog.Any("error", cause), slog.Int("steps", len(attempt.Steps)))
	if len(attempt.Steps) == 0 {
		return attempt, cause
	}
	status := classify(attempt.Steps, carried)
	if status == StatusCompleted && !complete {
		status = StatusPartialFailed
	}
	now := c.now().UnixMilli()
	salvaged := &Attempt{
		ID:           c.newID(),
		AgentID:      attempt.AgentID,
		TokenAddress: attempt.TokenAddress,
		TotalSupply:  attempt.TotalSupply,
		InitiatedBy:  attempt.InitiatedBy,
		Status:       status,
		Options:      attempt.Options,
		Allocation:   attempt.Allocation,
		Steps:        cloneSteps(attempt.Steps),
		Error:        fmt.Sprintf("steps recorded after attempt %s was finalized elsewhere", attempt.ID),
		RetryOf:      attempt.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
		CompletedAt:  &now,
	}
	if err := c.store.Create(ctx, salvaged); err != nil {
		log.Error("保存已执行步骤失败", slog.Any("error", err))
		return attempt, stdErrors.Join(cause, err)
	}
	c.history.Invalidate(ctx, salvaged.AgentID, salvaged.TokenAddress)
	c.metrics.ObserveAttempt(string(salvaged.Status), 0)
	logger.Audit().Info("已执行步骤另存为新尝试",
		slog.String("attempt_id", salvaged.ID),
		slog.String("retry_of", attempt.ID),
		slog.String("status", string(salvaged.Status)),
		slog.Int("steps", len(salvaged.Steps)),
	)
	c.syncFlags(ctx, salvaged, log)
	c.emitAlert(ctx, salvaged, nil)
	return salvaged, cause
}

type preparation struct {
	steps     []PlannedStep
	completed StepSet
}

// prepare 完成所有执行前检查，任何错误都意味着尚未提交交易。
func (c *Coordinator) prepare(ctx context.Context, attempt *Attempt) (*preparation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	agent, err := c.agents.Get(ctx, attempt.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.TokenAddress != "" && !SameAddress(agent.TokenAddress, attempt.TokenAddress) {
		return nil, xerrors.Wrap(CodeTokenAddressMismatch,
			fmt.Errorf("agent token %s, requested %s", agent.TokenAddress, attempt.TokenAddress),
			"token address does not match agent")
	}

	if err := c.ensureOfferingSucceeded(ctx, agent); err != nil {
		return nil, err
	}

	ledger, err := c.history.Reconcile(ctx, attempt.AgentID, attempt.TokenAddress)
	if err != nil {
		return nil, err
	}
	completed := ledger.Completed()

	decimals, err := c.tokens.TokenDecimals(ctx, attempt.TokenAddress)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取代币精度失败")
	}
	plan, err := allocation.SplitSupply(attempt.TotalSupply, decimals)
	if err != nil {
		return nil, invalidRequest(err.Error())
	}
	attempt.Allocation = plan.Snapshot()

	requested := attempt.Options.Requested()
	steps := make([]PlannedStep, 0, len(requested))
	for _, t := range ExecutionOrder {
		if !requested.Has(t) {
			continue
		}
		step := PlannedStep{Type: t, AgentID: attempt.AgentID, Asset: attempt.TokenAddress}
		switch t {
		case StepCreator:
			creator, ok := normalizeAddress(agent.CreatorAddress)
			if !ok && !completed.Has(t) {
				return nil, invalidRequest("智能体缺少合法的创建者地址")
			}
			step.To = creator
			step.LockDuration = c.settings.CreatorLock
		case StepAirdrop:
			step.To = c.settings.AirdropAddress
		case StepMining:
			step.To = c.settings.MiningAddress
		case StepBurn:
			if completed.Has(t) {
				steps = append(steps, step)
				continue
			}
			if err := c.planBurn(ctx, agent, attempt, &step); err != nil {
				return nil, err
			}
			steps = append(steps, step)
			continue
		}
		bucket, _ := t.Bucket()
		step.Amount = plan.Amount(bucket)
		step.Display = plan.Display(bucket)
		if step.To == "" && (t == StepAirdrop || t == StepMining) && !completed.Has(t) {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("未配置 %s 地址", t))
		}
		steps = append(steps, step)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.guard.EnsureAffordable(ctx, steps, completed, decimals); err != nil {
		return nil, err
	}
	return &preparation{steps: steps, completed: completed}, nil
}

// ensureOfferingSucceeded 要求智能体的募集已成功结束；未登记募集合约的智能体不做检查。
func (c *Coordinator) ensureOfferingSucceeded(ctx context.Context, agent *Agent) error {
	if c.offering == nil {
		return nil
	}
	if _, ok := normalizeAddress(agent.OfferingAddress); !ok {
		return nil
	}
	succeeded, err := c.offering.Succeeded(ctx, agent.OfferingAddress)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "读取募集状态失败")
	}
	if !succeeded {
		return xerrors.Wrap(CodeOfferingNotSucceeded,
			fmt.Errorf("offering %s has not succeeded", agent.OfferingAddress),
			"offering has not succeeded")
	}
	return nil
}

func (c *Coordinator) planBurn(ctx context.Context, agent *Agent, attempt *Attempt, step *PlannedStep) error {
	if c.offering == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置募集合约读取器")
	}
	if _, ok := normalizeAddress(agent.OfferingAddress); !ok {
		return invalidRequest("智能体缺少合法的募集合约地址")
	}
	raised, err := c.offering.RaisedAmount(ctx, agent.OfferingAddress)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "读取募集总额失败")
	}
	raisedAsset, err := c.offering.DepositToken(ctx, agent.OfferingAddress)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "读取募集资产失败")
	}
	raisedDecimals, err := c.tokens.TokenDecimals(ctx, raisedAsset)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "读取募集资产精度失败")
	}
	amount, err := allocation.BurnAmount(raised, attempt.Options.BurnPercentage)
	if err != nil {
		return invalidRequest(err.Error())
	}
	asset := attempt.TokenAddress
	if attempt.Options.BurnTokenAddress != "" {
		asset = attempt.Options.BurnTokenAddress
	}
	decimals, err := c.tokens.TokenDecimals(ctx, asset)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "读取销毁资产精度失败")
	}
	// 募集总额以募集资产的最小单位计，需换算到销毁资产的精度。
	amount = allocation.Rescale(amount, raisedDecimals, decimals)
	step.Asset = asset
	step.Amount = amount
	step.Display = allocation.FormatUnits(amount, decimals)
	return nil
}

// classify 根据本次执行的步骤推导整体状态。carried 表示请求中有步骤已在历史尝试中确认。
func classify(steps []StepResult, carried bool) Status {
	confirmed, failed := 0, 0
	for _, s := range steps {
		if s.Confirmed() {
			confirmed++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusCompleted
	case confirmed > 0 || carried:
		return StatusPartialFailed
	default:
		return StatusFailed
	}
}

// reject 在无法创建 PENDING 尝试时（并发运行）直接记录一条 FAILED 尝试。
func (c *Coordinator) reject(ctx context.Context, attempt *Attempt, cause error, log *slog.Logger) (*Attempt, error) {
	completed := c.now().UnixMilli()
	attempt.Status = StatusFailed
	attempt.Error = cause.Error()
	attempt.CompletedAt = &completed
	log.Warn("分发请求被拒绝", slog.Any("error", cause))
	if err := c.store.Create(ctx, attempt); err != nil {
		return attempt, stdErrors.Join(cause, err)
	}
	c.metrics.ObserveAttempt(string(attempt.Status), 0)
	return attempt, cause
}

// abort 将已创建的尝试以 FAILED、零步骤结束。
func (c *Coordinator) abort(ctx context.Context, attempt *Attempt, cause error, started time.Time, log *slog.Logger) (*Attempt, error) {
	attempt.Status = StatusFailed
	attempt.Steps = []StepResult{}
	attempt.Error = cause.Error()
	log.Warn("分发在执行前中止", slog.Any("error", cause), slog.String("error_code", string(xerrors.CodeOf(cause))))
	if _, err := c.finish(context.WithoutCancel(ctx), attempt, started, cause, log); err != nil {
		return attempt, stdErrors.Join(cause, err)
	}
	return attempt, cause
}

func (c *Coordinator) finish(ctx context.Context, attempt *Attempt, started time.Time, cause error, log *slog.Logger) (*Attempt, error) {
	completed := c.now().UnixMilli()
	attempt.CompletedAt = &completed
	attempt.UpdatedAt = completed
	if err := c.store.Finish(ctx, attempt); err != nil {
		log.Error("写入尝试终态失败", slog.Any("error", err), slog.String("status", string(attempt.Status)))
		return attempt, err
	}
	c.history.Invalidate(ctx, attempt.AgentID, attempt.TokenAddress)
	c.metrics.ObserveAttempt(string(attempt.Status), c.now().Sub(started))

	logger.Audit().Info("分发尝试结束",
		slog.String("attempt_id", attempt.ID),
		slog.String("agent_id", attempt.AgentID),
		slog.String("status", string(attempt.Status)),
		slog.Int("steps", len(attempt.Steps)),
		slog.String("error", attempt.Error),
	)

	if cause == nil {
		c.syncFlags(ctx, attempt, log)
	}
	if attempt.Status != StatusCompleted {
		c.emitAlert(ctx, attempt, cause)
	}
	return attempt, nil
}

// syncFlags 让智能体记录上的完成标记与合并账本保持一致。
func (c *Coordinator) syncFlags(ctx context.Context, attempt *Attempt, log *slog.Logger) {
	ledger, err := c.history.Reconcile(ctx, attempt.AgentID, attempt.TokenAddress)
	if err != nil {
		log.Error("重新计算账本失败", slog.Any("error", err))
		return
	}
	flags := ledger.Flags()
	agent, err := c.agents.Get(ctx, attempt.AgentID)
	if err != nil {
		log.Error("读取智能体失败", slog.Any("error", err))
		return
	}
	if agent.Flags == flags {
		return
	}
	if err := c.agents.UpdateFlags(ctx, attempt.AgentID, flags); err != nil {
		log.Error("更新智能体完成标记失败", slog.Any("error", err))
		return
	}
	log.Info("智能体完成标记已更新",
		slog.Bool("tokens_distributed", flags.TokensDistributed),
		slog.Bool("liquidity_added", flags.LiquidityAdded),
		slog.Bool("tokens_burned", flags.TokensBurned),
	)
}

func (c *Coordinator) emitAlert(ctx context.Context, attempt *Attempt, cause error) {
	if c.alerter == nil {
		return
	}
	metadata := map[string]string{
		"status":        string(attempt.Status),
		"token_address": attempt.TokenAddress,
	}
	for _, s := range attempt.Steps {
		if !s.Confirmed() {
			metadata["step."+string(s.Type)] = s.Error
		}
	}
	event := alerting.Event{
		Code:       xerrors.CodeChainFailure,
		Severity:   xerrors.SeverityWarning,
		Message:    fmt.Sprintf("distribution finished with status %s", attempt.Status),
		AttemptID:  attempt.ID,
		AgentID:    attempt.AgentID,
		Metadata:   metadata,
		OccurredAt: c.now(),
	}
	if cause != nil {
		if e, ok := xerrors.From(cause); ok {
			event.Code = e.Code()
			event.Severity = e.Severity()
		} else {
			event.Code = xerrors.CodeUnknown
		}
		event.Message = cause.Error()
		if !xerrors.ShouldAlert(cause) {
			return
		}
	} else if attempt.Error != "" {
		event.Message = attempt.Error
	}
	if err := c.alerter.Notify(ctx, event); err != nil {
		c.log.Error("告警通知失败", slog.Any("error", err), slog.String("attempt_id", attempt.ID))
	}
}

// RecoverStale 结束超过 olderThan 未写入仍为 PENDING 的尝试（进程中途退出），
// 状态由已保存的步骤检查点推导。运行锁仍被持有的 (agent, token) 视为仍在执行，跳过。
func (c *Coordinator) RecoverStale(ctx context.Context, olderThan time.Duration) ([]*Attempt, error) {
	cutoff := c.now().Add(-olderThan).UnixMilli()
	stale, err := c.store.ListStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	recovered := make([]*Attempt, 0, len(stale))
	for _, candidate := range stale {
		attempt, ok, err := c.recoverOne(ctx, candidate)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered = append(recovered, attempt)
		}
	}
	return recovered, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, candidate *Attempt) (*Attempt, bool, error) {
	log := c.log.With(slog.String("attempt_id", candidate.ID), slog.String("agent_id", candidate.AgentID))
	release, err := c.locks.Acquire(ctx, PairKey(candidate.AgentID, candidate.TokenAddress))
	if err != nil {
		if stdErrors.Is(err, ErrConcurrentRun) {
			log.Info("尝试仍在执行，跳过回收")
			return nil, false, nil
		}
		return nil, false, err
	}
	defer release()

	// 加锁后重新读取，列表与加锁之间运行可能已结束或写入了新的检查点。
	attempt, err := c.store.Get(ctx, candidate.ID)
	if err != nil {
		return nil, false, err
	}
	if attempt.Status != StatusPending {
		return nil, false, nil
	}
	if len(attempt.Steps) == 0 {
		attempt.Status = StatusFailed
	} else {
		attempt.Status = classify(attempt.Steps, false)
		if attempt.Status == StatusCompleted {
			// 检查点之后可能还有未记录的步骤，不能视为完整成功。
			attempt.Status = StatusPartialFailed
		}
	}
	attempt.Error = abandonedMessage
	if _, err := c.finish(ctx, attempt, c.now(), nil, log); err != nil {
		if stdErrors.Is(err, ErrAttemptImmutable) {
			return nil, false, nil
		}
		return nil, false, err
	}
	log.Warn("已回收中断的分发尝试", slog.String("status", string(attempt.Status)))
	return attempt, true, nil
}
