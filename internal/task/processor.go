package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"iao-settlement/internal/distribution"
	xerrors "iao-settlement/internal/errors"
	"iao-settlement/internal/observability/alerting"
	"iao-settlement/pkg/logger"
)

// Runner 定义了处理器所需的分发能力，由 distribution.Coordinator 实现。
type Runner interface {
	Start(ctx context.Context, req distribution.StartRequest) (*distribution.Attempt, error)
	Retry(ctx context.Context, attemptID string) (*distribution.Attempt, error)
}

// Recorder 接收任务处理指标。
type Recorder interface {
	ObserveJob(kind, outcome string)
	SetQueueDepth(n int)
}

// Processor 负责从队列消费任务并交给 Runner 执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	metrics     Recorder
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRecorder 配置任务指标。
func WithRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) {
		p.metrics = r
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if skippable(err) {
			p.logDebug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}
	defer p.refreshDepth(ctx)

	attempt, runErr := p.run(ctx, job)
	var result *Result
	if attempt != nil {
		result = &Result{AttemptID: attempt.ID, AttemptStatus: attempt.Status}
	}
	if runErr != nil {
		return p.handleFailure(ctx, job, runErr, result)
	}
	if result == nil {
		return p.handleFailure(ctx, job, xerrors.New(CodeJobProcessing, "runner returned no attempt"), nil)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, *result); err != nil {
		// 分发已落库，任务记录写失败时不能重跑，只记录告警。
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		p.emitAlert(ctx, job, xerrors.CodeStorageFailure, err, "mark_succeeded")
		return nil
	}
	p.observe(job, "succeeded")
	logger.Audit().Info("任务执行完成",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("attempt_id", result.AttemptID),
		slog.String("attempt_status", string(result.AttemptStatus)),
	)
	return nil
}

// skippable 判断领取失败是否只是重复投递或任务已结束。
func skippable(err error) bool {
	for _, code := range []xerrors.Code{CodeJobNotFound, CodeJobCompleted, CodeJobExhausted, CodeJobConflict} {
		if IsJobError(err, code) {
			return true
		}
	}
	return false
}

func (p *Processor) run(ctx context.Context, job *Job) (*distribution.Attempt, error) {
	switch job.Kind {
	case KindStart:
		if job.Request == nil {
			return nil, xerrors.New(CodeJobValidation, "start 任务缺少请求体")
		}
		return p.runner.Start(ctx, *job.Request)
	case KindRetry:
		return p.runner.Retry(ctx, job.RetryOf)
	default:
		return nil, xerrors.New(CodeJobValidation, fmt.Sprintf("未知的任务类型: %s", job.Kind))
	}
}

// handleFailure 处理 Runner 返回的错误。执行前中止或校验失败都不会自动重试，
// 只有可重试的基础设施错误（存储、链路）在重试次数内重新投递。
func (p *Processor) handleFailure(ctx context.Context, job *Job, runErr error, result *Result) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(runErr) && !distribution.IsPreflight(runErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, runErr.Error(), terminal, result); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	outcome := "retry"
	if terminal {
		outcome = "failed"
	}
	p.observe(job, outcome)
	logger.Audit().Warn("任务执行失败",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	switch {
	case retryable && terminal:
		stage = "exhausted"
	case terminal:
		stage = "terminal"
	}
	// 已生成尝试记录的失败由分发协调器告警。
	if stage == "exhausted" || stage == "terminal" && result == nil && xerrors.ShouldAlert(runErr) {
		alertCode := code
		if stage == "exhausted" {
			alertCode = CodeJobExhausted
		}
		p.emitAlert(ctx, job, alertCode, runErr, stage)
	}

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		p.logDebug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) observe(job *Job, outcome string) {
	if p.metrics != nil {
		p.metrics.ObserveJob(string(job.Kind), outcome)
	}
}

func (p *Processor) refreshDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	stats, err := p.store.Stats(ctx, ListOptions{Statuses: []Status{StatusPending}})
	if err != nil {
		p.logDebug("统计待处理任务失败", slog.Any("error", err))
		return
	}
	p.metrics.SetQueueDepth(stats.Pending)
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
		"kind":  string(job.Kind),
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		JobID:      job.ID,
		AgentID:    job.AgentID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if job.Result != nil {
		event.AttemptID = job.Result.AttemptID
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
