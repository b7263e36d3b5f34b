package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"iao-settlement/internal/distribution"
	xerrors "iao-settlement/internal/errors"
	"iao-settlement/pkg/logger"
)

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// SubmitStart 创建分发任务并推送到队列。jobID 非空时作为幂等键。
func (s *Service) SubmitStart(ctx context.Context, jobID string, req distribution.StartRequest) (*Job, error) {
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		return nil, xerrors.New(CodeJobValidation, "agent_id 不能为空")
	}
	if strings.TrimSpace(req.TokenAddress) == "" {
		return nil, xerrors.New(CodeJobValidation, "token_address 不能为空")
	}
	if strings.TrimSpace(req.TotalSupply) == "" {
		return nil, xerrors.New(CodeJobValidation, "total_supply 不能为空")
	}
	return s.submit(ctx, jobID, &Job{Kind: KindStart, AgentID: req.AgentID, Request: &req})
}

// SubmitRetry 创建针对某条尝试的重试任务。
func (s *Service) SubmitRetry(ctx context.Context, jobID, attemptID string) (*Job, error) {
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return nil, xerrors.New(CodeJobValidation, "attempt_id 不能为空")
	}
	return s.submit(ctx, jobID, &Job{Kind: KindRetry, RetryOf: attemptID})
}

func (s *Service) submit(ctx context.Context, jobID string, job *Job) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	jobID = strings.TrimSpace(jobID)
	if jobID != "" {
		existing, err := s.store.Get(ctx, jobID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = newJobID()
	}

	job.ID = jobID
	job.Status = StatusPending
	job.MaxRetries = s.maxRetries
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, jobID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrJobNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true, nil)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("job_id", jobID),
		slog.String("kind", string(job.Kind)),
		slog.String("agent_id", job.AgentID),
		slog.String("retry_of", job.RetryOf),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job.Clone(), nil
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	if s.store == nil {
		return JobStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询任务状态直到任务结束或 ctx 取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Finished() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
