package task

import (
	"context"

	xerrors "iao-settlement/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 将 pending 或可重试的 failed 任务置为 running，并递增 Attempts。
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, result Result) error
	// MarkFailed 记录失败；terminal 为 true 时任务不再被领取。result 可以为 nil。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool, result *Result) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (JobStats, error)
	Close() error
}
