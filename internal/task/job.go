package task

import (
	stdErrors "errors"
	"net/http"

	"iao-settlement/internal/distribution"
	xerrors "iao-settlement/internal/errors"
)

// Kind 区分后台任务类型。
type Kind string

const (
	KindStart Kind = "start"
	KindRetry Kind = "retry"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 记录任务产生的分发尝试。
type Result struct {
	AttemptID     string              `json:"attempt_id"`
	AttemptStatus distribution.Status `json:"attempt_status"`
}

// Job 描述排队执行的分发或重试请求。
type Job struct {
	ID         string                     `json:"id"`
	Kind       Kind                       `json:"kind"`
	AgentID    string                     `json:"agent_id,omitempty"`
	Request    *distribution.StartRequest `json:"request,omitempty"`
	RetryOf    string                     `json:"retry_of,omitempty"`
	Status     Status                     `json:"status"`
	Attempts   int                        `json:"attempts"`
	MaxRetries int                        `json:"max_retries"`
	LastError  string                     `json:"last_error,omitempty"`
	ErrorCode  string                     `json:"error_code,omitempty"`
	Result     *Result                    `json:"result,omitempty"`
	CreatedAt  int64                      `json:"created_at"`
	UpdatedAt  int64                      `json:"updated_at"`
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:    "job not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:    "job conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:    "job already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:    "job retries exhausted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:    "job validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:    "failed to publish job",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:    "job execution failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// IsJobError 判断错误是否为指定的任务错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrJobNotFound):
		return target == CodeJobNotFound
	case stdErrors.Is(err, ErrJobConflict):
		return target == CodeJobConflict
	case stdErrors.Is(err, ErrJobCompleted):
		return target == CodeJobCompleted
	case stdErrors.Is(err, ErrJobExhausted):
		return target == CodeJobExhausted
	}
	return false
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// Finished 判断任务是否已结束且不会再被领取。
func (j *Job) Finished() bool {
	if j.Status == StatusSucceeded {
		return true
	}
	return j.Status == StatusFailed && j.Attempts >= j.MaxRetries
}

// Clone 返回任务的深拷贝。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Request != nil {
		req := *j.Request
		req.Options.Steps = append([]distribution.StepType(nil), j.Request.Options.Steps...)
		clone.Request = &req
	}
	if j.Result != nil {
		res := *j.Result
		clone.Result = &res
	}
	return &clone
}
