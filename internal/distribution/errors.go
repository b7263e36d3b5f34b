package distribution

import (
	"fmt"
	"math/big"
	"net/http"

	"iao-settlement/internal/allocation"
	xerrors "iao-settlement/internal/errors"
)

const (
	CodeInsufficientBalance  xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeTokenAddressMismatch xerrors.Code = "TOKEN_ADDRESS_MISMATCH"
	CodeConcurrentRun        xerrors.Code = "CONCURRENT_RUN_IN_PROGRESS"
	CodeAttemptNotFound      xerrors.Code = "ATTEMPT_NOT_FOUND"
	CodeAttemptImmutable     xerrors.Code = "ATTEMPT_IMMUTABLE"
	CodeAgentNotFound        xerrors.Code = "AGENT_NOT_FOUND"
	CodeInvalidRequest       xerrors.Code = "INVALID_DISTRIBUTION_REQUEST"
	CodeOfferingNotSucceeded xerrors.Code = "OFFERING_NOT_SUCCEEDED"
)

var (
	// ErrInsufficientBalance 表示签名账户余额不足以覆盖待执行步骤。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient signer balance")
	// ErrTokenAddressMismatch 表示请求的代币地址与智能体记录不一致。
	ErrTokenAddressMismatch = xerrors.New(CodeTokenAddressMismatch, "token address does not match agent")
	// ErrConcurrentRun 表示同一 (agent, token) 已有进行中的尝试。
	ErrConcurrentRun = xerrors.New(CodeConcurrentRun, "another distribution run is in progress")
	// ErrAttemptNotFound 表示尝试记录不存在。
	ErrAttemptNotFound = xerrors.New(CodeAttemptNotFound, "distribution attempt not found")
	// ErrAttemptImmutable 表示尝试记录已离开 PENDING，不允许再修改。
	ErrAttemptImmutable = xerrors.New(CodeAttemptImmutable, "distribution attempt is immutable")
	// ErrAgentNotFound 表示智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrOfferingNotSucceeded 表示募集合约尚未成功结束，不能分发。
	ErrOfferingNotSucceeded = xerrors.New(CodeOfferingNotSucceeded, "offering has not succeeded")
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:    "insufficient signer balance",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeTokenAddressMismatch, xerrors.Attributes{
		Message:    "token address does not match agent",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeConcurrentRun, xerrors.Attributes{
		Message:    "another distribution run is in progress",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeAttemptNotFound, xerrors.Attributes{
		Message:    "distribution attempt not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeAttemptImmutable, xerrors.Attributes{
		Message:    "distribution attempt is immutable",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeOfferingNotSucceeded, xerrors.Attributes{
		Message:    "offering has not succeeded",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvalidRequest, xerrors.Attributes{
		Message:    "invalid distribution request",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

// InsufficientBalanceError 携带余额不足的明细。
type InsufficientBalanceError struct {
	Token     string
	Required  *big.Int
	Available *big.Int
	Decimals  int32
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: token %s requires %s, signer holds %s",
		ErrInsufficientBalance.Error(),
		e.Token,
		allocation.FormatUnits(e.Required, e.Decimals),
		allocation.FormatUnits(e.Available, e.Decimals),
	)
}

// Unwrap 使 errors.Is(err, ErrInsufficientBalance) 成立。
func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// IsPreflight 判断错误是否属于执行前中止。
func IsPreflight(err error) bool {
	switch xerrors.CodeOf(err) {
	case CodeInsufficientBalance, CodeTokenAddressMismatch, CodeConcurrentRun, CodeOfferingNotSucceeded:
		return true
	default:
		return false
	}
}
