package distribution

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"iao-settlement/internal/allocation"
	xerrors "iao-settlement/internal/errors"
)

// StepType 标识一次分发中的链上步骤。
type StepType string

const (
	StepCreator   StepType = "creator"
	StepAirdrop   StepType = "airdrop"
	StepMining    StepType = "mining"
	StepLiquidity StepType = "liquidity"
	StepBurn      StepType = "burn"
)

// ExecutionOrder 是步骤的固定执行顺序。
var ExecutionOrder = []StepType{StepCreator, StepAirdrop, StepMining, StepLiquidity, StepBurn}

// defaultSteps 是未指定步骤时请求的集合，销毁需要显式开启。
var defaultSteps = []StepType{StepCreator, StepAirdrop, StepMining, StepLiquidity}

// Valid 判断步骤类型是否受支持。
func (t StepType) Valid() bool {
	switch t {
	case StepCreator, StepAirdrop, StepMining, StepLiquidity, StepBurn:
		return true
	default:
		return false
	}
}

// Bucket 返回步骤对应的分配桶；burn 不属于任何分配桶。
func (t StepType) Bucket() (allocation.Bucket, bool) {
	switch t {
	case StepCreator:
		return allocation.BucketCreator, true
	case StepAirdrop:
		return allocation.BucketAirdrop, true
	case StepMining:
		return allocation.BucketMining, true
	case StepLiquidity:
		return allocation.BucketLiquidity, true
	default:
		return "", false
	}
}

// StepStatus 描述单个步骤的链上结果。
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

// Status 描述一次分发尝试的整体状态。
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusCompleted     Status = "COMPLETED"
	StatusPartialFailed Status = "PARTIAL_FAILED"
	StatusFailed        Status = "FAILED"
)

// Terminal 判断状态是否已离开 PENDING。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartialFailed, StatusFailed:
		return true
	default:
		return false
	}
}

// StepResult 记录本次尝试中某个步骤的执行结果。
type StepResult struct {
	Type      StepType   `json:"type"`
	Amount    string     `json:"amount"`
	TxHash    string     `json:"tx_hash,omitempty"`
	Status    StepStatus `json:"status"`
	ToAddress *string    `json:"to_address"`
	Error     string     `json:"error,omitempty"`
}

// Confirmed 判断步骤是否已在链上确认。
func (r StepResult) Confirmed() bool {
	return r.Status == StepStatusConfirmed
}

// Options 是发起分发时的可选参数。
type Options struct {
	IncludeBurn      bool            `json:"include_burn"`
	BurnPercentage   decimal.Decimal `json:"burn_percentage"`
	BurnTokenAddress string          `json:"burn_token_address,omitempty"`
	Steps            []StepType      `json:"steps,omitempty"`
}

// Requested 返回按执行顺序排列的请求步骤集合。
func (o Options) Requested() StepSet {
	set := make(StepSet, len(o.Steps)+1)
	for _, s := range o.Steps {
		set[s] = struct{}{}
	}
	if o.IncludeBurn {
		set[StepBurn] = struct{}{}
	}
	return set
}

// Attempt 是一次分发执行的持久化记录，包括重试产生的执行。
// 时间戳均为 Unix 毫秒。
type Attempt struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agent_id"`
	TokenAddress string            `json:"token_address"`
	TotalSupply  string            `json:"total_supply"`
	InitiatedBy  string            `json:"initiated_by"`
	Status       Status            `json:"status"`
	Options      Options           `json:"options"`
	Allocation   map[string]string `json:"allocation,omitempty"`
	Steps        []StepResult      `json:"steps"`
	Error        string            `json:"error,omitempty"`
	RetryOf      string            `json:"retry_of,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
	CompletedAt  *int64            `json:"completed_at,omitempty"`
}

// Step 返回本次尝试中指定类型的步骤结果。
func (a *Attempt) Step(t StepType) (StepResult, bool) {
	for _, s := range a.Steps {
		if s.Type == t {
			return s, true
		}
	}
	return StepResult{}, false
}

// Clone 返回尝试记录的深拷贝。
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Steps = cloneSteps(a.Steps)
	clone.Options.Steps = append([]StepType(nil), a.Options.Steps...)
	if a.Allocation != nil {
		clone.Allocation = make(map[string]string, len(a.Allocation))
		for k, v := range a.Allocation {
			clone.Allocation[k] = v
		}
	}
	if a.CompletedAt != nil {
		ts := *a.CompletedAt
		clone.CompletedAt = &ts
	}
	return &clone
}

func cloneSteps(steps []StepResult) []StepResult {
	if steps == nil {
		return []StepResult{}
	}
	out := make([]StepResult, len(steps))
	for i, s := range steps {
		out[i] = s
		if s.ToAddress != nil {
			addr := *s.ToAddress
			out[i].ToAddress = &addr
		}
	}
	return out
}

// Flags 是缓存在智能体记录上的完成标记。
type Flags struct {
	TokensDistributed bool `json:"tokens_distributed"`
	LiquidityAdded    bool `json:"liquidity_added"`
	TokensBurned      bool `json:"tokens_burned"`
}

// Agent 是分发所需的智能体信息。
type Agent struct {
	ID              string `json:"id"`
	CreatorAddress  string `json:"creator_address"`
	TokenAddress    string `json:"token_address"`
	OfferingAddress string `json:"offering_address"`
	Flags           Flags  `json:"flags"`
}

// StartRequest 描述一次分发请求。
type StartRequest struct {
	AgentID      string  `json:"agent_id"`
	TotalSupply  string  `json:"total_supply"`
	TokenAddress string  `json:"token_address"`
	InitiatedBy  string  `json:"initiated_by"`
	Options      Options `json:"options"`
}

// Normalize 校验请求并填充默认值。
func (r *StartRequest) Normalize(defaultBurn decimal.Decimal) error {
	r.AgentID = strings.TrimSpace(r.AgentID)
	r.TotalSupply = strings.TrimSpace(r.TotalSupply)
	r.InitiatedBy = strings.TrimSpace(r.InitiatedBy)
	if r.AgentID == "" {
		return invalidRequest("agent_id 不能为空")
	}
	if r.TotalSupply == "" {
		return invalidRequest("total_supply 不能为空")
	}
	addr, ok := normalizeAddress(r.TokenAddress)
	if !ok {
		return invalidRequest("token_address 不是合法地址")
	}
	r.TokenAddress = addr

	opts := &r.Options
	if opts.BurnTokenAddress != "" {
		burnAddr, ok := normalizeAddress(opts.BurnTokenAddress)
		if !ok {
			return invalidRequest("burn_token_address 不是合法地址")
		}
		opts.BurnTokenAddress = burnAddr
	}

	steps := opts.Steps
	if len(steps) == 0 {
		steps = defaultSteps
	}
	requested := make(StepSet, len(steps))
	for _, s := range steps {
		if !s.Valid() {
			return invalidRequest("未知的步骤类型: " + string(s))
		}
		requested[s] = struct{}{}
	}
	if _, ok := requested[StepBurn]; ok {
		opts.IncludeBurn = true
	}
	if opts.IncludeBurn {
		requested[StepBurn] = struct{}{}
		if opts.BurnPercentage.IsZero() {
			opts.BurnPercentage = defaultBurn
		}
		if err := allocation.ValidatePercentage(opts.BurnPercentage); err != nil {
			return invalidRequest(err.Error())
		}
	}
	opts.Steps = requested.Ordered()
	return nil
}

// StepSet 是步骤类型的集合。
type StepSet map[StepType]struct{}

// Has 判断集合是否包含指定步骤。
func (s StepSet) Has(t StepType) bool {
	_, ok := s[t]
	return ok
}

// Ordered 按执行顺序返回集合元素。
func (s StepSet) Ordered() []StepType {
	out := make([]StepType, 0, len(s))
	for _, t := range ExecutionOrder {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func normalizeAddress(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return "", false
	}
	return common.HexToAddress(raw).Hex(), true
}

// SameAddress 忽略大小写比较两个地址。
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func invalidRequest(msg string) error {
	return xerrors.New(CodeInvalidRequest, msg)
}
