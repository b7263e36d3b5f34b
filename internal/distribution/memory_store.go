package distribution

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "iao-settlement/internal/errors"
)

// MemoryStore 以内存方式保存分发尝试，主要用于测试与单机运行。
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string]*Attempt
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string]*Attempt)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, attempt *Attempt) error {
	if attempt == nil || attempt.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "尝试 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[attempt.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "尝试 ID 已存在")
	}
	if attempt.Status == StatusPending {
		for _, existing := range m.attempts {
			if existing.Status == StatusPending &&
				existing.AgentID == attempt.AgentID &&
				SameAddress(existing.TokenAddress, attempt.TokenAddress) {
				return ErrConcurrentRun
			}
		}
	}
	now := time.Now().UnixMilli()
	if attempt.CreatedAt == 0 {
		attempt.CreatedAt = now
	}
	if attempt.UpdatedAt == 0 {
		attempt.UpdatedAt = attempt.CreatedAt
	}
	m.attempts[attempt.ID] = attempt.Clone()
	return nil
}

// Get 返回尝试记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attempt, ok := m.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return attempt.Clone(), nil
}

// ListByAgent 返回智能体的全部尝试，最新在前。
func (m *MemoryStore) ListByAgent(_ context.Context, agentID string) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Attempt
	for _, attempt := range m.attempts {
		if attempt.AgentID == agentID {
			out = append(out, attempt.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Checkpoint 覆盖 PENDING 尝试的步骤列表。
func (m *MemoryStore) Checkpoint(_ context.Context, id string, steps []StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[id]
	if !ok {
		return ErrAttemptNotFound
	}
	if attempt.Status != StatusPending {
		return ErrAttemptImmutable
	}
	attempt.Steps = cloneSteps(steps)
	attempt.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Finish 写入终态。
func (m *MemoryStore) Finish(_ context.Context, update *Attempt) error {
	if update == nil || !update.Status.Terminal() {
		return xerrors.New(xerrors.CodeInvalidArgument, "终态无效")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[update.ID]
	if !ok {
		return ErrAttemptNotFound
	}
	if attempt.Status != StatusPending {
		return ErrAttemptImmutable
	}
	attempt.Status = update.Status
	attempt.Steps = cloneSteps(update.Steps)
	attempt.Error = update.Error
	if update.Allocation != nil {
		attempt.Allocation = update.Clone().Allocation
	}
	attempt.UpdatedAt = time.Now().UnixMilli()
	if update.CompletedAt != nil {
		ts := *update.CompletedAt
		attempt.CompletedAt = &ts
	} else {
		ts := attempt.UpdatedAt
		attempt.CompletedAt = &ts
	}
	return nil
}

// ListStale 返回最后写入早于 before、仍为 PENDING 的尝试。
func (m *MemoryStore) ListStale(_ context.Context, before int64) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Attempt
	for _, attempt := range m.attempts {
		if attempt.Status == StatusPending && attempt.UpdatedAt < before {
			out = append(out, attempt.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func sortNewestFirst(attempts []*Attempt) {
	sort.Slice(attempts, func(i, j int) bool {
		return newer(attempts[i], attempts[j])
	})
}

// newer 判断 a 是否比 b 更新；创建时间相同时比较 ID（v7 UUID 按时间有序）。
func newer(a, b *Attempt) bool {
	if a.CreatedAt == b.CreatedAt {
		return a.ID > b.ID
	}
	return a.CreatedAt > b.CreatedAt
}

// MemoryAgentStore 以内存方式保存智能体记录。
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryAgentStore 创建 MemoryAgentStore。
func NewMemoryAgentStore(agents ...Agent) *MemoryAgentStore {
	store := &MemoryAgentStore{agents: make(map[string]*Agent, len(agents))}
	for _, a := range agents {
		agent := a
		store.agents[a.ID] = &agent
	}
	return store
}

// Put 新增或替换智能体记录。
func (m *MemoryAgentStore) Put(agent Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = &agent
}

// Get 实现 AgentStore 接口。
func (m *MemoryAgentStore) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *agent
	return &clone, nil
}

// UpdateFlags 实现 AgentStore 接口。
func (m *MemoryAgentStore) UpdateFlags(_ context.Context, id string, flags Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	agent.Flags = flags
	return nil
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ AgentStore = (*MemoryAgentStore)(nil)
)
