package distribution

import (
	"context"
	"strings"
	"sync"
	"time"
)

// LedgerCache 缓存 (agent, token) 的账本，由调用方显式注入。
type LedgerCache interface {
	Get(ctx context.Context, agentID, tokenAddress string) (Ledger, bool, error)
	Set(ctx context.Context, agentID, tokenAddress string, ledger Ledger) error
	Delete(ctx context.Context, agentID, tokenAddress string) error
}

// PairKey 返回 (agent, token) 的规范化键。
func PairKey(agentID, tokenAddress string) string {
	return agentID + ":" + strings.ToLower(strings.TrimSpace(tokenAddress))
}

type cachedLedger struct {
	ledger  Ledger
	expires time.Time
}

// MemoryLedgerCache 是带 TTL 的进程内账本缓存。
type MemoryLedgerCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedLedger
	now     func() time.Time
}

// NewMemoryLedgerCache 创建缓存；ttl<=0 时使用一分钟。
func NewMemoryLedgerCache(ttl time.Duration) *MemoryLedgerCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryLedgerCache{ttl: ttl, entries: make(map[string]cachedLedger), now: time.Now}
}

// Get 实现 LedgerCache 接口。
func (c *MemoryLedgerCache) Get(_ context.Context, agentID, tokenAddress string) (Ledger, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := PairKey(agentID, tokenAddress)
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return copyLedger(entry.ledger), true, nil
}

// Set 实现 LedgerCache 接口。
func (c *MemoryLedgerCache) Set(_ context.Context, agentID, tokenAddress string, ledger Ledger) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[PairKey(agentID, tokenAddress)] = cachedLedger{ledger: copyLedger(ledger), expires: c.now().Add(c.ttl)}
	return nil
}

// Delete 实现 LedgerCache 接口。
func (c *MemoryLedgerCache) Delete(_ context.Context, agentID, tokenAddress string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, PairKey(agentID, tokenAddress))
	return nil
}

func copyLedger(in Ledger) Ledger {
	out := make(Ledger, len(in))
	for k, v := range in {
		if v.ToAddress != nil {
			addr := *v.ToAddress
			v.ToAddress = &addr
		}
		out[k] = v
	}
	return out
}

var _ LedgerCache = (*MemoryLedgerCache)(nil)
