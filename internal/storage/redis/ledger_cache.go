package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"iao-settlement/internal/distribution"
	xerrors "iao-settlement/internal/errors"
)

const defaultPrefix = "settlement"

type cacheClient interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// LedgerCache 以 JSON 形式把合并账本缓存在 Redis 中。
type LedgerCache struct {
	client cacheClient
	prefix string
	ttl    time.Duration
}

// NewLedgerCache 创建缓存。ttl<=0 时使用一分钟。
func NewLedgerCache(client cacheClient, prefix string, ttl time.Duration) *LedgerCache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &LedgerCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *LedgerCache) key(agentID, tokenAddress string) string {
	return joinKey(c.prefix, "ledger", distribution.PairKey(agentID, tokenAddress))
}

// Get 实现 distribution.LedgerCache。
func (c *LedgerCache) Get(ctx context.Context, agentID, tokenAddress string) (distribution.Ledger, bool, error) {
	raw, err := c.client.Get(ctx, c.key(agentID, tokenAddress)).Bytes()
	if err != nil {
		if stdErrors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账本缓存失败")
	}
	ledger, err := decodeLedger(raw)
	if err != nil {
		// 无法解析的条目视为未命中并清除。
		_ = c.client.Del(ctx, c.key(agentID, tokenAddress)).Err()
		return nil, false, nil
	}
	return ledger, true, nil
}

// Set 实现 distribution.LedgerCache。
func (c *LedgerCache) Set(ctx context.Context, agentID, tokenAddress string, ledger distribution.Ledger) error {
	raw, err := encodeLedger(ledger)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码账本失败")
	}
	if err := c.client.Set(ctx, c.key(agentID, tokenAddress), raw, c.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账本缓存失败")
	}
	return nil
}

// Delete 实现 distribution.LedgerCache。
func (c *LedgerCache) Delete(ctx context.Context, agentID, tokenAddress string) error {
	if err := c.client.Del(ctx, c.key(agentID, tokenAddress)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除账本缓存失败")
	}
	return nil
}

func encodeLedger(ledger distribution.Ledger) ([]byte, error) {
	if ledger == nil {
		ledger = distribution.Ledger{}
	}
	return json.Marshal(ledger)
}

func decodeLedger(raw []byte) (distribution.Ledger, error) {
	ledger := distribution.Ledger{}
	if err := json.Unmarshal(raw, &ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

var _ distribution.LedgerCache = (*LedgerCache)(nil)
