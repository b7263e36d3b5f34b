package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"iao-settlement/internal/distribution"
	xerrors "iao-settlement/internal/errors"
	"iao-settlement/pkg/logger"
)

// 仅当持有者令牌匹配时才删除或续期，避免释放他人在过期后取得的锁。
var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RunLock 基于 SET NX PX 的分布式运行锁，实现 distribution.RunLock。
// 持有期间后台按 ttl/3 续期，运行时间可以超过 ttl。
type RunLock struct {
	client lockClient
	prefix string
	ttl    time.Duration
}

// lockClient 是 RunLock 需要的 Redis 能力。
type lockClient interface {
	goredis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
}

// NewRunLock 创建分布式锁。ttl<=0 时使用一小时。
func NewRunLock(client lockClient, prefix string, ttl time.Duration) *RunLock {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RunLock{client: client, prefix: prefix, ttl: ttl}
}

func (l *RunLock) key(name string) string {
	return joinKey(l.prefix, "lock", name)
}

// Acquire 尝试取得锁；已被占用时立即返回 distribution.ErrConcurrentRun。
func (l *RunLock) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.key(name)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取运行锁失败")
	}
	if !ok {
		return nil, distribution.ErrConcurrentRun
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				logger.L().Warn("释放运行锁失败", slog.String("key", key), slog.Any("error", err))
			}
		})
	}, nil
}

func (l *RunLock) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			res, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				logger.L().Warn("运行锁续期失败", slog.String("key", key), slog.Any("error", err))
				continue
			}
			if res == 0 {
				logger.L().Error("运行锁已丢失", slog.String("key", key))
				return
			}
		}
	}
}

var _ distribution.RunLock = (*RunLock)(nil)
