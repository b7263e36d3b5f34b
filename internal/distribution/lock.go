package distribution

import (
	"context"
	"sync"
)

// RunLock 保证同一 (agent, token) 同时至多一个运行。获取失败时返回 ErrConcurrentRun，
// 不做等待。
type RunLock interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLock 是进程内的 RunLock 实现。
type LocalLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLock 创建 LocalLock。
func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]struct{})}
}

// Acquire 实现 RunLock 接口。
func (l *LocalLock) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, ErrConcurrentRun
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

var _ RunLock = (*LocalLock)(nil)
