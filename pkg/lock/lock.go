// Package lock 提供按会话 ID 串行化请求的锁。
// 数据库支持行级锁时它是可选的；SQLite 或多副本部署时用它保证同一会话的请求依次执行。
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout 表示在等待时间内未能获得锁。
var ErrTimeout = errors.New("lock: wait timeout")

// Locker 按 key 获取排他锁。返回的 release 函数可以安全地多次调用，也可以并发调用。
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Noop 不做任何串行化，依赖数据库行锁。
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

// LocalLocker 是进程内的按 key 互斥锁，等待时间受 wait 与 ctx 共同限制。
type LocalLocker struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker 创建 LocalLocker。wait <= 0 时只受 ctx 限制。
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{wait: wait, slots: make(map[string]*slot)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case s.ch <- struct{}{}:
	case <-timeout:
		l.unref(key, s)
		return nil, ErrTimeout
	case <-ctx.Done():
		l.unref(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(key, s)
		})
	}, nil
}

// unref 在没有持有者和等待者时回收 slot，避免 map 无限增长。
func (l *LocalLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// size 返回当前被跟踪的 key 数量，仅用于测试。
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
