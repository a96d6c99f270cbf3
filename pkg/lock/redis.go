package lock

import (
	"context"
	"debate-bot-go/pkg/log"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// 只有持有者本人（token 相同）才能释放锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的租约锁，可在多个副本之间串行化同一会话。
type RedisLocker struct {
	client   *redis.Client
	prefix   string
	wait     time.Duration
	leaseTTL time.Duration
	retry    time.Duration
}

// NewRedisLocker 创建 RedisLocker。leaseTTL 应大于一次请求的最长耗时，
// 持有者崩溃时锁会在租约到期后自动释放。
func NewRedisLocker(client *redis.Client, wait, leaseTTL time.Duration) *RedisLocker {
	return &RedisLocker{
		client:   client,
		prefix:   "debate:lock:conversation:",
		wait:     wait,
		leaseTTL: leaseTTL,
		retry:    50 * time.Millisecond,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	if l.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.leaseTTL).Result()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("failed to acquire redis lock %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 使用独立的 context：请求被取消后仍需释放锁
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
				log.Warnf("释放 redis 锁失败: key=%s, err=%v", redisKey, err)
			}
		})
	}, nil
}
