package quota

import (
	"context"
	_ "embed"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed quota.lua
var luaQuota string

// Limiter 用量限制器，key是限额对象
// bool代表是否放行，false就是配额用尽
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisQuotaLimiter counts admissions in a fixed window per key.
type RedisQuotaLimiter struct {
	cmd redis.Cmdable
	// 窗口大小
	window time.Duration
	// window内允许limit次
	limit int
}

func NewRedisQuotaLimiter(cmd redis.Cmdable, window time.Duration, limit int) Limiter {
	return &RedisQuotaLimiter{cmd: cmd, window: window, limit: limit}
}

func (r *RedisQuotaLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return r.cmd.Eval(ctx, luaQuota, []string{key}, r.window.Milliseconds(), r.limit).Bool()
}
