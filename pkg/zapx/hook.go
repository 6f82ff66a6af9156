package zapx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slowThreshold 超过这个耗时的redis命令升级成Warn
const slowThreshold = 100 * time.Millisecond

// ZapRedisHook times every redis command, quota checks sit on the
// command ingest path so slow round trips need to surface.
type ZapRedisHook struct {
	logger *zap.Logger
}

func NewZapRedisHook(logger *zap.Logger) *ZapRedisHook {
	return &ZapRedisHook{logger: logger}
}

func (h *ZapRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h *ZapRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		elapsed := time.Since(start)
		if elapsed >= slowThreshold {
			h.logger.Warn("slow redis command",
				zap.String("cmd", cmd.Name()), zap.Duration("elapsed", elapsed))
			return err
		}
		h.logger.Debug("redis command",
			zap.String("cmd", cmd.Name()), zap.Duration("elapsed", elapsed))
		return err
	}
}

func (h *ZapRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		elapsed := time.Since(start)
		if elapsed >= slowThreshold {
			h.logger.Warn("slow redis pipeline",
				zap.Int("cmds", len(cmds)), zap.Duration("elapsed", elapsed))
			return err
		}
		h.logger.Debug("redis pipeline",
			zap.Int("cmds", len(cmds)), zap.Duration("elapsed", elapsed))
		return err
	}
}
