package ioc

import (
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xuhaidong1/iothub/config"
	"github.com/xuhaidong1/iothub/pkg/zapx"
)

var (
	redisCmd      redis.Cmdable
	redisInitOnce sync.Once
)

func InitRedis() redis.Cmdable {
	redisInitOnce.Do(func() {
		client := redis.NewClient(&redis.Options{
			Addr:     config.StartConfig.Redis.Addr,
			Password: config.StartConfig.Redis.Password,
		})
		client.AddHook(zapx.NewZapRedisHook(Logger))
		redisCmd = client
	})
	return redisCmd
}
