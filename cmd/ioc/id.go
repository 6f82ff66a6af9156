package ioc

import (
	"sync"

	"github.com/xuhaidong1/iothub/config"
	"github.com/xuhaidong1/iothub/internal/id"
)

var (
	idGen      id.Generator
	idInitOnce sync.Once
)

// InitIDGenerator 雪花节点号由pod名哈希得出，多实例不冲突的概率够用
func InitIDGenerator() id.Generator {
	idInitOnce.Do(func() {
		var err error
		idGen, err = id.NewGenerator(config.StartConfig.Register.PodName)
		if err != nil {
			panic(err)
		}
	})
	return idGen
}
