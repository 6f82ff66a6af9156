package ioc

import (
	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/pkg/zapx"
	"go.uber.org/zap"
)

var Logger, _ = zapx.NewLogger(zap.InfoLevel).Build()
var Loggerx = logx.NewZapLogger(Logger)
