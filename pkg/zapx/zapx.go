package zapx

import (
	"github.com/gotomicro/ego/core/util/xcolor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger console输出带颜色级别，所有日志带上service字段，
// 多个hub实例的日志汇聚后还能分得开。
func NewLogger(level zapcore.Level) zap.Config {
	return zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		DisableStacktrace: true,
		Encoding:          "console",
		EncoderConfig:     hubEncoderConfig(),
		InitialFields:     map[string]interface{}{"service": "iothub"},
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

func hubEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    colorLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func colorLevelEncoder(lv zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	colorize := xcolor.Red
	switch {
	case lv < zapcore.InfoLevel:
		colorize = xcolor.Blue
	case lv == zapcore.InfoLevel:
		colorize = xcolor.Green
	case lv == zapcore.WarnLevel:
		colorize = xcolor.Yellow
	}
	enc.AppendString(colorize(lv.CapitalString()))
}
