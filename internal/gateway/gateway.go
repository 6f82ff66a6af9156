package gateway

import (
	"context"

	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/config/topicconfig"
	"github.com/xuhaidong1/iothub/internal/adapter"
	"github.com/xuhaidong1/iothub/internal/domain"
	"github.com/xuhaidong1/iothub/internal/metrics"
	"golang.org/x/sync/errgroup"
)

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any, headers map[string]string) error
}

// Gateway owns the adapter set: it fans telemetry from every adapter
// into telemetry.device.raw and drives their lifecycle as one unit.
type Gateway struct {
	adapters  *adapter.Registry
	publisher Publisher
	logger    logx.Logger
}

func New(adapters *adapter.Registry, publisher Publisher, logger logx.Logger) *Gateway {
	return &Gateway{
		adapters:  adapters,
		publisher: publisher,
		logger:    logger.With(logx.Field{Key: "component", Value: "Gateway"}),
	}
}

// Sink is handed to every adapter at construction time.
// 以DeviceKey为分区key，同一设备的遥测保序。
func (g *Gateway) Sink() adapter.TelemetrySink {
	return func(ctx context.Context, t domain.StandardTelemetry) {
		metrics.TelemetryCounter.WithLabelValues(t.Protocol).Inc()
		err := g.publisher.Publish(ctx, topicconfig.TelemetryRaw, t.DeviceKey, t, map[string]string{
			"protocol": t.Protocol,
		})
		if err != nil {
			// 单条遥测丢弃可接受，不反压到采集侧
			g.logger.Error("遥测发布失败",
				logx.String("deviceKey", t.DeviceKey),
				logx.String("protocol", t.Protocol),
				logx.Error(err))
		}
	}
}

// Start brings every registered adapter up; any failure rolls the
// already started ones back down.
func (g *Gateway) Start(ctx context.Context) error {
	adapters := g.adapters.All()
	var eg errgroup.Group
	for _, a := range adapters {
		a := a
		eg.Go(func() error {
			if err := a.Start(ctx); err != nil {
				g.logger.Error("适配器启动失败",
					logx.String("protocol", a.Protocol()), logx.Error(err))
				return err
			}
			g.logger.Info("适配器已启动", logx.String("protocol", a.Protocol()))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.stopAll(ctx)
		return err
	}
	return nil
}

func (g *Gateway) Stop(ctx context.Context) error {
	return g.stopAll(ctx)
}

func (g *Gateway) stopAll(ctx context.Context) error {
	var eg errgroup.Group
	for _, a := range g.adapters.All() {
		a := a
		eg.Go(func() error {
			return a.Stop(ctx)
		})
	}
	return eg.Wait()
}
