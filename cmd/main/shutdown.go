package main

import (
	"context"
	"time"

	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/internal/backbone"
	"github.com/xuhaidong1/iothub/internal/command"
	"github.com/xuhaidong1/iothub/internal/gateway"
	"github.com/xuhaidong1/iothub/pkg/registry"
)

type GracefulShutdown struct {
	Cancel   context.CancelFunc
	Registry registry.Registry
	instance registry.ServiceInstance
	gateway  *gateway.Gateway
	watcher  *command.Watcher
	backbone *backbone.Backbone
	logger   logx.Logger
}

func NewGracefulShutdown(cancel context.CancelFunc, registry registry.Registry,
	instance registry.ServiceInstance, gw *gateway.Gateway, watcher *command.Watcher,
	bb *backbone.Backbone, logger logx.Logger,
) *GracefulShutdown {
	return &GracefulShutdown{
		Cancel:   cancel,
		Registry: registry,
		instance: instance,
		gateway:  gw,
		watcher:  watcher,
		backbone: bb,
		logger:   logger.With(logx.Field{Key: "component", Value: "GracefulShutdown"}),
	}
}

// Shutdown 关停顺序：先摘注册让设备分片迁走，再停采集，
// 然后排空消费者，最后停定时扫描。
func (s *GracefulShutdown) Shutdown() {
	s.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("UnRegister")
	if err := s.Registry.UnRegister(ctx, s.instance); err != nil {
		s.logger.Error("UnRegister失败", logx.Error(err))
	}
	if err := s.gateway.Stop(ctx); err != nil {
		s.logger.Error("适配器关停失败", logx.Error(err))
	}
	if err := s.backbone.DisconnectAll(); err != nil {
		s.logger.Error("backbone关停失败", logx.Error(err))
	}
	s.watcher.Stop()
	if err := s.Registry.Close(); err != nil {
		s.logger.Error("注册中心关闭失败", logx.Error(err))
	}
	time.Sleep(time.Second)
}
