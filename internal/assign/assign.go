package assign

import (
	"context"
	"sync"
	"time"

	"github.com/serialx/hashring"
	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/pkg/registry"
)

// DeviceAssigner 用一致性哈希把轮询设备划分到实例上
// 实例上下线时重建哈希环，设备迁移量最小。
type DeviceAssigner struct {
	registry    registry.Registry
	serviceName string
	// self 本实例的pod名，和注册时的Address一致
	self   string
	logger logx.Logger

	mu   sync.RWMutex
	ring *hashring.HashRing
}

func NewDeviceAssigner(reg registry.Registry, serviceName, self string, logger logx.Logger) *DeviceAssigner {
	return &DeviceAssigner{
		registry:    reg,
		serviceName: serviceName,
		self:        self,
		logger:      logger.With(logx.Field{Key: "component", Value: "DeviceAssigner"}),
	}
}

// Start seeds the ring from the current instance list and follows
// membership changes until the registry subscription closes.
func (a *DeviceAssigner) Start(ctx context.Context) error {
	instances, err := a.registry.ListService(ctx, a.serviceName)
	if err != nil {
		return err
	}
	a.rebuild(instances)
	events, err := a.registry.Subscribe(a.serviceName)
	if err != nil {
		return err
	}
	go a.watch(events)
	return nil
}

// Responsible reports whether this instance owns the device.
// 环还没建好时宁可多采不可漏采。
func (a *DeviceAssigner) Responsible(deviceID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ring == nil {
		return true
	}
	node, ok := a.ring.GetNode(deviceID)
	if !ok {
		return true
	}
	return node == a.self
}

func (a *DeviceAssigner) watch(events <-chan registry.Event) {
	for range events {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		instances, err := a.registry.ListService(ctx, a.serviceName)
		cancel()
		if err != nil {
			a.logger.Error("拉取实例列表失败", logx.Error(err))
			continue
		}
		a.rebuild(instances)
	}
	a.logger.Info("subscription closed")
}

func (a *DeviceAssigner) rebuild(instances []registry.ServiceInstance) {
	nodes := make([]string, 0, len(instances)+1)
	hasSelf := false
	for _, ins := range instances {
		nodes = append(nodes, ins.Address)
		if ins.Address == a.self {
			hasSelf = true
		}
	}
	// 自己的注册可能还没被watch到
	if !hasSelf {
		nodes = append(nodes, a.self)
	}
	ring := hashring.New(nodes)
	a.mu.Lock()
	a.ring = ring
	a.mu.Unlock()
	a.logger.Info("哈希环已重建", logx.Int64("instances", int64(len(nodes))))
}
