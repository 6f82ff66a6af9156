package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xuhaidong1/iothub/internal/domain"
)

var (
	// ErrConnection 适配器在重试预算内连不上设备/broker
	ErrConnection = errors.New("adapter: connection failed")
	// ErrCommandDelivery 指令无法送达设备
	ErrCommandDelivery = errors.New("adapter: command delivery failed")
	// ErrUnknownDevice 指令目标设备不在本适配器的连接表里
	ErrUnknownDevice = errors.New("adapter: unknown device")
	// ErrDuplicateProtocol 同一个协议标识注册了两次
	ErrDuplicateProtocol = errors.New("adapter: protocol already registered")
	// ErrAlreadyStarted Start只能从Stopped状态发起
	ErrAlreadyStarted = errors.New("adapter: already started")
)

// ParseContext carries what the call site already knows about the payload.
type ParseContext struct {
	DeviceID   string
	DeviceKey  string
	TenantID   string
	ReceivedAt time.Time
}

// Adapter 协议适配器的能力契约
// Parse must be total: malformed input yields a best-effort record,
// never an error.
type Adapter interface {
	Protocol() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Parse(raw []byte, pc ParseContext) domain.StandardTelemetry
}

// CommandSender 双向协议的可选能力
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID string, cmd domain.CommandEnvelope) error
}

// TelemetrySink receives every normalized record an adapter produces.
type TelemetrySink func(ctx context.Context, t domain.StandardTelemetry)

// Registry 按协议标识查找适配器，替代运行时的方法探测
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Protocol()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProtocol, a.Protocol())
	}
	r.adapters[a.Protocol()] = a
	return nil
}

func (r *Registry) Get(protocol string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[protocol]
	return a, ok
}

// Sender returns the adapter's command capability when it has one.
func (r *Registry) Sender(protocol string) (CommandSender, bool) {
	a, ok := r.Get(protocol)
	if !ok {
		return nil, false
	}
	s, ok := a.(CommandSender)
	return s, ok
}

func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		res = append(res, a)
	}
	return res
}
