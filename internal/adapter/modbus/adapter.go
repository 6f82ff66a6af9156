package modbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/panjf2000/ants/v2"
	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/config/pollconfig"
	"github.com/xuhaidong1/iothub/internal/adapter"
	"github.com/xuhaidong1/iothub/internal/domain"
)

const (
	defaultConnectRetries = 3
	defaultConnectBackoff = 500 * time.Millisecond
	defaultPoolSize       = 16
)

// registerReader is the slice of the goburrow client the poller needs.
// Swapped for a fake in tests.
type registerReader interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
}

type deviceConn struct {
	cfg    pollconfig.Device
	client registerReader
	close  func() error
}

// Assigner decides which devices this instance polls. Nil means all.
type Assigner interface {
	Responsible(deviceID string) bool
}

type dialFunc func(cfg pollconfig.Device) (registerReader, func() error, error)

// Adapter 寄存器轮询适配器
// 每台设备一条独立连接和一个定时轮询循环，设备之间互不阻塞。
type Adapter struct {
	devices  []pollconfig.Device
	sink     adapter.TelemetrySink
	assigner Assigner
	dial     dialFunc
	logger   logx.Logger

	connectRetries int
	connectBackoff time.Duration
	poolSize       int

	lc     adapter.Lifecycle
	mu     sync.Mutex
	conns  map[string]*deviceConn
	pool   *ants.Pool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Adapter)

func WithDialer(dial dialFunc) Option {
	return func(a *Adapter) { a.dial = dial }
}

func WithAssigner(as Assigner) Option {
	return func(a *Adapter) { a.assigner = as }
}

func WithConnectRetry(retries int, backoff time.Duration) Option {
	return func(a *Adapter) {
		a.connectRetries = retries
		a.connectBackoff = backoff
	}
}

func New(devices []pollconfig.Device, sink adapter.TelemetrySink, logger logx.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		devices:        devices,
		sink:           sink,
		dial:           dialDevice,
		logger:         logger.With(logx.Field{Key: "adapter", Value: domain.ProtocolModbus}),
		connectRetries: defaultConnectRetries,
		connectBackoff: defaultConnectBackoff,
		poolSize:       defaultPoolSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Protocol() string {
	return domain.ProtocolModbus
}

// Start connects every responsible device and launches its poll loop.
// A device that stays unreachable after the retry budget fails the whole
// start; connections opened so far are closed again.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.lc.BeginStart() {
		return adapter.ErrAlreadyStarted
	}
	conns := make(map[string]*deviceConn)
	for _, cfg := range a.devices {
		if a.assigner != nil && !a.assigner.Responsible(cfg.ID) {
			continue
		}
		client, closeFn, err := a.connect(ctx, cfg)
		if err != nil {
			for _, c := range conns {
				_ = c.close()
			}
			a.lc.Stopped()
			return fmt.Errorf("%w: device %s: %v", adapter.ErrConnection, cfg.ID, err)
		}
		conns[cfg.ID] = &deviceConn{cfg: cfg, client: client, close: closeFn}
	}

	pool, err := ants.NewPool(a.poolSize)
	if err != nil {
		for _, c := range conns {
			_ = c.close()
		}
		a.lc.Stopped()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.conns = conns
	a.pool = pool
	a.cancel = cancel
	a.mu.Unlock()

	for _, c := range conns {
		a.wg.Add(1)
		go a.pollLoop(runCtx, c, pool)
	}
	a.lc.Started()
	a.logger.Info("started", logx.Int64("devices", int64(len(conns))))
	return nil
}

// Stop drains in-flight polls before closing connections. Safe to call
// from any state.
func (a *Adapter) Stop(ctx context.Context) error {
	if !a.lc.BeginStop() {
		return nil
	}
	a.mu.Lock()
	cancel := a.cancel
	conns := a.conns
	pool := a.pool
	a.mu.Unlock()

	// 先停循环再回收资源，poll goroutine可能还在引用连接和池
	cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Error("等待轮询收尾超时", logx.Error(ctx.Err()))
	}
	for _, c := range conns {
		if err := c.close(); err != nil {
			a.logger.Error("关闭设备连接失败",
				logx.String("device", c.cfg.ID), logx.Error(err))
		}
	}
	pool.Release()
	a.mu.Lock()
	a.conns = nil
	a.pool = nil
	a.cancel = nil
	a.mu.Unlock()
	a.lc.Stopped()
	a.logger.Info("stopped")
	return nil
}

func (a *Adapter) State() adapter.State {
	return a.lc.State()
}

func (a *Adapter) Parse(raw []byte, pc adapter.ParseContext) domain.StandardTelemetry {
	return adapter.Normalize(raw, pc, domain.ProtocolModbus)
}

// SendCommand writes a register or coil on a connected device.
// Supported command types: write_register {address,value},
// write_coil {address,on}.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd domain.CommandEnvelope) error {
	a.mu.Lock()
	c, ok := a.conns[deviceID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %w: %s", adapter.ErrCommandDelivery, adapter.ErrUnknownDevice, deviceID)
	}
	addr, ok := paramUint16(cmd.Params, "address")
	if !ok {
		return fmt.Errorf("%w: command %d missing address", adapter.ErrCommandDelivery, cmd.ID)
	}
	var err error
	switch cmd.CommandType {
	case "write_register":
		value, ok := paramUint16(cmd.Params, "value")
		if !ok {
			return fmt.Errorf("%w: command %d missing value", adapter.ErrCommandDelivery, cmd.ID)
		}
		_, err = c.client.WriteSingleRegister(addr, value)
	case "write_coil":
		on, _ := cmd.Params["on"].(bool)
		value := uint16(0x0000)
		if on {
			value = 0xFF00
		}
		_, err = c.client.WriteSingleCoil(addr, value)
	default:
		return fmt.Errorf("%w: unsupported command type %q", adapter.ErrCommandDelivery, cmd.CommandType)
	}
	if err != nil {
		return fmt.Errorf("%w: device %s: %v", adapter.ErrCommandDelivery, deviceID, err)
	}
	return nil
}

func (a *Adapter) connect(ctx context.Context, cfg pollconfig.Device) (registerReader, func() error, error) {
	var lastErr error
	backoff := a.connectBackoff
	for attempt := 0; attempt < a.connectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		client, closeFn, err := a.dial(cfg)
		if err == nil {
			return client, closeFn, nil
		}
		lastErr = err
		a.logger.Error("连接设备失败",
			logx.String("device", cfg.ID),
			logx.Int64("attempt", int64(attempt+1)),
			logx.Error(err))
	}
	return nil, nil, lastErr
}

func (a *Adapter) pollLoop(ctx context.Context, c *deviceConn, pool *ants.Pool) {
	defer a.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.wg.Add(1)
			if err := pool.Submit(func() {
				defer a.wg.Done()
				a.pollOnce(ctx, c)
			}); err != nil {
				a.wg.Done()
				a.logger.Error("提交轮询任务失败",
					logx.String("device", c.cfg.ID), logx.Error(err))
			}
		}
	}
}

// pollOnce reads every configured register independently. One failed
// register is logged and omitted, the rest of the cycle continues.
func (a *Adapter) pollOnce(ctx context.Context, c *deviceConn) {
	now := time.Now()
	data := make(map[string]any, len(c.cfg.Registers))
	meta := map[string]string{
		"slaveId":   strconv.Itoa(int(c.cfg.SlaveID)),
		"transport": string(c.cfg.Transport),
	}
	for _, reg := range c.cfg.Registers {
		buf, err := readRegister(c.client, reg)
		if err != nil {
			a.logger.Error("读寄存器失败",
				logx.String("device", c.cfg.ID),
				logx.String("register", reg.Name),
				logx.Error(err))
			continue
		}
		v, err := Decode(buf, reg)
		if err != nil {
			a.logger.Error("解码寄存器失败",
				logx.String("device", c.cfg.ID),
				logx.String("register", reg.Name),
				logx.Error(err))
			continue
		}
		data[reg.Name] = v
		if reg.Unit != "" {
			meta[reg.Name+".unit"] = reg.Unit
		}
	}
	t := domain.StandardTelemetry{
		DeviceID:   c.cfg.ID,
		DeviceKey:  c.cfg.DeviceKey,
		TenantID:   c.cfg.TenantID,
		Data:       data,
		Timestamp:  now.UnixMilli(),
		ReceivedAt: now.UnixMilli(),
		Protocol:   domain.ProtocolModbus,
		Metadata:   meta,
	}
	adapter.ExtractCommonFields(&t)
	if a.sink != nil {
		a.sink(ctx, t)
	}
}

func readRegister(client registerReader, reg pollconfig.Register) ([]byte, error) {
	switch reg.Class {
	case pollconfig.ClassHolding:
		return client.ReadHoldingRegisters(reg.Address, reg.Length)
	case pollconfig.ClassInput:
		return client.ReadInputRegisters(reg.Address, reg.Length)
	case pollconfig.ClassCoil:
		return client.ReadCoils(reg.Address, 1)
	case pollconfig.ClassDiscrete:
		return client.ReadDiscreteInputs(reg.Address, 1)
	}
	return nil, fmt.Errorf("modbus: unknown register class %q", reg.Class)
}

func paramUint16(params map[string]any, key string) (uint16, bool) {
	v, ok := params[key].(float64)
	if !ok || v < 0 || v > 0xFFFF {
		return 0, false
	}
	return uint16(v), true
}

// dialDevice opens the transport-specific goburrow handler.
func dialDevice(cfg pollconfig.Device) (registerReader, func() error, error) {
	switch cfg.Transport {
	case pollconfig.TransportSerial:
		h := gomodbus.NewRTUClientHandler(cfg.SerialPort)
		h.BaudRate = cfg.BaudRate
		h.DataBits = cfg.DataBits
		h.Parity = cfg.Parity
		h.StopBits = cfg.StopBits
		h.SlaveId = cfg.SlaveID
		h.Timeout = cfg.RequestTimeout
		if err := h.Connect(); err != nil {
			return nil, nil, err
		}
		return gomodbus.NewClient(h), h.Close, nil
	default:
		h := gomodbus.NewTCPClientHandler(cfg.Addr)
		h.SlaveId = cfg.SlaveID
		h.Timeout = cfg.RequestTimeout
		if err := h.Connect(); err != nil {
			return nil, nil, err
		}
		return gomodbus.NewClient(h), h.Close, nil
	}
}
