package modbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/config/pollconfig"
	"github.com/xuhaidong1/iothub/internal/adapter"
	"github.com/xuhaidong1/iothub/internal/domain"
	"go.uber.org/zap"
)

func testLogger() logx.Logger {
	l, _ := zap.NewDevelopment()
	return logx.NewZapLogger(l)
}

// fakeReader serves canned register buffers and fails on demand.
type fakeReader struct {
	mu       sync.Mutex
	holding  map[uint16][]byte
	input    map[uint16][]byte
	coils    map[uint16][]byte
	failing  map[uint16]error
	writes   []uint16
	writeErr error
}

func (f *fakeReader) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return f.read(f.holding, address)
}

func (f *fakeReader) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return f.read(f.input, address)
}

func (f *fakeReader) ReadCoils(address, quantity uint16) ([]byte, error) {
	return f.read(f.coils, address)
}

func (f *fakeReader) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return f.read(f.coils, address)
}

func (f *fakeReader) read(m map[uint16][]byte, address uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[address]; ok {
		return nil, err
	}
	buf, ok := m[address]
	if !ok {
		return nil, errors.New("no such register")
	}
	return buf, nil
}

func (f *fakeReader) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, address)
	return nil, f.writeErr
}

func (f *fakeReader) WriteSingleCoil(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, address)
	return nil, f.writeErr
}

func boilerDevice() pollconfig.Device {
	return pollconfig.Device{
		ID:             "plc-1",
		DeviceKey:      "boiler-1",
		TenantID:       "tenant-1",
		Transport:      pollconfig.TransportTCP,
		Addr:           "localhost:1502",
		SlaveID:        1,
		PollInterval:   10 * time.Millisecond,
		RequestTimeout: time.Second,
		Registers: []pollconfig.Register{
			{Name: "temperature", Class: pollconfig.ClassHolding, Address: 0, Length: 1, Type: pollconfig.TypeInt16, Scale: 0.1, Unit: "C"},
			{Name: "pressure", Class: pollconfig.ClassInput, Address: 2, Length: 2, Type: pollconfig.TypeFloat, Unit: "kPa"},
			{Name: "running", Class: pollconfig.ClassCoil, Address: 0, Length: 1, Type: pollconfig.TypeBool},
		},
	}
}

func fakeDialer(reader *fakeReader) dialFunc {
	return func(cfg pollconfig.Device) (registerReader, func() error, error) {
		return reader, func() error { return nil }, nil
	}
}

func TestPollCycleOmitsFailedRegister(t *testing.T) {
	reader := &fakeReader{
		holding: map[uint16][]byte{0: {0xFF, 0x38}},
		coils:   map[uint16][]byte{0: {0x01}},
		// pressure寄存器读失败
		failing: map[uint16]error{2: errors.New("timeout")},
	}
	var mu sync.Mutex
	var records []domain.StandardTelemetry
	sink := func(ctx context.Context, rec domain.StandardTelemetry) {
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
	}
	a := New([]pollconfig.Device{boilerDevice()}, sink, testLogger(), WithDialer(fakeDialer(reader)))
	c := &deviceConn{cfg: boilerDevice(), client: reader}

	a.pollOnce(context.Background(), c)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "boiler-1", rec.DeviceKey)
	assert.Equal(t, domain.ProtocolModbus, rec.Protocol)
	assert.NotZero(t, rec.Timestamp)
	assert.InDelta(t, -20.0, rec.Data["temperature"], 1e-9)
	assert.Equal(t, true, rec.Data["running"])
	// 失败的寄存器只缺这一个key，周期不中断
	_, ok := rec.Data["pressure"]
	assert.False(t, ok)
	assert.Nil(t, rec.Pressure)
	require.NotNil(t, rec.Temperature)
	assert.InDelta(t, -20.0, *rec.Temperature, 1e-9)
	assert.Equal(t, "C", rec.Metadata["temperature.unit"])
}

func TestStartStop(t *testing.T) {
	reader := &fakeReader{
		holding: map[uint16][]byte{0: {0x00, 0x64}},
		input:   map[uint16][]byte{2: {0x3F, 0xC0, 0x00, 0x00}},
		coils:   map[uint16][]byte{0: {0x01}},
	}
	recordCh := make(chan domain.StandardTelemetry, 16)
	sink := func(ctx context.Context, rec domain.StandardTelemetry) {
		select {
		case recordCh <- rec:
		default:
		}
	}
	a := New([]pollconfig.Device{boilerDevice()}, sink, testLogger(), WithDialer(fakeDialer(reader)))
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, adapter.StateRunning, a.State())
	assert.ErrorIs(t, a.Start(context.Background()), adapter.ErrAlreadyStarted)

	select {
	case rec := <-recordCh:
		assert.Equal(t, "boiler-1", rec.DeviceKey)
	case <-time.After(time.Second):
		t.Fatal("no telemetry emitted")
	}

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, adapter.StateStopped, a.State())
	// Stop幂等
	require.NoError(t, a.Stop(context.Background()))
	// 停止后可以重新启动
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Stop(context.Background()))
}

func TestStopUnderActivePolling(t *testing.T) {
	reader := &fakeReader{
		holding: map[uint16][]byte{0: {0x00, 0x64}},
		input:   map[uint16][]byte{2: {0x3F, 0xC0, 0x00, 0x00}},
		coils:   map[uint16][]byte{0: {0x01}},
	}
	dev := boilerDevice()
	dev.PollInterval = time.Millisecond
	sink := func(ctx context.Context, rec domain.StandardTelemetry) {}
	a := New([]pollconfig.Device{dev}, sink, testLogger(), WithDialer(fakeDialer(reader)))

	// 轮询循环跑得飞快时反复启停，收尾期间不许碰已回收的池
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Start(context.Background()))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, a.Stop(context.Background()))
	}
	assert.Equal(t, adapter.StateStopped, a.State())
}

func TestStartConnectFailure(t *testing.T) {
	dial := func(cfg pollconfig.Device) (registerReader, func() error, error) {
		return nil, nil, errors.New("connection refused")
	}
	a := New([]pollconfig.Device{boilerDevice()}, nil, testLogger(),
		WithDialer(dial), WithConnectRetry(2, time.Millisecond))
	err := a.Start(context.Background())
	assert.ErrorIs(t, err, adapter.ErrConnection)
	// 启动失败回到Stopped，不留下半初始化的连接
	assert.Equal(t, adapter.StateStopped, a.State())
}

func TestSendCommand(t *testing.T) {
	reader := &fakeReader{holding: map[uint16][]byte{0: {0x00, 0x64}}}
	a := New([]pollconfig.Device{boilerDevice()}, nil, testLogger(), WithDialer(fakeDialer(reader)))
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	err := a.SendCommand(context.Background(), "plc-1", domain.CommandEnvelope{
		ID:          1,
		CommandType: "write_register",
		Params:      map[string]any{"address": float64(5), "value": float64(99)},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint16{5}, reader.writes)

	err = a.SendCommand(context.Background(), "plc-1", domain.CommandEnvelope{
		ID:          2,
		CommandType: "write_coil",
		Params:      map[string]any{"address": float64(3), "on": true},
	})
	require.NoError(t, err)

	err = a.SendCommand(context.Background(), "no-such-device", domain.CommandEnvelope{
		ID:          3,
		CommandType: "write_register",
		Params:      map[string]any{"address": float64(1), "value": float64(1)},
	})
	assert.ErrorIs(t, err, adapter.ErrCommandDelivery)
	assert.ErrorIs(t, err, adapter.ErrUnknownDevice)

	err = a.SendCommand(context.Background(), "plc-1", domain.CommandEnvelope{
		ID:          4,
		CommandType: "reboot",
	})
	assert.ErrorIs(t, err, adapter.ErrCommandDelivery)
}

func TestParseTotal(t *testing.T) {
	a := New(nil, nil, testLogger())
	got := a.Parse([]byte("garbage"), adapter.ParseContext{DeviceKey: "dk"})
	assert.Equal(t, "dk", got.DeviceKey)
	assert.Equal(t, domain.ProtocolModbus, got.Protocol)
	assert.NotZero(t, got.Timestamp)
}
