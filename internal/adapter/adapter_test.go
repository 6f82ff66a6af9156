package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuhaidong1/iothub/internal/domain"
)

type stubAdapter struct {
	protocol string
}

func (s *stubAdapter) Protocol() string                { return s.protocol }
func (s *stubAdapter) Start(ctx context.Context) error { return nil }
func (s *stubAdapter) Stop(ctx context.Context) error  { return nil }
func (s *stubAdapter) Parse(raw []byte, pc ParseContext) domain.StandardTelemetry {
	return Normalize(raw, pc, s.protocol)
}

type stubSender struct {
	stubAdapter
}

func (s *stubSender) SendCommand(ctx context.Context, deviceID string, cmd domain.CommandEnvelope) error {
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubAdapter{protocol: domain.ProtocolModbus}))
	require.NoError(t, r.Register(&stubSender{stubAdapter{protocol: domain.ProtocolMQTT}}))

	err := r.Register(&stubAdapter{protocol: domain.ProtocolModbus})
	assert.ErrorIs(t, err, ErrDuplicateProtocol)

	_, ok := r.Get(domain.ProtocolModbus)
	assert.True(t, ok)
	_, ok = r.Get("lorawan")
	assert.False(t, ok)

	// 只有实现了CommandSender的适配器能下发指令
	_, ok = r.Sender(domain.ProtocolMQTT)
	assert.True(t, ok)
	_, ok = r.Sender(domain.ProtocolModbus)
	assert.False(t, ok)

	assert.Len(t, r.All(), 2)
}

func TestLifecycle(t *testing.T) {
	lc := &Lifecycle{}
	assert.Equal(t, StateStopped, lc.State())

	require.True(t, lc.BeginStart())
	assert.False(t, lc.BeginStart())
	assert.Equal(t, StateStarting, lc.State())

	lc.Started()
	assert.Equal(t, StateRunning, lc.State())

	require.True(t, lc.BeginStop())
	assert.False(t, lc.BeginStop())
	assert.Equal(t, StateStopping, lc.State())

	lc.Stopped()
	assert.Equal(t, StateStopped, lc.State())
}

func TestLifecycleFailedStart(t *testing.T) {
	lc := &Lifecycle{}
	require.True(t, lc.BeginStart())
	lc.Stopped()
	assert.Equal(t, StateStopped, lc.State())
	// 失败后可以再次启动
	assert.True(t, lc.BeginStart())
}

func TestNormalizeMalformed(t *testing.T) {
	for _, raw := range [][]byte{
		[]byte("not json at all"),
		[]byte("{\"unterminated\": "),
		[]byte("[1,2,3]"),
		{},
	} {
		got := Normalize(raw, ParseContext{DeviceKey: "dk-1"}, domain.ProtocolMQTT)
		assert.Equal(t, "dk-1", got.DeviceKey)
		assert.Equal(t, domain.ProtocolMQTT, got.Protocol)
		assert.NotZero(t, got.Timestamp)
		assert.NotNil(t, got.Data)
		assert.Empty(t, got.Data)
	}
}

func TestNormalizeNested(t *testing.T) {
	raw := []byte(`{"deviceKey":"dk-2","timestamp":1700000000000,
		"data":{"temperature":21.5,"humidity":40,"door":"open"}}`)
	got := Normalize(raw, ParseContext{}, domain.ProtocolMQTT)
	assert.Equal(t, "dk-2", got.DeviceKey)
	assert.Equal(t, int64(1700000000000), got.Timestamp)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 21.5, *got.Temperature)
	require.NotNil(t, got.Humidity)
	assert.Equal(t, 40.0, *got.Humidity)
	assert.Equal(t, "open", got.Data["door"])
	assert.Nil(t, got.Pressure)
}

func TestNormalizeFlat(t *testing.T) {
	raw := []byte(`{"deviceKey":"dk-3","ts":"2024-01-02T03:04:05Z","battery":87,"state":"ok"}`)
	got := Normalize(raw, ParseContext{ReceivedAt: time.Now()}, domain.ProtocolMQTT)
	assert.Equal(t, "dk-3", got.DeviceKey)
	want, _ := time.Parse(time.RFC3339, "2024-01-02T03:04:05Z")
	assert.Equal(t, want.UnixMilli(), got.Timestamp)
	require.NotNil(t, got.Battery)
	assert.Equal(t, 87.0, *got.Battery)
	assert.Equal(t, "ok", got.Data["state"])
	// 信封字段不进data
	_, ok := got.Data["deviceKey"]
	assert.False(t, ok)
	_, ok = got.Data["ts"]
	assert.False(t, ok)
}

func TestNormalizeContextWins(t *testing.T) {
	raw := []byte(`{"deviceKey":"payload-key","tenantId":"payload-tenant"}`)
	got := Normalize(raw, ParseContext{DeviceKey: "ctx-key", TenantID: "ctx-tenant"}, domain.ProtocolModbus)
	assert.Equal(t, "ctx-key", got.DeviceKey)
	assert.Equal(t, "ctx-tenant", got.TenantID)
}
