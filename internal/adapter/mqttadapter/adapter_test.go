package mqttadapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/config"
	"github.com/xuhaidong1/iothub/internal/adapter"
	"github.com/xuhaidong1/iothub/internal/domain"
	"go.uber.org/zap"
)

func testLogger() logx.Logger {
	l, _ := zap.NewDevelopment()
	return logx.NewZapLogger(l)
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Addr:        "tcp://localhost:1883",
		ClientID:    "test",
		TopicPrefix: "devices",
		QoS:         1,
	}
}

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	publishErr error
	published  map[string][]byte
	subscribed []string
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr == nil {
		c.connected = true
	}
	return &fakeToken{err: c.connectErr}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published == nil {
		c.published = map[string][]byte{}
	}
	c.published[topic] = payload.([]byte)
	return &fakeToken{err: c.publishErr}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token { return &fakeToken{} }

func (c *fakeClient) AddRoute(topic string, callback pahomqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestAdapter(client *fakeClient, sink adapter.TelemetrySink) (*Adapter, **pahomqtt.ClientOptions) {
	var captured *pahomqtt.ClientOptions
	a := New(testConfig(), sink, testLogger(), WithClientFactory(
		func(opts *pahomqtt.ClientOptions) pahomqtt.Client {
			captured = opts
			return client
		}))
	return a, &captured
}

func TestStartSubscribesOnConnect(t *testing.T) {
	client := &fakeClient{}
	a, opts := newTestAdapter(client, nil)
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, adapter.StateRunning, a.State())

	// 模拟paho回调OnConnect，重连场景也走这里
	(*opts).OnConnect(client)
	assert.Equal(t, []string{"devices/+/telemetry"}, client.subscribed)

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, adapter.StateStopped, a.State())
	assert.False(t, client.connected)
	require.NoError(t, a.Stop(context.Background()))
}

func TestStartConnectError(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("broker refused")}
	a, _ := newTestAdapter(client, nil)
	err := a.Start(context.Background())
	assert.ErrorIs(t, err, adapter.ErrConnection)
	assert.Equal(t, adapter.StateStopped, a.State())
}

func TestTelemetryFlow(t *testing.T) {
	var mu sync.Mutex
	var records []domain.StandardTelemetry
	sink := func(ctx context.Context, rec domain.StandardTelemetry) {
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
	}
	client := &fakeClient{}
	a, _ := newTestAdapter(client, sink)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	a.onTelemetry(client, &fakeMessage{
		topic:   "devices/sensor-9/telemetry",
		payload: []byte(`{"temperature": 19.5}`),
	})
	a.onTelemetry(client, &fakeMessage{
		topic:   "devices/sensor-9/telemetry",
		payload: []byte("corrupted }{"),
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 2)
	assert.Equal(t, "sensor-9", records[0].DeviceKey)
	require.NotNil(t, records[0].Temperature)
	assert.Equal(t, 19.5, *records[0].Temperature)
	// 坏报文也要产出带deviceKey/protocol/timestamp的记录
	assert.Equal(t, "sensor-9", records[1].DeviceKey)
	assert.Equal(t, domain.ProtocolMQTT, records[1].Protocol)
	assert.NotZero(t, records[1].Timestamp)
	assert.Empty(t, records[1].Data)
}

func TestSendCommand(t *testing.T) {
	client := &fakeClient{}
	a, _ := newTestAdapter(client, nil)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	cmd := domain.CommandEnvelope{
		ID:          42,
		DeviceID:    "dev-9",
		DeviceKey:   "sensor-9",
		CommandType: "set_interval",
		Params:      map[string]any{"seconds": float64(30)},
	}
	require.NoError(t, a.SendCommand(context.Background(), "dev-9", cmd))
	_, ok := client.published["devices/sensor-9/commands"]
	assert.True(t, ok)

	err := a.SendCommand(context.Background(), "dev-9", domain.CommandEnvelope{ID: 43})
	assert.ErrorIs(t, err, adapter.ErrCommandDelivery)
	assert.ErrorIs(t, err, adapter.ErrUnknownDevice)
}

func TestSendCommandDuringStop(t *testing.T) {
	client := &fakeClient{}
	a, _ := newTestAdapter(client, nil)
	require.NoError(t, a.Start(context.Background()))

	cmd := domain.CommandEnvelope{ID: 7, DeviceKey: "sensor-9", CommandType: "reboot"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 停机窗口内的下发要么成功要么报投递错误，不许panic
			if err := a.SendCommand(context.Background(), "dev-9", cmd); err != nil {
				assert.ErrorIs(t, err, adapter.ErrCommandDelivery)
			}
		}()
	}
	require.NoError(t, a.Stop(context.Background()))
	wg.Wait()
	assert.Equal(t, adapter.StateStopped, a.State())
}

func TestSendCommandNotConnected(t *testing.T) {
	a := New(testConfig(), nil, testLogger())
	err := a.SendCommand(context.Background(), "dev-9", domain.CommandEnvelope{DeviceKey: "sensor-9"})
	assert.ErrorIs(t, err, adapter.ErrCommandDelivery)
}

func TestDeviceKeyFromTopic(t *testing.T) {
	assert.Equal(t, "sensor-1", deviceKeyFromTopic("devices/sensor-1/telemetry"))
	assert.Equal(t, "", deviceKeyFromTopic("telemetry"))
}
