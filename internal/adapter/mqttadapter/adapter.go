package mqttadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/config"
	"github.com/xuhaidong1/iothub/internal/adapter"
	"github.com/xuhaidong1/iothub/internal/domain"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	// disconnectQuiesce 等待未完成报文的毫秒数
	disconnectQuiesce = 250
)

// Adapter 订阅 <prefix>/<deviceKey>/telemetry，指令发往
// <prefix>/<deviceKey>/commands。
type Adapter struct {
	cfg       config.MQTTConfig
	sink      adapter.TelemetrySink
	logger    logx.Logger
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
	lc        adapter.Lifecycle

	// mu guards client against SendCommand racing a concurrent Stop
	mu     sync.Mutex
	client pahomqtt.Client
}

type Option func(*Adapter)

// WithClientFactory swaps the paho constructor, used in tests.
func WithClientFactory(f func(*pahomqtt.ClientOptions) pahomqtt.Client) Option {
	return func(a *Adapter) { a.newClient = f }
}

func New(cfg config.MQTTConfig, sink adapter.TelemetrySink, logger logx.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:       cfg,
		sink:      sink,
		logger:    logger.With(logx.Field{Key: "adapter", Value: domain.ProtocolMQTT}),
		newClient: pahomqtt.NewClient,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Protocol() string {
	return domain.ProtocolMQTT
}

func (a *Adapter) Start(ctx context.Context) error {
	if !a.lc.BeginStart() {
		return adapter.ErrAlreadyStarted
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(a.cfg.Addr).
		SetClientID(a.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(60 * time.Second)
	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}
	// 重连后paho不会自动恢复订阅，放到OnConnect里每次连上都订一遍
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		topic := a.telemetryFilter()
		token := c.Subscribe(topic, a.cfg.QoS, a.onTelemetry)
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			a.logger.Error("订阅遥测topic失败",
				logx.String("topic", topic), logx.Error(token.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		a.logger.Error("broker连接断开", logx.Error(err))
	})

	client := a.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		a.lc.Stopped()
		return fmt.Errorf("%w: connect timeout after %v", adapter.ErrConnection, connectTimeout)
	}
	if err := token.Error(); err != nil {
		a.lc.Stopped()
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	a.lc.Started()
	a.logger.Info("started", logx.String("broker", a.cfg.Addr))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if !a.lc.BeginStop() {
		return nil
	}
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()
	if client != nil {
		client.Disconnect(disconnectQuiesce)
	}
	a.lc.Stopped()
	a.logger.Info("stopped")
	return nil
}

func (a *Adapter) State() adapter.State {
	return a.lc.State()
}

func (a *Adapter) Parse(raw []byte, pc adapter.ParseContext) domain.StandardTelemetry {
	t := adapter.Normalize(raw, pc, domain.ProtocolMQTT)
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	t.Metadata["broker"] = a.cfg.Addr
	return t
}

// SendCommand publishes the envelope to the device's command topic.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd domain.CommandEnvelope) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("%w: not connected", adapter.ErrCommandDelivery)
	}
	if cmd.DeviceKey == "" {
		return fmt.Errorf("%w: %w: %s", adapter.ErrCommandDelivery, adapter.ErrUnknownDevice, deviceID)
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrCommandDelivery, err)
	}
	topic := fmt.Sprintf("%s/%s/commands", a.cfg.TopicPrefix, cmd.DeviceKey)
	token := client.Publish(topic, a.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: publish timeout after %v", adapter.ErrCommandDelivery, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrCommandDelivery, err)
	}
	return nil
}

func (a *Adapter) onTelemetry(_ pahomqtt.Client, msg pahomqtt.Message) {
	key := deviceKeyFromTopic(msg.Topic())
	t := a.Parse(msg.Payload(), adapter.ParseContext{
		DeviceKey:  key,
		ReceivedAt: time.Now(),
	})
	if a.sink != nil {
		a.sink(context.Background(), t)
	}
}

func (a *Adapter) telemetryFilter() string {
	return fmt.Sprintf("%s/+/telemetry", a.cfg.TopicPrefix)
}

// deviceKeyFromTopic pulls the key out of <prefix>/<deviceKey>/telemetry.
func deviceKeyFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}
