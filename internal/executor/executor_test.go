package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/internal/adapter"
	"github.com/xuhaidong1/iothub/internal/backbone"
	"github.com/xuhaidong1/iothub/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func testLogger() logx.Logger {
	l, _ := zap.NewDevelopment()
	return logx.NewZapLogger(l)
}

type fakeRepo struct {
	mu   sync.Mutex
	cmds map[int64]domain.DeviceCommand
	err  error
}

func (r *fakeRepo) Create(ctx context.Context, c domain.DeviceCommand) error { return nil }

func (r *fakeRepo) FindByID(ctx context.Context, tenantID string, id int64) (domain.DeviceCommand, error) {
	return domain.DeviceCommand{}, gorm.ErrRecordNotFound
}

func (r *fakeRepo) FindByDevice(ctx context.Context, tenantID, deviceID string, limit int) ([]domain.DeviceCommand, error) {
	return nil, nil
}

func (r *fakeRepo) FindByUser(ctx context.Context, tenantID, userID string, limit int) ([]domain.DeviceCommand, error) {
	return nil, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, tenantID string, id int64, from []domain.CommandStatus, to domain.CommandStatus, message string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	c, ok := r.cmds[id]
	if !ok || c.TenantID != tenantID {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			c.StatusMessage = message
			r.cmds[id] = c
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) ExpireSent(ctx context.Context, now int64) (int64, error) { return 0, nil }

func (r *fakeRepo) FindDueScheduled(ctx context.Context, now int64, limit int) ([]domain.DeviceCommand, error) {
	return nil, nil
}

func (r *fakeRepo) get(id int64) domain.DeviceCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmds[id]
}

type fakeDevices struct {
	devices map[string]domain.Device
}

func (d *fakeDevices) Create(ctx context.Context, dev domain.Device) error { return nil }

func (d *fakeDevices) FindByDeviceID(ctx context.Context, deviceID string) (domain.Device, error) {
	dev, ok := d.devices[deviceID]
	if !ok {
		return domain.Device{}, gorm.ErrRecordNotFound
	}
	return dev, nil
}

func (d *fakeDevices) FindByTenant(ctx context.Context, tenantID string) ([]domain.Device, error) {
	return nil, nil
}

// fakeSender 注册成mqtt适配器，记录送达的指令
type fakeSender struct {
	mu      sync.Mutex
	sent    []domain.CommandEnvelope
	sendErr error
}

func (f *fakeSender) Protocol() string                 { return domain.ProtocolMQTT }
func (f *fakeSender) Start(ctx context.Context) error  { return nil }
func (f *fakeSender) Stop(ctx context.Context) error   { return nil }
func (f *fakeSender) Parse(raw []byte, pc adapter.ParseContext) domain.StandardTelemetry {
	return domain.StandardTelemetry{}
}

func (f *fakeSender) SendCommand(ctx context.Context, deviceID string, cmd domain.CommandEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

// readOnlyAdapter 单向协议，没有SendCommand
type readOnlyAdapter struct{}

func (readOnlyAdapter) Protocol() string                { return "lorawan" }
func (readOnlyAdapter) Start(ctx context.Context) error { return nil }
func (readOnlyAdapter) Stop(ctx context.Context) error  { return nil }
func (readOnlyAdapter) Parse(raw []byte, pc adapter.ParseContext) domain.StandardTelemetry {
	return domain.StandardTelemetry{}
}

func envelopeMsg(t *testing.T, env domain.CommandEnvelope) backbone.Message {
	t.Helper()
	value, err := json.Marshal(env)
	require.NoError(t, err)
	return backbone.Message{Topic: "device.commands", Value: value}
}

type fixture struct {
	repo   *fakeRepo
	sender *fakeSender
	exec   *Executor
}

func newFixture() *fixture {
	repo := &fakeRepo{cmds: map[int64]domain.DeviceCommand{
		1: {ID: 1, TenantID: "t1", DeviceID: "dev-1", Status: domain.CommandPending},
	}}
	devices := &fakeDevices{devices: map[string]domain.Device{
		"dev-1":  {ID: "dev-1", DeviceKey: "sensor-1", Protocol: domain.ProtocolMQTT},
		"dev-ro": {ID: "dev-ro", DeviceKey: "lora-1", Protocol: "lorawan"},
	}}
	sender := &fakeSender{}
	registry := adapter.NewRegistry()
	_ = registry.Register(sender)
	_ = registry.Register(readOnlyAdapter{})
	return &fixture{
		repo:   repo,
		sender: sender,
		exec:   New(repo, devices, registry, testLogger()),
	}
}

func TestHandleDelivers(t *testing.T) {
	f := newFixture()
	env := domain.CommandEnvelope{ID: 1, TenantID: "t1", DeviceID: "dev-1", CommandType: "reboot"}

	require.NoError(t, f.exec.Handle(context.Background(), envelopeMsg(t, env)))

	assert.Equal(t, domain.CommandSent, f.repo.get(1).Status)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, env, f.sender.sent[0])
}

func TestHandleSendFailure(t *testing.T) {
	f := newFixture()
	f.sender.sendErr = errors.New("device unreachable")
	env := domain.CommandEnvelope{ID: 1, TenantID: "t1", DeviceID: "dev-1", CommandType: "reboot"}

	require.NoError(t, f.exec.Handle(context.Background(), envelopeMsg(t, env)))

	got := f.repo.get(1)
	assert.Equal(t, domain.CommandFailed, got.Status)
	assert.Contains(t, got.StatusMessage, "device unreachable")
}

func TestHandleDeviceGone(t *testing.T) {
	f := newFixture()
	f.repo.cmds[2] = domain.DeviceCommand{ID: 2, TenantID: "t1", DeviceID: "vanished", Status: domain.CommandPending}
	env := domain.CommandEnvelope{ID: 2, TenantID: "t1", DeviceID: "vanished", CommandType: "reboot"}

	require.NoError(t, f.exec.Handle(context.Background(), envelopeMsg(t, env)))
	got := f.repo.get(2)
	assert.Equal(t, domain.CommandFailed, got.Status)
	assert.Contains(t, got.StatusMessage, "Device not found")
}

func TestHandleNoCommandPath(t *testing.T) {
	f := newFixture()
	f.repo.cmds[3] = domain.DeviceCommand{ID: 3, TenantID: "t1", DeviceID: "dev-ro", Status: domain.CommandPending}
	env := domain.CommandEnvelope{ID: 3, TenantID: "t1", DeviceID: "dev-ro", CommandType: "reboot"}

	require.NoError(t, f.exec.Handle(context.Background(), envelopeMsg(t, env)))
	assert.Equal(t, domain.CommandFailed, f.repo.get(3).Status)
}

func TestHandleSkipsCancelled(t *testing.T) {
	f := newFixture()
	// 用户抢在消费之前取消了
	f.repo.cmds[1] = domain.DeviceCommand{ID: 1, TenantID: "t1", DeviceID: "dev-1", Status: domain.CommandFailed}
	env := domain.CommandEnvelope{ID: 1, TenantID: "t1", DeviceID: "dev-1", CommandType: "reboot"}

	require.NoError(t, f.exec.Handle(context.Background(), envelopeMsg(t, env)))
	assert.Empty(t, f.sender.sent)
	assert.Equal(t, domain.CommandFailed, f.repo.get(1).Status)
}

func TestHandleBadPayload(t *testing.T) {
	f := newFixture()
	err := f.exec.Handle(context.Background(), backbone.Message{Value: []byte("}{")})
	assert.NoError(t, err)
	assert.Empty(t, f.sender.sent)
}

func TestHandleRepoErrorRedelivers(t *testing.T) {
	f := newFixture()
	f.repo.err = errors.New("db down")
	env := domain.CommandEnvelope{ID: 1, TenantID: "t1", DeviceID: "dev-1", CommandType: "reboot"}
	// 基础设施错误向上抛，位点不提交，等重投
	err := f.exec.Handle(context.Background(), envelopeMsg(t, env))
	assert.Error(t, err)
}
