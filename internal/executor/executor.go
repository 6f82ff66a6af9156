package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/internal/adapter"
	"github.com/xuhaidong1/iothub/internal/backbone"
	"github.com/xuhaidong1/iothub/internal/domain"
	"github.com/xuhaidong1/iothub/internal/metrics"
	"github.com/xuhaidong1/iothub/internal/repository"
	"gorm.io/gorm"
)

// GroupID 指令执行者的消费组，分区在实例间均衡
const GroupID = "iothub-command-executor"

// Executor drains device.commands and pushes each command down its
// device's protocol adapter, tracking the state machine in MySQL.
type Executor struct {
	repo     repository.CommandRepository
	devices  repository.DeviceRegistry
	adapters *adapter.Registry
	logger   logx.Logger
}

func New(repo repository.CommandRepository, devices repository.DeviceRegistry,
	adapters *adapter.Registry, logger logx.Logger) *Executor {
	return &Executor{
		repo:     repo,
		devices:  devices,
		adapters: adapters,
		logger:   logger.With(logx.Field{Key: "component", Value: "CommandExecutor"}),
	}
}

// Handle processes one envelope. A non-nil return keeps the offset
// uncommitted so the message is redelivered; business-level failures
// land in the command row instead.
func (e *Executor) Handle(ctx context.Context, msg backbone.Message) error {
	var env domain.CommandEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		// 解不开的报文重投也解不开，记日志跳过
		e.logger.Error("指令信封解码失败",
			logx.Int64("offset", msg.Offset), logx.Error(err))
		return nil
	}

	// 抢占：PENDING→QUEUED，没抢到说明已被取消或别的实例在处理
	claimed, err := e.repo.UpdateStatus(ctx, env.TenantID, env.ID,
		[]domain.CommandStatus{domain.CommandPending}, domain.CommandQueued, "")
	if err != nil {
		return err
	}
	if !claimed {
		e.logger.Info("指令已不在PENDING，跳过", logx.Int64("id", env.ID))
		return nil
	}

	device, err := e.devices.FindByDeviceID(ctx, env.DeviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return e.fail(ctx, env.TenantID, env.ID, fmt.Sprintf("Device not found: %s", env.DeviceID))
		}
		return err
	}

	sender, ok := e.adapters.Sender(device.Protocol)
	if !ok {
		return e.fail(ctx, env.TenantID, env.ID, fmt.Sprintf("No command path for protocol %s", device.Protocol))
	}

	if err := sender.SendCommand(ctx, env.DeviceID, env); err != nil {
		e.logger.Error("指令下发失败",
			logx.Int64("id", env.ID),
			logx.String("device", env.DeviceID),
			logx.Error(err))
		return e.fail(ctx, env.TenantID, env.ID, err.Error())
	}

	_, err = e.repo.UpdateStatus(ctx, env.TenantID, env.ID,
		[]domain.CommandStatus{domain.CommandQueued}, domain.CommandSent, "")
	if err != nil {
		return err
	}
	metrics.CommandCounter.WithLabelValues(string(domain.CommandSent)).Inc()
	e.logger.Info("指令已下发",
		logx.Int64("id", env.ID), logx.String("device", env.DeviceID))
	return nil
}

func (e *Executor) fail(ctx context.Context, tenantID string, id int64, message string) error {
	_, err := e.repo.UpdateStatus(ctx, tenantID, id,
		[]domain.CommandStatus{domain.CommandQueued}, domain.CommandFailed, message)
	if err != nil {
		return err
	}
	metrics.CommandCounter.WithLabelValues(string(domain.CommandFailed)).Inc()
	return nil
}
