package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
	"github.com/xuhaidong1/iothub/config/topicconfig"
	"github.com/xuhaidong1/iothub/internal/domain"
	"github.com/xuhaidong1/iothub/internal/id"
	"github.com/xuhaidong1/iothub/internal/metrics"
	"github.com/xuhaidong1/iothub/internal/repository"
	"github.com/xuhaidong1/iothub/pkg/quota"
	"gorm.io/gorm"
)

var (
	ErrDeviceNotFound         = errors.New("command: device not found")
	ErrCommandNotFound        = errors.New("command: command not found")
	ErrQuotaExceeded          = errors.New("command: user quota exceeded")
	ErrInvalidStateTransition = errors.New("command: invalid state transition")
	ErrInvalidCommand         = errors.New("command: invalid command")
)

// cancellable 处于这些状态的指令还没下发到设备，允许取消
var cancellable = []domain.CommandStatus{
	domain.CommandPending,
	domain.CommandQueued,
	domain.CommandScheduled,
}

// Publisher is the slice of the backbone the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any, headers map[string]string) error
}

// CreateReq 创建指令的入参，零值字段走默认
type CreateReq struct {
	TenantID    string
	UserID      string
	DeviceID    string
	CommandType string
	Params      map[string]any
	Priority    domain.Priority
	TimeoutMs   int64
	Retries     int
	// ScheduledAt UTC毫秒，0表示立即下发
	ScheduledAt int64
}

type Service struct {
	repo      repository.CommandRepository
	devices   repository.DeviceRegistry
	quota     quota.Limiter
	publisher Publisher
	idgen     id.Generator
	logger    logx.Logger
	now       func() time.Time
}

func NewService(repo repository.CommandRepository, devices repository.DeviceRegistry,
	limiter quota.Limiter, publisher Publisher, idgen id.Generator, logger logx.Logger) *Service {
	return &Service{
		repo:      repo,
		devices:   devices,
		quota:     limiter,
		publisher: publisher,
		idgen:     idgen,
		logger:    logger.With(logx.Field{Key: "component", Value: "CommandService"}),
		now:       time.Now,
	}
}

// CreateCommand admits, persists and, unless scheduled for later,
// publishes a command. 先落库再发消息，确保查询接口立刻可见。
func (s *Service) CreateCommand(ctx context.Context, req CreateReq) (domain.DeviceCommand, error) {
	if req.CommandType == "" {
		return domain.DeviceCommand{}, fmt.Errorf("%w: empty command type", ErrInvalidCommand)
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if !req.Priority.Valid() {
		return domain.DeviceCommand{}, fmt.Errorf("%w: bad priority %s", ErrInvalidCommand, req.Priority)
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = domain.DefaultCommandTimeoutMs
	}
	if req.Retries <= 0 {
		req.Retries = domain.DefaultCommandRetries
	}

	device, err := s.devices.FindByDeviceID(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DeviceCommand{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, req.DeviceID)
		}
		return domain.DeviceCommand{}, err
	}
	// 别的租户的设备等同于不存在，不泄露设备是否存在
	if device.TenantID != req.TenantID {
		return domain.DeviceCommand{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, req.DeviceID)
	}

	allowed, err := s.quota.Allow(ctx, req.TenantID+":"+req.UserID)
	if err != nil {
		return domain.DeviceCommand{}, err
	}
	if !allowed {
		return domain.DeviceCommand{}, fmt.Errorf("%w: %s/%s", ErrQuotaExceeded, req.TenantID, req.UserID)
	}

	now := s.now().UnixMilli()
	cmd := domain.DeviceCommand{
		ID:          s.idgen.Generate(),
		DeviceID:    device.ID,
		DeviceKey:   device.DeviceKey,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		CommandType: req.CommandType,
		Params:      req.Params,
		Priority:    req.Priority,
		TimeoutMs:   req.TimeoutMs,
		Retries:     req.Retries,
		Status:      domain.CommandPending,
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   now,
	}
	if req.ScheduledAt > now {
		cmd.Status = domain.CommandScheduled
	}
	if err := s.repo.Create(ctx, cmd); err != nil {
		return domain.DeviceCommand{}, err
	}
	metrics.CommandCounter.WithLabelValues(string(cmd.Status)).Inc()

	if cmd.Status == domain.CommandPending {
		if err := s.publish(ctx, cmd); err != nil {
			// 落库成功但没发出去，标记失败让调用方重建
			_, _ = s.repo.UpdateStatus(ctx, cmd.TenantID, cmd.ID,
				[]domain.CommandStatus{domain.CommandPending},
				domain.CommandFailed, "Failed to publish command")
			return domain.DeviceCommand{}, err
		}
	}
	return cmd, nil
}

// CancelCommand 只允许取消还没下发的指令，且只能动自己租户的行
func (s *Service) CancelCommand(ctx context.Context, tenantID string, id int64) (domain.DeviceCommand, error) {
	changed, err := s.repo.UpdateStatus(ctx, tenantID, id, cancellable, domain.CommandFailed, "Cancelled by user")
	if err != nil {
		return domain.DeviceCommand{}, err
	}
	cmd, err := s.repo.FindByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DeviceCommand{}, fmt.Errorf("%w: %d", ErrCommandNotFound, id)
		}
		return domain.DeviceCommand{}, err
	}
	if !changed {
		return domain.DeviceCommand{}, fmt.Errorf("%w: cancel from %s", ErrInvalidStateTransition, cmd.Status)
	}
	metrics.CommandCounter.WithLabelValues(string(domain.CommandFailed)).Inc()
	return cmd, nil
}

func (s *Service) GetCommandStatus(ctx context.Context, tenantID string, id int64) (domain.DeviceCommand, error) {
	cmd, err := s.repo.FindByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DeviceCommand{}, fmt.Errorf("%w: %d", ErrCommandNotFound, id)
		}
		return domain.DeviceCommand{}, err
	}
	return cmd, nil
}

func (s *Service) GetDeviceCommands(ctx context.Context, tenantID, deviceID string, limit int) ([]domain.DeviceCommand, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.FindByDevice(ctx, tenantID, deviceID, limit)
}

func (s *Service) GetUserCommands(ctx context.Context, tenantID, userID string, limit int) ([]domain.DeviceCommand, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.FindByUser(ctx, tenantID, userID, limit)
}

// DispatchDue flips due SCHEDULED commands to PENDING and publishes
// them. Promoted commands re-enter as PENDING so the consumer claims
// them through the same PENDING→QUEUED transition as immediate ones.
// CAS保证多实例同时扫也只会有一个发布成功。
func (s *Service) DispatchDue(ctx context.Context) error {
	const batch = 100
	now := s.now().UnixMilli()
	due, err := s.repo.FindDueScheduled(ctx, now, batch)
	if err != nil {
		return err
	}
	for _, cmd := range due {
		changed, err := s.repo.UpdateStatus(ctx, cmd.TenantID, cmd.ID,
			[]domain.CommandStatus{domain.CommandScheduled}, domain.CommandPending, "")
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		cmd.Status = domain.CommandPending
		if err := s.publish(ctx, cmd); err != nil {
			// 回退成SCHEDULED，下一轮扫描重试
			_, _ = s.repo.UpdateStatus(ctx, cmd.TenantID, cmd.ID,
				[]domain.CommandStatus{domain.CommandPending},
				domain.CommandScheduled, "")
			s.logger.Error("定时指令发布失败", logx.Int64("id", cmd.ID), logx.Error(err))
			continue
		}
		s.logger.Info("定时指令已下发", logx.Int64("id", cmd.ID))
	}
	return nil
}

// ExpireSent times out SENT commands whose budget elapsed.
func (s *Service) ExpireSent(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireSent(ctx, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.CommandCounter.WithLabelValues(string(domain.CommandTimeout)).Add(float64(n))
		s.logger.Info("指令超时", logx.Int64("count", n))
	}
	return n, nil
}

func (s *Service) publish(ctx context.Context, cmd domain.DeviceCommand) error {
	// 指令量低，不设分区key，均匀打散比保序更划算
	return s.publisher.Publish(ctx, topicconfig.DeviceCommands, "", cmd.Envelope(), map[string]string{
		"tenantId": cmd.TenantID,
	})
}
