package repository

import (
	"context"
	"encoding/json"

	"github.com/xuhaidong1/iothub/internal/domain"
	"github.com/xuhaidong1/iothub/internal/repository/dao"
)

type CommandRepository interface {
	Create(ctx context.Context, c domain.DeviceCommand) error
	FindByID(ctx context.Context, tenantID string, id int64) (domain.DeviceCommand, error)
	FindByDevice(ctx context.Context, tenantID, deviceID string, limit int) ([]domain.DeviceCommand, error)
	FindByUser(ctx context.Context, tenantID, userID string, limit int) ([]domain.DeviceCommand, error)
	// UpdateStatus is tenant-scoped: a foreign tenant can never flip the row.
	UpdateStatus(ctx context.Context, tenantID string, id int64, from []domain.CommandStatus, to domain.CommandStatus, message string) (bool, error)
	ExpireSent(ctx context.Context, now int64) (int64, error)
	FindDueScheduled(ctx context.Context, now int64, limit int) ([]domain.DeviceCommand, error)
}

type DeviceRegistry interface {
	Create(ctx context.Context, d domain.Device) error
	FindByDeviceID(ctx context.Context, deviceID string) (domain.Device, error)
	FindByTenant(ctx context.Context, tenantID string) ([]domain.Device, error)
}

type commandRepository struct {
	dao dao.CommandDAO
}

func NewCommandRepository(dao dao.CommandDAO) CommandRepository {
	return &commandRepository{dao: dao}
}

func (r *commandRepository) Create(ctx context.Context, c domain.DeviceCommand) error {
	entity, err := r.domainToEntity(c)
	if err != nil {
		return err
	}
	return r.dao.Insert(ctx, entity)
}

func (r *commandRepository) FindByID(ctx context.Context, tenantID string, id int64) (domain.DeviceCommand, error) {
	entity, err := r.dao.FindByID(ctx, tenantID, id)
	if err != nil {
		return domain.DeviceCommand{}, err
	}
	return r.entityToDomain(entity)
}

func (r *commandRepository) FindByDevice(ctx context.Context, tenantID, deviceID string, limit int) ([]domain.DeviceCommand, error) {
	entities, err := r.dao.FindByDevice(ctx, tenantID, deviceID, limit)
	if err != nil {
		return nil, err
	}
	return r.entitiesToDomain(entities)
}

func (r *commandRepository) FindByUser(ctx context.Context, tenantID, userID string, limit int) ([]domain.DeviceCommand, error) {
	entities, err := r.dao.FindByUser(ctx, tenantID, userID, limit)
	if err != nil {
		return nil, err
	}
	return r.entitiesToDomain(entities)
}

func (r *commandRepository) UpdateStatus(ctx context.Context, tenantID string, id int64, from []domain.CommandStatus, to domain.CommandStatus, message string) (bool, error) {
	fs := make([]string, 0, len(from))
	for _, f := range from {
		fs = append(fs, string(f))
	}
	return r.dao.UpdateStatus(ctx, tenantID, id, fs, string(to), message)
}

func (r *commandRepository) ExpireSent(ctx context.Context, now int64) (int64, error) {
	return r.dao.ExpireSent(ctx, now)
}

func (r *commandRepository) FindDueScheduled(ctx context.Context, now int64, limit int) ([]domain.DeviceCommand, error) {
	entities, err := r.dao.FindDueScheduled(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	return r.entitiesToDomain(entities)
}

func (r *commandRepository) domainToEntity(c domain.DeviceCommand) (dao.DeviceCommand, error) {
	params, err := json.Marshal(c.Params)
	if err != nil {
		return dao.DeviceCommand{}, err
	}
	return dao.DeviceCommand{
		ID:            c.ID,
		DeviceID:      c.DeviceID,
		DeviceKey:     c.DeviceKey,
		TenantID:      c.TenantID,
		UserID:        c.UserID,
		CommandType:   c.CommandType,
		Params:        string(params),
		Priority:      string(c.Priority),
		TimeoutMs:     c.TimeoutMs,
		Retries:       c.Retries,
		Status:        string(c.Status),
		StatusMessage: c.StatusMessage,
		ScheduledAt:   c.ScheduledAt,
		Ctime:         c.CreatedAt,
	}, nil
}

func (r *commandRepository) entityToDomain(c dao.DeviceCommand) (domain.DeviceCommand, error) {
	var params map[string]any
	if c.Params != "" {
		if err := json.Unmarshal([]byte(c.Params), &params); err != nil {
			return domain.DeviceCommand{}, err
		}
	}
	return domain.DeviceCommand{
		ID:            c.ID,
		DeviceID:      c.DeviceID,
		DeviceKey:     c.DeviceKey,
		TenantID:      c.TenantID,
		UserID:        c.UserID,
		CommandType:   c.CommandType,
		Params:        params,
		Priority:      domain.Priority(c.Priority),
		TimeoutMs:     c.TimeoutMs,
		Retries:       c.Retries,
		Status:        domain.CommandStatus(c.Status),
		StatusMessage: c.StatusMessage,
		ScheduledAt:   c.ScheduledAt,
		CreatedAt:     c.Ctime,
	}, nil
}

func (r *commandRepository) entitiesToDomain(entities []dao.DeviceCommand) ([]domain.DeviceCommand, error) {
	cs := make([]domain.DeviceCommand, 0, len(entities))
	for _, e := range entities {
		c, err := r.entityToDomain(e)
		if err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}
	return cs, nil
}

type deviceRegistry struct {
	dao dao.DeviceDAO
}

func NewDeviceRegistry(dao dao.DeviceDAO) DeviceRegistry {
	return &deviceRegistry{dao: dao}
}

func (r *deviceRegistry) Create(ctx context.Context, d domain.Device) error {
	return r.dao.Insert(ctx, dao.Device{
		DeviceID:  d.ID,
		DeviceKey: d.DeviceKey,
		TenantID:  d.TenantID,
		Protocol:  d.Protocol,
		Name:      d.Name,
	})
}

func (r *deviceRegistry) FindByDeviceID(ctx context.Context, deviceID string) (domain.Device, error) {
	entity, err := r.dao.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return domain.Device{}, err
	}
	return r.entityToDomain(entity), nil
}

func (r *deviceRegistry) FindByTenant(ctx context.Context, tenantID string) ([]domain.Device, error) {
	entities, err := r.dao.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ds := make([]domain.Device, 0, len(entities))
	for _, e := range entities {
		ds = append(ds, r.entityToDomain(e))
	}
	return ds, nil
}

func (r *deviceRegistry) entityToDomain(d dao.Device) domain.Device {
	return domain.Device{
		ID:        d.DeviceID,
		DeviceKey: d.DeviceKey,
		TenantID:  d.TenantID,
		Protocol:  d.Protocol,
		Name:      d.Name,
	}
}
