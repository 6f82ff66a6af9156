package dao

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrDuplicateRecord = errors.New("ErrDuplicateRecord")

type DeviceCommand struct {
	// ID 雪花算法生成，不自增
	ID            int64  `gorm:"primaryKey"`
	DeviceID      string `gorm:"not null;type:varchar(64);index:idx_device"`
	DeviceKey     string `gorm:"not null;type:varchar(64)"`
	TenantID      string `gorm:"not null;type:varchar(64);index:idx_tenant_user"`
	UserID        string `gorm:"not null;type:varchar(64);index:idx_tenant_user"`
	CommandType   string `gorm:"not null;type:varchar(64)"`
	Params        string `gorm:"type:text"`
	Priority      string `gorm:"not null;type:varchar(8)"`
	TimeoutMs     int64  `gorm:"not null"`
	Retries       int    `gorm:"not null"`
	Status        string `gorm:"not null;type:varchar(16);index"`
	StatusMessage string `gorm:"type:varchar(255)"`
	ScheduledAt   int64  `gorm:"not null;default:0;index"`
	Ctime         int64  `gorm:"not null;default:0;comment:创建时间"`
	Utime         int64  `gorm:"not null;default:0;comment:更新时间UTC毫秒数"`
}

type CommandDAO interface {
	Insert(ctx context.Context, c DeviceCommand) error
	FindByID(ctx context.Context, tenantID string, id int64) (DeviceCommand, error)
	FindByDevice(ctx context.Context, tenantID, deviceID string, limit int) ([]DeviceCommand, error)
	FindByUser(ctx context.Context, tenantID, userID string, limit int) ([]DeviceCommand, error)
	// UpdateStatus flips status only when the row belongs to the tenant
	// and is still in one of the from statuses, reports whether a row
	// changed.
	UpdateStatus(ctx context.Context, tenantID string, id int64, from []string, to, message string) (bool, error)
	// ExpireSent times out SENT commands whose budget elapsed,
	// returns the number of rows flipped.
	ExpireSent(ctx context.Context, now int64) (int64, error)
	FindDueScheduled(ctx context.Context, now int64, limit int) ([]DeviceCommand, error)
}

type gormCommandDAO struct {
	db *gorm.DB
}

func NewGormCommandDAO(db *gorm.DB) CommandDAO {
	return &gormCommandDAO{db: db}
}

func (dao *gormCommandDAO) Insert(ctx context.Context, c DeviceCommand) error {
	now := time.Now().UnixMilli()
	c.Ctime = now
	c.Utime = now
	err := dao.db.WithContext(ctx).Create(&c).Error
	me := new(mysql.MySQLError)
	if ok := errors.As(err, &me); ok {
		const uniqueConflicts uint16 = 1062
		if me.Number == uniqueConflicts {
			return ErrDuplicateRecord
		}
	}
	return err
}

func (dao *gormCommandDAO) FindByID(ctx context.Context, tenantID string, id int64) (DeviceCommand, error) {
	var res DeviceCommand
	err := dao.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&res).Error
	return res, err
}

func (dao *gormCommandDAO) FindByDevice(ctx context.Context, tenantID, deviceID string, limit int) ([]DeviceCommand, error) {
	var res []DeviceCommand
	err := dao.db.WithContext(ctx).
		Where("tenant_id = ? AND device_id = ?", tenantID, deviceID).
		Order("ctime DESC").Limit(limit).
		Find(&res).Error
	return res, err
}

func (dao *gormCommandDAO) FindByUser(ctx context.Context, tenantID, userID string, limit int) ([]DeviceCommand, error) {
	var res []DeviceCommand
	err := dao.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("ctime DESC").Limit(limit).
		Find(&res).Error
	return res, err
}

func (dao *gormCommandDAO) UpdateStatus(ctx context.Context, tenantID string, id int64, from []string, to, message string) (bool, error) {
	res := dao.db.WithContext(ctx).Model(&DeviceCommand{}).
		Where("id = ? AND tenant_id = ? AND status IN ?", id, tenantID, from).
		Updates(map[string]any{
			"status":         to,
			"status_message": message,
			"utime":          time.Now().UnixMilli(),
		})
	return res.RowsAffected > 0, res.Error
}

func (dao *gormCommandDAO) ExpireSent(ctx context.Context, now int64) (int64, error) {
	res := dao.db.WithContext(ctx).Model(&DeviceCommand{}).
		Where("status = ? AND utime + timeout_ms < ?", "SENT", now).
		Updates(map[string]any{
			"status":         "TIMEOUT",
			"status_message": "Command timed out",
			"utime":          now,
		})
	return res.RowsAffected, res.Error
}

func (dao *gormCommandDAO) FindDueScheduled(ctx context.Context, now int64, limit int) ([]DeviceCommand, error) {
	var res []DeviceCommand
	err := dao.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", "SCHEDULED", now).
		Order("scheduled_at").Limit(limit).
		Find(&res).Error
	return res, err
}
