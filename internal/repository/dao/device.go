package dao

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type Device struct {
	ID        int64  `gorm:"primaryKey,autoIncrement"`
	DeviceID  string `gorm:"not null;type:varchar(64);uniqueIndex"`
	DeviceKey string `gorm:"not null;type:varchar(64);uniqueIndex"`
	TenantID  string `gorm:"not null;type:varchar(64);index"`
	Protocol  string `gorm:"not null;type:varchar(16)"`
	Name      string `gorm:"type:varchar(128)"`
	Ctime     int64  `gorm:"not null;default:0;comment:创建时间"`
	Utime     int64  `gorm:"not null;default:0;comment:更新时间UTC毫秒数"`
}

type DeviceDAO interface {
	Insert(ctx context.Context, d Device) error
	FindByDeviceID(ctx context.Context, deviceID string) (Device, error)
	FindByTenant(ctx context.Context, tenantID string) ([]Device, error)
}

type gormDeviceDAO struct {
	db *gorm.DB
}

func NewGormDeviceDAO(db *gorm.DB) DeviceDAO {
	return &gormDeviceDAO{db: db}
}

func (dao *gormDeviceDAO) Insert(ctx context.Context, d Device) error {
	now := time.Now().UnixMilli()
	d.Ctime = now
	d.Utime = now
	err := dao.db.WithContext(ctx).Create(&d).Error
	me := new(mysql.MySQLError)
	if ok := errors.As(err, &me); ok {
		const uniqueConflicts uint16 = 1062
		if me.Number == uniqueConflicts {
			return ErrDuplicateRecord
		}
	}
	return err
}

func (dao *gormDeviceDAO) FindByDeviceID(ctx context.Context, deviceID string) (Device, error) {
	var res Device
	err := dao.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		First(&res).Error
	return res, err
}

func (dao *gormDeviceDAO) FindByTenant(ctx context.Context, tenantID string) ([]Device, error) {
	var res []Device
	err := dao.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Find(&res).Error
	return res, err
}
