// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"device-auth-service/internal/domain"
)

// DeviceModel はgorm用のモデル定義。
type DeviceModel struct {
	ID                     string     `gorm:"type:char(36);primaryKey"`
	Name                   string     `gorm:"type:varchar(255);not null"`
	Description            string     `gorm:"type:text"`
	Status                 string     `gorm:"type:varchar(20);not null;default:'PENDING';index:idx_device_status"`
	CertificateAlgorithm   string     `gorm:"type:varchar(20);not null;default:'ECDSA_P384'"`
	CertificateSerial      *string    `gorm:"type:varchar(40);uniqueIndex:uk_certificate_serial"`
	CertificateExpiry      *time.Time `gorm:"type:datetime(6)"`
	CertificatePEM         string     `gorm:"column:certificate_pem;type:text"`
	EncryptedPrivateKey    []byte     `gorm:"type:blob"`
	CertificateGeneratedAt *time.Time `gorm:"type:datetime(6)"`
	CreatedAt              time.Time  `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt              time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (DeviceModel) TableName() string {
	return "devices"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (d *DeviceModel) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (d *DeviceModel) toDomain() *domain.Device {
	serial := ""
	if d.CertificateSerial != nil {
		serial = *d.CertificateSerial
	}
	return &domain.Device{
		ID:                     d.ID,
		Name:                   d.Name,
		Description:            d.Description,
		Status:                 domain.DeviceStatus(d.Status),
		CertificateAlgorithm:   domain.CertificateAlgorithm(d.CertificateAlgorithm),
		CertificateSerial:      serial,
		CertificateExpiry:      d.CertificateExpiry,
		CertificatePEM:         d.CertificatePEM,
		EncryptedPrivateKey:    d.EncryptedPrivateKey,
		CertificateGeneratedAt: d.CertificateGeneratedAt,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
	}
}

// DeviceRepository はデバイスのデータアクセスを提供する。
type DeviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository は新しいDeviceRepositoryを生成する。
func NewDeviceRepository(db *gorm.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Create は新しいデバイスを保存する。
func (r *DeviceRepository) Create(ctx context.Context, device *domain.Device) error {
	model := &DeviceModel{
		ID:                   device.ID,
		Name:                 device.Name,
		Description:          device.Description,
		Status:               string(device.Status),
		CertificateAlgorithm: string(device.CertificateAlgorithm),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create device",
			"operation", "create",
			"device_id", device.ID,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	device.ID = model.ID
	device.CreatedAt = model.CreatedAt
	device.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID は指定されたIDのデバイスを取得する。存在しない場合はnilを返す。
func (r *DeviceRepository) FindByID(ctx context.Context, id string) (*domain.Device, error) {
	var model DeviceModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find device",
			"operation", "find_by_id",
			"device_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindAll は全デバイスを登録の新しい順に取得する。
func (r *DeviceRepository) FindAll(ctx context.Context) ([]*domain.Device, error) {
	var models []DeviceModel
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find all devices",
			"operation", "find_all",
			"error", err,
		)
		return nil, err
	}

	devices := make([]*domain.Device, len(models))
	for i, m := range models {
		devices[i] = m.toDomain()
	}
	return devices, nil
}

// UpdateStatus は指定されたデバイスのステータスを更新する。
func (r *DeviceRepository) UpdateStatus(ctx context.Context, id string, status domain.DeviceStatus) error {
	err := r.db.WithContext(ctx).
		Model(&DeviceModel{}).
		Where("id = ?", id).
		Update("status", string(status)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update device status",
			"operation", "update_status",
			"device_id", id,
			"status", status,
			"error", err,
		)
		return err
	}
	return nil
}

// UpdateCertificate は証明書関連のカラムを一括更新する。
func (r *DeviceRepository) UpdateCertificate(ctx context.Context, device *domain.Device) error {
	var serial *string
	if device.CertificateSerial != "" {
		serial = &device.CertificateSerial
	}
	err := r.db.WithContext(ctx).
		Model(&DeviceModel{}).
		Where("id = ?", device.ID).
		Updates(map[string]any{
			"certificate_serial":       serial,
			"certificate_expiry":       device.CertificateExpiry,
			"certificate_pem":          device.CertificatePEM,
			"encrypted_private_key":    device.EncryptedPrivateKey,
			"certificate_generated_at": device.CertificateGeneratedAt,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update device certificate",
			"operation", "update_certificate",
			"device_id", device.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// PurgeExpiredPrivateKeys は生成時刻がcutoffより前の保存済み秘密鍵を削除する。
func (r *DeviceRepository) PurgeExpiredPrivateKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&DeviceModel{}).
		Where("certificate_generated_at IS NOT NULL AND certificate_generated_at < ? AND encrypted_private_key IS NOT NULL", cutoff).
		Update("encrypted_private_key", nil)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to purge private keys",
			"operation", "purge_expired_private_keys",
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
