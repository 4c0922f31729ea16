package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"device-auth-service/internal/domain"
)

// DeviceMessageModel はgorm用のモデル定義。
type DeviceMessageModel struct {
	ID                string    `gorm:"type:char(36);primaryKey"`
	DeviceID          string    `gorm:"type:char(36);not null;index:idx_message_device"`
	MessageType       string    `gorm:"type:varchar(50);not null;default:'unknown'"`
	Timestamp         time.Time `gorm:"type:datetime(6);not null;index:idx_message_timestamp"`
	Data              []byte    `gorm:"type:json"`
	ReceivedAt        time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	IPAddress         string    `gorm:"type:varchar(45)"`
	CertificateSerial string    `gorm:"type:varchar(40)"`
}

// TableName はテーブル名を返す。
func (DeviceMessageModel) TableName() string {
	return "device_messages"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *DeviceMessageModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *DeviceMessageModel) toDomain() *domain.DeviceMessage {
	return &domain.DeviceMessage{
		ID:                m.ID,
		DeviceID:          m.DeviceID,
		MessageType:       m.MessageType,
		Timestamp:         m.Timestamp,
		Data:              m.Data,
		ReceivedAt:        m.ReceivedAt,
		IPAddress:         m.IPAddress,
		CertificateSerial: m.CertificateSerial,
	}
}

// MessageRepository は追記専用のメッセージログへのアクセスを提供する。
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository は新しいMessageRepositoryを生成する。
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create は受信メッセージを保存する。保存後の更新・削除は行わない。
func (r *MessageRepository) Create(ctx context.Context, msg *domain.DeviceMessage) error {
	model := &DeviceMessageModel{
		ID:                msg.ID,
		DeviceID:          msg.DeviceID,
		MessageType:       msg.MessageType,
		Timestamp:         msg.Timestamp,
		Data:              msg.Data,
		ReceivedAt:        msg.ReceivedAt,
		IPAddress:         msg.IPAddress,
		CertificateSerial: msg.CertificateSerial,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create device message",
			"operation", "create",
			"device_id", msg.DeviceID,
			"error", err,
		)
		return err
	}
	msg.ID = model.ID
	msg.ReceivedAt = model.ReceivedAt
	return nil
}

// FindByDeviceID は指定されたデバイスのメッセージを受信の新しい順に取得する。
func (r *MessageRepository) FindByDeviceID(ctx context.Context, deviceID string, limit int) ([]*domain.DeviceMessage, error) {
	query := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("received_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []DeviceMessageModel
	if err := query.Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find device messages",
			"operation", "find_by_device_id",
			"device_id", deviceID,
			"error", err,
		)
		return nil, err
	}

	messages := make([]*domain.DeviceMessage, len(models))
	for i, m := range models {
		messages[i] = m.toDomain()
	}
	return messages, nil
}
