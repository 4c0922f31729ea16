package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"device-auth-service/internal/domain"
	"device-auth-service/internal/pki"
)

// DeviceRepository はデバイスストアへのアクセスインターフェース。
type DeviceRepository interface {
	Create(ctx context.Context, device *domain.Device) error
	FindByID(ctx context.Context, id string) (*domain.Device, error)
	FindAll(ctx context.Context) ([]*domain.Device, error)
	UpdateStatus(ctx context.Context, id string, status domain.DeviceStatus) error
	UpdateCertificate(ctx context.Context, device *domain.Device) error
	PurgeExpiredPrivateKeys(ctx context.Context, cutoff time.Time) (int64, error)
}

// Issuer は証明書発行のインターフェース。
type Issuer interface {
	Issue(deviceID uuid.UUID, algorithm domain.CertificateAlgorithm) (*pki.IssuedCertificate, error)
}

// KeyProtector は保存するデバイス秘密鍵の暗号化・復号を行う。
type KeyProtector interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// CertificateMetadata は発行結果のメタデータ。鍵材料は含まない。
type CertificateMetadata struct {
	DeviceID          string
	SerialHex         string
	NotAfter          time.Time
	DownloadExpiresAt time.Time
}

// DeviceService はデバイス登録・証明書発行・失効に関するビジネスロジックを提供する。
type DeviceService struct {
	devices   DeviceRepository
	messages  MessageRepository
	issuer    Issuer
	protector KeyProtector
	now       func() time.Time
}

// NewDeviceService は新しいDeviceServiceを生成する。
func NewDeviceService(devices DeviceRepository, messages MessageRepository, issuer Issuer, protector KeyProtector) *DeviceService {
	return &DeviceService{
		devices:   devices,
		messages:  messages,
		issuer:    issuer,
		protector: protector,
		now:       time.Now,
	}
}

// Register は新しいデバイスをPENDING状態で登録する。
// アルゴリズム未指定時はECDSA P-384を既定とする。
func (s *DeviceService) Register(ctx context.Context, name, description string, algorithm domain.CertificateAlgorithm) (*domain.Device, error) {
	if algorithm == "" {
		algorithm = domain.AlgorithmECDSAP384
	}
	if !algorithm.IsValid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, algorithm)
	}

	device := &domain.Device{
		ID:                   uuid.New().String(),
		Name:                 name,
		Description:          description,
		Status:               domain.DeviceStatusPending,
		CertificateAlgorithm: algorithm,
	}
	if err := s.devices.Create(ctx, device); err != nil {
		return nil, fmt.Errorf("creating device: %w", err)
	}
	return device, nil
}

// GetDevice は指定されたデバイスを取得する。
func (s *DeviceService) GetDevice(ctx context.Context, id string) (*domain.Device, error) {
	device, err := s.devices.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding device: %w", err)
	}
	if device == nil {
		return nil, domain.ErrDeviceNotFound
	}
	return device, nil
}

// ListDevices は全デバイスを取得する。
func (s *DeviceService) ListDevices(ctx context.Context) ([]*domain.Device, error) {
	devices, err := s.devices.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding devices: %w", err)
	}
	return devices, nil
}

// IssueCertificate はデバイスに設定されたアルゴリズムで証明書を発行し、
// シリアル・有効期限・PEM・生成時刻を一括で保存する。失敗時にデバイス
// レコードを部分更新しない。失効済みデバイスへの発行は拒否する。
func (s *DeviceService) IssueCertificate(ctx context.Context, id string) (*CertificateMetadata, error) {
	device, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if device.Status == domain.DeviceStatusRevoked {
		return nil, domain.ErrDeviceRevoked
	}

	deviceID, err := uuid.Parse(device.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing device ID: %w", err)
	}

	issued, err := s.issuer.Issue(deviceID, device.CertificateAlgorithm)
	if err != nil {
		return nil, err
	}

	encryptedKey, err := s.protector.Encrypt(ctx, []byte(issued.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}

	generatedAt := s.now().UTC()
	device.CertificateSerial = issued.SerialHex
	device.CertificateExpiry = &issued.NotAfter
	device.CertificatePEM = issued.CertificatePEM
	device.EncryptedPrivateKey = encryptedKey
	device.CertificateGeneratedAt = &generatedAt

	if err := s.devices.UpdateCertificate(ctx, device); err != nil {
		return nil, fmt.Errorf("storing certificate: %w", err)
	}

	return &CertificateMetadata{
		DeviceID:          device.ID,
		SerialHex:         issued.SerialHex,
		NotAfter:          issued.NotAfter,
		DownloadExpiresAt: generatedAt.Add(domain.DownloadWindow),
	}, nil
}

// DownloadCertificate は証明書PEMを返す。生成から24時間のウィンドウ内での
// み取得できる。
func (s *DeviceService) DownloadCertificate(ctx context.Context, id string) (string, error) {
	device, err := s.GetDevice(ctx, id)
	if err != nil {
		return "", err
	}
	if device.CertificatePEM == "" || device.CertificateGeneratedAt == nil {
		return "", domain.ErrCertificateNotFound
	}
	if !device.CertificateDownloadable(s.now()) {
		return "", domain.ErrDownloadWindowExpired
	}
	return device.CertificatePEM, nil
}

// DownloadPrivateKey は秘密鍵PEMを復号して返す。証明書と同じウィンドウで
// ゲートされる。
func (s *DeviceService) DownloadPrivateKey(ctx context.Context, id string) (string, error) {
	device, err := s.GetDevice(ctx, id)
	if err != nil {
		return "", err
	}
	if len(device.EncryptedPrivateKey) == 0 || device.CertificateGeneratedAt == nil {
		return "", domain.ErrCertificateNotFound
	}
	if !device.CertificateDownloadable(s.now()) {
		return "", domain.ErrDownloadWindowExpired
	}

	keyPEM, err := s.protector.Decrypt(ctx, device.EncryptedPrivateKey)
	if err != nil {
		return "", fmt.Errorf("unprotecting private key: %w", err)
	}
	return string(keyPEM), nil
}

// Revoke はデバイスを失効させる。終端遷移であり、以後の証明書発行と
// メッセージ受信は拒否される。
func (s *DeviceService) Revoke(ctx context.Context, id string) error {
	device, err := s.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if device.Status == domain.DeviceStatusRevoked {
		return domain.ErrDeviceAlreadyRevoked
	}
	if err := s.devices.UpdateStatus(ctx, id, domain.DeviceStatusRevoked); err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}
	return nil
}

// PurgeExpiredKeys はダウンロードウィンドウを過ぎた保存済み秘密鍵を削除する。
// 運用者が明示的に実行する。削除件数を返す。
func (s *DeviceService) PurgeExpiredKeys(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-domain.DownloadWindow)
	purged, err := s.devices.PurgeExpiredPrivateKeys(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging private keys: %w", err)
	}
	return purged, nil
}

// ListMessages はデバイスの受信メッセージを新しい順に取得する。
func (s *DeviceService) ListMessages(ctx context.Context, id string, limit int) ([]*domain.DeviceMessage, error) {
	if _, err := s.GetDevice(ctx, id); err != nil {
		return nil, err
	}
	messages, err := s.messages.FindByDeviceID(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("finding messages: %w", err)
	}
	return messages, nil
}
