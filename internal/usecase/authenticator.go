// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"device-auth-service/internal/domain"
	"device-auth-service/internal/pki"
)

// CertificateProvider はCA証明書へのアクセスを提供するインターフェース。
type CertificateProvider interface {
	Certificate() (*x509.Certificate, error)
}

// Credentials は認証対象のリクエスト素材を表す。
type Credentials struct {
	CertificateHeader string // Base64エンコードされたPEM証明書
	SignatureHeader   string // Base64エンコードされた署名バイト列
	Body              []byte // パース前の生リクエストボディ
}

// Authenticated は認証成功の結果を表す。
type Authenticated struct {
	Device            *domain.Device
	CertificateSerial string // 16進、40桁
	Payload           map[string]any
}

// DeviceAuthenticator は受信メッセージの証明書・署名検証パイプラインを実装する。
type DeviceAuthenticator struct {
	ca      CertificateProvider
	devices DeviceRepository
	now     func() time.Time
}

// NewDeviceAuthenticator は新しいDeviceAuthenticatorを生成する。
func NewDeviceAuthenticator(ca CertificateProvider, devices DeviceRepository) *DeviceAuthenticator {
	return &DeviceAuthenticator{
		ca:      ca,
		devices: devices,
		now:     time.Now,
	}
}

// Authenticate は検証パイプラインを順に実行する。各段は失敗時に固有の
// エラーで打ち切り、リトライしない。全段成功時のみAuthenticatedを返す。
func (a *DeviceAuthenticator) Authenticate(ctx context.Context, creds Credentials) (*Authenticated, error) {
	// 1. ヘッダ存在
	if creds.CertificateHeader == "" || creds.SignatureHeader == "" {
		return nil, domain.ErrMissingCredentials
	}

	// 2. デコード
	deviceCert, err := pki.DecodeCertificateHeader(creds.CertificateHeader)
	if err != nil {
		return nil, err
	}
	signature, err := base64.StdEncoding.DecodeString(creds.SignatureHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedSignature, err)
	}

	// 3. チェーン検証。CA材料の読み込み失敗はクライアント起因ではない。
	caCert, err := a.ca.Certificate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrServerConfiguration, err)
	}
	if err := pki.VerifyChain(caCert, deviceCert); err != nil {
		return nil, err
	}

	// 4. 有効期間（UTC）
	now := a.now().UTC()
	if now.Before(deviceCert.NotBefore) || now.After(deviceCert.NotAfter) {
		return nil, domain.ErrCertificateOutsideValidity
	}

	// 5. 識別子抽出。CNがデバイスUUIDを運ぶ。
	cn := deviceCert.Subject.CommonName
	deviceID, err := uuid.Parse(cn)
	if cn == "" || err != nil {
		return nil, domain.ErrInvalidCertificateIdentity
	}

	// 6. デバイス検索
	device, err := a.devices.FindByID(ctx, deviceID.String())
	if err != nil {
		return nil, fmt.Errorf("finding device: %w", err)
	}
	if device == nil {
		return nil, domain.ErrDeviceNotFound
	}

	// 7. 失効チェック。REVOKEDは終端状態であり、メッセージは永続化されない。
	if device.Status == domain.DeviceStatusRevoked {
		return nil, domain.ErrDeviceRevoked
	}

	// 再発行で置き換えられた証明書は、未失効・期間内でも信頼しない
	serialHex := pki.SerialHex(deviceCert)
	if device.CertificateSerial != "" && device.CertificateSerial != serialHex {
		return nil, domain.ErrCertificateSuperseded
	}

	// 8. ボディ存在
	if len(creds.Body) == 0 {
		return nil, domain.ErrEmptyPayload
	}

	// 9. 署名検証（パース前の生バイト列に対して）
	if err := pki.VerifyMessageSignature(deviceCert, creds.Body, signature); err != nil {
		return nil, err
	}

	// 10. 検証済みボディのJSONパース
	var payload map[string]any
	if err := json.Unmarshal(creds.Body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayloadEncoding, err)
	}

	return &Authenticated{
		Device:            device,
		CertificateSerial: serialHex,
		Payload:           payload,
	}, nil
}
