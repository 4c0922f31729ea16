// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// DeviceStatus はデバイスのライフサイクル状態を表す。
type DeviceStatus string

const (
	// DeviceStatusPending は登録済みで初回認証待ちのデバイスを表す。
	DeviceStatusPending DeviceStatus = "PENDING"
	// DeviceStatusActive は稼働中のデバイスを表す。
	DeviceStatusActive DeviceStatus = "ACTIVE"
	// DeviceStatusRevoked は失効したデバイスを表す。終端状態であり復帰しない。
	DeviceStatusRevoked DeviceStatus = "REVOKED"
	// DeviceStatusExpired は有効期限切れのデバイスを表す。外部から設定される。
	DeviceStatusExpired DeviceStatus = "EXPIRED"
	// DeviceStatusInactive は許可済みだが休止中のデバイスを表す。
	DeviceStatusInactive DeviceStatus = "INACTIVE"
)

// CertificateAlgorithm はデバイス証明書の鍵アルゴリズムを表す。
type CertificateAlgorithm string

const (
	// AlgorithmRSA2048 はRSA-2048鍵を表す。
	AlgorithmRSA2048 CertificateAlgorithm = "RSA_2048"
	// AlgorithmRSA4096 はRSA-4096鍵を表す。
	AlgorithmRSA4096 CertificateAlgorithm = "RSA_4096"
	// AlgorithmECDSAP256 はECDSA P-256鍵を表す（リソース制約の強いデバイス向け）。
	AlgorithmECDSAP256 CertificateAlgorithm = "ECDSA_P256"
	// AlgorithmECDSAP384 はECDSA P-384鍵を表す。
	AlgorithmECDSAP384 CertificateAlgorithm = "ECDSA_P384"
)

// IsValid はアルゴリズムが定義済みの4種のいずれかであるかを返す。
func (a CertificateAlgorithm) IsValid() bool {
	switch a {
	case AlgorithmRSA2048, AlgorithmRSA4096, AlgorithmECDSAP256, AlgorithmECDSAP384:
		return true
	}
	return false
}

// DownloadWindow は証明書・秘密鍵を生成後にダウンロード可能な期間。
const DownloadWindow = 24 * time.Hour

// Device はIoTデバイスエンティティを表す。
type Device struct {
	ID                     string
	Name                   string
	Description            string
	Status                 DeviceStatus
	CertificateAlgorithm   CertificateAlgorithm
	CertificateSerial      string // 40桁の16進文字列
	CertificateExpiry      *time.Time
	CertificatePEM         string
	EncryptedPrivateKey    []byte // KeyProtectorで保護された秘密鍵PEM
	CertificateGeneratedAt *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// CertificateDownloadable は証明書・秘密鍵が生成から24時間のダウンロード
// ウィンドウ内にあるかを返す。ウィンドウは遅延評価であり、スケジュールされた
// 削除処理は伴わない。
func (d *Device) CertificateDownloadable(now time.Time) bool {
	if d.CertificateGeneratedAt == nil {
		return false
	}
	return !now.After(d.CertificateGeneratedAt.Add(DownloadWindow))
}
