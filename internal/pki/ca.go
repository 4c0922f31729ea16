// Package pki は認証局とデバイス証明書の発行・検証を提供する。
package pki

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	caKeyBits  = 4096
	caValidity = 5 * 365 * 24 * time.Hour

	caOrganization = "C3DS Network"
	caCommonName   = "C3DS Root CA"
)

// Config は認証局の鍵・証明書ファイルの配置を表す。
type Config struct {
	PrivateKeyPath  string
	CertificatePath string
}

// CertificateAuthority はルート署名鍵と自己署名証明書を保持する。
// 鍵材料は初回アクセス時にファイルから読み込まれメモリにキャッシュされる。
// キャッシュはBootstrapによる再生成以外では無効化されない。
type CertificateAuthority struct {
	cfg Config

	mu   sync.RWMutex
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewCertificateAuthority は新しいCertificateAuthorityを生成する。
// 鍵材料の読み込みは遅延され、この時点ではファイルアクセスは発生しない。
func NewCertificateAuthority(cfg Config) *CertificateAuthority {
	return &CertificateAuthority{cfg: cfg}
}

// Bootstrap は鍵と証明書が存在しなければ生成する（冪等）。
// 既に両方存在する場合は何もせずfalseを返す。秘密鍵ファイルの
// パーミッション設定失敗は致命的ではなく、警告ログのみ出力する。
func (ca *CertificateAuthority) Bootstrap(ctx context.Context) (bool, error) {
	if fileExists(ca.cfg.PrivateKeyPath) && fileExists(ca.cfg.CertificatePath) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(ca.cfg.PrivateKeyPath), 0o755); err != nil {
		return false, fmt.Errorf("creating CA directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return false, fmt.Errorf("generating CA private key: %w", err)
	}

	serial, err := newSerialNumber()
	if err != nil {
		return false, fmt.Errorf("generating CA serial number: %w", err)
	}

	now := time.Now().UTC()
	subject := pkix.Name{
		Country:      []string{"EU"},
		Organization: []string{caOrganization},
		CommonName:   caCommonName,
	}
	// pathlen:0 で配下のCA発行を禁止する
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now,
		NotAfter:              now.Add(caValidity),
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return false, fmt.Errorf("creating CA certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(ca.cfg.PrivateKeyPath, keyPEM, 0o600); err != nil {
		return false, fmt.Errorf("writing CA private key: %w", err)
	}
	if err := os.Chmod(ca.cfg.PrivateKeyPath, 0o600); err != nil {
		slog.WarnContext(ctx, "could not restrict CA private key permissions",
			"path", ca.cfg.PrivateKeyPath,
			"error", err,
		)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(ca.cfg.CertificatePath, certPEM, 0o644); err != nil {
		return false, fmt.Errorf("writing CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return false, fmt.Errorf("parsing generated CA certificate: %w", err)
	}

	ca.mu.Lock()
	ca.cert = cert
	ca.key = key
	ca.mu.Unlock()

	slog.InfoContext(ctx, "certificate authority bootstrapped",
		"certificate_path", ca.cfg.CertificatePath,
		"not_after", cert.NotAfter.Format(time.RFC3339),
	)
	return true, nil
}

// Certificate はCA証明書を返す。未ロードの場合はファイルから読み込む。
func (ca *CertificateAuthority) Certificate() (*x509.Certificate, error) {
	ca.mu.RLock()
	cert := ca.cert
	ca.mu.RUnlock()
	if cert != nil {
		return cert, nil
	}

	if err := ca.load(); err != nil {
		return nil, err
	}

	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.cert, nil
}

// Signer はCA秘密鍵を返す。未ロードの場合はファイルから読み込む。
func (ca *CertificateAuthority) Signer() (*rsa.PrivateKey, error) {
	ca.mu.RLock()
	key := ca.key
	ca.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	if err := ca.load(); err != nil {
		return nil, err
	}

	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.key, nil
}

// PublicKey はCAの公開鍵を返す。
func (ca *CertificateAuthority) PublicKey() (*rsa.PublicKey, error) {
	key, err := ca.Signer()
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}

// load は鍵と証明書をファイルから読み込みキャッシュする。
func (ca *CertificateAuthority) load() error {
	certBytes, err := os.ReadFile(ca.cfg.CertificatePath)
	if err != nil {
		return fmt.Errorf("reading CA certificate: %w", err)
	}
	certBlock, _ := pem.Decode(certBytes)
	if certBlock == nil {
		return fmt.Errorf("decoding CA certificate PEM: no PEM block found")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyBytes, err := os.ReadFile(ca.cfg.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading CA private key: %w", err)
	}
	keyBlock, _ := pem.Decode(keyBytes)
	if keyBlock == nil {
		return fmt.Errorf("decoding CA private key PEM: no PEM block found")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parsing CA private key: %w", err)
	}

	ca.mu.Lock()
	ca.cert = cert
	ca.key = key
	ca.mu.Unlock()
	return nil
}

// newSerialNumber は160ビットの暗号論的乱数シリアル番号を生成する。
func newSerialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 160))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
