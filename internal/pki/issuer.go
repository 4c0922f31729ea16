package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"

	"device-auth-service/internal/domain"
)

const deviceCertValidity = 365 * 24 * time.Hour

// IssuedCertificate は発行済みデバイス証明書の材料を表す。
type IssuedCertificate struct {
	CertificatePEM string
	PrivateKeyPEM  string
	SerialHex      string // 40桁の16進文字列
	NotAfter       time.Time
}

// CertificateIssuer はCA署名付きのリーフ証明書を発行する。
// 発行のみを行い、永続化は呼び出し側の責務とする。
type CertificateIssuer struct {
	ca *CertificateAuthority
}

// NewCertificateIssuer は新しいCertificateIssuerを生成する。
func NewCertificateIssuer(ca *CertificateAuthority) *CertificateIssuer {
	return &CertificateIssuer{ca: ca}
}

// Issue は指定されたアルゴリズムでデバイス鍵ペアを生成し、CA署名付きの
// 証明書を発行する。CN はデバイスUUIDの文字列表現、有効期間は365日。
func (i *CertificateIssuer) Issue(deviceID uuid.UUID, algorithm domain.CertificateAlgorithm) (*IssuedCertificate, error) {
	caCert, err := i.ca.Certificate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrServerConfiguration, err)
	}
	caKey, err := i.ca.Signer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrServerConfiguration, err)
	}

	deviceKey, keyPEM, err := generateDeviceKey(algorithm)
	if err != nil {
		return nil, err
	}

	sigAlg, err := signatureAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}

	serial, err := newSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	now := time.Now().UTC()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Country:      []string{"EU"},
			Organization: []string{caOrganization},
			CommonName:   deviceID.String(),
		},
		NotBefore:             now,
		NotAfter:              now.Add(deviceCertValidity),
		IsCA:                  false,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		SignatureAlgorithm:    sigAlg,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, deviceKey.Public(), caKey)
	if err != nil {
		return nil, fmt.Errorf("creating device certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	return &IssuedCertificate{
		CertificatePEM: string(certPEM),
		PrivateKeyPEM:  keyPEM,
		SerialHex:      fmt.Sprintf("%040x", serial),
		NotAfter:       template.NotAfter,
	}, nil
}

// generateDeviceKey はアルゴリズムに応じた鍵ペアを生成し、秘密鍵のPEMを返す。
// RSAはPKCS#1、ECDSAはSEC1形式でエンコードする。
func generateDeviceKey(algorithm domain.CertificateAlgorithm) (crypto.Signer, string, error) {
	switch algorithm {
	case domain.AlgorithmRSA2048, domain.AlgorithmRSA4096:
		bits := 2048
		if algorithm == domain.AlgorithmRSA4096 {
			bits = 4096
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, "", fmt.Errorf("generating RSA key: %w", err)
		}
		keyPEM := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
		return key, string(keyPEM), nil

	case domain.AlgorithmECDSAP256, domain.AlgorithmECDSAP384:
		curve := elliptic.P256()
		if algorithm == domain.AlgorithmECDSAP384 {
			curve = elliptic.P384()
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, "", fmt.Errorf("generating ECDSA key: %w", err)
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, "", fmt.Errorf("encoding ECDSA key: %w", err)
		}
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
		return key, string(keyPEM), nil

	default:
		return nil, "", fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, algorithm)
	}
}

// signatureAlgorithm は証明書署名に使うハッシュを選択する。
// RSAとP-256はSHA-256、P-384はSHA-384。署名鍵はCAのRSA鍵。
func signatureAlgorithm(algorithm domain.CertificateAlgorithm) (x509.SignatureAlgorithm, error) {
	switch algorithm {
	case domain.AlgorithmRSA2048, domain.AlgorithmRSA4096, domain.AlgorithmECDSAP256:
		return x509.SHA256WithRSA, nil
	case domain.AlgorithmECDSAP384:
		return x509.SHA384WithRSA, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, algorithm)
	}
}
