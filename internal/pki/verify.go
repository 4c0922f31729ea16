package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"device-auth-service/internal/domain"
)

// DecodeCertificateHeader はBase64エンコードされたPEM証明書ヘッダをパースする。
func DecodeCertificateHeader(header string) (*x509.Certificate, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCertificate, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no certificate PEM block found", domain.ErrMalformedCertificate)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCertificate, err)
	}
	return cert, nil
}

// VerifyChain はデバイス証明書の署名がCAの公開鍵によって、証明書自身の
// 署名ハッシュフィールドが示すアルゴリズムで生成されたことを検証する。
func VerifyChain(caCert, deviceCert *x509.Certificate) error {
	err := caCert.CheckSignature(deviceCert.SignatureAlgorithm, deviceCert.RawTBSCertificate, deviceCert.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUntrustedCertificate, err)
	}
	return nil
}

// VerifyMessageSignature はパース前の生のボディバイト列に対する署名を
// デバイス証明書の公開鍵で検証する。RSA鍵はPKCS#1 v1.5 + SHA-256、
// 楕円曲線鍵は曲線によらずECDSA + SHA-256で検証する。
func VerifyMessageSignature(cert *x509.Certificate, body, signature []byte) error {
	digest := sha256.Sum256(body)

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
			return domain.ErrInvalidSignature
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return domain.ErrInvalidSignature
		}
	default:
		return domain.ErrUnsupportedKeyAlgorithm
	}
	return nil
}

// SerialHex は証明書のシリアル番号を40桁の16進文字列で返す。
func SerialHex(cert *x509.Certificate) string {
	return fmt.Sprintf("%040x", cert.SerialNumber)
}
