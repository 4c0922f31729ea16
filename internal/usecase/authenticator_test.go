package usecase

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"device-auth-service/internal/domain"
	"device-auth-service/internal/pki"
)

var (
	testCAOnce sync.Once
	testCA     *pki.CertificateAuthority
	testCAErr  error
)

// bootstrapTestCA はブートストラップ済みのCAを返す。鍵生成は重いため
// テスト間で共有する。
func bootstrapTestCA(t *testing.T) *pki.CertificateAuthority {
	t.Helper()
	testCAOnce.Do(func() {
		dir, err := os.MkdirTemp("", "authenticator-test-ca")
		if err != nil {
			testCAErr = err
			return
		}
		ca := pki.NewCertificateAuthority(pki.Config{
			PrivateKeyPath:  filepath.Join(dir, "ca_private_key.pem"),
			CertificatePath: filepath.Join(dir, "ca_certificate.pem"),
		})
		if _, err := ca.Bootstrap(context.Background()); err != nil {
			testCAErr = err
			return
		}
		testCA = ca
	})
	if testCAErr != nil {
		t.Fatalf("bootstrapping test CA: %v", testCAErr)
	}
	return testCA
}

func issueDeviceCert(t *testing.T, ca *pki.CertificateAuthority, deviceID uuid.UUID, algorithm domain.CertificateAlgorithm) *pki.IssuedCertificate {
	t.Helper()
	issued, err := pki.NewCertificateIssuer(ca).Issue(deviceID, algorithm)
	if err != nil {
		t.Fatalf("issuing device certificate: %v", err)
	}
	return issued
}

// signPayload は本文のSHA-256ダイジェストにデバイス秘密鍵で署名する。
func signPayload(t *testing.T, keyPEM string, body []byte) []byte {
	t.Helper()
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		t.Fatal("invalid private key PEM")
	}
	digest := sha256.Sum256(body)

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			t.Fatalf("parsing RSA key: %v", err)
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return sig
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			t.Fatalf("parsing EC key: %v", err)
		}
		sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return sig
	default:
		t.Fatalf("unexpected key type %q", block.Type)
		return nil
	}
}

func makeCredentials(t *testing.T, certPEM, keyPEM string, body []byte) Credentials {
	t.Helper()
	return Credentials{
		CertificateHeader: base64.StdEncoding.EncodeToString([]byte(certPEM)),
		SignatureHeader:   base64.StdEncoding.EncodeToString(signPayload(t, keyPEM, body)),
		Body:              body,
	}
}

// issueCustomCert はテスト専用の証明書をCA鍵で直接発行する。有効期間や
// CNを操作したケースに使う。
func issueCustomCert(t *testing.T, ca *pki.CertificateAuthority, commonName string, notBefore, notAfter time.Time) (certPEM, keyPEM string) {
	t.Helper()
	caCert, err := ca.Certificate()
	if err != nil {
		t.Fatalf("CA certificate: %v", err)
	}
	caKey, err := ca.Signer()
	if err != nil {
		t.Fatalf("CA signer: %v", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Country:      []string{"EU"},
			Organization: []string{"C3DS Network"},
			CommonName:   commonName,
		},
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		KeyUsage:           x509.KeyUsageDigitalSignature,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, key.Public(), caKey)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("encoding key: %v", err)
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}

func TestDeviceAuthenticator_Authenticate(t *testing.T) {
	ctx := context.Background()
	ca := bootstrapTestCA(t)

	for _, algorithm := range []domain.CertificateAlgorithm{
		domain.AlgorithmRSA2048,
		domain.AlgorithmECDSAP256,
		domain.AlgorithmECDSAP384,
	} {
		t.Run(string(algorithm), func(t *testing.T) {
			deviceID := uuid.New()
			issued := issueDeviceCert(t, ca, deviceID, algorithm)

			device := &domain.Device{
				ID:                deviceID.String(),
				Status:            domain.DeviceStatusPending,
				CertificateSerial: issued.SerialHex,
			}
			auth := NewDeviceAuthenticator(ca, newMockDeviceRepository(device))

			body := []byte(`{"message_type":"heartbeat","timestamp":"2024-12-13T10:30:00Z","data":{"status":"online"}}`)
			result, err := auth.Authenticate(ctx, makeCredentials(t, issued.CertificatePEM, issued.PrivateKeyPEM, body))
			if err != nil {
				t.Fatalf("Authenticate failed: %v", err)
			}
			if result.Device.ID != deviceID.String() {
				t.Errorf("unexpected device: %q", result.Device.ID)
			}
			if result.CertificateSerial != issued.SerialHex {
				t.Errorf("unexpected serial: %q", result.CertificateSerial)
			}
			if result.Payload["message_type"] != "heartbeat" {
				t.Errorf("unexpected payload: %v", result.Payload)
			}
		})
	}
}

func TestDeviceAuthenticator_MissingHeaders(t *testing.T) {
	ctx := context.Background()
	auth := NewDeviceAuthenticator(bootstrapTestCA(t), newMockDeviceRepository())

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"no headers", Credentials{Body: []byte(`{}`)}},
		{"no certificate", Credentials{SignatureHeader: "c2ln", Body: []byte(`{}`)}},
		{"no signature", Credentials{CertificateHeader: "Y2VydA==", Body: []byte(`{}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := auth.Authenticate(ctx, tt.creds); !errors.Is(err, domain.ErrMissingCredentials) {
				t.Errorf("expected ErrMissingCredentials, got %v", err)
			}
		})
	}
}

func TestDeviceAuthenticator_MalformedInputs(t *testing.T) {
	ctx := context.Background()
	ca := bootstrapTestCA(t)
	deviceID := uuid.New()
	issued := issueDeviceCert(t, ca, deviceID, domain.AlgorithmECDSAP256)
	auth := NewDeviceAuthenticator(ca, newMockDeviceRepository())

	body := []byte(`{"message_type":"heartbeat"}`)
	valid := makeCredentials(t, issued.CertificatePEM, issued.PrivateKeyPEM, body)

	// 証明書ヘッダが不正
	creds := valid
	creds.CertificateHeader = "%%%not-base64%%%"
	if _, err := auth.Authenticate(ctx, creds); !errors.Is(err, domain.ErrMalformedCertificate) {
		t.Errorf("expected ErrMalformedCertificate, got %v", err)
	}

	// 署名ヘッダが不正
	creds = valid
	creds.SignatureHeader = "%%%not-base64%%%"
	if _, err := auth.Authenticate(ctx, creds); !errors.Is(err, domain.ErrMalformedSignature) {
		t.Errorf("expected ErrMalformedSignature, got %v", err)
	}
}

func TestDeviceAuthenticator_UntrustedCertificate(t *testing.T) {
	ctx := context.Background()
	ca := bootstrapTestCA(t)

	// 別のルートCAで発行されたデバイス証明書
	dir := t.TempDir()
	otherCA := pki.NewCertificateAuthority(pki.Config{
		PrivateKeyPath:  filepath.Join(dir, "key.pem"),
		CertificatePath: filepath.Join(dir, "cert.pem"),
	})
	if _, err := otherCA.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	deviceID := uuid.New()
	issued := issueDeviceCert(t, otherCA, deviceID, domain.AlgorithmECDSAP256)

	auth := NewDeviceAuthenticator(ca, newMockDeviceRepository())
	body := []byte(`{"message_type":"heartbeat"}`)
	_, err := auth.Authenticate(ctx, makeCredentials(t, issued.CertificatePEM, issued.PrivateKeyPEM, body))
	if !errors.Is(err, domain.ErrUntrustedCertificate) {
		t.Errorf("expected ErrUntrustedCertificate, got %v", err)
	}
}

func TestDeviceAuthenticator_ExpiredCertificate(t *testing.T) {
	ctx := context.Background()
	ca := bootstrapTestCA(t)
	deviceID := uuid.New()

	// 有効期限切れの証明書（CA署名は正しい）
	certPEM, keyPEM := issueCustomCert(t, ca, deviceID.String(),
		time.Now().UTC().Add(-48*time.Hour),
		time.Now().UTC().Add(-24*time.Hour),
	)

	device := &domain.Device{ID: deviceID.String(), Status: domain.DeviceStatusActive}
	auth := NewDeviceAuthenticator(ca, newMockDeviceRepository(device))

	body := []byte(`{"message_type":"heartbeat"}`)
	_, err := auth.Authenticate(ctx, makeCredentials(t, certPEM, keyPEM, body))
	if !errors.Is(err, domain.ErrCertificateOutsideValidity) {
		t.Errorf("expected ErrCertificateOutsideValidity, got %v", err)
	}
}

func TestDeviceAuthenticator_InvalidIdentity(t *testing.T) {
	ctx := context.Background()
	ca := bootstrapTestCA(t)

	// CNがUUIDでない証明書
	certPEM, keyPEM := issueCustomCert(t, ca, "gateway-7",
		time.Now().UTC().Add(-time.Hour),
		time.Now().UTC().Add(time.Hour),
	)

	auth := NewDeviceAuthenticator(ca, newMockDeviceRepository())
	body := []byte(`{"message_type":"heartbeat"}`)
	_, err := auth.Authenticate(ctx, makeCredentials(t, certPEM, keyPEM, body))
	if !errors.Is(err, domain.ErrInvalidCertificateIdentity) {
		t.Errorf("expected ErrInvalidCertificateIdentity, got %v", err)
	}
}

func TestDeviceAuthenticator_DeviceNotFound(t *testing.T) {
	ctx := context.Background()
	ca := bootstrapTestCA(t)
	issued := issueDeviceCert(t, ca, uuid.New(), domain.AlgorithmECDSAP256)

	auth := NewDeviceAuthenticator(ca, newMockDeviceRepository())
	body := []byte(`{"message_type":"heartbeat"}`)
	_, err := auth.Authenticate(ctx, makeCredentials(t, issued.CertificatePEM, issued.PrivateKeyPEM, body))
	if !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestDeviceAuthenticator_RevokedDevice(t *testing.T) {
	ctx := context.Background()
	ca := bootstrapTestCA(t)
	deviceID := uuid.New()
	issued := issueDeviceCert(t, ca, deviceID, domain.AlgorithmECDSAP256)

	device := &domain.Device{
		ID:                deviceID.String(),
		Status:            domain.DeviceStatusRevoked,
		CertificateSerial: issued.SerialHex,
	}
	auth := NewDeviceAuthenticator(ca, newMockDeviceRepository(device))

	body := []byte(`{"message_type":"heartbeat"}`)
	_, err := auth.Authenticate(ctx, makeCredentials(t, issued.CertificatePEM, issued.PrivateKeyPEM, body))
	if !errors.Is(err, domain.ErrDeviceRevoked) {
		t.Errorf("expected ErrDeviceRevoked, got %v", err)
	}
}

func TestDeviceAuthenticator_SupersededCertificate(t *testing.T) {
	ctx := context.Background()
	ca := bootstrapTestCA(t)
	deviceID := uuid.New()

	// 旧証明書で署名するが、デバイスには新しいシリアルが記録されている
	oldCert := issueDeviceCert(t, ca, deviceID, domain.AlgorithmECDSAP256)
	newCert := issueDeviceCert(t, ca, deviceID, domain.AlgorithmECDSAP256)

	device := &domain.Device{
		ID:                deviceID.String(),
		Status:            domain.DeviceStatusActive,
		CertificateSerial: newCert.SerialHex,
	}
	auth := NewDeviceAuthenticator(ca, newMockDeviceRepository(device))

	body := []byte(`{"message_type":"heartbeat"}`)
	_, err := auth.Authenticate(ctx, makeCredentials(t, oldCert.CertificatePEM, oldCert.PrivateKeyPEM, body))
	if !errors.Is(err, domain.ErrCertificateSuperseded) {
		t.Errorf("expected ErrCertificateSuperseded, got %v", err)
	}
}

func TestDeviceAuthenticator_EmptyBody(t *testing.T) {
	ctx := context.Background()
	ca := bootstrapTestCA(t)
	deviceID := uuid.New()
	issued := issueDeviceCert(t, ca, deviceID, domain.AlgorithmECDSAP256)

	device := &domain.Device{ID: deviceID.String(), Status: domain.DeviceStatusActive, CertificateSerial: issued.SerialHex}
	auth := NewDeviceAuthenticator(ca, newMockDeviceRepository(device))

	creds := makeCredentials(t, issued.CertificatePEM, issued.PrivateKeyPEM, []byte(`{}`))
	creds.Body = nil
	if _, err := auth.Authenticate(ctx, creds); !errors.Is(err, domain.ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestDeviceAuthenticator_InvalidSignature(t *testing.T) {
	ctx := context.Background()
	ca := bootstrapTestCA(t)
	deviceID := uuid.New()
	issued := issueDeviceCert(t, ca, deviceID, domain.AlgorithmECDSAP256)

	device := &domain.Device{ID: deviceID.String(), Status: domain.DeviceStatusActive, CertificateSerial: issued.SerialHex}
	auth := NewDeviceAuthenticator(ca, newMockDeviceRepository(device))

	// 署名後に本文を差し替える
	body := []byte(`{"message_type":"heartbeat"}`)
	creds := makeCredentials(t, issued.CertificatePEM, issued.PrivateKeyPEM, body)
	creds.Body = []byte(`{"message_type":"tampered"}`)
	if _, err := auth.Authenticate(ctx, creds); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestDeviceAuthenticator_InvalidPayloadEncoding(t *testing.T) {
	ctx := context.Background()
	ca := bootstrapTestCA(t)
	deviceID := uuid.New()
	issued := issueDeviceCert(t, ca, deviceID, domain.AlgorithmECDSAP256)

	device := &domain.Device{ID: deviceID.String(), Status: domain.DeviceStatusActive, CertificateSerial: issued.SerialHex}
	auth := NewDeviceAuthenticator(ca, newMockDeviceRepository(device))

	// 署名は正しいがJSONとして壊れている本文
	body := []byte(`{"message_type": `)
	creds := makeCredentials(t, issued.CertificatePEM, issued.PrivateKeyPEM, body)
	if _, err := auth.Authenticate(ctx, creds); !errors.Is(err, domain.ErrInvalidPayloadEncoding) {
		t.Errorf("expected ErrInvalidPayloadEncoding, got %v", err)
	}
}
