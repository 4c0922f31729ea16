package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"device-auth-service/config"
	"device-auth-service/internal/domain"
	"device-auth-service/internal/pki"
	"device-auth-service/internal/usecase"
)

const testAPIToken = "test-api-token"

type deviceFixture struct {
	router      http.Handler
	deviceRepo  *fakeDeviceRepo
	messageRepo *fakeMessageRepo
}

func newDeviceFixture(t *testing.T, devices ...*domain.Device) *deviceFixture {
	t.Helper()
	ca := testCA(t)
	deviceRepo := newFakeDeviceRepo(devices...)
	messageRepo := &fakeMessageRepo{}

	issuer := pki.NewCertificateIssuer(ca)
	service := usecase.NewDeviceService(deviceRepo, messageRepo, issuer, passthroughProtector{})
	auth := usecase.NewDeviceAuthenticator(ca, deviceRepo)
	ingest := usecase.NewIngestService(auth, deviceRepo, messageRepo)

	cfg := &config.Config{APIToken: testAPIToken}
	router := NewRouter(NewMessageHandler(ingest), NewDeviceHandler(service, ca), cfg)

	return &deviceFixture{
		router:      router,
		deviceRepo:  deviceRepo,
		messageRepo: messageRepo,
	}
}

func (f *deviceFixture) request(t *testing.T, method, path string, body string, withKey bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if withKey {
		req.Header.Set("X-API-Key", testAPIToken)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestDeviceHandler_RegisterDevice(t *testing.T) {
	fixture := newDeviceFixture(t)

	w := fixture.request(t, http.MethodPost, "/api/v1/devices",
		`{"name":"sensor-01","description":"rooftop","certificate_algorithm":"ECDSA_P256"}`, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Status    string `json:"status"`
		Algorithm string `json:"certificate_algorithm"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.Status != "PENDING" {
		t.Errorf("expected PENDING, got %q", resp.Status)
	}
	if resp.Algorithm != "ECDSA_P256" {
		t.Errorf("expected ECDSA_P256, got %q", resp.Algorithm)
	}
	if _, err := uuid.Parse(resp.ID); err != nil {
		t.Errorf("device ID is not a UUID: %q", resp.ID)
	}
}

func TestDeviceHandler_RegisterDevice_Validation(t *testing.T) {
	fixture := newDeviceFixture(t)

	// 名前なし
	w := fixture.request(t, http.MethodPost, "/api/v1/devices", `{"description":"x"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing name, got %d", w.Code)
	}

	// 未対応のアルゴリズム
	w = fixture.request(t, http.MethodPost, "/api/v1/devices",
		`{"name":"sensor-02","certificate_algorithm":"DSA_1024"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported algorithm, got %d", w.Code)
	}
}

func TestDeviceHandler_CapabilityGate(t *testing.T) {
	fixture := newDeviceFixture(t)

	// APIキーなしの管理リクエストは拒否される
	w := fixture.request(t, http.MethodGet, "/api/v1/devices", "", false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without API key, got %d", w.Code)
	}

	w = fixture.request(t, http.MethodGet, "/api/v1/devices", "", true)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with API key, got %d", w.Code)
	}
}

func TestDeviceHandler_GetDevice_NotFound(t *testing.T) {
	fixture := newDeviceFixture(t)

	w := fixture.request(t, http.MethodGet, "/api/v1/devices/"+uuid.New().String(), "", true)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	// UUIDでないIDは400
	w = fixture.request(t, http.MethodGet, "/api/v1/devices/not-a-uuid", "", true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid UUID, got %d", w.Code)
	}
}

func TestDeviceHandler_IssueAndDownload(t *testing.T) {
	device := &domain.Device{
		ID:                   uuid.New().String(),
		Name:                 "sensor-03",
		Status:               domain.DeviceStatusPending,
		CertificateAlgorithm: domain.AlgorithmECDSAP256,
	}
	fixture := newDeviceFixture(t, device)

	// 発行はメタデータのみを返す
	w := fixture.request(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/certificate", "", true)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var meta struct {
		DeviceID          string `json:"device_id"`
		CertificateSerial string `json:"certificate_serial"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &meta); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if len(meta.CertificateSerial) != 40 {
		t.Errorf("expected 40 hex chars, got %q", meta.CertificateSerial)
	}
	if strings.Contains(w.Body.String(), "PRIVATE KEY") {
		t.Error("issuance response must not contain key material")
	}

	// 証明書ダウンロード
	w = fixture.request(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/certificate", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-pem-file" {
		t.Errorf("unexpected content type: %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, device.ID+"_certificate.pem") {
		t.Errorf("unexpected content disposition: %q", cd)
	}
	if !strings.Contains(w.Body.String(), "BEGIN CERTIFICATE") {
		t.Error("expected certificate PEM body")
	}

	// 秘密鍵ダウンロード
	w = fixture.request(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/private-key", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "BEGIN EC PRIVATE KEY") {
		t.Error("expected private key PEM body")
	}
}

func TestDeviceHandler_Download_NoCertificate(t *testing.T) {
	device := &domain.Device{
		ID:     uuid.New().String(),
		Name:   "sensor-04",
		Status: domain.DeviceStatusPending,
	}
	fixture := newDeviceFixture(t, device)

	w := fixture.request(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/certificate", "", true)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "CERTIFICATE_NOT_FOUND") {
		t.Errorf("expected CERTIFICATE_NOT_FOUND code, got %s", w.Body.String())
	}
}

func TestDeviceHandler_IssueCertificate_Revoked(t *testing.T) {
	device := &domain.Device{
		ID:                   uuid.New().String(),
		Name:                 "sensor-05",
		Status:               domain.DeviceStatusRevoked,
		CertificateAlgorithm: domain.AlgorithmECDSAP256,
	}
	fixture := newDeviceFixture(t, device)

	w := fixture.request(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/certificate", "", true)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "DEVICE_REVOKED") {
		t.Errorf("expected DEVICE_REVOKED code, got %s", w.Body.String())
	}
}

func TestDeviceHandler_RevokeDevice(t *testing.T) {
	device := &domain.Device{
		ID:     uuid.New().String(),
		Name:   "sensor-06",
		Status: domain.DeviceStatusActive,
	}
	fixture := newDeviceFixture(t, device)

	w := fixture.request(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/revoke", "", true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if fixture.deviceRepo.devices[device.ID].Status != domain.DeviceStatusRevoked {
		t.Errorf("expected status REVOKED, got %s", fixture.deviceRepo.devices[device.ID].Status)
	}

	// 再失効は409
	w = fixture.request(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/revoke", "", true)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for double revoke, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "DEVICE_ALREADY_REVOKED") {
		t.Errorf("expected DEVICE_ALREADY_REVOKED code, got %s", w.Body.String())
	}
}

func TestDeviceHandler_BootstrapCA_Idempotent(t *testing.T) {
	fixture := newDeviceFixture(t)

	// 共有テストCAは既にブートストラップ済み
	w := fixture.request(t, http.MethodPost, "/api/v1/ca/bootstrap", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Created bool `json:"created"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.Created {
		t.Error("expected created=false for already-initialized CA")
	}
}

func TestDeviceHandler_ListMessages(t *testing.T) {
	device := &domain.Device{
		ID:     uuid.New().String(),
		Name:   "sensor-07",
		Status: domain.DeviceStatusActive,
	}
	fixture := newDeviceFixture(t, device)

	w := fixture.request(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/messages", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		DeviceID string            `json:"device_id"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.DeviceID != device.ID {
		t.Errorf("unexpected device ID: %q", resp.DeviceID)
	}
	if len(resp.Messages) != 0 {
		t.Errorf("expected empty message list, got %d", len(resp.Messages))
	}
}
