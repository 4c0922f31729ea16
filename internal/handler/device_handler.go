package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"device-auth-service/internal/domain"
	"device-auth-service/internal/middleware"
	"device-auth-service/internal/pki"
	"device-auth-service/internal/usecase"
	"device-auth-service/pkg/httputil"
)

// DeviceHandler はデバイス管理APIのHTTPハンドラ。
type DeviceHandler struct {
	service *usecase.DeviceService
	ca      *pki.CertificateAuthority
}

// NewDeviceHandler は新しいDeviceHandlerを生成する。
func NewDeviceHandler(service *usecase.DeviceService, ca *pki.CertificateAuthority) *DeviceHandler {
	return &DeviceHandler{service: service, ca: ca}
}

type registerDeviceRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Algorithm   string `json:"certificate_algorithm"`
}

type deviceResponse struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	Description            string `json:"description,omitempty"`
	Status                 string `json:"status"`
	CertificateAlgorithm   string `json:"certificate_algorithm"`
	CertificateSerial      string `json:"certificate_serial,omitempty"`
	CertificateExpiry      string `json:"certificate_expiry,omitempty"`
	CertificateGeneratedAt string `json:"certificate_generated_at,omitempty"`
	CreatedAt              string `json:"created_at"`
	UpdatedAt              string `json:"updated_at"`
}

type certificateResponse struct {
	DeviceID          string `json:"device_id"`
	CertificateSerial string `json:"certificate_serial"`
	NotAfter          string `json:"not_after"`
	DownloadExpiresAt string `json:"download_expires_at"`
}

type messageResponse struct {
	ID                string          `json:"id"`
	MessageType       string          `json:"message_type"`
	Timestamp         string          `json:"timestamp"`
	Data              json.RawMessage `json:"data"`
	ReceivedAt        string          `json:"received_at"`
	IPAddress         string          `json:"ip_address,omitempty"`
	CertificateSerial string          `json:"certificate_serial,omitempty"`
}

type bootstrapResponse struct {
	Created bool   `json:"created"`
	Message string `json:"message"`
}

func toDeviceResponse(d *domain.Device) deviceResponse {
	resp := deviceResponse{
		ID:                   d.ID,
		Name:                 d.Name,
		Description:          d.Description,
		Status:               string(d.Status),
		CertificateAlgorithm: string(d.CertificateAlgorithm),
		CertificateSerial:    d.CertificateSerial,
		CreatedAt:            d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            d.UpdatedAt.Format(time.RFC3339),
	}
	if d.CertificateExpiry != nil {
		resp.CertificateExpiry = d.CertificateExpiry.Format(time.RFC3339)
	}
	if d.CertificateGeneratedAt != nil {
		resp.CertificateGeneratedAt = d.CertificateGeneratedAt.Format(time.RFC3339)
	}
	return resp
}

// BootstrapCA はPOST /api/v1/ca/bootstrapを処理する。冪等であり、既存のCA
// 材料がある場合は何もしない。
func (h *DeviceHandler) BootstrapCA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	created, err := h.ca.Bootstrap(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "CA bootstrap failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "CA_BOOTSTRAP_FAILED", "failed to initialize certificate authority")
		return
	}

	message := "Certificate authority already initialized."
	status := http.StatusOK
	if created {
		message = "Certificate authority initialized."
		status = http.StatusCreated
	}

	middleware.WriteAuditLog(ctx, "ca_bootstrap", "", "success")
	httputil.JSON(w, status, bootstrapResponse{Created: created, Message: message})
}

// RegisterDevice はPOST /api/v1/devicesを処理する。
func (h *DeviceHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON in request body")
		return
	}
	if req.Name == "" {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
		return
	}

	device, err := h.service.Register(ctx, req.Name, req.Description, domain.CertificateAlgorithm(req.Algorithm))
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedAlgorithm) {
			httputil.Error(w, http.StatusBadRequest, "UNSUPPORTED_ALGORITHM", err.Error())
			return
		}
		slog.ErrorContext(ctx, "failed to register device", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to register device")
		return
	}

	middleware.WriteAuditLog(ctx, "device_register", device.ID, "success")
	httputil.JSON(w, http.StatusCreated, toDeviceResponse(device))
}

// GetDevice はGET /api/v1/devices/{device_id}を処理する。
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceID, ok := h.deviceIDParam(w, r)
	if !ok {
		return
	}

	device, err := h.service.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrDeviceNotFound) {
			httputil.Error(w, http.StatusNotFound, "DEVICE_NOT_FOUND", "device not found")
			return
		}
		slog.ErrorContext(ctx, "failed to get device", "device_id", deviceID, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to get device")
		return
	}

	httputil.JSON(w, http.StatusOK, toDeviceResponse(device))
}

// ListDevices はGET /api/v1/devicesを処理する。
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	devices, err := h.service.ListDevices(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list devices", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list devices")
		return
	}

	resp := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, toDeviceResponse(d))
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"devices": resp})
}

// IssueCertificate はPOST /api/v1/devices/{device_id}/certificateを処理する。
// レスポンスはメタデータのみで、鍵材料はダウンロードエンドポイントから取得する。
func (h *DeviceHandler) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceID, ok := h.deviceIDParam(w, r)
	if !ok {
		return
	}

	meta, err := h.service.IssueCertificate(ctx, deviceID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDeviceNotFound):
			httputil.Error(w, http.StatusNotFound, "DEVICE_NOT_FOUND", "device not found")
		case errors.Is(err, domain.ErrDeviceRevoked):
			httputil.Error(w, http.StatusForbidden, "DEVICE_REVOKED", "cannot issue certificate for revoked device")
		case errors.Is(err, domain.ErrUnsupportedAlgorithm):
			httputil.Error(w, http.StatusBadRequest, "UNSUPPORTED_ALGORITHM", err.Error())
		default:
			slog.ErrorContext(ctx, "certificate issuance failed", "device_id", deviceID, "error", err)
			middleware.WriteAuditLog(ctx, "certificate_issue", deviceID, "failure")
			httputil.Error(w, http.StatusInternalServerError, "ISSUANCE_FAILED", "failed to issue certificate")
		}
		return
	}

	middleware.WriteAuditLog(ctx, "certificate_issue", deviceID, "success")
	httputil.JSON(w, http.StatusCreated, certificateResponse{
		DeviceID:          meta.DeviceID,
		CertificateSerial: meta.SerialHex,
		NotAfter:          meta.NotAfter.Format(time.RFC3339),
		DownloadExpiresAt: meta.DownloadExpiresAt.Format(time.RFC3339),
	})
}

// DownloadCertificate はGET /api/v1/devices/{device_id}/certificateを処理する。
func (h *DeviceHandler) DownloadCertificate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceID, ok := h.deviceIDParam(w, r)
	if !ok {
		return
	}

	certPEM, err := h.service.DownloadCertificate(ctx, deviceID)
	if err != nil {
		h.writeDownloadError(ctx, w, deviceID, "certificate_download", err)
		return
	}

	middleware.WriteAuditLog(ctx, "certificate_download", deviceID, "success")
	httputil.PEMAttachment(w, deviceID+"_certificate.pem", []byte(certPEM))
}

// DownloadPrivateKey はGET /api/v1/devices/{device_id}/private-keyを処理する。
func (h *DeviceHandler) DownloadPrivateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceID, ok := h.deviceIDParam(w, r)
	if !ok {
		return
	}

	keyPEM, err := h.service.DownloadPrivateKey(ctx, deviceID)
	if err != nil {
		h.writeDownloadError(ctx, w, deviceID, "private_key_download", err)
		return
	}

	middleware.WriteAuditLog(ctx, "private_key_download", deviceID, "success")
	httputil.PEMAttachment(w, deviceID+"_private_key.pem", []byte(keyPEM))
}

// RevokeDevice はPOST /api/v1/devices/{device_id}/revokeを処理する。
func (h *DeviceHandler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceID, ok := h.deviceIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.Revoke(ctx, deviceID); err != nil {
		switch {
		case errors.Is(err, domain.ErrDeviceNotFound):
			httputil.Error(w, http.StatusNotFound, "DEVICE_NOT_FOUND", "device not found")
		case errors.Is(err, domain.ErrDeviceAlreadyRevoked):
			httputil.Error(w, http.StatusConflict, "DEVICE_ALREADY_REVOKED", "device is already revoked")
		default:
			slog.ErrorContext(ctx, "failed to revoke device", "device_id", deviceID, "error", err)
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to revoke device")
		}
		return
	}

	middleware.WriteAuditLog(ctx, "device_revoke", deviceID, "success")
	httputil.JSON(w, http.StatusAccepted, map[string]string{
		"device_id": deviceID,
		"status":    string(domain.DeviceStatusRevoked),
	})
}

// ListMessages はGET /api/v1/devices/{device_id}/messagesを処理する。
func (h *DeviceHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceID, ok := h.deviceIDParam(w, r)
	if !ok {
		return
	}

	messages, err := h.service.ListMessages(ctx, deviceID, 100)
	if err != nil {
		if errors.Is(err, domain.ErrDeviceNotFound) {
			httputil.Error(w, http.StatusNotFound, "DEVICE_NOT_FOUND", "device not found")
			return
		}
		slog.ErrorContext(ctx, "failed to list messages", "device_id", deviceID, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list messages")
		return
	}

	resp := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, messageResponse{
			ID:                m.ID,
			MessageType:       m.MessageType,
			Timestamp:         m.Timestamp.Format(time.RFC3339),
			Data:              m.Data,
			ReceivedAt:        m.ReceivedAt.Format(time.RFC3339),
			IPAddress:         m.IPAddress,
			CertificateSerial: m.CertificateSerial,
		})
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"messages":  resp,
	})
}

func (h *DeviceHandler) deviceIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	deviceID := chi.URLParam(r, "deviceID")
	if _, err := uuid.Parse(deviceID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_DEVICE_ID", "device ID must be a valid UUID")
		return "", false
	}
	return deviceID, true
}

func (h *DeviceHandler) writeDownloadError(ctx context.Context, w http.ResponseWriter, deviceID, operation string, err error) {
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		httputil.Error(w, http.StatusNotFound, "DEVICE_NOT_FOUND", "device not found")
	case errors.Is(err, domain.ErrCertificateNotFound):
		httputil.Error(w, http.StatusNotFound, "CERTIFICATE_NOT_FOUND", "no certificate has been issued for this device")
	case errors.Is(err, domain.ErrDownloadWindowExpired):
		middleware.WriteAuditLog(ctx, operation, deviceID, "window_expired")
		httputil.Error(w, http.StatusForbidden, "DOWNLOAD_WINDOW_EXPIRED", "download window has expired")
	default:
		slog.ErrorContext(ctx, "download failed", "device_id", deviceID, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to download material")
	}
}
