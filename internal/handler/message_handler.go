// Package handler はHTTPリクエストの処理を提供する。
package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"device-auth-service/internal/domain"
	"device-auth-service/internal/middleware"
	"device-auth-service/internal/usecase"
	"device-auth-service/pkg/httputil"
)

// MessageHandler はデバイスメッセージ受信のHTTPハンドラ。
type MessageHandler struct {
	ingest *usecase.IngestService
}

// NewMessageHandler は新しいMessageHandlerを生成する。
func NewMessageHandler(ingest *usecase.IngestService) *MessageHandler {
	return &MessageHandler{ingest: ingest}
}

type ingestResponse struct {
	Status    string `json:"status"`
	Saved     bool   `json:"saved"`
	DeviceID  string `json:"device_id"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

type ingestErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

var errInternal = errors.New("internal server error")

// IngestMessage はPOST /api/v1/messagesを処理する。
// 証明書と署名ヘッダによる認証を経てメッセージログへ追記する。
func (h *MessageHandler) IngestMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read request body", "error", err)
		httputil.JSON(w, http.StatusBadRequest, ingestErrorResponse{
			Status: "error",
			Error:  "failed to read request body",
		})
		return
	}

	req := usecase.IngestRequest{
		Credentials: usecase.Credentials{
			CertificateHeader: r.Header.Get("X-Device-Certificate"),
			SignatureHeader:   r.Header.Get("X-Device-Signature"),
			Body:              body,
		},
		RemoteAddr:   r.RemoteAddr,
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
	}

	result, err := h.ingest.Ingest(ctx, req)
	if err != nil {
		status := authErrorStatus(err)
		if status == http.StatusInternalServerError {
			slog.ErrorContext(ctx, "message authentication failed", "error", err)
			// 内部エラーの詳細（ファイルパス等）はクライアントへ返さない
			if errors.Is(err, domain.ErrServerConfiguration) {
				err = domain.ErrServerConfiguration
			} else {
				err = errInternal
			}
		}
		middleware.WriteAuditLog(ctx, "message_ingest", "", "denied")
		httputil.JSON(w, status, ingestErrorResponse{
			Status: "error",
			Error:  err.Error(),
		})
		return
	}

	message := "Message stored successfully."
	if !result.Saved {
		message = "Failed to store message."
	}

	middleware.WriteAuditLog(ctx, "message_ingest", result.DeviceID, "success")
	httputil.JSON(w, http.StatusOK, ingestResponse{
		Status:    "success",
		Saved:     result.Saved,
		DeviceID:  result.DeviceID,
		Timestamp: result.ReceivedAt.Format(time.RFC3339),
		Message:   message,
	})
}

// authErrorStatus は認証パイプラインのエラーをHTTPステータスへ対応付ける。
func authErrorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrMissingCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrMalformedCertificate),
		errors.Is(err, domain.ErrMalformedSignature),
		errors.Is(err, domain.ErrInvalidCertificateIdentity),
		errors.Is(err, domain.ErrEmptyPayload),
		errors.Is(err, domain.ErrUnsupportedKeyAlgorithm),
		errors.Is(err, domain.ErrInvalidPayloadEncoding):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUntrustedCertificate),
		errors.Is(err, domain.ErrCertificateOutsideValidity),
		errors.Is(err, domain.ErrCertificateSuperseded),
		errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDeviceRevoked):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
