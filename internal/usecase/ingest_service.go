package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"time"

	"device-auth-service/internal/domain"
)

// MessageRepository はメッセージログへのアクセスインターフェース。
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.DeviceMessage) error
	FindByDeviceID(ctx context.Context, deviceID string, limit int) ([]*domain.DeviceMessage, error)
}

// IngestRequest は受信メッセージの素材を表す。
type IngestRequest struct {
	Credentials
	RemoteAddr   string
	ForwardedFor string // X-Forwarded-Forヘッダの値（無ければ空）
}

// IngestResult は取り込み結果を表す。認証成功と永続化成功は独立に報告する。
type IngestResult struct {
	DeviceID   string
	Saved      bool
	ReceivedAt time.Time
}

// IngestService は認証済みメッセージの取り込みとデバイスの状態遷移を駆動する。
type IngestService struct {
	authenticator *DeviceAuthenticator
	devices       DeviceRepository
	messages      MessageRepository
	now           func() time.Time
}

// NewIngestService は新しいIngestServiceを生成する。
func NewIngestService(authenticator *DeviceAuthenticator, devices DeviceRepository, messages MessageRepository) *IngestService {
	return &IngestService{
		authenticator: authenticator,
		devices:       devices,
		messages:      messages,
		now:           time.Now,
	}
}

// Ingest は認証・永続化・状態遷移を1リクエスト分実行する。
// 永続化の失敗はSaved=falseとして報告し、リクエスト自体は成功させる。
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	result, err := s.authenticator.Authenticate(ctx, req.Credentials)
	if err != nil {
		return nil, err
	}

	receivedAt := s.now().UTC()
	msg := &domain.DeviceMessage{
		DeviceID:          result.Device.ID,
		MessageType:       messageType(result.Payload),
		Timestamp:         messageTimestamp(result.Payload, receivedAt),
		Data:              messageData(result.Payload),
		ReceivedAt:        receivedAt,
		IPAddress:         clientIP(req.ForwardedFor, req.RemoteAddr),
		CertificateSerial: result.CertificateSerial,
	}

	saved := true
	if err := s.messages.Create(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "failed to store device message",
			"device_id", result.Device.ID,
			"error", err,
		)
		saved = false
	}

	// 自動遷移はPENDING/INACTIVE→ACTIVEのみ。冪等であり、同一デバイスの
	// 並行リクエストが競合しても結果は変わらない。
	if result.Device.Status == domain.DeviceStatusPending || result.Device.Status == domain.DeviceStatusInactive {
		if err := s.devices.UpdateStatus(ctx, result.Device.ID, domain.DeviceStatusActive); err != nil {
			slog.ErrorContext(ctx, "failed to activate device",
				"device_id", result.Device.ID,
				"error", err,
			)
		}
	}

	return &IngestResult{
		DeviceID:   result.Device.ID,
		Saved:      saved,
		ReceivedAt: receivedAt,
	}, nil
}

// clientIP はX-Forwarded-Forの先頭エントリ、無ければ直接のピアアドレスを返す。
func clientIP(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		if i := strings.Index(forwardedFor, ","); i >= 0 {
			forwardedFor = forwardedFor[:i]
		}
		return strings.TrimSpace(forwardedFor)
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func messageType(payload map[string]any) string {
	if v, ok := payload["message_type"].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// timestampLayouts はペイロードのtimestampとして受け付ける形式。
// オフセットなしのISO-8601はUTCとして解釈する。
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// messageTimestamp はペイロードのtimestampがISO-8601としてパースできれば
// それを、できなければ受信時刻を返す。
func messageTimestamp(payload map[string]any, fallback time.Time) time.Time {
	raw, ok := payload["timestamp"].(string)
	if !ok {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return fallback
}

func messageData(payload map[string]any) json.RawMessage {
	v, ok := payload["data"]
	if !ok {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
