package domain

import (
	"encoding/json"
	"time"
)

// DeviceMessage はデバイスから受信した認証済みメッセージを表す。
// 追記専用であり、保存後に変更されることはない。
type DeviceMessage struct {
	ID                string
	DeviceID          string
	MessageType       string
	Timestamp         time.Time // アプリケーションタイムスタンプ
	Data              json.RawMessage
	ReceivedAt        time.Time
	IPAddress         string
	CertificateSerial string // 認証に使われた証明書のシリアル（16進）
}
