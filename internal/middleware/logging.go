// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// WriteAuditLog はデバイス操作の監査ログを出力する。
func WriteAuditLog(ctx context.Context, operation string, deviceID string, result string) {
	slog.InfoContext(ctx, "device operation completed",
		"operation", operation,
		"device_id", deviceID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
