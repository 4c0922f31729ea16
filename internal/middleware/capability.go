package middleware

import (
	"crypto/subtle"
	"net/http"

	"device-auth-service/pkg/httputil"
)

// RequireCapability はAPIトークンによる権限チェックをハンドラに合成する。
// トークンが空文字列の場合はチェックを無効化する（ローカル開発用）。
func RequireCapability(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				provided := r.Header.Get("X-API-Key")
				if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
					httputil.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid API key")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
