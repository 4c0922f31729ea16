package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"device-auth-service/config"
	"device-auth-service/internal/middleware"
)

// NewRouter はAPIのルーティングを構築する。
// メッセージ受信は証明書認証、管理系はAPIトークンでゲートする。
func NewRouter(mh *MessageHandler, dh *DeviceHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// デバイスからのメッセージは証明書・署名ヘッダで認証される
		r.Post("/messages", mh.IngestMessage)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireCapability(cfg.APIToken))

			r.Post("/ca/bootstrap", dh.BootstrapCA)

			r.Route("/devices", func(r chi.Router) {
				r.Post("/", dh.RegisterDevice)
				r.Get("/", dh.ListDevices)

				r.Route("/{deviceID}", func(r chi.Router) {
					r.Get("/", dh.GetDevice)
					r.Post("/certificate", dh.IssueCertificate)
					r.Get("/certificate", dh.DownloadCertificate)
					r.Get("/private-key", dh.DownloadPrivateKey)
					r.Post("/revoke", dh.RevokeDevice)
					r.Get("/messages", dh.ListMessages)
				})
			})
		})
	})

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, "device-auth-service")
	}
	return r
}
