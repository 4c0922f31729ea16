// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"device-auth-service/config"
	"device-auth-service/internal/handler"
	"device-auth-service/internal/infra"
	"device-auth-service/internal/pki"
	"device-auth-service/internal/repository"
	"device-auth-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// ログレベル設定
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, logLevel)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// 秘密鍵保護の初期化。KMS未設定時は平文保存にフォールバックする
	var protector usecase.KeyProtector
	if cfg.KMSKeyName != "" {
		kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			slog.Error("failed to init KMS client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := kmsClient.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		protector = kmsClient
	} else {
		slog.Warn("KMS_KEY_NAME is not set, stored private keys will not be encrypted")
		protector = infra.PassthroughProtector{}
	}

	// CA初期化。材料が無ければ起動時に生成する
	ca := pki.NewCertificateAuthority(pki.Config{
		PrivateKeyPath:  cfg.CAPrivateKeyPath,
		CertificatePath: cfg.CACertificatePath,
	})
	if created, err := ca.Bootstrap(ctx); err != nil {
		slog.Error("failed to bootstrap certificate authority", "error", err)
		os.Exit(1)
	} else if created {
		slog.Info("certificate authority initialized",
			"certificate_path", cfg.CACertificatePath,
		)
	}
	issuer := pki.NewCertificateIssuer(ca)

	// DI
	deviceRepo := repository.NewDeviceRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	authenticator := usecase.NewDeviceAuthenticator(ca, deviceRepo)
	ingestService := usecase.NewIngestService(authenticator, deviceRepo, messageRepo)
	deviceService := usecase.NewDeviceService(deviceRepo, messageRepo, issuer, protector)
	mh := handler.NewMessageHandler(ingestService)
	dh := handler.NewDeviceHandler(deviceService, ca)
	router := handler.NewRouter(mh, dh, cfg)

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
