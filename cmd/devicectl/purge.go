package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"device-auth-service/config"
	"device-auth-service/internal/infra"
	"device-auth-service/internal/repository"
	"device-auth-service/internal/usecase"
)

// purgeKeysCmd はダウンロードウィンドウを過ぎた保存済み秘密鍵を削除する
// 運用コマンド。直接DBに接続する。
func purgeKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-keys",
		Short: "Delete stored private keys whose download window has closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				return fmt.Errorf("DATABASE_URL environment variable is required")
			}

			db, err := infra.NewDB(dsn, config.Load())
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}

			deviceRepo := repository.NewDeviceRepository(db)
			messageRepo := repository.NewMessageRepository(db)
			service := usecase.NewDeviceService(deviceRepo, messageRepo, nil, infra.PassthroughProtector{})

			purged, err := service.PurgeExpiredKeys(ctx)
			if err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}

			fmt.Printf("Purged %d stored private key(s).\n", purged)
			return nil
		},
	}
}
