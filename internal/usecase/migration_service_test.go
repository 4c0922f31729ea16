package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"device-auth-service/internal/domain"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	appliedMigrations map[string]*domain.Migration
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		appliedMigrations: make(map[string]*domain.Migration),
	}
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) RecordMigration(ctx context.Context, version string) error {
	now := time.Now()
	m.appliedMigrations[version] = &domain.Migration{
		Version:   version,
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}
	return nil
}

func (m *mockMigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	_, exists := m.appliedMigrations[version]
	return exists, nil
}

// setupTestMigrationsDir はテスト用のmigrationsディレクトリを作成する。
func setupTestMigrationsDir(t *testing.T) string {
	t.Helper()

	migrationsDir := filepath.Join(t.TempDir(), "migrations")
	if err := os.MkdirAll(migrationsDir, 0755); err != nil {
		t.Fatalf("failed to create migrations dir: %v", err)
	}

	files := map[string]string{
		"001_create_devices.sql":         "CREATE TABLE devices (id TEXT PRIMARY KEY);",
		"002_create_device_messages.sql": "CREATE TABLE device_messages (id TEXT PRIMARY KEY);",
		"003_add_device_indexes.sql":     "CREATE INDEX idx_test_status ON devices(id);",
	}

	for filename, content := range files {
		filePath := filepath.Join(migrationsDir, filename)
		if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
			t.Fatalf("failed to create test migration file: %v", err)
		}
	}

	return migrationsDir
}

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
// schema_migrationsテーブルはサービス側が作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	migrationsDir := setupTestMigrationsDir(t)
	db := setupTestDB(t)
	repo := newMockMigrationRepository()

	service := NewMigrationService(repo, db, migrationsDir)

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied, got %d", count)
	}

	// テーブルが作成されたか確認
	for _, table := range []string{"devices", "device_messages", "schema_migrations"} {
		var n int64
		if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n).Error; err != nil {
			t.Errorf("failed to check table %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s was not created", table)
		}
	}

	// 適用履歴が同一トランザクションで記録される
	var recorded int64
	if err := db.Raw("SELECT COUNT(*) FROM schema_migrations").Scan(&recorded).Error; err != nil {
		t.Fatalf("failed to count schema_migrations: %v", err)
	}
	if recorded != 3 {
		t.Errorf("expected 3 recorded migrations, got %d", recorded)
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	migrationsDir := setupTestMigrationsDir(t)
	db := setupTestDB(t)
	repo := newMockMigrationRepository()

	// 既にマイグレーションが適用済みと設定
	now := time.Now()
	for _, version := range []string{"001", "002"} {
		repo.appliedMigrations[version] = &domain.Migration{
			Version:   version,
			AppliedAt: &now,
			Status:    domain.MigrationStatusApplied,
		}
	}

	service := NewMigrationService(repo, db, migrationsDir)

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	// 未適用のマイグレーションのみ実行される
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_Error(t *testing.T) {
	ctx := context.Background()
	migrationsDir := setupTestMigrationsDir(t)
	db := setupTestDB(t)
	repo := newMockMigrationRepository()

	service := NewMigrationService(repo, db, migrationsDir)

	// 不正なSQLファイルを作成
	invalidFile := filepath.Join(migrationsDir, "004_invalid.sql")
	if err := os.WriteFile(invalidFile, []byte("INVALID SQL SYNTAX;"), 0644); err != nil {
		t.Fatalf("failed to create invalid migration file: %v", err)
	}

	_, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Errorf("expected ErrMigrationFailed, got %v", err)
	}
}

func TestMigrationService_ApplyMigrations_InvalidFileName(t *testing.T) {
	ctx := context.Background()
	migrationsDir := setupTestMigrationsDir(t)
	db := setupTestDB(t)

	// バージョン区切りのないファイル名
	badFile := filepath.Join(migrationsDir, "badname.sql")
	if err := os.WriteFile(badFile, []byte("SELECT 1;"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	service := NewMigrationService(newMockMigrationRepository(), db, migrationsDir)
	_, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrInvalidMigrationFile) {
		t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	migrationsDir := setupTestMigrationsDir(t)
	db := setupTestDB(t)
	repo := newMockMigrationRepository()

	// 一部のマイグレーションを適用済みと設定
	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{
		Version:   "001",
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}

	service := NewMigrationService(repo, db, migrationsDir)

	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 3 {
		t.Errorf("expected 3 migrations, got %d", len(migrations))
	}

	expectedStatuses := map[string]domain.MigrationStatus{
		"001": domain.MigrationStatusApplied,
		"002": domain.MigrationStatusPending,
		"003": domain.MigrationStatusPending,
	}

	for _, migration := range migrations {
		expectedStatus, exists := expectedStatuses[migration.Version]
		if !exists {
			t.Errorf("unexpected migration version: %s", migration.Version)
			continue
		}
		if migration.Status != expectedStatus {
			t.Errorf("migration %s: expected status %s, got %s", migration.Version, expectedStatus, migration.Status)
		}
	}
}
