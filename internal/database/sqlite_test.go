package database

import (
	"fmt"
	"testing"

	"github.com/gigboard/gigboard/internal/store"
	"go.uber.org/zap"
)

func memoryPath(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		t.Fatal("expected error for empty database path")
	}
}

func TestOpenSQLiteCreatesSchema(t *testing.T) {
	db, err := OpenSQLite(memoryPath(t), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw connection: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"profiles", "applications", "opportunities", "resumes", "job_descriptions", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q after migrations", table)
		}
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationBackfillWalletType).Take(&record).Error; err != nil {
		t.Fatalf("migration record missing: %v", err)
	}
	if record.AppliedAtSeconds <= 0 {
		t.Fatalf("applied_at_s = %d", record.AppliedAtSeconds)
	}
}

func TestMigrationsRunOnce(t *testing.T) {
	path := memoryPath(t)
	db, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw connection: %v", err)
	}
	defer sqlDB.Close()

	// Reopening against the same shared-cache database must not re-apply
	// or duplicate recorded migrations.
	again, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if raw, err := again.DB(); err == nil {
		defer raw.Close()
	}

	var count int64
	if err := again.Model(&migrationRecord{}).Where("name = ?", migrationBackfillWalletType).Count(&count).Error; err != nil {
		t.Fatalf("count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one migration record, got %d", count)
	}
}

func TestBackfillWalletTypeLabelsLegacyRows(t *testing.T) {
	db, err := OpenSQLite(memoryPath(t), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw connection: %v", err)
	}
	defer sqlDB.Close()

	rows := []store.Profile{
		{ID: "legacy-wallet", AuthProvider: "wallet", WalletAddress: "0xabc", WalletType: ""},
		{ID: "typed-wallet", AuthProvider: "wallet", WalletAddress: "0xdef", WalletType: "external"},
		{ID: "no-wallet", AuthProvider: "session", WalletAddress: "", WalletType: ""},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			t.Fatalf("seed profile %s: %v", rows[i].ID, err)
		}
	}

	if err := backfillWalletType(db); err != nil {
		t.Fatalf("backfillWalletType: %v", err)
	}

	assertType := func(id, want string) {
		t.Helper()
		var profile store.Profile
		if err := db.Where("id = ?", id).Take(&profile).Error; err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
		if profile.WalletType != want {
			t.Fatalf("%s wallet_type = %q, want %q", id, profile.WalletType, want)
		}
	}
	assertType("legacy-wallet", "embedded")
	assertType("typed-wallet", "external")
	assertType("no-wallet", "")
}
