package testutil

import (
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/verbata/codeframe-backend/internal/logger"
	"github.com/verbata/codeframe-backend/internal/types"
)

var (
	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

// DB opens a fresh in-memory database per test, so tests never share state.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("failed to open test db: %v", err)
	}
	if err := autoMigrateAll(db); err != nil {
		tb.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

// PostgresDB is for tests exercising postgres-only behavior (row locking).
// They skip unless TEST_POSTGRES_DSN points at a disposable database.
func PostgresDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		tb.Skip("set TEST_POSTGRES_DSN to run postgres integration tests")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("failed to open test db: %v", err)
	}
	if err := autoMigrateAll(db); err != nil {
		tb.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

// Tx wraps a test in a transaction rolled back at cleanup.
func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}

func autoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.SurveyResponse{},
		&types.Generation{},
		&types.HierarchyNode{},
		&types.BrandCandidate{},
	)
}
