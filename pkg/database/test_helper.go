package database

import (
	"context"
	"testing"

	"github.com/arxlens/enrichd/pkg/database/model"
	"github.com/arxlens/enrichd/pkg/sql"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// TestHelper provides common test utilities for database tests
type TestHelper struct {
	DB *gorm.DB
	T  *testing.T
}

// NewTestHelper creates a new TestHelper with an in-memory SQLite
// database and installs it as the process default so the facades see it.
func NewTestHelper(t *testing.T) *TestHelper {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Failed to open SQLite database")

	// A pooled second connection to :memory: would see its own empty
	// database; pin everything to one connection.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&model.EnrichmentJob{},
		&model.PaperProcessingState{},
		&model.RateLimitBucket{},
	)
	require.NoError(t, err, "Failed to auto-migrate models")

	sql.SetDefaultDB(db)

	return &TestHelper{
		DB: db,
		T:  t,
	}
}

// Cleanup closes the database connection
func (h *TestHelper) Cleanup() {
	sqlDB, err := h.DB.DB()
	if err == nil {
		sqlDB.Close()
	}
}

// CreateTestContext creates a test context
func (h *TestHelper) CreateTestContext() context.Context {
	return context.Background()
}

// TruncateTable truncates a table for clean test state
func (h *TestHelper) TruncateTable(tableName string) {
	h.DB.Exec("DELETE FROM " + tableName)
}

// Count returns the number of records in a table
func (h *TestHelper) Count(tableName string) int64 {
	var count int64
	h.DB.Table(tableName).Count(&count)
	return count
}
