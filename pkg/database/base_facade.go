package database

import (
	"github.com/arxlens/enrichd/pkg/sql"
	"gorm.io/gorm"
)

// BaseFacade is the base structure for all Facades, providing DB access
// capability.
type BaseFacade struct {
}

// getDB retrieves the process-wide database connection.
func (f *BaseFacade) getDB() *gorm.DB {
	return sql.GetDefaultDB()
}

// isPostgres reports whether the underlying dialect supports row locks;
// the sqlite used by tests does not.
func (f *BaseFacade) isPostgres() bool {
	db := f.getDB()
	return db != nil && db.Dialector.Name() == "postgres"
}
