// Package store is the authoritative relational task store that the cache
// fronts. It uses gorm over the pure-Go glebarez SQLite driver.
package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryDSN opens a private in-memory database
const MemoryDSN = ":memory:"

// Open connects to the SQLite database at dsn and migrates the schema
func Open(dsn string, verbose bool) (*gorm.DB, error) {
	level := logger.Silent
	if verbose {
		level = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	// every new connection to :memory: would see an empty database
	if dsn == MemoryDSN {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&taskRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
