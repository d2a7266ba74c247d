// Package db opens the proxy's SQLite database and runs migrations.
package db

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pysugar/qwen-code-proxy/internal/db/models"
)

// InitDB opens the SQLite database at dbPath and migrates the schema.
// The pure-Go driver keeps the build cgo-free.
func InitDB(dbPath string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrate(&models.RequestLog{}); err != nil {
		return nil, err
	}
	return database, nil
}
