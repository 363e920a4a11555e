package db

import (
	"github.com/glebarez/sqlite"
	"github.com/ncbridge/ncbridge/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations. An unopenable
// or unmigratable database is fatal at the caller: the process must not
// start polling with unknown state.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&models.Installation{}); err != nil {
		return nil, err
	}

	return db, nil
}
