package database

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/healthsync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNewerSchema indicates that the store was written by a newer release.
var ErrNewerSchema = errors.New("database: store schema is newer than this release")

// OpenSQLite establishes a SQLite connection, migrates the record store schema
// and stamps the store version marker.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate brings an opened database to the current store layout.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&records.StoreMeta{}); err != nil {
		return err
	}
	stored, found, err := records.ReadMeta(db, records.MetaKeySchemaVersion)
	if err != nil {
		return err
	}
	if found && stored > records.SchemaVersion {
		return fmt.Errorf("%w: found %d, supported %d", ErrNewerSchema, stored, records.SchemaVersion)
	}

	if err := db.AutoMigrate(&records.Record{}, &records.UploadAttempt{}, &migrationRecord{}); err != nil {
		return err
	}

	if err := applyMigrations(db, logger); err != nil {
		return err
	}

	if !found || stored != records.SchemaVersion {
		if err := records.WriteMeta(db, records.MetaKeySchemaVersion, records.SchemaVersion); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("store version updated",
				zap.Int64("from", stored),
				zap.Int64("to", records.SchemaVersion))
		}
	}
	return nil
}
