package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/healthsync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillRecordCreatedAt = "2026-09-02_backfill_record_created_at"
	migrationSeedRecordCounters      = "2026-09-10_seed_record_counters"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillRecordCreatedAt, apply: backfillRecordCreatedAt},
		{name: migrationSeedRecordCounters, apply: seedRecordCounters},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillRecordCreatedAt recovers creation times for version 1 stores, whose
// health ids carried the only timestamp.
func backfillRecordCreatedAt(db *gorm.DB) error {
	return db.Model(&records.Record{}).
		Where("created_at_ms = 0 AND health_id LIKE ?", records.HealthIDPrefix+"%").
		Update("created_at_ms", gorm.Expr("CAST(substr(health_id, ?) AS INTEGER)", len(records.HealthIDPrefix)+1)).Error
}

// seedRecordCounters derives the id counters from rows written before the
// counters existed, so restarts never hand out an id already on disk.
func seedRecordCounters(db *gorm.DB) error {
	var maxLocalID int64
	if err := db.Model(&records.Record{}).Select("COALESCE(MAX(local_id), 0)").Scan(&maxLocalID).Error; err != nil {
		return err
	}
	next, found, err := records.ReadMeta(db, records.MetaKeyNextLocalID)
	if err != nil {
		return err
	}
	if !found || next <= maxLocalID {
		if err := records.WriteMeta(db, records.MetaKeyNextLocalID, maxLocalID+1); err != nil {
			return err
		}
	}

	var maxHealthMillis int64
	err = db.Model(&records.Record{}).
		Select("COALESCE(MAX(CAST(substr(health_id, ?) AS INTEGER)), 0)", len(records.HealthIDPrefix)+1).
		Scan(&maxHealthMillis).Error
	if err != nil {
		return err
	}
	last, _, err := records.ReadMeta(db, records.MetaKeyLastHealthMillis)
	if err != nil {
		return err
	}
	if maxHealthMillis > last {
		return records.WriteMeta(db, records.MetaKeyLastHealthMillis, maxHealthMillis)
	}
	return nil
}
