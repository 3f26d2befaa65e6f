package records

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew       = "records.store.new"
	opCreate         = "records.create"
	opListAll        = "records.list_all"
	opGet            = "records.get"
	opMarkUploaded   = "records.mark_uploaded"
	opRecordAttempt  = "records.record_attempt"
	opListAttempts   = "records.list_attempts"
	columnLocalID    = "local_id"
	columnHealthID   = "health_id"
	columnUploaded   = "uploaded"
	queryLocalID     = columnLocalID + " = ?"
	queryHealthID    = columnHealthID + " = ?"
	queryMetaKey     = "meta_key = ?"
	orderLocalIDAsc  = columnLocalID + " ASC"
	orderAttemptsAsc = "attempted_at_ms ASC, attempt_id ASC"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonMetaReadFailed    = "meta_read_failed"
	reasonMetaWriteFailed   = "meta_write_failed"
	reasonInsertFailed      = "insert_failed"
	reasonQueryFailed       = "query_failed"
	reasonUpdateFailed      = "update_failed"
	reasonIDGeneration      = "id_generation_failed"
	reasonConsentRequired   = "consent_required"
	reasonNotFound          = "not_found"
)

var noOpLogger = zap.NewNop()

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists records durably and hands out local and health identifiers.
// All reads observe a complete snapshot: writers hold the lock for the whole
// transaction and readers never see a partially applied create.
type Store struct {
	mu         sync.RWMutex
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create persists a new pending record. Nothing is written when consent is missing.
func (s *Store) Create(ctx context.Context, payload Payload, consentGiven bool) (Record, error) {
	if !consentGiven {
		return Record{}, newServiceError(opCreate, reasonConsentRequired, ErrConsentRequired)
	}
	if s.db == nil {
		s.logError(opCreate, reasonMissingDatabase, errMissingDatabase)
		return Record{}, newServiceError(opCreate, reasonMissingDatabase, errMissingDatabase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var created Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		localID, err := nextLocalID(tx)
		if err != nil {
			s.logError(opCreate, reasonMetaReadFailed, err)
			return persistenceError(opCreate, reasonMetaReadFailed, err)
		}
		lastMillis, _, err := readMeta(tx, MetaKeyLastHealthMillis)
		if err != nil {
			s.logError(opCreate, reasonMetaReadFailed, err)
			return persistenceError(opCreate, reasonMetaReadFailed, err)
		}

		now := s.clock().UTC()
		healthMillis := nextHealthMillis(now.UnixMilli(), lastMillis)
		record := Record{
			LocalID:         localID,
			HealthID:        newHealthID(healthMillis),
			Payload:         payload.Clone(),
			ConsentGiven:    true,
			Uploaded:        false,
			CreatedAtMillis: now.UnixMilli(),
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opCreate, reasonInsertFailed, err, zap.Int64("local_id", localID))
			return persistenceError(opCreate, reasonInsertFailed, err)
		}
		if err := writeMeta(tx, MetaKeyNextLocalID, localID+1); err != nil {
			s.logError(opCreate, reasonMetaWriteFailed, err)
			return persistenceError(opCreate, reasonMetaWriteFailed, err)
		}
		if err := writeMeta(tx, MetaKeyLastHealthMillis, healthMillis); err != nil {
			s.logError(opCreate, reasonMetaWriteFailed, err)
			return persistenceError(opCreate, reasonMetaWriteFailed, err)
		}
		created = record
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}

	s.loggerOrDefault().Debug("record created",
		zap.Int64("local_id", created.LocalID),
		zap.String("health_id", created.HealthID.String()))
	return created, nil
}

// ListAll returns every persisted record ordered by local id.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	if s.db == nil {
		s.logError(opListAll, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListAll, reasonMissingDatabase, errMissingDatabase)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var stored []Record
	if err := s.db.WithContext(ctx).Order(orderLocalIDAsc).Find(&stored).Error; err != nil {
		s.logError(opListAll, reasonQueryFailed, err)
		return nil, persistenceError(opListAll, reasonQueryFailed, err)
	}
	return stored, nil
}

// Get returns the record stored under localID.
func (s *Store) Get(ctx context.Context, localID int64) (Record, error) {
	return s.take(ctx, queryLocalID, localID)
}

// GetByHealthID returns the record carrying the supplied health id.
func (s *Store) GetByHealthID(ctx context.Context, healthID HealthID) (Record, error) {
	return s.take(ctx, queryHealthID, healthID.String())
}

func (s *Store) take(ctx context.Context, query string, arg any) (Record, error) {
	if s.db == nil {
		s.logError(opGet, reasonMissingDatabase, errMissingDatabase)
		return Record{}, newServiceError(opGet, reasonMissingDatabase, errMissingDatabase)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var record Record
	err := s.db.WithContext(ctx).Where(query, arg).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newServiceError(opGet, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err)
		return Record{}, persistenceError(opGet, reasonQueryFailed, err)
	}
	return record, nil
}

// MarkUploaded flags the record as confirmed by the remote. Marking an
// already uploaded record succeeds without changing it.
func (s *Store) MarkUploaded(ctx context.Context, localID int64) error {
	if s.db == nil {
		s.logError(opMarkUploaded, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opMarkUploaded, reasonMissingDatabase, errMissingDatabase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Record
		err := tx.Where(queryLocalID, localID).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opMarkUploaded, reasonNotFound, ErrNotFound, zap.Int64("local_id", localID))
			return newServiceError(opMarkUploaded, reasonNotFound, ErrNotFound)
		}
		if err != nil {
			s.logError(opMarkUploaded, reasonQueryFailed, err, zap.Int64("local_id", localID))
			return persistenceError(opMarkUploaded, reasonQueryFailed, err)
		}
		if record.Uploaded {
			return nil
		}

		update := map[string]any{
			columnUploaded:   true,
			"uploaded_at_ms": s.clock().UTC().UnixMilli(),
		}
		err = tx.Model(&Record{}).
			Where(queryLocalID+" AND "+columnUploaded+" = ?", localID, false).
			Updates(update).Error
		if err != nil {
			s.logError(opMarkUploaded, reasonUpdateFailed, err, zap.Int64("local_id", localID))
			return persistenceError(opMarkUploaded, reasonUpdateFailed, err)
		}
		return nil
	})
}

// RecordAttempt appends an upload attempt to the log. Records are not touched.
func (s *Store) RecordAttempt(ctx context.Context, attempt UploadAttempt) error {
	if s.db == nil {
		s.logError(opRecordAttempt, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opRecordAttempt, reasonMissingDatabase, errMissingDatabase)
	}
	if attempt.AttemptID == "" {
		attemptID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opRecordAttempt, reasonIDGeneration, err)
			return newServiceError(opRecordAttempt, reasonIDGeneration, err)
		}
		attempt.AttemptID = attemptID
	}
	if attempt.AttemptedAtMillis == 0 {
		attempt.AttemptedAtMillis = s.clock().UTC().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.WithContext(ctx).Create(&attempt).Error; err != nil {
		s.logError(opRecordAttempt, reasonInsertFailed, err,
			zap.Int64("local_id", attempt.LocalID),
			zap.String("run_id", attempt.RunID))
		return persistenceError(opRecordAttempt, reasonInsertFailed, err)
	}
	return nil
}

// ListAttempts returns the upload history for one record, oldest first.
func (s *Store) ListAttempts(ctx context.Context, localID int64) ([]UploadAttempt, error) {
	if s.db == nil {
		s.logError(opListAttempts, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListAttempts, reasonMissingDatabase, errMissingDatabase)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var attempts []UploadAttempt
	err := s.db.WithContext(ctx).
		Where(queryLocalID, localID).
		Order(orderAttemptsAsc).
		Find(&attempts).Error
	if err != nil {
		s.logError(opListAttempts, reasonQueryFailed, err, zap.Int64("local_id", localID))
		return nil, persistenceError(opListAttempts, reasonQueryFailed, err)
	}
	return attempts, nil
}

// nextLocalID reads the durable counter, falling back to the highest stored id
// for stores written before the counter existed.
func nextLocalID(tx *gorm.DB) (int64, error) {
	next, found, err := readMeta(tx, MetaKeyNextLocalID)
	if err != nil {
		return 0, err
	}
	var maxID int64
	if err := tx.Model(&Record{}).Select("COALESCE(MAX(" + columnLocalID + "), 0)").Scan(&maxID).Error; err != nil {
		return 0, err
	}
	if !found || next <= maxID {
		next = maxID + 1
	}
	return next, nil
}

func readMeta(tx *gorm.DB, key string) (int64, bool, error) {
	var meta StoreMeta
	result := tx.Where(queryMetaKey, key).Limit(1).Find(&meta)
	if result.Error != nil {
		return 0, false, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, false, nil
	}
	return meta.Value, true, nil
}

func writeMeta(tx *gorm.DB, key string, value int64) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "meta_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"meta_value"}),
	}).Create(&StoreMeta{Key: key, Value: value}).Error
}

// WriteMeta upserts a store_meta entry outside of a create.
func WriteMeta(db *gorm.DB, key string, value int64) error {
	return writeMeta(db, key, value)
}

// ReadMeta returns a store_meta entry and whether it exists.
func ReadMeta(db *gorm.DB, key string) (int64, bool, error) {
	return readMeta(db, key)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("record store error", attrs...)
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}
