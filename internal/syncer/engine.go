package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/healthsync/internal/records"
	"go.uber.org/zap"
)

const (
	opNewEngine = "syncer.engine.new"
	opSync      = "syncer.sync"

	reasonMissingStore    = "missing_store"
	reasonMissingGate     = "missing_gate"
	reasonMissingChecker  = "missing_checker"
	reasonMissingUploader = "missing_uploader"
	reasonListFailed      = "list_failed"
	reasonMarkFailed      = "mark_uploaded_failed"
	reasonAttemptLog      = "attempt_log_failed"
	reasonRunIDFailed     = "run_id_failed"

	defaultUploadTimeout = 5 * time.Second
)

const (
	stateIdle int32 = iota
	stateRunning
)

// AuthChecker reports whether the operator is authenticated.
type AuthChecker interface {
	IsAuthenticated() bool
}

// ReachabilityChecker performs a live round trip to the remote.
type ReachabilityChecker interface {
	CheckReachable(ctx context.Context) bool
}

// RecordStore is the subset of the record store the engine drives.
type RecordStore interface {
	ListAll(ctx context.Context) ([]records.Record, error)
	MarkUploaded(ctx context.Context, localID int64) error
	RecordAttempt(ctx context.Context, attempt records.UploadAttempt) error
}

// Uploader submits one record to the remote endpoint.
type Uploader interface {
	Upload(ctx context.Context, record records.Record) error
}

// EngineConfig describes the collaborators of an Engine.
type EngineConfig struct {
	Gate          AuthChecker
	Checker       ReachabilityChecker
	Store         RecordStore
	Uploader      Uploader
	IDProvider    records.IDProvider
	UploadTimeout time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Report summarizes one sync run.
type Report struct {
	RunID      string
	Attempted  int
	Succeeded  int
	Failed     int
	FirstError error
}

// Engine uploads pending records one at a time in local id order.
type Engine struct {
	gate          AuthChecker
	checker       ReachabilityChecker
	store         RecordStore
	uploader      Uploader
	idProvider    records.IDProvider
	uploadTimeout time.Duration
	clock         func() time.Time
	logger        *zap.Logger

	state atomic.Int32

	mu        sync.Mutex
	listeners []func(running bool)
}

// NewEngine validates configuration and returns an idle Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opNewEngine, reasonMissingStore, errMissingStore)
	}
	if cfg.Gate == nil {
		return nil, newServiceError(opNewEngine, reasonMissingGate, errMissingGate)
	}
	if cfg.Checker == nil {
		return nil, newServiceError(opNewEngine, reasonMissingChecker, errMissingChecker)
	}
	if cfg.Uploader == nil {
		return nil, newServiceError(opNewEngine, reasonMissingUploader, errMissingUploader)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = records.NewUUIDProvider()
	}
	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = defaultUploadTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		gate:          cfg.Gate,
		checker:       cfg.Checker,
		store:         cfg.Store,
		uploader:      cfg.Uploader,
		idProvider:    idProvider,
		uploadTimeout: timeout,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Running reports whether a sync run currently holds the engine.
func (e *Engine) Running() bool {
	return e.state.Load() == stateRunning
}

// OnChange registers a listener called when a run starts and when it ends.
func (e *Engine) OnChange(listener func(running bool)) {
	if listener == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, listener)
	e.mu.Unlock()
}

// Sync uploads every pending record. Upload failures and caller cancellation
// end the batch and are reported in Report.FirstError; the returned error is
// reserved for runs that were refused or hit a store failure.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	if !e.gate.IsAuthenticated() {
		return Report{}, ErrNotAuthenticated
	}
	if !e.state.CompareAndSwap(stateIdle, stateRunning) {
		return Report{}, ErrSyncInProgress
	}
	e.notify(true)
	defer func() {
		e.state.Store(stateIdle)
		e.notify(false)
	}()

	if !e.checker.CheckReachable(ctx) {
		e.logger.Info("sync skipped, remote unreachable")
		return Report{}, ErrOffline
	}

	runID, err := e.idProvider.NewID()
	if err != nil {
		e.logError(reasonRunIDFailed, err)
		return Report{}, newServiceError(opSync, reasonRunIDFailed, err)
	}
	report := Report{RunID: runID}

	all, err := e.store.ListAll(ctx)
	if err != nil {
		e.logError(reasonListFailed, err, zap.String("run_id", runID))
		return report, newServiceError(opSync, reasonListFailed, err)
	}

	pending := make([]records.Record, 0, len(all))
	for _, record := range all {
		if !record.Uploaded {
			pending = append(pending, record)
		}
	}
	if len(pending) == 0 {
		e.logger.Debug("sync found nothing pending", zap.String("run_id", runID))
		return report, nil
	}

	// Local writes that follow an upload must land even if the caller goes away.
	storeCtx := context.WithoutCancel(ctx)

	e.logger.Info("sync started", zap.String("run_id", runID), zap.Int("pending", len(pending)))
	for _, record := range pending {
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.logger.Info("sync cancelled", zap.String("run_id", runID), zap.Error(ctxErr))
			report.FirstError = ctxErr
			break
		}
		report.Attempted++
		uploadErr := e.upload(ctx, record)
		attempt := records.UploadAttempt{
			RunID:             runID,
			LocalID:           record.LocalID,
			HealthID:          record.HealthID.String(),
			AttemptedAtMillis: e.clock().UTC().UnixMilli(),
			Succeeded:         uploadErr == nil,
		}

		if uploadErr != nil {
			report.Failed++
			report.FirstError = uploadErr
			attempt.StatusCode = uploadErr.StatusCode
			attempt.Permanent = uploadErr.Permanent
			attempt.ErrorText = uploadErr.Error()
			e.logger.Warn("upload failed, aborting batch",
				zap.String("run_id", runID),
				zap.Int64("local_id", record.LocalID),
				zap.String("health_id", record.HealthID.String()),
				zap.Int("status_code", uploadErr.StatusCode),
				zap.Bool("permanent", uploadErr.Permanent),
				zap.Error(uploadErr.Err))
			if err := e.store.RecordAttempt(storeCtx, attempt); err != nil {
				e.logError(reasonAttemptLog, err, zap.String("run_id", runID))
				return report, newServiceError(opSync, reasonAttemptLog, err)
			}
			break
		}

		if err := e.store.MarkUploaded(storeCtx, record.LocalID); err != nil {
			e.logError(reasonMarkFailed, err,
				zap.String("run_id", runID),
				zap.Int64("local_id", record.LocalID))
			return report, newServiceError(opSync, reasonMarkFailed, err)
		}
		report.Succeeded++
		if err := e.store.RecordAttempt(storeCtx, attempt); err != nil {
			e.logError(reasonAttemptLog, err, zap.String("run_id", runID))
			return report, newServiceError(opSync, reasonAttemptLog, err)
		}
	}

	e.logger.Info("sync finished",
		zap.String("run_id", runID),
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed))
	return report, nil
}

// upload runs one submission under the per-upload timeout and normalizes the
// failure into an UploadError.
func (e *Engine) upload(ctx context.Context, record records.Record) *UploadError {
	uploadCtx, cancel := context.WithTimeout(ctx, e.uploadTimeout)
	defer cancel()

	err := e.uploader.Upload(uploadCtx, record)
	if err == nil {
		return nil
	}
	var uploadErr *UploadError
	if errors.As(err, &uploadErr) {
		if uploadErr.HealthID == "" {
			uploadErr.HealthID = record.HealthID.String()
		}
		return uploadErr
	}
	return &UploadError{HealthID: record.HealthID.String(), Err: err}
}

func (e *Engine) notify(running bool) {
	e.mu.Lock()
	listeners := append([]func(bool){}, e.listeners...)
	e.mu.Unlock()
	for _, listener := range listeners {
		listener(running)
	}
}

func (e *Engine) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opSync),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}
