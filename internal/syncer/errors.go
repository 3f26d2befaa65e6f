package syncer

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotAuthenticated indicates that sync was requested before the gate opened.
	ErrNotAuthenticated = errors.New("syncer: not authenticated")
	// ErrOffline indicates that the reachability check failed at the start of sync.
	ErrOffline = errors.New("syncer: offline")
	// ErrSyncInProgress indicates that another sync run holds the engine.
	ErrSyncInProgress = errors.New("syncer: sync already in progress")
	// ErrUploadFailed indicates that the remote did not accept a record.
	ErrUploadFailed = errors.New("syncer: upload failed")

	errMissingStore     = errors.New("record store is required")
	errMissingGate      = errors.New("auth gate is required")
	errMissingChecker   = errors.New("reachability checker is required")
	errMissingUploader  = errors.New("uploader is required")
	errMissingUploadURL = errors.New("upload url is required")
)

// UploadError describes one rejected or failed record submission.
type UploadError struct {
	HealthID   string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload %s: remote returned %d: %v", e.HealthID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload %s: %v", e.HealthID, e.Err)
}

func (e *UploadError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUploadFailed}
	}
	return []error{ErrUploadFailed, e.Err}
}

// permanentStatus reports whether retrying the same body cannot succeed.
func permanentStatus(statusCode int) bool {
	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests {
		return false
	}
	return statusCode >= 400 && statusCode < 500
}

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
