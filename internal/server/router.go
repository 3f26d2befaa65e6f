package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/healthsync/internal/records"
	"github.com/MarcoPoloResearchLab/healthsync/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultAllowedOrigin = "http://localhost:5173"
	heartbeatInterval    = 25 * time.Second
)

var (
	errMissingRecordService = errors.New("record service dependency required")
	errMissingAuthGate      = errors.New("auth gate dependency required")
	errMissingReachability  = errors.New("reachability dependency required")
	errMissingSyncRunner    = errors.New("sync runner dependency required")
)

type RecordService interface {
	Create(ctx context.Context, payload records.Payload, consentGiven bool) (records.Record, error)
	ListAll(ctx context.Context) ([]records.Record, error)
	GetByHealthID(ctx context.Context, healthID records.HealthID) (records.Record, error)
	ListAttempts(ctx context.Context, localID int64) ([]records.UploadAttempt, error)
}

type AuthGate interface {
	IsAuthenticated() bool
	Authenticate(ctx context.Context, credential string) bool
	Revoke()
	OnChange(listener func(authenticated bool))
}

// ReachabilityView exposes the background poll result. It is display state
// only; sync performs its own live check.
type ReachabilityView interface {
	Reachable() bool
	OnChange(listener func(reachable bool))
}

type SyncRunner interface {
	Sync(ctx context.Context) (syncer.Report, error)
	Running() bool
	OnChange(listener func(running bool))
}

type Dependencies struct {
	Records        RecordService
	Gate           AuthGate
	Reachability   ReachabilityView
	Syncer         SyncRunner
	Realtime       *RealtimeDispatcher
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Records == nil {
		return nil, errMissingRecordService
	}
	if deps.Gate == nil {
		return nil, errMissingAuthGate
	}
	if deps.Reachability == nil {
		return nil, errMissingReachability
	}
	if deps.Syncer == nil {
		return nil, errMissingSyncRunner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		records:      deps.Records,
		gate:         deps.Gate,
		reachability: deps.Reachability,
		syncer:       deps.Syncer,
		realtime:     realtime,
		logger:       logger,
	}

	deps.Gate.OnChange(func(bool) { handler.publishStatus() })
	deps.Reachability.OnChange(func(bool) { handler.publishStatus() })
	deps.Syncer.OnChange(func(bool) { handler.publishStatus() })

	router.POST("/records", handler.handleCreateRecord)
	router.GET("/records", handler.handleListRecords)
	router.GET("/records/:healthId", handler.handleGetRecord)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/logout", handler.handleLogout)
	router.GET("/status", handler.handleStatus)
	router.POST("/sync", handler.handleSync)
	router.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{defaultAllowedOrigin}
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	records      RecordService
	gate         AuthGate
	reachability ReachabilityView
	syncer       SyncRunner
	realtime     *RealtimeDispatcher
	logger       *zap.Logger
}

type createRecordRequest struct {
	Payload map[string]string `json:"payload"`
	Consent bool              `json:"consent"`
}

type recordPayload struct {
	LocalID          int64             `json:"local_id"`
	HealthID         string            `json:"health_id"`
	DisplayName      string            `json:"display_name"`
	Status           string            `json:"status"`
	Uploaded         bool              `json:"uploaded"`
	CreatedAtMillis  int64             `json:"created_at_ms"`
	UploadedAtMillis int64             `json:"uploaded_at_ms,omitempty"`
	Payload          map[string]string `json:"payload"`
}

type attemptPayload struct {
	AttemptID         string `json:"attempt_id"`
	RunID             string `json:"run_id"`
	AttemptedAtMillis int64  `json:"attempted_at_ms"`
	Succeeded         bool   `json:"succeeded"`
	StatusCode        int    `json:"status_code,omitempty"`
	Permanent         bool   `json:"permanent"`
	Error             string `json:"error,omitempty"`
}

type recordDetailPayload struct {
	recordPayload
	Attempts []attemptPayload `json:"attempts"`
}

type statusPayload struct {
	Authenticated bool `json:"authenticated"`
	Reachable     bool `json:"reachable"`
	Syncing       bool `json:"syncing"`
	SyncEnabled   bool `json:"sync_enabled"`
}

type uploadErrorPayload struct {
	Message    string `json:"message"`
	HealthID   string `json:"health_id,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Permanent  bool   `json:"permanent"`
}

type syncReportPayload struct {
	RunID      string              `json:"run_id,omitempty"`
	Attempted  int                 `json:"attempted"`
	Succeeded  int                 `json:"succeeded"`
	Failed     int                 `json:"failed"`
	FirstError *uploadErrorPayload `json:"first_error"`
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	var request createRecordRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.records.Create(c.Request.Context(), records.Payload(request.Payload), request.Consent)
	if err != nil {
		if errors.Is(err, records.ErrConsentRequired) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "consent_required"})
			return
		}
		h.logger.Error("failed to create record", zap.Error(err))
		respondServiceError(c, "create_failed", err)
		return
	}

	created := toRecordPayload(record)
	h.realtime.Publish(RealtimeMessage{EventType: RealtimeEventRecords, Payload: gin.H{"created": created}})
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	stored, err := h.records.ListAll(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list records", zap.Error(err))
		respondServiceError(c, "list_failed", err)
		return
	}
	response := make([]recordPayload, 0, len(stored))
	for _, record := range stored {
		response = append(response, toRecordPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"records": response})
}

func (h *httpHandler) handleGetRecord(c *gin.Context) {
	healthID, err := records.ParseHealthID(c.Param("healthId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_health_id"})
		return
	}

	record, err := h.records.GetByHealthID(c.Request.Context(), healthID)
	if errors.Is(err, records.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load record", zap.Error(err))
		respondServiceError(c, "lookup_failed", err)
		return
	}

	attempts, err := h.records.ListAttempts(c.Request.Context(), record.LocalID)
	if err != nil {
		h.logger.Error("failed to load upload attempts", zap.Error(err))
		respondServiceError(c, "lookup_failed", err)
		return
	}

	detail := recordDetailPayload{
		recordPayload: toRecordPayload(record),
		Attempts:      make([]attemptPayload, 0, len(attempts)),
	}
	for _, attempt := range attempts {
		detail.Attempts = append(detail.Attempts, attemptPayload{
			AttemptID:         attempt.AttemptID,
			RunID:             attempt.RunID,
			AttemptedAtMillis: attempt.AttemptedAtMillis,
			Succeeded:         attempt.Succeeded,
			StatusCode:        attempt.StatusCode,
			Permanent:         attempt.Permanent,
			Error:             attempt.ErrorText,
		})
	}
	c.JSON(http.StatusOK, detail)
}

type loginRequest struct {
	Credential string `json:"credential"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Credential) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.gate.Authenticate(c.Request.Context(), request.Credential) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credential"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.gate.Revoke()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.currentStatus())
}

func (h *httpHandler) handleSync(c *gin.Context) {
	report, err := h.syncer.Sync(c.Request.Context())
	switch {
	case errors.Is(err, syncer.ErrNotAuthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
		return
	case errors.Is(err, syncer.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline"})
		return
	case errors.Is(err, syncer.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
		return
	}

	payload := toSyncReportPayload(report)
	if report.Attempted > 0 {
		h.publishRecordsChanged(c.Request.Context())
	}
	h.realtime.Publish(RealtimeMessage{EventType: RealtimeEventSync, Payload: payload})

	if err != nil {
		h.logger.Error("sync failed", zap.Error(err), zap.String("run_id", report.RunID))
		response := gin.H{"error": "sync_failed", "report": payload}
		if code := serviceErrorCode(err); code != "" {
			response["code"] = code
		}
		c.JSON(http.StatusInternalServerError, response)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent(RealtimeEventStatus, h.currentStatus())
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message.Payload)
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Unix()})
			return true
		}
	})
}

func (h *httpHandler) currentStatus() statusPayload {
	authenticated := h.gate.IsAuthenticated()
	reachable := h.reachability.Reachable()
	syncing := h.syncer.Running()
	return statusPayload{
		Authenticated: authenticated,
		Reachable:     reachable,
		Syncing:       syncing,
		SyncEnabled:   authenticated && reachable && !syncing,
	}
}

func (h *httpHandler) publishStatus() {
	h.realtime.Publish(RealtimeMessage{EventType: RealtimeEventStatus, Payload: h.currentStatus()})
}

func (h *httpHandler) publishRecordsChanged(ctx context.Context) {
	stored, err := h.records.ListAll(ctx)
	if err != nil {
		h.logger.Warn("failed to refresh records for subscribers", zap.Error(err))
		return
	}
	pending := 0
	for _, record := range stored {
		if !record.Uploaded {
			pending++
		}
	}
	h.realtime.Publish(RealtimeMessage{
		EventType: RealtimeEventRecords,
		Payload:   gin.H{"total": len(stored), "pending": pending},
	})
}

func toRecordPayload(record records.Record) recordPayload {
	return recordPayload{
		LocalID:          record.LocalID,
		HealthID:         record.HealthID.String(),
		DisplayName:      record.DisplayName(),
		Status:           string(record.Status()),
		Uploaded:         record.Uploaded,
		CreatedAtMillis:  record.CreatedAtMillis,
		UploadedAtMillis: record.UploadedAtMillis,
		Payload:          record.Payload.Clone(),
	}
}

func toSyncReportPayload(report syncer.Report) syncReportPayload {
	payload := syncReportPayload{
		RunID:     report.RunID,
		Attempted: report.Attempted,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
	}
	if report.FirstError != nil {
		firstError := &uploadErrorPayload{Message: report.FirstError.Error()}
		var uploadErr *syncer.UploadError
		if errors.As(report.FirstError, &uploadErr) {
			firstError.HealthID = uploadErr.HealthID
			firstError.StatusCode = uploadErr.StatusCode
			firstError.Permanent = uploadErr.Permanent
		}
		payload.FirstError = firstError
	}
	return payload
}

type codedError interface {
	Code() string
}

func serviceErrorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

func respondServiceError(c *gin.Context, fallback string, err error) {
	response := gin.H{"error": fallback}
	if code := serviceErrorCode(err); code != "" {
		response["code"] = code
	}
	c.JSON(http.StatusInternalServerError, response)
}
