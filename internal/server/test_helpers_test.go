package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/healthsync/internal/auth"
	"github.com/MarcoPoloResearchLab/healthsync/internal/records"
	"github.com/MarcoPoloResearchLab/healthsync/internal/syncer"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testStaticCode  = "123456"
	jsonContentType = "application/json"
)

type stubReachability struct {
	reachable atomic.Bool
	mu        sync.Mutex
	listeners []func(bool)
}

func (s *stubReachability) Reachable() bool {
	return s.reachable.Load()
}

func (s *stubReachability) OnChange(listener func(bool)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

func (s *stubReachability) set(reachable bool) {
	s.reachable.Store(reachable)
	s.mu.Lock()
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()
	for _, listener := range listeners {
		listener(reachable)
	}
}

type stubChecker struct {
	reachable atomic.Bool
}

func (s *stubChecker) CheckReachable(context.Context) bool {
	return s.reachable.Load()
}

type stubUploader struct {
	mu       sync.Mutex
	rejected map[string]int
	uploaded []string
	block    chan struct{}
	entered  chan struct{}
}

func (u *stubUploader) Upload(ctx context.Context, record records.Record) error {
	if u.entered != nil {
		close(u.entered)
		u.entered = nil
	}
	if u.block != nil {
		select {
		case <-u.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if status, ok := u.rejected[record.HealthID.String()]; ok {
		return &syncer.UploadError{StatusCode: status, Permanent: status < 500, Err: errors.New(http.StatusText(status))}
	}
	u.uploaded = append(u.uploaded, record.HealthID.String())
	return nil
}

func (u *stubUploader) reject(healthID string, status int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rejected == nil {
		u.rejected = make(map[string]int)
	}
	u.rejected[healthID] = status
}

func (u *stubUploader) accept(healthID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.rejected, healthID)
}

type apiHarness struct {
	handler      http.Handler
	store        *records.Store
	gate         *auth.Gate
	engine       *syncer.Engine
	reachability *stubReachability
	checker      *stubChecker
	uploader     *stubUploader
	realtime     *RealtimeDispatcher
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&records.Record{}, &records.StoreMeta{}, &records.UploadAttempt{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := records.NewStore(records.StoreConfig{Database: db, IDProvider: records.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	verifier, err := auth.NewStaticCodeVerifier(testStaticCode)
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}
	gate := auth.NewGate(auth.GateConfig{Verifier: verifier})

	harness := &apiHarness{
		store:        store,
		gate:         gate,
		reachability: &stubReachability{},
		checker:      &stubChecker{},
		uploader:     &stubUploader{},
		realtime:     NewRealtimeDispatcher(),
	}
	harness.reachability.set(true)
	harness.checker.reachable.Store(true)

	engine, err := syncer.NewEngine(syncer.EngineConfig{
		Gate:     gate,
		Checker:  harness.checker,
		Store:    store,
		Uploader: harness.uploader,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	harness.engine = engine

	handler, err := NewHTTPHandler(Dependencies{
		Records:        store,
		Gate:           gate,
		Reachability:   harness.reachability,
		Syncer:         engine,
		Realtime:       harness.realtime,
		AllowedOrigins: []string{"http://localhost:5173"},
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	harness.handler = handler
	return harness
}

func (h *apiHarness) do(method, path, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", jsonContentType)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h *apiHarness) login(t *testing.T) {
	t.Helper()
	recorder := h.do(http.MethodPost, "/auth/login", `{"credential":"`+testStaticCode+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", recorder.Code, recorder.Body.String())
	}
}

func (h *apiHarness) createRecord(t *testing.T, name string) recordPayload {
	t.Helper()
	recorder := h.do(http.MethodPost, "/records", `{"payload":{"name":"`+name+`","age":"5"},"consent":true}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var created recordPayload
	decodeBody(t, recorder, &created)
	return created
}
