package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewProbeRequiresURL(t *testing.T) {
	if _, err := NewProbe(ProbeConfig{URL: "  "}); !errors.Is(err, ErrInvalidProbeConfig) {
		t.Fatalf("expected invalid probe config, got %v", err)
	}
}

func TestCheckReachable(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		want   bool
	}{
		{name: "ok", status: http.StatusOK, want: true},
		{name: "no-content", status: http.StatusNoContent, want: true},
		{name: "redirect-not-followed", status: http.StatusNotModified, want: false},
		{name: "captive-portal-error", status: http.StatusForbidden, want: false},
		{name: "server-error", status: http.StatusServiceUnavailable, want: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
			}))
			defer server.Close()

			probe, err := NewProbe(ProbeConfig{URL: server.URL, Timeout: time.Second})
			if err != nil {
				t.Fatalf("unexpected probe error: %v", err)
			}
			if got := probe.CheckReachable(context.Background()); got != testCase.want {
				t.Fatalf("reachable = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestCheckReachableBypassesCaches(t *testing.T) {
	var cacheControl, pragma string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cacheControl = r.Header.Get("Cache-Control")
		pragma = r.Header.Get("Pragma")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	probe, err := NewProbe(ProbeConfig{URL: server.URL})
	if err != nil {
		t.Fatalf("unexpected probe error: %v", err)
	}
	if !probe.CheckReachable(context.Background()) {
		t.Fatalf("expected reachable")
	}
	if cacheControl != "no-cache, no-store" || pragma != "no-cache" {
		t.Fatalf("unexpected cache headers %q %q", cacheControl, pragma)
	}
}

func TestCheckReachableTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	probe, err := NewProbe(ProbeConfig{URL: server.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected probe error: %v", err)
	}
	started := time.Now()
	if probe.CheckReachable(context.Background()) {
		t.Fatalf("expected hung endpoint to be unreachable")
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("probe did not honour timeout, took %s", elapsed)
	}
}

func TestCheckReachableNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	probe, err := NewProbe(ProbeConfig{URL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected probe error: %v", err)
	}
	if probe.CheckReachable(context.Background()) {
		t.Fatalf("expected closed server to be unreachable")
	}
}

type scriptedChecker struct {
	mu      sync.Mutex
	results []bool
	calls   atomic.Int32
}

func (c *scriptedChecker) CheckReachable(context.Context) bool {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.results) == 0 {
		return false
	}
	result := c.results[0]
	if len(c.results) > 1 {
		c.results = c.results[1:]
	}
	return result
}

func TestMonitorPublishesOnlyChanges(t *testing.T) {
	checker := &scriptedChecker{results: []bool{false, true, true, false}}
	monitor := NewMonitor(MonitorConfig{Checker: checker})

	var notifications []bool
	monitor.OnChange(func(reachable bool) {
		notifications = append(notifications, reachable)
	})

	ctx := context.Background()
	for range 4 {
		monitor.Poll(ctx)
	}

	want := []bool{false, true, false}
	if len(notifications) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), notifications)
	}
	for index := range want {
		if notifications[index] != want[index] {
			t.Fatalf("notification %d = %v, want %v", index, notifications[index], want[index])
		}
	}
	if monitor.Reachable() {
		t.Fatalf("expected last state unreachable")
	}
}

func TestMonitorRunPollsUntilCancelled(t *testing.T) {
	checker := &scriptedChecker{results: []bool{true}}
	monitor := NewMonitor(MonitorConfig{Checker: checker, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for checker.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected repeated polls, got %d", checker.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
	if !monitor.Reachable() {
		t.Fatalf("expected reachable after polls")
	}
}
