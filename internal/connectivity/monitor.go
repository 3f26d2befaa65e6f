package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultPollInterval = 3 * time.Second

// Checker performs a single reachability check.
type Checker interface {
	CheckReachable(ctx context.Context) bool
}

// MonitorConfig describes a background reachability poll.
type MonitorConfig struct {
	Checker  Checker
	Interval time.Duration
	Logger   *zap.Logger
}

// Monitor polls a Checker on its own schedule and exposes the last result.
// The value is for display only; sync always performs a fresh check.
type Monitor struct {
	checker   Checker
	interval  time.Duration
	logger    *zap.Logger
	reachable atomic.Bool
	checked   atomic.Bool

	mu        sync.Mutex
	listeners []func(bool)
}

// NewMonitor constructs a Monitor. The initial state is unreachable.
func NewMonitor(cfg MonitorConfig) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		checker:  cfg.Checker,
		interval: interval,
		logger:   logger,
	}
}

// Reachable returns the result of the most recent poll.
func (m *Monitor) Reachable() bool {
	return m.reachable.Load()
}

// OnChange registers a listener called whenever the polled state flips.
func (m *Monitor) OnChange(listener func(reachable bool)) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.checker == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll performs one check and publishes a change if the state flipped.
func (m *Monitor) Poll(ctx context.Context) bool {
	if m.checker == nil {
		return false
	}
	current := m.checker.CheckReachable(ctx)
	previous := m.reachable.Swap(current)
	first := !m.checked.Swap(true)
	if first || previous != current {
		m.logger.Info("reachability changed", zap.Bool("reachable", current))
		m.notify(current)
	}
	return current
}

func (m *Monitor) notify(reachable bool) {
	m.mu.Lock()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()
	for _, listener := range listeners {
		listener(reachable)
	}
}
