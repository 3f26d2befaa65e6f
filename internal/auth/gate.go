package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrInvalidCredential indicates that a verifier rejected the credential.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrMissingStaticCode indicates that a static code verifier has no code configured.
	ErrMissingStaticCode = errors.New("auth: static code required")
)

// CredentialVerifier decides whether a credential is valid. The gate only
// consumes the outcome; verification logic lives entirely in the verifier.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, credential string) error
}

// GateConfig describes the collaborators of a Gate.
type GateConfig struct {
	Verifier CredentialVerifier
	Logger   *zap.Logger
}

// Gate holds the process-wide authenticated flag.
type Gate struct {
	verifier      CredentialVerifier
	logger        *zap.Logger
	authenticated atomic.Bool

	mu        sync.Mutex
	listeners []func(bool)
}

// NewGate constructs an unauthenticated Gate.
func NewGate(cfg GateConfig) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{verifier: cfg.Verifier, logger: logger}
}

// IsAuthenticated reads the current state.
func (g *Gate) IsAuthenticated() bool {
	if g == nil {
		return false
	}
	return g.authenticated.Load()
}

// Authenticate runs the verifier and records the outcome. A rejected
// credential leaves an existing authenticated state unchanged.
func (g *Gate) Authenticate(ctx context.Context, credential string) bool {
	if g == nil || g.verifier == nil {
		return false
	}
	if err := g.verifier.VerifyCredential(ctx, credential); err != nil {
		g.logger.Info("credential rejected", zap.Error(err))
		return false
	}
	if !g.authenticated.Swap(true) {
		g.logger.Info("authenticated")
		g.notify(true)
	}
	return true
}

// Revoke resets the gate to unauthenticated.
func (g *Gate) Revoke() {
	if g == nil {
		return
	}
	if g.authenticated.Swap(false) {
		g.logger.Info("authentication revoked")
		g.notify(false)
	}
}

// OnChange registers a listener called when the authenticated state flips.
func (g *Gate) OnChange(listener func(authenticated bool)) {
	if listener == nil {
		return
	}
	g.mu.Lock()
	g.listeners = append(g.listeners, listener)
	g.mu.Unlock()
}

func (g *Gate) notify(authenticated bool) {
	g.mu.Lock()
	listeners := append([]func(bool){}, g.listeners...)
	g.mu.Unlock()
	for _, listener := range listeners {
		listener(authenticated)
	}
}

// StaticCodeVerifier accepts one fixed code. It stands in for a real
// one-time-password service during field deployments.
type StaticCodeVerifier struct {
	code []byte
}

// NewStaticCodeVerifier returns a verifier for the supplied code.
func NewStaticCodeVerifier(code string) (*StaticCodeVerifier, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return nil, ErrMissingStaticCode
	}
	return &StaticCodeVerifier{code: []byte(trimmed)}, nil
}

// VerifyCredential compares the credential in constant time.
func (v *StaticCodeVerifier) VerifyCredential(_ context.Context, credential string) error {
	candidate := []byte(strings.TrimSpace(credential))
	if subtle.ConstantTimeCompare(candidate, v.code) != 1 {
		return ErrInvalidCredential
	}
	return nil
}
