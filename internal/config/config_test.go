package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.UploadTimeout != 5*time.Second || cfg.ProbeTimeout != 3*time.Second || cfg.PollInterval != 3*time.Second {
		testContext.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.AuthMode != AuthModeCode || cfg.StaticCode != "123456" {
		testContext.Fatalf("unexpected auth defaults %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{defaultAllowedOrigin}) {
		testContext.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.DeviceID == "" {
		testContext.Fatalf("expected a device id default")
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("HEALTHSYNC_REMOTE_UPLOAD_URL", "https://records.example.org/upload")
	testContext.Setenv("HEALTHSYNC_REMOTE_UPLOAD_TIMEOUT", "750ms")
	testContext.Setenv("HEALTHSYNC_HTTP_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	testContext.Setenv("HEALTHSYNC_AUTH_MODE", "SESSION")
	testContext.Setenv("HEALTHSYNC_AUTH_SESSION_SIGNING_SECRET", "shh")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.UploadURL != "https://records.example.org/upload" {
		testContext.Fatalf("unexpected upload url %s", cfg.UploadURL)
	}
	if cfg.UploadTimeout != 750*time.Millisecond {
		testContext.Fatalf("unexpected upload timeout %s", cfg.UploadTimeout)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"http://a.test", "http://b.test"}) {
		testContext.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.AuthMode != AuthModeSession || cfg.SessionSigningSecret != "shh" {
		testContext.Fatalf("unexpected auth config %+v", cfg)
	}
}

func TestLoadValidation(testContext *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   any
		message string
	}{
		{name: "empty database", key: "database.path", value: " ", message: "database.path"},
		{name: "empty upload url", key: "remote.upload_url", value: "", message: "remote.upload_url"},
		{name: "zero timeout", key: "remote.upload_timeout", value: "0s", message: "remote.upload_timeout"},
		{name: "negative poll", key: "connectivity.poll_interval", value: "-1s", message: "connectivity.poll_interval"},
		{name: "unknown mode", key: "auth.mode", value: "otp", message: "auth.mode"},
		{name: "session without secret", key: "auth.mode", value: "session", message: "auth.session_signing_secret"},
		{name: "code without code", key: "auth.static_code", value: "", message: "auth.static_code"},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected %q in error, got %v", testCase.message, err)
			}
		})
	}
}
