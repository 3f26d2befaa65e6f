package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "HEALTHSYNC"
	defaultHTTPAddress   = "127.0.0.1:8090"
	defaultAllowedOrigin = "http://localhost:5173"
	defaultDatabasePath  = "healthsync.db"
	defaultLogLevel      = "info"
	defaultUploadURL     = "http://127.0.0.1:8000/upload"
	defaultUploadTimeout = 5 * time.Second
	defaultProbeURL      = "https://jsonplaceholder.typicode.com/posts/1"
	defaultProbeTimeout  = 3 * time.Second
	defaultPollInterval  = 3 * time.Second
	defaultStaticCode    = "123456"
	defaultSessionIssuer = "healthsync-auth"
	defaultDeviceID      = "healthsync-device"
)

const (
	// AuthModeCode accepts a fixed one-time code.
	AuthModeCode = "code"
	// AuthModeSession accepts HS256 operator session tokens.
	AuthModeSession = "session"
)

// AppConfig captures runtime configuration for the record queue and its local API.
type AppConfig struct {
	HTTPAddress          string
	AllowedOrigins       []string
	DatabasePath         string
	LogLevel             string
	UploadURL            string
	UploadTimeout        time.Duration
	UploadSigningSecret  string
	DeviceID             string
	ProbeURL             string
	ProbeTimeout         time.Duration
	PollInterval         time.Duration
	AuthMode             string
	StaticCode           string
	SessionSigningSecret string
	SessionIssuer        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.upload_url", defaultUploadURL)
	configViper.SetDefault("remote.upload_timeout", defaultUploadTimeout)
	configViper.SetDefault("remote.signing_secret", "")
	configViper.SetDefault("device.id", hostnameOrDefault())
	configViper.SetDefault("connectivity.probe_url", defaultProbeURL)
	configViper.SetDefault("connectivity.probe_timeout", defaultProbeTimeout)
	configViper.SetDefault("connectivity.poll_interval", defaultPollInterval)
	configViper.SetDefault("auth.mode", AuthModeCode)
	configViper.SetDefault("auth.static_code", defaultStaticCode)
	configViper.SetDefault("auth.session_signing_secret", "")
	configViper.SetDefault("auth.session_issuer", defaultSessionIssuer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		UploadURL:            configViper.GetString("remote.upload_url"),
		UploadTimeout:        configViper.GetDuration("remote.upload_timeout"),
		UploadSigningSecret:  configViper.GetString("remote.signing_secret"),
		DeviceID:             strings.TrimSpace(configViper.GetString("device.id")),
		ProbeURL:             configViper.GetString("connectivity.probe_url"),
		ProbeTimeout:         configViper.GetDuration("connectivity.probe_timeout"),
		PollInterval:         configViper.GetDuration("connectivity.poll_interval"),
		AuthMode:             strings.ToLower(strings.TrimSpace(configViper.GetString("auth.mode"))),
		StaticCode:           configViper.GetString("auth.static_code"),
		SessionSigningSecret: configViper.GetString("auth.session_signing_secret"),
		SessionIssuer:        configViper.GetString("auth.session_issuer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.UploadURL) == "" {
		return fmt.Errorf("remote.upload_url is required")
	}
	if strings.TrimSpace(c.ProbeURL) == "" {
		return fmt.Errorf("connectivity.probe_url is required")
	}
	if c.UploadTimeout <= 0 {
		return fmt.Errorf("remote.upload_timeout must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("connectivity.probe_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("connectivity.poll_interval must be positive")
	}
	if strings.TrimSpace(c.UploadSigningSecret) != "" && c.DeviceID == "" {
		return fmt.Errorf("device.id is required when remote.signing_secret is set")
	}
	switch c.AuthMode {
	case AuthModeCode:
		if strings.TrimSpace(c.StaticCode) == "" {
			return fmt.Errorf("auth.static_code is required in %s mode", AuthModeCode)
		}
	case AuthModeSession:
		if strings.TrimSpace(c.SessionSigningSecret) == "" {
			return fmt.Errorf("auth.session_signing_secret is required in %s mode", AuthModeSession)
		}
	default:
		return fmt.Errorf("auth.mode must be %q or %q, got %q", AuthModeCode, AuthModeSession, c.AuthMode)
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func hostnameOrDefault() string {
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		return defaultDeviceID
	}
	return hostname
}
