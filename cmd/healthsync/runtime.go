package main

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/healthsync/internal/auth"
	"github.com/MarcoPoloResearchLab/healthsync/internal/config"
	"github.com/MarcoPoloResearchLab/healthsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/healthsync/internal/database"
	"github.com/MarcoPoloResearchLab/healthsync/internal/logging"
	"github.com/MarcoPoloResearchLab/healthsync/internal/records"
	"github.com/MarcoPoloResearchLab/healthsync/internal/syncer"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// appRuntime wires the record store, gate, probe and engine from configuration.
type appRuntime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
	store  *records.Store
	gate   *auth.Gate
	probe  *connectivity.Probe
	engine *syncer.Engine
}

func openRuntime(console bool) (*appRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	var logger *zap.Logger
	if console {
		logger, err = logging.NewConsoleLogger(appConfig.LogLevel)
	} else {
		logger, err = logging.NewLogger(appConfig.LogLevel)
	}
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	runtime := &appRuntime{config: appConfig, logger: logger, db: db}

	idProvider := records.NewUUIDProvider()
	runtime.store, err = records.NewStore(records.StoreConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger.Named("records"),
	})
	if err != nil {
		runtime.Close()
		return nil, err
	}

	verifier, err := newCredentialVerifier(appConfig)
	if err != nil {
		runtime.Close()
		return nil, err
	}
	runtime.gate = auth.NewGate(auth.GateConfig{Verifier: verifier, Logger: logger.Named("auth")})

	runtime.probe, err = connectivity.NewProbe(connectivity.ProbeConfig{
		URL:     appConfig.ProbeURL,
		Timeout: appConfig.ProbeTimeout,
		Logger:  logger.Named("connectivity"),
	})
	if err != nil {
		runtime.Close()
		return nil, err
	}

	uploaderConfig := syncer.HTTPUploaderConfig{
		URL:        appConfig.UploadURL,
		HTTPClient: &http.Client{},
		Logger:     logger.Named("uploader"),
	}
	if strings.TrimSpace(appConfig.UploadSigningSecret) != "" {
		issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.UploadSigningSecret),
			DeviceID:      appConfig.DeviceID,
		})
		if err != nil {
			runtime.Close()
			return nil, err
		}
		uploaderConfig.TokenSource = issuer
	}
	uploader, err := syncer.NewHTTPUploader(uploaderConfig)
	if err != nil {
		runtime.Close()
		return nil, err
	}

	runtime.engine, err = syncer.NewEngine(syncer.EngineConfig{
		Gate:          runtime.gate,
		Checker:       runtime.probe,
		Store:         runtime.store,
		Uploader:      uploader,
		IDProvider:    idProvider,
		UploadTimeout: appConfig.UploadTimeout,
		Logger:        logger.Named("syncer"),
	})
	if err != nil {
		runtime.Close()
		return nil, err
	}
	return runtime, nil
}

func newCredentialVerifier(appConfig config.AppConfig) (auth.CredentialVerifier, error) {
	if appConfig.AuthMode == config.AuthModeSession {
		return auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.SessionSigningSecret),
			Issuer:        appConfig.SessionIssuer,
		})
	}
	return auth.NewStaticCodeVerifier(appConfig.StaticCode)
}

func (r *appRuntime) Close() {
	if r.db != nil {
		if sqlDB, err := r.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = r.logger.Sync()
}
