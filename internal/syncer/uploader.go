package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/healthsync/internal/records"
	"go.uber.org/zap"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	bodyFieldHealthID    = "healthId"
	bodyFieldConsent     = "consent"
	bodyFieldLocalID     = "localId"
	bodyFieldUploaded    = "uploaded"
	errorBodyLimit       = 512
)

// TokenSource issues bearer tokens identifying this device to the remote.
type TokenSource interface {
	IssueDeviceToken(ctx context.Context) (string, error)
}

// HTTPUploaderConfig configures the remote "accept one record" client.
type HTTPUploaderConfig struct {
	URL         string
	HTTPClient  *http.Client
	TokenSource TokenSource
	Logger      *zap.Logger
}

// HTTPUploader posts records as flat JSON objects keyed by health id.
type HTTPUploader struct {
	url         string
	client      *http.Client
	tokenSource TokenSource
	logger      *zap.Logger
}

// NewHTTPUploader validates configuration and returns an uploader.
func NewHTTPUploader(cfg HTTPUploaderConfig) (*HTTPUploader, error) {
	target := strings.TrimSpace(cfg.URL)
	if target == "" {
		return nil, errMissingUploadURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPUploader{
		url:         target,
		client:      client,
		tokenSource: cfg.TokenSource,
		logger:      logger,
	}, nil
}

// Upload sends one record. Any non-2xx response is an *UploadError.
func (u *HTTPUploader) Upload(ctx context.Context, record records.Record) error {
	healthID := record.HealthID.String()
	body, err := json.Marshal(uploadBody(record))
	if err != nil {
		return &UploadError{HealthID: healthID, Permanent: true, Err: err}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return &UploadError{HealthID: healthID, Permanent: true, Err: err}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(headerIdempotencyKey, healthID)
	if u.tokenSource != nil {
		token, tokenErr := u.tokenSource.IssueDeviceToken(ctx)
		if tokenErr != nil {
			return &UploadError{HealthID: healthID, Err: fmt.Errorf("issue device token: %w", tokenErr)}
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := u.client.Do(request)
	if err != nil {
		return &UploadError{HealthID: healthID, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, response.Body)
		u.logger.Debug("record accepted",
			zap.String("health_id", healthID),
			zap.Int("status_code", response.StatusCode))
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(response.Body, errorBodyLimit))
	detail := strings.TrimSpace(string(snippet))
	if detail == "" {
		detail = http.StatusText(response.StatusCode)
	}
	return &UploadError{
		HealthID:   healthID,
		StatusCode: response.StatusCode,
		Permanent:  permanentStatus(response.StatusCode),
		Err:        errors.New(detail),
	}
}

// uploadBody flattens the payload next to healthId and consent. Local-only
// fields are never sent.
func uploadBody(record records.Record) map[string]any {
	body := make(map[string]any, len(record.Payload)+2)
	for key, value := range record.Payload {
		body[key] = value
	}
	delete(body, bodyFieldLocalID)
	delete(body, bodyFieldUploaded)
	body[bodyFieldHealthID] = record.HealthID.String()
	body[bodyFieldConsent] = record.ConsentGiven
	return body
}
