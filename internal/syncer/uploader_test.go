package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/healthsync/internal/records"
)

type staticTokenSource struct {
	token string
	err   error
}

func (s staticTokenSource) IssueDeviceToken(context.Context) (string, error) {
	return s.token, s.err
}

func sampleRecord() records.Record {
	return records.Record{
		LocalID:      3,
		HealthID:     "HID-1700000000000",
		Payload:      records.Payload{"name": "Asha", "age": "6", "illness": "none"},
		ConsentGiven: true,
	}
}

func TestHTTPUploaderSendsFlatBodyAndHeaders(t *testing.T) {
	var (
		gotBody   map[string]any
		gotHeader http.Header
		gotMethod string
	)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer remote.Close()

	uploader, err := NewHTTPUploader(HTTPUploaderConfig{
		URL:         remote.URL,
		HTTPClient:  remote.Client(),
		TokenSource: staticTokenSource{token: "device-token"},
	})
	if err != nil {
		t.Fatalf("failed to build uploader: %v", err)
	}

	if err := uploader.Upload(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("unexpected method %s", gotMethod)
	}
	if gotHeader.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", gotHeader.Get("Content-Type"))
	}
	if gotHeader.Get("Idempotency-Key") != "HID-1700000000000" {
		t.Fatalf("unexpected idempotency key %q", gotHeader.Get("Idempotency-Key"))
	}
	if gotHeader.Get("Authorization") != "Bearer device-token" {
		t.Fatalf("unexpected authorization %q", gotHeader.Get("Authorization"))
	}
	if gotBody["healthId"] != "HID-1700000000000" || gotBody["name"] != "Asha" || gotBody["consent"] != true {
		t.Fatalf("unexpected body %v", gotBody)
	}
	if _, ok := gotBody["localId"]; ok {
		t.Fatalf("local id must not be sent")
	}
	if _, ok := gotBody["uploaded"]; ok {
		t.Fatalf("uploaded flag must not be sent")
	}
}

func TestHTTPUploaderDropsReservedPayloadKeys(t *testing.T) {
	var gotBody map[string]any
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer remote.Close()

	uploader, err := NewHTTPUploader(HTTPUploaderConfig{URL: remote.URL, HTTPClient: remote.Client()})
	if err != nil {
		t.Fatalf("failed to build uploader: %v", err)
	}
	record := sampleRecord()
	record.Payload = records.Payload{
		"name":     "x",
		"uploaded": "true",
		"localId":  "3",
		"healthId": "HID-spoofed",
		"consent":  "no",
	}
	if err := uploader.Upload(context.Background(), record); err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}

	want := map[string]any{"name": "x", "healthId": "HID-1700000000000", "consent": true}
	if !reflect.DeepEqual(gotBody, want) {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestHTTPUploaderClassifiesFailures(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, permanent: true},
		{name: "request timeout", status: http.StatusRequestTimeout, permanent: false},
		{name: "rate limited", status: http.StatusTooManyRequests, permanent: false},
		{name: "server error", status: http.StatusBadGateway, permanent: false},
		{name: "redirect", status: http.StatusNotModified, permanent: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
			}))
			defer remote.Close()

			uploader, err := NewHTTPUploader(HTTPUploaderConfig{URL: remote.URL, HTTPClient: remote.Client()})
			if err != nil {
				t.Fatalf("failed to build uploader: %v", err)
			}
			err = uploader.Upload(context.Background(), sampleRecord())
			var uploadErr *UploadError
			if !errors.As(err, &uploadErr) {
				t.Fatalf("expected upload error, got %v", err)
			}
			if uploadErr.StatusCode != testCase.status {
				t.Fatalf("unexpected status %d", uploadErr.StatusCode)
			}
			if uploadErr.Permanent != testCase.permanent {
				t.Fatalf("expected permanent=%v", testCase.permanent)
			}
			if !errors.Is(err, ErrUploadFailed) {
				t.Fatalf("expected ErrUploadFailed in chain")
			}
		})
	}
}

func TestHTTPUploaderTransportFailure(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := remote.URL
	remote.Close()

	uploader, err := NewHTTPUploader(HTTPUploaderConfig{URL: target})
	if err != nil {
		t.Fatalf("failed to build uploader: %v", err)
	}
	err = uploader.Upload(context.Background(), sampleRecord())
	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) || uploadErr.StatusCode != 0 || uploadErr.Permanent {
		t.Fatalf("expected transient transport failure, got %#v", err)
	}
}

func TestHTTPUploaderTokenFailure(t *testing.T) {
	tokenErr := errors.New("no secret")
	uploader, err := NewHTTPUploader(HTTPUploaderConfig{
		URL:         "http://127.0.0.1:1/upload",
		TokenSource: staticTokenSource{err: tokenErr},
	})
	if err != nil {
		t.Fatalf("failed to build uploader: %v", err)
	}
	if err := uploader.Upload(context.Background(), sampleRecord()); !errors.Is(err, tokenErr) {
		t.Fatalf("expected token error in chain, got %v", err)
	}
}

func TestNewHTTPUploaderRequiresURL(t *testing.T) {
	if _, err := NewHTTPUploader(HTTPUploaderConfig{URL: " "}); !errors.Is(err, errMissingUploadURL) {
		t.Fatalf("expected missing url error, got %v", err)
	}
}
