package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/services/status"
)

func newAPIHandler() *APIHandler {
	statusService := status.NewService(staticCounts{total: 2, running: 1}, nil, nil)
	return NewAPIHandler(statusService, common.GetLogger())
}

func TestHealthEndpoint(t *testing.T) {
	handler := newAPIHandler()

	rec := doRequest(t, handler.HealthHandler, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeEnvelope(t, rec)

	// The probe payload is a fixed shape, not a success envelope.
	if _, ok := body["success"]; ok {
		t.Fatal("health payload must not carry the success envelope")
	}
	if body["status"] != "healthy" {
		t.Fatalf("status = %v", body["status"])
	}
	if version, ok := body["version"].(string); !ok || version == "" {
		t.Fatalf("version = %v", body["version"])
	}
	if timestamp, ok := body["timestamp"].(string); !ok || timestamp == "" {
		t.Fatalf("timestamp = %v", body["timestamp"])
	}
	engine, ok := body["engine"].(map[string]interface{})
	if !ok {
		t.Fatalf("engine = %v", body["engine"])
	}
	if engine["instanceCount"] != 2.0 || engine["runningInstances"] != 1.0 {
		t.Fatalf("engine counts = %v", engine)
	}

	rec = doRequest(t, handler.HealthHandler, http.MethodPost, "/health", nil)
	wantEnvelopeError(t, rec, http.StatusMethodNotAllowed)
}

func TestVersionEndpoint(t *testing.T) {
	handler := newAPIHandler()

	rec := doRequest(t, handler.VersionHandler, http.MethodGet, "/version", nil)
	body := wantEnvelopeSuccess(t, rec, http.StatusOK)
	if version, ok := body["version"].(string); !ok || version == "" {
		t.Fatalf("version = %v", body["version"])
	}
	if _, ok := body["build"]; !ok {
		t.Fatal("build missing from version payload")
	}

	rec = doRequest(t, handler.VersionHandler, http.MethodDelete, "/version", nil)
	wantEnvelopeError(t, rec, http.StatusMethodNotAllowed)
}

func TestNotFoundHandler(t *testing.T) {
	handler := newAPIHandler()

	rec := doRequest(t, handler.NotFoundHandler, http.MethodGet, "/nope/nothing", nil)
	body := wantEnvelopeError(t, rec, http.StatusNotFound)
	if msg, _ := body["error"].(string); !strings.Contains(msg, "/nope/nothing") {
		t.Fatalf("error = %v, want path echoed", body["error"])
	}
}
