package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthAlwaysReturnsOK(t *testing.T) {
	h := New(nil, false, false)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestStatusReportsModulesAndAuth(t *testing.T) {
	h := New(func() []ModuleStatus {
		return []ModuleStatus{{Name: "asr", Type: "Asr", SlotsTotal: 4, SlotsUsed: 1}}
	}, true, false)

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Modules) != 1 || resp.Modules[0].Name != "asr" || resp.Modules[0].SlotsUsed != 1 {
		t.Errorf("unexpected modules: %+v", resp.Modules)
	}
	if !resp.Auth.JWTEnabled || resp.Auth.APIKeyEnabled {
		t.Errorf("unexpected auth status: %+v", resp.Auth)
	}
	if resp.BuildInfo == "" {
		t.Error("expected non-empty build info")
	}
}

func TestStatusWithNilModulesProvider(t *testing.T) {
	h := New(nil, false, true)
	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Modules != nil {
		t.Errorf("expected nil modules, got %+v", resp.Modules)
	}
}

func TestRegisterWiresBothRoutes(t *testing.T) {
	h := New(nil, false, false)
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/api/health", "/api/status"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}
