// Package health serves the two HTTP endpoints spec §6.1 names for process
// introspection:
//
//   - /api/health — liveness probe; 200 OK whenever the process can serve
//     HTTP at all.
//   - /api/status — JSON status: uptime, build info, per-module slot
//     occupancy, and which auth methods are enabled.
package health

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"
)

// ModuleStatus is one entry in /api/status's modules array.
type ModuleStatus struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	SlotsTotal int    `json:"slots_total"`
	SlotsUsed  int    `json:"slots_used"`
}

// statusResponse is the JSON body /api/status serves.
type statusResponse struct {
	Uptime    float64        `json:"uptime"`
	BuildInfo string         `json:"build_info"`
	Modules   []ModuleStatus `json:"modules"`
	Auth      authStatus     `json:"auth"`
}

type authStatus struct {
	JWTEnabled    bool `json:"jwt_enabled"`
	APIKeyEnabled bool `json:"api_key_enabled"`
}

// Handler serves /api/health and /api/status. It is safe for concurrent use.
type Handler struct {
	start         time.Time
	buildInfo     string
	modules       func() []ModuleStatus
	jwtEnabled    bool
	apiKeyEnabled bool
}

// New creates a Handler. modules is called fresh on every /api/status
// request so slot occupancy reflects live state; jwtEnabled/apiKeyEnabled
// report which of §6.3's auth methods the loaded config actually enables.
func New(modules func() []ModuleStatus, jwtEnabled, apiKeyEnabled bool) *Handler {
	return &Handler{
		start:         time.Now(),
		buildInfo:     readBuildInfo(),
		modules:       modules,
		jwtEnabled:    jwtEnabled,
		apiKeyEnabled: apiKeyEnabled,
	}
}

// Health is a liveness probe that always returns 200 OK.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Status reports uptime, build info, per-module slot occupancy, and enabled
// auth methods.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	var modules []ModuleStatus
	if h.modules != nil {
		modules = h.modules()
	}
	resp := statusResponse{
		Uptime:    time.Since(h.start).Seconds(),
		BuildInfo: h.buildInfo,
		Modules:   modules,
		Auth: authStatus{
			JWTEnabled:    h.jwtEnabled,
			APIKeyEnabled: h.apiKeyEnabled,
		},
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// Register adds the /api/health and /api/status routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/status", h.Status)
}

// readBuildInfo summarizes runtime/debug.ReadBuildInfo into a single string
// (main module path@version, Go version) for /api/status.
func readBuildInfo() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	version := bi.Main.Version
	if version == "" {
		version = "(devel)"
	}
	return bi.Main.Path + "@" + version + " " + bi.GoVersion
}
