// Package config provides the TOML configuration schema and loader for the
// moshi-serve inference server.
package config

// Config is the root configuration structure, loaded from a TOML file by
// [Load].
type Config struct {
	Server  ServerConfig   `toml:"server"`
	Modules []ModuleConfig `toml:"modules"`
	Warmup  WarmupConfig   `toml:"warmup"`
	Auth    AuthConfig     `toml:"auth"`
	GPU     GPUConfig      `toml:"gpu"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP/WebSocket server listens on
	// (e.g. ":8080").
	ListenAddr string `toml:"listen_addr"`

	// LogLevel controls slog verbosity. Valid values: "debug", "info",
	// "warn", "error".
	LogLevel string `toml:"log_level"`
}

// ModuleConfig describes one configured Engine: its module kind, the
// WebSocket path it is reachable on, and the model it loads.
type ModuleConfig struct {
	// Name identifies this module in /api/status and metrics labels.
	Name string `toml:"name"`

	// Type selects the module kind. One of "Asr", "BatchedAsr", "Tts".
	Type string `toml:"type"`

	// Path is the WebSocket endpoint path this module is served on (e.g.
	// "/api/asr-streaming").
	Path string `toml:"path"`

	// ModelPath is the on-disk path to the model this module loads.
	ModelPath string `toml:"model_path"`

	// BatchSize is the requested slot count; the GPU Profile (§4.1) clamps
	// it down to what available VRAM supports. Zero means "accept whatever
	// the profile recommends."
	BatchSize int `toml:"batch_size"`

	// DtypeOverride, if non-empty, bypasses GPU-profile dtype detection for
	// this module. One of "bf16", "f16", "f32".
	DtypeOverride string `toml:"dtype_override"`
}

// WarmupConfig controls the one-shot eager warmup pass (spec §4.5).
type WarmupConfig struct {
	// Enabled defaults to true; set false to skip warmup (the skip is still
	// recorded in metrics).
	Enabled bool `toml:"enabled"`
}

// AuthConfig holds the three-method auth settings of §6.3.
type AuthConfig struct {
	// AuthorizedIDs is the list of static API keys accepted via the
	// kyutai-api-key header or auth_id query parameter.
	AuthorizedIDs []string `toml:"authorized_ids"`

	// JWTSecret is the shared HMAC secret HS256 JWTs are validated against.
	JWTSecret string `toml:"jwt_secret"`
}

// GPUConfig seeds internal/gpuprofile.Config with config-file values, before
// the MOSHI_* environment fallbacks of §6.4 are applied.
type GPUConfig struct {
	ReservedHeadroomMB  int     `toml:"reserved_headroom_mb"`
	ModelParamsBillions float64 `toml:"model_params_billions"`
	PerBatchItemMB      int     `toml:"per_batch_item_mb"`
}
