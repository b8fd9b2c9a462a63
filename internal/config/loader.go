package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// ValidModuleTypes lists the module kinds a ModuleConfig.Type may declare
// (spec §6.4).
var ValidModuleTypes = []string{"Asr", "BatchedAsr", "Tts"}

// ValidDtypes lists the dtype_override values a ModuleConfig may declare.
var ValidDtypes = []string{"", "bf16", "f16", "f32"}

// Load reads the TOML configuration file at path, applies environment
// fallbacks, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a TOML config from r, applies the MOSHI_*/
// BETTER_AUTH_SECRET environment fallbacks of spec §6.4, and validates the
// result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{Warmup: WarmupConfig{Enabled: true}}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode toml: %w", err)
	}
	applyEnvFallbacks(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvFallbacks applies the five named environment variables of spec
// §6.4 wherever the corresponding config value was left unset.
func applyEnvFallbacks(cfg *Config) {
	if v := os.Getenv("MOSHI_API_KEY"); v != "" && len(cfg.Auth.AuthorizedIDs) == 0 {
		cfg.Auth.AuthorizedIDs = []string{v}
	}
	if v := os.Getenv("BETTER_AUTH_SECRET"); v != "" && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("MOSHI_VRAM_RESERVED_MB"); v != "" && cfg.GPU.ReservedHeadroomMB == 0 {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GPU.ReservedHeadroomMB = n
		} else {
			slog.Warn("ignoring malformed MOSHI_VRAM_RESERVED_MB", "value", v, "error", err)
		}
	}
	if v := os.Getenv("MOSHI_MODEL_PARAMS_BILLIONS"); v != "" && cfg.GPU.ModelParamsBillions == 0 {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.GPU.ModelParamsBillions = n
		} else {
			slog.Warn("ignoring malformed MOSHI_MODEL_PARAMS_BILLIONS", "value", v, "error", err)
		}
	}
	if v := os.Getenv("MOSHI_PER_BATCH_ITEM_MB"); v != "" && cfg.GPU.PerBatchItemMB == 0 {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GPU.PerBatchItemMB = n
		} else {
			slog.Warn("ignoring malformed MOSHI_PER_BATCH_ITEM_MB", "value", v, "error", err)
		}
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !isValidLogLevel(cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if len(cfg.Modules) == 0 {
		errs = append(errs, errors.New("modules: at least one module must be configured"))
	}

	namesSeen := make(map[string]int, len(cfg.Modules))
	pathsSeen := make(map[string]int, len(cfg.Modules))
	for i, m := range cfg.Modules {
		prefix := fmt.Sprintf("modules[%d]", i)
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := namesSeen[m.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates modules[%d]", prefix, m.Name, prev))
		} else {
			namesSeen[m.Name] = i
		}

		if !containsString(ValidModuleTypes, m.Type) {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: %v", prefix, m.Type, ValidModuleTypes))
		}

		if m.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path is required", prefix))
		} else if prev, ok := pathsSeen[m.Path]; ok {
			errs = append(errs, fmt.Errorf("%s.path %q duplicates modules[%d]", prefix, m.Path, prev))
		} else {
			pathsSeen[m.Path] = i
		}

		if m.ModelPath == "" {
			errs = append(errs, fmt.Errorf("%s.model_path is required", prefix))
		}
		if m.BatchSize < 0 {
			errs = append(errs, fmt.Errorf("%s.batch_size must be >= 0, got %d", prefix, m.BatchSize))
		}
		if !containsString(ValidDtypes, m.DtypeOverride) {
			errs = append(errs, fmt.Errorf("%s.dtype_override %q is invalid; valid values: bf16, f16, f32", prefix, m.DtypeOverride))
		}
	}

	if len(cfg.Auth.AuthorizedIDs) == 0 && cfg.Auth.JWTSecret == "" {
		slog.Warn("no authorized_ids and no jwt_secret configured; every session will fail authentication")
	}

	if cfg.GPU.ModelParamsBillions < 0 {
		errs = append(errs, fmt.Errorf("gpu.model_params_billions must be >= 0, got %v", cfg.GPU.ModelParamsBillions))
	}
	if cfg.GPU.PerBatchItemMB < 0 {
		errs = append(errs, fmt.Errorf("gpu.per_batch_item_mb must be >= 0, got %d", cfg.GPU.PerBatchItemMB))
	}

	return errors.Join(errs...)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
