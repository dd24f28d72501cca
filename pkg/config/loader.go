package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Initialize loads, validates, and returns ready-to-use butler configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load .env (if present) so ExpandEnv sees operator-supplied secrets
//  2. Read butler.toml from configDir
//  3. Expand environment variables
//  4. Parse TOML into ButlerConfig
//  5. Apply default values
//  6. Validate the [butler] block (per-module schema validation happens in
//     pkg/modlife, once each module's schema is known)
//  7. Return ButlerConfig ready for use
func Initialize(ctx context.Context, configDir string) (*ButlerConfig, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	if err := loadDotEnv(configDir); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyDefaults(cfg)

	if err := validateButlerBlock(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized",
		"butler", cfg.Butler.Name,
		"modules", len(cfg.Modules),
		"schedules", len(cfg.Butler.Schedule))

	return cfg, nil
}

// loadDotEnv loads a .env file from configDir if one exists. Missing is not
// an error: operators may supply all secrets via the real environment.
func loadDotEnv(configDir string) error {
	path := filepath.Join(configDir, ".env")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// load reads and parses butler.toml (not exported, no defaulting/validation).
func load(_ context.Context, configDir string) (*ButlerConfig, error) {
	path := filepath.Join(configDir, "butler.toml")

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	expanded := ExpandEnv(raw)

	var cfg ButlerConfig
	if err := toml.Unmarshal(expanded, &cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidTOML, err))
	}

	if cfg.Modules == nil {
		cfg.Modules = make(map[string]ModuleConfig)
	}

	return &cfg, nil
}

// applyDefaults fills in fields a minimal butler.toml may omit. mergo merges
// a defaults struct into cfg.Butler without overwriting fields the operator
// already set.
func applyDefaults(cfg *ButlerConfig) {
	defaults := ButlerBlock{
		Shutdown: ShutdownBlock{TimeoutS: DefaultShutdownTimeoutS},
	}
	if err := mergo.Merge(&cfg.Butler, defaults); err != nil {
		// mergo only fails on type mismatches between identically-shaped
		// structs, which cannot happen here; degrade to the zero-value
		// default rather than aborting startup over it.
		slog.Warn("default merge failed, using explicit fallback", "error", err)
		if cfg.Butler.Shutdown.TimeoutS == 0 {
			cfg.Butler.Shutdown.TimeoutS = DefaultShutdownTimeoutS
		}
	}
}

// validateButlerBlock checks the [butler] table itself. Per-module
// [modules.<name>] validation against each module's declared schema happens
// later in pkg/modlife, once modules are registered.
func validateButlerBlock(cfg *ButlerConfig) error {
	if cfg.Butler.Name == "" {
		return NewValidationError("butler", "<root>", "name", ErrMissingRequiredField)
	}
	if cfg.Butler.Port <= 0 || cfg.Butler.Port > 65535 {
		return NewValidationError("butler", cfg.Butler.Name, "port", ErrInvalidValue)
	}
	if cfg.Butler.Shutdown.TimeoutS < 0 {
		return NewValidationError("butler", cfg.Butler.Name, "shutdown.timeout_s", ErrInvalidValue)
	}

	seen := make(map[string]bool, len(cfg.Butler.Schedule))
	for _, s := range cfg.Butler.Schedule {
		if s.Name == "" {
			return NewValidationError("schedule", "<unnamed>", "name", ErrMissingRequiredField)
		}
		if seen[s.Name] {
			return NewValidationError("schedule", s.Name, "name", ErrInvalidValue)
		}
		seen[s.Name] = true

		if s.Cron == "" {
			return NewValidationError("schedule", s.Name, "cron", ErrMissingRequiredField)
		}
		if s.Prompt == "" && s.JobName == "" {
			return NewValidationError("schedule", s.Name, "prompt", ErrMissingRequiredField)
		}
	}

	return nil
}
