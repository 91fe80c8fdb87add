package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/funnel-mesh/funnel/internal/constants"
)

// Loader handles loading configuration and the persisted agent identity.
type Loader struct {
	homeDir string
}

// NewLoader creates a config loader. The base directory is resolved in
// this order:
//  1. FUNNEL_CONFIG environment variable.
//  2. User home directory.
//  3. /tmp/funnel-fallback (containerized environments without a home dir).
//
// The loader never fails construction; in minimal containers the
// fallback ensures Load still returns defaults with env overrides.
func NewLoader() *Loader {
	if baseDir := os.Getenv("FUNNEL_CONFIG"); baseDir != "" {
		return &Loader{homeDir: baseDir}
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		return &Loader{homeDir: homeDir}
	}

	return &Loader{homeDir: "/tmp/funnel-fallback"}
}

// Dir returns the funnel configuration directory.
func (l *Loader) Dir() string {
	return filepath.Join(l.homeDir, constants.DefaultDir)
}

// ConfigPath returns the path to the config file.
func (l *Loader) ConfigPath() string {
	return filepath.Join(l.Dir(), constants.ConfigFile)
}

// Load reads the config file (when present), applies defaults, then
// applies environment overrides on top.
func (l *Loader) Load() (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(l.ConfigPath())
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", l.ConfigPath(), err)
		}
	case os.IsNotExist(err):
		// No file: defaults + env only.
	default:
		return nil, fmt.Errorf("failed to read %s: %w", l.ConfigPath(), err)
	}

	cfg.applyDefaults()

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveAgentID returns the effective agent identity: the configured
// override when set, otherwise a persisted id from the config dir,
// minted on first use so identity survives restarts.
func (l *Loader) ResolveAgentID(cfg *Config) (string, error) {
	if cfg.AgentID != "" {
		return cfg.AgentID, nil
	}

	idPath := filepath.Join(l.Dir(), constants.AgentIDFile)
	if data, err := os.ReadFile(idPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "agent"
	}
	id := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	if err := os.MkdirAll(l.Dir(), 0o700); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist agent id: %w", err)
	}
	return id, nil
}
