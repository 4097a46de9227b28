// Package config provides configuration loading and structs for the tsuuchi server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Broker     BrokerConfig     `yaml:"broker"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Vector     VectorConfig     `yaml:"vector"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Match      MatchConfig      `yaml:"match"`
	Watch      WatchConfig      `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and indices.
type StorageConfig struct {
	DatabasePath     string `yaml:"database_path"`
	VectorIndexPath  string `yaml:"vector_index_path"`
	KeywordIndexPath string `yaml:"keyword_index_path"`
}

// BrokerConfig holds request broker settings.
type BrokerConfig struct {
	Concurrency          int           `yaml:"concurrency"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	DocumentEmbedTimeout time.Duration `yaml:"document_embed_timeout"`
	QueryEmbedTimeout    time.Duration `yaml:"query_embed_timeout"`
	// RequestsPerSecond limits dispatches to the external services; 0 disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// EmbeddingConfig holds embedding endpoint settings.
type EmbeddingConfig struct {
	Endpoint         string `yaml:"endpoint"`
	Dimensions       int    `yaml:"dimensions"`
	CacheSize        int    `yaml:"cache_size"`
	BatchSize        int    `yaml:"batch_size"`
	DocumentPriority int    `yaml:"document_priority"`
	QueryPriority    int    `yaml:"query_priority"`
}

// Extraction providers.
const (
	ProviderNone  = "none"
	ProviderHTTP  = "http"
	ProviderGenAI = "genai"
)

// ExtractionConfig holds structured extraction (language model) settings.
type ExtractionConfig struct {
	// Provider is one of "none", "http", "genai".
	Provider string        `yaml:"provider"`
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	Priority int           `yaml:"priority"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Enabled reports whether an extraction provider is configured.
func (e *ExtractionConfig) Enabled() bool {
	return e.Provider != "" && e.Provider != ProviderNone
}

// VectorConfig holds vector index settings.
type VectorConfig struct {
	// IndexType is "hnsw" (approximate, default) or "exact".
	IndexType    string `yaml:"index_type"`
	MinGraphSize int    `yaml:"min_graph_size"`
	M            int    `yaml:"m"`
	EfSearch     int    `yaml:"ef_search"`
}

// MaxSandboxTimeout is the longest rule deadline accepted. It matches sandbox.MaxTimeout.
const MaxSandboxTimeout = time.Second

// SandboxConfig holds rule sandbox settings.
type SandboxConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	AllowedPackages []string      `yaml:"allowed_packages"`
	// MemoryLimitMB is the heap growth allowed while rules run.
	MemoryLimitMB int `yaml:"memory_limit_mb"`
}

// MatchConfig holds match coordinator and related-entry settings.
type MatchConfig struct {
	Fanout           int           `yaml:"fanout"`
	RelatedEnabled   *bool         `yaml:"related_enabled"`
	RelatedLimit     int           `yaml:"related_limit"`
	RelatedThreshold float64       `yaml:"related_threshold"`
	RelatedTimeout   time.Duration `yaml:"related_timeout"`
	KeywordWeight    float64       `yaml:"keyword_weight"`
	SemanticWeight   float64       `yaml:"semantic_weight"`
}

// RelatedEnabledOrDefault returns whether related lookup is on; defaults to true when unset.
func (m *MatchConfig) RelatedEnabledOrDefault() bool {
	if m.RelatedEnabled != nil {
		return *m.RelatedEnabled
	}
	return true
}

// WatchConfig holds inbox watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Storage.KeywordIndexPath = expandPath(cfg.Storage.KeywordIndexPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings that have no sensible interpretation.
func Validate(cfg *Config) error {
	switch cfg.Extraction.Provider {
	case "", ProviderNone, ProviderHTTP, ProviderGenAI:
	default:
		return fmt.Errorf("unknown extraction provider: %s (supported: none, http, genai)", cfg.Extraction.Provider)
	}
	switch cfg.Vector.IndexType {
	case "", "hnsw", "exact":
	default:
		return fmt.Errorf("unknown vector index type: %s (supported: hnsw, exact)", cfg.Vector.IndexType)
	}
	if cfg.Sandbox.Timeout < 0 || cfg.Sandbox.Timeout > MaxSandboxTimeout {
		return fmt.Errorf("sandbox.timeout must be between 0 and %s, got %s", MaxSandboxTimeout, cfg.Sandbox.Timeout)
	}
	if cfg.Sandbox.MemoryLimitMB < 0 {
		return fmt.Errorf("sandbox.memory_limit_mb must not be negative, got %d", cfg.Sandbox.MemoryLimitMB)
	}
	if cfg.Match.RelatedThreshold < -1 || cfg.Match.RelatedThreshold > 1 {
		return fmt.Errorf("related_threshold must be within [-1, 1], got %v", cfg.Match.RelatedThreshold)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
