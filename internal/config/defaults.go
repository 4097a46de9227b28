package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/tsuuchi/data/db/tsuuchi.db"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = "/usr/local/var/tsuuchi/data/indices/vectors.idx"
	}
	if cfg.Storage.KeywordIndexPath == "" {
		cfg.Storage.KeywordIndexPath = "/usr/local/var/tsuuchi/data/indices/bleve"
	}
	if cfg.Broker.Concurrency == 0 {
		cfg.Broker.Concurrency = 2
	}
	if cfg.Broker.DefaultTimeout == 0 {
		cfg.Broker.DefaultTimeout = 30 * time.Second
	}
	if cfg.Broker.DocumentEmbedTimeout == 0 {
		cfg.Broker.DocumentEmbedTimeout = 120 * time.Second
	}
	if cfg.Broker.QueryEmbedTimeout == 0 {
		cfg.Broker.QueryEmbedTimeout = 60 * time.Second
	}
	if cfg.Broker.Burst == 0 {
		cfg.Broker.Burst = 1
	}
	if cfg.Embedding.Endpoint == "" {
		cfg.Embedding.Endpoint = "http://localhost:5000"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1024
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}
	if cfg.Embedding.QueryPriority == 0 {
		cfg.Embedding.QueryPriority = 10
	}
	if cfg.Extraction.Provider == "" {
		cfg.Extraction.Provider = ProviderNone
	}
	if cfg.Extraction.Model == "" {
		cfg.Extraction.Model = "gemini-2.0-flash"
	}
	if cfg.Extraction.Priority == 0 {
		cfg.Extraction.Priority = 5
	}
	if cfg.Extraction.Timeout == 0 {
		cfg.Extraction.Timeout = 90 * time.Second
	}
	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = "hnsw"
	}
	if cfg.Vector.MinGraphSize == 0 {
		cfg.Vector.MinGraphSize = 64
	}
	if cfg.Vector.M == 0 {
		cfg.Vector.M = 16
	}
	if cfg.Vector.EfSearch == 0 {
		cfg.Vector.EfSearch = 64
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = time.Second
	}
	if cfg.Sandbox.MemoryLimitMB == 0 {
		cfg.Sandbox.MemoryLimitMB = 256
	}
	if cfg.Sandbox.AllowedPackages == nil {
		cfg.Sandbox.AllowedPackages = []string{"strings", "strconv", "regexp", "math", "unicode"}
	}
	if cfg.Match.Fanout == 0 {
		cfg.Match.Fanout = 4
	}
	if cfg.Match.RelatedLimit == 0 {
		cfg.Match.RelatedLimit = 5
	}
	if cfg.Match.RelatedThreshold == 0 {
		cfg.Match.RelatedThreshold = 0.85
	}
	if cfg.Match.RelatedTimeout == 0 {
		cfg.Match.RelatedTimeout = 10 * time.Second
	}
	if cfg.Match.KeywordWeight == 0 && cfg.Match.SemanticWeight == 0 {
		cfg.Match.KeywordWeight = 0.3
		cfg.Match.SemanticWeight = 0.7
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
