package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued memory knobs with the values from
// SPEC_FULL.md §6.4 so a config file only needs to override what it cares about.
func applyDefaults(cfg *Config) {
	m := &cfg.Memory
	setIfZero(&m.SinglePieceMaxTokens, 1200)
	setIfZero(&m.ChunkTargetTokens, 900)
	setIfZero(&m.ChunkOverlapTokens, 100)
	setIfZeroF(&m.EntitySimilarityThreshold, 0.85)
	setIfZero(&m.EntityMaxCandidates, 5)
	setIfZero(&m.GraphQueryTimeoutMS, 500)
	setIfZero(&m.GraphExpansionBudget, 10)
	setIfZero(&m.GraphSeedLimit, 5)
	setIfZero(&m.JobLeaseSeconds, 300)
	setIfZero(&m.JobMaxAttempts, 5)
	setIfZero(&m.JobBackoffBaseSeconds, 60)
	setIfZero(&m.JobBackoffCapSeconds, 3600)
	setIfZero(&m.LLMTimeoutSeconds, 30)
	setIfZero(&m.EmbeddingTimeoutSeconds, 10)
	setIfZeroF(&m.VectorDistanceCutoff, 0.55)
	setIfZero(&m.RRFK, 60)
}

func setIfZero(field *int, def int) {
	if *field == 0 {
		*field = def
	}
}

func setIfZeroF(field *float64, def float64) {
	if *field == 0 {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for _, fb := range cfg.Providers.LLMFallback {
		validateProviderName("llm", fb.Name)
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
		cfg.Memory.EmbeddingDimensions = 1536
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; the memory store cannot persist anything")
	}

	if cfg.Memory.ChunkOverlapTokens >= cfg.Memory.ChunkTargetTokens {
		errs = append(errs, fmt.Errorf("memory.chunk_overlap_tokens (%d) must be smaller than memory.chunk_target_tokens (%d)",
			cfg.Memory.ChunkOverlapTokens, cfg.Memory.ChunkTargetTokens))
	}

	if cfg.Memory.EntitySimilarityThreshold < 0 || cfg.Memory.EntitySimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory.entity_similarity_threshold %.2f is out of range [0, 1]", cfg.Memory.EntitySimilarityThreshold))
	}

	// MCP server binding
	if !cfg.MCPServer.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("mcp_server.transport %q is invalid; valid values: stdio, streamable-http", cfg.MCPServer.Transport))
	}
	if cfg.MCPServer.Transport == TransportStreamableHTTP && cfg.MCPServer.ListenAddr == "" {
		errs = append(errs, errors.New("mcp_server.listen_addr is required when transport is streamable-http"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
