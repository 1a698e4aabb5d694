package config_test

import (
	"strings"
	"testing"

	"github.com/agentmemory/memoryd/internal/config"
)

func TestValidate_DefaultsAppliedOnEmptyMemorySection(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  embeddings:
    name: openai
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Memory.JobLeaseSeconds != 300 {
		t.Errorf("job_lease_seconds default: got %d, want 300", cfg.Memory.JobLeaseSeconds)
	}
	if cfg.Memory.JobMaxAttempts != 5 {
		t.Errorf("job_max_attempts default: got %d, want 5", cfg.Memory.JobMaxAttempts)
	}
	if cfg.Memory.GraphQueryTimeoutMS != 500 {
		t.Errorf("graph_query_timeout_ms default: got %d, want 500", cfg.Memory.GraphQueryTimeoutMS)
	}
}

func TestValidate_ExplicitKnobsOverrideDefaults(t *testing.T) {
	t.Parallel()
	yaml := `
memory:
  job_lease_seconds: 120
  rrf_k: 30
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Memory.JobLeaseSeconds != 120 {
		t.Errorf("job_lease_seconds: got %d, want 120", cfg.Memory.JobLeaseSeconds)
	}
	if cfg.Memory.RRFK != 30 {
		t.Errorf("rrf_k: got %d, want 30", cfg.Memory.RRFK)
	}
}

func TestValidate_UnknownLLMProviderWarnsNotErrors(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: some-future-provider
`
	// Unknown provider names only warn via slog, they do not fail validation.
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}
