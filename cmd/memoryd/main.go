// Command memoryd is the main entry point for the memory store server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmemory/memoryd/internal/chunker"
	"github.com/agentmemory/memoryd/internal/config"
	"github.com/agentmemory/memoryd/internal/extraction"
	"github.com/agentmemory/memoryd/internal/graph"
	"github.com/agentmemory/memoryd/internal/mcp"
	"github.com/agentmemory/memoryd/internal/observe"
	"github.com/agentmemory/memoryd/internal/queue"
	"github.com/agentmemory/memoryd/internal/resilience"
	"github.com/agentmemory/memoryd/internal/resolver"
	"github.com/agentmemory/memoryd/internal/retrieval"
	"github.com/agentmemory/memoryd/internal/tool"
	"github.com/agentmemory/memoryd/pkg/memory"
	"github.com/agentmemory/memoryd/pkg/memory/postgres"
	"github.com/agentmemory/memoryd/pkg/provider/embeddings"
	embopenai "github.com/agentmemory/memoryd/pkg/provider/embeddings/openai"
	embollama "github.com/agentmemory/memoryd/pkg/provider/embeddings/ollama"
	"github.com/agentmemory/memoryd/pkg/provider/llm"
	"github.com/agentmemory/memoryd/pkg/provider/llm/anyllm"
	llmopenai "github.com/agentmemory/memoryd/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "memoryd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "memoryd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("memoryd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"mcp_transport", cfg.MCPServer.Transport,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "memoryd",
		ServiceVersion: "0.1.0",
	})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer shutdownTelemetry(context.Background())

	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, embProvider, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	store, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN, cfg.Memory.EmbeddingDimensions)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}
	defer store.Close()

	// ── Pipeline wiring ───────────────────────────────────────────────────────
	res := resolver.New(store.Relational(), embProvider, llmProvider, metrics, resolver.Config{
		CandidateTopK: cfg.Memory.EntityMaxCandidates,
	})

	extractor := extraction.New(llmProvider, res, store.Relational(), store.Queue(), metrics, extraction.Config{
		Retry: resilience.RetryConfig{
			Name:        "extraction-llm",
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
	})

	materializer := graph.New(store.Relational(), store.Graph(), metrics)
	expander := graph.NewExpander(store.Relational(), store.Graph(), metrics)

	retrievalSvc := retrieval.New(store.VectorStore(), store.Relational(), embProvider, expander, metrics, retrieval.Config{
		DistanceCutoff: cfg.Memory.VectorDistanceCutoff,
	})

	chunk := chunker.New(chunker.Config{
		SinglePieceMaxTokens: cfg.Memory.SinglePieceMaxTokens,
		TargetTokens:         cfg.Memory.ChunkTargetTokens,
		OverlapTokens:        cfg.Memory.ChunkOverlapTokens,
	})

	toolSvc := tool.New(store.VectorStore(), store.Relational(), store.Queue(), embProvider, retrievalSvc, chunk, metrics)

	// ── Background workers ────────────────────────────────────────────────────
	backoff := queue.BackoffConfig{
		MaxAttempts: cfg.Memory.JobMaxAttempts,
		BaseSeconds: cfg.Memory.JobBackoffBaseSeconds,
		CapSeconds:  cfg.Memory.JobBackoffCapSeconds,
	}
	leaseTime := time.Duration(cfg.Memory.JobLeaseSeconds) * time.Second

	workers := []*queue.Worker{
		{
			Queue:       store.Queue(),
			Stage:       memory.StageExtractEvents,
			WorkerID:    "extract-events-1",
			Concurrency: max(cfg.Server.WorkerConcurrency, 1),
			LeaseTime:   leaseTime,
			Backoff:     backoff,
			Handle:      extractor.Handler(),
			Metrics:     metrics,
		},
		{
			Queue:       store.Queue(),
			Stage:       memory.StageGraphUpsert,
			WorkerID:    "graph-upsert-1",
			Concurrency: max(cfg.Server.WorkerConcurrency, 1),
			LeaseTime:   leaseTime,
			Backoff:     backoff,
			Handle:      materializer.Handler(),
			Metrics:     metrics,
		},
	}
	for _, w := range workers {
		go w.Run(ctx)
	}

	reaper := &queue.Reaper{Queue: store.Queue(), Interval: 30 * time.Second}
	go reaper.Run(ctx)

	// ── Observability HTTP endpoints ──────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		httpServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
		go func() {
			slog.Info("observability endpoints listening", "addr", cfg.Server.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("observability http server error", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	// ── MCP server ────────────────────────────────────────────────────────────
	server := mcp.NewServer(toolSvc, metrics)

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := mcp.Run(ctx, server, cfg.MCPServer); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("mcp server error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

var builtinProviders = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"embeddings": {"openai", "ollama"},
}

// registerBuiltinProviders prints the registered names at startup and
// registers each factory under its provider name.
func registerBuiltinProviders(reg *config.Registry) {
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	for _, name := range []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"} {
		name := name
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(e.BaseURL))
		}
		return embopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return embollama.New(e.BaseURL, e.Model)
	})
}

// buildProviders instantiates the configured LLM (with fallbacks) and
// embeddings providers.
func buildProviders(cfg *config.Config, reg *config.Registry) (llm.Provider, embeddings.Provider, error) {
	primaryEntry := cfg.Providers.LLM
	if primaryEntry.Name == "" {
		return nil, nil, fmt.Errorf("providers.llm.name must be set")
	}
	primary, err := reg.CreateLLM(primaryEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create llm provider %q: %w", primaryEntry.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", primaryEntry.Name)

	llmProvider := llm.Provider(primary)
	if len(cfg.Providers.LLMFallback) > 0 {
		fb := resilience.NewLLMFallback(primary, primaryEntry.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.LLMFallback {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, nil, fmt.Errorf("create llm fallback provider %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
			slog.Info("provider created", "kind", "llm_fallback", "name", entry.Name)
		}
		llmProvider = fb
	}

	embEntry := cfg.Providers.Embeddings
	if embEntry.Name == "" {
		return nil, nil, fmt.Errorf("providers.embeddings.name must be set")
	}
	embProvider, err := reg.CreateEmbeddings(embEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create embeddings provider %q: %w", embEntry.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", embEntry.Name)

	return llmProvider, embProvider, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           memoryd — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	fmt.Printf("║  LLM fallbacks   : %-19d ║\n", len(cfg.Providers.LLMFallback))
	fmt.Printf("║  MCP transport   : %-19s ║\n", cfg.MCPServer.Transport)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
