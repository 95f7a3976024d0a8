// Command conductor runs the orchestrator service: it loads configuration,
// wires the transport, registry, conversation store, and state machine, and
// serves the HTTP API until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opsmesh/conductor/a2a"
	"github.com/opsmesh/conductor/conversation"
	"github.com/opsmesh/conductor/core"
	"github.com/opsmesh/conductor/llm/openai"
	"github.com/opsmesh/conductor/orchestration"
	"github.com/opsmesh/conductor/registry"
	"github.com/opsmesh/conductor/resilience"
	"github.com/opsmesh/conductor/telemetry"
	"github.com/opsmesh/conductor/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML configuration file")
		listenAddr = flag.String("listen", ":8080", "HTTP listen address")
	)
	flag.Parse()

	var opts []core.Option
	if *configPath != "" {
		opts = append(opts, core.WithConfigFile(*configPath))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return err
	}

	logger := core.NewProductionLogger(cfg.Name)
	logger.SetLevel(cfg.Logging.Level)
	log := logger.WithComponent("conductor/main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	var tel core.Telemetry = &core.NoOpTelemetry{}
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.New(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			SampleRate:  cfg.Telemetry.SampleRate,
			Insecure:    cfg.Telemetry.Insecure,
			Logger:      logger.WithComponent("conductor/telemetry"),
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		tel = provider
	}

	// Transport and resilience
	tr := transport.New(&transport.Config{
		MaxConns:        cfg.Pool.Total,
		MaxConnsPerHost: cfg.Pool.PerHost,
		KeepAlive:       30 * time.Second,
		SweepAfter:      5 * time.Minute,
		Logger:          logger.WithComponent("conductor/transport"),
	})
	defer tr.Close()

	breakers := resilience.NewBreakerGroup(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		OpenTimeout:      cfg.Circuit.OpenTimeout,
		HalfOpenMaxCalls: cfg.Circuit.HalfOpenMaxCalls,
		Logger:           logger.WithComponent("conductor/resilience"),
	})
	caller := resilience.NewCaller(breakers, resilience.CallerConfig{
		Retry: &resilience.RetryConfig{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			BaseDelay:     cfg.Retry.BaseDelay,
			BackoffFactor: cfg.Retry.Backoff,
			MaxDelay:      cfg.Retry.MaxDelay,
		},
		Timeout: cfg.Timeout.Standard,
		Logger:  logger.WithComponent("conductor/resilience"),
	})

	// Registry
	reg, err := registry.New(&registry.Config{
		SnapshotPath:     filepath.Join(cfg.DataDir, "registry.json"),
		HealthTimeout:    cfg.Timeout.Health,
		HealthInterval:   cfg.Health.Interval,
		ProbeConcurrency: cfg.Health.Concurrency,
		Logger:           logger.WithComponent("conductor/registry"),
	}, tr)
	if err != nil {
		return err
	}
	for _, static := range cfg.Agents {
		card := &a2a.AgentCard{
			Name:         static.Name,
			Description:  static.Description,
			Capabilities: static.Capabilities,
		}
		if len(static.Capabilities) == 0 {
			card = nil
		}
		if err := reg.Register(ctx, static.Name, static.Endpoint, card); err != nil {
			log.Warn("Static agent registration failed", map[string]interface{}{
				"operation": "startup",
				"agent":     static.Name,
				"error":     err.Error(),
			})
		}
	}
	reg.StartHealthLoop(ctx)
	defer reg.Stop()
	stopWatch, err := reg.WatchSnapshot(ctx)
	if err != nil {
		log.Warn("Snapshot watcher disabled", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
	} else {
		defer stopWatch()
	}

	// Model boundary
	llm, err := openai.New(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Logger:      logger.WithComponent("conductor/llm"),
	})
	if err != nil {
		return err
	}

	// Conversation state
	store, err := conversation.NewFileStore(filepath.Join(cfg.DataDir, "threads"),
		logger.WithComponent("conductor/conversation"))
	if err != nil {
		return err
	}

	var memory conversation.EntityMemory
	if cfg.Memory.RedisURL != "" {
		redisMemory, err := conversation.NewRedisEntityMemory(ctx, conversation.RedisMemoryConfig{
			RedisURL:   cfg.Memory.RedisURL,
			MaxPerType: cfg.Memory.MaxPerType,
			Logger:     logger.WithComponent("conductor/memory"),
		})
		if err != nil {
			return err
		}
		defer redisMemory.Close()
		memory = redisMemory
	} else {
		log.Warn("No Redis URL configured, entity memory is process-local", map[string]interface{}{
			"operation": "startup",
		})
		memory = conversation.NewInMemoryEntityMemory(cfg.Memory.MaxPerType)
	}

	memoryLogger := logger.WithComponent("conductor/memory")
	manager := conversation.NewMemoryManager(store, memory,
		conversation.NewLLMSummarizer(llm, memoryLogger),
		conversation.NewLLMEntityExtractor(llm, memoryLogger),
		conversation.ManagerConfig{
			SummaryThreshold:    cfg.Summary.MessageThreshold,
			ExtractionThreshold: cfg.Memory.ToolThreshold,
			KeepRecent:          cfg.Summary.PreserveTail,
			OpTimeout:           cfg.Summary.Timeout,
			Logger:              memoryLogger,
		})

	// Orchestration
	client := a2a.NewClient(tr, caller, a2a.ClientConfig{
		Metrics: reg,
		Logger:  logger.WithComponent("conductor/a2a"),
	})
	planner, err := orchestration.NewPlanner(llm, logger.WithComponent("conductor/planner"))
	if err != nil {
		return err
	}
	var balancer registry.Balancer
	switch cfg.Plan.Balancer {
	case "least_connections":
		balancer = registry.NewLeastConnections()
	case "weighted_latency":
		balancer = registry.NewWeightedLatency()
	default:
		balancer = registry.NewRoundRobin()
	}
	machine := orchestration.NewMachine(store, planner, client, reg, llm, memory, orchestration.MachineConfig{
		MaxTaskAttempts: cfg.Plan.MaxTaskAttempts,
		PlannerTimeout:  cfg.Timeout.Long,
		AgentTimeout:    cfg.Timeout.Envelope,
		SummaryTimeout:  cfg.Timeout.Long,
		Balancer:        balancer,
		Logger:          logger.WithComponent("conductor/machine"),
		Telemetry:       tel,
	})
	orch := orchestration.New(store, machine, manager, logger.WithComponent("conductor/orchestrator"))
	defer orch.Shutdown()

	// HTTP API
	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           newServer(orch, reg, logger.WithComponent("conductor/http")).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening", map[string]interface{}{
			"operation": "startup",
			"addr":      *listenAddr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down", map[string]interface{}{"operation": "shutdown"})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
