// The orchestrator binary wires the full core together: Redis-backed
// registry and cache, per-target breakers, safety pipeline, event hub with
// its WebSocket endpoint, and the request pipeline on top.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/storymind-ai/storymind/core"
	"github.com/storymind-ai/storymind/hub"
	"github.com/storymind-ai/storymind/orchestrator"
	"github.com/storymind-ai/storymind/proxy"
	"github.com/storymind-ai/storymind/registry"
	"github.com/storymind-ai/storymind/resilience"
	"github.com/storymind-ai/storymind/router"
	"github.com/storymind-ai/storymind/safety"
	"github.com/storymind-ai/storymind/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a JSON or YAML config file")
		rulesPath  = flag.String("rules", "", "path to a safety rule catalog; baseline rules when empty")
		listenAddr = flag.String("listen", ":8080", "HTTP listen address")
	)
	flag.Parse()

	logger := telemetry.NewLogger("storymind-orchestrator")
	if err := run(*configPath, *rulesPath, *listenAddr, logger); err != nil {
		logger.Error("Orchestrator exited with error", map[string]interface{}{"error": err})
		os.Exit(1)
	}
}

func run(configPath, rulesPath, listenAddr string, logger core.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		cfg *core.Config
		err error
	)
	if configPath != "" {
		cfg, err = core.LoadConfigFile(configPath)
	} else {
		cfg, err = core.NewConfig()
	}
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	shutdownTracing, err := setupTracing()
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing()

	recorder := telemetry.NewOTelRecorder("storymind-orchestrator", logger)

	reg, err := registry.NewRedisRegistry(cfg.RedisURL, cfg.Namespace, cfg.Registry.TTL)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	reg.SetLogger(logger)
	reg.SetRecorder(recorder)

	cache := registry.NewCache(reg, cfg.Registry.ResyncInterval, logger, recorder)
	if err := cache.Start(ctx); err != nil {
		logger.Warn("Registry cache started degraded", map[string]interface{}{"error": err})
	}

	breakers := resilience.NewGroup(cfg.Breaker, logger, recorder)
	rt := router.New(cache, proxy.NewDialer(), breakers, cfg.Router, logger, recorder)

	specs := safety.BaselineRules()
	if rulesPath != "" {
		if specs, err = safety.LoadRules(rulesPath); err != nil {
			return fmt.Errorf("safety rules: %w", err)
		}
	}
	rules, err := safety.NewRuleSet(specs)
	if err != nil {
		return fmt.Errorf("safety rules: %w", err)
	}
	validator := safety.NewValidator(rules, cfg.Safety, logger, recorder)

	sequencer := hub.NewRedisSequencer(reg.Client(), cfg.Namespace)
	eventHub := hub.New(cfg.Hub, cfg.InstanceID, sequencer, reg.Client(), logger, recorder)
	eventHub.Start(ctx)

	// Durable narrative storage is an external collaborator; without one
	// configured the core logs to memory so invariants still hold.
	sink := core.NewMemorySink()
	convStore := core.NewMemoryConversationStore()
	dedupStore := orchestrator.NewRedisStore(reg.Client(), cfg.Namespace)

	orch := orchestrator.New(cfg.Orchestrator, rt, validator, eventHub, sink, convStore, dedupStore, logger, recorder)

	ws := hub.NewWSServer(eventHub, orch, nil, cfg.InstanceID,
		cfg.Orchestrator.DefaultDeadline, cfg.Safety.ModeDefault, logger, recorder)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if cache.Degraded() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "degraded: registry cache stale")
			return
		}
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("Orchestrator listening", map[string]interface{}{
			"addr":        listenAddr,
			"instance_id": cfg.InstanceID,
			"namespace":   cfg.Namespace,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eventHub.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err})
	}
	return nil
}

// setupTracing installs a stdout trace exporter. Deployments fronting a
// collector swap the exporter; the Recorder contract stays unchanged.
func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}
