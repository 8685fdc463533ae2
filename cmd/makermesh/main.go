// Command makermesh serves registered workflows over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"

	"github.com/hupe1980/makermesh/artifact"
	"github.com/hupe1980/makermesh/config"
	"github.com/hupe1980/makermesh/connector"
	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/eventsourcing"
	"github.com/hupe1980/makermesh/logging"
	"github.com/hupe1980/makermesh/memory"
	"github.com/hupe1980/makermesh/model"
	"github.com/hupe1980/makermesh/model/anthropic"
	"github.com/hupe1980/makermesh/model/openai"
	"github.com/hupe1980/makermesh/report"
	"github.com/hupe1980/makermesh/runtime"
	"github.com/hupe1980/makermesh/server"
	"github.com/hupe1980/makermesh/telemetry"
	"github.com/hupe1980/makermesh/workflow"
)

const version = "0.1.0"

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.NewSlogLogger(cfg.Level(), cfg.LogFormat, false).WithComponent("makermesh")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.MeshLogger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return err
	}

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	instruments, err := telemetry.Default()
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	rt := runtime.New(func(o *runtime.Options) {
		o.Manifest = st.manifest
		o.Logger = logger.WithComponent("runtime")
	})

	llm, err := newModel(cfg)
	if err != nil {
		return err
	}

	executor, err := newExecutor(ctx, cfg, logger, instruments)
	if err != nil {
		return err
	}

	reports := report.NewProjection(func(o *report.ProjectionOptions) {
		o.MaxRuns = 1000
		o.Logger = logger.WithComponent("report")
	})
	rt.OnDeliver(reports.Observe)

	go reports.Run(ctx)

	orch := workflow.New(rt, func(o *workflow.Options) {
		o.Model = llm
		o.Connectors = executor
		o.Facts = memory.NewInMemoryStore()
		o.Artifacts = st.artifacts
		o.Events = st.events
		o.Snapshots = st.snapshots
		o.SnapshotInterval = int64(cfg.SnapshotInterval)
		o.Limiter = core.NewModelLimiter(cfg.MaxModelCalls)
		o.Timeout = cfg.WorkflowTimeout
		o.Logger = logger.WithComponent("workflow")
		o.Instruments = instruments
	})

	defs, err := workflow.LoadDir(ctx, cfg.WorkflowDir)
	if err != nil {
		return err
	}

	for _, def := range defs {
		if err := orch.Register(def); err != nil {
			return err
		}
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}

	logger.Info("Workflows loaded", "dir", cfg.WorkflowDir, "count", len(defs), "model", llm.Info().Provider)

	srv := server.New(rt, orch, func(o *server.Options) {
		o.Reports = reports
		o.Logger = logger.WithComponent("server")
	})

	errCh := make(chan error, 1)

	go func() { errCh <- srv.Start(fmt.Sprintf(":%d", cfg.Port)) }()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return errors.Join(srv.Shutdown(sctx), rt.Close(sctx))
}

type stores struct {
	events    eventsourcing.Store
	snapshots eventsourcing.SnapshotStore
	manifest  runtime.ManifestStore
	artifacts core.ArtifactStore
	close     func()
}

// openStores selects the event store backend. SQLite also holds the agent
// manifest and checkpoint artifacts; postgres keeps those in memory.
func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	switch cfg.EventStore {
	case "sqlite":
		es, err := eventsourcing.NewSQLiteStore(cfg.SQLiteDSN)
		if err != nil {
			return nil, err
		}

		manifest, err := runtime.NewSQLiteManifest(es.DB())
		if err != nil {
			_ = es.Close()
			return nil, err
		}

		artifacts, err := artifact.NewSQLiteStore(es.DB())
		if err != nil {
			_ = es.Close()
			return nil, err
		}

		return &stores{
			events:    es,
			snapshots: es,
			manifest:  manifest,
			artifacts: artifacts,
			close:     func() { _ = es.Close() },
		}, nil
	case "postgres":
		es, err := eventsourcing.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}

		return &stores{
			events:    es,
			snapshots: es,
			manifest:  runtime.NewMemoryManifest(),
			artifacts: artifact.NewInMemoryStore(),
			close:     es.Close,
		}, nil
	default:
		return &stores{
			events:    eventsourcing.NewMemoryStore(),
			snapshots: eventsourcing.NewMemorySnapshotStore(),
			manifest:  runtime.NewMemoryManifest(),
			artifacts: artifact.NewInMemoryStore(),
			close:     func() {},
		}, nil
	}
}

func newModel(cfg config.Config) (model.Model, error) {
	switch cfg.ModelProvider {
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.APIKey = cfg.AnthropicAPIKey
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
		}), nil
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			o.APIKey = cfg.OpenAIAPIKey
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		}), nil
	case "mock":
		return model.NewScriptedModel("mock", nil), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.ModelProvider)
	}
}

func newExecutor(ctx context.Context, cfg config.Config, logger *logging.MeshLogger, instruments *telemetry.Instruments) (*connector.Executor, error) {
	registry := connector.NewRegistry()
	if err := connector.LoadRegistry(cfg.ConnectorsFile, registry); err != nil {
		return nil, err
	}

	var gate *connector.PolicyGate

	if cfg.ConnectorPolicy != "" {
		g, err := connector.LoadPolicyGate(ctx, cfg.ConnectorPolicy)
		if err != nil {
			return nil, err
		}

		gate = g
	}

	logger.Info("Connectors loaded", "names", registry.Names(), "policy", cfg.ConnectorPolicy != "")

	return connector.NewExecutor(registry, func(o *connector.ExecutorOptions) {
		o.Policy = gate
		o.Logger = logger.WithComponent("connector")
		o.Instruments = instruments
	}), nil
}
