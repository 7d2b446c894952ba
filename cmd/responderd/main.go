// Package main is the entry point for the signal responder daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"signal-responder/internal/action"
	"signal-responder/internal/archive"
	"signal-responder/internal/config"
	"signal-responder/internal/escalation"
	"signal-responder/internal/events"
	"signal-responder/internal/generator"
	"signal-responder/internal/intake"
	"signal-responder/internal/intelligence"
	"signal-responder/internal/resource"
	"signal-responder/internal/response"
	"signal-responder/internal/schema"
	"signal-responder/internal/storage"
	"signal-responder/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogging(cfg.Logging)
	slog.Info("configuration loaded",
		"max_concurrent", cfg.Orchestrator.MaxConcurrent,
		"pools", len(cfg.Pools),
		"intake_enabled", cfg.Intake.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	bus := events.NewBus()

	var sink *events.KafkaSink
	if cfg.Events.Enabled {
		sink, err = events.NewKafkaSink(cfg.Events.Kafka, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to create event sink: %w", err)
		}
		bus.SubscribeAll(sink.Handler())
	}

	// Resource pools
	pools := make([]*resource.Pool, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		pools = append(pools, resource.NewPool(p.ID, p.Name, p.Capacity))
	}
	manager := resource.NewManager(pools...)

	// Workflow templates feed both the registry and the generator.
	registry := workflow.NewRegistry()
	publishRegistryChanges(registry, bus)
	gen := generator.New(bus)
	loaded, err := loadWorkflows(cfg.Workflows.Dir, registry, gen)
	if err != nil {
		return err
	}
	slog.Info("workflow templates loaded", "count", loaded, "dir", cfg.Workflows.Dir)

	executor := action.NewSimulatedExecutor()
	notifier := action.NewLogNotifier()

	esc := escalation.NewEngine(executor, notifier, bus)
	for i := range cfg.Escalation {
		esc.AddRule(&cfg.Escalation[i])
	}

	engine := response.NewEngine(cfg.Orchestrator, registry, manager, esc, bus, executor, notifier)
	if err := engine.Initialize(); err != nil {
		return err
	}

	intel, err := intelligence.NewEngine(cfg.Intelligence, bus)
	if err != nil {
		return err
	}

	ctx := context.Background()

	// Optional write-behind sinks for finalized executions.
	var (
		chClient *storage.ClickHouseClient
		writer   *storage.ExecutionWriter
		archiver *archive.Archiver
	)
	if cfg.Storage.Enabled {
		chClient, writer, err = setupStorage(ctx, cfg.Storage)
		if err != nil {
			return err
		}
	}
	if cfg.Archive.Enabled {
		archiver, err = archive.New(ctx, cfg.Archive.S3)
		if err != nil {
			return fmt.Errorf("failed to create archiver: %w", err)
		}
	}

	handleSignal := signalHandler(engine, intel, gen, bus, writer, archiver)

	var consumer *intake.Consumer
	if cfg.Intake.Enabled {
		consumer, err = intake.NewConsumer(cfg.Intake.Consumer, schema.NewValidator(), handleSignal, slog.Default())
		if err != nil {
			return err
		}
		if err := consumer.Start(); err != nil {
			return err
		}
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop taking new signals first, then drain executions, then flush sinks.
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			slog.Error("intake stop error", "error", err)
		}
		m := consumer.Stats()
		slog.Info("intake stopped", "consumed", m.Consumed, "invalid", m.Invalid, "failed", m.Failed)
	}

	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Error("engine shutdown error", "error", err)
	}

	if writer != nil {
		if err := writer.Close(); err != nil {
			slog.Error("execution writer close error", "error", err)
		}
		m := writer.Metrics()
		slog.Info("storage metrics", "written", m.Written, "failed", m.Failed, "batches", m.Batches)
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}
	if archiver != nil {
		if err := archiver.Close(); err != nil {
			slog.Error("archiver close error", "error", err)
		}
		m := archiver.Stats()
		slog.Info("archive metrics", "records", m.RecordsArchived, "batches", m.BatchesUploaded)
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			slog.Error("event sink close error", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// setupLogging configures the process-wide slog default.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// publishRegistryChanges forwards runtime workflow updates to the event bus.
func publishRegistryChanges(registry *workflow.Registry, bus *events.Bus) {
	registry.OnChange(func(op workflow.ChangeOp, wf *workflow.ResponseWorkflow) {
		if op != workflow.ChangeUpdated {
			return
		}
		bus.Publish(events.WorkflowUpdated, events.WorkflowPayload{
			WorkflowID: wf.ID,
			StepCount:  len(wf.Steps),
		})
	})
}

// loadWorkflows reads every *.yaml file in dir as one workflow template and
// registers it with the registry and the generator. A missing directory is
// not an error; the daemon can run purely on generated workflows.
func loadWorkflows(dir string, registry *workflow.Registry, gen *generator.Generator) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read workflow dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return count, fmt.Errorf("failed to read workflow %s: %w", path, err)
		}
		var wf workflow.ResponseWorkflow
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return count, fmt.Errorf("failed to parse workflow %s: %w", path, err)
		}
		if err := registry.Add(&wf); err != nil {
			return count, fmt.Errorf("invalid workflow %s: %w", path, err)
		}
		if err := gen.AddTemplate(&wf); err != nil {
			return count, fmt.Errorf("invalid template %s: %w", path, err)
		}
		count++
	}
	return count, nil
}

// signalHandler builds the intake pipeline: analyze the signal, generate a
// workflow (falling back to direct registry matching), execute it, and feed
// the finalized record to the optional sinks.
func signalHandler(engine *response.Engine, intel *intelligence.Engine, gen *generator.Generator,
	bus *events.Bus, writer *storage.ExecutionWriter, archiver *archive.Archiver) intake.SignalHandler {

	return func(ctx context.Context, sig *schema.Signal) error {
		if _, err := intel.Analyze(ctx, []*schema.Signal{sig}); err != nil {
			slog.Warn("analysis failed", "signal_id", sig.ID, "error", err)
		}

		var (
			exec       *response.Execution
			err        error
			templateID string
		)
		if tmpl, _ := gen.FindBestTemplate(sig); tmpl != nil {
			templateID = tmpl.Workflow.ID
		}
		if wf := gen.Generate(sig); wf != nil {
			exec, err = engine.Execute(ctx, sig, wf)
		} else {
			exec, err = engine.ExecuteResponse(ctx, sig)
		}
		if err != nil {
			if errors.Is(err, response.ErrNoApplicableWorkflow) {
				slog.Info("no workflow for signal", "signal_id", sig.ID, "type", sig.Type)
				return nil
			}
			// Transient limits (concurrency, resources) leave the message
			// uncommitted so it is retried.
			return err
		}

		bus.Publish(events.AutomatedResponse, events.ExecutionPayload{
			ExecutionID: exec.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			SignalID:    sig.ID.String(),
			Status:      string(response.StatusPending),
		})

		// Outcome bookkeeping runs off the intake goroutine so slow
		// workflows do not stall consumption.
		go func() {
			final, err := engine.AwaitCompletion(context.Background(), exec.ExecutionID)
			if err != nil {
				slog.Error("failed to await execution", "execution_id", exec.ExecutionID, "error", err)
				return
			}
			if templateID != "" {
				gen.RecordOutcome(templateID, final.Results.Success, final.TotalTime)
			}
			if writer != nil {
				if err := writer.Write(final); err != nil {
					slog.Error("failed to persist execution", "execution_id", final.ExecutionID, "error", err)
				}
			}
			if archiver != nil {
				if err := archiver.Add(final); err != nil {
					slog.Error("failed to archive execution", "execution_id", final.ExecutionID, "error", err)
				}
			}
		}()
		return nil
	}
}

// setupStorage connects to ClickHouse, runs migrations, applies retention,
// and returns the write-behind execution writer.
func setupStorage(ctx context.Context, cfg config.StorageConfig) (*storage.ClickHouseClient, *storage.ExecutionWriter, error) {
	slog.Info("initializing ClickHouse storage",
		"hosts", cfg.ClickHouse.Hosts,
		"database", cfg.ClickHouse.Database,
	)

	client, err := storage.NewClickHouseClient(cfg.ClickHouse)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := client.EnsureDatabase(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to ensure database: %w", err)
	}

	slog.Info("running database migrations")
	if err := storage.NewMigrator(client).Run(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := storage.NewRetentionManager(client, cfg.Retention).ApplyTTLs(ctx); err != nil {
		slog.Warn("failed to apply retention TTLs", "error", err)
	}

	return client, storage.NewExecutionWriter(client, cfg.Writer), nil
}
