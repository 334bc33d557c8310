package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nbflow/engine_go/internal/observability"
	"nbflow/engine_go/pkg/contextstore"
	"nbflow/engine_go/pkg/database"
	"nbflow/engine_go/pkg/engine"
	"nbflow/engine_go/pkg/events"
	"nbflow/engine_go/pkg/executor"
	"nbflow/engine_go/pkg/logger"
	"nbflow/engine_go/pkg/notebook"
	"nbflow/engine_go/pkg/observation"
	"nbflow/engine_go/pkg/pipeline"
	"nbflow/engine_go/pkg/scripts"
	"nbflow/engine_go/pkg/workflowapi"
)

// runCmd executes one workflow from the command line and exits.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a workflow to completion",
	Long: `Execute a workflow from a problem descriptor file. The engine calls the
planner and generator services configured by --planner-url and executes
code cells on the kernel at --kernel-url.

Examples:
  nbflow run --workflow problem.json
  nbflow run --workflow problem.json --max-steps 50 --db runs.db
  nbflow run --resume-from snapshot.json --workflow problem.json`,
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().String("workflow", "", "path to the problem descriptor JSON file")
	runCmd.Flags().Int("max-steps", 0, "pause after this many actions (0 = unlimited)")
	runCmd.Flags().String("snapshot-file", "", "write the final engine snapshot to this file")
	runCmd.Flags().String("resume-from", "", "restore the engine from a snapshot file before running")
	runCmd.Flags().String("db", "", "SQLite database path for run history (optional)")
	runCmd.Flags().String("notebook-out", "", "write the final notebook JSON to this file")
	runCmd.Flags().String("trace-provider", "log", "tracing provider (log, noop)")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	logLevel := viper.GetString("log-level")
	if viper.GetBool("debug") {
		logLevel = "debug"
	}
	log, err := logger.CreateLogger(viper.GetString("log-file"), logLevel, viper.GetString("log-format"), true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	workflowPath, _ := cmd.Flags().GetString("workflow")
	resumeFrom, _ := cmd.Flags().GetString("resume-from")
	if workflowPath == "" {
		return fmt.Errorf("--workflow is required")
	}

	descriptor, err := loadDescriptor(workflowPath)
	if err != nil {
		return err
	}

	// Stores
	cells := notebook.NewCellStore(log)
	contextStore := contextstore.NewContextStore(log)
	pipelineStore := pipeline.NewPipelineStore(*descriptor, log)

	// Clients
	timeout := time.Duration(viper.GetInt("request-timeout")) * time.Second
	apiClient := workflowapi.NewClient(viper.GetString("planner-url"), log,
		workflowapi.WithTimeout(timeout))
	kernelClient := executor.NewClient(viper.GetString("kernel-url"),
		viper.GetString("notebook-id"), log, executor.WithTimeout(timeout))

	// Actions
	registry := scripts.NewDefaultRegistry(log)
	scriptStore := scripts.NewScriptStore(cells, contextStore, pipelineStore, kernelClient, registry, log)

	builder := observation.NewBuilder(cells, contextStore, pipelineStore, log)

	traceProvider, _ := cmd.Flags().GetString("trace-provider")
	tracer := observability.GetTracerWithLogger(traceProvider, log)

	// Optional run history database
	var db database.Database
	listeners := make([]events.EventListener, 0, 1)
	if dbPath, _ := cmd.Flags().GetString("db"); dbPath != "" {
		db, err = database.NewSQLiteDB(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open run database: %w", err)
		}
		defer db.Close()
		listeners = append(listeners, database.NewEventListener(db, log))
	}

	maxSteps, _ := cmd.Flags().GetInt("max-steps")
	eng := engine.NewEngine(
		engine.Config{MaxSteps: maxSteps},
		cells, contextStore, pipelineStore, scriptStore, builder, apiClient,
		events.NewMultiListener(listeners...), tracer, log,
	)

	if resumeFrom != "" {
		if err := restoreSnapshot(eng, resumeFrom); err != nil {
			return err
		}
	}

	if db != nil {
		if _, err := db.CreateRun(cmd.Context(), &database.CreateRunRequest{
			RunID:       eng.RunID(),
			ProblemName: descriptor.ProblemName,
			UserGoal:    descriptor.UserGoal,
		}); err != nil {
			log.Warnf("failed to record run: %v", err)
		}
	}

	// Ctrl-C cancels at the next transition boundary.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := eng.Run(ctx)

	if db != nil {
		finalizeRunRecord(db, eng, cells)
	}
	if snapshotFile, _ := cmd.Flags().GetString("snapshot-file"); snapshotFile != "" {
		if err := writeSnapshot(eng, snapshotFile); err != nil {
			log.Warnf("failed to write snapshot: %v", err)
		}
	}
	if notebookOut, _ := cmd.Flags().GetString("notebook-out"); notebookOut != "" {
		if err := writeNotebook(cells, notebookOut); err != nil {
			log.Warnf("failed to write notebook: %v", err)
		}
	}

	return runErr
}

func loadDescriptor(path string) (*pipeline.Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var descriptor pipeline.Descriptor
	if err := json.Unmarshal(raw, &descriptor); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}
	return &descriptor, nil
}

func restoreSnapshot(eng *engine.Engine, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot file: %w", err)
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("failed to parse snapshot file: %w", err)
	}
	return eng.Restore(&snap)
}

func writeSnapshot(eng *engine.Engine, path string) error {
	raw, err := json.MarshalIndent(eng.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return os.WriteFile(path, raw, 0644)
}

func writeNotebook(cells *notebook.CellStore, path string) error {
	doc := map[string]interface{}{
		"title": cells.Title(),
		"cells": cells.ToDict(false),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode notebook: %w", err)
	}
	return os.WriteFile(path, raw, 0644)
}

func finalizeRunRecord(db database.Database, eng *engine.Engine, cells *notebook.CellStore) {
	status := database.RunStatusCompleted
	switch eng.State() {
	case engine.StateError:
		status = database.RunStatusError
	case engine.StateCancelled:
		status = database.RunStatusCancelled
	}

	now := time.Now()
	stepCount := eng.StepCounter()
	cellCount := cells.Len()
	_, _ = db.UpdateRun(context.Background(), eng.RunID(), &database.UpdateRunRequest{
		Title:       cells.Title(),
		Status:      status,
		FinalState:  string(eng.State()),
		StepCount:   &stepCount,
		CellCount:   &cellCount,
		CompletedAt: &now,
	})
}
