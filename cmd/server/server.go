package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	internalevents "nbflow/engine_go/internal/events"
	"nbflow/engine_go/internal/observability"
	"nbflow/engine_go/internal/utils"
	"nbflow/engine_go/pkg/database"
	"nbflow/engine_go/pkg/engine"
	"nbflow/engine_go/pkg/logger"
)

// ServerCmd represents the server command
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the workflow control API server",
	Long: `Start the HTTP server that runs workflows and exposes a control surface
for pause, resume, cancel and workflow-update confirmation. Clients follow
a run by polling the observer API for events.

The server provides:
- REST endpoints to start runs and drive the control surface
- Polling API for incremental event retrieval
- SQLite-backed run history and snapshots

Examples:
  nbflow server                       # Start server with default settings
  nbflow server --port 8600           # Start on custom port
  nbflow server --db runs.db          # Custom history database path
  nbflow server --cors-origins "*"    # Enable CORS for all origins`,
	Run: runServer,
}

// ServerConfig holds the server runtime configuration
type ServerConfig struct {
	Port           int      `json:"port"`
	Host           string   `json:"host"`
	CORSOrigins    []string `json:"cors_origins"`
	PlannerURL     string   `json:"planner_url"`
	KernelURL      string   `json:"kernel_url"`
	NotebookID     string   `json:"notebook_id"`
	RequestTimeout int      `json:"request_timeout"`
	DBPath         string   `json:"db_path"`
	MaxSteps       int      `json:"max_steps"`
	TraceProvider  string   `json:"trace_provider"`
}

// runSession tracks one engine run owned by the server.
type runSession struct {
	RunID      string    `json:"run_id"`
	ObserverID string    `json:"observer_id"`
	CreatedAt  time.Time `json:"created_at"`

	engine *engine.Engine
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// ControlAPI is the HTTP control surface over engine runs.
type ControlAPI struct {
	config ServerConfig

	sessions   map[string]*runSession
	sessionMux sync.RWMutex

	db              database.Database
	eventStore      *internalevents.EventStore
	observerManager *internalevents.ObserverManager
	tracer          observability.Tracer
	logger          utils.ExtendedLogger
}

func init() {
	ServerCmd.Flags().Int("port", 8600, "server port")
	ServerCmd.Flags().String("host", "0.0.0.0", "server host")
	ServerCmd.Flags().StringSlice("cors-origins", []string{"*"}, "allowed CORS origins")
	ServerCmd.Flags().String("db", "nbflow_runs.db", "SQLite database path for run history")
	ServerCmd.Flags().Int("max-steps", 0, "default action budget for new runs (0 = unlimited)")
	ServerCmd.Flags().String("trace-provider", "log", "tracing provider (log, noop)")

	viper.BindPFlag("port", ServerCmd.Flags().Lookup("port"))
	viper.BindPFlag("host", ServerCmd.Flags().Lookup("host"))
	viper.BindPFlag("cors-origins", ServerCmd.Flags().Lookup("cors-origins"))
	viper.BindPFlag("db", ServerCmd.Flags().Lookup("db"))
	viper.BindPFlag("max-steps", ServerCmd.Flags().Lookup("max-steps"))
	viper.BindPFlag("trace-provider", ServerCmd.Flags().Lookup("trace-provider"))
}

func runServer(cmd *cobra.Command, args []string) {
	config := ServerConfig{
		Port:           viper.GetInt("port"),
		Host:           viper.GetString("host"),
		CORSOrigins:    viper.GetStringSlice("cors-origins"),
		PlannerURL:     viper.GetString("planner-url"),
		KernelURL:      viper.GetString("kernel-url"),
		NotebookID:     viper.GetString("notebook-id"),
		RequestTimeout: viper.GetInt("request-timeout"),
		DBPath:         viper.GetString("db"),
		MaxSteps:       viper.GetInt("max-steps"),
		TraceProvider:  viper.GetString("trace-provider"),
	}

	serverLogger, err := logger.CreateLogger(viper.GetString("log-file"),
		viper.GetString("log-level"), viper.GetString("log-format"), true)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer serverLogger.Close()

	fmt.Printf("🚀 Starting Workflow Control API Server\n")
	fmt.Printf("📡 Host: %s:%d\n", config.Host, config.Port)
	fmt.Printf("🧠 Planner: %s\n", config.PlannerURL)
	fmt.Printf("⚙️ Kernel: %s\n", config.KernelURL)
	fmt.Printf("🌐 CORS Origins: %v\n", config.CORSOrigins)

	// Initialize polling system
	eventStore := internalevents.NewEventStore(10000) // Max 10000 events per observer
	observerManager := internalevents.NewObserverManager(eventStore)

	// Initialize run history database
	db, err := database.NewSQLiteDB(config.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize run history database: %v", err)
	}
	defer db.Close()

	fmt.Printf("💾 Run History Database: %s\n", config.DBPath)

	api := &ControlAPI{
		config:          config,
		sessions:        make(map[string]*runSession),
		db:              db,
		eventStore:      eventStore,
		observerManager: observerManager,
		tracer:          observability.GetTracerWithLogger(config.TraceProvider, serverLogger),
		logger:          serverLogger,
	}

	// Setup routes
	router := mux.NewRouter()

	// CORS middleware
	router.Use(api.corsMiddleware)

	// API routes
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/health", api.handleHealth).Methods("GET")

	// Run lifecycle routes (from runs.go)
	apiRouter.HandleFunc("/runs", api.handleStartRun).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/runs/{run_id}/status", api.handleRunStatus).Methods("GET")
	apiRouter.HandleFunc("/runs/{run_id}/snapshot", api.handleRunSnapshot).Methods("GET")
	apiRouter.HandleFunc("/runs/{run_id}/pause", api.handlePauseRun).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/runs/{run_id}/resume", api.handleResumeRun).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/runs/{run_id}/cancel", api.handleCancelRun).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/runs/{run_id}/max-steps", api.handleSetMaxSteps).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/runs/{run_id}/step-counter/reset", api.handleResetStepCounter).Methods("POST", "OPTIONS")

	// Two-phase update confirmation routes (from runs.go)
	apiRouter.HandleFunc("/runs/{run_id}/workflow-update", api.handlePendingWorkflowUpdate).Methods("GET")
	apiRouter.HandleFunc("/runs/{run_id}/workflow-update/confirm", api.handleConfirmWorkflowUpdate).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/runs/{run_id}/workflow-update/reject", api.handleRejectWorkflowUpdate).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/runs/{run_id}/step-update", api.handleProposeStepUpdate).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/runs/{run_id}/step-update/confirm", api.handleConfirmStepUpdate).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/runs/{run_id}/step-update/reject", api.handleRejectStepUpdate).Methods("POST", "OPTIONS")

	// Polling API routes (from polling.go)
	apiRouter.HandleFunc("/observer/register", api.handleRegisterObserver).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/observer/{observer_id}/events", api.handleGetEvents).Methods("GET")
	apiRouter.HandleFunc("/observer/{observer_id}/status", api.handleGetObserverStatus).Methods("GET")
	apiRouter.HandleFunc("/observer/{observer_id}", api.handleRemoveObserver).Methods("DELETE")

	// Run history routes (from run_history_routes.go, gin sub-router)
	historyRouter := NewRunHistoryRouter(db)
	router.PathPrefix("/api/run-history").Handler(historyRouter)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		WriteTimeout: time.Second * 30,
		ReadTimeout:  time.Second * 30,
		IdleTimeout:  time.Second * 300,
		Handler:      router,
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("✅ Server started on %s:%d\n", config.Host, config.Port)
	fmt.Printf("🔗 Run API: http://%s:%d/api/runs\n", config.Host, config.Port)
	fmt.Printf("📡 Polling API: http://%s:%d/api/observer/{observer_id}/events\n", config.Host, config.Port)

	// Wait for interrupt signal to gracefully shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c

	fmt.Println("\n🛑 Shutting down server...")

	// Cancel running engines so the database records a final state
	api.cancelAllRuns()

	// Create a deadline for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	eventStore.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	fmt.Println("✅ Server shutdown complete")
}

// CORS middleware
func (api *ControlAPI) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range api.config.CORSOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Observer-ID")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Health check endpoint
func (api *ControlAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	api.sessionMux.RLock()
	activeRuns := len(api.sessions)
	api.sessionMux.RUnlock()

	dbStatus := "healthy"
	if err := api.db.Ping(r.Context()); err != nil {
		dbStatus = "unreachable"
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
		"config": map[string]interface{}{
			"planner_url": api.config.PlannerURL,
			"kernel_url":  api.config.KernelURL,
			"max_steps":   api.config.MaxSteps,
		},
		"active_runs": activeRuns,
		"database":    dbStatus,
	})
}

// cancelAllRuns cancels every active session and waits briefly for each
// engine to reach a terminal state.
func (api *ControlAPI) cancelAllRuns() {
	api.sessionMux.RLock()
	sessions := make([]*runSession, 0, len(api.sessions))
	for _, session := range api.sessions {
		sessions = append(sessions, session)
	}
	api.sessionMux.RUnlock()

	for _, session := range sessions {
		session.engine.Cancel()
		select {
		case <-session.done:
		case <-time.After(5 * time.Second):
			api.logger.Warnf("run %s did not stop before shutdown deadline", session.RunID)
		}
	}
}
