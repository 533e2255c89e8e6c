package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/adrian-moloca/preclinic-workflow/internal/logger"
	"github.com/adrian-moloca/preclinic-workflow/workflow"
	"github.com/adrian-moloca/preclinic-workflow/workflow/riverqueue"
)

type Server struct {
	db        *sql.DB
	engine    *workflow.Engine
	scheduler *riverqueue.Scheduler // nil when running on in-process timers
	router    *chi.Mux
}

// NewServer wires the engine. With a database URL the blob store is
// Postgres and delayed actions go through the durable river scheduler;
// without one everything runs in memory with in-process timers.
func NewServer(ctx context.Context, databaseURL string) (*Server, error) {
	s := &Server{}

	var kv workflow.KV
	if databaseURL != "" {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		s.db = db
		kv = workflow.NewPostgresKV(db)
	} else {
		logger.Logger.Warn("DATABASE_URL not set, running with in-memory state")
		kv = workflow.NewMemoryKV()
	}

	store, err := workflow.NewStore(ctx, kv, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	executor := workflow.NewExecutor(kv, logger.Logger)

	if databaseURL != "" {
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		scheduler, err := riverqueue.NewScheduler(riverqueue.Config{
			Pool:   pool,
			Runner: executor,
			Logger: logger.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create scheduler: %w", err)
		}
		s.scheduler = scheduler
		executor.SetScheduler(scheduler)
	} else {
		executor.SetScheduler(workflow.NewTimerScheduler(executor, logger.Logger))
	}

	s.engine = workflow.NewEngine(store, executor, logger.Logger)
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	// Event ingestion
	r.Post("/api/v1/events", s.handleProcessEvent)

	// Rule management
	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)
		r.Post("/simulate", s.handleSimulateRule)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Post("/toggle", s.handleToggleRule)
		})
	})

	// Dashboard accessors
	r.Get("/api/v1/executions", s.handleListExecutions)
	r.Get("/api/v1/stats", s.handleStats)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"rulesLoaded": len(s.engine.Rules()),
	})
}

// Event ingestion handler. Processing failures are contained in execution
// records, so the response only acknowledges receipt.
func (s *Server) handleProcessEvent(w http.ResponseWriter, r *http.Request) {
	var event workflow.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if event.Type == "" {
		respondError(w, http.StatusBadRequest, "event type is required", nil)
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.engine.ProcessEvent(r.Context(), event)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"eventId": event.ID,
		"status":  "processed",
	})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule workflow.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if rule.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if rule.Trigger.Event == "" {
		respondError(w, http.StatusBadRequest, "trigger event is required", nil)
		return
	}
	if len(rule.Actions) == 0 {
		respondError(w, http.StatusBadRequest, "at least one action is required", nil)
		return
	}

	created, err := s.engine.CreateRule(r.Context(), rule)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"rules": s.engine.Rules(),
	})
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	rule, ok := s.engine.Rule(ruleID)
	if !ok {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var upd workflow.RuleUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.engine.UpdateRule(r.Context(), ruleID, upd); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update rule", err)
		return
	}

	rule, ok := s.engine.Rule(ruleID)
	if !ok {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.engine.DeleteRule(r.Context(), ruleID); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Toggle rule handler
func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.engine.ToggleRule(r.Context(), ruleID); err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}

	rule, _ := s.engine.Rule(ruleID)
	respondJSON(w, http.StatusOK, rule)
}

// Simulate rule handler: authoring-time dry run, touches nothing.
func (s *Server) handleSimulateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rule     workflow.Rule  `json:"rule"`
		TestData map[string]any `json:"testData"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	respondJSON(w, http.StatusOK, s.engine.SimulateRule(req.Rule, req.TestData))
}

// List executions handler
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"executions": s.engine.Executions(),
	})
}

// Stats handler
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Stats())
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	ctx := context.Background()
	log := logger.Logger

	server, err := NewServer(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	if server.db != nil {
		defer server.db.Close()
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if server.scheduler != nil {
		if err := server.scheduler.Start(gctx); err != nil {
			log.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	}

	g.Go(func() error {
		log.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-gctx.Done():
			return gctx.Err()
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if server.scheduler != nil {
			if err := server.scheduler.Stop(shutdownCtx); err != nil {
				log.Error("scheduler shutdown error", "error", err)
			}
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
	}

	if err := logger.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown error: %v\n", err)
	}

	log.Info("server stopped")
}
