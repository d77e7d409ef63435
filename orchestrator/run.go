// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"synapse/platform/orchestrator/llm"
	"synapse/platform/shared/logger"
)

// Config carries the orchestrator's runtime configuration, loaded from the
// environment.
type Config struct {
	Port        int
	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	OpenAIKey     string
	GeminiKey     string
	PerplexityKey string
	MoonshotKey   string
	OpenRouterKey string

	AppReferer string
	AppTitle   string
}

// LoadConfig reads configuration from the environment.
func LoadConfig() Config {
	port := 8080
	if v := os.Getenv("PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			port = parsed
		}
	}
	return Config{
		Port:          port,
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		GeminiKey:     os.Getenv("GEMINI_API_KEY"),
		PerplexityKey: os.Getenv("PERPLEXITY_API_KEY"),
		MoonshotKey:   os.Getenv("MOONSHOT_API_KEY"),
		OpenRouterKey: os.Getenv("OPENROUTER_API_KEY"),
		AppReferer:    os.Getenv("APP_REFERER"),
		AppTitle:      os.Getenv("APP_TITLE"),
	}
}

// providerConfigs builds the registry bootstrap list from configured keys.
func (c Config) providerConfigs() []llm.ProviderConfig {
	return []llm.ProviderConfig{
		{Name: "openai", Type: llm.ProviderTypeOpenAI, APIKey: c.OpenAIKey, Enabled: true},
		{Name: "gemini", Type: llm.ProviderTypeGemini, APIKey: c.GeminiKey, Enabled: true},
		{Name: "perplexity", Type: llm.ProviderTypePerplexity, APIKey: c.PerplexityKey, Enabled: true},
		{Name: "moonshot", Type: llm.ProviderTypeMoonshot, APIKey: c.MoonshotKey, Enabled: true},
		{Name: "openrouter", Type: llm.ProviderTypeOpenRouter, APIKey: c.OpenRouterKey, Enabled: true,
			Settings: map[string]any{"referer": c.AppReferer, "app_title": c.AppTitle}},
	}
}

// Server wires the orchestration components behind the HTTP API.
type Server struct {
	config     Config
	router     *mux.Router
	registry   *llm.Registry
	storage    *Storage
	classifier *IntentClassifier
	skills     *SkillRouter
	engine     *PipelineEngine
	tasks      *TaskOrchestrator
	rewriter   *QueryRewriter
	entities   EntityStore
	sessions   *SessionStore
	metrics    *MetricsCollector
	logger     *logger.Logger
	auth       *JWTMiddleware
}

// NewServer constructs the server and all its components.
func NewServer(config Config) (*Server, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	storage, err := NewStorage(config.DatabaseURL)
	if err != nil {
		return nil, err
	}

	registry, bootErrs := llm.BuildRegistry(config.providerConfigs())
	for _, bootErr := range bootErrs {
		log.Printf("[Server] Provider bootstrap warning: %v", bootErr)
	}
	if len(registry.List()) == 0 {
		return nil, fmt.Errorf("no LLM provider configured; set at least one provider API key")
	}

	var entities EntityStore
	if config.RedisURL != "" {
		opts, parseErr := redis.ParseURL(config.RedisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", parseErr)
		}
		entities = NewRedisEntityStore(redis.NewClient(opts), "")
		log.Printf("[Server] Using Redis entity store")
	} else {
		entities = NewMemoryEntityStore()
		log.Printf("[Server] Using in-memory entity store")
	}

	s := &Server{
		config:     config,
		registry:   registry,
		storage:    storage,
		classifier: NewIntentClassifier(),
		skills:     NewSkillRouter(),
		tasks:      NewTaskOrchestrator(registry),
		rewriter:   NewQueryRewriter(),
		entities:   entities,
		sessions:   NewSessionStore(0, 0, 0),
		metrics:    NewMetricsCollector(),
		logger:     logger.New("orchestrator"),
		auth:       NewJWTMiddleware(config.JWTSecret),
	}
	// The engine's lattice is provided per session at call time, so the
	// shared engine carries none.
	s.engine = NewPipelineEngine(registry, nil)
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := mux.NewRouter()

	// Public endpoints.
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")

	// API endpoints, optionally behind JWT.
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(mux.MiddlewareFunc(s.auth.Wrap), s.instrument)

	api.HandleFunc("/collaborate", s.handleCollaborate).Methods("POST")
	api.HandleFunc("/collaborate/stream", s.handleCollaborateStream).Methods("POST")
	api.HandleFunc("/meta-question", s.handleMetaQuestion).Methods("POST")
	api.HandleFunc("/follow-up", s.handleFollowUp).Methods("POST")
	api.HandleFunc("/workflow", s.handleWorkflow).Methods("POST")
	api.HandleFunc("/threads/{id}/agent-outputs", s.handleAgentOutputs).Methods("GET")
	api.HandleFunc("/threads/{id}/stats", s.handleThreadStats).Methods("GET")
	api.HandleFunc("/threads/{id}", s.handleDeleteThread).Methods("DELETE")
	api.HandleFunc("/turns/{id}", s.handleGetTurn).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/providers/status", s.handleProviderStatus).Methods("GET")

	s.router = r
}

// instrument records request metrics per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		s.metrics.RecordRequest(route, strconv.Itoa(recorder.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so SSE streaming works behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Run starts the HTTP server and background health checking, blocking
// until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.registry.StartPeriodicHealthCheck(ctx, 60*time.Second)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      corsHandler.Handler(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // pipeline runs are slow
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("", "", fmt.Sprintf("Listening on :%d", s.config.Port), map[string]interface{}{
			"providers": s.registry.List(),
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Printf("[Server] Shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return s.storage.Close()
	}
}
