package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/squadflow/squadflow/internal/agent/brain"
	"github.com/squadflow/squadflow/internal/agent/credentials"
	"github.com/squadflow/squadflow/internal/agent/registry"
	"github.com/squadflow/squadflow/internal/agent/runtime"
	"github.com/squadflow/squadflow/internal/agent/session"
	"github.com/squadflow/squadflow/internal/common/config"
	"github.com/squadflow/squadflow/internal/common/logger"
	"github.com/squadflow/squadflow/internal/conversation"
	"github.com/squadflow/squadflow/internal/events/bus"
	"github.com/squadflow/squadflow/internal/history"
	"github.com/squadflow/squadflow/internal/orchestrator"
	"github.com/squadflow/squadflow/internal/orchestrator/api"
	squadrepo "github.com/squadflow/squadflow/internal/squad/repository"
	"github.com/squadflow/squadflow/internal/streaming"
	taskrepo "github.com/squadflow/squadflow/internal/task/repository"
	"github.com/squadflow/squadflow/internal/workflow"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting orchestration core...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := bus.New(cfg.MessageBus, log)
	if err != nil {
		log.Fatal("Failed to connect to message bus", zap.Error(err))
	}
	defer eventBus.Close()
	log.Info("Message bus ready", zap.Bool("in_memory", cfg.MessageBus.URL == ""))

	tasks, squads, hist, convStore, sessions, err := openStores(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to open persistence", zap.Error(err))
	}
	defer func() {
		sessions.Close()
		convStore.Close()
		hist.Close()
		squads.Close()
		tasks.Close()
	}()
	log.Info("Persistence ready", zap.String("driver", cfg.Database.Driver))

	engine := workflow.NewEngine(tasks, hist, eventBus, log)
	directory := orchestrator.NewDirectory(tasks, squads)

	tracker := conversation.NewTracker(convStore, hist, eventBus, directory, cfg.Conversation, log)
	if err := tracker.Start(ctx); err != nil {
		log.Fatal("Failed to start conversation tracker", zap.Error(err))
	}
	defer tracker.Stop()

	defs, err := registry.LoadDefinitions(cfg.Agents.RoleDefinitionsPath)
	if err != nil {
		log.Warn("Falling back to built-in role definitions", zap.Error(err))
		defs = registry.DefaultDefinitions()
	}

	creds := credentials.NewEnvProvider("SQUADFLOW_")
	log.Info("Resolved llm credentials", zap.Strings("providers", creds.Available()))

	brains := func(role v1.AgentRole, model registry.ModelConfig) (runtime.Brain, error) {
		cred, err := creds.APIKey(model.Provider)
		if err != nil {
			return nil, err
		}
		return brain.New(brain.Config{
			Provider: model.Provider,
			Model:    model.Model,
			APIKey:   cred.Value,
		})
	}
	factory := registry.NewFactory(defs, brains, nil, eventBus, hist, sessions,
		cfg.Conversation.AnswerTimeout, log)
	defer factory.StopAll()

	locker := orchestrator.NewMemoryLocker()
	orch := orchestrator.New(tasks, squads, engine, factory, eventBus, hist, locker, directory,
		orchestrator.Config{
			LockTTL:           cfg.Orchestrator.LockTTL,
			MaxConcurrent:     cfg.Orchestrator.MaxConcurrent,
			QueueSize:         cfg.Orchestrator.QueueSize,
			ExecutionDeadline: cfg.Workflow.ExecutionDeadline,
		}, log)
	defer orch.Stop()

	hub := streaming.NewHub(eventBus, directory, cfg.Stream, log)
	if err := hub.Start(ctx); err != nil {
		log.Fatal("Failed to start stream hub", zap.Error(err))
	}
	defer hub.Stop()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.ErrorHandler(log))
	router.Use(api.CORS())

	handler := api.NewHandler(orch, tracker, tasks, squads, hist, log)
	wsHandler := streaming.NewWSHandler(hub, log)
	api.SetupRoutes(router.Group("/api/v1"), handler, wsHandler.Stream)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"bus_connected": eventBus.IsConnected(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Shutdown signal received", zap.String("signal", sig.String()))
		case <-groupCtx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("Service error", zap.Error(err))
	}

	cancel()
	log.Info("Orchestration core stopped")
}

// openStores builds the persistence layer for the configured driver. The
// postgres driver applies to the message history; the row stores ride on
// sqlite alongside it.
func openStores(ctx context.Context, cfg config.DatabaseConfig) (
	taskrepo.Repository, squadrepo.Repository, history.Store, conversation.Store, session.Store, error) {

	if cfg.Driver == "memory" {
		return taskrepo.NewMemoryRepository(), squadrepo.NewMemoryRepository(),
			history.NewMemoryStore(), conversation.NewMemoryStore(), session.NewMemoryStore(), nil
	}

	tasks, err := taskrepo.NewSQLiteRepository(cfg.Path)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	squads, err := squadrepo.NewSQLiteRepository(cfg.Path)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	convStore, err := conversation.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	sessions, err := session.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	var hist history.Store
	if cfg.Driver == "postgres" {
		hist, err = history.NewPostgresStore(ctx, cfg.PostgresDSN())
	} else {
		hist, err = history.NewSQLiteStore(cfg.Path)
	}
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	return tasks, squads, hist, convStore, sessions, nil
}
