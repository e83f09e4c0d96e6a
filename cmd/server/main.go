package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-plt-approvals/internal/cache"
	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/engine"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/queue"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/resolver"
	"github.com/pesio-ai/be-plt-approvals/internal/sla"
	"github.com/pesio-ai/be-plt-approvals/internal/template"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize Redis (resolver cache and delayed-job queue)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")

	// Initialize NATS (notifications, optional)
	var natsConn *nats.Conn
	if cfg.NATS.Enabled {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, notifications disabled")
			natsConn = nil
		} else {
			defer natsConn.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}

	// Initialize repositories
	templateRepo := repository.NewTemplateRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	eventRepo := repository.NewEventRepository(db)
	directoryRepo := repository.NewDirectoryRepository(db)

	// Initialize domain components
	templateStore := template.NewStore(templateRepo, log)

	cacheTTL := time.Duration(cfg.Timers.CacheTTLSeconds) * time.Second
	rules := resolver.New(directoryRepo, cache.NewRedis(redisClient), cacheTTL, log)

	jobQueue := queue.NewRedisQueue(redisClient, cfg.Timers.PollInterval, log)
	notifier := client.NewNotificationPublisher(natsConn, log)

	timerService := sla.New(sla.Config{
		Queue:        jobQueue,
		Tasks:        taskRepo,
		Events:       eventRepo,
		Notifier:     notifier,
		Logger:       log,
		ReminderFrac: cfg.Timers.ReminderFrac,
	})

	lifecycleURL := getEnv("LIFECYCLE_SERVICE_URL", "http://localhost:8085")
	lifecycleClient := client.NewLifecycleClient(lifecycleURL, log)

	eng := engine.New(engine.Config{
		Instances:   instanceRepo,
		Tasks:       taskRepo,
		Templates:   templateStore,
		Rules:       rules,
		Timers:      timerService,
		Lifecycle:   lifecycleClient,
		Events:      eventRepo,
		Notifier:    notifier,
		Logger:      log,
		LockTimeout: cfg.Timers.LockTimeout,
	})

	// Metrics: count workflow events as they happen
	m := metrics.New()
	eng.Subscribe(func(ev engine.Event) {
		switch ev.Type {
		case engine.EventInstanceCreated:
			m.InstancesCreated.WithLabelValues("success").Inc()
		case engine.EventInstanceCompleted:
			m.InstancesFinished.WithLabelValues("completed").Inc()
		case engine.EventInstanceCanceled:
			m.InstancesFinished.WithLabelValues("canceled").Inc()
		case engine.EventTaskApproved:
			m.DecisionsTotal.WithLabelValues("approved").Inc()
		case engine.EventTaskRejected:
			m.DecisionsTotal.WithLabelValues("rejected").Inc()
		case engine.EventEscalated:
			m.TimerFires.WithLabelValues("escalation").Inc()
		}
	})

	// Start the delayed-job poller and rehydrate SLA timers
	go jobQueue.Run(ctx)
	defer jobQueue.Shutdown()

	if n, err := timerService.Rehydrate(ctx, ""); err != nil {
		log.Error().Err(err).Msg("Timer rehydration failed")
	} else {
		log.Info().Int("task_count", n).Msg("SLA timers rehydrated")
	}

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(templateStore, eng, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	httpHandler.Routes(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
