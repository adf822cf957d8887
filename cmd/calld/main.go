package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ringnet/internal/core/services"
	httphandlers "ringnet/internal/handlers/http"
	"ringnet/internal/infrastructure/middleware"
	"ringnet/internal/infrastructure/monitoring"
	repositories "ringnet/internal/infrastructure/repositories"
	signalgw "ringnet/internal/infrastructure/signal"
	"ringnet/pkg/config"
	"ringnet/pkg/logger"
	"ringnet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/ringnet/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	// Tracing is optional; the no-op provider keeps span helpers cheap
	// when disabled.
	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     true,
			ServiceName: "ringnet-calld",
			JaegerURL:   cfg.Tracing.JaegerURL,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Fatalw("failed to initialize tracing", "error", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				log.Errorw("error shutting down tracer provider", "error", err)
			}
		}()
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	signaling := repoFactory.CreateSignalingChannel()
	mailbox := repoFactory.CreateInviteMailbox()

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddCheck("repositories", repoFactory.HealthCheck, 2*time.Second)

	gateway := signalgw.NewPresenceGateway(
		mailbox,
		authService,
		cfg.Presence.PingInterval,
		cfg.Presence.PongTimeout,
		cfg.Auth.AllowedOrigins,
		log,
	)
	monitoring.RegisterPresenceGauge(gateway.ConnectedUsers)

	authHandler := httphandlers.NewAuthHandler(authService)
	callHandler := httphandlers.NewCallHandler(mailbox, signaling)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	// Public token endpoint
	authHandler.SetupRoutes(router)

	// Call coordination API behind JWT auth
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(authService))
	callHandler.SetupRoutes(api)

	// Presence push channel (token carried as a query parameter)
	router.GET("/ws", gin.WrapF(gateway.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := 200
		if status.Status != "healthy" {
			code = 503
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting ringnet call daemon on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down ringnet call daemon...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("ringnet call daemon stopped")
}
