package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/app"
	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/handler"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.New("api", "").Error("load config", "err", err)
		os.Exit(1)
	}
	logger := log.New("api", cfg.Env)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, logger *slog.Logger) error {
	deps, err := app.Open(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer deps.Close()

	// Nothing else can drain an in-process queue.
	if cfg.QueueBackend == "memory" {
		go func() {
			if err := deps.CardRenderer().Run(ctx, deps.Queue); err != nil {
				logger.Error("card renderer stopped", "err", err)
			}
		}()
	}

	issuer := auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	guards := handler.Guards{
		Public:  []gin.HandlerFunc{limiter.GinMiddleware()},
		Scanner: []gin.HandlerFunc{auth.Bearer(issuer, auth.RoleScanner, auth.RoleAdmin), limiter.GinMiddleware()},
		Admin:   []gin.HandlerFunc{auth.Bearer(issuer, auth.RoleAdmin), limiter.GinMiddleware()},
	}
	if cfg.AuthDisabled {
		logger.Warn("authentication disabled; all routes are open")
		guards.Scanner = guards.Public
		guards.Admin = guards.Public
	}

	h := handler.New(deps.Service, handler.Config{
		Queue:         deps.Queue,
		Issuer:        issuer,
		Logger:        log.SubLogger(logger, "http"),
		MaxImageBytes: cfg.MaxImageBytes,
		HealthChecks: map[string]handler.HealthCheck{
			"store": deps.Service.Healthy,
			"redis": deps.RedisHealthy,
		},
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log.SubLogger(logger, "access"), "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Mount(r, guards)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.HTTPPort, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "err", err)
	}
	logger.Info("server exited")
	return nil
}

// requestLogger logs one line per request and puts the logger on the
// request context.
func requestLogger(logger *slog.Logger, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(log.IntoContext(c.Request.Context(), logger))
		start := time.Now()
		c.Next()
		if skipped[c.Request.URL.Path] {
			return
		}
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
