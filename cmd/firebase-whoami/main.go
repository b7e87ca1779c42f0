package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bionicotaku/lingo-utils-fbauth"
	"github.com/bionicotaku/lingo-utils-fbauth/httpauth"
	"github.com/bionicotaku/lingo-utils-fbauth/internal/envfile"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	envPath := envfile.DefaultPath()
	if err := envfile.Load(envPath, logger); err != nil {
		logger.Warn("load env file", zap.String("path", envPath), zap.Error(err))
	}

	addr := flag.String("addr", ":8080", "Listen address")
	envPrefix := flag.String("env-prefix", "API", "Prefix of the <PREFIX>_FIREBASE_* variables")
	devBypass := flag.Bool("dev-bypass", false, "Treat anonymous callers as a synthetic dev user. Never enable in production.")
	flag.Parse()

	cfg, err := fbauth.ConfigFromEnv(*envPrefix)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	metrics := fbauth.NewMetrics("fbauth")
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.MustRegister(registry)

	verifier, err := fbauth.NewVerifier(cfg, fbauth.WithLogger(logger), fbauth.WithMetrics(metrics))
	if err != nil {
		logger.Fatal("create verifier", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		warmCtx, cancel := context.WithTimeout(ctx, verifier.Config().HTTPTimeout)
		defer cancel()
		if err := verifier.Warmup(warmCtx); err != nil {
			logger.Warn("key warmup failed; first request will retry", zap.Error(err))
		}
	}()

	opts := httpauth.Options{Logger: logger, Required: true}
	if *devBypass {
		claims := fbauth.DefaultDevBypassClaims(verifier.Config().ProjectID)
		opts.DevBypass = &claims
		logger.Warn("dev bypass enabled; anonymous callers are authenticated as a synthetic user")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newRouter(verifier, registry, opts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", *addr), zap.String("project_id", verifier.Config().ProjectID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

func newRouter(verifier *fbauth.Verifier, gatherer prometheus.Gatherer, opts httpauth.Options) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		keys, refreshAt := verifier.Cache().Snapshot()
		if keys.Len() == 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "warming"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"keys":       keys.KeyIDs(),
			"refresh_at": refreshAt.UTC().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	authed := router.Group("/", httpauth.Gin(verifier, opts))
	authed.GET("/whoami", func(c *gin.Context) {
		identity, ok := httpauth.GinIdentity(c)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims := identity.Claims()
		c.JSON(http.StatusOK, gin.H{
			"sub":              claims.Subject,
			"user_id":          claims.UserID,
			"email":            claims.Email,
			"email_verified":   claims.EmailVerified,
			"sign_in_provider": claims.SignInProvider,
			"tenant":           claims.TenantID,
			"expires_at":       claims.ExpiresAt.UTC().Format(time.RFC3339),
			"dev_bypass":       identity.DevBypass(),
			"claims":           claims.CustomClaims,
		})
	})
	return router
}
