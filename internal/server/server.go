package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/genbroker/internal/backend"
	"github.com/smallbiznis/genbroker/internal/config"
	creditdomain "github.com/smallbiznis/genbroker/internal/credit/domain"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
	"github.com/smallbiznis/genbroker/internal/jobstatus"
	"github.com/smallbiznis/genbroker/internal/observability"
	obslogger "github.com/smallbiznis/genbroker/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genbroker/internal/observability/metrics"
	obstracing "github.com/smallbiznis/genbroker/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	catalog     *config.Catalog
	generations generationdomain.Service
	credits     creditdomain.Service
	status      *jobstatus.Service
	backends    *backend.Registry
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	Catalog     *config.Catalog
	Generations generationdomain.Service
	Credits     creditdomain.Service
	Status      *jobstatus.Service
	Backends    *backend.Registry
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		catalog:     p.Catalog,
		generations: p.Generations,
		credits:     p.Credits,
		status:      p.Status,
		backends:    p.Backends,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.GET("/catalog", s.GetCatalog)

	// -------- Generations --------
	api.POST("/generations", s.CreateGeneration)
	api.POST("/generations/preview", s.PreviewGeneration)
	api.GET("/generations/:id", s.GetGeneration)
	api.GET("/generations/:id/events", s.StreamGenerationEvents)

	// -------- Accounts --------
	api.GET("/accounts/:id/credits", s.GetAccountCredits)
	api.GET("/accounts/:id/transactions", s.ListAccountTransactions)

	// -------- Webhooks --------
	api.POST("/payments/webhooks/:provider", s.HandlePaymentWebhook)
	api.POST("/backends/:backend/webhooks", s.HandleBackendWebhook)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
