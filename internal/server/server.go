package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	analysisdomain "github.com/signalworks/insight/internal/analysis/domain"
	"github.com/signalworks/insight/internal/cache"
	"github.com/signalworks/insight/internal/config"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
	idempotencydomain "github.com/signalworks/insight/internal/idempotency/domain"
	"github.com/signalworks/insight/internal/observability/logger"
	"github.com/signalworks/insight/internal/observability/metrics"
	"github.com/signalworks/insight/internal/observability/tracing"
	paymentdomain "github.com/signalworks/insight/internal/payment/domain"
	"github.com/signalworks/insight/internal/tier"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Server holds the HTTP surface and its collaborators.
type Server struct {
	cfg     config.Config
	log     *zap.Logger
	db      *gorm.DB
	catalog *tier.Catalog

	creditSvc      creditdomain.Service
	analysisSvc    analysisdomain.Service
	idempotencySvc idempotencydomain.Service
	paymentSvc     paymentdomain.Service

	limiter      *rateLimiter
	accountCache *cache.TTLCache[string, *creditdomain.Account]
	httpMetrics  *metrics.HTTPMetrics
}

type Params struct {
	fx.In

	Cfg            config.Config
	Log            *zap.Logger
	DB             *gorm.DB
	Catalog        *tier.Catalog
	CreditSvc      creditdomain.Service
	AnalysisSvc    analysisdomain.Service
	IdempotencySvc idempotencydomain.Service
	PaymentSvc     paymentdomain.Service
	HTTPMetrics    *metrics.HTTPMetrics `optional:"true"`
}

func NewServer(p Params) *Server {
	return &Server{
		cfg:            p.Cfg,
		log:            p.Log.Named("server"),
		db:             p.DB,
		catalog:        p.Catalog,
		creditSvc:      p.CreditSvc,
		analysisSvc:    p.AnalysisSvc,
		idempotencySvc: p.IdempotencySvc,
		paymentSvc:     p.PaymentSvc,
		limiter:        newRateLimiter(p.Cfg.RateLimitMax, p.Cfg.RateLimitWindow),
		accountCache:   cache.NewTTLCache[string, *creditdomain.Account](),
		httpMetrics:    p.HTTPMetrics,
	}
}

// Router assembles the gin engine with the full middleware stack.
func (s *Server) Router() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(tracing.GinMiddleware("insight"))
	engine.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	engine.Use(metrics.GinMiddleware(s.httpMetrics))

	engine.GET("/healthz", s.Healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1", s.AuthRequired())
	{
		v1.POST("/analyze", s.RateLimit(), s.Analyze)
		v1.GET("/credits", s.GetCredits)
		v1.GET("/jobs/:id", s.GetJob)
	}

	admin := engine.Group("/admin", s.AdminKeyRequired())
	{
		admin.POST("/credits/adjust", s.AdminAdjustCredits)
	}

	engine.POST("/webhooks/subscription", s.SubscriptionWebhook)

	return engine
}

// @Summary      Health check
// @Tags         ops
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /healthz [get]
func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RunHTTP binds the server lifetime to the fx app.
func RunHTTP(lc fx.Lifecycle, s *Server) {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				s.log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)
