package server

import (
	"context"
	"net/http"
	"time"

	accountdomain "github.com/dukabook/kredo/internal/account/domain"
	"github.com/dukabook/kredo/internal/config"
	debtdomain "github.com/dukabook/kredo/internal/debt/domain"
	obslogger "github.com/dukabook/kredo/internal/observability/logger"
	paymentdomain "github.com/dukabook/kredo/internal/payment/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger, reg *prometheus.Registry) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return r
}

func registerGin(cfg config.Config, log *zap.Logger, reg *prometheus.Registry) *gin.Engine {
	return NewEngine(cfg, log, reg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
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
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	accountSvc accountdomain.Service
	paymentSvc paymentdomain.Service
	debtSvc    debtdomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	AccountSvc accountdomain.Service
	PaymentSvc paymentdomain.Service
	DebtSvc    debtdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		accountSvc: p.AccountSvc,
		paymentSvc: p.PaymentSvc,
		debtSvc:    p.DebtSvc,
	}
	svc.registerRoutes()
	return svc
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")

	user := api.Group("")
	user.Use(s.requireUserKey())
	user.GET("/credit", s.getCredit)
	user.POST("/usage/record", s.recordUsage)
	user.POST("/payment/initiate", s.initiatePayment)
	user.GET("/payment/status/:paymentID", s.getPaymentStatus)
	user.POST("/payment/:paymentID/cancel", s.cancelPayment)
	user.POST("/debt", s.createDebt)
	user.POST("/debt/:debtID/settle", s.settleDebt)

	// Provider confirmation endpoints carry their own authentication
	// (signatures or server-side re-query), never a user key.
	api.POST("/payment/webhook/:provider", s.paymentWebhook)
	api.GET("/payment/callback", s.paymentCallback)
	api.POST("/payment/callback", s.paymentCallback)
}

// requireUserKey resolves the calling user from the X-User-Key header. The
// key is an opaque device identity; there are no passwords in this system.
func (s *Server) requireUserKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		userKey := c.GetHeader("X-User-Key")
		if userKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing X-User-Key header",
				"code":  "missing_user_key",
			})
			return
		}
		c.Set("user_key", userKey)
		c.Next()
	}
}

func userKey(c *gin.Context) string {
	return c.GetString("user_key")
}
