package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fanbeam/tokenledger/internal/config"
	ledgerdomain "github.com/fanbeam/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/fanbeam/tokenledger/internal/observability/metrics"
	payoutdomain "github.com/fanbeam/tokenledger/internal/payout/domain"
	raildomain "github.com/fanbeam/tokenledger/internal/rail/domain"
	reconciledomain "github.com/fanbeam/tokenledger/internal/reconcile/domain"
	sessiondomain "github.com/fanbeam/tokenledger/internal/session/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	genID         *snowflake.Node
	ledgerSvc     ledgerdomain.Service
	sessionSvc    sessiondomain.Service
	payoutSvc     payoutdomain.Service
	reconcileSvc  reconciledomain.Service
	webhookParser raildomain.WebhookParser
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	GenID         *snowflake.Node
	LedgerSvc     ledgerdomain.Service
	SessionSvc    sessiondomain.Service
	PayoutSvc     payoutdomain.Service
	ReconcileSvc  reconciledomain.Service
	WebhookParser raildomain.WebhookParser
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("server"),
		genID:         p.GenID,
		ledgerSvc:     p.LedgerSvc,
		sessionSvc:    p.SessionSvc,
		payoutSvc:     p.PayoutSvc,
		reconcileSvc:  p.ReconcileSvc,
		webhookParser: p.WebhookParser,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerInternalRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.UserRequired())

	wallet := api.Group("/wallet")
	wallet.POST("/purchases", s.CreatePurchase)
	wallet.POST("/tips", s.CreateTip)
	wallet.GET("/balance", s.GetBalance)
	wallet.GET("/transactions", s.ListTransactions)

	sessions := api.Group("/sessions")
	sessions.POST("", s.StartSession)
	sessions.POST("/:id/end", s.EndSession)
	sessions.GET("/:id", s.GetSession)

	payouts := api.Group("/creator-payouts")
	payouts.POST("/payee", s.RegisterPayee)
	payouts.POST("/intent", s.SetPayoutIntent)
	payouts.DELETE("/intent", s.CancelPayoutIntent)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal", s.InternalAuthRequired())

	internal.POST("/payouts/run", s.TriggerPayoutRun)
	internal.GET("/payouts/status/:runId", s.GetPayoutRunStatus)
	internal.GET("/payouts/health", s.GetPayoutHealth)

	internal.POST("/reconcile/run", s.TriggerReconciliation)
	internal.GET("/reconcile/history", s.GetReconciliationHistory)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/rail", s.HandleRailWebhook)
}
