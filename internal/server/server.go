package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/plangate/internal/audit/domain"
	"github.com/smallbiznis/plangate/internal/authorization"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/internal/config"
	"github.com/smallbiznis/plangate/internal/enforcement"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/observability"
	obsmiddleware "github.com/smallbiznis/plangate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/plangate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/plangate/internal/observability/tracing"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	"github.com/smallbiznis/plangate/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/plangate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, srv *Server, log *zap.Logger) {
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	authzSvc        authorization.Service
	planSvc         plandomain.Service
	subscriptionSvc subscriptiondomain.Service
	usageSvc        usagedomain.Service
	entitlementSvc  entitlementdomain.Service
	gate            *enforcement.Gate
	auditSvc        auditdomain.Service
	usageLimiter    *ratelimit.UsageLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	AuthzSvc        authorization.Service
	PlanSvc         plandomain.Service
	SubscriptionSvc subscriptiondomain.Service
	UsageSvc        usagedomain.Service
	EntitlementSvc  entitlementdomain.Service
	Gate            *enforcement.Gate
	AuditSvc        auditdomain.Service     `optional:"true"`
	UsageLimiter    *ratelimit.UsageLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		authzSvc:        p.AuthzSvc,
		planSvc:         p.PlanSvc,
		subscriptionSvc: p.SubscriptionSvc,
		usageSvc:        p.UsageSvc,
		entitlementSvc:  p.EntitlementSvc,
		gate:            p.Gate,
		auditSvc:        p.AuditSvc,
		usageLimiter:    p.UsageLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerAdminRoutes()
	svc.registerTenantRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", ActorContext())

	// -------- Plans --------
	admin.GET("/plans", s.authorizeAdmin(authorization.ObjectPlan, authorization.ActionPlanView), s.ListPlans)
	admin.POST("/plans", s.authorizeAdmin(authorization.ObjectPlan, authorization.ActionPlanCreate), s.CreatePlan)
	admin.GET("/plans/:id", s.authorizeAdmin(authorization.ObjectPlan, authorization.ActionPlanView), s.GetPlan)
	admin.PATCH("/plans/:id", s.authorizeAdmin(authorization.ObjectPlan, authorization.ActionPlanUpdate), s.UpdatePlan)
	admin.POST("/plans/:id/reset-features", s.authorizeAdmin(authorization.ObjectPlan, authorization.ActionPlanResetFeatures), s.ResetPlanFeatures)
	admin.POST("/plans/:id/deactivate", s.authorizeAdmin(authorization.ObjectPlan, authorization.ActionPlanDeactivate), s.DeactivatePlan)
	admin.POST("/plans/:id/activate", s.authorizeAdmin(authorization.ObjectPlan, authorization.ActionPlanActivate), s.ActivatePlan)

	// -------- Subscriptions --------
	subs := admin.Group("/subscriptions")
	subs.POST("", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionCreate), s.CreateSubscription)
	subs.GET("/:tenant_id", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.GetSubscription)
	subs.GET("/:tenant_id/history", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.ListPlanChanges)
	subs.POST("/:tenant_id/change-plan", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionChangePlan), s.ChangePlan)
	subs.POST("/:tenant_id/cancel", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionCancel), s.CancelSubscription)
	subs.POST("/:tenant_id/transition", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionTransition), s.TransitionSubscription)
	subs.POST("/:tenant_id/grace", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionGrace), s.StartGracePeriod)
	subs.DELETE("/:tenant_id/grace", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionGrace), s.EndGracePeriod)
	subs.POST("/:tenant_id/reset-usage", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionResetUsage), s.ResetUsage)
	subs.POST("/:tenant_id/apply-pending", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionApplyPending), s.ApplyPendingChange)

	// -------- Audit --------
	admin.GET("/audit-logs", s.authorizeAdmin(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

func (s *Server) registerTenantRoutes() {
	v1 := s.engine.Group("/v1", TenantContext())

	v1.GET("/entitlements", s.gate.RequireSubscription(), s.GetEntitlement)
	v1.GET("/entitlements/check", s.CheckEntitlementFeatures)
	v1.GET("/usage", s.GetUsage)

	// one route per resource so each gets a usage gate bound to its limit
	for _, resource := range catalog.Resources {
		v1.POST("/usage/"+string(resource),
			s.UsageRateLimit(),
			s.gate.CheckUsageLimit(resource),
			s.RecordUsage(resource),
		)
	}
}
