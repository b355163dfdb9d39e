package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/asyncgate/asyncgate/pkg/config"
	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/log"
	"github.com/asyncgate/asyncgate/pkg/metrics"
)

// Server is the AsyncGate HTTP surface.
type Server struct {
	engine  *engine.Engine
	cfg     *config.Config
	auth    engine.AuthResolver
	tenants engine.TenantResolver
	router  *gin.Engine
	logger  zerolog.Logger
	http    *http.Server
}

// NewServer wires the router. Pass nil resolvers to get the defaults
// (API-key auth, header tenant).
func NewServer(eng *engine.Engine, cfg *config.Config, auth engine.AuthResolver, tenants engine.TenantResolver) *Server {
	if auth == nil {
		auth = &APIKeyAuthResolver{APIKey: cfg.APIKey}
	}
	if tenants == nil {
		tenants = HeaderTenantResolver{}
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine:  eng,
		cfg:     cfg,
		auth:    auth,
		tenants: tenants,
		logger:  log.WithComponent("api"),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLog())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.CORSAllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders,
		HeaderAPIKey, HeaderTenantID, HeaderPrincipalKind, HeaderPrincipalID)
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1", s.identify())
	{
		v1.POST("/tasks", s.op("create_task"), s.createTask)
		v1.GET("/tasks", s.op("list_tasks"), s.listTasks)
		v1.GET("/tasks/:id", s.op("get_task"), s.getTask)
		v1.POST("/tasks/:id/cancel", s.op("cancel_task"), s.cancelTask)

		v1.GET("/receipts", s.op("list_receipts"), s.listReceipts)
		v1.POST("/receipts/:id/ack", s.op("ack_receipt"), s.ackReceipt)
		v1.GET("/obligations/open", s.op("list_open_obligations"), s.listOpenObligations)
		v1.POST("/bootstrap", s.op("bootstrap"), s.bootstrap)

		v1.POST("/claims", s.op("claim_tasks"), s.claimTasks)
		v1.POST("/leases/:id/renew", s.op("renew_lease"), s.renewLease)
		v1.POST("/leases/:id/start", s.op("start_task"), s.startTask)
		v1.POST("/leases/:id/progress", s.op("report_progress"), s.reportProgress)
		v1.POST("/leases/:id/complete", s.op("complete"), s.complete)
		v1.POST("/leases/:id/fail", s.op("fail"), s.fail)

		v1.GET("/system/config", s.op("get_config"), s.getConfig)
		v1.GET("/system/metrics", s.op("get_metrics"), s.getMetrics)
	}
	return r
}

// identify resolves the caller and tenant once per request and stashes
// them in the gin context.
func (s *Server) identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		credentials := c.GetHeader(HeaderAPIKey) + "|" +
			c.GetHeader(HeaderPrincipalKind) + "|" +
			c.GetHeader(HeaderPrincipalID)
		caller, err := s.auth.Resolve(c.Request.Context(), credentials)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		tenant, err := s.tenants.Resolve(c.Request.Context(), c.GetHeader(HeaderTenantID))
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(ctxCaller, caller)
		c.Set(ctxTenant, tenant)
		c.Next()
	}
}

// op labels the request for metrics.
func (s *Server) op(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()
		timer.ObserveDurationVec(metrics.APIRequestDuration, name)
		metrics.APIRequestsTotal.WithLabelValues(name, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving on cfg.ListenAddr. Blocks until the listener
// fails or Shutdown runs.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("api listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"instance_id": s.engine.InstanceID(),
	})
}

const (
	ctxCaller = "asyncgate.caller"
	ctxTenant = "asyncgate.tenant"
)

func caller(c *gin.Context) engine.Caller {
	v, _ := c.Get(ctxCaller)
	caller, _ := v.(engine.Caller)
	return caller
}

func tenant(c *gin.Context) string {
	v, _ := c.Get(ctxTenant)
	tenant, _ := v.(string)
	return tenant
}
