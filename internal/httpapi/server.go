// Package httpapi is the one edge concern this core carries: a thin Gin
// front door (gin.Engine construction, ErrorHandlingMiddleware,
// AbortWithError) over the meter-actor RPC surface, scaled down to the
// five operations this core exposes. Everything behind these handlers —
// auth, routing to the right replica, admin CRUD for grants/plans — is
// out of scope for this service.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/unprice/entitlements/internal/config"
	"github.com/unprice/entitlements/internal/entitlement/domain"
	"github.com/unprice/entitlements/internal/meteractor"
)

// Server wraps the gin.Engine and the actor pool every handler dispatches
// through.
type Server struct {
	engine *gin.Engine
	pool   *meteractor.Pool
	log    *zap.Logger
}

func NewEngine(appCfg config.Config) *gin.Engine {
	if appCfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	return engine
}

func NewServer(engine *gin.Engine, pool *meteractor.Pool, log *zap.Logger) *Server {
	return &Server{engine: engine, pool: pool, log: log.Named("httpapi")}
}

// RegisterRoutes wires the health/metrics probes and the five core
// operations under /v1/projects/:projectId/customers/:customerId.
func (s *Server) RegisterRoutes() {
	s.engine.Use(ErrorHandlingMiddleware())

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1/projects/:projectId/customers/:customerId")
	v1.POST("/verify", s.handleVerify)
	v1.POST("/usage", s.handleReportUsage)
	v1.GET("/usage", s.handleGetCurrentUsage)
	v1.GET("/entitlements", s.handleGetActiveEntitlements)
	v1.POST("/reset", s.handleResetEntitlements)
}

func (s *Server) actor(c *gin.Context) *meteractor.Actor {
	projectID := strings.TrimSpace(c.Param("projectId"))
	customerID := strings.TrimSpace(c.Param("customerId"))
	return s.pool.Get(projectID, customerID)
}

type verifyRequestBody struct {
	FeatureSlug      string         `json:"featureSlug"`
	Timestamp        int64          `json:"timestamp"`
	Usage            *float64       `json:"usage"`
	IdempotenceKey   string         `json:"idempotenceKey"`
	RequestID        string         `json:"requestId"`
	Metadata         map[string]any `json:"metadata"`
	FlushTimeSeconds *int64         `json:"flushTimeSeconds"`
}

func (s *Server) handleVerify(c *gin.Context) {
	var body verifyRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, domain.ErrSchemaInvalid)
		return
	}

	var flushTime *time.Duration
	if body.FlushTimeSeconds != nil {
		d := time.Duration(*body.FlushTimeSeconds) * time.Second
		flushTime = &d
	}

	result, err := s.actor(c).Verify(c.Request.Context(), domain.VerifyRequest{
		ProjectID:        strings.TrimSpace(c.Param("projectId")),
		CustomerID:       strings.TrimSpace(c.Param("customerId")),
		FeatureSlug:      body.FeatureSlug,
		Timestamp:        timestampOrNow(body.Timestamp),
		Usage:            body.Usage,
		IdempotenceKey:   body.IdempotenceKey,
		RequestID:        body.RequestID,
		Metadata:         body.Metadata,
		PerformanceStart: time.Now(),
		FlushTime:        flushTime,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type reportUsageRequestBody struct {
	FeatureSlug    string         `json:"featureSlug"`
	Usage          float64        `json:"usage"`
	Timestamp      int64          `json:"timestamp"`
	IdempotenceKey string         `json:"idempotenceKey"`
	RequestID      string         `json:"requestId"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) handleReportUsage(c *gin.Context) {
	var body reportUsageRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, domain.ErrSchemaInvalid)
		return
	}

	result, err := s.actor(c).ReportUsage(c.Request.Context(), domain.ReportUsageRequest{
		ProjectID:      strings.TrimSpace(c.Param("projectId")),
		CustomerID:     strings.TrimSpace(c.Param("customerId")),
		FeatureSlug:    body.FeatureSlug,
		Usage:          body.Usage,
		Timestamp:      timestampOrNow(body.Timestamp),
		IdempotenceKey: body.IdempotenceKey,
		RequestID:      body.RequestID,
		Metadata:       body.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetCurrentUsage(c *gin.Context) {
	result, err := s.actor(c).GetCurrentUsage(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetActiveEntitlements(c *gin.Context) {
	result, err := s.actor(c).GetActiveEntitlements(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlements": result})
}

func (s *Server) handleResetEntitlements(c *gin.Context) {
	if err := s.actor(c).ResetEntitlements(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	projectID := strings.TrimSpace(c.Param("projectId"))
	customerID := strings.TrimSpace(c.Param("customerId"))
	s.pool.Evict(projectID, customerID)
	c.Status(http.StatusNoContent)
}

func timestampOrNow(millis int64) time.Time {
	if millis <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(millis).UTC()
}

// RunHTTP starts listening in the background and stops on fx shutdown via
// the standard OnStart/OnStop lifecycle hook.
func RunHTTP(lc fx.Lifecycle, s *Server, appCfg config.Config) {
	addr := strings.TrimSpace(appCfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: s.engine}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.RegisterRoutes()
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

