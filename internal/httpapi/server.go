// Package httpapi is the gateway's public HTTP surface: subdomain
// routing into the forwarder, the control-channel websocket upgrade,
// and the JSON API the dashboard/CLI/curl consume for tunnel and
// traffic introspection.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lobber-dev/lobber/internal/config"
	"github.com/lobber-dev/lobber/internal/forwarder"
	"github.com/lobber-dev/lobber/internal/inspector"
	"github.com/lobber-dev/lobber/internal/logging"
	"github.com/lobber-dev/lobber/internal/metrics"
	"github.com/lobber-dev/lobber/internal/registry"
)

// Server is the gateway's public HTTP entry point.
type Server struct {
	engine *gin.Engine
	cfg    *config.GatewayConfig
}

// Deps are every collaborator the public surface dispatches into.
type Deps struct {
	Config    *config.GatewayConfig
	Registry  *registry.Registry
	Inspector *inspector.Store
	Forwarder *forwarder.Forwarder
	Metrics   *metrics.Metrics
	PromReg   *prometheus.Registry
	Logger    *logging.Logger

	// Ctx is the gateway's own shutdown context, outliving any single
	// HTTP request. Control-channel sessions run against this instead
	// of the upgrade request's context.
	Ctx context.Context
}

// New builds the gin engine and registers every route.
func New(deps Deps) *Server {
	if deps.Ctx == nil {
		deps.Ctx = context.Background()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(deps.Logger.Child("http")))
	engine.Use(WithGatewayContext(deps.Ctx))
	engine.Use(rateLimiter(deps.Config.RateLimitRPS, deps.Config.RateLimitBurst))
	engine.Use(hostRouter(deps.Config, deps.Forwarder))
	engine.Use(cors(deps.Config.DashboardOrigin))

	registerRoutes(engine, deps)

	return &Server{engine: engine, cfg: deps.Config}
}

// Handler returns the server's http.Handler, for use with http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
