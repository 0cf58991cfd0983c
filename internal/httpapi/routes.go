package httpapi

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lobber-dev/lobber/internal/config"
	"github.com/lobber-dev/lobber/internal/inspector"
	"github.com/lobber-dev/lobber/internal/metrics"
	"github.com/lobber-dev/lobber/internal/registry"
)

func registerRoutes(engine *gin.Engine, deps Deps) {
	startedAt := time.Now()

	engine.GET("/", handleBanner(deps.Config))
	engine.GET("/health", handleHealth(deps.Registry, startedAt))
	engine.GET("/metrics", gin.WrapH(metrics.Handler(deps.PromReg)))
	engine.GET("/_gateway/connect", handleConnect(deps))

	api := engine.Group("/api")
	api.GET("/tunnels", handleListTunnels(deps.Registry))
	api.GET("/tunnels/:id", handleGetTunnel(deps.Registry))
	api.GET("/traffic", handleListTraffic(deps.Inspector, ""))
	api.GET("/traffic/tunnel/:tunnelId", handleTrafficByTunnel(deps.Inspector))
	api.GET("/traffic/:requestId", handleGetExchange(deps.Inspector))
	api.GET("/traffic/:requestId/curl", handleCurl(deps))
	api.GET("/stats", handleStats(deps.Registry, deps.Inspector))
}

// handleBanner serves the apex domain's informational JSON banner —
// the gateway has no web dashboard, so a bare request to the apex
// (rather than a tunnel subdomain) gets a pointer at what it is
// instead of falling through to a bare 404.
func handleBanner(cfg *config.GatewayConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":      "lobber",
			"publicDomain": cfg.PublicDomain,
			"docs":         "/api/tunnels",
		})
	}
}

func handleHealth(reg *registry.Registry, startedAt time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"tunnels": len(reg.List()),
			"uptime":  int64(time.Since(startedAt).Seconds()),
		})
	}
}

type tunnelSummary struct {
	ID           string    `json:"id"`
	Subdomain    string    `json:"subdomain"`
	LocalPort    int       `json:"localPort"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	RequestCount uint64    `json:"requestCount"`
	BytesIn      uint64    `json:"bytesIn"`
	BytesOut     uint64    `json:"bytesOut"`
}

func summarize(t *registry.Tunnel) tunnelSummary {
	stats := t.Stats()
	return tunnelSummary{
		ID:           t.ID,
		Subdomain:    t.Subdomain,
		LocalPort:    t.LocalPort,
		CreatedAt:    t.CreatedAt,
		LastActivity: stats.LastActivity,
		RequestCount: stats.RequestCount,
		BytesIn:      stats.BytesIn,
		BytesOut:     stats.BytesOut,
	}
}

func handleListTunnels(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		tunnels := reg.List()
		out := make([]tunnelSummary, 0, len(tunnels))
		for _, t := range tunnels {
			out = append(out, summarize(t))
		}
		c.JSON(http.StatusOK, gin.H{"tunnels": out, "count": len(out)})
	}
}

func handleGetTunnel(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, ok := reg.LookupByID(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "tunnel not found", "code": "TUNNEL_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusOK, summarize(t))
	}
}

func parseTrafficFilter(c *gin.Context, tunnelID string) inspector.Filter {
	f := inspector.Filter{TunnelID: tunnelID}
	f.Method = c.Query("method")
	if sc := c.Query("status"); sc != "" {
		if n, err := strconv.Atoi(sc); err == nil {
			f.StatusCode = n
		}
	}
	if p := c.Query("path"); p != "" {
		if re, err := regexp.Compile("(?i)" + p); err == nil {
			f.PathRegexp = re
		}
	}
	if since := c.Query("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = ts
		}
	}
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	f.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return f
}

func exchangeView(e *inspector.CapturedExchange) gin.H {
	return gin.H{
		"requestId":   e.RequestID,
		"tunnelId":    e.TunnelID,
		"subdomain":   e.Subdomain,
		"method":      e.Method,
		"path":        e.Path,
		"query":       e.Query,
		"headers":     inspector.Sanitized(e.Headers),
		"statusCode":  e.StatusCode,
		"error":       e.Error,
		"startedAt":   e.StartedAt,
		"completedAt": e.CompletedAt,
		"durationMs":  e.Duration().Milliseconds(),
	}
}

func handleListTraffic(insp *inspector.Store, tunnelID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := parseTrafficFilter(c, tunnelID)
		exchanges := insp.List(f)
		out := make([]gin.H, 0, len(exchanges))
		for _, e := range exchanges {
			out = append(out, exchangeView(e))
		}
		c.JSON(http.StatusOK, gin.H{"traffic": out})
	}
}

func handleTrafficByTunnel(insp *inspector.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := parseTrafficFilter(c, c.Param("tunnelId"))
		exchanges := insp.List(f)
		out := make([]gin.H, 0, len(exchanges))
		for _, e := range exchanges {
			out = append(out, exchangeView(e))
		}
		c.JSON(http.StatusOK, gin.H{"traffic": out})
	}
}

func handleGetExchange(insp *inspector.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, ok := insp.Get(c.Param("requestId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "exchange not found", "code": "REQUEST_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusOK, exchangeView(e))
	}
}

func handleCurl(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, ok := deps.Inspector.Get(c.Param("requestId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "exchange not found", "code": "REQUEST_NOT_FOUND"})
			return
		}
		sanitize := c.DefaultQuery("sanitize", "true") != "false"
		cmd := inspector.Curl(e, deps.Config.PublicScheme, deps.Config.PublicDomain, sanitize)
		c.JSON(http.StatusOK, gin.H{"curl": cmd})
	}
}

func handleStats(reg *registry.Registry, insp *inspector.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		tunnels := reg.List()
		var requests, bytesIn, bytesOut uint64
		for _, t := range tunnels {
			s := t.Stats()
			requests += s.RequestCount
			bytesIn += s.BytesIn
			bytesOut += s.BytesOut
		}
		c.JSON(http.StatusOK, gin.H{
			"activeTunnels":     len(tunnels),
			"totalRequests":     requests,
			"totalBytesIn":      bytesIn,
			"totalBytesOut":     bytesOut,
			"capturedExchanges": len(insp.List(inspector.Filter{})),
		})
	}
}
