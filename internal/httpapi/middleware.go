package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/lobber-dev/lobber/internal/config"
	"github.com/lobber-dev/lobber/internal/forwarder"
	"github.com/lobber-dev/lobber/internal/gwerrors"
)

// reservedAPIHosts are first-labels that route to the gateway's own
// API surface rather than being treated as a tunnel subdomain, even
// though they are syntactically valid subdomains.
var reservedAPIHosts = map[string]bool{
	"api": true,
	"www": true,
}

// extractSubdomain reports the single-label subdomain host is
// registered under for publicDomain, if any. It requires an exact
// suffix match on a single label: "a.lobber.dev" yields ("a", true),
// but "a.b.lobber.dev" yields ("", false) rather than silently
// matching "a" against the wrong parent domain — the two-label
// mis-route the gateway used to be vulnerable to.
func extractSubdomain(host, publicDomain string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == publicDomain {
		return "", false
	}
	suffix := "." + publicDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	if reservedAPIHosts[label] {
		return "", false
	}
	return label, true
}

// hostRouter short-circuits any request whose Host resolves to a
// tunnel subdomain straight into the forwarder, before gin's own path
// routing ever sees it.
func hostRouter(cfg *config.GatewayConfig, fwd *forwarder.Forwarder) gin.HandlerFunc {
	return func(c *gin.Context) {
		subdomain, ok := extractSubdomain(c.Request.Host, cfg.PublicDomain)
		if !ok {
			c.Next()
			return
		}
		fwd.Forward(c.Writer, c.Request, subdomain)
		c.Abort()
	}
}

// rateLimiter guards the public surface with a single process-wide
// token bucket, returning RATE_LIMITED once exhausted.
func rateLimiter(rps float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			writeJSONError(c, gwerrors.New(gwerrors.CodeRateLimited, "too many requests"))
			c.Abort()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
		c.Next()
	}
}

// cors allows only the configured dashboard origin to read API
// responses with credentials; tunnel subdomains never get CORS
// headers from this middleware since hostRouter has already diverted
// them by the time this would run.
func cors(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigin != "" && origin == allowedOrigin {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func writeJSONError(c *gin.Context, err *gwerrors.Error) {
	c.JSON(err.Code.HTTPStatus(), gin.H{"error": err.Message, "code": string(err.Code)})
}
