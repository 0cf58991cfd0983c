package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lobber-dev/lobber/internal/ids"
	"github.com/lobber-dev/lobber/internal/session"
)

// upgrader accepts control-channel connections from the tunnel client
// agent, never a browser, so it accepts any Origin; no allowlist is
// applied.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleConnect upgrades a client agent's control connection and runs
// its session for the gateway's lifetime, independent of the HTTP
// request that initiated the upgrade.
func handleConnect(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			deps.Logger.Warn("control channel upgrade failed: %v", err)
			return
		}

		channelID, err := ids.ChannelID(nil)
		if err != nil {
			deps.Logger.Error("allocate channel id: %v", err)
			conn.Close()
			return
		}

		heartbeat := time.Duration(deps.Config.HeartbeatSeconds) * time.Second
		transport := session.NewWebSocketTransport(conn)
		sess := session.New(channelID, transport, deps.Registry, deps.Logger, deps.Metrics, heartbeat, deps.Config.PublicScheme, deps.Config.PublicDomain)

		deps.Logger.Info("control channel %s connected", channelID)

		ctx := gatewayContext(c)
		sess.Run(ctx)
	}
}

// gatewayContextKey is the gin engine-level key under which the
// gateway's shutdown context is stashed, since c.Request.Context()
// is cancelled as soon as this handler returns while the upgraded
// connection is meant to keep running until the gateway itself shuts
// down.
const gatewayContextKey = "gatewayCtx"

// WithGatewayContext stashes ctx on every request so handleConnect can
// run each session against the gateway's own lifetime instead of the
// per-request context. Call once, before any other middleware that
// might read or write gin keys.
func WithGatewayContext(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(gatewayContextKey, ctx)
		c.Next()
	}
}

func gatewayContext(c *gin.Context) context.Context {
	if v, ok := c.Get(gatewayContextKey); ok {
		if ctx, ok := v.(context.Context); ok {
			return ctx
		}
	}
	return context.Background()
}
