// Package session owns one control channel's lifecycle: the message
// receiver loop, dispatch to the registry and pending tables, the
// heartbeat that detects a silently-dead peer, and teardown when the
// channel closes.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lobber-dev/lobber/internal/gwerrors"
	"github.com/lobber-dev/lobber/internal/logging"
	"github.com/lobber-dev/lobber/internal/metrics"
	"github.com/lobber-dev/lobber/internal/pending"
	"github.com/lobber-dev/lobber/internal/protocol"
	"github.com/lobber-dev/lobber/internal/registry"
)

const outboundQueueDepth = 256

// validate is safe for concurrent use once constructed, per the
// validator package's own documentation.
var validate = validator.New()

// Session manages one client agent's control channel: everything that
// flows between the registry and the wire for the tunnels this channel
// owns.
type Session struct {
	id        string
	transport Transport
	registry  *registry.Registry
	logger    *logging.Logger
	metrics   *metrics.Metrics

	publicScheme string
	publicDomain string

	heartbeatInterval time.Duration

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	lastPongUnixMilli atomic.Int64

	mu      sync.Mutex
	tunnels []*registry.Tunnel
}

// New constructs a session for a freshly-accepted control channel.
// id should be unique among concurrently-connected channels (used as
// the registry's channel key and in logs).
func New(id string, transport Transport, reg *registry.Registry, logger *logging.Logger, m *metrics.Metrics, heartbeatInterval time.Duration, publicScheme, publicDomain string) *Session {
	s := &Session{
		id:                id,
		transport:         transport,
		registry:          reg,
		logger:            logger.Child("session:" + id),
		metrics:           m,
		publicScheme:      publicScheme,
		publicDomain:      publicDomain,
		heartbeatInterval: heartbeatInterval,
		outbound:          make(chan []byte, outboundQueueDepth),
		done:              make(chan struct{}),
	}
	s.lastPongUnixMilli.Store(time.Now().UnixMilli())
	return s
}

// ID returns the channel identifier this session was constructed with.
func (s *Session) ID() string { return s.id }

// Send enqueues an already-encoded envelope for delivery, satisfying
// registry.Writer. It never blocks: a full queue or a closed session
// both return an error instead of waiting.
func (s *Session) Send(data []byte) error {
	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return gwerrors.New(gwerrors.CodeConnectionClosed, "control channel is closed")
	default:
		return gwerrors.New(gwerrors.CodeConnectionFailed, "control channel outbound queue is full")
	}
}

// Run drives the session until its transport fails, ctx is cancelled,
// or the peer goes silent past the heartbeat deadline. It always tears
// down every tunnel this channel owned before returning.
func (s *Session) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.metrics.IncActiveChannels()
	defer s.metrics.DecActiveChannels()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writeLoop() }()
	go func() { defer wg.Done(); s.heartbeatLoop(runCtx) }()

	s.readLoop()

	s.closeOnce.Do(func() { close(s.done) })
	cancel()
	s.transport.Close()
	wg.Wait()

	s.registry.CloseAllForChannel(s.id, "control channel disconnected")
	s.logger.Info("session closed")
}

func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.outbound:
			if err := s.transport.WriteMessage(data); err != nil {
				s.logger.Warn("write failed: %v", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	deadline := 2 * s.heartbeatInterval

	for {
		select {
		case <-ctx.Done():
			// Unblocks readLoop so Run can tear the channel down.
			s.transport.Close()
			return
		case <-s.done:
			return
		case now := <-ticker.C:
			last := time.UnixMilli(s.lastPongUnixMilli.Load())
			if now.Sub(last) > deadline {
				s.logger.Warn("no pong received within %s, closing channel", deadline)
				s.transport.Close()
				return
			}
			envelope, err := protocol.Encode(protocol.TypePing, protocol.PingPayload{Timestamp: now.UnixMilli()})
			if err != nil {
				continue
			}
			_ = s.Send(envelope)
		}
	}
}

func (s *Session) readLoop() {
	for {
		data, err := s.transport.ReadMessage()
		if err != nil {
			return
		}
		s.handle(data)
	}
}

func (s *Session) handle(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.replyError(gwerrors.ErrInvalidMessage)
		return
	}

	switch env.Type {
	case protocol.TypeRegister:
		s.handleRegister(env)
	case protocol.TypeClose:
		s.handleClose(env)
	case protocol.TypeHTTPResponse:
		s.handleHTTPResponse(env)
	case protocol.TypeHTTPError:
		s.handleHTTPError(env)
	case protocol.TypePing:
		s.handlePing(env)
	case protocol.TypePong:
		s.handlePong(env)
	default:
		s.replyError(gwerrors.Errorf(gwerrors.CodeUnknownMessage, "unhandled message type %q", env.Type))
	}
}

func (s *Session) handleRegister(env protocol.Envelope) {
	var req protocol.RegisterPayload
	if err := env.DecodePayload(&req); err != nil {
		s.replyError(gwerrors.ErrInvalidMessage)
		return
	}
	if err := validate.Struct(req); err != nil {
		s.replyError(gwerrors.Errorf(gwerrors.CodeInvalidRequest, "invalid registration payload: %v", err))
		return
	}

	tunnel, err := s.registry.Register(s.id, s, req.Subdomain, req.LocalPort)
	if err != nil {
		gwErr, _ := err.(*gwerrors.Error)
		if gwErr == nil {
			gwErr = gwerrors.Errorf(gwerrors.CodeGenericError, "%v", err)
		}
		s.replyError(gwErr)
		return
	}

	s.mu.Lock()
	s.tunnels = append(s.tunnels, tunnel)
	s.mu.Unlock()

	publicURL := fmt.Sprintf("%s://%s.%s", s.publicScheme, tunnel.Subdomain, s.publicDomain)
	envelope, err := protocol.Encode(protocol.TypeRegistered, protocol.RegisteredPayload{
		TunnelID:  tunnel.ID,
		PublicURL: publicURL,
		Subdomain: tunnel.Subdomain,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Error("encode registered reply: %v", err)
		return
	}
	_ = s.Send(envelope)
	s.logger.Info("registered tunnel %s at %s", tunnel.ID, publicURL)
}

func (s *Session) handleClose(env protocol.Envelope) {
	var req protocol.ClosePayload
	if err := env.DecodePayload(&req); err != nil {
		s.replyError(gwerrors.ErrInvalidMessage)
		return
	}

	s.mu.Lock()
	kept := s.tunnels[:0]
	var owned bool
	for _, t := range s.tunnels {
		if t.ID == req.TunnelID {
			owned = true
			continue
		}
		kept = append(kept, t)
	}
	s.tunnels = kept
	s.mu.Unlock()

	if !owned {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "closed by client"
	}
	s.registry.Close(req.TunnelID, reason)
}

func (s *Session) handleHTTPResponse(env protocol.Envelope) {
	var resp protocol.HTTPResponsePayload
	if err := env.DecodePayload(&resp); err != nil {
		s.replyError(gwerrors.ErrInvalidMessage)
		return
	}
	body, err := protocol.DecodeBody(resp.Body)
	if err != nil {
		s.logger.Warn("dropping http:response %s: %v", resp.RequestID, err)
		return
	}
	s.completePending(resp.RequestID, &pending.Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       body,
	}, nil)
}

func (s *Session) handleHTTPError(env protocol.Envelope) {
	var errPayload protocol.HTTPErrorPayload
	if err := env.DecodePayload(&errPayload); err != nil {
		s.replyError(gwerrors.ErrInvalidMessage)
		return
	}
	code := gwerrors.Code(errPayload.Code)
	if code == "" {
		code = gwerrors.CodeLocalServerError
	}
	s.completePending(errPayload.RequestID, nil, gwerrors.New(code, errPayload.Error))
}

// completePending resolves requestID against whichever of this
// session's tunnels currently owns it. Exactly one of resp/err is
// non-nil.
func (s *Session) completePending(requestID string, resp *pending.Response, err error) {
	s.mu.Lock()
	tunnels := append([]*registry.Tunnel{}, s.tunnels...)
	s.mu.Unlock()

	for _, t := range tunnels {
		var resolved bool
		if err != nil {
			resolved = t.Pending.Fail(requestID, err)
		} else {
			resolved = t.Pending.Complete(requestID, resp)
		}
		if resolved {
			return
		}
	}
	s.logger.Debug("dropping reply for unknown or already-resolved request %s", requestID)
}

func (s *Session) handlePing(env protocol.Envelope) {
	var ping protocol.PingPayload
	if err := env.DecodePayload(&ping); err != nil {
		s.replyError(gwerrors.ErrInvalidMessage)
		return
	}
	envelope, err := protocol.Encode(protocol.TypePong, protocol.PongPayload{
		Timestamp:     time.Now().UnixMilli(),
		PingTimestamp: ping.Timestamp,
	})
	if err != nil {
		return
	}
	_ = s.Send(envelope)
}

func (s *Session) handlePong(env protocol.Envelope) {
	var pong protocol.PongPayload
	if err := env.DecodePayload(&pong); err != nil {
		return
	}
	s.lastPongUnixMilli.Store(time.Now().UnixMilli())
}

func (s *Session) replyError(err *gwerrors.Error) {
	envelope, encErr := protocol.Encode(protocol.TypeError, protocol.ErrorPayload{
		Code:      string(err.Code),
		Message:   err.Message,
		Timestamp: time.Now().UnixMilli(),
	})
	if encErr != nil {
		return
	}
	_ = s.Send(envelope)
}
