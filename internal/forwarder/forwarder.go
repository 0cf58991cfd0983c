// Package forwarder is the hot path: it turns an inbound public HTTP
// request into a control-channel http:request message, waits for the
// matching response, and translates the result back into an HTTP
// response — the gateway-side half of the request/response
// correlator.
package forwarder

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lobber-dev/lobber/internal/gwerrors"
	"github.com/lobber-dev/lobber/internal/ids"
	"github.com/lobber-dev/lobber/internal/inspector"
	"github.com/lobber-dev/lobber/internal/logging"
	"github.com/lobber-dev/lobber/internal/metrics"
	"github.com/lobber-dev/lobber/internal/pending"
	"github.com/lobber-dev/lobber/internal/protocol"
	"github.com/lobber-dev/lobber/internal/registry"
)

// hopByHopHeaders must never be forwarded from the tunneled agent's
// response to the public client: they describe the agent<->gateway
// hop, not the gateway<->client one.
var hopByHopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// TunnelLookup resolves the tunnel owning a public subdomain. Satisfied
// by *registry.Registry; declared locally so this package depends on
// the registry's data, not its full API surface.
type TunnelLookup interface {
	LookupBySubdomain(subdomain string) (*registry.Tunnel, bool)
}

// Forwarder wires a resolved public request through a tunnel's control
// channel and back.
type Forwarder struct {
	registry       TunnelLookup
	inspector      *inspector.Store
	metrics        *metrics.Metrics
	logger         *logging.Logger
	requestTimeout time.Duration
	maxBodyBytes   int64
}

// New constructs a Forwarder. requestTimeout bounds how long a public
// request waits for its matching http:response/http:error before
// failing with REQUEST_TIMEOUT. maxBodyBytes bounds the inbound
// request body.
func New(reg TunnelLookup, insp *inspector.Store, m *metrics.Metrics, logger *logging.Logger, requestTimeout time.Duration, maxBodyBytes int64) *Forwarder {
	return &Forwarder{
		registry:       reg,
		inspector:      insp,
		metrics:        m,
		logger:         logger,
		requestTimeout: requestTimeout,
		maxBodyBytes:   maxBodyBytes,
	}
}

// Forward resolves subdomain against the registry and, if a tunnel
// owns it, forwards r over that tunnel's control channel and writes
// the result to w. It never panics on a malformed downstream reply;
// every failure path ends in a well-formed HTTP response.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, subdomain string) {
	start := time.Now()

	tunnel, ok := f.registry.LookupBySubdomain(subdomain)
	if !ok {
		f.writeError(w, gwerrors.Errorf(gwerrors.CodeTunnelNotFound, "no tunnel is registered for %q", subdomain))
		return
	}

	body, err := f.readBody(w, r)
	if err != nil {
		if gwErr, ok := err.(*gwerrors.Error); ok {
			f.writeError(w, gwErr)
			return
		}
		f.writeError(w, gwerrors.Errorf(gwerrors.CodeInvalidRequest, "could not read request body: %v", err))
		return
	}

	requestID, err := ids.RequestID(tunnel.Pending.Has)
	if err != nil {
		f.writeError(w, gwerrors.Errorf(gwerrors.CodeGenericError, "could not allocate a request id: %v", err))
		return
	}

	exchange := &inspector.CapturedExchange{
		RequestID:   requestID,
		TunnelID:    tunnel.ID,
		Subdomain:   tunnel.Subdomain,
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		Headers:     r.Header.Clone(),
		RequestBody: body,
		StartedAt:   start,
	}
	if f.inspector != nil {
		f.inspector.RecordRequest(exchange)
	}

	payload := protocol.HTTPRequestPayload{
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Headers:   r.Header,
		Body:      protocol.EncodeBody(body),
		Query:     map[string][]string(r.URL.Query()),
		Timestamp: start.UnixMilli(),
	}
	envelope, err := protocol.Encode(protocol.TypeHTTPRequest, payload)
	if err != nil {
		f.writeError(w, gwerrors.Errorf(gwerrors.CodeGenericError, "could not encode request: %v", err))
		return
	}

	outcomeCh := tunnel.Pending.Register(requestID, f.requestTimeout)

	if err := tunnel.Send(envelope); err != nil {
		tunnel.Pending.Cancel(requestID)
		f.finish(exchange, "connection_failed", start)
		f.writeError(w, gwerrors.Errorf(gwerrors.CodeConnectionFailed, "could not reach the tunnel's control channel: %v", err))
		return
	}

	select {
	case <-r.Context().Done():
		tunnel.Pending.Cancel(requestID)
		f.finish(exchange, "cancelled", start)
		return
	case outcome := <-outcomeCh:
		f.deliver(w, tunnel, exchange, outcome, start)
	}
}

func (f *Forwarder) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limited := http.MaxBytesReader(w, r.Body, f.maxBodyBytes)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, gwerrors.Errorf(gwerrors.CodeBodyTooLarge, "request body exceeds the %d byte limit", f.maxBodyBytes)
	}
	return data, nil
}

// deliver translates a resolved pending.Outcome into the public HTTP
// response and records the exchange's completion in the inspector and
// metrics.
func (f *Forwarder) deliver(w http.ResponseWriter, tunnel *registry.Tunnel, exchange *inspector.CapturedExchange, outcome pending.Outcome, start time.Time) {
	duration := time.Since(start)

	if outcome.Err != nil {
		gwErr, ok := outcome.Err.(*gwerrors.Error)
		if !ok {
			gwErr = gwerrors.Errorf(gwerrors.CodeRequestFailed, "%v", outcome.Err)
		} else if gwErr.Code == gwerrors.CodeConnectionClosed {
			// The tunnel's control channel died mid-request. From the
			// public client's perspective this is a failed forwarded
			// request, not a control-channel concern, so it surfaces as
			// REQUEST_FAILED rather than the internal CONNECTION_CLOSED
			// code.
			gwErr = gwerrors.Errorf(gwerrors.CodeRequestFailed, "%s", gwErr.Message)
		}
		tunnel.Touch(uint64(len(exchange.RequestBody)), 0)
		if f.inspector != nil {
			f.inspector.RecordResponse(exchange.RequestID, gwErr.Code.HTTPStatus(), nil, nil, gwErr.Message)
		}
		f.metrics.ObserveRequest(string(gwErr.Code), duration)
		if f.logger != nil {
			f.logger.Debug("request %s on tunnel %s failed: %s", exchange.RequestID, tunnel.ID, gwErr.Error())
		}
		f.writeError(w, gwErr)
		return
	}

	resp := outcome.Response
	header := w.Header()
	for k, vs := range resp.Headers {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := w.Write(resp.Body)

	tunnel.Touch(uint64(len(exchange.RequestBody)), uint64(n))
	if f.inspector != nil {
		f.inspector.RecordResponse(exchange.RequestID, resp.StatusCode, resp.Headers, resp.Body, "")
	}
	f.metrics.ObserveRequest("ok", duration)
}

func (f *Forwarder) finish(exchange *inspector.CapturedExchange, outcome string, start time.Time) {
	if f.inspector != nil {
		f.inspector.RecordResponse(exchange.RequestID, 0, nil, nil, outcome)
	}
	f.metrics.ObserveRequest(outcome, time.Since(start))
}

func (f *Forwarder) writeError(w http.ResponseWriter, err *gwerrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Message,
		"code":  string(err.Code),
	})
}
