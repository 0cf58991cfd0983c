// Package inspector is the gateway's bounded traffic capture store: a
// global ring of recent exchanges plus a smaller per-tunnel ring,
// queryable by the dashboard/API surface and able to reconstruct a
// curl command for any captured exchange.
package inspector

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// CapturedExchange is one forwarded HTTP request/response pair as seen
// by the gateway. StatusCode is 0 and ResponseHeaders/ResponseBody are
// nil until the response (or error) arrives.
type CapturedExchange struct {
	RequestID   string
	TunnelID    string
	Subdomain   string
	Method      string
	Path        string
	Query       string
	Headers     http.Header
	RequestBody []byte

	StatusCode      int
	ResponseHeaders http.Header
	ResponseBody    []byte
	Error           string

	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration reports how long the exchange took, or zero if it has not
// completed yet.
func (e *CapturedExchange) Duration() time.Duration {
	if e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
	"x-api-key":     true,
}

const redacted = "[REDACTED]"

// Sanitized returns a copy of h with sensitive header values replaced.
// The original is left untouched.
func Sanitized(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = []string{redacted}
			continue
		}
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

type record struct {
	exchange *CapturedExchange
	refs     int8
}

// Store is the bounded capture store. The zero value is not usable;
// construct with New.
type Store struct {
	mu sync.Mutex

	byID      map[string]*record
	global    *ring
	perTunnel map[string]*ring

	globalCap    int
	perTunnelCap int
	retention    time.Duration

	stop chan struct{}
}

// Config controls the store's bounds.
type Config struct {
	// GlobalCapacity is the maximum number of exchanges retained
	// overall. Defaults to 1000 if zero.
	GlobalCapacity int
	// PerTunnelCapacity is the maximum retained per tunnel. Defaults to
	// GlobalCapacity/2 if zero.
	PerTunnelCapacity int
	// Retention is how long a completed exchange is kept regardless of
	// ring pressure. Defaults to 60 minutes if zero.
	Retention time.Duration
}

// New constructs a capture store from cfg, filling in defaults for any
// zero field.
func New(cfg Config) *Store {
	if cfg.GlobalCapacity <= 0 {
		cfg.GlobalCapacity = 1000
	}
	if cfg.PerTunnelCapacity <= 0 {
		cfg.PerTunnelCapacity = cfg.GlobalCapacity / 2
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 60 * time.Minute
	}
	return &Store{
		byID:         make(map[string]*record),
		global:       newRing(cfg.GlobalCapacity),
		perTunnel:    make(map[string]*ring),
		globalCap:    cfg.GlobalCapacity,
		perTunnelCap: cfg.PerTunnelCapacity,
		retention:    cfg.Retention,
	}
}

// RecordRequest stores the request half of a new exchange. It is
// best-effort: callers on the hot path must never block or fail a
// forwarded request because of this call.
func (s *Store) RecordRequest(e *CapturedExchange) {
	rec := &record{exchange: e, refs: 2}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[e.RequestID] = rec
	if evicted := s.global.push(rec); evicted != nil {
		s.release(evicted)
	}

	tr := s.perTunnel[e.TunnelID]
	if tr == nil {
		tr = newRing(s.perTunnelCap)
		s.perTunnel[e.TunnelID] = tr
	}
	if evicted := tr.push(rec); evicted != nil {
		s.release(evicted)
	}
}

// release decrements a record's refcount and drops it from byID once
// no ring references it any longer. Must be called with mu held.
func (s *Store) release(rec *record) {
	rec.refs--
	if rec.refs <= 0 {
		delete(s.byID, rec.exchange.RequestID)
	}
}

// RecordResponse attaches the response half to a previously recorded
// exchange. It is a no-op if the exchange has since been evicted.
func (s *Store) RecordResponse(requestID string, statusCode int, headers http.Header, body []byte, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[requestID]
	if !ok {
		return
	}
	rec.exchange.StatusCode = statusCode
	rec.exchange.ResponseHeaders = headers
	rec.exchange.ResponseBody = body
	rec.exchange.Error = errMsg
	rec.exchange.CompletedAt = time.Now()
}

// Get returns a captured exchange by request id.
func (s *Store) Get(requestID string) (*CapturedExchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[requestID]
	if !ok {
		return nil, false
	}
	return rec.exchange, true
}

// Filter narrows a traffic listing. Zero-valued fields are ignored.
type Filter struct {
	TunnelID   string
	Method     string
	StatusCode int
	PathRegexp *regexp.Regexp
	Since      time.Time
	Limit      int
	Offset     int
}

// List returns exchanges matching f, ordered newest first by StartedAt,
// then cut to the offset/limit window.
func (s *Store) List(f Filter) []*CapturedExchange {
	s.mu.Lock()
	var source []*record
	if f.TunnelID != "" {
		if tr := s.perTunnel[f.TunnelID]; tr != nil {
			source = tr.list()
		}
	} else {
		source = s.global.list()
	}
	// Snapshot exchanges while holding the lock; filtering and sorting
	// below read only the snapshot.
	exchanges := make([]*CapturedExchange, len(source))
	for i, r := range source {
		exchanges[i] = r.exchange
	}
	s.mu.Unlock()

	matched := make([]*CapturedExchange, 0, len(exchanges))
	for _, e := range exchanges {
		if f.Method != "" && !strings.EqualFold(e.Method, f.Method) {
			continue
		}
		if f.StatusCode != 0 && e.StatusCode != f.StatusCode {
			continue
		}
		if f.PathRegexp != nil && !f.PathRegexp.MatchString(e.Path) {
			continue
		}
		if !f.Since.IsZero() && e.StartedAt.Before(f.Since) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	limit := f.Limit
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	offset := f.Offset
	if offset < 0 || offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}

// sweep removes exchanges whose completion is older than the
// retention window. Running exchanges (not yet completed) are never
// swept on age alone; they age out only once the ring evicts them.
func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.retention)
	s.global.removeIf(func(r *record) bool {
		return !r.exchange.CompletedAt.IsZero() && r.exchange.CompletedAt.Before(cutoff)
	}, func(r *record) { s.release(r) })
	for _, tr := range s.perTunnel {
		tr.removeIf(func(r *record) bool {
			return !r.exchange.CompletedAt.IsZero() && r.exchange.CompletedAt.Before(cutoff)
		}, func(r *record) { s.release(r) })
	}
}

// Run drives the retention sweep every interval until ctx is
// cancelled. Call it once from the gateway's main goroutine.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// Curl reconstructs a curl command line that would reproduce the
// captured request. sanitize redacts sensitive header values.
func Curl(e *CapturedExchange, scheme, publicDomain string, sanitize bool) string {
	var b strings.Builder
	b.WriteString("curl")

	if e.Method != "" && !strings.EqualFold(e.Method, "GET") {
		fmt.Fprintf(&b, " -X %s", e.Method)
	}

	headers := e.Headers
	if sanitize {
		headers = Sanitized(headers)
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lk := strings.ToLower(k)
		if lk == "host" || lk == "content-length" {
			continue
		}
		for _, v := range headers[k] {
			fmt.Fprintf(&b, " -H %s", shellQuote(fmt.Sprintf("%s: %s", k, v)))
		}
	}

	if len(e.RequestBody) > 0 {
		fmt.Fprintf(&b, " -d %s", shellQuote(string(e.RequestBody)))
	}

	url := fmt.Sprintf("%s://%s.%s%s", scheme, e.Subdomain, publicDomain, e.Path)
	if e.Query != "" {
		url += "?" + e.Query
	}
	fmt.Fprintf(&b, " %s", shellQuote(url))

	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
