// Package registry is the gateway's authoritative tunnel directory: the
// three-index map (subdomain, tunnel id, owning channel) every other
// component resolves against, plus the subdomain allocation grammar.
package registry

import (
	"regexp"
	"sync"
	"time"

	"github.com/lobber-dev/lobber/internal/gwerrors"
	"github.com/lobber-dev/lobber/internal/ids"
	"github.com/lobber-dev/lobber/internal/pending"
)

// subdomainGrammar is the public grammar a requested or generated
// subdomain must satisfy: lowercase alphanumeric with interior
// hyphens, 4-32 characters.
var subdomainGrammar = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,30}[a-z0-9]$`)

// reserved subdomains can never be claimed by a tunnel, generated or
// requested, because they collide with the gateway's own surface or
// common vanity expectations.
var reserved = map[string]bool{
	"api":       true,
	"www":       true,
	"admin":     true,
	"dashboard": true,
	"app":       true,
	"mail":      true,
	"ftp":       true,
}

// Writer is the thin send capability a Tunnel needs from its owning
// control-channel session, kept separate from the session type itself
// so the registry never imports internal/session (the session instead
// imports the registry).
type Writer interface {
	// Send enqueues an already-encoded envelope for delivery on the
	// owning control channel. It returns an error if the channel is no
	// longer accepting writes.
	Send(data []byte) error
}

// Tunnel is one registered subdomain mapping, live for as long as its
// owning control channel is connected.
type Tunnel struct {
	ID        string
	Subdomain string
	ChannelID string
	LocalPort int
	CreatedAt time.Time

	// Pending is this tunnel's in-flight request table. Owned by the
	// tunnel so closing the tunnel fails every outstanding request.
	Pending *pending.Table

	writer Writer

	mu           sync.Mutex
	lastActivity time.Time
	requestCount uint64
	bytesIn      uint64
	bytesOut     uint64
	closed       bool
}

// Send writes an already-encoded envelope to this tunnel's channel.
func (t *Tunnel) Send(data []byte) error {
	return t.writer.Send(data)
}

// Touch records a forwarded request against this tunnel's activity and
// byte counters. Safe for concurrent use.
func (t *Tunnel) Touch(bytesIn, bytesOut uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = time.Now()
	t.requestCount++
	t.bytesIn += bytesIn
	t.bytesOut += bytesOut
}

// Stats is a point-in-time snapshot of a tunnel's counters, safe to
// read without holding the tunnel's lock afterward.
type Stats struct {
	LastActivity time.Time
	RequestCount uint64
	BytesIn      uint64
	BytesOut     uint64
}

// Stats snapshots this tunnel's activity counters.
func (t *Tunnel) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		LastActivity: t.lastActivity,
		RequestCount: t.requestCount,
		BytesIn:      t.bytesIn,
		BytesOut:     t.bytesOut,
	}
}

func (t *Tunnel) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	return true
}

// Registry is the gateway's tunnel directory, safe for concurrent use
// from every control-channel goroutine and the public HTTP handlers.
type Registry struct {
	channelCap int

	mu          sync.RWMutex
	bySubdomain map[string]*Tunnel
	byID        map[string]*Tunnel
	byChannel   map[string]map[string]*Tunnel // channel id -> tunnel id -> *Tunnel

	listenersMu sync.Mutex
	onCreated   []func(*Tunnel)
	onClosed    []func(*Tunnel, string)
}

// New constructs an empty registry. channelCap is the maximum number
// of tunnels a single control channel may register concurrently (0
// means unlimited).
func New(channelCap int) *Registry {
	return &Registry{
		channelCap:  channelCap,
		bySubdomain: make(map[string]*Tunnel),
		byID:        make(map[string]*Tunnel),
		byChannel:   make(map[string]map[string]*Tunnel),
	}
}

// OnCreated registers a listener invoked (outside any internal lock)
// whenever a tunnel is registered.
func (r *Registry) OnCreated(fn func(*Tunnel)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.onCreated = append(r.onCreated, fn)
}

// OnClosed registers a listener invoked (outside any internal lock)
// whenever a tunnel is closed, with the reason it was closed for.
func (r *Registry) OnClosed(fn func(*Tunnel, string)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.onClosed = append(r.onClosed, fn)
}

func (r *Registry) emitCreated(t *Tunnel) {
	r.listenersMu.Lock()
	listeners := append([]func(*Tunnel){}, r.onCreated...)
	r.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(t)
	}
}

func (r *Registry) emitClosed(t *Tunnel, reason string) {
	r.listenersMu.Lock()
	listeners := append([]func(*Tunnel, string){}, r.onClosed...)
	r.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(t, reason)
	}
}

// ValidSubdomain reports whether label satisfies the public subdomain
// grammar, independent of reservation or availability.
func ValidSubdomain(label string) bool {
	return subdomainGrammar.MatchString(label)
}

// Register claims a tunnel for channelID, either at the caller's
// requested subdomain (validated and checked for availability) or at a
// freshly generated one when requested is empty.
func (r *Registry) Register(channelID string, writer Writer, requested string, localPort int) (*Tunnel, error) {
	r.mu.Lock()

	if r.channelCap > 0 && len(r.byChannel[channelID]) >= r.channelCap {
		r.mu.Unlock()
		return nil, gwerrors.Errorf(gwerrors.CodeTunnelLimitExceeded, "channel already owns the maximum of %d tunnels", r.channelCap)
	}

	subdomain := requested
	if subdomain != "" {
		if reserved[subdomain] || r.bySubdomain[subdomain] != nil {
			r.mu.Unlock()
			return nil, gwerrors.Errorf(gwerrors.CodeSubdomainTaken, "subdomain %q is already in use", subdomain)
		}
		if !ValidSubdomain(subdomain) {
			r.mu.Unlock()
			return nil, gwerrors.Errorf(gwerrors.CodeInvalidSubdomain, "subdomain %q does not match the required grammar", subdomain)
		}
	} else {
		generated, err := ids.Subdomain(func(c string) bool {
			return reserved[c] || r.bySubdomain[c] != nil
		})
		if err != nil {
			r.mu.Unlock()
			return nil, gwerrors.Errorf(gwerrors.CodeGenericError, "could not allocate a subdomain: %v", err)
		}
		subdomain = generated
	}

	tunnelID, err := ids.TunnelID(func(c string) bool {
		return r.byID[c] != nil
	})
	if err != nil {
		r.mu.Unlock()
		return nil, gwerrors.Errorf(gwerrors.CodeGenericError, "could not allocate a tunnel id: %v", err)
	}

	tunnel := &Tunnel{
		ID:        tunnelID,
		Subdomain: subdomain,
		ChannelID: channelID,
		LocalPort: localPort,
		CreatedAt: time.Now(),
		Pending:   pending.NewTable(),
		writer:    writer,
	}
	tunnel.lastActivity = tunnel.CreatedAt

	r.bySubdomain[subdomain] = tunnel
	r.byID[tunnelID] = tunnel
	if r.byChannel[channelID] == nil {
		r.byChannel[channelID] = make(map[string]*Tunnel)
	}
	r.byChannel[channelID][tunnelID] = tunnel

	r.mu.Unlock()

	r.emitCreated(tunnel)
	return tunnel, nil
}

// LookupBySubdomain resolves the tunnel owning a public subdomain, if
// any is currently registered.
func (r *Registry) LookupBySubdomain(subdomain string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySubdomain[subdomain]
	return t, ok
}

// LookupByID resolves a tunnel by its opaque id.
func (r *Registry) LookupByID(id string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// ListByChannel returns every tunnel currently owned by channelID.
func (r *Registry) ListByChannel(channelID string) []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tunnel, 0, len(r.byChannel[channelID]))
	for _, t := range r.byChannel[channelID] {
		out = append(out, t)
	}
	return out
}

// List returns every currently-registered tunnel.
func (r *Registry) List() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tunnel, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	return out
}

// Close removes a single tunnel by id and fails every request still
// pending against it. It is idempotent: closing an already-closed or
// unknown tunnel id is a no-op.
func (r *Registry) Close(id string, reason string) {
	r.mu.Lock()
	t, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	delete(r.bySubdomain, t.Subdomain)
	if set := r.byChannel[t.ChannelID]; set != nil {
		delete(set, t.ID)
		if len(set) == 0 {
			delete(r.byChannel, t.ChannelID)
		}
	}
	r.mu.Unlock()

	if !t.markClosed() {
		return
	}
	t.Pending.FailAll(gwerrors.Errorf(gwerrors.CodeConnectionClosed, "Tunnel closed: %s", reason))
	r.emitClosed(t, reason)
}

// CloseAllForChannel closes every tunnel owned by channelID, as
// happens when its control channel disconnects.
func (r *Registry) CloseAllForChannel(channelID string, reason string) {
	for _, t := range r.ListByChannel(channelID) {
		r.Close(t.ID, reason)
	}
}

// CloseAll closes every registered tunnel, used during gateway
// shutdown.
func (r *Registry) CloseAll(reason string) {
	for _, t := range r.List() {
		r.Close(t.ID, reason)
	}
}
