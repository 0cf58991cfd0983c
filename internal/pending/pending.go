// Package pending tracks in-flight forwarded requests for a single
// tunnel: one entry per request id, resolved exactly once by either a
// response, an error, or deadline expiry.
package pending

import (
	"sync"
	"time"

	"github.com/lobber-dev/lobber/internal/gwerrors"
)

// Response is the decoded result of a successful round trip. Body is
// already raw bytes; callers of Complete decode the wire's base64
// encoding before handing it to the table.
type Response struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// Outcome is delivered exactly once on the channel returned by
// Register. Exactly one of Response/Err is non-nil.
type Outcome struct {
	Response *Response
	Err      error
}

type entry struct {
	ch    chan Outcome
	once  sync.Once
	timer *time.Timer
}

// Table is the pending-request table for one tunnel.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable returns an empty pending-request table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Register installs a new pending entry for requestID with the given
// deadline and returns the channel its outcome will arrive on. The
// channel receives exactly one Outcome and is then closed, unless the
// entry is removed with Cancel, which neither sends nor closes.
func (t *Table) Register(requestID string, deadline time.Duration) <-chan Outcome {
	e := &entry{ch: make(chan Outcome, 1)}
	t.mu.Lock()
	t.entries[requestID] = e
	t.mu.Unlock()

	e.timer = time.AfterFunc(deadline, func() {
		t.resolve(requestID, Outcome{Err: gwerrors.New(gwerrors.CodeRequestTimeout, "Gateway timeout")})
	})
	return e.ch
}

// Complete resolves requestID with a successful response. It reports
// false if the entry no longer exists (already resolved, cancelled, or
// expired) — the caller should log the response as dropped.
func (t *Table) Complete(requestID string, resp *Response) bool {
	return t.resolve(requestID, Outcome{Response: resp})
}

// Fail resolves requestID with an error, as reported via an
// http:error message or a transport failure.
func (t *Table) Fail(requestID string, err error) bool {
	return t.resolve(requestID, Outcome{Err: err})
}

func (t *Table) resolve(requestID string, out Outcome) bool {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.timer.Stop()
	e.once.Do(func() {
		e.ch <- out
		close(e.ch)
	})
	return true
}

// Cancel removes requestID without resolving its channel, for the case
// where the inbound HTTP connection has already gone away and nothing
// is listening. A later response or error for this id is silently
// dropped.
func (t *Table) Cancel(requestID string) {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()
	if ok {
		e.timer.Stop()
	}
}

// FailAll resolves every currently-pending entry with err, used when
// the owning tunnel's control channel goes away. Safe to call
// concurrently with Register/Complete/Fail.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	snapshot := make([]*entry, 0, len(t.entries))
	for id := range t.entries {
		snapshot = append(snapshot, t.entries[id])
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, e := range snapshot {
		e.timer.Stop()
		e.once.Do(func() {
			e.ch <- Outcome{Err: err}
			close(e.ch)
		})
	}
}

// Has reports whether requestID currently has a pending entry, for use
// as an ids.Exists collision predicate.
func (t *Table) Has(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[requestID]
	return ok
}

// Len reports the number of currently-pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
