package client

import (
	"context"
	"time"

	"github.com/mustergrid/muster/pkg/protocol"
	"github.com/mustergrid/muster/pkg/remoterr"
)

// AsyncResult is the caller-facing handle for one dispatched request. It
// starts pending and becomes ready exactly once, when every target slot
// has turned terminal. Handles are safe for concurrent use, and a Get on
// one handle never stalls delivery for any other.
type AsyncResult struct {
	entry *pendingEntry
}

// RequestID returns the request id, as recorded in History and the archive.
func (r *AsyncResult) RequestID() string { return r.entry.requestID }

// Targets returns the resolved engine ids in dispatch order.
func (r *AsyncResult) Targets() []protocol.EngineID {
	out := make([]protocol.EngineID, len(r.entry.order))
	copy(out, r.entry.order)
	return out
}

// Ready reports whether every slot is terminal. It never blocks; once true
// it stays true.
func (r *AsyncResult) Ready() bool { return r.entry.ready() }

// Wait blocks until the result is ready or ctx is done, reporting whether
// readiness was reached.
func (r *AsyncResult) Wait(ctx context.Context) bool { return r.entry.wait(ctx) }

// Get blocks until ready and returns the finalized outcome: the single
// unwrapped value for one target, the per-target sequence in target order
// for several, or the call's error. If ctx expires first Get returns a
// TimeoutError and the call stays in flight, so a later Get may succeed.
func (r *AsyncResult) Get(ctx context.Context) (any, error) {
	start := time.Now()
	if !r.entry.wait(ctx) {
		return nil, &remoterr.TimeoutError{After: time.Since(start)}
	}
	return r.entry.outcome()
}

// GetTimeout is Get bounded by a duration. A zero or negative timeout
// polls: it fails immediately unless the result is already ready.
func (r *AsyncResult) GetTimeout(timeout time.Duration) (any, error) {
	if timeout <= 0 {
		if !r.Ready() {
			return nil, &remoterr.TimeoutError{}
		}
		return r.entry.outcome()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Get(ctx)
}

// PartialResults returns the values of the slots that have succeeded so
// far, keyed by engine id. Usable while pending and after a composite
// failure, where it holds the successes the error does not carry.
func (r *AsyncResult) PartialResults() map[protocol.EngineID]any {
	return r.entry.partialResults()
}

// ResultAt returns one target's outcome without waiting for the rest.
func (r *AsyncResult) ResultAt(id protocol.EngineID) (any, error) {
	return r.entry.resultAt(id)
}

// Stdout returns captured print output per target, in target order.
func (r *AsyncResult) Stdout() []string { return r.entry.stdout() }
