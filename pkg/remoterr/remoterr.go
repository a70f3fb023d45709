// Package remoterr defines the error model for multi-engine calls: the
// per-engine RemoteError, the CompositeError aggregate surfaced when a call
// spanning several engines partially or fully fails, and the dispatch-time
// and timeout errors raised by the client core.
package remoterr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mustergrid/muster/pkg/protocol"
)

// Dispatch-time sentinels. These abort a call before any request is sent.
var (
	ErrDuplicateTargets = errors.New("remoterr: target set contains duplicate engine ids")
	ErrNoEngines        = errors.New("remoterr: no engines registered")
	ErrEmptyCall        = errors.New("remoterr: call has neither function name nor code")
)

// RemoteError is one engine's failure, reconstructed from the wire fault.
// It carries the remote kind, message, and traceback as data; the original
// error value never crosses the process boundary.
type RemoteError struct {
	EngineID  protocol.EngineID
	Kind      string
	Message   string
	Traceback string
}

// FromFault builds a RemoteError from a reply fault.
func FromFault(id protocol.EngineID, f *protocol.Fault) *RemoteError {
	if f == nil {
		return &RemoteError{EngineID: id, Kind: protocol.KindRuntime, Message: "unknown remote failure"}
	}
	return &RemoteError{EngineID: id, Kind: f.Kind, Message: f.Message, Traceback: f.Traceback}
}

// EngineDisconnected builds the standard fault for a target that became
// unreachable after dispatch but before replying.
func EngineDisconnected(id protocol.EngineID, reason string) *RemoteError {
	msg := fmt.Sprintf("engine %d disconnected before replying", id)
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	return &RemoteError{EngineID: id, Kind: protocol.KindDisconnected, Message: msg}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// PrintTraceback writes the remote traceback (or the message when the
// engine supplied none) to w.
func (e *RemoteError) PrintTraceback(w io.Writer) {
	fmt.Fprintf(w, "[engine %d] %s: %s\n", e.EngineID, e.Kind, e.Message)
	if e.Traceback != "" {
		fmt.Fprintln(w, e.Traceback)
	}
}

// TimeoutError is returned by AsyncResult.Get when readiness was not
// reached in time. It is recoverable: the underlying call stays in flight
// and a later Get may succeed.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After <= 0 {
		return "result not ready"
	}
	return fmt.Sprintf("result not ready after %s", e.After)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// UnknownTargetError is raised at dispatch time when a target set names
// engine ids the registry does not currently know. No request is sent.
type UnknownTargetError struct {
	IDs []protocol.EngineID
}

func (e *UnknownTargetError) Error() string {
	parts := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("unknown engine id(s): %s", strings.Join(parts, ", "))
}
