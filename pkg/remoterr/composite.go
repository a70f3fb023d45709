package remoterr

import (
	"fmt"
	"io"
	"strings"

	"github.com/mustergrid/muster/pkg/protocol"
)

// TracebackLimit caps how many element lines CompositeError.Error renders
// before eliding the rest. PrintTracebacks always prints everything.
const TracebackLimit = 4

// CompositeError aggregates every failed target of one multi-engine call.
// Elements appear in target order, not arrival order, and are immutable
// once the owning result finalizes. Partial successes are not represented
// here; they stay retrievable on the AsyncResult that raised this error.
type CompositeError struct {
	// Method is the function name or a short form of the code that was
	// dispatched, used only for rendering.
	Method   string
	Elements []*RemoteError
}

// NewCompositeError builds the aggregate for a finalized call. Callers
// pass failures already sorted in target order.
func NewCompositeError(method string, elements []*RemoteError) *CompositeError {
	return &CompositeError{Method: method, Elements: elements}
}

func (e *CompositeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "one or more exceptions from call to %q", e.Method)
	shown := len(e.Elements)
	if shown > TracebackLimit {
		shown = TracebackLimit
	}
	for _, el := range e.Elements[:shown] {
		fmt.Fprintf(&b, "\n[%d:%s]: %s", el.EngineID, el.Kind, el.Message)
	}
	if rest := len(e.Elements) - shown; rest > 0 {
		fmt.Fprintf(&b, "\n... %d more exceptions ...", rest)
	}
	return b.String()
}

// Len returns the number of failed targets.
func (e *CompositeError) Len() int { return len(e.Elements) }

// Engines returns the failed engine ids in target order.
func (e *CompositeError) Engines() []protocol.EngineID {
	ids := make([]protocol.EngineID, len(e.Elements))
	for i, el := range e.Elements {
		ids[i] = el.EngineID
	}
	return ids
}

// PrintTracebacks emits all constituent tracebacks to w in target order.
func (e *CompositeError) PrintTracebacks(w io.Writer) {
	for i, el := range e.Elements {
		if i > 0 {
			fmt.Fprintln(w)
		}
		el.PrintTraceback(w)
	}
}

// First returns the first failing target's error, the default element to
// re-raise when the caller wants a single representative failure.
func (e *CompositeError) First() *RemoteError {
	if len(e.Elements) == 0 {
		return nil
	}
	return e.Elements[0]
}

// ElementError re-raises the original failure from the element at index.
// An out-of-range index yields an IndexError-kind RemoteError rather than
// a panic, mirroring how remote faults themselves are surfaced.
func (e *CompositeError) ElementError(index int) error {
	if index < 0 || index >= len(e.Elements) {
		return &RemoteError{
			EngineID: -1,
			Kind:     protocol.KindIndex,
			Message:  fmt.Sprintf("composite error has %d elements, no index %d", len(e.Elements), index),
		}
	}
	return e.Elements[index]
}
