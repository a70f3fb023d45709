package engine

import (
	"errors"
	"strings"

	"go.starlark.net/starlark"

	"github.com/mustergrid/muster/pkg/protocol"
)

// kindTable maps interpreter message fragments onto the wire fault kinds.
// The interpreter reports failures as text, so kind detection is message
// inspection; entries are checked in order and the first hit wins.
var kindTable = []struct {
	substr string
	kind   string
}{
	{"division by zero", protocol.KindZeroDivision},
	{"modulo by zero", protocol.KindZeroDivision},
	{"is not defined", protocol.KindName},
	{"undefined:", protocol.KindName},
	{"referenced before assignment", protocol.KindName},
	{"invalid call of non-function", protocol.KindType},
	{"not callable", protocol.KindType},
	{"unknown binary op", protocol.KindType},
	{"unknown unary op", protocol.KindType},
	{"has no len", protocol.KindType},
	{"positional argument", protocol.KindType},
	{"unexpected keyword", protocol.KindType},
	{"not iterable", protocol.KindType},
	{"unhashable", protocol.KindType},
	{", want", protocol.KindType},
	{"out of range", protocol.KindIndex},
	{"not in dict", protocol.KindKey},
	{"invalid literal", protocol.KindValue},
	{"cannot convert", protocol.KindValue},
	{"not serializable", protocol.KindSerialization},
}

func kindForMessage(msg string) string {
	for _, entry := range kindTable {
		if strings.Contains(msg, entry.substr) {
			return entry.kind
		}
	}
	return protocol.KindRuntime
}

// classifyCompile handles errors from parsing and name resolution, before
// any user code has run.
func classifyCompile(err error) *protocol.Fault {
	msg := err.Error()
	kind := protocol.KindSyntax
	if strings.Contains(msg, "undefined:") {
		kind = protocol.KindName
	}
	return &protocol.Fault{Kind: kind, Message: msg}
}

// classifyEval handles errors raised while user code was running. Eval
// errors carry the remote call stack, which travels as the traceback.
func classifyEval(err error) *protocol.Fault {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return &protocol.Fault{
			Kind:      kindForMessage(evalErr.Msg),
			Message:   evalErr.Msg,
			Traceback: evalErr.Backtrace(),
		}
	}
	return &protocol.Fault{
		Kind:    kindForMessage(err.Error()),
		Message: err.Error(),
	}
}
