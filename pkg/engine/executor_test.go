package engine

import (
	"strings"
	"testing"

	"github.com/mustergrid/muster/pkg/protocol"
)

const testPrefix = "engine:executor_test"

func mustArgs(t *testing.T, args ...any) []byte {
	t.Helper()
	raw, err := protocol.EncodeArgs(args)
	if err != nil {
		t.Fatalf("%s - EncodeArgs() error = %v", testPrefix, err)
	}
	return raw
}

func runExecute(t *testing.T, e *Executor, code string) protocol.CallReply {
	t.Helper()
	return e.Handle(protocol.CallRequest{
		RequestID: "req-exec",
		ClientID:  "client-test",
		Op:        protocol.OpExecute,
		Code:      code,
	})
}

func runApply(t *testing.T, e *Executor, fn string, args ...any) protocol.CallReply {
	t.Helper()
	return e.Handle(protocol.CallRequest{
		RequestID: "req-apply",
		ClientID:  "client-test",
		Op:        protocol.OpApply,
		Func:      fn,
		Args:      mustArgs(t, args...),
	})
}

func wantOK(t *testing.T, reply protocol.CallReply) {
	t.Helper()
	if reply.Status != protocol.StatusOK {
		t.Fatalf("%s - Status = %q (fault %+v), want ok", testPrefix, reply.Status, reply.Fault)
	}
}

func wantFault(t *testing.T, reply protocol.CallReply, kind string) *protocol.Fault {
	t.Helper()
	if reply.Status != protocol.StatusError {
		t.Fatalf("%s - Status = %q, want error", testPrefix, reply.Status)
	}
	if reply.Fault == nil {
		t.Fatalf("%s - error reply without fault", testPrefix)
	}
	if reply.Fault.Kind != kind {
		t.Fatalf("%s - Fault.Kind = %q (%s), want %q", testPrefix, reply.Fault.Kind, reply.Fault.Message, kind)
	}
	return reply.Fault
}

func TestPushPull(t *testing.T) {
	e := NewExecutor("uuid-test")

	wantOK(t, runApply(t, e, "_push", map[string]any{"a": 5, "b": 10}))

	reply := runApply(t, e, "_pull", "a")
	wantOK(t, reply)
	if string(reply.Result) != "5" {
		t.Errorf("%s - pull a = %s, want 5", testPrefix, reply.Result)
	}

	reply = runApply(t, e, "_pull", []any{"a", "b"})
	wantOK(t, reply)
	if string(reply.Result) != "[5,10]" {
		t.Errorf("%s - pull [a b] = %s, want [5,10]", testPrefix, reply.Result)
	}
}

func TestPullMissingName(t *testing.T) {
	e := NewExecutor("uuid-test")
	fault := wantFault(t, runApply(t, e, "_pull", "ghost"), protocol.KindName)
	if !strings.Contains(fault.Message, "ghost") {
		t.Errorf("%s - fault message %q does not name the variable", testPrefix, fault.Message)
	}
}

func TestExecuteUsesPushedNames(t *testing.T) {
	e := NewExecutor("uuid-test")

	wantOK(t, runApply(t, e, "_push", map[string]any{"a": 5, "b": 10}))
	wantOK(t, runExecute(t, e, "c = a + b"))

	reply := runApply(t, e, "_pull", "c")
	wantOK(t, reply)
	if string(reply.Result) != "15" {
		t.Errorf("%s - pull c = %s, want 15", testPrefix, reply.Result)
	}
}

func TestExecuteCapturesPrint(t *testing.T) {
	e := NewExecutor("uuid-test")

	reply := runExecute(t, e, `print("hello")`)
	wantOK(t, reply)
	if reply.Stdout != "hello\n" {
		t.Errorf("%s - Stdout = %q, want %q", testPrefix, reply.Stdout, "hello\n")
	}
	if len(reply.Result) != 0 {
		t.Errorf("%s - execute Result = %s, want empty", testPrefix, reply.Result)
	}
}

func TestExecuteMutationPersists(t *testing.T) {
	e := NewExecutor("uuid-test")

	wantOK(t, runExecute(t, e, "xs = [1, 2]"))
	wantOK(t, runExecute(t, e, "xs.append(3)"))

	reply := runApply(t, e, "_pull", "xs")
	wantOK(t, reply)
	if string(reply.Result) != "[1,2,3]" {
		t.Errorf("%s - pull xs = %s, want [1,2,3]", testPrefix, reply.Result)
	}
}

func TestExecuteZeroDivision(t *testing.T) {
	e := NewExecutor("uuid-test")
	fault := wantFault(t, runExecute(t, e, "x = 1 // 0"), protocol.KindZeroDivision)
	if fault.Traceback == "" {
		t.Errorf("%s - zero division fault has no traceback", testPrefix)
	}
}

func TestExecuteUndefinedName(t *testing.T) {
	e := NewExecutor("uuid-test")
	wantFault(t, runExecute(t, e, "print(nope)"), protocol.KindName)
}

func TestExecuteSyntaxError(t *testing.T) {
	e := NewExecutor("uuid-test")
	wantFault(t, runExecute(t, e, "def ("), protocol.KindSyntax)
}

func TestExecuteTypeError(t *testing.T) {
	e := NewExecutor("uuid-test")
	wantFault(t, runExecute(t, e, `x = "a" + 1`), protocol.KindType)
}

func TestApplyFunctionDefinedByExecute(t *testing.T) {
	e := NewExecutor("uuid-test")

	wantOK(t, runExecute(t, e, `
def f(x):
    return x + 15
`))

	reply := runApply(t, e, "f", 27)
	wantOK(t, reply)
	if string(reply.Result) != "42" {
		t.Errorf("%s - f(27) = %s, want 42", testPrefix, reply.Result)
	}
}

func TestApplyKwargs(t *testing.T) {
	e := NewExecutor("uuid-test")

	wantOK(t, runExecute(t, e, `
def greet(name, punct="!"):
    return "hi " + name + punct
`))

	kwargs, err := protocol.EncodeKwargs(map[string]any{"punct": "?"})
	if err != nil {
		t.Fatalf("%s - EncodeKwargs() error = %v", testPrefix, err)
	}
	reply := e.Handle(protocol.CallRequest{
		RequestID: "req-kwargs",
		Op:        protocol.OpApply,
		Func:      "greet",
		Args:      mustArgs(t, "bob"),
		Kwargs:    kwargs,
	})
	wantOK(t, reply)
	if string(reply.Result) != `"hi bob?"` {
		t.Errorf("%s - greet() = %s, want \"hi bob?\"", testPrefix, reply.Result)
	}
}

func TestApplyUnknownFunc(t *testing.T) {
	e := NewExecutor("uuid-test")
	wantFault(t, runApply(t, e, "missing", 1), protocol.KindName)
}

func TestApplyNotCallable(t *testing.T) {
	e := NewExecutor("uuid-test")
	wantOK(t, runApply(t, e, "_push", map[string]any{"g": 3}))
	wantFault(t, runApply(t, e, "g"), protocol.KindType)
}

func TestApplyRemoteFaultHasTraceback(t *testing.T) {
	e := NewExecutor("uuid-test")

	wantOK(t, runExecute(t, e, `
def explode(x):
    return x // 0
`))

	fault := wantFault(t, runApply(t, e, "explode", 1), protocol.KindZeroDivision)
	if !strings.Contains(fault.Traceback, "explode") {
		t.Errorf("%s - traceback %q does not mention the failing function", testPrefix, fault.Traceback)
	}
}

func TestApplyResultNotSerializable(t *testing.T) {
	e := NewExecutor("uuid-test")

	wantOK(t, runExecute(t, e, `
def f(x):
    return x
`))

	// Pulling a function forces a result that cannot be encoded.
	wantFault(t, runApply(t, e, "_pull", "f"), protocol.KindSerialization)
}

func TestMapBuiltin(t *testing.T) {
	e := NewExecutor("uuid-test")

	wantOK(t, runExecute(t, e, `
def double(x):
    return x * 2
`))

	reply := runApply(t, e, "_map", "double", []any{1, 2, 3})
	wantOK(t, reply)
	if string(reply.Result) != "[2,4,6]" {
		t.Errorf("%s - _map(double) = %s, want [2,4,6]", testPrefix, reply.Result)
	}
}

func TestLateBoundNames(t *testing.T) {
	e := NewExecutor("uuid-test")

	wantOK(t, runApply(t, e, "_push", map[string]any{"coef": 2}))
	wantOK(t, runExecute(t, e, `
def scale(x):
    return coef * x
`))

	reply := runApply(t, e, "scale", 10)
	wantOK(t, reply)
	if string(reply.Result) != "20" {
		t.Fatalf("%s - scale(10) = %s, want 20", testPrefix, reply.Result)
	}

	// A later push is visible to the already-defined function.
	wantOK(t, runApply(t, e, "_push", map[string]any{"coef": 3}))
	reply = runApply(t, e, "scale", 10)
	wantOK(t, reply)
	if string(reply.Result) != "30" {
		t.Errorf("%s - scale(10) after re-push = %s, want 30", testPrefix, reply.Result)
	}
}

func TestRegisterGo(t *testing.T) {
	e := NewExecutor("uuid-test")
	e.RegisterGo("add", func(args []any, kwargs map[string]any) (any, error) {
		sum := int64(0)
		for _, a := range args {
			n, ok := a.(int64)
			if !ok {
				t.Fatalf("%s - host arg = %T, want int64", testPrefix, a)
			}
			sum += n
		}
		return sum, nil
	})

	reply := runApply(t, e, "add", 2, 3)
	wantOK(t, reply)
	if string(reply.Result) != "5" {
		t.Errorf("%s - add(2,3) = %s, want 5", testPrefix, reply.Result)
	}
}

func TestRegisteredGoPanicBecomesFault(t *testing.T) {
	e := NewExecutor("uuid-test")
	e.RegisterGo("boom", func(args []any, kwargs map[string]any) (any, error) {
		panic("kaboom")
	})

	fault := wantFault(t, runApply(t, e, "boom"), protocol.KindPanic)
	if !strings.Contains(fault.Message, "kaboom") {
		t.Errorf("%s - panic fault message = %q, want the panic value", testPrefix, fault.Message)
	}
	if fault.Traceback == "" {
		t.Errorf("%s - panic fault has no stack", testPrefix)
	}
}

func TestControlPingAndClear(t *testing.T) {
	e := NewExecutor("uuid-test")
	e.SetIdentity(3)

	wantOK(t, runApply(t, e, "_push", map[string]any{"a": 1}))

	ping := e.HandleControl(protocol.ControlRequest{RequestID: "c1", Op: protocol.ControlPing})
	if ping.Status != protocol.StatusOK || ping.EngineID != 3 {
		t.Errorf("%s - ping reply = %+v, want ok from engine 3", testPrefix, ping)
	}

	clear := e.HandleControl(protocol.ControlRequest{RequestID: "c2", Op: protocol.ControlClear})
	if clear.Status != protocol.StatusOK {
		t.Fatalf("%s - clear reply = %+v, want ok", testPrefix, clear)
	}
	wantFault(t, runApply(t, e, "_pull", "a"), protocol.KindName)

	// Implicit callables survive a clear.
	wantOK(t, runApply(t, e, "_push", map[string]any{"a": 2}))
}

func TestControlShutdownInvokesHook(t *testing.T) {
	e := NewExecutor("uuid-test")
	called := make(chan struct{})
	e.OnShutdown(func() { close(called) })

	reply := e.HandleControl(protocol.ControlRequest{RequestID: "c3", Op: protocol.ControlShutdown})
	if reply.Status != protocol.StatusOK {
		t.Fatalf("%s - shutdown reply = %+v, want ok", testPrefix, reply)
	}
	<-called
}

func TestControlUnknownOp(t *testing.T) {
	e := NewExecutor("uuid-test")
	reply := e.HandleControl(protocol.ControlRequest{RequestID: "c4", Op: "reboot"})
	if reply.Status != protocol.StatusError || reply.Error == "" {
		t.Errorf("%s - unknown control reply = %+v, want error", testPrefix, reply)
	}
}

func TestHandleUnknownOp(t *testing.T) {
	e := NewExecutor("uuid-test")
	reply := e.Handle(protocol.CallRequest{RequestID: "r", Op: "compile"})
	wantFault(t, reply, protocol.KindRuntime)
}

func TestNamespaceLen(t *testing.T) {
	e := NewExecutor("uuid-test")
	if n := e.NamespaceLen(); n != 0 {
		t.Fatalf("%s - NamespaceLen() = %d, want 0", testPrefix, n)
	}
	wantOK(t, runApply(t, e, "_push", map[string]any{"a": 1, "b": 2}))
	if n := e.NamespaceLen(); n != 2 {
		t.Errorf("%s - NamespaceLen() = %d, want 2", testPrefix, n)
	}
}
