// Package engine executes apply and execute requests against a persistent
// namespace. One executor backs one engine process; calls are serialized,
// control requests (ping, clear, shutdown) are handled out of band.
package engine

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/mustergrid/muster/pkg/protocol"
)

// fileOpts selects the interactive dialect: sets, while loops, top-level
// control flow, rebinding, and recursion.
var fileOpts = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Executor holds one engine's namespace. The namespace map is shared with
// every executed chunk as its predeclared environment, so functions
// defined in one execute see values pushed or assigned later. Names
// assigned by a chunk are merged back after it runs.
type Executor struct {
	mu           sync.Mutex
	env          starlark.StringDict
	builtinNames map[string]bool

	uuid string
	id   atomic.Int64

	onShutdown func()
}

// NewExecutor creates an executor for the engine with the given UUID. The
// id is stamped later, once registration assigns it.
func NewExecutor(uuid string) *Executor {
	e := &Executor{
		env:          starlark.StringDict{},
		builtinNames: make(map[string]bool),
		uuid:         uuid,
	}
	e.id.Store(-1)
	e.installImplicits()
	return e
}

// UUID returns the engine's stable identity.
func (e *Executor) UUID() string { return e.uuid }

// SetIdentity records the registry-assigned id stamped into replies. It
// changes whenever a new client session re-registers the engine.
func (e *Executor) SetIdentity(id protocol.EngineID) {
	e.id.Store(int64(id))
}

// Identity returns the current registry-assigned id, -1 before the first
// registration.
func (e *Executor) Identity() protocol.EngineID {
	return protocol.EngineID(e.id.Load())
}

// OnShutdown registers the host hook invoked when a shutdown control
// request arrives. Set before serving starts.
func (e *Executor) OnShutdown(fn func()) { e.onShutdown = fn }

// NamespaceLen reports how many user names the namespace holds.
func (e *Executor) NamespaceLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.env) - len(e.builtinNames)
}

// Handle runs one call to completion and builds the reply envelope. It
// never panics: recovered panics travel as PanicError faults with the
// host stack as traceback.
func (e *Executor) Handle(req protocol.CallRequest) (reply protocol.CallReply) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var stdout strings.Builder
	reply = protocol.CallReply{
		RequestID:  req.RequestID,
		EngineID:   e.Identity(),
		EngineUUID: e.uuid,
		Status:     protocol.StatusOK,
		StartedAt:  time.Now().UTC(),
	}
	defer func() {
		if r := recover(); r != nil {
			reply.Status = protocol.StatusError
			reply.Result = nil
			reply.Fault = &protocol.Fault{
				Kind:      protocol.KindPanic,
				Message:   fmt.Sprint(r),
				Traceback: string(debug.Stack()),
			}
		}
		reply.Stdout = stdout.String()
		reply.CompletedAt = time.Now().UTC()
	}()

	thread := &starlark.Thread{
		Name: req.RequestID,
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg)
			stdout.WriteByte('\n')
		},
	}

	switch req.Op {
	case protocol.OpExecute:
		e.execute(thread, req.Code, &reply)
	case protocol.OpApply:
		e.apply(thread, req, &reply)
	default:
		reply.Status = protocol.StatusError
		reply.Fault = &protocol.Fault{
			Kind:    protocol.KindRuntime,
			Message: fmt.Sprintf("unsupported operation %q", req.Op),
		}
	}
	return reply
}

// execute runs source text as a chunk against the namespace. Assignments
// persist; the result is always empty, output travels via Stdout. The
// chunk is initialized without freezing so later chunks may mutate values
// it created.
func (e *Executor) execute(thread *starlark.Thread, code string, reply *protocol.CallReply) {
	_, prog, err := starlark.SourceProgramOptions(fileOpts, "<execute>", code, e.env.Has)
	if err != nil {
		reply.Status = protocol.StatusError
		reply.Fault = classifyCompile(err)
		return
	}

	globals, execErr := prog.Init(thread, e.env)
	// Merge back whatever completed before any failure; partial effects
	// persist, same as an interactive session.
	for k, v := range globals {
		if v == nil || e.builtinNames[k] {
			continue
		}
		e.env[k] = v
	}
	if execErr != nil {
		reply.Status = protocol.StatusError
		reply.Fault = classifyEval(execErr)
	}
}

// apply resolves a callable by name and invokes it with the decoded
// arguments.
func (e *Executor) apply(thread *starlark.Thread, req protocol.CallRequest, reply *protocol.CallReply) {
	fail := func(fault *protocol.Fault) {
		reply.Status = protocol.StatusError
		reply.Fault = fault
	}

	fn, err := e.resolveCallable(req.Func)
	if err != nil {
		fail(&protocol.Fault{Kind: kindForMessage(err.Error()), Message: err.Error()})
		return
	}
	args, err := decodeCallArgs(req.Args)
	if err != nil {
		fail(&protocol.Fault{Kind: protocol.KindSerialization, Message: err.Error()})
		return
	}
	kwargs, err := decodeCallKwargs(req.Kwargs)
	if err != nil {
		fail(&protocol.Fault{Kind: protocol.KindSerialization, Message: err.Error()})
		return
	}

	out, err := starlark.Call(thread, fn, args, kwargs)
	if err != nil {
		fail(classifyEval(err))
		return
	}

	result, err := marshalResult(out)
	if err != nil {
		fail(&protocol.Fault{Kind: protocol.KindSerialization, Message: err.Error()})
		return
	}
	reply.Result = result
}

// HandleControl answers a control request. Ping deliberately takes no
// lock so a busy engine still answers; clear waits for the running call.
func (e *Executor) HandleControl(req protocol.ControlRequest) protocol.ControlReply {
	reply := protocol.ControlReply{
		RequestID:  req.RequestID,
		EngineID:   e.Identity(),
		EngineUUID: e.uuid,
		Status:     protocol.StatusOK,
	}

	switch req.Op {
	case protocol.ControlPing:

	case protocol.ControlClear:
		e.mu.Lock()
		for k := range e.env {
			if !e.builtinNames[k] {
				delete(e.env, k)
			}
		}
		e.mu.Unlock()

	case protocol.ControlShutdown:
		if e.onShutdown != nil {
			// Async so the acknowledgement gets published before teardown.
			go e.onShutdown()
		}

	default:
		reply.Status = protocol.StatusError
		reply.Error = fmt.Sprintf("unsupported control operation %q", req.Op)
	}
	return reply
}
