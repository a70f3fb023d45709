package engine

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/mustergrid/muster/pkg/protocol"
)

// The implicit callables present in every engine namespace. The client's
// push, pull, and map operations are plain apply calls against these.
func (e *Executor) installImplicits() {
	e.installBuiltin(protocol.FuncPush, e.pushBuiltin)
	e.installBuiltin(protocol.FuncPull, e.pullBuiltin)
	e.installBuiltin(protocol.FuncMap, e.mapBuiltin)
}

func (e *Executor) installBuiltin(name string, impl func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)) {
	e.env[name] = starlark.NewBuiltin(name, impl)
	e.builtinNames[name] = true
}

// GoFunc is the signature for host functions exposed to engine code.
// Arguments arrive as decoded JSON values; the return value must survive
// JSON encoding.
type GoFunc func(args []any, kwargs map[string]any) (any, error)

// RegisterGo exposes a host function under the given name, callable from
// apply requests and executed code alike. Register before the engine
// starts serving.
func (e *Executor) RegisterGo(name string, fn GoFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.installBuiltin(name, func(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		goArgs := make([]any, len(args))
		for i, a := range args {
			gv, err := fromStarlark(a)
			if err != nil {
				return nil, fmt.Errorf("%s: argument %d: %w", b.Name(), i, err)
			}
			goArgs[i] = gv
		}
		var goKwargs map[string]any
		if len(kwargs) > 0 {
			goKwargs = make(map[string]any, len(kwargs))
			for _, kv := range kwargs {
				key, _ := starlark.AsString(kv[0])
				gv, err := fromStarlark(kv[1])
				if err != nil {
					return nil, fmt.Errorf("%s: keyword %s: %w", b.Name(), key, err)
				}
				goKwargs[key] = gv
			}
		}
		out, err := fn(goArgs, goKwargs)
		if err != nil {
			return nil, err
		}
		return toStarlark(out)
	})
}

// pushBuiltin merges a dict of names into the namespace.
func (e *Executor) pushBuiltin(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var d *starlark.Dict
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &d); err != nil {
		return nil, err
	}
	for _, item := range d.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("%s: name of type %s is not a string", b.Name(), item[0].Type())
		}
		if e.builtinNames[key] {
			return nil, fmt.Errorf("%s: cannot shadow builtin %q", b.Name(), key)
		}
		e.env[key] = item[1]
	}
	return starlark.None, nil
}

// pullBuiltin reads one name (returning its value) or a list of names
// (returning a list of values) from the namespace.
func (e *Executor) pullBuiltin(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &target); err != nil {
		return nil, err
	}
	switch names := target.(type) {
	case starlark.String:
		return e.lookupName(string(names))
	case *starlark.List:
		out := make([]starlark.Value, 0, names.Len())
		for i := 0; i < names.Len(); i++ {
			name, ok := starlark.AsString(names.Index(i))
			if !ok {
				return nil, fmt.Errorf("%s: name of type %s is not a string", b.Name(), names.Index(i).Type())
			}
			v, err := e.lookupName(name)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return starlark.NewList(out), nil
	default:
		return nil, fmt.Errorf("%s: want a name or list of names, got %s", b.Name(), target.Type())
	}
}

func (e *Executor) lookupName(name string) (starlark.Value, error) {
	if v, ok := e.env[name]; ok && !e.builtinNames[name] {
		return v, nil
	}
	return nil, fmt.Errorf("name '%s' is not defined", name)
}

// mapBuiltin applies a function to each element of a sequence and returns
// the results in order. The function may be passed as a value or by name.
func (e *Executor) mapBuiltin(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Value
	var items starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &fn, &items); err != nil {
		return nil, err
	}

	callable, ok := fn.(starlark.Callable)
	if !ok {
		name, isName := starlark.AsString(fn)
		if !isName {
			return nil, fmt.Errorf("%s: value of type %s is not callable", b.Name(), fn.Type())
		}
		resolved, err := e.resolveCallable(name)
		if err != nil {
			return nil, err
		}
		callable = resolved
	}

	iter := items.Iterate()
	defer iter.Done()
	var out []starlark.Value
	var elem starlark.Value
	for iter.Next(&elem) {
		r, err := starlark.Call(t, callable, starlark.Tuple{elem}, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return starlark.NewList(out), nil
}

// resolveCallable finds a function by name for apply requests.
func (e *Executor) resolveCallable(name string) (starlark.Callable, error) {
	v, ok := e.env[name]
	if !ok {
		return nil, fmt.Errorf("name '%s' is not defined", name)
	}
	c, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("'%s' of type %s is not callable", name, v.Type())
	}
	return c, nil
}
