package client

import (
	"context"
	"fmt"

	"github.com/mustergrid/muster/pkg/protocol"
	"github.com/mustergrid/muster/pkg/registry"
	"github.com/mustergrid/muster/pkg/remoterr"
)

// View binds a target set and default call modes. Views are cheap to
// create and safe to share between goroutines. Targets resolve at dispatch
// time, so a view built before engines joined still sees them, and engines
// that left fail the call instead of silently vanishing from it.
type View struct {
	client  *Client
	targets registry.TargetSet

	// Block makes calls wait for their outcome by default. Call options
	// override it per call; the system default is non-blocking.
	Block bool
	// Track records calls in History and the archive. Defaults to true.
	Track bool
}

// Targets returns the bound target set.
func (v *View) Targets() registry.TargetSet { return v.targets }

// callOptions collects per-call overrides. Resolution order: call option,
// then view field, then client default.
type callOptions struct {
	block   *bool
	track   *bool
	targets *registry.TargetSet
}

// CallOption overrides a view default for a single call.
type CallOption func(*callOptions)

// WithBlock forces blocking (true) or non-blocking (false) for one call.
func WithBlock(block bool) CallOption {
	return func(o *callOptions) { o.block = &block }
}

// WithTrack includes or excludes one call from History and the archive.
func WithTrack(track bool) CallOption {
	return func(o *callOptions) { o.track = &track }
}

// WithTargets redirects one call to a different target set.
func WithTargets(targets registry.TargetSet) CallOption {
	return func(o *callOptions) { o.targets = &targets }
}

func (v *View) resolveOptions(opts []CallOption) (registry.TargetSet, bool, bool) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	targets := v.targets
	if o.targets != nil {
		targets = *o.targets
	}
	block := v.Block
	if o.block != nil {
		block = *o.block
	}
	track := v.Track
	if o.track != nil {
		track = *o.track
	}
	return targets, block, track
}

// Apply dispatches fn(args..., kwargs...) to every target. Non-blocking
// calls return the handle immediately; blocking calls return once the
// request finalized, with the call outcome as the error. Either way the
// returned handle carries the per-target results.
func (v *View) Apply(ctx context.Context, fn string, args []any, kwargs map[string]any, opts ...CallOption) (*AsyncResult, error) {
	targets, block, track := v.resolveOptions(opts)
	ar, err := v.applyTo(targets, track, fn, args, kwargs)
	if err != nil {
		return nil, err
	}
	return v.finish(ctx, ar, block)
}

// ApplyAsync is Apply forced non-blocking.
func (v *View) ApplyAsync(fn string, args []any, kwargs map[string]any, opts ...CallOption) (*AsyncResult, error) {
	targets, _, track := v.resolveOptions(opts)
	return v.applyTo(targets, track, fn, args, kwargs)
}

// ApplySync is Apply forced blocking. It returns the unwrapped value: the
// single result for one target, the target-ordered sequence otherwise.
func (v *View) ApplySync(ctx context.Context, fn string, args []any, kwargs map[string]any, opts ...CallOption) (any, error) {
	targets, _, track := v.resolveOptions(opts)
	ar, err := v.applyTo(targets, track, fn, args, kwargs)
	if err != nil {
		return nil, err
	}
	return v.get(ctx, ar)
}

func (v *View) applyTo(targets registry.TargetSet, track bool, fn string, args []any, kwargs map[string]any) (*AsyncResult, error) {
	if fn == "" {
		return nil, remoterr.ErrEmptyCall
	}
	spec, err := v.uniformSpec(targets, protocol.OpApply, fn, "", fn, track, args, kwargs)
	if err != nil {
		return nil, err
	}
	return v.client.dispatch(spec)
}

// Execute runs source text against every target's namespace. Definitions
// and assignments persist for later calls on the same engines; print
// output lands in the handle's Stdout.
func (v *View) Execute(ctx context.Context, code string, opts ...CallOption) (*AsyncResult, error) {
	targets, block, track := v.resolveOptions(opts)
	if code == "" {
		return nil, remoterr.ErrEmptyCall
	}
	spec, err := v.uniformSpec(targets, protocol.OpExecute, "", code, "execute", track, nil, nil)
	if err != nil {
		return nil, err
	}
	ar, err := v.client.dispatch(spec)
	if err != nil {
		return nil, err
	}
	return v.finish(ctx, ar, block)
}

// Map applies fn to every element of items, partitioned round-robin over
// the resolved targets under a single request id. The assembled result
// restores input order. Partition sizes are fixed at dispatch; there is no
// rebalancing for slow engines.
func (v *View) Map(ctx context.Context, fn string, items []any, opts ...CallOption) (*AsyncResult, error) {
	targets, block, track := v.resolveOptions(opts)
	if fn == "" {
		return nil, remoterr.ErrEmptyCall
	}
	engines, err := v.client.registry.Resolve(targets)
	if err != nil {
		return nil, err
	}
	parts, indexes := partitionRoundRobin(len(engines), items)
	calls := make([]engineCall, len(engines))
	for i, info := range engines {
		rawArgs, err := protocol.EncodeArgs([]any{fn, parts[i]})
		if err != nil {
			return nil, err
		}
		calls[i] = engineCall{id: info.ID, uuid: info.UUID, args: rawArgs}
	}
	ar, err := v.client.dispatch(callSpec{
		op:       protocol.OpApply,
		fn:       protocol.FuncMap,
		method:   fmt.Sprintf("map(%s)", fn),
		track:    track,
		calls:    calls,
		assemble: assembleByIndex(indexes, len(items)),
	})
	if err != nil {
		return nil, err
	}
	return v.finish(ctx, ar, block)
}

// Push assigns mapping's pairs into every target's namespace.
func (v *View) Push(ctx context.Context, mapping map[string]any, opts ...CallOption) (*AsyncResult, error) {
	targets, block, track := v.resolveOptions(opts)
	if len(mapping) == 0 {
		return nil, fmt.Errorf("client: push needs at least one name")
	}
	spec, err := v.uniformSpec(targets, protocol.OpApply, protocol.FuncPush, "", "push", track, []any{mapping}, nil)
	if err != nil {
		return nil, err
	}
	ar, err := v.client.dispatch(spec)
	if err != nil {
		return nil, err
	}
	return v.finish(ctx, ar, block)
}

// Pull reads names out of every target's namespace. One name yields the
// value itself, several a per-name list; a single target unwraps fully. A
// missing name is a NameError fault from that engine.
func (v *View) Pull(ctx context.Context, names []string, opts ...CallOption) (*AsyncResult, error) {
	targets, block, track := v.resolveOptions(opts)
	if len(names) == 0 {
		return nil, fmt.Errorf("client: pull needs at least one name")
	}
	var args []any
	if len(names) == 1 {
		args = []any{names[0]}
	} else {
		list := make([]any, len(names))
		for i, n := range names {
			list[i] = n
		}
		args = []any{list}
	}
	spec, err := v.uniformSpec(targets, protocol.OpApply, protocol.FuncPull, "", "pull", track, args, nil)
	if err != nil {
		return nil, err
	}
	ar, err := v.client.dispatch(spec)
	if err != nil {
		return nil, err
	}
	return v.finish(ctx, ar, block)
}

// Scatter splits items into contiguous blocks, one per target in target
// order, and pushes each block under name. Gather of the same name
// round-trips the original sequence.
func (v *View) Scatter(ctx context.Context, name string, items []any, opts ...CallOption) (*AsyncResult, error) {
	targets, block, track := v.resolveOptions(opts)
	if name == "" {
		return nil, fmt.Errorf("client: scatter needs a name")
	}
	engines, err := v.client.registry.Resolve(targets)
	if err != nil {
		return nil, err
	}
	blocks := partitionBlocks(len(engines), items)
	calls := make([]engineCall, len(engines))
	for i, info := range engines {
		rawArgs, err := protocol.EncodeArgs([]any{map[string]any{name: blocks[i]}})
		if err != nil {
			return nil, err
		}
		calls[i] = engineCall{id: info.ID, uuid: info.UUID, args: rawArgs}
	}
	ar, err := v.client.dispatch(callSpec{
		op:     protocol.OpApply,
		fn:     protocol.FuncPush,
		method: fmt.Sprintf("scatter(%s)", name),
		track:  track,
		calls:  calls,
	})
	if err != nil {
		return nil, err
	}
	return v.finish(ctx, ar, block)
}

// Gather pulls name from every target and concatenates the per-target
// blocks in target order.
func (v *View) Gather(ctx context.Context, name string, opts ...CallOption) (*AsyncResult, error) {
	targets, block, track := v.resolveOptions(opts)
	if name == "" {
		return nil, fmt.Errorf("client: gather needs a name")
	}
	spec, err := v.uniformSpec(targets, protocol.OpApply, protocol.FuncPull, "", fmt.Sprintf("gather(%s)", name), track, []any{name}, nil)
	if err != nil {
		return nil, err
	}
	spec.assemble = assembleConcat()
	ar, err := v.client.dispatch(spec)
	if err != nil {
		return nil, err
	}
	return v.finish(ctx, ar, block)
}

// uniformSpec encodes one shared payload and addresses it to every
// resolved target. Resolution and encoding failures abort the call here,
// before anything is sent.
func (v *View) uniformSpec(targets registry.TargetSet, op, fn, code, method string, track bool, args []any, kwargs map[string]any) (callSpec, error) {
	engines, err := v.client.registry.Resolve(targets)
	if err != nil {
		return callSpec{}, err
	}
	rawArgs, err := protocol.EncodeArgs(args)
	if err != nil {
		return callSpec{}, err
	}
	rawKwargs, err := protocol.EncodeKwargs(kwargs)
	if err != nil {
		return callSpec{}, err
	}
	calls := make([]engineCall, len(engines))
	for i, info := range engines {
		calls[i] = engineCall{id: info.ID, uuid: info.UUID, args: rawArgs, kwargs: rawKwargs}
	}
	return callSpec{op: op, fn: fn, code: code, method: method, track: track, calls: calls}, nil
}

// finish implements blocking mode: wait for the outcome and surface it as
// the error, alongside the already-finalized handle.
func (v *View) finish(ctx context.Context, ar *AsyncResult, block bool) (*AsyncResult, error) {
	if !block {
		return ar, nil
	}
	if _, err := v.get(ctx, ar); err != nil {
		return ar, err
	}
	return ar, nil
}

func (v *View) get(ctx context.Context, ar *AsyncResult) (any, error) {
	ctx, cancel := v.client.callContext(ctx)
	defer cancel()
	return ar.Get(ctx)
}
