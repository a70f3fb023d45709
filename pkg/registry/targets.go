package registry

import (
	"github.com/mustergrid/muster/pkg/protocol"
	"github.com/mustergrid/muster/pkg/remoterr"
)

// TargetSet names the engines a view addresses. The zero value targets
// nothing; AllEngines() targets whatever is registered at dispatch time.
type TargetSet struct {
	All bool
	IDs []protocol.EngineID
}

// AllEngines targets every engine registered at the moment of dispatch.
func AllEngines() TargetSet { return TargetSet{All: true} }

// Engines targets an explicit list of engine ids, in the given order.
func Engines(ids ...protocol.EngineID) TargetSet {
	out := make([]protocol.EngineID, len(ids))
	copy(out, ids)
	return TargetSet{IDs: out}
}

// IsAll reports whether the set is the dynamic all-engines set.
func (t TargetSet) IsAll() bool { return t.All }

// Resolve binds a target set against the current registry contents and
// returns the concrete engine list, preserving the set's order. Explicit
// sets fail atomically: any unknown id rejects the whole call (all unknown
// ids are reported), and duplicate ids are rejected rather than deduped.
func (r *Registry) Resolve(t TargetSet) ([]EngineInfo, error) {
	if t.All {
		engines := r.Engines()
		if len(engines) == 0 {
			return nil, remoterr.ErrNoEngines
		}
		return engines, nil
	}
	if len(t.IDs) == 0 {
		return nil, remoterr.ErrNoEngines
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[protocol.EngineID]bool, len(t.IDs))
	var unknown []protocol.EngineID
	out := make([]EngineInfo, 0, len(t.IDs))
	for _, id := range t.IDs {
		if seen[id] {
			return nil, remoterr.ErrDuplicateTargets
		}
		seen[id] = true
		info, ok := r.byID[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		out = append(out, *info)
	}
	if len(unknown) > 0 {
		return nil, &remoterr.UnknownTargetError{IDs: unknown}
	}
	return out, nil
}
