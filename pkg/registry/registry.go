// Package registry tracks the set of engines known to a client session:
// id assignment, liveness bookkeeping, and target-set resolution.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/mustergrid/muster/pkg/protocol"
	"github.com/mustergrid/muster/pkg/remoterr"
)

const logPrefix = "registry:registry"

const (
	defaultHeartbeatInterval = 3 * time.Second
	defaultMaxMissedBeats    = 3
)

// Config holds registry configuration.
type Config struct {
	// HeartbeatInterval is handed to engines at registration; the liveness
	// monitor uses it together with MaxMissedBeats to declare engines dead.
	HeartbeatInterval time.Duration
	MaxMissedBeats    int
	// VersionConstraint is an optional semver range (e.g. ">=1.0.0 <2.0.0")
	// engines must satisfy to register. Empty accepts any version.
	VersionConstraint string
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: defaultHeartbeatInterval,
		MaxMissedBeats:    defaultMaxMissedBeats,
	}
}

// EngineInfo describes one registered engine.
type EngineInfo struct {
	ID           protocol.EngineID
	UUID         string
	Version      string
	Hostname     string
	PID          int
	RegisteredAt time.Time
	LastSeen     time.Time
	BeatSeq      uint64
}

// RegisterObserver is invoked (outside the registry lock) whenever a new
// engine joins. Re-announces from known engines do not fire it.
type RegisterObserver func(info EngineInfo)

// UnregisterObserver is invoked (outside the registry lock) whenever an
// engine leaves. The dispatcher hooks here to fail that engine's pending
// slots instead of leaving them pending forever.
type UnregisterObserver func(info EngineInfo, reason string)

// Registry assigns engine ids and resolves target sets. Ids start at 0,
// grow monotonically in registration order, and are never reused for the
// lifetime of the registry, even after the original holder unregisters.
type Registry struct {
	mu           sync.RWMutex
	cfg          Config
	constraint   *semver.Constraints
	byID         map[protocol.EngineID]*EngineInfo
	byUUID       map[string]protocol.EngineID
	order        []protocol.EngineID
	nextID       protocol.EngineID
	onRegister   []RegisterObserver
	onUnregister []UnregisterObserver
}

// NewRegistry creates a Registry. The version constraint, if any, is
// parsed once here so registration failures are cheap.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.MaxMissedBeats <= 0 {
		cfg.MaxMissedBeats = defaultMaxMissedBeats
	}
	r := &Registry{
		cfg:    cfg,
		byID:   make(map[protocol.EngineID]*EngineInfo),
		byUUID: make(map[string]protocol.EngineID),
	}
	if cfg.VersionConstraint != "" {
		c, err := semver.NewConstraint(cfg.VersionConstraint)
		if err != nil {
			return nil, fmt.Errorf("%s - invalid version constraint %q: %w", logPrefix, cfg.VersionConstraint, err)
		}
		r.constraint = c
	}
	return r, nil
}

// Config returns the registry configuration.
func (r *Registry) Config() Config { return r.cfg }

// Register admits an engine and assigns its id. Registration is idempotent
// per UUID: a re-announce from a known engine returns the id it already
// holds, refreshed as seen.
func (r *Registry) Register(req protocol.RegisterRequest) (EngineInfo, error) {
	if req.UUID == "" {
		return EngineInfo{}, fmt.Errorf("%s - registration without uuid", logPrefix)
	}
	if r.constraint != nil {
		v, err := semver.NewVersion(req.Version)
		if err != nil {
			return EngineInfo{}, fmt.Errorf("%s - engine %s has unparseable version %q: %w", logPrefix, req.UUID, req.Version, err)
		}
		if !r.constraint.Check(v) {
			return EngineInfo{}, fmt.Errorf("%s - engine %s version %s does not satisfy %q", logPrefix, req.UUID, req.Version, r.cfg.VersionConstraint)
		}
	}

	now := time.Now().UTC()
	r.mu.Lock()

	if id, ok := r.byUUID[req.UUID]; ok {
		info := r.byID[id]
		info.LastSeen = now
		out := *info
		r.mu.Unlock()
		return out, nil
	}

	info := &EngineInfo{
		ID:           r.nextID,
		UUID:         req.UUID,
		Version:      req.Version,
		Hostname:     req.Hostname,
		PID:          req.PID,
		RegisteredAt: now,
		LastSeen:     now,
	}
	r.nextID++
	r.byID[info.ID] = info
	r.byUUID[info.UUID] = info.ID
	r.order = append(r.order, info.ID)
	joined := *info
	observers := make([]RegisterObserver, len(r.onRegister))
	copy(observers, r.onRegister)
	r.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Registered engine %d (uuid=%s version=%s host=%s)",
		logPrefix, joined.ID, joined.UUID, joined.Version, joined.Hostname))
	for _, fn := range observers {
		fn(joined)
	}
	return joined, nil
}

// Unregister removes an engine by id and notifies observers exactly once.
func (r *Registry) Unregister(id protocol.EngineID, reason string) error {
	r.mu.Lock()
	info, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return &remoterr.UnknownTargetError{IDs: []protocol.EngineID{id}}
	}
	removed := *info
	delete(r.byID, id)
	delete(r.byUUID, info.UUID)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	observers := make([]UnregisterObserver, len(r.onUnregister))
	copy(observers, r.onUnregister)
	r.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Unregistered engine %d (uuid=%s): %s", logPrefix, removed.ID, removed.UUID, reason))
	for _, fn := range observers {
		fn(removed, reason)
	}
	return nil
}

// UnregisterUUID removes an engine by its UUID (goodbye messages carry the
// UUID, not the assigned id).
func (r *Registry) UnregisterUUID(uuid, reason string) error {
	r.mu.RLock()
	id, ok := r.byUUID[uuid]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s - unknown engine uuid %s", logPrefix, uuid)
	}
	return r.Unregister(id, reason)
}

// OnRegister adds an observer for new engine arrivals.
func (r *Registry) OnRegister(fn RegisterObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRegister = append(r.onRegister, fn)
}

// OnUnregister adds an observer for engine departures.
func (r *Registry) OnUnregister(fn UnregisterObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnregister = append(r.onUnregister, fn)
}

// IDs returns the registered engine ids in ascending order (registration
// order, since ids are assigned monotonically).
func (r *Registry) IDs() []protocol.EngineID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]protocol.EngineID, len(r.order))
	copy(ids, r.order)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Get looks up an engine by id.
func (r *Registry) Get(id protocol.EngineID) (EngineInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byID[id]
	if !ok {
		return EngineInfo{}, false
	}
	return *info, true
}

// GetUUID looks up an engine by UUID.
func (r *Registry) GetUUID(uuid string) (EngineInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUUID[uuid]
	if !ok {
		return EngineInfo{}, false
	}
	return *r.byID[id], true
}

// Engines returns a snapshot of all registered engines in id order.
func (r *Registry) Engines() []EngineInfo {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EngineInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := r.byID[id]; ok {
			out = append(out, *info)
		}
	}
	return out
}

// MarkBeat records a heartbeat for an engine. Unknown UUIDs report false
// so the caller can trigger a re-announce.
func (r *Registry) MarkBeat(uuid string, seq uint64, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUUID[uuid]
	if !ok {
		return false
	}
	info := r.byID[id]
	if at.After(info.LastSeen) {
		info.LastSeen = at
	}
	if seq > info.BeatSeq {
		info.BeatSeq = seq
	}
	return true
}

// Stale returns engines whose last beat is older than cutoff. The liveness
// monitor unregisters them with a disconnect reason.
func (r *Registry) Stale(cutoff time.Time) []EngineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []EngineInfo
	for _, id := range r.order {
		info := r.byID[id]
		if info.LastSeen.Before(cutoff) {
			out = append(out, *info)
		}
	}
	return out
}
