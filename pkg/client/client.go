// Package client implements the controlling side of a muster pool: the
// engine registry fed by announce, goodbye, and heartbeat traffic, the
// dispatcher that fans calls out and collects replies into AsyncResult
// handles, Views for addressing engine subsets, the control plane (ping,
// clear, shutdown), and the result archive.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/mustergrid/muster/pkg/commsutil"
	"github.com/mustergrid/muster/pkg/events"
	"github.com/mustergrid/muster/pkg/protocol"
	"github.com/mustergrid/muster/pkg/registry"
	"github.com/mustergrid/muster/pkg/remoterr"
	"github.com/mustergrid/muster/pkg/resultdb"
)

const logPrefix = "client:client"

// DefaultRequestTimeout bounds blocking operations when neither the
// caller's context nor the config carries a deadline.
const DefaultRequestTimeout = 30 * time.Second

const drainTimeout = 5 * time.Second

// Config holds client settings. Zero values take defaults.
type Config struct {
	// URL is the COMMS server URL. Empty selects the library default.
	URL string
	// Name is the connection name shown in server monitoring.
	Name string
	// Namespace prefixes every subject, isolating pools that share a
	// server. Empty selects the default namespace.
	Namespace string
	// RequestTimeout applies to blocking calls whose context has no
	// deadline of its own.
	RequestTimeout time.Duration
	// HeartbeatInterval is handed to engines at registration. The liveness
	// monitor unregisters an engine after MaxMissedBeats silent intervals.
	HeartbeatInterval time.Duration
	MaxMissedBeats    int
	// VersionConstraint optionally restricts which engine protocol
	// versions may register, e.g. ">=1.0.0 <2.0.0".
	VersionConstraint string
	// Store is the result archive. Nil selects an in-memory store owned
	// (and closed) by the client.
	Store resultdb.Store
	// ArchiveBuffer is the archive queue depth. A full queue drops records
	// instead of stalling the reply loop.
	ArchiveBuffer int
	// Events receives pool change events: engines joining and leaving,
	// requests dispatched and finalized. Nil disables event publishing.
	Events events.EventPublisher
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = comms.DefaultURL
	}
	if c.Name == "" {
		c.Name = "muster-client"
	}
	if c.Namespace == "" {
		c.Namespace = commsutil.DefaultNamespace
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	reg := registry.DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = reg.HeartbeatInterval
	}
	if c.MaxMissedBeats <= 0 {
		c.MaxMissedBeats = reg.MaxMissedBeats
	}
	return c
}

// Client is a controlling process's handle on an engine pool. One Client
// owns one registry, so engine ids are scoped to the client session that
// assigned them.
type Client struct {
	cfg      Config
	id       string
	nc       *comms.Conn
	registry *registry.Registry
	disp     *dispatcher
	arch     *archiver
	store    resultdb.Store
	ownStore bool
	events   events.EventPublisher

	subs []*comms.Subscription

	histMu  sync.Mutex
	history []string

	stopMonitor chan struct{}
	monitorDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Connect dials the COMMS server, wires the control-plane subscriptions,
// broadcasts a rollcall so engines already running re-announce themselves,
// and starts the liveness monitor and the archive loop.
func Connect(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	reg, err := registry.NewRegistry(registry.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxMissedBeats:    cfg.MaxMissedBeats,
		VersionConstraint: cfg.VersionConstraint,
	})
	if err != nil {
		return nil, err
	}

	store := cfg.Store
	ownStore := false
	if store == nil {
		store = resultdb.NewMemoryStore()
		ownStore = true
	}

	nc, err := commsutil.Connect(cfg.URL, cfg.Name)
	if err != nil {
		if ownStore {
			store.Close()
		}
		return nil, err
	}

	pub := cfg.Events
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}

	c := &Client{
		cfg:         cfg,
		id:          newULID(),
		nc:          nc,
		registry:    reg,
		store:       store,
		ownStore:    ownStore,
		events:      pub,
		stopMonitor: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
	c.arch = newArchiver(store, cfg.ArchiveBuffer)
	c.disp = newDispatcher(nc, cfg.Namespace, c.id, c.arch, pub)

	reg.OnRegister(func(info registry.EngineInfo) {
		id, size := info.ID, reg.Len()
		if err := c.events.PublishChanged(context.Background(), &events.PoolChangedEvent{
			Kind:      events.KindEngineRegistered,
			ClientID:  c.id,
			EngineID:  &id,
			UUID:      info.UUID,
			Hostname:  info.Hostname,
			PID:       info.PID,
			PoolSize:  &size,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			slog.Warn(fmt.Sprintf("%s - PublishChanged failed: %v", logPrefix, err))
		}
	})
	reg.OnUnregister(func(info registry.EngineInfo, reason string) {
		c.disp.failEngine(info.ID, info.UUID, reason)
		id, size := info.ID, reg.Len()
		if err := c.events.PublishChanged(context.Background(), &events.PoolChangedEvent{
			Kind:      events.KindEngineUnregistered,
			ClientID:  c.id,
			EngineID:  &id,
			UUID:      info.UUID,
			Reason:    reason,
			PoolSize:  &size,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			slog.Warn(fmt.Sprintf("%s - PublishChanged failed: %v", logPrefix, err))
		}
	})

	if err := c.subscribe(); err != nil {
		c.arch.close()
		nc.Close()
		if ownStore {
			store.Close()
		}
		return nil, err
	}
	go c.monitor()

	if err := c.rollcall(); err != nil {
		slog.Warn(fmt.Sprintf("%s - rollcall publish failed: %v", logPrefix, err))
	}

	slog.Info(fmt.Sprintf("%s - connected as %s (namespace %q)", logPrefix, c.id, cfg.Namespace))
	return c, nil
}

func (c *Client) subscribe() error {
	ns := c.cfg.Namespace
	for _, s := range []struct {
		subject string
		handler comms.MsgHandler
	}{
		{commsutil.AnnounceSubject(ns), c.handleAnnounce},
		{commsutil.GoodbyeSubject(ns), c.handleGoodbye},
		{commsutil.HeartbeatSubject(ns), c.handleHeartbeat},
		{commsutil.ReplySubject(ns, c.id), c.handleReply},
	} {
		sub, err := c.nc.Subscribe(s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("%s - subscribe %s: %w", logPrefix, s.subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	return c.nc.Flush()
}

func (c *Client) handleAnnounce(msg *comms.Msg) {
	var req protocol.RegisterRequest
	if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
		slog.Warn(fmt.Sprintf("%s - undecodable announce: %v", logPrefix, err))
		return
	}
	var reply protocol.RegisterReply
	info, err := c.registry.Register(req)
	if err != nil {
		reply = protocol.RegisterReply{Error: err.Error()}
		slog.Warn(fmt.Sprintf("%s - rejected engine %s: %v", logPrefix, req.UUID, err))
	} else {
		reply = protocol.RegisterReply{OK: true, EngineID: info.ID, HeartbeatInterval: c.cfg.HeartbeatInterval}
		slog.Info(fmt.Sprintf("%s - engine %d registered (uuid %s, host %s, pid %d)", logPrefix, info.ID, info.UUID, req.Hostname, req.PID))
	}
	if msg.Reply == "" {
		return
	}
	data, err := commsutil.EncodePayload(reply)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - encode register reply: %v", logPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - respond to announce from %s: %v", logPrefix, req.UUID, err))
	}
}

func (c *Client) handleGoodbye(msg *comms.Msg) {
	var bye protocol.Goodbye
	if err := commsutil.DecodePayload(msg.Data, &bye); err != nil {
		slog.Warn(fmt.Sprintf("%s - undecodable goodbye: %v", logPrefix, err))
		return
	}
	reason := bye.Reason
	if reason == "" {
		reason = "goodbye"
	}
	if err := c.registry.UnregisterUUID(bye.UUID, reason); err != nil {
		slog.Debug(fmt.Sprintf("%s - goodbye from unknown engine %s", logPrefix, bye.UUID))
	}
}

func (c *Client) handleHeartbeat(msg *comms.Msg) {
	var beat protocol.Heartbeat
	if err := commsutil.DecodePayload(msg.Data, &beat); err != nil {
		slog.Warn(fmt.Sprintf("%s - undecodable heartbeat: %v", logPrefix, err))
		return
	}
	if !c.registry.MarkBeat(beat.UUID, beat.Seq, time.Now()) {
		slog.Debug(fmt.Sprintf("%s - heartbeat from unregistered engine %s", logPrefix, beat.UUID))
	}
}

func (c *Client) handleReply(msg *comms.Msg) {
	var reply protocol.CallReply
	if err := commsutil.DecodePayload(msg.Data, &reply); err != nil {
		slog.Warn(fmt.Sprintf("%s - undecodable call reply: %v", logPrefix, err))
		return
	}
	c.disp.deliver(reply)
}

func (c *Client) rollcall() error {
	data, err := commsutil.EncodePayload(protocol.Rollcall{ClientID: c.id, SentAt: time.Now()})
	if err != nil {
		return err
	}
	if err := c.nc.Publish(commsutil.RollcallSubject(c.cfg.Namespace), data); err != nil {
		return err
	}
	return c.nc.Flush()
}

// monitor unregisters engines whose heartbeats stopped. The cutoff is
// HeartbeatInterval times MaxMissedBeats, checked once per interval.
func (c *Client) monitor() {
	defer close(c.monitorDone)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	maxSilence := c.cfg.HeartbeatInterval * time.Duration(c.cfg.MaxMissedBeats)
	for {
		select {
		case <-c.stopMonitor:
			return
		case <-ticker.C:
			for _, info := range c.registry.Stale(time.Now().Add(-maxSilence)) {
				slog.Warn(fmt.Sprintf("%s - engine %d (%s) missed %d heartbeats, unregistering", logPrefix, info.ID, info.UUID, c.cfg.MaxMissedBeats))
				if err := c.registry.Unregister(info.ID, "missed heartbeats"); err != nil {
					slog.Debug(fmt.Sprintf("%s - stale unregister race for engine %d: %v", logPrefix, info.ID, err))
				}
			}
		}
	}
}

// ID returns this client's id. Engines address call replies to it.
func (c *Client) ID() string { return c.id }

// Registry exposes the engine registry for listing and lookups.
func (c *Client) Registry() *registry.Registry { return c.registry }

// All returns a view over every registered engine. Resolution happens per
// call, so engines joining later are picked up by later calls.
func (c *Client) All() *View {
	return &View{client: c, targets: registry.AllEngines(), Track: true}
}

// Direct returns a view bound to explicit engine ids. Duplicates are
// rejected here; unknown ids surface per call, at dispatch time.
func (c *Client) Direct(ids ...protocol.EngineID) (*View, error) {
	if len(ids) == 0 {
		return nil, remoterr.ErrNoEngines
	}
	seen := make(map[protocol.EngineID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, remoterr.ErrDuplicateTargets
		}
		seen[id] = true
	}
	return &View{client: c, targets: registry.Engines(ids...), Track: true}, nil
}

func (c *Client) dispatch(spec callSpec) (*AsyncResult, error) {
	entry, err := c.disp.dispatch(spec)
	if err != nil {
		return nil, err
	}
	if spec.track {
		c.histMu.Lock()
		c.history = append(c.history, entry.requestID)
		c.histMu.Unlock()
	}
	return &AsyncResult{entry: entry}, nil
}

// History returns the request ids this client dispatched, oldest first.
// Untracked calls are omitted.
func (c *Client) History() []string {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	out := make([]string, len(c.history))
	copy(out, c.history)
	return out
}

// Outstanding returns the ids of requests still in flight, oldest first.
func (c *Client) Outstanding() []string {
	entries := c.disp.pending.snapshot()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.requestID
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until the given results are ready or ctx is done, returning
// the ones that became ready. With no arguments it waits on everything
// outstanding.
func (c *Client) Wait(ctx context.Context, results ...*AsyncResult) []*AsyncResult {
	if len(results) == 0 {
		for _, e := range c.disp.pending.snapshot() {
			results = append(results, &AsyncResult{entry: e})
		}
	}
	ready := make([]*AsyncResult, 0, len(results))
	for _, r := range results {
		if r.Wait(ctx) {
			ready = append(ready, r)
		}
	}
	return ready
}

// Result finds a request by id. Outstanding requests return their live
// handle; finished ones are rebuilt from the archive. A rebuilt handle
// reports targets in ascending engine order and Get returns the raw
// per-target sequence (assemblers are not persisted).
func (c *Client) Result(ctx context.Context, requestID string) (*AsyncResult, error) {
	if entry, ok := c.disp.pending.get(requestID); ok {
		return &AsyncResult{entry: entry}, nil
	}
	recs, err := c.store.ByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("%s - request %s: %w", logPrefix, requestID, err)
	}
	return &AsyncResult{entry: entryFromRecords(requestID, recs)}, nil
}

// Recent returns the newest archived records, newest first.
func (c *Client) Recent(ctx context.Context, limit int) ([]resultdb.Record, error) {
	return c.store.Recent(ctx, limit)
}

// Ping round-trips every target's control channel, which bypasses the
// call queue, and returns per-engine round-trip times. Busy engines still
// answer.
func (c *Client) Ping(ctx context.Context, targets registry.TargetSet) (map[protocol.EngineID]time.Duration, error) {
	return c.control(ctx, targets, protocol.ControlPing)
}

// ClearNamespace resets the targets' namespaces. Builtins and registered
// host functions survive.
func (c *Client) ClearNamespace(ctx context.Context, targets registry.TargetSet) error {
	_, err := c.control(ctx, targets, protocol.ControlClear)
	return err
}

// ShutdownEngines asks the targets to exit. Engines acknowledge first and
// say goodbye on the way out, so the registry empties through the normal
// path rather than through missed heartbeats.
func (c *Client) ShutdownEngines(ctx context.Context, targets registry.TargetSet) error {
	_, err := c.control(ctx, targets, protocol.ControlShutdown)
	return err
}

func (c *Client) control(ctx context.Context, targets registry.TargetSet, op string) (map[protocol.EngineID]time.Duration, error) {
	engines, err := c.registry.Resolve(targets)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	req := protocol.ControlRequest{RequestID: newULID(), ClientID: c.id, Op: op}
	data, err := commsutil.EncodePayload(req)
	if err != nil {
		return nil, fmt.Errorf("%s - encode control request: %w", logPrefix, err)
	}

	rtts := make(map[protocol.EngineID]time.Duration, len(engines))
	failures := make([]*remoterr.RemoteError, len(engines))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, info := range engines {
		wg.Add(1)
		go func(i int, info registry.EngineInfo) {
			defer wg.Done()
			start := time.Now()
			msg, err := c.nc.RequestWithContext(ctx, commsutil.ControlSubject(c.cfg.Namespace, info.UUID), data)
			if err != nil {
				failures[i] = &remoterr.RemoteError{EngineID: info.ID, Kind: protocol.KindDisconnected, Message: fmt.Sprintf("control %s: %v", op, err)}
				return
			}
			var reply protocol.ControlReply
			if err := commsutil.DecodePayload(msg.Data, &reply); err != nil {
				failures[i] = &remoterr.RemoteError{EngineID: info.ID, Kind: protocol.KindSerialization, Message: fmt.Sprintf("control %s: undecodable reply: %v", op, err)}
				return
			}
			if reply.Status != protocol.StatusOK {
				failures[i] = &remoterr.RemoteError{EngineID: info.ID, Kind: protocol.KindRuntime, Message: reply.Error}
				return
			}
			mu.Lock()
			rtts[info.ID] = time.Since(start)
			mu.Unlock()
		}(i, info)
	}
	wg.Wait()

	failed := make([]*remoterr.RemoteError, 0, len(engines))
	for _, f := range failures {
		if f != nil {
			failed = append(failed, f)
		}
	}
	if len(failed) > 0 {
		if len(engines) == 1 {
			return rtts, failed[0]
		}
		return rtts, remoterr.NewCompositeError(op, failed)
	}
	return rtts, nil
}

// callContext applies the configured request timeout when the caller's
// context carries no deadline of its own.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.RequestTimeout)
	}
	return ctx, func() {}
}

// Close drains the connection, flushes the archive queue, and releases
// owned resources. Safe to call more than once. Handles already returned
// stay readable; slots still pending at close stay pending.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopMonitor)
		<-c.monitorDone
		commsutil.DrainAndClose(c.nc, drainTimeout)
		c.arch.close()
		if c.ownStore {
			if err := c.store.Close(); err != nil {
				c.closeErr = err
			}
		}
		slog.Info(fmt.Sprintf("%s - closed (client %s)", logPrefix, c.id))
	})
	return c.closeErr
}
