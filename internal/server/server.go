// Package server hosts one engine process: the executor, its COMMS
// subscriptions, registration and heartbeats, and an optional HTTP
// health/metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mustergrid/muster/internal/config"
	"github.com/mustergrid/muster/pkg/commsutil"
	"github.com/mustergrid/muster/pkg/engine"
	"github.com/mustergrid/muster/pkg/protocol"
)

const logPrefix = "server:server"

const (
	defaultAnnounceTimeout   = 5 * time.Second
	defaultAnnounceBackoff   = 3 * time.Second
	defaultHeartbeatInterval = 3 * time.Second
	drainTimeout             = 10 * time.Second
	httpShutdownTimeout      = 5 * time.Second
)

// Options configures an EngineHost.
type Options struct {
	// URL of the COMMS server; Name is the connection name.
	URL  string
	Name string

	// Namespace prefixes every subject so several grids can share a server.
	Namespace string

	// AnnounceTimeout bounds each announce request. AnnounceBackoff is the
	// retry delay while no client is answering.
	AnnounceTimeout time.Duration
	AnnounceBackoff time.Duration

	// HTTPAddr enables the health/metrics endpoint when non-empty.
	HTTPAddr string
}

func (o *Options) withDefaults() {
	if o.URL == "" {
		o.URL = comms.DefaultURL
	}
	if o.Name == "" {
		o.Name = "muster-engine"
	}
	if o.Namespace == "" {
		o.Namespace = commsutil.DefaultNamespace
	}
	if o.AnnounceTimeout <= 0 {
		o.AnnounceTimeout = defaultAnnounceTimeout
	}
	if o.AnnounceBackoff <= 0 {
		o.AnnounceBackoff = defaultAnnounceBackoff
	}
}

// EngineHost runs one engine over a COMMS connection: it announces the
// engine to whichever client is listening, serves its call and control
// subjects, and publishes heartbeats until stopped.
type EngineHost struct {
	opts Options
	exec *engine.Executor

	nc          *comms.Conn
	callSub     *comms.Subscription
	controlSub  *comms.Subscription
	rollcallSub *comms.Subscription
	httpServer  *http.Server

	announceMu sync.Mutex
	hbInterval atomic.Int64 // nanoseconds
	hbKick     chan struct{}

	stopping     chan struct{}
	beatDone     chan struct{}
	announceDone chan struct{}

	stopReq     chan struct{}
	stopReqOnce sync.Once
	stopOnce    sync.Once
}

// New creates an engine host with a fresh executor and a ULID identity.
// Register extra host functions via Executor before calling Start.
func New(opts Options) *EngineHost {
	opts.withDefaults()
	h := &EngineHost{
		opts:         opts,
		exec:         engine.NewExecutor(ulid.Make().String()),
		hbKick:       make(chan struct{}, 1),
		stopping:     make(chan struct{}),
		beatDone:     make(chan struct{}),
		announceDone: make(chan struct{}),
		stopReq:      make(chan struct{}),
	}
	h.hbInterval.Store(int64(defaultHeartbeatInterval))
	h.exec.OnShutdown(h.requestStop)
	h.registerHostFuncs()
	return h
}

// UUID returns the engine's stable identity.
func (h *EngineHost) UUID() string { return h.exec.UUID() }

// Executor exposes the underlying executor so callers can register host
// functions before Start.
func (h *EngineHost) Executor() *engine.Executor { return h.exec }

// ShutdownRequested signals when a shutdown control operation arrived.
// Run watches it; in-process hosts may watch it too.
func (h *EngineHost) ShutdownRequested() <-chan struct{} { return h.stopReq }

// Start connects, subscribes the call/control/rollcall subjects, and spawns
// the announce and heartbeat loops. It returns once the engine is serving;
// registration may still be retrying in the background until a client
// answers.
func (h *EngineHost) Start() error {
	nc, err := commsutil.Connect(h.opts.URL, h.opts.Name)
	if err != nil {
		return err
	}
	h.nc = nc
	ns := h.opts.Namespace

	h.callSub, err = nc.Subscribe(commsutil.CallSubject(ns, h.UUID()), h.handleCall)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%s - failed to subscribe to call subject: %w", logPrefix, err)
	}
	h.controlSub, err = nc.Subscribe(commsutil.ControlSubject(ns, h.UUID()), h.handleControl)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%s - failed to subscribe to control subject: %w", logPrefix, err)
	}
	h.rollcallSub, err = nc.Subscribe(commsutil.RollcallSubject(ns), h.handleRollcall)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%s - failed to subscribe to rollcall subject: %w", logPrefix, err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return fmt.Errorf("%s - failed to flush subscriptions: %w", logPrefix, err)
	}

	if h.opts.HTTPAddr != "" {
		h.startHTTP()
	}

	go h.announceLoop()
	go h.heartbeatLoop()

	slog.Info(fmt.Sprintf("%s - engine %s serving calls on %s", logPrefix, h.UUID(), commsutil.CallSubject(ns, h.UUID())))
	return nil
}

// handleCall runs one queued call and publishes the reply to the client's
// reply subject. Calls on this subscription are dispatched serially, which
// is what keeps each engine's work ordered.
func (h *EngineHost) handleCall(msg *comms.Msg) {
	var req protocol.CallRequest
	if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode call request: %v", logPrefix, err))
		return
	}

	start := time.Now()
	reply := h.exec.Handle(req)
	callsTotal.WithLabelValues(req.Op, reply.Status).Inc()
	callDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
	namespaceSize.WithLabelValues(h.UUID()).Set(float64(h.exec.NamespaceLen()))

	data, err := commsutil.EncodePayload(reply)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode reply for request %s: %v", logPrefix, req.RequestID, err))
		return
	}
	if err := h.nc.Publish(commsutil.ReplySubject(h.opts.Namespace, req.ClientID), data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish reply for request %s: %v", logPrefix, req.RequestID, err))
	}
}

// handleControl answers a control request over request/reply. Control has
// its own subscription, so a long-running call never blocks a ping.
func (h *EngineHost) handleControl(msg *comms.Msg) {
	var req protocol.ControlRequest
	if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode control request: %v", logPrefix, err))
		return
	}

	reply := h.exec.HandleControl(req)
	if req.Op == protocol.ControlClear {
		namespaceSize.WithLabelValues(h.UUID()).Set(float64(h.exec.NamespaceLen()))
	}
	if msg.Reply == "" {
		return
	}
	data, err := commsutil.EncodePayload(reply)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode control reply: %v", logPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond to control request: %v", logPrefix, err))
	}
}

// handleRollcall re-announces when a client asks running engines to check
// in, so engines started before the client still get registered.
func (h *EngineHost) handleRollcall(msg *comms.Msg) {
	var rc protocol.Rollcall
	if err := commsutil.DecodePayload(msg.Data, &rc); err != nil {
		slog.Debug(fmt.Sprintf("%s - ignoring malformed rollcall: %v", logPrefix, err))
		return
	}
	slog.Info(fmt.Sprintf("%s - rollcall from client %s, announcing", logPrefix, rc.ClientID))
	if err := h.announce(); err != nil {
		slog.Warn(fmt.Sprintf("%s - announce after rollcall failed: %v", logPrefix, err))
	}
}

// announce registers the engine with whichever client answers the announce
// subject, then stamps the assigned id into the executor.
func (h *EngineHost) announce() error {
	h.announceMu.Lock()
	defer h.announceMu.Unlock()

	hostname, _ := os.Hostname()
	req := protocol.RegisterRequest{
		UUID:     h.UUID(),
		Version:  protocol.Version,
		Hostname: hostname,
		PID:      os.Getpid(),
	}
	data, err := commsutil.EncodePayload(req)
	if err != nil {
		return fmt.Errorf("%s - failed to encode announce: %w", logPrefix, err)
	}

	msg, err := h.nc.Request(commsutil.AnnounceSubject(h.opts.Namespace), data, h.opts.AnnounceTimeout)
	if err != nil {
		return fmt.Errorf("%s - announce request failed: %w", logPrefix, err)
	}
	var reply protocol.RegisterReply
	if err := commsutil.DecodePayload(msg.Data, &reply); err != nil {
		return fmt.Errorf("%s - failed to decode announce reply: %w", logPrefix, err)
	}
	if !reply.OK {
		return fmt.Errorf("%s - registration rejected: %s", logPrefix, reply.Error)
	}

	h.exec.SetIdentity(reply.EngineID)
	if reply.HeartbeatInterval > 0 {
		h.hbInterval.Store(int64(reply.HeartbeatInterval))
		// Wake the beat loop so a shorter interval takes effect now, not
		// after the previously armed timer fires.
		select {
		case h.hbKick <- struct{}{}:
		default:
		}
	}
	slog.Info(fmt.Sprintf("%s - registered as engine %d (heartbeat every %s)", logPrefix, reply.EngineID, reply.HeartbeatInterval))
	return nil
}

// announceLoop retries the initial announce until a client answers. Later
// re-announces happen on rollcalls only.
func (h *EngineHost) announceLoop() {
	defer close(h.announceDone)
	for {
		err := h.announce()
		if err == nil {
			return
		}
		slog.Warn(fmt.Sprintf("%s - no client answered announce, retrying in %s: %v", logPrefix, h.opts.AnnounceBackoff, err))
		select {
		case <-h.stopping:
			return
		case <-time.After(h.opts.AnnounceBackoff):
		}
	}
}

func (h *EngineHost) heartbeatLoop() {
	defer close(h.beatDone)
	var seq uint64
	for {
		interval := time.Duration(h.hbInterval.Load())
		select {
		case <-h.stopping:
			return
		case <-h.hbKick:
			continue
		case <-time.After(interval):
		}
		id := h.exec.Identity()
		if id < 0 {
			continue
		}
		seq++
		hb := protocol.Heartbeat{UUID: h.UUID(), EngineID: id, Seq: seq, SentAt: time.Now().UTC()}
		data, err := commsutil.EncodePayload(hb)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode heartbeat: %v", logPrefix, err))
			continue
		}
		if err := h.nc.Publish(commsutil.HeartbeatSubject(h.opts.Namespace), data); err != nil {
			slog.Warn(fmt.Sprintf("%s - heartbeat publish failed: %v", logPrefix, err))
			continue
		}
		heartbeatsTotal.Inc()
	}
}

// registerHostFuncs installs the host functions every engine exposes.
func (h *EngineHost) registerHostFuncs() {
	h.exec.RegisterGo("hostname", func(args []any, kwargs map[string]any) (any, error) {
		name, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		return name, nil
	})
	h.exec.RegisterGo("pid", func(args []any, kwargs map[string]any) (any, error) {
		return os.Getpid(), nil
	})
	h.exec.RegisterGo("engine_id", func(args []any, kwargs map[string]any) (any, error) {
		return int(h.exec.Identity()), nil
	})
}

func (h *EngineHost) startHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payload := map[string]any{
			"status":   "ok",
			"uuid":     h.UUID(),
			"engineId": int(h.exec.Identity()),
			"names":    h.exec.NamespaceLen(),
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode health response: %v", logPrefix, err))
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	h.httpServer = &http.Server{Addr: h.opts.HTTPAddr, Handler: mux}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health endpoint listening on %s", logPrefix, h.opts.HTTPAddr))
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()
}

func (h *EngineHost) requestStop() {
	h.stopReqOnce.Do(func() { close(h.stopReq) })
}

// Stop says goodbye, lets any call in progress finish, and tears the host
// down. Safe to call more than once.
func (h *EngineHost) Stop() {
	h.stopOnce.Do(h.stop)
}

func (h *EngineHost) stop() {
	if h.nc == nil {
		return
	}
	slog.Info(fmt.Sprintf("%s - engine %s stopping", logPrefix, h.UUID()))

	close(h.stopping)
	<-h.beatDone
	<-h.announceDone

	// Goodbye goes out first so the client reroutes new work immediately.
	goodbye := protocol.Goodbye{UUID: h.UUID(), Reason: "shutdown"}
	if data, err := commsutil.EncodePayload(goodbye); err == nil {
		if err := h.nc.Publish(commsutil.GoodbyeSubject(h.opts.Namespace), data); err != nil {
			slog.Warn(fmt.Sprintf("%s - goodbye publish failed: %v", logPrefix, err))
		} else if err := h.nc.Flush(); err != nil {
			slog.Warn(fmt.Sprintf("%s - goodbye flush failed: %v", logPrefix, err))
		}
	}

	if h.rollcallSub != nil {
		if err := h.rollcallSub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to unsubscribe rollcall: %v", logPrefix, err))
		}
	}
	if h.controlSub != nil {
		if err := h.controlSub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to unsubscribe control: %v", logPrefix, err))
		}
	}

	if h.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		if err := h.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn(fmt.Sprintf("%s - HTTP server shutdown error: %v", logPrefix, err))
		}
		cancel()
	}

	// Drain lets a call in progress finish and its reply flush out.
	commsutil.DrainAndClose(h.nc, drainTimeout)
	slog.Info(fmt.Sprintf("%s - engine %s stopped", logPrefix, h.UUID()))
}

// Run starts an engine daemon from environment configuration, blocks until
// a shutdown signal or a shutdown control operation, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForEngine(); err != nil {
		return err
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	name := cfg.COMMSName
	if name == "" {
		name = "muster-engine"
	}
	host := New(Options{
		URL:             cfg.COMMSURL,
		Name:            name,
		Namespace:       cfg.Namespace,
		AnnounceTimeout: cfg.AnnounceTimeout,
		AnnounceBackoff: cfg.AnnounceBackoff,
		HTTPAddr:        cfg.HTTPAddr,
	})

	slog.Info(fmt.Sprintf("%s - Starting muster engine %s", logPrefix, host.UUID()))
	if err := host.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
	case <-host.ShutdownRequested():
		slog.Info(fmt.Sprintf("%s - Shutdown requested over COMMS, shutting down", logPrefix))
	}

	host.Stop()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}
