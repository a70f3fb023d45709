// Package main is the muster control CLI: it drives an engine pool from
// the command line and hosts a self-contained demo cluster.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/mustergrid/muster/internal/config"
	"github.com/mustergrid/muster/internal/server"
	"github.com/mustergrid/muster/pkg/client"
	"github.com/mustergrid/muster/pkg/commsutil"
	"github.com/mustergrid/muster/pkg/events"
	"github.com/mustergrid/muster/pkg/profile"
	"github.com/mustergrid/muster/pkg/protocol"
	"github.com/mustergrid/muster/pkg/registry"
	"github.com/mustergrid/muster/pkg/remoterr"
	"github.com/mustergrid/muster/pkg/resultdb"
)

const usage = `Usage: muster [flags] <command> [args]
       muster list                    List registered engines.
       muster run '<code>'            Execute code in the targets' namespaces.
       muster call <fn> [arg ...]     Apply a function; args are JSON values.
       muster push k=v ...            Assign values into the targets' namespaces.
       muster pull <name> ...         Read values back out.
       muster ping                    Round-trip every target's control channel.
       muster clear                   Reset the targets' namespaces.
       muster shutdown                Ask the targets to exit.
       muster recent [n]              Show the newest archived results (default 10).
       muster demo                    Run a full walkthrough on an embedded server.

Commands:
  list       Show the engines currently registered with this client.
  run        Execute source text; definitions and assignments persist.
  call       Apply a named function to every target and print the results.
  push       Assign name=value pairs; values are parsed as JSON, else taken
             as strings.
  pull       Read names out of the targets' namespaces.
  ping       Measure per-engine control round-trip times.
  clear      Reset namespaces; registered host functions survive.
  shutdown   Ask engines to exit cleanly (goodbye, then drain).
  recent     List the newest archived call records.
  demo       Embedded COMMS server + 4 in-process engines + a scripted
             push/execute/apply/map/scatter/gather walkthrough.
  version    Print the protocol version.

Flags (before the command):
  -url        COMMS server URL (overrides profile and COMMS_URL).
  -namespace  Subject namespace (overrides profile and MUSTER_NAMESPACE).
  -profile    Connection profile file (JSON: url, namespace, resultDb).
  -targets    Comma-separated engine ids; default targets all engines.
  -block      Wait for command outcomes (default true).
  -timeout    Per-command timeout (default REQUEST_TIMEOUT).

Environment: COMMS_URL, MUSTER_NAMESPACE, MUSTER_PROFILE, MUSTER_RESULTDB,
REQUEST_TIMEOUT, HEARTBEAT_INTERVAL, MAX_MISSED_BEATS, LOG_LEVEL. See README.
`

func main() {
	flags := flag.NewFlagSet("muster", flag.ExitOnError)
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	urlFlag := flags.String("url", "", "COMMS server URL")
	nsFlag := flags.String("namespace", "", "subject namespace")
	profileFlag := flags.String("profile", "", "connection profile file")
	targetsFlag := flags.String("targets", "", "comma-separated engine ids")
	blockFlag := flags.Bool("block", true, "wait for command outcomes")
	timeoutFlag := flags.Duration("timeout", 0, "per-command timeout")
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	args := flags.Args()
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("muster: load config: %v", err)
	}
	setupLogging(cfg)

	switch cmd {
	case "version":
		fmt.Println(protocol.Version)
		return
	case "help", "-h", "--help", "":
		fmt.Print(usage)
		return
	case "demo":
		if err := runDemo(); err != nil {
			log.Fatalf("muster demo: %v", err)
		}
		return
	case "list", "run", "call", "push", "pull", "ping", "clear", "shutdown", "recent":
		// connected commands, handled below
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	s, err := openSession(cfg, *profileFlag, *urlFlag, *nsFlag, *targetsFlag, *blockFlag, *timeoutFlag)
	if err != nil {
		log.Fatalf("muster: %v", err)
	}
	defer s.close()

	switch cmd {
	case "list":
		err = runList(s)
	case "run":
		if len(args) != 1 {
			log.Fatalf("muster run: need exactly one code argument")
		}
		err = runRun(s, args[0])
	case "call":
		if len(args) < 1 {
			log.Fatalf("muster call: need a function name")
		}
		err = runCall(s, args[0], args[1:])
	case "push":
		if len(args) < 1 {
			log.Fatalf("muster push: need at least one name=value pair")
		}
		err = runPush(s, args)
	case "pull":
		if len(args) < 1 {
			log.Fatalf("muster pull: need at least one name")
		}
		err = runPull(s, args)
	case "ping":
		err = runPing(s)
	case "clear":
		err = runClear(s)
	case "shutdown":
		err = runShutdown(s)
	case "recent":
		limit := 10
		if len(args) > 0 {
			limit, err = strconv.Atoi(args[0])
			if err != nil || limit <= 0 {
				log.Fatalf("muster recent: bad limit %q", args[0])
			}
		}
		err = runRecent(s, limit)
	}
	if err != nil {
		describeFailure(err)
		log.Fatalf("muster %s: %v", cmd, err)
	}
}

// setupLogging keeps stdout for command output. Logs go to stderr, muted
// to warnings unless LOG_LEVEL asks for more.
func setupLogging(cfg *config.Config) {
	level := slog.LevelWarn
	if os.Getenv("LOG_LEVEL") != "" {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// session is one connected CLI invocation: client, its archive store, and
// the view the command operates on.
type session struct {
	client  *client.Client
	store   resultdb.Store
	view    *client.View
	targets registry.TargetSet
	timeout time.Duration
}

func openSession(cfg *config.Config, profilePath, urlOverride, nsOverride, targetsSpec string, block bool, timeout time.Duration) (*session, error) {
	if err := cfg.ValidateForClient(); err != nil {
		return nil, err
	}

	prof, found, err := profile.Load(profilePath)
	if err != nil {
		return nil, err
	}
	eff := &profile.Profile{URL: cfg.COMMSURL, Namespace: cfg.Namespace, ResultDB: cfg.ResultDB}
	if found {
		eff = profile.Merge(eff, prof)
	}
	if urlOverride != "" {
		eff.URL = urlOverride
	}
	if nsOverride != "" {
		eff.Namespace = nsOverride
	}

	targets, err := parseTargets(targetsSpec)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = cfg.RequestTimeout
	}

	cfg.ResultDB = eff.ResultDB
	backend, dsn, err := cfg.ResultStore()
	if err != nil {
		return nil, err
	}
	store, err := resultdb.Open(context.Background(), backend, dsn)
	if err != nil {
		return nil, err
	}

	name := cfg.COMMSName
	if name == "" {
		name = "muster-cli"
	}
	c, err := client.Connect(client.Config{
		URL:               eff.URL,
		Name:              name,
		Namespace:         eff.Namespace,
		RequestTimeout:    timeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxMissedBeats:    cfg.MaxMissedBeats,
		VersionConstraint: cfg.VersionConstraint,
		Store:             store,
		ArchiveBuffer:     cfg.ResultBuffer,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &session{client: c, store: store, targets: targets, timeout: timeout}
	if targets.IsAll() {
		s.view = c.All()
	} else {
		s.view, err = c.Direct(targets.IDs...)
		if err != nil {
			s.close()
			return nil, err
		}
	}
	s.view.Block = block

	settle(c)
	return s, nil
}

func (s *session) close() {
	s.client.Close()
	s.store.Close()
}

func (s *session) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// settle gives engines already running a moment to answer the connect-time
// rollcall, so one-shot commands see the pool instead of racing it.
func settle(c *client.Client) {
	last, stable := -1, 0
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n := c.Registry().Len()
		if n == last && n > 0 {
			stable++
			if stable >= 6 {
				return
			}
		} else {
			stable = 0
		}
		last = n
		time.Sleep(50 * time.Millisecond)
	}
}

func parseTargets(spec string) (registry.TargetSet, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return registry.AllEngines(), nil
	}
	parts := strings.Split(spec, ",")
	ids := make([]protocol.EngineID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return registry.TargetSet{}, fmt.Errorf("bad engine id %q in -targets", p)
		}
		ids = append(ids, protocol.EngineID(n))
	}
	return registry.Engines(ids...), nil
}

// parseValue reads a CLI argument as JSON, falling back to the raw string
// so bare words do not need shell-quoted quotes.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func printOutcome(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(data))
}

// printStdout shows captured print output per target, tagged by engine id.
func printStdout(ar *client.AsyncResult) {
	targets := ar.Targets()
	for i, out := range ar.Stdout() {
		if out == "" {
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
			fmt.Printf("[engine %d] %s\n", targets[i], line)
		}
	}
}

// describeFailure prints per-engine tracebacks for remote failures; the
// caller still logs the summary line.
func describeFailure(err error) {
	var ce *remoterr.CompositeError
	if errors.As(err, &ce) {
		ce.PrintTracebacks(os.Stderr)
		return
	}
	var re *remoterr.RemoteError
	if errors.As(err, &re) {
		re.PrintTraceback(os.Stderr)
	}
}

func runList(s *session) error {
	engines := s.client.Registry().Engines()
	if len(engines) == 0 {
		fmt.Println("No engines registered.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUUID\tVERSION\tHOST\tPID\tLAST SEEN")
	for _, e := range engines {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.UUID, e.Version, e.Hostname, e.PID, e.LastSeen.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func runRun(s *session, code string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	ar, err := s.view.Execute(ctx, code)
	if err != nil {
		return err
	}
	if !s.view.Block {
		fmt.Printf("dispatched request %s\n", ar.RequestID())
		return nil
	}
	printStdout(ar)
	fmt.Printf("ok: %d engine(s)\n", len(ar.Targets()))
	return nil
}

func runCall(s *session, fn string, rawArgs []string) error {
	args := make([]any, len(rawArgs))
	for i, raw := range rawArgs {
		args[i] = parseValue(raw)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	ar, err := s.view.Apply(ctx, fn, args, nil)
	if err != nil {
		return err
	}
	if !s.view.Block {
		fmt.Printf("dispatched request %s\n", ar.RequestID())
		return nil
	}
	printStdout(ar)
	v, err := ar.Get(ctx)
	if err != nil {
		return err
	}
	printOutcome(v)
	return nil
}

func runPush(s *session, pairs []string) error {
	mapping := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return fmt.Errorf("bad pair %q, want name=value", pair)
		}
		mapping[name] = parseValue(raw)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	ar, err := s.view.Push(ctx, mapping)
	if err != nil {
		return err
	}
	if !s.view.Block {
		fmt.Printf("dispatched request %s\n", ar.RequestID())
		return nil
	}
	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Printf("pushed %s to %d engine(s)\n", strings.Join(names, ", "), len(ar.Targets()))
	return nil
}

func runPull(s *session, names []string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	ar, err := s.view.Pull(ctx, names)
	if err != nil {
		return err
	}
	if !s.view.Block {
		fmt.Printf("dispatched request %s\n", ar.RequestID())
		return nil
	}
	v, err := ar.Get(ctx)
	if err != nil {
		return err
	}
	printOutcome(v)
	return nil
}

func runPing(s *session) error {
	ctx, cancel := s.ctx()
	defer cancel()
	rtts, err := s.client.Ping(ctx, s.targets)
	if err != nil {
		return err
	}
	ids := make([]protocol.EngineID, 0, len(rtts))
	for id := range rtts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Printf("engine %d: %s\n", id, rtts[id].Round(time.Microsecond))
	}
	return nil
}

func runClear(s *session) error {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.ClearNamespace(ctx, s.targets); err != nil {
		return err
	}
	fmt.Println("namespaces cleared")
	return nil
}

func runShutdown(s *session) error {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.ShutdownEngines(ctx, s.targets); err != nil {
		return err
	}
	fmt.Println("engines asked to shut down")
	return nil
}

func runRecent(s *session, limit int) error {
	ctx, cancel := s.ctx()
	defer cancel()
	recs, err := s.client.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No archived results. The archive backend is selected by MUSTER_RESULTDB.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST\tENGINE\tOP\tTARGET\tSTATUS\tCOMPLETED")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			rec.RequestID, rec.EngineID, rec.Op, rec.Target, rec.Status,
			rec.CompletedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

const demoEngines = 4

// runDemo brings up a complete pool with no external infrastructure and
// walks through the core operations, printing each step.
func runDemo() error {
	srv, err := commsutil.StartEmbeddedServer(0)
	if err != nil {
		return err
	}
	defer srv.Shutdown()
	url := srv.ClientURL()
	fmt.Printf("embedded COMMS server at %s\n", url)

	// Write a joinable profile so a second terminal can watch the demo
	// grid, e.g.: muster -profile <path> list
	profPath := filepath.Join(os.TempDir(), "muster-demo.json")
	if err := profile.Save(profPath, &profile.Profile{Name: "demo", URL: url}); err == nil {
		fmt.Printf("profile written to %s\n", profPath)
		defer os.Remove(profPath)
	}

	// A second connection feeds the event stream and echoes engine
	// arrivals and departures as they happen.
	monNC, err := commsutil.Connect(url, "muster-demo-monitor")
	if err != nil {
		return err
	}
	defer monNC.Close()
	_, err = monNC.Subscribe(commsutil.EventKindSubject(commsutil.DefaultNamespace, "engine.*"), func(msg *comms.Msg) {
		var ev events.PoolChangedEvent
		if err := commsutil.DecodePayload(msg.Data, &ev); err != nil {
			return
		}
		id, pool := -1, -1
		if ev.EngineID != nil {
			id = int(*ev.EngineID)
		}
		if ev.PoolSize != nil {
			pool = *ev.PoolSize
		}
		fmt.Printf("   event: %s engine=%d pool=%d\n", ev.Kind, id, pool)
	})
	if err != nil {
		return err
	}
	if err := monNC.Flush(); err != nil {
		return err
	}

	c, err := client.Connect(client.Config{
		URL:               url,
		Name:              "muster-demo",
		HeartbeatInterval: 500 * time.Millisecond,
		Events:            events.NewCommsPublisher(monNC, nil),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	hosts := make([]*server.EngineHost, demoEngines)
	for i := range hosts {
		h := server.New(server.Options{
			URL:             url,
			Name:            fmt.Sprintf("demo-engine-%d", i),
			AnnounceTimeout: 2 * time.Second,
			AnnounceBackoff: 200 * time.Millisecond,
		})
		if err := h.Start(); err != nil {
			return fmt.Errorf("start engine %d: %w", i, err)
		}
		hosts[i] = h
		defer h.Stop()
	}
	deadline := time.Now().Add(10 * time.Second)
	for c.Registry().Len() < demoEngines && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}
	if n := c.Registry().Len(); n < demoEngines {
		return fmt.Errorf("only %d of %d engines registered", n, demoEngines)
	}
	fmt.Printf("%d engines registered\n", demoEngines)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	all := c.All()
	all.Block = true

	fmt.Println("-> push a=5 b=10")
	if _, err := all.Push(ctx, map[string]any{"a": 5, "b": 10}); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	fmt.Println("-> execute: def f(x): return x + a + b")
	if _, err := all.Execute(ctx, "def f(x):\n    return x + a + b\n"); err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	fmt.Println("-> apply f(27) on every engine")
	vals, err := all.ApplySync(ctx, "f", []any{27}, nil)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	fmt.Printf("   %v\n", vals)

	fmt.Println("-> execute: bad = 1 // 0 (every engine raises)")
	_, err = all.Execute(ctx, "bad = 1 // 0")
	var ce *remoterr.CompositeError
	if !errors.As(err, &ce) {
		return fmt.Errorf("expected an aggregated failure, got %v", err)
	}
	fmt.Printf("   %v\n", ce)
	ce.PrintTracebacks(os.Stdout)

	fmt.Println("-> scatter x = 0..15, pull the per-engine blocks, gather")
	items := make([]any, 16)
	for i := range items {
		items[i] = i
	}
	if _, err := all.Scatter(ctx, "x", items); err != nil {
		return fmt.Errorf("scatter: %w", err)
	}
	ar, err := all.Pull(ctx, []string{"x"})
	if err != nil {
		return fmt.Errorf("pull x: %w", err)
	}
	blocks, err := ar.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("   blocks: %v\n", blocks)
	gar, err := all.Gather(ctx, "x")
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	gathered, err := gar.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("   gathered: %v\n", gathered)

	fmt.Println("-> map double over 1..10")
	if _, err := all.Execute(ctx, "def double(n):\n    return n * 2\n"); err != nil {
		return fmt.Errorf("execute double: %w", err)
	}
	nums := make([]any, 10)
	for i := range nums {
		nums[i] = i + 1
	}
	mar, err := all.Map(ctx, "double", nums)
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	doubled, err := mar.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("   %v\n", doubled)

	fmt.Println("-> pull a from engines 0 and 2 only")
	sub, err := c.Direct(0, 2)
	if err != nil {
		return err
	}
	sub.Block = true
	par, err := sub.Pull(ctx, []string{"a"})
	if err != nil {
		return fmt.Errorf("pull from subset: %w", err)
	}
	subset, err := par.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("   %v\n", subset)

	fmt.Println("-> apply engine_id() to show identities")
	ids, err := all.ApplySync(ctx, "engine_id", nil, nil)
	if err != nil {
		return fmt.Errorf("engine_id: %w", err)
	}
	fmt.Printf("   %v\n", ids)

	fmt.Println("-> ping")
	rtts, err := c.Ping(ctx, registry.AllEngines())
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	pids := make([]protocol.EngineID, 0, len(rtts))
	for id := range rtts {
		pids = append(pids, id)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	for _, id := range pids {
		fmt.Printf("   engine %d: %s\n", id, rtts[id].Round(time.Microsecond))
	}

	recs, err := c.Recent(ctx, 100)
	if err != nil {
		return err
	}
	fmt.Printf("dispatched %d request(s); archive holds %d record(s)\n", len(c.History()), len(recs))

	fmt.Println("-> shutdown engines")
	if err := c.ShutdownEngines(ctx, registry.AllEngines()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	for _, h := range hosts {
		select {
		case <-h.ShutdownRequested():
		case <-time.After(5 * time.Second):
		}
		h.Stop()
	}
	deadline = time.Now().Add(5 * time.Second)
	for c.Registry().Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}
	fmt.Println("pool drained, demo complete")
	return nil
}
