package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/mustergrid/muster/pkg/commsutil"
	"github.com/mustergrid/muster/pkg/protocol"
)

// startTestServer starts an in-process COMMS server and returns a client
// connection to it.
func startTestServer(t *testing.T) *comms.Conn {
	t.Helper()

	srv, err := commsutil.StartEmbeddedServer(0)
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to start server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	nc, err := comms.Connect(srv.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func subscribeEvents(t *testing.T, nc *comms.Conn, subject string) chan *PoolChangedEvent {
	t.Helper()
	received := make(chan *PoolChangedEvent, 4)
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var event PoolChangedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Errorf("events:comms_publisher_integration_test - failed to unmarshal: %v", err)
			return
		}
		received <- &event
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	if err := nc.Flush(); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - flush failed: %v", err)
	}
	return received
}

func TestCommsPublisher_PublishChanged_KindSubject(t *testing.T) {
	nc := startTestServer(t)
	publisher := NewCommsPublisher(nc, nil)

	received := subscribeEvents(t, nc, "muster.event.engine.registered")

	id := protocol.EngineID(2)
	size := 3
	event := &PoolChangedEvent{
		Kind:      KindEngineRegistered,
		ClientID:  "client-1",
		EngineID:  &id,
		UUID:      "uuid-2",
		PoolSize:  &size,
		Timestamp: "2026-01-01T00:00:00Z",
	}

	if err := publisher.PublishChanged(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishChanged failed: %v", err)
	}
	nc.Flush()

	select {
	case got := <-received:
		if got.Kind != KindEngineRegistered {
			t.Errorf("events:comms_publisher_integration_test - Kind = %q, want %q", got.Kind, KindEngineRegistered)
		}
		if got.ClientID != "client-1" {
			t.Errorf("events:comms_publisher_integration_test - ClientID = %q, want %q", got.ClientID, "client-1")
		}
		if got.EngineID == nil || *got.EngineID != 2 {
			t.Errorf("events:comms_publisher_integration_test - EngineID = %v, want 2", got.EngineID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timeout waiting for kind-specific event")
	}
}

func TestCommsPublisher_PublishChanged_GlobalSubject(t *testing.T) {
	nc := startTestServer(t)
	publisher := NewCommsPublisher(nc, nil)

	received := subscribeEvents(t, nc, "muster.event")

	event := &PoolChangedEvent{
		Kind:      KindRequestDispatched,
		ClientID:  "client-1",
		RequestID: "req-9",
		Op:        "apply",
		Method:    "f",
		Engines:   []protocol.EngineID{0, 1},
		Timestamp: "2026-01-01T00:00:00Z",
	}

	if err := publisher.PublishChanged(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishChanged failed: %v", err)
	}
	nc.Flush()

	select {
	case got := <-received:
		if got.RequestID != "req-9" {
			t.Errorf("events:comms_publisher_integration_test - RequestID = %q, want %q", got.RequestID, "req-9")
		}
		if len(got.Engines) != 2 {
			t.Errorf("events:comms_publisher_integration_test - Engines len = %d, want 2", len(got.Engines))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timeout waiting for global event")
	}
}

func TestCommsPublisher_PublishChanged_BothSubjects(t *testing.T) {
	nc := startTestServer(t)
	publisher := NewCommsPublisher(nc, nil)

	kindReceived := subscribeEvents(t, nc, "muster.event.engine.unregistered")
	globalReceived := subscribeEvents(t, nc, "muster.event")

	id := protocol.EngineID(0)
	size := 0
	event := &PoolChangedEvent{
		Kind:      KindEngineUnregistered,
		ClientID:  "client-1",
		EngineID:  &id,
		UUID:      "uuid-0",
		Reason:    "missed heartbeats",
		PoolSize:  &size,
		Timestamp: "2026-01-01T00:00:00Z",
	}

	if err := publisher.PublishChanged(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishChanged failed: %v", err)
	}
	nc.Flush()

	for _, ch := range []struct {
		name string
		ch   chan *PoolChangedEvent
	}{
		{"kind-specific", kindReceived},
		{"global", globalReceived},
	} {
		select {
		case <-ch.ch:
			// OK
		case <-time.After(5 * time.Second):
			t.Errorf("events:comms_publisher_integration_test - timeout waiting for %s event", ch.name)
		}
	}
}

func TestCommsPublisher_WildcardFamily(t *testing.T) {
	nc := startTestServer(t)
	publisher := NewCommsPublisher(nc, nil)

	received := subscribeEvents(t, nc, "muster.event.engine.*")

	id := protocol.EngineID(1)
	for _, kind := range []string{KindEngineRegistered, KindEngineUnregistered} {
		event := &PoolChangedEvent{Kind: kind, ClientID: "client-1", EngineID: &id}
		if err := publisher.PublishChanged(context.Background(), event); err != nil {
			t.Fatalf("events:comms_publisher_integration_test - PublishChanged(%s) failed: %v", kind, err)
		}
	}
	nc.Flush()

	kinds := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case got := <-received:
			kinds[got.Kind] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("events:comms_publisher_integration_test - got %d of 2 family events", i)
		}
	}
	if !kinds[KindEngineRegistered] || !kinds[KindEngineUnregistered] {
		t.Errorf("events:comms_publisher_integration_test - kinds = %v, want both engine events", kinds)
	}
}

func TestCommsPublisher_CustomNamespace(t *testing.T) {
	nc := startTestServer(t)
	publisher := NewCommsPublisher(nc, &CommsPublisherOpts{Namespace: "grid9"})

	received := subscribeEvents(t, nc, "grid9.event.request.finalized")

	event := &PoolChangedEvent{
		Kind:      KindRequestFinalized,
		ClientID:  "client-1",
		RequestID: "req-1",
		Status:    "ok",
		Timestamp: "2026-01-01T00:00:00Z",
	}

	if err := publisher.PublishChanged(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishChanged failed: %v", err)
	}
	nc.Flush()

	select {
	case got := <-received:
		if got.Status != "ok" {
			t.Errorf("events:comms_publisher_integration_test - Status = %q, want ok", got.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timeout waiting for namespaced event")
	}
}

func TestCommsPublisher_CustomGlobalSubject(t *testing.T) {
	nc := startTestServer(t)

	customSubject := "fleet.monitor.events"
	publisher := NewCommsPublisher(nc, &CommsPublisherOpts{GlobalEventSubject: customSubject})

	received := subscribeEvents(t, nc, customSubject)

	event := &PoolChangedEvent{
		Kind:      KindRequestDispatched,
		ClientID:  "client-1",
		RequestID: "req-7",
		Timestamp: "2026-01-01T00:00:00Z",
	}

	if err := publisher.PublishChanged(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishChanged failed: %v", err)
	}
	nc.Flush()

	select {
	case got := <-received:
		if got.RequestID != "req-7" {
			t.Errorf("events:comms_publisher_integration_test - RequestID = %q, want req-7", got.RequestID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timeout waiting for custom subject event")
	}
}

func TestCommsPublisher_EventFieldsPreserved(t *testing.T) {
	nc := startTestServer(t)
	publisher := NewCommsPublisher(nc, nil)

	received := subscribeEvents(t, nc, "muster.event")

	id := protocol.EngineID(0)
	size := 7
	event := &PoolChangedEvent{
		Kind:      KindEngineUnregistered,
		ClientID:  "client-42",
		EngineID:  &id,
		UUID:      "uuid-0",
		Hostname:  "node-b",
		PID:       9001,
		Reason:    "goodbye",
		PoolSize:  &size,
		Timestamp: "2026-06-15T12:30:00Z",
	}

	if err := publisher.PublishChanged(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishChanged failed: %v", err)
	}
	nc.Flush()

	select {
	case got := <-received:
		if got.ClientID != "client-42" {
			t.Errorf("events:comms_publisher_integration_test - ClientID = %q, want client-42", got.ClientID)
		}
		if got.EngineID == nil || *got.EngineID != 0 {
			t.Errorf("events:comms_publisher_integration_test - EngineID = %v, want 0", got.EngineID)
		}
		if got.Hostname != "node-b" || got.PID != 9001 {
			t.Errorf("events:comms_publisher_integration_test - host/pid = %q/%d, want node-b/9001", got.Hostname, got.PID)
		}
		if got.Reason != "goodbye" {
			t.Errorf("events:comms_publisher_integration_test - Reason = %q, want goodbye", got.Reason)
		}
		if got.PoolSize == nil || *got.PoolSize != 7 {
			t.Errorf("events:comms_publisher_integration_test - PoolSize = %v, want 7", got.PoolSize)
		}
		if got.Timestamp != "2026-06-15T12:30:00Z" {
			t.Errorf("events:comms_publisher_integration_test - Timestamp = %q, unexpected", got.Timestamp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timeout waiting for event")
	}
}

func TestNewCommsPublisher_Defaults(t *testing.T) {
	nc := startTestServer(t)

	publisher := NewCommsPublisher(nc, nil)
	if publisher.globalEventSubject != "muster.event" {
		t.Errorf("events:comms_publisher_integration_test - globalEventSubject = %q, want %q",
			publisher.globalEventSubject, "muster.event")
	}

	// Empty overrides fall back to defaults too.
	publisher = NewCommsPublisher(nc, &CommsPublisherOpts{})
	if publisher.namespace != "muster" || publisher.globalEventSubject != "muster.event" {
		t.Errorf("events:comms_publisher_integration_test - defaults = (%q, %q), want (muster, muster.event)",
			publisher.namespace, publisher.globalEventSubject)
	}
}
