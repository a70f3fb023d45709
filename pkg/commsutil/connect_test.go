package commsutil

import (
	"testing"
	"time"
)

const connectTestPrefix = "commsutil:connect_test"

func TestConnect_InvalidURL(t *testing.T) {
	nc, err := Connect("invalid://not-a-comms-server", "test-client")
	if err == nil {
		if nc != nil {
			nc.Close()
		}
		t.Fatalf("%s - expected error for invalid URL", connectTestPrefix)
	}
	if nc != nil {
		t.Errorf("%s - expected nil connection on error", connectTestPrefix)
	}
}

func TestConnect_EmbeddedServer(t *testing.T) {
	ns, err := StartEmbeddedServer(0)
	if err != nil {
		t.Fatalf("%s - StartEmbeddedServer() error = %v", connectTestPrefix, err)
	}
	defer ns.Shutdown()

	nc, err := Connect(ns.ClientURL(), "test-client")
	if err != nil {
		t.Fatalf("%s - Connect() error = %v", connectTestPrefix, err)
	}
	defer nc.Close()

	if !nc.IsConnected() {
		t.Errorf("%s - expected connected client", connectTestPrefix)
	}
}

func TestDrainAndClose(t *testing.T) {
	ns, err := StartEmbeddedServer(0)
	if err != nil {
		t.Fatalf("%s - StartEmbeddedServer() error = %v", connectTestPrefix, err)
	}
	defer ns.Shutdown()

	nc, err := Connect(ns.ClientURL(), "test-drain")
	if err != nil {
		t.Fatalf("%s - Connect() error = %v", connectTestPrefix, err)
	}

	DrainAndClose(nc, 5*time.Second)
	if !nc.IsClosed() {
		t.Errorf("%s - expected closed connection after drain", connectTestPrefix)
	}

	// Second call on a closed connection is a no-op.
	DrainAndClose(nc, time.Second)
}
