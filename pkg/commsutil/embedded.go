package commsutil

import (
	"fmt"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
)

// StartEmbeddedServer runs an in-process COMMS server on 127.0.0.1 and
// returns it once it accepts connections. Port 0 or -1 picks a free port.
// The demo command and the end-to-end tests use this so a muster cluster
// can run without any external infrastructure.
func StartEmbeddedServer(port int) (*commsserver.Server, error) {
	if port == 0 {
		port = -1
	}
	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create embedded COMMS server: %w", logPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("%s - embedded COMMS server did not become ready", logPrefix)
	}
	return ns, nil
}
