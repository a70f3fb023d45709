// Package main is the entrypoint for the muster engine daemon.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/mustergrid/muster/internal/server"
	"github.com/mustergrid/muster/pkg/protocol"
)

const usage = `Usage: muster-engine [command]

Commands:
  (default)   Start the engine: announce, serve calls, heartbeat until stopped.
  version     Print the engine protocol version.

Environment: COMMS_URL, MUSTER_NAMESPACE, SERVICE_NAME, ANNOUNCE_TIMEOUT,
ANNOUNCE_BACKOFF, ENGINE_HTTP_ADDR, LOG_LEVEL. See README for the full list.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "version":
		fmt.Println(protocol.Version)
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "", "serve":
		// fall through to the daemon
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("muster-engine: fatal error: %v", err)
	}
}
