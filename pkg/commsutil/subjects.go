package commsutil

import (
	"fmt"
	"strings"
)

// DefaultNamespace is the subject prefix used when none is configured.
// All muster traffic for one cluster lives under a single namespace so
// that several clusters can share a COMMS deployment.
const DefaultNamespace = "muster"

// Lifecycle subject suffixes under the namespace.
const (
	suffixAnnounce  = "engine.announce"
	suffixGoodbye   = "engine.goodbye"
	suffixHeartbeat = "engine.heartbeat"
	suffixRollcall  = "client.rollcall"
)

// AnnounceSubject is the request/reply subject engines register on.
func AnnounceSubject(namespace string) string {
	return fmt.Sprintf("%s.%s", nsOrDefault(namespace), suffixAnnounce)
}

// GoodbyeSubject carries clean engine departures.
func GoodbyeSubject(namespace string) string {
	return fmt.Sprintf("%s.%s", nsOrDefault(namespace), suffixGoodbye)
}

// HeartbeatSubject carries periodic engine liveness beats.
func HeartbeatSubject(namespace string) string {
	return fmt.Sprintf("%s.%s", nsOrDefault(namespace), suffixHeartbeat)
}

// RollcallSubject is broadcast by a starting client so already-running
// engines re-announce themselves.
func RollcallSubject(namespace string) string {
	return fmt.Sprintf("%s.%s", nsOrDefault(namespace), suffixRollcall)
}

// CallSubject is an engine's private work queue. Each engine subscribes
// exactly once, so deliveries are serialized per engine.
func CallSubject(namespace, engineUUID string) string {
	return fmt.Sprintf("%s.call.%s", nsOrDefault(namespace), token(engineUUID))
}

// ControlSubject is an engine's control channel. It is served by its own
// subscription so ping and shutdown bypass queued work on CallSubject.
func ControlSubject(namespace, engineUUID string) string {
	return fmt.Sprintf("%s.control.%s", nsOrDefault(namespace), token(engineUUID))
}

// ReplySubject is the per-client inbox engines publish call replies to.
func ReplySubject(namespace, clientID string) string {
	return fmt.Sprintf("%s.reply.%s", nsOrDefault(namespace), token(clientID))
}

// EventSubject is the global pool event stream. Every pool change event is
// published here as well as to its kind-specific subject.
func EventSubject(namespace string) string {
	return fmt.Sprintf("%s.event", nsOrDefault(namespace))
}

// EventKindSubject is the granular subject for one event kind. Kinds keep
// their dots, so subscribers can match families with wildcards, e.g.
// "muster.event.engine.*".
func EventKindSubject(namespace, kind string) string {
	return fmt.Sprintf("%s.event.%s", nsOrDefault(namespace), kind)
}

func nsOrDefault(namespace string) string {
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}

// token makes an identifier safe to embed as a single subject token.
func token(id string) string {
	id = strings.ReplaceAll(id, ".", "_")
	id = strings.ReplaceAll(id, " ", "_")
	return id
}
