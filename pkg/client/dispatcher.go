package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/mustergrid/muster/pkg/commsutil"
	"github.com/mustergrid/muster/pkg/events"
	"github.com/mustergrid/muster/pkg/protocol"
	"github.com/mustergrid/muster/pkg/remoterr"
	"github.com/mustergrid/muster/pkg/resultdb"
)

const dispatcherLogPrefix = "client:dispatcher"

// engineCall is one target's share of a request: its identity plus the
// already-encoded payload. Uniform calls share one payload; map and
// scatter encode a different one per target.
type engineCall struct {
	id     protocol.EngineID
	uuid   string
	args   json.RawMessage
	kwargs json.RawMessage
}

// callSpec is everything dispatch needs to fan one request out. Targets
// were resolved and arguments encoded by the caller, so every failure that
// can abort the whole call has already had its chance.
type callSpec struct {
	op       string
	fn       string
	code     string
	method   string
	track    bool
	calls    []engineCall
	assemble assembleFunc
}

// dispatcher owns the pending table. It fans requests out, routes replies
// into slots, fails slots for engines that drop mid-flight, and hands
// finished slots to the archiver.
type dispatcher struct {
	nc        *comms.Conn
	namespace string
	clientID  string
	pending   *pendingTable
	archiver  *archiver
	events    events.EventPublisher
}

func newDispatcher(nc *comms.Conn, namespace, clientID string, arch *archiver, pub events.EventPublisher) *dispatcher {
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	return &dispatcher{
		nc:        nc,
		namespace: namespace,
		clientID:  clientID,
		pending:   newPendingTable(),
		archiver:  arch,
		events:    pub,
	}
}

// dispatch publishes one CallRequest per target and returns the live
// entry. Transport failures here do not abort siblings already sent; they
// fail the affected slot the same way a disconnect would.
func (d *dispatcher) dispatch(spec callSpec) (*pendingEntry, error) {
	if spec.fn == "" && spec.code == "" {
		return nil, remoterr.ErrEmptyCall
	}
	if len(spec.calls) == 0 {
		return nil, remoterr.ErrNoEngines
	}
	order := make([]protocol.EngineID, len(spec.calls))
	for i, c := range spec.calls {
		order[i] = c.id
	}
	entry := newPendingEntry(newULID(), spec.method, spec.op, spec.track, order, spec.assemble)
	d.pending.add(entry)
	// Published before the sends so a transport failure that finalizes the
	// request immediately still orders dispatched before finalized.
	_ = d.events.PublishChanged(context.Background(), &events.PoolChangedEvent{
		Kind:      events.KindRequestDispatched,
		ClientID:  d.clientID,
		RequestID: entry.requestID,
		Op:        spec.op,
		Method:    spec.method,
		Engines:   order,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	for _, c := range spec.calls {
		req := protocol.CallRequest{
			RequestID: entry.requestID,
			ClientID:  d.clientID,
			Op:        spec.op,
			Func:      spec.fn,
			Code:      spec.code,
			Args:      c.args,
			Kwargs:    c.kwargs,
		}
		data, err := commsutil.EncodePayload(req)
		if err != nil {
			d.failSlot(entry, c.id, c.uuid, &protocol.Fault{
				Kind:    protocol.KindSerialization,
				Message: fmt.Sprintf("encode request: %v", err),
			})
			continue
		}
		if err := d.nc.Publish(commsutil.CallSubject(d.namespace, c.uuid), data); err != nil {
			d.failSlot(entry, c.id, c.uuid, &protocol.Fault{
				Kind:    protocol.KindDisconnected,
				Message: fmt.Sprintf("publish to engine %d failed: %v", c.id, err),
			})
		}
	}
	if err := d.nc.Flush(); err != nil {
		slog.Warn(fmt.Sprintf("%s - flush after dispatch %s: %v", dispatcherLogPrefix, entry.requestID, err))
	}
	slog.Debug(fmt.Sprintf("%s - dispatched %s %s to %d engine(s)", dispatcherLogPrefix, spec.op, entry.requestID, len(spec.calls)))
	return entry, nil
}

// deliver routes a reply into its entry. Late, duplicate, and unknown
// replies are dropped with a debug log.
func (d *dispatcher) deliver(reply protocol.CallReply) {
	entry, ok := d.pending.get(reply.RequestID)
	if !ok {
		slog.Debug(fmt.Sprintf("%s - dropping reply for unknown or finalized request %s from engine %d", dispatcherLogPrefix, reply.RequestID, reply.EngineID))
		return
	}
	d.fill(entry, reply)
}

// failEngine fails every pending slot addressed to id across all in-flight
// entries. Wired to the registry's unregister observers, so an engine that
// drops out mid-flight releases its slots without blocking siblings.
func (d *dispatcher) failEngine(id protocol.EngineID, uuid, reason string) {
	var fault *protocol.Fault
	for _, entry := range d.pending.snapshot() {
		if !entry.targets(id) {
			continue
		}
		if fault == nil {
			re := remoterr.EngineDisconnected(id, reason)
			fault = &protocol.Fault{Kind: re.Kind, Message: re.Message}
		}
		d.failSlot(entry, id, uuid, fault)
	}
}

// failSlot fabricates an error reply for a target that cannot answer.
func (d *dispatcher) failSlot(entry *pendingEntry, id protocol.EngineID, uuid string, fault *protocol.Fault) {
	d.fill(entry, protocol.CallReply{
		RequestID:   entry.requestID,
		EngineID:    id,
		EngineUUID:  uuid,
		Status:      protocol.StatusError,
		Fault:       fault,
		CompletedAt: time.Now(),
	})
}

// fill applies one reply to one entry, archives it if accepted, and
// retires the entry from the table when it finalizes.
func (d *dispatcher) fill(entry *pendingEntry, reply protocol.CallReply) {
	accepted, finalized := entry.deliver(reply)
	if !accepted {
		slog.Debug(fmt.Sprintf("%s - dropping duplicate reply for request %s from engine %d", dispatcherLogPrefix, reply.RequestID, reply.EngineID))
		return
	}
	if entry.track {
		d.archiver.enqueue(d.record(entry, reply))
	}
	if finalized {
		d.pending.remove(entry.requestID)
		slog.Debug(fmt.Sprintf("%s - request %s finalized", dispatcherLogPrefix, entry.requestID))
		status := protocol.StatusOK
		failed := entry.failedIDs()
		if len(failed) > 0 {
			status = protocol.StatusError
		}
		_ = d.events.PublishChanged(context.Background(), &events.PoolChangedEvent{
			Kind:      events.KindRequestFinalized,
			ClientID:  d.clientID,
			RequestID: entry.requestID,
			Op:        entry.op,
			Method:    entry.method,
			Failed:    failed,
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// record flattens one reply into an archive row.
func (d *dispatcher) record(entry *pendingEntry, reply protocol.CallReply) resultdb.Record {
	rec := resultdb.Record{
		RequestID:   entry.requestID,
		EngineID:    reply.EngineID,
		EngineUUID:  reply.EngineUUID,
		ClientID:    d.clientID,
		Op:          entry.op,
		Target:      entry.method,
		Status:      reply.Status,
		Result:      reply.Result,
		Stdout:      reply.Stdout,
		SubmittedAt: entry.submitted,
		StartedAt:   reply.StartedAt,
		CompletedAt: reply.CompletedAt,
		ReceivedAt:  time.Now(),
	}
	if reply.Fault != nil {
		rec.FaultKind = reply.Fault.Kind
		rec.FaultMessage = reply.Fault.Message
		rec.Traceback = reply.Fault.Traceback
	}
	return rec
}
