package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/mustergrid/muster/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// Namespace selects the subject namespace the pool lives under.
	Namespace string
	// GlobalEventSubject overrides the global event subject (e.g. to feed a
	// shared monitoring stream across namespaces).
	GlobalEventSubject string
}

// CommsPublisher publishes pool change events to COMMS subjects.
type CommsPublisher struct {
	nc                 *comms.Conn
	namespace          string
	globalEventSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	namespace := commsutil.DefaultNamespace
	if opts != nil && opts.Namespace != "" {
		namespace = opts.Namespace
	}
	globalSubject := commsutil.EventSubject(namespace)
	if opts != nil && opts.GlobalEventSubject != "" {
		globalSubject = opts.GlobalEventSubject
	}
	return &CommsPublisher{nc: nc, namespace: namespace, globalEventSubject: globalSubject}
}

// PublishChanged publishes a PoolChangedEvent to both the kind-specific
// and global event subjects.
func (p *CommsPublisher) PublishChanged(_ context.Context, event *PoolChangedEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	// Publish to the kind-specific subject
	kindSubject := commsutil.EventKindSubject(p.namespace, event.Kind)
	if err := p.nc.Publish(kindSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, kindSubject, err))
		return err
	}

	// Publish to the global subject
	if err := p.nc.Publish(p.globalEventSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalEventSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event for client %s", commsPublisherLogPrefix, event.Kind, event.ClientID))
	return nil
}
