package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mustergrid/muster/pkg/resultdb"
)

const archiverLogPrefix = "client:archiver"

const saveTimeout = 5 * time.Second

// archiver writes finished call records to the result store off the reply
// path. Enqueue never blocks: when the queue is full the record is dropped
// with a warning, because stalling the reply loop would stall every
// outstanding result.
type archiver struct {
	store resultdb.Store

	mu     sync.Mutex
	closed bool
	ch     chan resultdb.Record
	done   chan struct{}
}

func newArchiver(store resultdb.Store, buffer int) *archiver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &archiver{
		store: store,
		ch:    make(chan resultdb.Record, buffer),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *archiver) run() {
	defer close(a.done)
	for rec := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := a.store.Save(ctx, rec); err != nil {
			slog.Warn(fmt.Sprintf("%s - save record %s/%d: %v", archiverLogPrefix, rec.RequestID, rec.EngineID, err))
		}
		cancel()
	}
}

func (a *archiver) enqueue(rec resultdb.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- rec:
	default:
		slog.Warn(fmt.Sprintf("%s - queue full, dropping record %s/%d", archiverLogPrefix, rec.RequestID, rec.EngineID))
	}
}

// close stops intake and waits for the queue to flush.
func (a *archiver) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}
