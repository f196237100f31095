// Package ingress batches inbound messages per session. Humans send
// thoughts as bursts of short messages; the debouncer waits for a quiet
// window so the pipeline sees one coherent batch instead of fragments.
package ingress

import (
	"sync"
	"time"

	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/types"
)

// DefaultWait is the quiet window before a flush
const DefaultWait = 1500 * time.Millisecond

// FlushFunc receives a detached batch. Called without any debouncer lock
// held; per-session ordering is the orchestrator's job.
type FlushFunc func(sessionID string, batch []*types.InboundMessage)

// Debouncer buffers messages per session behind a sliding timer
type Debouncer struct {
	mu       sync.Mutex
	wait     time.Duration
	sessions map[string]*sessionBuffer
	onFlush  FlushFunc
	closed   bool
}

type sessionBuffer struct {
	events []*types.InboundMessage
	timer  *time.Timer

	// gen advances every time the timer is re-armed; a flush callback
	// from an older arming must not deliver the buffer
	gen uint64
}

// New creates a debouncer delivering batches to onFlush
func New(wait time.Duration, onFlush FlushFunc) *Debouncer {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Debouncer{
		wait:     wait,
		sessions: make(map[string]*sessionBuffer),
		onFlush:  onFlush,
	}
}

// Add appends an event and restarts the session's quiet-window timer
func (d *Debouncer) Add(sessionID string, msg *types.InboundMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	buf, ok := d.sessions[sessionID]
	if !ok {
		buf = &sessionBuffer{}
		d.sessions[sessionID] = buf
	}

	buf.events = append(buf.events, msg)

	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.gen++
	gen := buf.gen
	buf.timer = time.AfterFunc(d.wait, func() { d.flush(sessionID, gen) })
}

// flush detaches the buffer under the lock and delivers it outside.
// A timer that fired before Add re-armed the window arrives with a
// stale generation and is dropped.
func (d *Debouncer) flush(sessionID string, gen uint64) {
	d.mu.Lock()
	buf, ok := d.sessions[sessionID]
	if !ok || buf.gen != gen || len(buf.events) == 0 {
		d.mu.Unlock()
		return
	}
	batch := buf.events
	buf.events = nil
	buf.timer = nil
	delete(d.sessions, sessionID)
	d.mu.Unlock()

	logging.Debug("ingress", "flush %s: %d events", sessionID, len(batch))
	d.onFlush(sessionID, batch)
}

// Pending reports whether a session has an undelivered buffer
func (d *Debouncer) Pending(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.sessions[sessionID]
	return ok && len(buf.events) > 0
}

// Close cancels all pending timers. Buffered events are dropped, not
// flushed: at-most-once semantics accept loss on shutdown.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, buf := range d.sessions {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(d.sessions, id)
	}
}
