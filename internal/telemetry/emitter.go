// Package telemetry dispatches structured events produced at defined
// checkpoints (cache hit/miss, protocol step, broker fallback). Emission
// never blocks the producing operation and sink failures are ignorable.
package telemetry

import (
	"sync"

	"authcore/pkg/logging"
)

const logSubsystem = "Telemetry"

// Event is one telemetry checkpoint.
type Event struct {
	// Name identifies the checkpoint, e.g. "cache_hit", "ipc_fallback".
	Name string

	// Attributes carry checkpoint-specific detail. Values must never
	// contain token material.
	Attributes map[string]string
}

// Checkpoint names emitted by the acquisition paths.
const (
	EventCacheHit        = "cache_hit"
	EventCacheMiss       = "cache_miss"
	EventProtocolStep    = "protocol_step"
	EventIpcFallback     = "ipc_fallback"
	EventRefreshAttempt  = "refresh_attempt"
	EventMigrationResult = "migration_result"
)

// Sink consumes events. Implementations must tolerate concurrent calls.
type Sink interface {
	Consume(Event)
}

// LoggingSink writes events to the structured log at debug level.
type LoggingSink struct{}

func (LoggingSink) Consume(e Event) {
	logging.Debug(logSubsystem, "event %s %v", e.Name, e.Attributes)
}

const defaultBufferSize = 256

// Emitter fans events out to a sink through a bounded buffer. When the
// buffer is full the event is dropped; producers never wait on telemetry.
type Emitter struct {
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// NewEmitter starts an emitter draining into the sink. A nil sink falls
// back to LoggingSink.
func NewEmitter(sink Sink) *Emitter {
	if sink == nil {
		sink = LoggingSink{}
	}
	e := &Emitter{
		events: make(chan Event, defaultBufferSize),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		for event := range e.events {
			sink.Consume(event)
		}
	}()
	return e
}

// Emit queues an event without blocking. Events beyond the buffer capacity
// are counted and dropped.
func (e *Emitter) Emit(name string, attributes map[string]string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	select {
	case e.events <- Event{Name: name, Attributes: attributes}:
	default:
		e.dropped++
	}
	e.mu.Unlock()
}

// Dropped returns the number of events discarded because the buffer was
// full.
func (e *Emitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close drains buffered events into the sink and stops the emitter.
// Subsequent Emit calls are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.events)
	e.mu.Unlock()

	<-e.done
}
