// Package telemetry emits per-turn observability events without ever blocking
// the turn pipeline.
package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind classifies an emitted event.
type EventKind string

const (
	EventTurnProcessed    EventKind = "turn_processed"
	EventModeSwitch       EventKind = "mode_switch"
	EventToolAck          EventKind = "tool_ack"
	EventDeferredRecorded EventKind = "deferred_recorded"
	EventRelaunchOffered  EventKind = "relaunch_offered"
	EventOutage           EventKind = "outage"
)

// Event is one observability record.
type Event struct {
	Kind   EventKind
	UserID string
	Scope  string
	Fields map[string]any
	At     time.Time
}

// Sink receives events. Implementations must not block the caller.
type Sink interface {
	Emit(event Event)
}

// NopSink discards everything.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(Event) {}

// ChannelSink buffers events on a channel drained by a background goroutine.
// When the buffer is full the event is dropped and counted; losing telemetry
// is acceptable, stalling a turn is not.
type ChannelSink struct {
	events  chan Event
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewChannelSink creates a sink with the given buffer size and starts its
// drain goroutine, which logs each event through slog.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &ChannelSink{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Emit enqueues the event, dropping it when the buffer is full.
func (s *ChannelSink) Emit(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were lost to a full buffer.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the drain goroutine after flushing what is already queued.
func (s *ChannelSink) Close() {
	s.once.Do(func() { close(s.events); <-s.done })
}

func (s *ChannelSink) drain() {
	defer close(s.done)
	for event := range s.events {
		args := []any{"userID", event.UserID, "scope", event.Scope}
		for k, v := range event.Fields {
			args = append(args, k, v)
		}
		slog.Info("telemetry."+string(event.Kind), args...)
	}
}
