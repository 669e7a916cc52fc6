// Package events carries escrow lifecycle notifications to the external
// notification layer. The bus fans out to registered sinks and never blocks
// fund-moving operations: under pressure events are dropped and counted.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cesnetwork/escrowd/internal/idgen"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventEscrowLocked   EventType = "escrow.locked"
	EventEscrowReleased EventType = "escrow.released"
	EventEscrowRefunded EventType = "escrow.refunded"
	EventEscrowSplit    EventType = "escrow.split"
	EventEscrowFailed   EventType = "escrow.failed"

	EventDisputeInitiated EventType = "dispute.initiated"
	EventDisputeEscalated EventType = "dispute.escalated"
	EventDisputeResolved  EventType = "dispute.resolved"

	EventReconciliationFixed EventType = "reconciliation.fixed"
	EventManualIntervention  EventType = "reconciliation.manual-intervention"
)

// Event is one published notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Sink receives events from the bus. Deliver must not block; slow sinks
// should buffer or drop internally.
type Sink interface {
	Deliver(event *Event)
}

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Total events published by type.",
	}, []string{"event_type"})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Total events dropped because the bus buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsDropped)
}

// Bus fans events out to sinks over a buffered channel.
type Bus struct {
	ch     chan *Event
	sinks  []Sink
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewBus creates a bus with the given buffer size (256 if <= 0).
func NewBus(logger *slog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		ch:     make(chan *Event, buffer),
		logger: logger,
	}
}

// Subscribe registers a sink. Not safe to call after Run has observed a
// shutdown; register sinks during assembly.
func (b *Bus) Subscribe(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish enqueues an event. Never blocks; drops and counts when full.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	select {
	case b.ch <- event:
		eventsPublished.WithLabelValues(string(eventType)).Inc()
	default:
		eventsDropped.Inc()
		b.logger.Warn("event bus full, dropping event", "type", eventType)
	}
}

// Run drains the bus until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	b.logger.Info("event bus started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("event bus stopped")
			return
		case event := <-b.ch:
			b.mu.RLock()
			sinks := b.sinks
			b.mu.RUnlock()
			for _, sink := range sinks {
				sink.Deliver(event)
			}
		}
	}
}

// SlogSink logs every event at info level.
type SlogSink struct {
	Logger *slog.Logger
}

func (s *SlogSink) Deliver(event *Event) {
	s.Logger.Info("event", "type", event.Type, "id", event.ID, "data", event.Data)
}

// CaptureSink collects events for assertions in tests.
type CaptureSink struct {
	mu     sync.Mutex
	events []*Event
}

func (c *CaptureSink) Deliver(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of everything delivered so far.
func (c *CaptureSink) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

// Types returns the delivered event types in order.
func (c *CaptureSink) Types() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}
