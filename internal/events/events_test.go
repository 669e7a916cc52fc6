package events

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func runBus(t *testing.T) (*Bus, *CaptureSink) {
	t.Helper()
	bus := NewBus(slog.Default(), 16)
	sink := &CaptureSink{}
	bus.Subscribe(sink)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)
	return bus, sink
}

func waitFor(t *testing.T, sink *CaptureSink, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.Events()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(sink.Events()))
}

func TestBusDeliversToSinks(t *testing.T) {
	bus, sink := runBus(t)

	bus.Publish(EventEscrowLocked, map[string]interface{}{"tradeId": "trd_1"})
	waitFor(t, sink, 1)

	events := sink.Events()
	if events[0].Type != EventEscrowLocked {
		t.Errorf("type = %s, want escrow.locked", events[0].Type)
	}
	if events[0].ID == "" || events[0].Timestamp.IsZero() {
		t.Error("expected ID and timestamp to be set")
	}
	if events[0].Data["tradeId"] != "trd_1" {
		t.Errorf("tradeId = %v, want trd_1", events[0].Data["tradeId"])
	}
}

func TestEmitterTypedHelpers(t *testing.T) {
	bus, sink := runBus(t)
	emitter := NewEmitter(bus)

	emitter.EmitEscrowLocked("trd_1", "esc_1", "alice", "100")
	emitter.EmitEscrowReleased("trd_1", "esc_1", "bob", "100")
	emitter.EmitManualIntervention("alice", "trd_1", "retry_exhausted")
	waitFor(t, sink, 3)

	types := sink.Types()
	want := []EventType{EventEscrowLocked, EventEscrowReleased, EventManualIntervention}
	for i, w := range want {
		if types[i] != w {
			t.Errorf("event %d = %s, want %s", i, types[i], w)
		}
	}
}

func TestEmitterNilSafe(t *testing.T) {
	var emitter *Emitter
	// Must not panic with no bus wired.
	emitter.EmitEscrowFailed("trd_1", "esc_1", "lock", "boom")

	emitter = NewEmitter(nil)
	emitter.EmitEscrowRefunded("trd_1", "esc_1", "alice", "10")
}

func TestClientSubscriptionFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventEscrowLocked},
		AccountIDs: []string{"alice"},
	}}

	match := &Event{Type: EventEscrowLocked, Data: map[string]interface{}{"ownerId": "alice"}}
	wrongType := &Event{Type: EventEscrowReleased, Data: map[string]interface{}{"ownerId": "alice"}}
	wrongAccount := &Event{Type: EventEscrowLocked, Data: map[string]interface{}{"ownerId": "bob"}}

	if !client.wants(match) {
		t.Error("expected matching event to pass filter")
	}
	if client.wants(wrongType) {
		t.Error("expected wrong type to be filtered")
	}
	if client.wants(wrongAccount) {
		t.Error("expected wrong account to be filtered")
	}

	all := &Client{sub: Subscription{AllEvents: true}}
	if !all.wants(wrongType) {
		t.Error("all-events subscription should pass everything")
	}
}
