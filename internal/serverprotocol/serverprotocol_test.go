package serverprotocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/eventflow/broker/internal/events"
	"github.com/eventflow/broker/internal/registry"
	"github.com/eventflow/broker/internal/transport"
	"github.com/eventflow/broker/internal/transport/inmemory"
	"github.com/eventflow/broker/internal/wire"
)

const testTimeout = 2 * time.Second

func TestOnCommandReceivesPublishedCommand(t *testing.T) {
	srv := inmemory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, srv)
	client := srv.Dial("client-1")

	envelope := wire.NewCommandEnvelope(wire.WireCommand{ID: "cmd-1", Name: "CreateUser", Payload: json.RawMessage(`{}`)})
	payload, _ := json.Marshal(envelope)
	if err := client.Publish(ctx, transport.Message{Payload: string(payload)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case cmd := <-p.OnCommand():
		if cmd.ID != "cmd-1" || cmd.Name != "CreateUser" {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for inbound command")
	}
}

func TestSubscribeAddsClientToSubscriptionTable(t *testing.T) {
	srv := inmemory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, srv)
	client := srv.Dial("client-1")

	envelope := wire.NewSubscribeEnvelope("stream-1")
	payload, _ := json.Marshal(envelope)
	if err := client.Publish(ctx, transport.Message{Payload: string(payload)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if p.SubscriberCount("stream-1") == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected one subscriber on stream-1, got %d", p.SubscriberCount("stream-1"))
}

func TestSubscriptionCountAggregatesAcrossStreams(t *testing.T) {
	srv := inmemory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, srv)
	client := srv.Dial("client-1")

	for _, streamID := range []string{"stream-1", "stream-2"} {
		envelope := wire.NewSubscribeEnvelope(streamID)
		payload, _ := json.Marshal(envelope)
		if err := client.Publish(ctx, transport.Message{Payload: string(payload)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) && p.SubscriptionCount() != 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.SubscriptionCount(); got != 2 {
		t.Fatalf("expected 2 total subscriptions, got %d", got)
	}
}

func TestSendResultBroadcastsToClient(t *testing.T) {
	srv := inmemory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, srv)
	client := srv.Dial("client-1")
	sub, err := client.Subscribe(ctx, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	position := events.Position{StreamID: "user-1", EventNumber: 1}
	if err := p.SendResult(ctx, "cmd-1", registry.Success(position)); err != nil {
		t.Fatalf("SendResult: %v", err)
	}

	select {
	case msg := <-sub:
		var env wire.ResultEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if !env.Success || env.CommandID != "cmd-1" {
			t.Fatalf("unexpected result envelope: %+v", env)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for command result broadcast")
	}
}

func TestPublishEventOnlyReachesSubscribedClients(t *testing.T) {
	srv := inmemory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, srv)
	client := srv.Dial("client-1")
	sub, err := client.Subscribe(ctx, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// With no subscribers on stream-1, publishing must be a no-op.
	if err := p.PublishEvent(ctx, "stream-1", events.Event{Type: "UserCreated"}); err != nil {
		t.Fatalf("PublishEvent (no subscribers): %v", err)
	}
	select {
	case msg := <-sub:
		t.Fatalf("did not expect a broadcast with no subscribers, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	envelope := wire.NewSubscribeEnvelope("stream-1")
	payload, _ := json.Marshal(envelope)
	if err := client.Publish(ctx, transport.Message{Payload: string(payload)}); err != nil {
		t.Fatalf("Publish subscribe: %v", err)
	}

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) && p.SubscriberCount("stream-1") == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	if err := p.PublishEvent(ctx, "stream-1", events.Event{Type: "UserCreated", Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}

	select {
	case msg := <-sub:
		var env wire.EventEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if env.EventType != "UserCreated" || env.StreamID != "stream-1" {
			t.Fatalf("unexpected event envelope: %+v", env)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event broadcast")
	}
}

func TestDisconnectPurgesSubscriptions(t *testing.T) {
	srv := inmemory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, srv)
	client := srv.Dial("client-1")

	envelope := wire.NewSubscribeEnvelope("stream-1")
	payload, _ := json.Marshal(envelope)
	if err := client.Publish(ctx, transport.Message{Payload: string(payload)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) && p.SubscriberCount("stream-1") == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if p.SubscriberCount("stream-1") != 1 {
		t.Fatalf("expected subscription to register before disconnect, got %d", p.SubscriberCount("stream-1"))
	}

	srv.Close()

	deadline = time.Now().Add(testTimeout)
	for time.Now().Before(deadline) && p.SubscriberCount("stream-1") != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if p.SubscriberCount("stream-1") != 0 {
		t.Fatalf("expected subscriptions purged after disconnect, got %d", p.SubscriberCount("stream-1"))
	}
}

func TestDroppedCommandWhenInboundQueueFull(t *testing.T) {
	srv := inmemory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(ctx, srv)
	client := srv.Dial("client-1")

	for i := 0; i < inboundQueueCapacity+10; i++ {
		envelope := wire.NewCommandEnvelope(wire.WireCommand{ID: "cmd", Name: "CreateUser", Payload: json.RawMessage(`{}`)})
		payload, _ := json.Marshal(envelope)
		_ = client.Publish(ctx, transport.Message{Payload: string(payload)})
	}

	// Queue is bounded; draining must not block and must not panic.
	drained := 0
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-p.OnCommand():
			drained++
		default:
			if drained > 0 {
				return
			}
		}
	}
	if drained == 0 {
		t.Fatal("expected at least some commands to be queued and drained")
	}
}
