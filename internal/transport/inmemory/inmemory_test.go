package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/eventflow/broker/internal/transport"
)

const testTimeout = 2 * time.Second

func TestDialEmitsConnectedConnectionState(t *testing.T) {
	srv := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := srv.Dial("client-1")
	states := client.ConnectionState(ctx)

	select {
	case state := <-states:
		if state != transport.Connected {
			t.Fatalf("expected Connected, got %v", state)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for initial connection state")
	}
}

func TestServerSeesNewConnection(t *testing.T) {
	srv := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := srv.Connections(ctx)
	srv.Dial("client-1")

	select {
	case conn := <-conns:
		if conn.ClientID != "client-1" {
			t.Fatalf("expected client-1, got %q", conn.ClientID)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for connection")
	}
}

func TestClientPublishIsVisibleToServer(t *testing.T) {
	srv := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := srv.Connections(ctx)
	client := srv.Dial("client-1")
	conn := <-conns

	inbound, err := conn.Transport.Subscribe(ctx, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := transport.Message{ID: "1", Type: "command", Payload: `{"hello":"world"}`}
	if err := client.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-inbound:
		if got != msg {
			t.Fatalf("expected %+v, got %+v", msg, got)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for message on server side")
	}
}

func TestBroadcastReachesEveryClientSubscriber(t *testing.T) {
	srv := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := srv.Dial("a")
	clientB := srv.Dial("b")

	subA, err := clientA.Subscribe(ctx, nil)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	subB, err := clientB.Subscribe(ctx, nil)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	msg := transport.Message{ID: "e1", Type: "event", Payload: `{}`}
	if err := srv.Broadcast(ctx, msg); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	for name, ch := range map[string]<-chan transport.Message{"a": subA, "b": subB} {
		select {
		case got := <-ch:
			if got != msg {
				t.Fatalf("client %s: expected %+v, got %+v", name, msg, got)
			}
		case <-time.After(testTimeout):
			t.Fatalf("client %s: timed out waiting for broadcast", name)
		}
	}
}

func TestMultipleSubscribersEachObserveEveryMessage(t *testing.T) {
	srv := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := srv.Dial("client-1")
	sub1, _ := client.Subscribe(ctx, nil)
	sub2, _ := client.Subscribe(ctx, nil)

	msg := transport.Message{ID: "1", Type: "event", Payload: `{}`}
	srv.Broadcast(ctx, msg)

	for i, ch := range []<-chan transport.Message{sub1, sub2} {
		select {
		case got := <-ch:
			if got != msg {
				t.Fatalf("subscriber %d: expected %+v, got %+v", i, msg, got)
			}
		case <-time.After(testTimeout):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestFilterExcludesNonMatchingMessages(t *testing.T) {
	srv := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := srv.Dial("client-1")
	onlyEvents, _ := client.Subscribe(ctx, func(m transport.Message) bool { return m.Type == "event" })

	srv.Broadcast(ctx, transport.Message{ID: "1", Type: "command_result"})
	srv.Broadcast(ctx, transport.Message{ID: "2", Type: "event"})

	select {
	case got := <-onlyEvents:
		if got.Type != "event" {
			t.Fatalf("expected only event-typed messages, got %+v", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for filtered message")
	}

	select {
	case got := <-onlyEvents:
		t.Fatalf("expected no second message, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishFailsWhenDisconnected(t *testing.T) {
	srv := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := srv.Dial("client-1")
	srv.Close()

	if err := client.Publish(ctx, transport.Message{ID: "1", Type: "command"}); err == nil {
		t.Fatal("expected publish to fail after server close")
	}
}

func TestCloseTransitionsClientsToDisconnected(t *testing.T) {
	srv := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := srv.Dial("client-1")
	states := client.ConnectionState(ctx)
	<-states // drain the initial Connected emission

	srv.Close()

	select {
	case state := <-states:
		if state != transport.Disconnected {
			t.Fatalf("expected Disconnected, got %v", state)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for disconnect transition")
	}
}
