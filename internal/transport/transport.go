// Package transport defines the pluggable duplex message channel the rest of
// the broker is built on: a client side (connection-state signal, publish,
// subscribe) and a server side (inbound connections, broadcast). Concrete
// transports — internal/transport/inmemory, internal/transport/ws — must
// uphold the ordering and connection-state contract documented on each type
// below.
package transport

import "context"

// Message is the opaque duplex record every transport carries. Payload is
// typically JSON but the transport itself never inspects it.
type Message struct {
	ID      string
	Type    string
	Payload string
}

// ConnState is a client transport's connection lifecycle state.
type ConnState int

const (
	Connecting ConnState = iota
	Connected
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Filter decides whether an inbound message should reach a subscriber. A nil
// filter matches every message.
type Filter func(Message) bool

// ClientTransport is a single duplex connection to a peer. Publish fails once
// the connection leaves Connected; subscribe fans messages out to every
// concurrent subscriber in publication order.
type ClientTransport interface {
	// ConnectionState returns a channel that emits the current state
	// immediately on subscription and every subsequent transition. The
	// channel is closed when the caller's context is done.
	ConnectionState(ctx context.Context) <-chan ConnState

	// Publish delivers a message to the peer. It returns a transport error
	// if the connection is not Connected.
	Publish(ctx context.Context, msg Message) error

	// Subscribe returns a channel of inbound messages matching filter (all
	// messages if filter is nil). Each subscriber observes every message
	// from the moment it subscribes onward. The channel is closed when the
	// caller's context is done or the transport is torn down.
	Subscribe(ctx context.Context, filter Filter) (<-chan Message, error)
}

// Connection is a single accepted client connection on the server side: an
// identity plus the client-facing transport view bound to it.
type Connection struct {
	ClientID  string
	Transport ClientTransport
}

// ServerTransport accepts client connections and broadcasts to all of them.
type ServerTransport interface {
	// Connections returns a channel of newly accepted client connections.
	// The channel is closed when the server transport is torn down.
	Connections(ctx context.Context) <-chan Connection

	// Broadcast delivers a message to every currently connected client.
	// Delivery to a single slow or disconnected client must not block
	// delivery to the others.
	Broadcast(ctx context.Context, msg Message) error
}

// Error is a transport-level failure, e.g. publishing on a disconnected
// connection.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }
