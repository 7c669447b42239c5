// Package inmemory implements the reference transport from spec §4.2: an
// in-process duplex channel with no network hop, used for embedding the
// broker in a single process and for protocol-level tests.
package inmemory

import (
	"context"
	"errors"
	"sync"

	"github.com/eventflow/broker/internal/transport"
)

// queueCapacity bounds every per-subscriber fan-out queue and the underlying
// directional queues. A slow subscriber drops messages past this depth
// rather than stalling the copier.
const queueCapacity = 256

var errDisconnected = errors.New("connection is not connected")

// Server is an in-memory transport.ServerTransport. The zero value is not
// usable; construct with New.
type Server struct {
	mu      sync.Mutex
	conns   chan transport.Connection
	clients map[*conn]struct{}
	closed  bool
}

// New returns a ready Server with no connected clients.
func New() *Server {
	return &Server{
		conns:   make(chan transport.Connection, 16),
		clients: make(map[*conn]struct{}),
	}
}

// Connections implements transport.ServerTransport.
func (s *Server) Connections(ctx context.Context) <-chan transport.Connection {
	out := make(chan transport.Connection)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-s.conns:
				if !ok {
					return
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Broadcast implements transport.ServerTransport: it delivers msg to every
// currently connected client's inbound (server->client) queue. A full or
// torn-down client queue is skipped rather than allowed to block the others.
func (s *Server) Broadcast(ctx context.Context, msg transport.Message) error {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.enqueueToClient(msg)
	}
	return nil
}

// Dial establishes a new client connection against this server, as if a
// fresh peer had just connected. It returns the client-facing transport used
// by the calling code; the server-facing half is pushed onto Connections.
func (s *Server) Dial(clientID string) transport.ClientTransport {
	c := newConn(clientID, s)

	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.clients[c] = struct{}{}
	}
	s.mu.Unlock()

	if closed {
		c.setState(transport.Disconnected)
		return clientSide{c}
	}

	c.setState(transport.Connected)
	s.conns <- transport.Connection{ClientID: clientID, Transport: serverSide{c}}
	return clientSide{c}
}

// Close tears down the server transport: every connected client transitions
// to Disconnected and no further connections are accepted.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*conn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*conn]struct{})
	close(s.conns)
	s.mu.Unlock()

	for _, c := range clients {
		c.setState(transport.Disconnected)
	}
}

func (s *Server) deregister(c *conn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// fanout is a single directional queue plus the set of subscriber queues
// copying from it, per spec §4.2's "copier" description.
type fanout struct {
	mu          sync.Mutex
	queue       chan transport.Message
	subscribers map[chan transport.Message]transport.Filter
	closed      bool
}

func newFanout() *fanout {
	f := &fanout{
		queue:       make(chan transport.Message, queueCapacity),
		subscribers: make(map[chan transport.Message]transport.Filter),
	}
	go f.copy()
	return f
}

func (f *fanout) copy() {
	for msg := range f.queue {
		f.mu.Lock()
		subs := make([]chan transport.Message, 0, len(f.subscribers))
		for ch, filter := range f.subscribers {
			if filter == nil || filter(msg) {
				subs = append(subs, ch)
			}
		}
		f.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

func (f *fanout) enqueue(msg transport.Message) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	select {
	case f.queue <- msg:
	default:
	}
}

func (f *fanout) subscribe(ctx context.Context, filter transport.Filter) <-chan transport.Message {
	ch := make(chan transport.Message, queueCapacity)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch
	}
	f.subscribers[ch] = filter
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if _, ok := f.subscribers[ch]; ok {
			delete(f.subscribers, ch)
			close(ch)
		}
		f.mu.Unlock()
	}()

	return ch
}

func (f *fanout) shutdown() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	for ch := range f.subscribers {
		close(ch)
	}
	f.subscribers = make(map[chan transport.Message]transport.Filter)
	f.mu.Unlock()
}

// conn is one in-memory connection: a client->server queue, a server->client
// queue, and a connection-state signal, per spec §4.2.
type conn struct {
	id     string
	server *Server

	toServer *fanout
	toClient *fanout

	mu        sync.Mutex
	state     transport.ConnState
	stateSubs []chan transport.ConnState
}

func newConn(id string, server *Server) *conn {
	return &conn{
		id:       id,
		server:   server,
		toServer: newFanout(),
		toClient: newFanout(),
		state:    transport.Connecting,
	}
}

func (c *conn) enqueueToServer(msg transport.Message) { c.toServer.enqueue(msg) }
func (c *conn) enqueueToClient(msg transport.Message) { c.toClient.enqueue(msg) }

func (c *conn) currentState() transport.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) setState(state transport.ConnState) {
	c.mu.Lock()
	c.state = state
	subs := make([]chan transport.ConnState, len(c.stateSubs))
	copy(subs, c.stateSubs)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}

	if state == transport.Disconnected {
		c.toServer.shutdown()
		c.toClient.shutdown()
		c.server.deregister(c)
	}
}

func (c *conn) connectionState(ctx context.Context) <-chan transport.ConnState {
	ch := make(chan transport.ConnState, 4)

	c.mu.Lock()
	current := c.state
	c.stateSubs = append(c.stateSubs, ch)
	c.mu.Unlock()

	ch <- current

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		for i, sub := range c.stateSubs {
			if sub == ch {
				c.stateSubs = append(c.stateSubs[:i], c.stateSubs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		close(ch)
	}()

	return ch
}

// clientSide is the ClientTransport view used by the external client: it
// publishes to the server and subscribes to what the server sent back.
type clientSide struct{ *conn }

func (c clientSide) ConnectionState(ctx context.Context) <-chan transport.ConnState {
	return c.connectionState(ctx)
}

func (c clientSide) Publish(ctx context.Context, msg transport.Message) error {
	if c.currentState() != transport.Connected {
		return &transport.Error{Op: "publish", Err: errDisconnected}
	}
	c.enqueueToServer(msg)
	return nil
}

func (c clientSide) Subscribe(ctx context.Context, filter transport.Filter) (<-chan transport.Message, error) {
	return c.toClient.subscribe(ctx, filter), nil
}

// serverSide is the ClientTransport view embedded in a transport.Connection
// handed to the server: subscribing drains what the client published, and
// publishing targets that single client (used by an optimized unicast path;
// the reference server protocol uses Server.Broadcast instead).
type serverSide struct{ *conn }

func (c serverSide) ConnectionState(ctx context.Context) <-chan transport.ConnState {
	return c.connectionState(ctx)
}

func (c serverSide) Publish(ctx context.Context, msg transport.Message) error {
	if c.currentState() != transport.Connected {
		return &transport.Error{Op: "publish", Err: errDisconnected}
	}
	c.enqueueToClient(msg)
	return nil
}

func (c serverSide) Subscribe(ctx context.Context, filter transport.Filter) (<-chan transport.Message, error) {
	return c.toServer.subscribe(ctx, filter), nil
}
