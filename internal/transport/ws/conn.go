package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/eventflow/broker/internal/logging"
	"github.com/eventflow/broker/internal/networking"
	"github.com/eventflow/broker/internal/transport"
)

const sendQueueCapacity = 256

// wsConn is the server-side client-facing transport view handed to the
// connection supervisor via transport.Connection. It also implements
// transport.ClientTransport directly, so a connection carries "its own
// client-side transport" per spec §4.1.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send        chan []byte
	closeWriter chan struct{}

	mu          sync.Mutex
	state       transport.ConnState
	stateSubs   []chan transport.ConnState
	subscribers map[chan transport.Message]transport.Filter
	closed      bool
}

func newWSConn(id string, conn *websocket.Conn, server *Server) *wsConn {
	return &wsConn{
		id:          id,
		conn:        conn,
		server:      server,
		send:        make(chan []byte, sendQueueCapacity),
		closeWriter: make(chan struct{}),
		state:       transport.Connecting,
		subscribers: make(map[chan transport.Message]transport.Filter),
	}
}

func (c *wsConn) logger() *logging.Logger {
	return c.server.log.With(logging.String("client_id", c.id))
}

func (c *wsConn) currentState() transport.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *wsConn) setState(state transport.ConnState) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	subs := make([]chan transport.ConnState, len(c.stateSubs))
	copy(subs, c.stateSubs)
	if state == transport.Disconnected {
		c.closed = true
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}

	if state == transport.Disconnected {
		c.mu.Lock()
		for ch := range c.subscribers {
			close(ch)
		}
		c.subscribers = make(map[chan transport.Message]transport.Filter)
		c.mu.Unlock()
		close(c.closeWriter)
		close(c.send)
	}
}

// ConnectionState implements transport.ClientTransport.
func (c *wsConn) ConnectionState(ctx context.Context) <-chan transport.ConnState {
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

// Publish implements transport.ClientTransport: it enqueues msg.Payload for
// delivery to this connection's peer.
func (c *wsConn) Publish(ctx context.Context, msg transport.Message) error {
	if c.currentState() != transport.Connected {
		return &transport.Error{Op: "publish", Err: errDisconnected}
	}
	c.enqueueOutbound(msg, c.server.bandwidth)
	return nil
}

func (c *wsConn) enqueueOutbound(msg transport.Message, regulator *networking.BandwidthRegulator) {
	payload := []byte(msg.Payload)
	if regulator != nil && !regulator.Allow(c.id, len(payload)) {
		return
	}
	select {
	case c.send <- payload:
	default:
		// send queue full; drop rather than block the broadcaster
	}
}

// Subscribe implements transport.ClientTransport: the returned channel
// yields messages this connection's peer has sent.
func (c *wsConn) Subscribe(ctx context.Context, filter transport.Filter) (<-chan transport.Message, error) {
	ch := make(chan transport.Message, sendQueueCapacity)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, nil
	}
	c.subscribers[ch] = filter
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}()

	return ch, nil
}

func (c *wsConn) deliverInbound(raw string) {
	msg := transport.Message{Payload: raw}

	c.mu.Lock()
	subs := make([]chan transport.Message, 0, len(c.subscribers))
	for ch, filter := range c.subscribers {
		if filter == nil || filter(msg) {
			subs = append(subs, ch)
		}
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
