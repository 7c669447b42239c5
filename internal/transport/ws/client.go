package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/gorilla/websocket"

	"github.com/eventflow/broker/internal/logging"
	"github.com/eventflow/broker/internal/transport"
)

// ClientOption configures a dialed Client.
type ClientOption func(*Client)

// WithClientCompression enables snappy frame compression on this client's
// outbound and expected inbound frames. Must match the server's setting.
func WithClientCompression(enabled bool) ClientOption {
	return func(c *Client) { c.compress = enabled }
}

// WithClientLogger attaches a structured logger; defaults to logging.L().
func WithClientLogger(logger *logging.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// Client is a transport.ClientTransport that dials out to a ws.Server (or
// any compatible WebSocket endpoint).
type Client struct {
	conn     *websocket.Conn
	compress bool
	log      *logging.Logger

	send chan []byte

	mu          sync.Mutex
	state       transport.ConnState
	stateSubs   []chan transport.ConnState
	subscribers map[chan transport.Message]transport.Filter
	closed      bool
}

// Dial connects to the given ws:// or wss:// URL and returns a ready
// transport.ClientTransport.
func Dial(ctx context.Context, url string, header http.Header, opts ...ClientOption) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:        conn,
		log:         logging.L(),
		send:        make(chan []byte, sendQueueCapacity),
		state:       transport.Connected,
		subscribers: make(map[chan transport.Message]transport.Filter),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.setState(transport.Disconnected)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if c.compress && messageType == websocket.BinaryMessage {
			decoded, err := snappy.Decode(nil, data)
			if err != nil {
				c.log.Debug("dropping undecodable compressed frame", logging.Error(err))
				continue
			}
			data = decoded
		}
		c.deliverInbound(string(data))
	}
}

func (c *Client) writeLoop() {
	defer func() { _ = c.conn.Close() }()
	for frame := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		messageType := websocket.TextMessage
		payload := frame
		if c.compress {
			messageType = websocket.BinaryMessage
			payload = snappy.Encode(nil, frame)
		}
		if err := c.conn.WriteMessage(messageType, payload); err != nil {
			return
		}
	}
}

func (c *Client) currentState() transport.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(state transport.ConnState) {
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
		close(c.send)
	}
}

// ConnectionState implements transport.ClientTransport.
func (c *Client) ConnectionState(ctx context.Context) <-chan transport.ConnState {
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

// Publish implements transport.ClientTransport.
func (c *Client) Publish(ctx context.Context, msg transport.Message) error {
	if c.currentState() != transport.Connected {
		return &transport.Error{Op: "publish", Err: errDisconnected}
	}
	select {
	case c.send <- []byte(msg.Payload):
	default:
		// send queue full; drop rather than block the caller
	}
	return nil
}

// Subscribe implements transport.ClientTransport.
func (c *Client) Subscribe(ctx context.Context, filter transport.Filter) (<-chan transport.Message, error) {
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

func (c *Client) deliverInbound(raw string) {
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

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.setState(transport.Disconnected)
	return c.conn.Close()
}
