// Package ws implements the WebSocket transport.ServerTransport/ClientTransport
// pair: the production transport for the broker, built on gorilla/websocket.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eventflow/broker/internal/auth"
	"github.com/eventflow/broker/internal/logging"
	"github.com/eventflow/broker/internal/networking"
	"github.com/eventflow/broker/internal/transport"
)

// localHosts are always permitted as WebSocket origins for local development,
// regardless of the configured allowlist.
var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// buildOriginChecker returns a gorilla/websocket CheckOrigin function that
// allows local development origins plus any origin in allowlist.
func buildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	if logger == nil {
		logger = logging.L()
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return false
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			logger.Warn("rejecting request with invalid origin", logging.String("origin", originHeader), logging.Error(err))
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		if _, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]; ok {
			return true
		}
		logger.Warn("rejecting request from disallowed origin", logging.String("origin", originHeader))
		return false
	}
}

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
)

var errDisconnected = errors.New("connection is not connected")

// Authenticator maps an incoming upgrade request to a client identity. An
// empty identity makes the server assign a generated one. AllowAll, the
// no-auth default, accepts every request with an empty identity.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AllowAll is the permissive Authenticator used when BROKER_WS_AUTH_MODE=none.
type AllowAll struct{}

// Authenticate implements Authenticator.
func (AllowAll) Authenticate(*http.Request) (string, error) { return "", nil }

// JWTAuthenticator validates a bearer token carried either as ?auth_token= or
// an X-Auth-Token header, per the teacher's own websocket_auth.go shape.
type JWTAuthenticator struct {
	verifier *auth.JWTVerifier
}

// NewJWTAuthenticator constructs an Authenticator backed by the given secret.
func NewJWTAuthenticator(secret string) (Authenticator, error) {
	verifier, err := auth.NewJWTVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &JWTAuthenticator{verifier: verifier}, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithAuthenticator overrides the default AllowAll authenticator.
func WithAuthenticator(authenticator Authenticator) ServerOption {
	return func(s *Server) {
		if authenticator != nil {
			s.authenticator = authenticator
		}
	}
}

// WithBandwidthRegulator attaches a per-client broadcast throughput budget.
func WithBandwidthRegulator(regulator *networking.BandwidthRegulator) ServerOption {
	return func(s *Server) { s.bandwidth = regulator }
}

// WithCompression enables snappy frame compression on outbound messages.
func WithCompression(enabled bool) ServerOption {
	return func(s *Server) { s.compress = enabled }
}

// WithMaxPayloadBytes bounds inbound frame size. Zero disables the limit.
func WithMaxPayloadBytes(n int64) ServerOption {
	return func(s *Server) { s.maxPayloadBytes = n }
}

// WithPingInterval overrides the keepalive ping cadence.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithMaxClients bounds concurrent connections. Zero disables the limit.
func WithMaxClients(n int) ServerOption {
	return func(s *Server) { s.maxClients = n }
}

// WithLogger attaches a structured logger; defaults to logging.L().
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithAllowedOrigins restricts WebSocket upgrades to the given origin
// allowlist, always permitting localhost for local development.
func WithAllowedOrigins(origins []string, logger *logging.Logger) ServerOption {
	return func(s *Server) {
		s.upgrader.CheckOrigin = buildOriginChecker(logger, origins)
	}
}

// Server is a transport.ServerTransport backed by an HTTP upgrade handler.
// Construct with NewServer and mount Handler on an *http.ServeMux.
type Server struct {
	upgrader websocket.Upgrader

	authenticator   Authenticator
	bandwidth       *networking.BandwidthRegulator
	compress        bool
	maxPayloadBytes int64
	pingInterval    time.Duration
	maxClients      int
	log             *logging.Logger

	mu      sync.Mutex
	clients map[*wsConn]struct{}
	conns   chan transport.Connection
	closed  bool
}

// NewServer constructs a Server ready to have Handler mounted.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		authenticator: AllowAll{},
		pingInterval:  30 * time.Second,
		log:           logging.L(),
		clients:       make(map[*wsConn]struct{}),
		conns:         make(chan transport.Connection, 16),
		upgrader:      websocket.Upgrader{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
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
// currently connected client's send queue. A client whose bandwidth budget
// is exhausted, or whose send queue is full, is skipped for this message
// rather than allowed to block the others.
func (s *Server) Broadcast(ctx context.Context, msg transport.Message) error {
	s.mu.Lock()
	targets := make([]*wsConn, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.enqueueOutbound(msg, s.bandwidth)
	}
	return nil
}

// Handler upgrades an incoming HTTP request to a WebSocket connection and
// registers it as a new client connection.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.maxClients > 0 && len(s.clients) >= s.maxClients {
			s.mu.Unlock()
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		s.mu.Unlock()

		clientID, err := s.authenticator.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if clientID == "" {
			clientID = uuid.NewString()
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error("websocket upgrade failed", logging.Error(err))
			return
		}

		c := newWSConn(clientID, conn, s)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		if s.maxPayloadBytes > 0 {
			conn.SetReadLimit(s.maxPayloadBytes)
		}

		waitDuration := time.Duration(pongWaitMultiplier) * s.pingInterval
		if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			s.log.Error("failed to set initial read deadline", logging.Error(err))
			s.deregister(c)
			_ = conn.Close()
			return
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(waitDuration))
		})

		c.setState(transport.Connected)
		s.conns <- transport.Connection{ClientID: clientID, Transport: c}

		go s.readLoop(c, waitDuration)
		go s.writeLoop(c)
	}
}

func (s *Server) readLoop(c *wsConn, waitDuration time.Duration) {
	defer func() {
		s.deregister(c)
		c.setState(transport.Disconnected)
		_ = c.conn.Close()
	}()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.logger().Warn("read deadline exceeded", logging.Error(err))
			} else if websocket.IsCloseError(err, websocket.CloseMessageTooBig) || errors.Is(err, websocket.ErrReadLimit) {
				c.logger().Warn("closing connection due to oversized payload", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger().Warn("unexpected websocket close", logging.Error(err))
			} else {
				c.logger().Debug("read error", logging.Error(err))
			}
			return
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			c.logger().Error("failed to extend read deadline", logging.Error(err))
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if s.compress && messageType == websocket.BinaryMessage {
			decoded, err := snappy.Decode(nil, data)
			if err != nil {
				c.logger().Debug("dropping undecodable compressed frame", logging.Error(err))
				continue
			}
			data = decoded
		}

		c.deliverInbound(string(data))
	}
}

func (s *Server) writeLoop(c *wsConn) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger().Error("failed to set write deadline", logging.Error(err))
				s.deregister(c)
				return
			}
			messageType := websocket.TextMessage
			payload := frame
			if s.compress {
				messageType = websocket.BinaryMessage
				payload = snappy.Encode(nil, frame)
			}
			if err := c.conn.WriteMessage(messageType, payload); err != nil {
				c.logger().Error("write error", logging.Error(err))
				s.deregister(c)
				return
			}
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				c.logger().Warn("ping failure", logging.Error(err))
				s.deregister(c)
				return
			}
		case <-c.closeWriter:
			return
		}
	}
}

func (s *Server) deregister(c *wsConn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	if s.bandwidth != nil {
		s.bandwidth.Forget(c.id)
	}
}

// ClientCount reports the number of currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close tears down every active connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*wsConn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*wsConn]struct{})
	close(s.conns)
	s.mu.Unlock()

	for _, c := range clients {
		c.setState(transport.Disconnected)
		_ = c.conn.Close()
	}
}
