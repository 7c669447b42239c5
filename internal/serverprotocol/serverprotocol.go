// Package serverprotocol implements the server side of the wire protocol
// (spec §4.5): a connection supervisor that forks a reader per accepted
// client, a subscription table, and the onCommand/sendResult/publishEvent
// operations bound to a single transport.ServerTransport.
package serverprotocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/eventflow/broker/internal/events"
	"github.com/eventflow/broker/internal/logging"
	"github.com/eventflow/broker/internal/registry"
	"github.com/eventflow/broker/internal/transport"
	"github.com/eventflow/broker/internal/wire"
)

const inboundQueueCapacity = 1024

// Protocol is bound to a single server transport. It owns the inbound
// command queue and the subscription table.
type Protocol struct {
	transport transport.ServerTransport
	log       *logging.Logger

	inbound chan wire.WireCommand

	mu            sync.Mutex
	subscriptions map[string]map[string]struct{} // streamId -> set of clientIds
	clientIndex   map[string]*clientState
}

type clientState struct {
	connection transport.Connection
}

// Option configures a Protocol at construction time.
type Option func(*Protocol)

// WithLogger attaches a structured logger; defaults to logging.L().
func WithLogger(logger *logging.Logger) Option {
	return func(p *Protocol) {
		if logger != nil {
			p.log = logger
		}
	}
}

// New binds a Protocol to transport t and starts the connection supervisor
// described in spec §4.5. ctx bounds the supervisor's lifetime.
func New(ctx context.Context, t transport.ServerTransport, opts ...Option) *Protocol {
	p := &Protocol{
		transport:     t,
		log:           logging.L(),
		inbound:       make(chan wire.WireCommand, inboundQueueCapacity),
		subscriptions: make(map[string]map[string]struct{}),
		clientIndex:   make(map[string]*clientState),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.superviseConnections(ctx)
	return p
}

func (p *Protocol) superviseConnections(ctx context.Context) {
	conns := p.transport.Connections(ctx)
	for conn := range conns {
		p.mu.Lock()
		p.clientIndex[conn.ClientID] = &clientState{connection: conn}
		p.mu.Unlock()
		go p.readConnection(ctx, conn)
	}
}

// readConnection forks a per-connection reader on the connection's transport
// subscription, dispatching each decoded message per spec §4.5.
func (p *Protocol) readConnection(ctx context.Context, conn transport.Connection) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.purgeClient(conn.ClientID)

	inbound, err := conn.Transport.Subscribe(connCtx, nil)
	if err != nil {
		p.log.Error("failed to subscribe to connection", logging.String("client_id", conn.ClientID), logging.Error(err))
		return
	}

	states := conn.Transport.ConnectionState(connCtx)
	go func() {
		for state := range states {
			if state == transport.Disconnected {
				cancel()
				return
			}
		}
	}()

	for msg := range inbound {
		p.handleInboundMessage(conn.ClientID, msg)
	}
}

func (p *Protocol) handleInboundMessage(clientID string, msg transport.Message) {
	raw := []byte(msg.Payload)
	msgType, err := wire.ProbeType(raw)
	if err != nil {
		return
	}

	switch msgType {
	case wire.TypeCommand:
		var env wire.CommandEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		select {
		case p.inbound <- env.AsWireCommand():
		default:
			p.log.Warn("dropping command: inbound queue full", logging.String("client_id", clientID))
		}
	case wire.TypeSubscribe:
		var env wire.SubscribeEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		p.addSubscription(env.StreamID, clientID)
	default:
		// anything else is discarded
	}
}

func (p *Protocol) addSubscription(streamID, clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.subscriptions[streamID]
	if !ok {
		set = make(map[string]struct{})
		p.subscriptions[streamID] = set
	}
	set[clientID] = struct{}{}
}

func (p *Protocol) purgeClient(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clientIndex, clientID)
	for streamID, set := range p.subscriptions {
		delete(set, clientID)
		if len(set) == 0 {
			delete(p.subscriptions, streamID)
		}
	}
}

// OnCommand returns a channel draining the inbound command queue. The
// application's command registry driver reads from it to perform dispatch.
func (p *Protocol) OnCommand() <-chan wire.WireCommand {
	return p.inbound
}

// SendResult encodes commandId's dispatch outcome as a command_result message
// and broadcasts it on the underlying server transport.
func (p *Protocol) SendResult(ctx context.Context, commandID string, result registry.Result) error {
	var envelope wire.ResultEnvelope
	if position, ok := result.Position(); ok {
		envelope = wire.NewSuccessResultEnvelope(commandID, position)
	} else {
		cmdErr, _ := result.Error()
		envelope = wire.NewFailureResultEnvelope(commandID, cmdErr.Error())
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return p.transport.Broadcast(ctx, transport.Message{Type: wire.TypeCommandResult, Payload: string(payload)})
}

// PublishEvent broadcasts evt on streamId to every connected client once at
// least one client is subscribed to streamId; clients discard events for
// streams they did not subscribe to. If no client is subscribed, it does
// nothing.
func (p *Protocol) PublishEvent(ctx context.Context, streamID string, evt events.Event) error {
	p.mu.Lock()
	_, hasSubscribers := p.subscriptions[streamID]
	p.mu.Unlock()
	if !hasSubscribers {
		return nil
	}

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	envelope := wire.NewEventEnvelope(streamID, evt)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return p.transport.Broadcast(ctx, transport.Message{Type: wire.TypeEvent, Payload: string(payload)})
}

// SubscriberCount reports how many distinct clients are subscribed to
// streamId, for metrics and tests.
func (p *Protocol) SubscriberCount(streamID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscriptions[streamID])
}

// SubscriptionCount reports the total number of (stream, client)
// subscription pairs across every stream, for metrics.
func (p *Protocol) SubscriptionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, set := range p.subscriptions {
		total += len(set)
	}
	return total
}

// QueuedCommands reports how many commands are buffered in the inbound
// queue awaiting dispatch, for metrics.
func (p *Protocol) QueuedCommands() int {
	return len(p.inbound)
}
