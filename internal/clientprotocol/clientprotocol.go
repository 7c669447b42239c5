// Package clientprotocol implements the client side of the wire protocol
// (spec §4.4): sendCommand with a fixed deadline and per-stream event
// subscriptions, bound to a single transport.ClientTransport.
package clientprotocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventflow/broker/internal/events"
	"github.com/eventflow/broker/internal/logging"
	"github.com/eventflow/broker/internal/registry"
	"github.com/eventflow/broker/internal/transport"
	"github.com/eventflow/broker/internal/wire"
)

// DefaultTimeout is sendCommand's fixed deadline per spec §4.4.
const DefaultTimeout = 10 * time.Second

// TimeoutError is returned by SendCommand when no result arrives within the
// configured deadline.
type TimeoutError struct {
	CommandID string
	TimeoutMs int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %dms", e.CommandID, e.TimeoutMs)
}

// Protocol is bound to a single client transport. It owns two private
// tables: pending completions keyed by commandId, and subscriptions keyed by
// streamId.
type Protocol struct {
	transport transport.ClientTransport
	timeout   time.Duration
	log       *logging.Logger

	mu            sync.Mutex
	pending       map[string]chan registry.Result
	subscriptions map[string]*unboundedEventQueue
}

// Option configures a Protocol at construction time.
type Option func(*Protocol)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger attaches a structured logger; defaults to logging.L().
func WithLogger(logger *logging.Logger) Option {
	return func(p *Protocol) {
		if logger != nil {
			p.log = logger
		}
	}
}

// New binds a Protocol to transport t and attaches the long-lived reader
// described in spec §4.4. ctx bounds the reader's lifetime.
func New(ctx context.Context, t transport.ClientTransport, opts ...Option) (*Protocol, error) {
	p := &Protocol{
		transport:     t,
		timeout:       DefaultTimeout,
		log:           logging.L(),
		pending:       make(map[string]chan registry.Result),
		subscriptions: make(map[string]*unboundedEventQueue),
	}
	for _, opt := range opts {
		opt(p)
	}

	inbound, err := t.Subscribe(ctx, nil)
	if err != nil {
		return nil, err
	}
	go p.readLoop(inbound)
	return p, nil
}

// readLoop decodes every inbound message and dispatches it per spec §4.4.
// It never terminates on malformed input.
func (p *Protocol) readLoop(inbound <-chan transport.Message) {
	for msg := range inbound {
		raw := []byte(msg.Payload)
		msgType, err := wire.ProbeType(raw)
		if err != nil {
			p.log.Debug("dropping message with no type field", logging.Error(err))
			continue
		}

		switch msgType {
		case wire.TypeCommandResult:
			var env wire.ResultEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				p.log.Debug("dropping malformed command_result", logging.Error(err))
				continue
			}
			p.completeCommand(env)
		case wire.TypeEvent:
			var env wire.EventEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				p.log.Debug("dropping malformed event", logging.Error(err))
				continue
			}
			p.deliverEvent(env)
		default:
			p.log.Debug("dropping message of unknown type", logging.String("type", msgType))
		}
	}
}

func (p *Protocol) completeCommand(env wire.ResultEnvelope) {
	p.mu.Lock()
	slot, ok := p.pending[env.CommandID]
	if ok {
		delete(p.pending, env.CommandID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if env.Success {
		if env.Position == nil {
			// position missing from an otherwise successful result: put the
			// slot back so the caller still times out rather than hangs
			// forever on a channel nobody will ever write to again.
			p.mu.Lock()
			p.pending[env.CommandID] = slot
			p.mu.Unlock()
			return
		}
		slot <- registry.Success(*env.Position)
		return
	}

	if env.Error == "" {
		p.mu.Lock()
		p.pending[env.CommandID] = slot
		p.mu.Unlock()
		return
	}
	slot <- registry.Failure(registry.UnknownError(env.CommandID, env.Error))
}

func (p *Protocol) deliverEvent(env wire.EventEnvelope) {
	p.mu.Lock()
	queue, ok := p.subscriptions[env.StreamID]
	p.mu.Unlock()
	if !ok {
		return
	}

	evt := events.Event{
		Position:  env.Position,
		Type:      env.EventType,
		Data:      env.Data,
		Timestamp: env.Timestamp,
	}
	queue.push(evt)
}

// SendCommand publishes cmd and awaits its result with a fixed deadline. If
// cmd.ID is empty, a fresh id is generated.
func (p *Protocol) SendCommand(ctx context.Context, cmd wire.WireCommand) (registry.Result, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	slot := make(chan registry.Result, 1)
	p.mu.Lock()
	p.pending[cmd.ID] = slot
	p.mu.Unlock()

	cleanup := func() {
		p.mu.Lock()
		delete(p.pending, cmd.ID)
		p.mu.Unlock()
	}

	envelope := wire.NewCommandEnvelope(cmd)
	payload, err := json.Marshal(envelope)
	if err != nil {
		cleanup()
		return registry.Result{}, err
	}

	if err := p.transport.Publish(ctx, transport.Message{ID: cmd.ID, Type: wire.TypeCommand, Payload: string(payload)}); err != nil {
		cleanup()
		return registry.Result{}, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case result := <-slot:
		return result, nil
	case <-timer.C:
		cleanup()
		return registry.Result{}, &TimeoutError{CommandID: cmd.ID, TimeoutMs: p.timeout.Milliseconds()}
	case <-ctx.Done():
		cleanup()
		return registry.Result{}, ctx.Err()
	}
}

// Subscribe installs a subscription for streamId and returns a channel of
// its events. Per spec §4.4, the subscription queue is unbounded: a slow
// consumer never causes an event to be dropped, it only delays delivery. The
// caller must cancel ctx to release the subscription.
func (p *Protocol) Subscribe(ctx context.Context, streamID string) (<-chan events.Event, error) {
	queue := newUnboundedEventQueue()

	p.mu.Lock()
	p.subscriptions[streamID] = queue
	p.mu.Unlock()

	envelope := wire.NewSubscribeEnvelope(streamID)
	payload, err := json.Marshal(envelope)
	if err != nil {
		p.mu.Lock()
		delete(p.subscriptions, streamID)
		p.mu.Unlock()
		queue.close()
		return nil, err
	}

	if err := p.transport.Publish(ctx, transport.Message{Type: wire.TypeSubscribe, Payload: string(payload)}); err != nil {
		p.mu.Lock()
		delete(p.subscriptions, streamID)
		p.mu.Unlock()
		queue.close()
		return nil, err
	}

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		if existing, ok := p.subscriptions[streamID]; ok && existing == queue {
			delete(p.subscriptions, streamID)
		}
		p.mu.Unlock()
		queue.close()
	}()

	return queue.events(), nil
}

// unboundedEventQueue decouples a slow consumer from the protocol's reader
// goroutine: push never blocks and never drops, it only appends under a
// mutex. A single pump goroutine drains the backlog onto an unbuffered
// output channel, so a stalled consumer backs up the queue's own buffer
// rather than the transport's reader or the event ever being lost.
type unboundedEventQueue struct {
	mu     sync.Mutex
	buf    []events.Event
	signal chan struct{}
	out    chan events.Event
	done   chan struct{}
	closed sync.Once
}

func newUnboundedEventQueue() *unboundedEventQueue {
	q := &unboundedEventQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan events.Event),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *unboundedEventQueue) push(evt events.Event) {
	q.mu.Lock()
	q.buf = append(q.buf, evt)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *unboundedEventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.buf) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
			case <-q.done:
				return
			}
			q.mu.Lock()
		}
		evt := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- evt:
		case <-q.done:
			return
		}
	}
}

func (q *unboundedEventQueue) events() <-chan events.Event { return q.out }

// close stops the pump goroutine. Safe to call more than once.
func (q *unboundedEventQueue) close() {
	q.closed.Do(func() { close(q.done) })
}
