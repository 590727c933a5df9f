// Package memory provides an in-memory implementation of the broker.Broker
// interface using Go channels for delivery. It backs single-process
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/mcpmux/mcpmux/broker"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
)

// Broker implements broker.Broker with in-memory channels and storage. It
// provides namespace isolation and ordered delivery within each namespace.
type Broker struct {
	mu           sync.RWMutex
	namespaces   map[string]*namespace
	eventCounter atomic.Int64
}

// namespace is an isolated message log with its subscribers.
type namespace struct {
	mu          sync.RWMutex
	messages    []broker.MessageEnvelope
	subscribers map[*subscription]struct{}
	closed      bool
}

type subscription struct {
	namespace *namespace
	ch        chan broker.MessageEnvelope
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
}

// New creates a memory-backed broker.
func New() *Broker {
	return &Broker{
		namespaces: make(map[string]*namespace),
	}
}

func (b *Broker) getOrCreate(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{
			subscribers: make(map[*subscription]struct{}),
		}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespaceName string, message jsonrpc.Message) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	eventID := strconv.FormatInt(b.eventCounter.Add(1), 10)
	envelope := broker.MessageEnvelope{ID: eventID, Data: []byte(message)}

	ns := b.getOrCreate(namespaceName)

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return "", fmt.Errorf("namespace %q has been cleaned up", namespaceName)
	}

	ns.messages = append(ns.messages, envelope)

	for sub := range ns.subscribers {
		select {
		case sub.ch <- envelope:
		case <-sub.ctx.Done():
			delete(ns.subscribers, sub)
		default:
			// Subscriber buffer full; the message stays in the log and can
			// be replayed via lastEventID after the consumer reconnects.
		}
	}

	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string) (broker.MessageStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ns := b.getOrCreate(namespaceName)

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return nil, fmt.Errorf("namespace %q has been cleaned up", namespaceName)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		namespace: ns,
		ch:        make(chan broker.MessageEnvelope, 100),
		ctx:       subCtx,
		cancel:    cancel,
	}

	ns.subscribers[sub] = struct{}{}

	// Replay history when resuming from a known event ID.
	if lastEventID != "" {
		startIdx := -1
		for i, msg := range ns.messages {
			if msg.ID == lastEventID {
				startIdx = i + 1
				break
			}
		}

		if startIdx >= 0 {
			for i := startIdx; i < len(ns.messages); i++ {
				select {
				case sub.ch <- ns.messages[i]:
				case <-sub.ctx.Done():
					delete(ns.subscribers, sub)
					return nil, sub.ctx.Err()
				}
			}
		}
	}

	return sub, nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	ns, ok := b.namespaces[namespaceName]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.namespaces, namespaceName)
	b.mu.Unlock()

	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.closed = true

	for sub := range ns.subscribers {
		sub.cancel()
		close(sub.ch)
	}

	ns.subscribers = make(map[*subscription]struct{})
	ns.messages = nil

	return nil
}

// Next implements broker.MessageStream.
func (s *subscription) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	if s.closed.Load() {
		return broker.MessageEnvelope{}, io.EOF
	}

	select {
	case msg, ok := <-s.ch:
		if !ok {
			return broker.MessageEnvelope{}, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return broker.MessageEnvelope{}, ctx.Err()
	case <-s.ctx.Done():
		return broker.MessageEnvelope{}, s.ctx.Err()
	}
}

// Close implements broker.MessageStream.
func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.namespace.mu.Lock()
		delete(s.namespace.subscribers, s)
		s.namespace.mu.Unlock()

		s.cancel()
	}
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*subscription)(nil)
)
