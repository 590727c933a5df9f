// Package transport implements the two wire transports the multiplexer
// routes to: a streamable request/response transport and a push-based
// event-stream transport. Both are presented to the router behind the same
// Transport capability with uniform one-shot establishment and close
// signals, so the router only ever chooses which concrete kind to build.
package transport

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// Kind discriminates the two supported delivery mechanisms.
type Kind string

const (
	// KindStreamable is the request/response transport. Its session
	// identifier is finalized during the initialize exchange.
	KindStreamable Kind = "streamable"
	// KindStream is the push-based event-stream transport. Its session
	// identifier is assigned synchronously at construction.
	KindStream Kind = "stream"
)

// SessionIDHeader carries the session identifier on the streamable kind's
// request/response exchanges. Go matches header names case-insensitively.
const SessionIDHeader = "Mcp-Session-Id"

// Transport is the capability the router requires from a wire transport.
type Transport interface {
	// SessionID returns the session identifier, or "" while a streamable
	// handshake is still pending.
	SessionID() string

	// Established is closed exactly once, when the session identifier is
	// finalized. For the stream kind it is closed at construction.
	Established() <-chan struct{}

	// Done is closed exactly once, at teardown, whether caller-initiated,
	// on network failure, or via explicit termination.
	Done() <-chan struct{}

	// HandleRequest processes one unit of protocol traffic arriving on the
	// transport's primary channel, writing the reply (or stream) to w.
	HandleRequest(w http.ResponseWriter, r *http.Request, body []byte) error

	// Close tears the transport down. Safe to call more than once.
	Close(ctx context.Context) error
}

// MessagePoster is implemented by push-stream transports that accept
// out-of-band client-to-server messages via a side channel.
type MessagePoster interface {
	// HandlePostedMessage accepts one posted message; the RPC reply is
	// delivered over the stream, not the posting request.
	HandlePostedMessage(w http.ResponseWriter, r *http.Request, body []byte) error
}

// signal is a one-shot notification: a channel closed at most once.
type signal struct {
	ch   chan struct{}
	once sync.Once
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) fire() {
	s.once.Do(func() { close(s.ch) })
}

func (s *signal) wait() <-chan struct{} {
	return s.ch
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}
