// Package service defines the boundary between the session multiplexer and
// the RPC protocol engine it routes traffic to. The gateway never interprets
// protocol methods itself; it asks the Service whether a session-less request
// is a handshake and binds one SessionHandler per admitted session.
package service

import (
	"context"

	"github.com/mcpmux/mcpmux/internal/jsonrpc"
)

// Service is the protocol engine collaborator. Implementations must be safe
// for concurrent use: sessions for many tenants are admitted concurrently.
type Service interface {
	// IsInitialize reports whether the request is a valid "begin session"
	// handshake. The gateway consults it only for requests that carry no
	// session identifier.
	IsInitialize(req *jsonrpc.Request) bool

	// NewSession binds a fresh handler scoped to the given tenant. The
	// returned handler is owned by exactly one transport for its lifetime.
	NewSession(ctx context.Context, tenant string) (SessionHandler, error)
}

// SessionHandler processes protocol traffic for a single session. Calls are
// serialized per session by the routing discipline; implementations do not
// need their own request-level locking unless they share state across
// sessions.
type SessionHandler interface {
	// Handle processes one request or notification. For notifications
	// (requests without an ID) the returned response is nil.
	Handle(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)

	// Close releases any resources bound to the session. It is called
	// exactly once, after the session's transport has been torn down.
	Close(ctx context.Context) error
}
