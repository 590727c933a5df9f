package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/mcpmux/mcpmux/internal/jsonrpc"
	"github.com/mcpmux/mcpmux/internal/logctx"
	"github.com/mcpmux/mcpmux/service"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Streamable is the request/response transport. Each inbound POST carries one
// JSON-RPC message; replies are written on the same response channel, either
// as plain JSON or as a one-shot SSE body when the client asks for it.
//
// The session identifier is not known at construction: it is generated while
// the initialize exchange is being handled and announced via Established.
type Streamable struct {
	log     *slog.Logger
	tenant  string
	handler service.SessionHandler

	mu        sync.Mutex
	sessionID string

	established *signal
	done        *signal
}

// NewStreamable builds a streamable transport bound to the given tenant and
// protocol handler. The handler is owned by this transport for its lifetime.
func NewStreamable(tenant string, handler service.SessionHandler, log *slog.Logger) *Streamable {
	return &Streamable{
		log:         log,
		tenant:      tenant,
		handler:     handler,
		established: newSignal(),
		done:        newSignal(),
	}
}

func (t *Streamable) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *Streamable) Established() <-chan struct{} { return t.established.wait() }

func (t *Streamable) Done() <-chan struct{} { return t.done.wait() }

// Close fires the teardown signal. Safe to call more than once; the second
// and later calls are no-ops.
func (t *Streamable) Close(ctx context.Context) error {
	t.done.fire()
	return nil
}

// HandleRequest processes one JSON-RPC message. The first correlated request
// handled by a fresh transport is the handshake: it finalizes the session
// identifier and fires Established before the protocol handler runs, so
// registration can proceed while the reply is still buffered. Notifications
// arriving before establishment are rejected rather than minting a session.
func (t *Streamable) HandleRequest(w http.ResponseWriter, r *http.Request, body []byte) error {
	ctx := r.Context()

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		writeEnvelope(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(jsonrpc.NullID(), jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message", nil))
		return nil
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	req := msg.AsRequest()
	if req == nil {
		// Client-to-server responses have no consumer in this core; ack and
		// drop.
		w.WriteHeader(http.StatusAccepted)
		return nil
	}

	handshake := false
	t.mu.Lock()
	if t.sessionID == "" {
		// Only a correlated request can be the handshake; a notification
		// must not mint a session identifier.
		if req.IsNotification() {
			t.mu.Unlock()
			t.log.WarnContext(ctx, "session.handshake.invalid")
			writeEnvelope(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(jsonrpc.NullID(), jsonrpc.ErrorCodeInvalidRequest, "session not established", nil))
			return nil
		}
		t.sessionID = uuid.NewString()
		handshake = true
	}
	sessID := t.sessionID
	t.mu.Unlock()
	if handshake {
		t.established.fire()
	}

	w.Header().Set(SessionIDHeader, sessID)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		Tenant:    t.tenant,
		SessionID: sessID,
		Kind:      string(KindStreamable),
	})

	if req.IsNotification() {
		if _, err := t.handler.Handle(ctx, req); err != nil {
			t.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			return err
		}
		w.WriteHeader(http.StatusAccepted)
		t.log.InfoContext(ctx, "notification.inbound.ok")
		return nil
	}

	res, err := t.handler.Handle(ctx, req)
	if err != nil {
		t.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	if res == nil {
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "no response produced", nil)
	}

	b, err := json.Marshal(res)
	if err != nil {
		t.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}

	// The handshake reply is always plain JSON so it stays buffered until
	// the admission path has registered the session. Subsequent requests may
	// opt into a one-shot SSE body.
	if !handshake && acceptsEventStream(r) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.log.ErrorContext(ctx, "sse.flusher.missing")
			w.WriteHeader(http.StatusInternalServerError)
			return nil
		}
		wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
		w.Header().Set("Content-Type", eventStreamMediaType.String())
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		wf.Flush()
		if err := writeSSEEvent(wf, "", b); err != nil {
			t.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		t.log.InfoContext(ctx, "rpc.inbound.ok")
		return nil
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		t.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return err
	}
	t.log.InfoContext(ctx, "rpc.inbound.ok")
	return nil
}

// acceptsEventStream reports whether the request explicitly accepts
// text/event-stream. An absent Accept header selects the JSON reply path.
func acceptsEventStream(r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

// writeEnvelope writes a JSON-RPC envelope with the given HTTP status.
func writeEnvelope(w http.ResponseWriter, status int, res *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

var _ Transport = (*Streamable)(nil)
