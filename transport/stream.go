package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcpmux/mcpmux/broker"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
	"github.com/mcpmux/mcpmux/internal/logctx"
	"github.com/mcpmux/mcpmux/service"
)

// DefaultKeepAliveInterval is how often an idle stream emits a comment frame
// to defeat proxy idle timeouts.
const DefaultKeepAliveInterval = 30 * time.Second

// Stream is the push-based event-stream transport. The session identifier is
// assigned synchronously at construction; outbound messages flow through the
// broker namespace owned by the session and are written to the client as SSE
// events. Client-to-server traffic arrives out-of-band via HandlePostedMessage.
type Stream struct {
	log       *slog.Logger
	tenant    string
	sessionID string
	handler   service.SessionHandler
	broker    broker.Broker
	keepAlive time.Duration

	established *signal
	done        *signal
}

// NewStream builds a push-stream transport bound to the given tenant and
// protocol handler. The session identifier is available immediately and
// Established is already closed on return.
func NewStream(tenant string, handler service.SessionHandler, b broker.Broker, keepAlive time.Duration, log *slog.Logger) *Stream {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}
	t := &Stream{
		log:         log,
		tenant:      tenant,
		sessionID:   uuid.NewString(),
		handler:     handler,
		broker:      b,
		keepAlive:   keepAlive,
		established: newSignal(),
		done:        newSignal(),
	}
	t.established.fire()
	return t
}

func (t *Stream) SessionID() string { return t.sessionID }

func (t *Stream) Established() <-chan struct{} { return t.established.wait() }

func (t *Stream) Done() <-chan struct{} { return t.done.wait() }

// Namespace is the broker namespace owned by this session.
func (t *Stream) Namespace() string {
	return t.tenant + "/" + string(KindStream) + "/" + t.sessionID
}

// Close fires the teardown signal and drops the session's broker namespace.
// Safe to call more than once.
func (t *Stream) Close(ctx context.Context) error {
	t.done.fire()
	return t.broker.Cleanup(ctx, t.Namespace())
}

// HandleRequest serves the event stream. It blocks until the client
// disconnects or the transport is closed, then fires Done. The first frame is
// an "endpoint" event advertising where out-of-band messages must be posted.
func (t *Stream) HandleRequest(w http.ResponseWriter, r *http.Request, _ []byte) error {
	defer t.done.fire()

	f, ok := w.(http.Flusher)
	if !ok {
		t.log.ErrorContext(r.Context(), "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-t.done.wait():
			cancel()
		case <-ctx.Done():
		}
	}()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		Tenant:    t.tenant,
		SessionID: t.sessionID,
		Kind:      string(KindStream),
	})

	// The namespace is born with this session and dies with it, so there is
	// never history to resume from; session loss is terminal and the client
	// must re-admit.
	stream, err := t.broker.Subscribe(ctx, t.Namespace(), "")
	if err != nil {
		t.log.ErrorContext(ctx, "stream.subscribe.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	defer stream.Close()

	w.Header().Set(SessionIDHeader, t.sessionID)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Advertise the out-of-band message endpoint, derived from the stream
	// path so the transport stays agnostic of how the router mounted it.
	endpoint := strings.TrimSuffix(r.URL.Path, "/stream") + "/stream-message?sessionId=" + t.sessionID
	if _, err := fmt.Fprintf(wf, "event: endpoint\ndata: %s\n\n", endpoint); err != nil {
		return err
	}
	wf.Flush()

	t.log.InfoContext(ctx, "sse.stream.start")

	for {
		msgCtx, msgCancel := context.WithTimeout(ctx, t.keepAlive)
		env, err := stream.Next(msgCtx)
		msgCancel()

		switch {
		case err == nil:
			if err := writeSSEEvent(wf, env.ID, env.Data); err != nil {
				t.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return nil
			}
			t.log.InfoContext(ctx, "sse.message.deliver")
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := io.WriteString(wf, ": keep-alive\n\n"); err != nil {
				return nil
			}
			wf.Flush()
		case errors.Is(err, io.EOF), ctx.Err() != nil:
			t.log.InfoContext(ctx, "sse.stream.end")
			return nil
		default:
			t.log.ErrorContext(ctx, "stream.next.fail", slog.String("err", err.Error()))
			return err
		}
	}
}

// HandlePostedMessage accepts one out-of-band message. The posting request is
// acknowledged with 202 Accepted; any RPC reply is published to the session's
// broker namespace and delivered over the stream.
func (t *Stream) HandlePostedMessage(w http.ResponseWriter, r *http.Request, body []byte) error {
	ctx := r.Context()

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		writeEnvelope(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(jsonrpc.NullID(), jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message", nil))
		return nil
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		Tenant:    t.tenant,
		SessionID: t.sessionID,
		Kind:      string(KindStream),
	})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	req := msg.AsRequest()
	if req == nil {
		// Responses from the client have no consumer in this core.
		w.WriteHeader(http.StatusAccepted)
		return nil
	}

	res, err := t.handler.Handle(ctx, req)
	if err != nil {
		t.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}

	if res != nil {
		b, err := json.Marshal(res)
		if err != nil {
			t.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			return err
		}
		if _, err := t.broker.Publish(ctx, t.Namespace(), jsonrpc.Message(b)); err != nil {
			t.log.ErrorContext(ctx, "stream.publish.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			return err
		}
	}

	w.WriteHeader(http.StatusAccepted)
	t.log.InfoContext(ctx, "rpc.inbound.ok")
	return nil
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

var (
	_ Transport     = (*Stream)(nil)
	_ MessagePoster = (*Stream)(nil)
)
