// Package gateway is the HTTP-facing core of the multiplexer: it resolves a
// tenant key and session identifier for every inbound request, routes hits to
// the owning transport, admits valid handshakes, and rejects everything else
// with a protocol-shaped error envelope. It also owns the single code path
// that removes sessions from the registry when their transport closes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/mcpmux/mcpmux/auth"
	"github.com/mcpmux/mcpmux/broker"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
	"github.com/mcpmux/mcpmux/internal/logctx"
	"github.com/mcpmux/mcpmux/registry"
	"github.com/mcpmux/mcpmux/service"
	"github.com/mcpmux/mcpmux/transport"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	msgMissingTenant  = "Bad Request: Missing tenant key"
	msgNoValidSession = "Bad Request: No valid session ID provided"
	msgNoTransport    = "No transport found for sessionId"
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	modeTag   string
	keepAlive time.Duration
}

// WithLogger sets the slog logger used by the gateway. If not provided,
// slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithModeTag sets the mode tag surfaced by the health endpoint.
func WithModeTag(tag string) Option {
	return func(c *newConfig) { c.modeTag = tag }
}

// WithKeepAliveInterval sets the SSE keep-alive interval for push-stream
// sessions.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// Handler multiplexes the RPC protocol over both transport kinds across many
// tenants and sessions.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	reg       *registry.Registry
	svc       service.Service
	broker    broker.Broker
	authn     auth.TenantAuthenticator
	modeTag   string
	keepAlive time.Duration
}

// New constructs a gateway Handler.
//
// Required:
//   - svc: the protocol engine collaborator
//   - b: the broker backing push-stream delivery
//
// authn may be nil, in which case every non-empty tenant key is accepted.
func New(svc service.Service, b broker.Broker, authn auth.TenantAuthenticator, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, fmt.Errorf("service is required")
	}
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if authn == nil {
		authn = auth.AllowAll{}
	}

	cfg := &newConfig{logger: slog.Default(), modeTag: "local", keepAlive: transport.DefaultKeepAliveInterval}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		reg:       registry.New(),
		svc:       svc,
		broker:    b,
		authn:     authn,
		modeTag:   cfg.modeTag,
		keepAlive: cfg.keepAlive,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /{tenant}/session", h.handlePostSession)
	mux.HandleFunc("GET /{tenant}/session", h.handleGetSession)
	mux.HandleFunc("DELETE /{tenant}/session", h.handleDeleteSession)
	mux.HandleFunc("GET /{tenant}/stream", h.handleGetStream)
	mux.HandleFunc("POST /{tenant}/stream-message", h.handlePostStreamMessage)
	h.mux = mux

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Shutdown drains the registry: every live session is closed through the same
// removal path the reaper uses.
func (h *Handler) Shutdown(ctx context.Context) {
	for _, ent := range h.reg.All() {
		h.closeSession(ctx, ent)
	}
}

// resolveTenant enforces the tenant-key branch of the routing discipline:
// missing/empty keys and keys rejected by the authenticator terminate the
// request before any registry access.
func (h *Handler) resolveTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	ctx := r.Context()

	tenant := r.PathValue("tenant")
	if tenant == "" {
		h.log.WarnContext(ctx, "tenant.missing")
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeMissingTenant, msgMissingTenant)
		return "", false
	}

	if err := h.authn.CheckTenant(ctx, tenant); err != nil {
		h.log.InfoContext(ctx, "tenant.check.fail", slog.String("err", err.Error()))
		status := http.StatusForbidden
		if !errors.Is(err, auth.ErrUnauthorized) {
			status = http.StatusInternalServerError
		}
		writeRPCError(w, status, jsonrpc.ErrorCodeMissingTenant, msgMissingTenant)
		return "", false
	}

	return tenant, true
}

// handleHealth is the liveness probe.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "mode": h.modeTag})
}

// handlePostSession is the streamable-kind request path: forward to the
// session named by the Mcp-Session-Id header, or admit a new session when the
// body is an initialize request and no header was supplied.
func (h *Handler) handlePostSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	tenant, ok := h.resolveTenant(w, r)
	if !ok {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeRPCError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "failed to read request body")
		return
	}

	// Hot path: a header-carried session identifier resolving to a live
	// entry costs exactly one registry lookup.
	if sessID := r.Header.Get(transport.SessionIDHeader); sessID != "" {
		ent, ok := h.reg.Lookup(tenant, sessID, transport.KindStreamable)
		if !ok {
			h.log.InfoContext(ctx, "session.lookup.miss")
			writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeNoValidSession, msgNoValidSession)
			return
		}
		if err := ent.Transport.HandleRequest(w, r, body); err != nil {
			h.log.ErrorContext(ctx, "session.forward.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	// No session identifier: only a valid handshake may proceed.
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		h.log.InfoContext(ctx, "session.initialize.invalid", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeNoValidSession, msgNoValidSession)
		return
	}
	req := msg.AsRequest()
	if req == nil || !h.svc.IsInitialize(req) {
		h.log.InfoContext(ctx, "session.initialize.invalid")
		writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeNoValidSession, msgNoValidSession)
		return
	}

	h.admitStreamable(w, r, tenant, body)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// admitStreamable creates a streamable transport and its bound handler, then
// forwards the triggering request as the transport's first handled request.
// The session identifier is finalized during that forward; insertion is
// deferred until the transport's Established signal, which is drained before
// the (still buffered) handshake response is released to the caller.
func (h *Handler) admitStreamable(w http.ResponseWriter, r *http.Request, tenant string, body []byte) {
	ctx := r.Context()

	handler, err := h.svc.NewSession(ctx, tenant)
	if err != nil {
		h.log.ErrorContext(ctx, "session.bind.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to initialize session")
		return
	}

	tr := transport.NewStreamable(tenant, handler, h.log)

	if err := tr.HandleRequest(w, r, body); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
	}

	select {
	case <-tr.Established():
	default:
		// The handshake never finalized an identifier (the transport already
		// wrote an error reply); release the handler without touching the
		// registry.
		_ = handler.Close(ctx)
		return
	}

	ent := &registry.Entry{
		Tenant:    tenant,
		SessionID: tr.SessionID(),
		Kind:      transport.KindStreamable,
		Transport: tr,
		Handler:   handler,
	}
	if err := h.reg.Insert(tenant, ent.SessionID, ent.Kind, ent); err != nil {
		// Duplicate inserts cannot happen given the router's branch order;
		// treat as fatal for this session and say so loudly.
		h.log.ErrorContext(ctx, "registry.insert.fail", slog.String("err", err.Error()), slog.String("session_id", ent.SessionID))
		_ = tr.Close(ctx)
		_ = handler.Close(ctx)
		return
	}

	h.log.InfoContext(ctx, "session.admit.ok", slog.String("session_id", ent.SessionID), slog.String("kind", string(ent.Kind)))
	go h.watch(ent)
}

// handleGetSession reports the status of an existing streamable session. It
// never admits: a missing or unknown identifier is an immediate rejection.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, ok := h.resolveTenant(w, r)
	if !ok {
		return
	}

	sessID := r.Header.Get(transport.SessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "session.id.missing")
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeNoValidSession, msgNoValidSession)
		return
	}

	ent, ok := h.reg.Lookup(tenant, sessID, transport.KindStreamable)
	if !ok {
		h.log.InfoContext(ctx, "session.lookup.miss")
		writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeNoValidSession, msgNoValidSession)
		return
	}

	w.Header().Set(transport.SessionIDHeader, ent.SessionID)
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"sessionId": ent.SessionID,
		"kind":      string(ent.Kind),
		"state":     "open",
	})
}

// handleDeleteSession terminates an existing streamable session. Termination
// routes through the same closeSession path the reaper uses.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	tenant, ok := h.resolveTenant(w, r)
	if !ok {
		return
	}

	sessID := r.Header.Get(transport.SessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "session.id.missing")
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeNoValidSession, msgNoValidSession)
		return
	}

	ent, ok := h.reg.Lookup(tenant, sessID, transport.KindStreamable)
	if !ok {
		h.log.InfoContext(ctx, "session.delete.miss")
		writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeNoValidSession, msgNoValidSession)
		return
	}

	h.closeSession(ctx, ent)

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetStream admits a push-stream session. Any request to this endpoint
// for a valid tenant is admissible; the identifier and handler are bound
// synchronously, so registration happens before the stream starts flowing.
func (h *Handler) handleGetStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.stream.start")

	tenant, ok := h.resolveTenant(w, r)
	if !ok {
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	handler, err := h.svc.NewSession(ctx, tenant)
	if err != nil {
		h.log.ErrorContext(ctx, "session.bind.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to open stream session")
		return
	}

	tr := transport.NewStream(tenant, handler, h.broker, h.keepAlive, h.log)

	ent := &registry.Entry{
		Tenant:    tenant,
		SessionID: tr.SessionID(),
		Kind:      transport.KindStream,
		Transport: tr,
		Handler:   handler,
	}
	if err := h.reg.Insert(tenant, ent.SessionID, ent.Kind, ent); err != nil {
		h.log.ErrorContext(ctx, "registry.insert.fail", slog.String("err", err.Error()), slog.String("session_id", ent.SessionID))
		_ = tr.Close(ctx)
		_ = handler.Close(ctx)
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to open stream session")
		return
	}

	h.log.InfoContext(ctx, "session.admit.ok", slog.String("session_id", ent.SessionID), slog.String("kind", string(ent.Kind)))
	go h.watch(ent)

	// Blocks until client disconnect or explicit termination; teardown runs
	// through the watcher when the transport fires Done.
	if err := tr.HandleRequest(w, r, nil); err != nil {
		h.log.ErrorContext(ctx, "stream.serve.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "http.stream.end", slog.Duration("dur", time.Since(start)))
}

// handlePostStreamMessage delivers an out-of-band message to an existing
// push-stream session named by a query-carried identifier. It never admits.
func (h *Handler) handlePostStreamMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, ok := h.resolveTenant(w, r)
	if !ok {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeRPCError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
		return
	}

	sessID := r.URL.Query().Get("sessionId")
	if sessID == "" {
		h.log.WarnContext(ctx, "session.id.missing")
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeNoValidSession, msgNoValidSession)
		return
	}

	ent, ok := h.reg.Lookup(tenant, sessID, transport.KindStream)
	if !ok {
		h.log.InfoContext(ctx, "session.lookup.miss")
		writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeNoValidSession, msgNoTransport)
		return
	}

	poster, ok := ent.Transport.(transport.MessagePoster)
	if !ok {
		h.log.ErrorContext(ctx, "stream.poster.missing", slog.String("session_id", sessID))
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "transport does not accept posted messages")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "failed to read request body")
		return
	}

	if err := poster.HandlePostedMessage(w, r, body); err != nil {
		h.log.ErrorContext(ctx, "stream.message.fail", slog.String("err", err.Error()))
	}
}

// watch is the lifecycle reaper for one session: it waits for the transport's
// one-shot close signal and funnels teardown into closeSession.
func (h *Handler) watch(ent *registry.Entry) {
	<-ent.Transport.Done()
	h.closeSession(context.Background(), ent)
}

// closeSession is the only code path that removes entries from the registry.
// Remove reports whether this call won the removal, so the transport and
// handler are released exactly once even when an explicit termination races
// the close-signal watcher.
func (h *Handler) closeSession(ctx context.Context, ent *registry.Entry) {
	if !h.reg.Remove(ent.Tenant, ent.SessionID, ent.Kind) {
		return
	}

	if err := ent.Transport.Close(ctx); err != nil {
		h.log.WarnContext(ctx, "transport.close.fail", slog.String("err", err.Error()))
	}
	if err := ent.Handler.Close(ctx); err != nil {
		h.log.WarnContext(ctx, "handler.close.fail", slog.String("err", err.Error()))
	}

	h.log.InfoContext(ctx, "session.close",
		slog.String("tenant", ent.Tenant),
		slog.String("session_id", ent.SessionID),
		slog.String("kind", string(ent.Kind)),
	)
}

// writeRPCError emits the structured rejection envelope: a versioned JSON-RPC
// error object with a null correlation identifier.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(jsonrpc.NullID(), code, msg, nil))
}
