package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcpmux/mcpmux/auth"
	"github.com/mcpmux/mcpmux/broker/memory"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
	"github.com/mcpmux/mcpmux/service/echoservice"
	"github.com/mcpmux/mcpmux/transport"
)

func newTestHandler(t *testing.T, authn auth.TenantAuthenticator) (*Handler, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	h, err := New(echoservice.New(log), memory.New(), authn, WithLogger(log))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, srv
}

func postJSON(t *testing.T, client *http.Client, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(transport.SessionIDHeader, sessionID)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return res
}

func decodeEnvelope(t *testing.T, res *http.Response) (*jsonrpc.Response, string) {
	t.Helper()
	raw, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var env jsonrpc.Response
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope from %q: %v", raw, err)
	}
	return &env, string(raw)
}

func initialize(t *testing.T, client *http.Client, base, tenant string) string {
	t.Helper()
	res := postJSON(t, client, base+"/"+tenant+"/session", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initialize status: got %d", res.StatusCode)
	}
	sessID := res.Header.Get(transport.SessionIDHeader)
	if sessID == "" {
		t.Fatal("initialize reply must carry the session identifier header")
	}
	env, _ := decodeEnvelope(t, res)
	if env.Error != nil {
		t.Fatalf("initialize error: %v", env.Error)
	}
	return sessID
}

func TestGateway_Health(t *testing.T) {
	_, srv := newTestHandler(t, nil)

	res, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", res.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body: got %v", body)
	}
}

func TestGateway_StreamableLifecycle(t *testing.T) {
	h, srv := newTestHandler(t, nil)
	client := srv.Client()

	// Handshake admits the session; the identifier is usable immediately.
	sessID := initialize(t, client, srv.URL, "acme")
	if got := h.reg.Count(transport.KindStreamable); got != 1 {
		t.Fatalf("registered sessions: got %d, want 1", got)
	}

	// Status probe.
	req, _ := http.NewRequest("GET", srv.URL+"/acme/session", nil)
	req.Header.Set(transport.SessionIDHeader, sessID)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	var status map[string]string
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	res.Body.Close()
	if status["sessionId"] != sessID || status["state"] != "open" {
		t.Fatalf("status body: got %v", status)
	}

	// Header-routed RPC reaches the same session's handler.
	res = postJSON(t, client, srv.URL+"/acme/session", sessID, `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"message":"hi"}}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("echo status: got %d", res.StatusCode)
	}
	env, _ := decodeEnvelope(t, res)
	if env.Error != nil {
		t.Fatalf("echo error: %v", env.Error)
	}
	var echoRes echoservice.EchoResult
	if err := json.Unmarshal(env.Result, &echoRes); err != nil {
		t.Fatalf("decode echo result: %v", err)
	}
	if echoRes.Message != "hi" || echoRes.Tenant != "acme" {
		t.Fatalf("echo result: got %+v", echoRes)
	}

	// Termination.
	req, _ = http.NewRequest("DELETE", srv.URL+"/acme/session", nil)
	req.Header.Set(transport.SessionIDHeader, sessID)
	res, err = client.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status: got %d", res.StatusCode)
	}
	if got := h.reg.Count(transport.KindStreamable); got != 0 {
		t.Fatalf("sessions after delete: got %d, want 0", got)
	}

	// The identifier is dead: every route rejects it identically.
	res = postJSON(t, client, srv.URL+"/acme/session", sessID, `{"jsonrpc":"2.0","id":3,"method":"echo","params":{"message":"hi"}}`)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("post after delete: got %d, want 404", res.StatusCode)
	}
	env, raw := decodeEnvelope(t, res)
	if env.Error == nil || env.Error.Code != jsonrpc.ErrorCodeNoValidSession {
		t.Fatalf("want no-valid-session error, got %q", raw)
	}
	if env.Error.Message != "Bad Request: No valid session ID provided" {
		t.Fatalf("error message: got %q", env.Error.Message)
	}
	if !strings.Contains(raw, `"id":null`) {
		t.Fatalf("rejection envelope must carry a null id, got %q", raw)
	}

	// A second DELETE is a miss, not a double teardown.
	req, _ = http.NewRequest("DELETE", srv.URL+"/acme/session", nil)
	req.Header.Set(transport.SessionIDHeader, sessID)
	res, err = client.Do(req)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status: got %d, want 404", res.StatusCode)
	}
}

func TestGateway_UnknownSessionNeverAdmits(t *testing.T) {
	h, srv := newTestHandler(t, nil)
	client := srv.Client()

	// A forged identifier is rejected even when the body is a valid
	// handshake, and leaves no state behind.
	res := postJSON(t, client, srv.URL+"/acme/session", "forged-id", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", res.StatusCode)
	}
	env, _ := decodeEnvelope(t, res)
	if env.Error == nil || env.Error.Code != jsonrpc.ErrorCodeNoValidSession {
		t.Fatalf("want no-valid-session error, got %v", env.Error)
	}
	if got := h.reg.Count(transport.KindStreamable); got != 0 {
		t.Fatalf("forged identifier must not create state, got %d sessions", got)
	}
}

func TestGateway_NonInitializeWithoutSessionRejected(t *testing.T) {
	h, srv := newTestHandler(t, nil)

	res := postJSON(t, srv.Client(), srv.URL+"/acme/session", "", `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"message":"hi"}}`)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", res.StatusCode)
	}
	env, _ := decodeEnvelope(t, res)
	if env.Error == nil || env.Error.Code != jsonrpc.ErrorCodeNoValidSession {
		t.Fatalf("want no-valid-session error, got %v", env.Error)
	}
	if got := h.reg.Count(transport.KindStreamable); got != 0 {
		t.Fatalf("rejection must not create state, got %d sessions", got)
	}
}

func TestGateway_MalformedBodyWithoutSessionRejected(t *testing.T) {
	_, srv := newTestHandler(t, nil)

	res := postJSON(t, srv.Client(), srv.URL+"/acme/session", "", `{not json`)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", res.StatusCode)
	}
}

func TestGateway_UnsupportedContentType(t *testing.T) {
	_, srv := newTestHandler(t, nil)

	req, _ := http.NewRequest("POST", srv.URL+"/acme/session", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status: got %d, want 415", res.StatusCode)
	}
}

func TestGateway_TenantIsolation(t *testing.T) {
	_, srv := newTestHandler(t, nil)
	client := srv.Client()

	sessID := initialize(t, client, srv.URL, "acme")

	// The same identifier under another tenant key is a miss.
	res := postJSON(t, client, srv.URL+"/globex/session", sessID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant status: got %d, want 404", res.StatusCode)
	}
	res.Body.Close()
}

func TestGateway_TenantRejectedByAuthenticator(t *testing.T) {
	allow := auth.NewAllowlist("acme")
	_, srv := newTestHandler(t, allow)
	client := srv.Client()

	res := postJSON(t, client, srv.URL+"/intruder/session", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status: got %d, want 403", res.StatusCode)
	}
	env, _ := decodeEnvelope(t, res)
	if env.Error == nil || env.Error.Code != jsonrpc.ErrorCodeMissingTenant {
		t.Fatalf("want missing-tenant error, got %v", env.Error)
	}

	// The allowed tenant still works.
	initialize(t, client, srv.URL, "acme")
}

func TestGateway_ConcurrentInitializes(t *testing.T) {
	h, srv := newTestHandler(t, nil)
	client := srv.Client()

	const n = 16
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest("POST", srv.URL+"/acme/session", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
			if err != nil {
				errs[i] = err
				return
			}
			req.Header.Set("Content-Type", "application/json")
			res, err := client.Do(req)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = res.Header.Get(transport.SessionIDHeader)
			res.Body.Close()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("initialize %d: %v", i, err)
		}
	}

	seen := make(map[string]bool, n)
	for i, id := range ids {
		if id == "" {
			t.Fatalf("initialize %d returned no session identifier", i)
		}
		if seen[id] {
			t.Fatalf("duplicate session identifier %q", id)
		}
		seen[id] = true
	}
	if got := h.reg.Count(transport.KindStreamable); got != n {
		t.Fatalf("registered sessions: got %d, want %d", got, n)
	}
}

// readSSEEvent reads one frame from an event stream, skipping comment lines.
func readSSEEvent(t *testing.T, br *bufio.Reader) (event, id, data string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" || id != "" || data != "" {
				return event, id, data
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestGateway_StreamLifecycle(t *testing.T) {
	h, srv := newTestHandler(t, nil)
	client := srv.Client()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/acme/stream", nil)
	req.Header.Set("Accept", "text/event-stream")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stream status: got %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("stream content type: got %q", ct)
	}

	br := bufio.NewReader(res.Body)

	// The first frame advertises the out-of-band message endpoint.
	event, _, data := readSSEEvent(t, br)
	if event != "endpoint" {
		t.Fatalf("first event: got %q, want endpoint", event)
	}
	if !strings.HasPrefix(data, "/acme/stream-message?sessionId=") {
		t.Fatalf("endpoint data: got %q", data)
	}
	sessID := strings.TrimPrefix(data, "/acme/stream-message?sessionId=")

	if got := h.reg.Count(transport.KindStream); got != 1 {
		t.Fatalf("registered stream sessions: got %d, want 1", got)
	}
	if _, ok := h.reg.Lookup("acme", sessID, transport.KindStream); !ok {
		t.Fatalf("advertised identifier %q not registered", sessID)
	}

	// A posted message is acknowledged out-of-band; the reply arrives on the
	// stream.
	postRes := postJSON(t, client, srv.URL+data, "", `{"jsonrpc":"2.0","id":5,"method":"echo","params":{"message":"over the stream"}}`)
	postRes.Body.Close()
	if postRes.StatusCode != http.StatusAccepted {
		t.Fatalf("post status: got %d, want 202", postRes.StatusCode)
	}

	_, eventID, data := readSSEEvent(t, br)
	if eventID == "" {
		t.Fatal("delivered frame must carry an event id")
	}
	var env jsonrpc.Response
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		t.Fatalf("decode streamed reply from %q: %v", data, err)
	}
	if env.Error != nil {
		t.Fatalf("streamed reply error: %v", env.Error)
	}
	var echoRes echoservice.EchoResult
	if err := json.Unmarshal(env.Result, &echoRes); err != nil {
		t.Fatalf("decode echo result: %v", err)
	}
	if echoRes.Message != "over the stream" {
		t.Fatalf("echo result: got %+v", echoRes)
	}

	// An unknown identifier on the side channel names the missing transport.
	missRes := postJSON(t, client, srv.URL+"/acme/stream-message?sessionId=nope", "", `{"jsonrpc":"2.0","id":6,"method":"ping"}`)
	if missRes.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown stream id status: got %d, want 404", missRes.StatusCode)
	}
	missEnv, _ := decodeEnvelope(t, missRes)
	if missEnv.Error == nil || missEnv.Error.Message != "No transport found for sessionId" {
		t.Fatalf("unknown stream id error: got %v", missEnv.Error)
	}

	// Disconnecting reaps the session.
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for h.reg.Count(transport.KindStream) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream session was not reaped after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_StreamReconnectIsNewSession(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	h, err := New(echoservice.New(log), memory.New(), nil,
		WithLogger(log),
		WithKeepAliveInterval(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client := srv.Client()

	// First connection: deliver one message so the session has history.
	ctx1, cancel1 := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx1, "GET", srv.URL+"/acme/stream", nil)
	req.Header.Set("Accept", "text/event-stream")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	br := bufio.NewReader(res.Body)
	_, _, data := readSSEEvent(t, br)
	firstID := strings.TrimPrefix(data, "/acme/stream-message?sessionId=")

	postRes := postJSON(t, client, srv.URL+data, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	postRes.Body.Close()
	if postRes.StatusCode != http.StatusAccepted {
		t.Fatalf("post status: got %d, want 202", postRes.StatusCode)
	}
	_, eventID, _ := readSSEEvent(t, br)
	if eventID == "" {
		t.Fatal("delivered frame must carry an event id")
	}

	// Disconnect; the session is reaped, not parked.
	cancel1()
	res.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.reg.Count(transport.KindStream) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream session was not reaped after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Reconnecting with the last delivered event id admits a fresh session
	// and replays nothing: session loss is terminal.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	req, _ = http.NewRequestWithContext(ctx2, "GET", srv.URL+"/acme/stream", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", eventID)
	res, err = client.Do(req)
	if err != nil {
		t.Fatalf("reopen stream: %v", err)
	}
	defer res.Body.Close()
	br = bufio.NewReader(res.Body)
	_, _, data = readSSEEvent(t, br)
	secondID := strings.TrimPrefix(data, "/acme/stream-message?sessionId=")
	if secondID == firstID {
		t.Fatalf("reconnect must admit a fresh session, got %q twice", firstID)
	}

	// The next frame on the wire is an idle keep-alive, not a replay.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			break
		}
		t.Fatalf("unexpected frame after reconnect: %q", line)
	}
}

func TestGateway_StreamRequiresEventStreamAccept(t *testing.T) {
	_, srv := newTestHandler(t, nil)

	req, _ := http.NewRequest("GET", srv.URL+"/acme/stream", nil)
	req.Header.Set("Accept", "application/json")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status: got %d, want 415", res.StatusCode)
	}
}

func TestGateway_Shutdown(t *testing.T) {
	h, srv := newTestHandler(t, nil)
	client := srv.Client()

	for i := 0; i < 3; i++ {
		initialize(t, client, srv.URL, fmt.Sprintf("tenant-%d", i))
	}
	if got := h.reg.Count(transport.KindStreamable); got != 3 {
		t.Fatalf("sessions before shutdown: got %d", got)
	}

	h.Shutdown(context.Background())

	if got := len(h.reg.All()); got != 0 {
		t.Fatalf("sessions after shutdown: got %d, want 0", got)
	}
}
