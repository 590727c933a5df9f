// Package echoservice is a small self-describing protocol engine used by the
// server binary and the gateway tests. It implements the service boundary
// with an initialize handshake, an echo method, and a describe method that
// reports reflected JSON Schemas for its method parameters.
package echoservice

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/invopop/jsonschema"

	"github.com/mcpmux/mcpmux/internal/jsonrpc"
	"github.com/mcpmux/mcpmux/service"
)

// InitializeMethod is the handshake method name recognized by IsInitialize.
const InitializeMethod = "initialize"

// EchoParams are the parameters of the echo method.
type EchoParams struct {
	Message string `json:"message" jsonschema:"minLength=1,description=Text to echo back"`
}

// EchoResult is the echo method's result.
type EchoResult struct {
	Message string `json:"message"`
	Tenant  string `json:"tenant"`
}

// InitializeResult is the handshake result.
type InitializeResult struct {
	ServerInfo ServerInfo `json:"serverInfo"`
}

// ServerInfo identifies the engine.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DescribeResult lists the engine's methods with their parameter schemas.
type DescribeResult struct {
	Methods map[string]*jsonschema.Schema `json:"methods"`
}

// Service implements service.Service.
type Service struct {
	log *slog.Logger
}

// New builds the echo engine.
func New(log *slog.Logger) *Service {
	return &Service{log: log}
}

// IsInitialize implements service.Service.
func (s *Service) IsInitialize(req *jsonrpc.Request) bool {
	return req.Method == InitializeMethod && !req.IsNotification()
}

// NewSession implements service.Service.
func (s *Service) NewSession(ctx context.Context, tenant string) (service.SessionHandler, error) {
	return &session{tenant: tenant, log: s.log}, nil
}

type session struct {
	tenant string
	log    *slog.Logger
}

func (h *session) Handle(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req.IsNotification() {
		h.log.InfoContext(ctx, "echo.notification", slog.String("method", req.Method))
		return nil, nil
	}

	switch req.Method {
	case InitializeMethod:
		return jsonrpc.NewResultResponse(req.ID, InitializeResult{
			ServerInfo: ServerInfo{Name: "echoservice", Version: "0.1.0"},
		})

	case "echo":
		var params EchoParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Message == "" {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "echo requires a non-empty message", nil), nil
		}
		return jsonrpc.NewResultResponse(req.ID, EchoResult{Message: params.Message, Tenant: h.tenant})

	case "describe":
		r := &jsonschema.Reflector{DoNotReference: true}
		return jsonrpc.NewResultResponse(req.ID, DescribeResult{
			Methods: map[string]*jsonschema.Schema{
				"echo": r.Reflect(&EchoParams{}),
			},
		})

	case "ping":
		return jsonrpc.NewResultResponse(req.ID, struct{}{})

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil), nil
	}
}

func (h *session) Close(ctx context.Context) error {
	return nil
}

var _ service.Service = (*Service)(nil)
