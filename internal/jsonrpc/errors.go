package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Server-defined codes carried by gateway rejection envelopes.
const (
	// ErrorCodeNoValidSession indicates the request named an unknown session
	// or was not a valid session handshake.
	ErrorCodeNoValidSession ErrorCode = -32000
	// ErrorCodeMissingTenant indicates the request path carried no tenant key.
	ErrorCodeMissingTenant ErrorCode = -32001
)
