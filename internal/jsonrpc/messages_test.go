package jsonrpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAnyMessage_Classification(t *testing.T) {
	var msg AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"method":"echo"}`), &msg); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if msg.Type() != "request" || msg.AsRequest() == nil || msg.AsResponse() != nil {
		t.Fatalf("request misclassified as %q", msg.Type())
	}

	msg = AnyMessage{}
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"progress"}`), &msg); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if msg.Type() != "notification" {
		t.Fatalf("notification misclassified as %q", msg.Type())
	}
	if req := msg.AsRequest(); req == nil || !req.IsNotification() {
		t.Fatal("notification should convert to an ID-less request")
	}

	msg = AnyMessage{}
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), &msg); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if msg.Type() != "response" || msg.AsRequest() != nil || msg.AsResponse() == nil {
		t.Fatalf("response misclassified as %q", msg.Type())
	}
}

func TestAnyMessage_RejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"wrong version":      `{"jsonrpc":"1.0","id":1,"method":"echo"}`,
		"missing version":    `{"id":1,"method":"echo"}`,
		"request with error": `{"jsonrpc":"2.0","id":1,"method":"echo","error":{"code":1,"message":"x"}}`,
		"result and error":   `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		"neither":            `{"jsonrpc":"2.0","id":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(raw), &msg); err == nil {
				t.Fatalf("%s should not parse", raw)
			}
		})
	}
}

func TestNullID_MarshalsExplicitNull(t *testing.T) {
	res := NewErrorResponse(NullID(), ErrorCodeNoValidSession, "Bad Request: No valid session ID provided", nil)
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"id":null`) {
		t.Fatalf("envelope should carry an explicit null id, got %s", b)
	}
	if !strings.Contains(string(b), `"code":-32000`) {
		t.Fatalf("envelope should carry the error code, got %s", b)
	}
}

func TestRequestID_StringAndNumber(t *testing.T) {
	var id RequestID
	if err := json.Unmarshal([]byte(`"abc"`), &id); err != nil {
		t.Fatalf("unmarshal string id: %v", err)
	}
	if id.String() != "abc" || id.IsNil() {
		t.Fatalf("string id: got %q", id.String())
	}

	id = RequestID{}
	if err := json.Unmarshal([]byte(`42`), &id); err != nil {
		t.Fatalf("unmarshal numeric id: %v", err)
	}
	if id.String() != "42" {
		t.Fatalf("numeric id: got %q", id.String())
	}

	id = RequestID{}
	if err := json.Unmarshal([]byte(`{"nested":true}`), &id); err == nil {
		t.Fatal("object ids are not valid")
	}
}
