package mcp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRequest_IsNotification(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"numeric id", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, false},
		{"string id", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, false},
		{"missing id", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, true},
		{"null id", `{"jsonrpc":"2.0","id":null,"method":"notifications/initialized"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			if err := json.Unmarshal([]byte(tt.raw), &req); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := req.IsNotification(); got != tt.want {
				t.Errorf("IsNotification() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequest_Validate(t *testing.T) {
	ok := Request{JSONRPC: JSONRPCVersion, Method: MethodPing}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	for _, bad := range []Request{
		{JSONRPC: "1.0", Method: MethodPing},
		{JSONRPC: JSONRPCVersion},
	} {
		if err := bad.Validate(); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidRequest", bad, err)
		}
	}
}

func TestNewResult_PreservesID(t *testing.T) {
	resp, err := NewResult(json.RawMessage(`"req-7"`), map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":"req-7","result":{"ok":"yes"}}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestNewErrorResponse_NullID(t *testing.T) {
	resp := NewErrorResponse(nil, ErrorCodeParseError, "parse error")
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
	if resp.Error.Error() != "parse error" {
		t.Errorf("Error() = %q", resp.Error.Error())
	}
}

func TestToolCallResult_TextContent(t *testing.T) {
	r := ToolCallResult{Content: []ContentBlock{
		{Type: "text", Text: "a"},
		{Type: "image"},
		{Type: "text", Text: "b"},
	}}
	if got := r.TextContent(); got != "ab" {
		t.Errorf("TextContent() = %q", got)
	}
}
