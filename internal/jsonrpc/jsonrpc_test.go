// ABOUTME: Tests for JSON-RPC envelope parsing and response construction.
// ABOUTME: Checks wire shape of results, errors and notifications.

package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCode int
		notify   bool
	}{
		{"call", `{"jsonrpc":"2.0","id":1,"method":"getCollection","params":{"uuid":"x"}}`, 0, false},
		{"notification", `{"jsonrpc":"2.0","method":"componentNotification","params":{}}`, 0, true},
		{"null id is notification", `{"jsonrpc":"2.0","id":null,"method":"m"}`, 0, true},
		{"garbage", `{"jsonrpc":`, CodeParseError, false},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"m"}`, CodeInvalidRequest, false},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest, false},
		{"positional params", `{"jsonrpc":"2.0","id":1,"method":"m","params":[1,2]}`, CodeInvalidRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rpcErr := ParseRequest([]byte(tt.input))
			if tt.wantCode != 0 {
				require.NotNil(t, rpcErr)
				assert.Equal(t, tt.wantCode, rpcErr.Code)
				return
			}
			require.Nil(t, rpcErr)
			assert.Equal(t, tt.notify, req.IsNotification())
		})
	}
}

func TestResponseWireShape(t *testing.T) {
	ok, err := NewResult(json.RawMessage(`7`), map[string]int{"min_delay_seconds": 5})
	require.NoError(t, err)
	raw, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{"min_delay_seconds":5}}`, string(raw))

	fail := NewErrorResponse(nil, InvalidParams([]FieldError{{Field: "port", Reason: "required"}}))
	raw, err = json.Marshal(fail)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32602,"message":"Invalid params","data":[{"field":"port","reason":"required"}]}}`, string(raw))
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest(3, "heartbeat", map[string]any{"agent_id": "a"})
	require.NoError(t, err)
	assert.False(t, req.IsNotification())

	n, err := NewRequest(nil, "componentNotification", nil)
	require.NoError(t, err)
	assert.True(t, n.IsNotification())
	assert.Empty(t, n.Params)
}

func TestErrorString(t *testing.T) {
	e := MethodNotFound("addPort")
	assert.Equal(t, "jsonrpc error -32601: Method not found: addPort", e.Error())
}
