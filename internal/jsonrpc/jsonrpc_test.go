// ABOUTME: Tests for JSON-RPC 2.0 parsing and response construction.
// ABOUTME: Validates id round-tripping for string, numeric, and absent ids.

package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_NumericID(t *testing.T) {
	req, err := Parse([]byte(`{"jsonrpc":"2.0","method":"tools/call","id":7}`))
	require.NoError(t, err)

	assert.Equal(t, "tools/call", req.Method)
	assert.Equal(t, "7", string(req.ID))
	assert.False(t, req.IsNotification())
}

func TestParse_StringID(t *testing.T) {
	req, err := Parse([]byte(`{"jsonrpc":"2.0","method":"ping","id":"abc-123"}`))
	require.NoError(t, err)

	assert.Equal(t, `"abc-123"`, string(req.ID))
}

func TestParse_Notification(t *testing.T) {
	req, err := Parse([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)

	assert.True(t, req.IsNotification())
}

func TestParse_NullID(t *testing.T) {
	req, err := Parse([]byte(`{"jsonrpc":"2.0","method":"x","id":null}`))
	require.NoError(t, err)

	assert.True(t, req.IsNotification())
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	assert.Error(t, err)
}

func TestParse_WrongVersion(t *testing.T) {
	_, err := Parse([]byte(`{"jsonrpc":"1.0","method":"x","id":1}`))
	assert.Error(t, err)
}

func TestNewResult_EchoesID(t *testing.T) {
	resp, err := NewResult(json.RawMessage(`42`), map[string]string{"ok": "yes"})
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  map[string]string
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "2.0", decoded.JSONRPC)
	assert.Equal(t, "42", string(decoded.ID))
	assert.Equal(t, "yes", decoded.Result["ok"])
}

func TestNewError_CarriesCodeAndData(t *testing.T) {
	resp := NewError(json.RawMessage(`"req-1"`), CodeServerError, "breaker open", map[string]any{"retry_after_ms": 30000})

	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeServerError, resp.Error.Code)
	assert.Equal(t, "breaker open", resp.Error.Message)
	assert.Equal(t, `"req-1"`, string(resp.ID))
}

func TestError_ErrorString(t *testing.T) {
	e := &Error{Code: CodeTimeout, Message: "timed out"}
	assert.Contains(t, e.Error(), "-32001")
	assert.Contains(t, e.Error(), "timed out")
}
