package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/genji/internal/protocol"
)

func TestBuildRequest_KeepsRequiredFromDecodedSchema(t *testing.T) {
	// Requests arrive over HTTP, so tool schemas hold the types json.Unmarshal
	// produces, not the ones in-process callers construct.
	var req protocol.ChatRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"model": "claude-sonnet-4-5",
		"messages": [{"role": "user", "content": "read it"}],
		"tools": [{
			"name": "read_file",
			"description": "Read a file.",
			"parameters": {
				"type": "object",
				"properties": {"path": {"type": "string"}},
				"required": ["path"]
			}
		}]
	}`), &req))

	u := NewAnthropicUpstream("key", "")
	payload, err := u.buildRequest(&req)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &fields))

	tools, ok := fields["tools"].([]interface{})
	require.True(t, ok)
	require.Len(t, tools, 1)
	schema, ok := tools[0].(map[string]interface{})["input_schema"].(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, []interface{}{"path"}, schema["required"])
	props, ok := schema["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "path")
}

func TestStringList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, stringList([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, stringList([]interface{}{"a", "b"}))
	assert.Equal(t, []string{"a"}, stringList([]interface{}{"a", 7}))
	assert.Nil(t, stringList("a"))
	assert.Nil(t, stringList(nil))
}
