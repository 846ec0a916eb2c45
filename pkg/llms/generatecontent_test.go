package llms_test

import (
	"encoding/json"
	"testing"

	"github.com/effective-security/toolgate/pkg/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageHelpers(t *testing.T) {
	t.Parallel()

	msg := llms.MessageFromTextParts(llms.RoleHuman, "hello", "world")
	require.Len(t, msg.Parts, 2)
	assert.Equal(t, "hello\nworld", msg.GetContent())
	assert.Empty(t, msg.ToolCalls())

	call := llms.ToolCall{
		ID:   "call_1",
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      "web_search",
			Arguments: `{"query":"go"}`,
		},
	}
	msg = llms.MessageFromToolCalls(llms.RoleAI, call)
	require.Len(t, msg.ToolCalls(), 1)
	assert.Equal(t, "call_1", msg.ToolCalls()[0].ID)

	msg = llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
		ToolCallID: "call_1",
		Name:       "web_search",
		Content:    "results",
	})
	require.Len(t, msg.Parts, 1)
	resp, ok := msg.Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, "call_1", resp.ToolCallID)
}

func TestMessageMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	in := llms.Message{
		Role: llms.RoleAI,
		Parts: []llms.ContentPart{
			llms.TextPart("looking it up"),
			llms.ToolCall{
				ID:   "call_42",
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      "get_weather",
					Arguments: `{"city":"Oslo"}`,
				},
			},
		},
	}

	bs, err := json.Marshal(in)
	require.NoError(t, err)

	var out llms.Message
	require.NoError(t, json.Unmarshal(bs, &out))
	require.Len(t, out.Parts, 2)
	assert.Equal(t, in.Role, out.Role)

	calls := out.ToolCalls()
	require.Len(t, calls, 1)
	// call id must survive persistence exactly
	assert.Equal(t, "call_42", calls[0].ID)
	assert.Equal(t, "get_weather", calls[0].FunctionCall.Name)
}

func TestProviderCapabilities(t *testing.T) {
	t.Parallel()
	assert.True(t, llms.ProviderOpenAI.Supports(llms.CapabilityMultiToolCalling))
	assert.True(t, llms.ProviderAnthropic.Supports(llms.CapabilityFunctionCalling))
	assert.False(t, llms.ProviderType("OTHER").Supports(llms.CapabilityText))
}
