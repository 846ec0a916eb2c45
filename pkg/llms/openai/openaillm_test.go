package openai

import (
	"reflect"
	"testing"

	"github.com/effective-security/toolgate/pkg/llms"
	"github.com/effective-security/toolgate/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresToken(t *testing.T) {
	t.Setenv(TokenEnvVarName, "")
	_, err := New(WithModel("gpt-4o"))
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = New(WithToken("sk-test"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
}

func TestProcessMessages(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "be helpful"),
		llms.MessageFromTextParts(llms.RoleHuman, "what is 6*7?"),
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:   "call_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "calc",
				Arguments: `{"expr":"6*7"}`,
			},
		}),
		llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: "call_1",
			Name:       "calc",
			Content:    "42",
		}),
	}

	sdkMessages, err := processMessages(messages)
	require.NoError(t, err)
	require.Len(t, sdkMessages, 4)

	assistant := sdkMessages[2].OfAssistant
	require.NotNil(t, assistant)
	require.Len(t, assistant.ToolCalls, 1)

	tool := sdkMessages[3].OfTool
	require.NotNil(t, tool)
	assert.Equal(t, "call_1", tool.ToolCallID)
}

type calcInput struct {
	Expr string `json:"expr" jsonschema:"description=expression to evaluate"`
}

func TestToTools(t *testing.T) {
	s, err := schema.New(reflect.TypeOf(calcInput{}))
	require.NoError(t, err)

	sdkTools, err := toTools([]llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "calc",
				Description: "evaluates an expression",
				Parameters:  s.Parameters,
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, sdkTools, 1)
	assert.Equal(t, "calc", sdkTools[0].Function.Name)
	assert.Contains(t, sdkTools[0].Function.Parameters, "properties")

	empty, err := toTools(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
