// Package openai adapts the OpenAI Chat Completions API to the provider
// agnostic Model interface.
package openai

import (
	"context"
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/pkg/llms"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var (
	ErrEmptyResponse = errors.New("openai: no response")
	ErrMissingToken  = errors.New("openai: missing API key, set it in the OPENAI_API_KEY environment variable")
)

// LLM is an OpenAI-backed Model.
type LLM struct {
	Client  openai.Client
	Options *Options
}

var _ llms.Model = (*LLM)(nil)

// New creates an OpenAI client. The API token is taken from options or the
// OPENAI_API_KEY environment variable; the model name is required.
func New(opts ...Option) (*LLM, error) {
	options := &Options{
		Token: os.Getenv(TokenEnvVarName),
	}
	for _, opt := range opts {
		opt(options)
	}

	if len(options.Token) == 0 {
		return nil, ErrMissingToken
	}
	if options.Model == "" {
		return nil, errors.New("openai: model is required")
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(options.Token),
	}
	if options.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(options.BaseURL))
	}
	if options.Organization != "" {
		sdkOpts = append(sdkOpts, option.WithOrganization(options.Organization))
	}
	if options.HTTPClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(options.HTTPClient))
	}

	return &LLM{
		Client:  openai.NewClient(sdkOpts...),
		Options: options,
	}, nil
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.Options.Model
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderOpenAI
}

// GenerateContent implements the Model interface.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{
		Model: o.Options.Model,
	}
	for _, opt := range options {
		opt(&opts)
	}

	sdkMessages, err := processMessages(messages)
	if err != nil {
		return nil, errors.Wrap(err, "openai: failed to process messages")
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(opts.Model),
		Messages: sdkMessages,
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = openai.Float(opts.TopP)
	}
	if len(opts.StopWords) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfString: openai.String(opts.StopWords[0]),
		}
	}
	if tools, err := toTools(opts.Tools); err != nil {
		return nil, err
	} else if len(tools) > 0 {
		params.Tools = tools
	}

	if opts.StreamingFunc != nil {
		return generateStreaming(ctx, o, params, opts.StreamingFunc)
	}

	response, err := o.Client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "openai: failed to create completion")
	}
	if len(response.Choices) == 0 {
		return nil, errors.WithStack(ErrEmptyResponse)
	}

	choices := make([]*llms.ContentChoice, len(response.Choices))
	for i, c := range response.Choices {
		choice := &llms.ContentChoice{
			Content:    c.Message.Content,
			StopReason: string(c.FinishReason),
			GenerationInfo: map[string]any{
				llms.InfoInputTokens:  response.Usage.PromptTokens,
				llms.InfoOutputTokens: response.Usage.CompletionTokens,
				"ID":                  response.ID,
			},
		}
		for _, tc := range c.Message.ToolCalls {
			choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
				ID:   tc.ID,
				Type: string(tc.Type),
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		choices[i] = choice
	}

	return &llms.ContentResponse{Choices: choices}, nil
}

func generateStreaming(ctx context.Context, o *LLM, params openai.ChatCompletionNewParams, streamingFunc func(context.Context, []byte) error) (*llms.ContentResponse, error) {
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := o.Client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if err := streamingFunc(ctx, []byte(delta)); err != nil {
					return nil, errors.Wrap(err, "openai: streaming function error")
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, errors.Wrap(err, "openai: streaming error")
	}
	if len(acc.Choices) == 0 {
		return nil, errors.WithStack(ErrEmptyResponse)
	}

	c := acc.Choices[0]
	choice := &llms.ContentChoice{
		Content:    c.Message.Content,
		StopReason: string(c.FinishReason),
		GenerationInfo: map[string]any{
			llms.InfoInputTokens:  acc.Usage.PromptTokens,
			llms.InfoOutputTokens: acc.Usage.CompletionTokens,
			"ID":                  acc.ID,
		},
	}
	for _, tc := range c.Message.ToolCalls {
		choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			FunctionCall: &llms.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{choice},
	}, nil
}

// toTools converts the agnostic tool declarations to OpenAI SDK params. The
// JSON schema is round-tripped through a plain map as the SDK expects.
func toTools(tools []llms.Tool) ([]openai.ChatCompletionToolParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	sdkTools := make([]openai.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		var parameters map[string]any
		if tool.Function.Parameters != nil {
			raw, err := json.Marshal(tool.Function.Parameters)
			if err != nil {
				return nil, errors.Wrapf(err, "openai: failed to marshal schema for tool %s", tool.Function.Name)
			}
			if err := json.Unmarshal(raw, &parameters); err != nil {
				return nil, errors.Wrapf(err, "openai: failed to convert schema for tool %s", tool.Function.Name)
			}
		}

		sdkTools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Function.Name,
				Description: openai.String(tool.Function.Description),
				Parameters:  openai.FunctionParameters(parameters),
			},
		}
	}
	return sdkTools, nil
}

// processMessages converts the conversation to SDK message params.
func processMessages(messages []llms.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	sdkMessages := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		if len(msg.Parts) == 0 {
			continue
		}
		switch msg.Role {
		case llms.RoleSystem:
			sdkMessages = append(sdkMessages, openai.SystemMessage(msg.GetContent()))
		case llms.RoleHuman:
			sdkMessages = append(sdkMessages, openai.UserMessage(msg.GetContent()))
		case llms.RoleAI:
			sdkMessages = append(sdkMessages, assistantMessage(msg))
		case llms.RoleTool:
			for _, part := range msg.Parts {
				resp, ok := part.(llms.ToolCallResponse)
				if !ok {
					return nil, errors.Newf("openai: unsupported tool message part type: %T", part)
				}
				sdkMessages = append(sdkMessages, openai.ChatCompletionMessageParamUnion{
					OfTool: &openai.ChatCompletionToolMessageParam{
						Content: openai.ChatCompletionToolMessageParamContentUnion{
							OfString: openai.String(resp.Content),
						},
						ToolCallID: resp.ToolCallID,
					},
				})
			}
		default:
			return nil, errors.Newf("openai: unsupported message role: %v", msg.Role)
		}
	}
	return sdkMessages, nil
}

// assistantMessage rebuilds a prior model turn, including issued tool calls.
func assistantMessage(msg llms.Message) openai.ChatCompletionMessageParamUnion {
	toolCalls := msg.ToolCalls()
	if len(toolCalls) == 0 {
		return openai.AssistantMessage(msg.GetContent())
	}

	sdkCalls := make([]openai.ChatCompletionMessageToolCall, len(toolCalls))
	for i, call := range toolCalls {
		sdkCalls[i] = openai.ChatCompletionMessageToolCall{
			ID:   call.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunction{
				Name:      call.FunctionCall.Name,
				Arguments: call.FunctionCall.Arguments,
			},
		}
	}
	full := openai.ChatCompletionMessage{
		Role:      "assistant",
		Content:   msg.GetContent(),
		ToolCalls: sdkCalls,
	}
	return full.ToParam()
}
