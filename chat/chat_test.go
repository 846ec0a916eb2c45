package chat_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/chat"
	"github.com/effective-security/toolgate/chatmodel"
	"github.com/effective-security/toolgate/executor"
	"github.com/effective-security/toolgate/governor"
	"github.com/effective-security/toolgate/pkg/llms"
	"github.com/effective-security/toolgate/store"
	"github.com/effective-security/toolgate/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	calls     int
	seen      [][]llms.Message
	respond   func(call int, messages []llms.Message, opts *llms.CallOptions) (*llms.ContentResponse, error)
	streamOut []string
}

func (m *fakeModel) GetName() string                    { return "fake-model" }
func (m *fakeModel) GetProviderType() llms.ProviderType { return llms.ProviderOpenAI }

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls++
	m.seen = append(m.seen, messages)

	opts := &llms.CallOptions{}
	for _, opt := range options {
		opt(opts)
	}
	if opts.StreamingFunc != nil {
		for _, chunk := range m.streamOut {
			if err := opts.StreamingFunc(ctx, []byte(chunk)); err != nil {
				return nil, err
			}
		}
	}
	return m.respond(m.calls, messages, opts)
}

func answer(content string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			Content: content,
			GenerationInfo: map[string]any{
				llms.InfoInputTokens:  10,
				llms.InfoOutputTokens: 5,
			},
		}},
	}
}

func callTool(callID, name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			ToolCalls: []llms.ToolCall{{
				ID:   callID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      name,
					Arguments: args,
				},
			}},
			GenerationInfo: map[string]any{
				llms.InfoInputTokens:  10,
				llms.InfoOutputTokens: 5,
			},
		}},
	}
}

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	type echoInput struct {
		Text string `json:"text"`
	}
	type echoOutput struct {
		Echo string `json:"echo"`
	}
	echo, err := tools.NewFunc("echo", "echoes its input",
		func(_ context.Context, in *echoInput) (*echoOutput, error) {
			return &echoOutput{Echo: in.Text}, nil
		})
	require.NoError(t, err)

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(echo))
	return reg
}

func TestRunTurnPlainAnswer(t *testing.T) {
	model := &fakeModel{
		respond: func(_ int, _ []llms.Message, opts *llms.CallOptions) (*llms.ContentResponse, error) {
			assert.Len(t, opts.Tools, 1)
			return answer("hello there"), nil
		},
	}
	reg := newRegistry(t)
	messages := store.NewMemoryMessageStore()
	ctrl := chat.NewController(model, reg, executor.New(reg, nil),
		chat.WithMessageStore(messages),
	)

	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierFree)
	res, err := ctrl.RunTurn(context.Background(), caller,
		[]llms.Message{llms.MessageFromTextParts(llms.RoleHuman, "hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Content)
	assert.Empty(t, res.ToolCalls)
	assert.Equal(t, 0, res.Rounds)
	assert.Equal(t, 1, model.calls)
	assert.Equal(t, int64(10), res.InputTokens)
	assert.Equal(t, int64(5), res.OutputTokens)
	assert.InDelta(t, governor.EstimateCost("fake-model", 10, 5), res.CostUSD, 1e-12)

	persisted, err := messages.Messages(context.Background(), "conv1")
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, llms.RoleHuman, persisted[0].Role)
	assert.Equal(t, llms.RoleAI, persisted[1].Role)
}

func TestRunTurnToolRound(t *testing.T) {
	model := &fakeModel{
		respond: func(call int, messages []llms.Message, _ *llms.CallOptions) (*llms.ContentResponse, error) {
			if call == 1 {
				return callTool("call_1", "echo", `{"text":"ping"}`), nil
			}
			// the tool result must come back under the originating call id
			last := messages[len(messages)-1]
			require.Equal(t, llms.RoleTool, last.Role)
			resp, ok := last.Parts[0].(llms.ToolCallResponse)
			require.True(t, ok)
			assert.Equal(t, "call_1", resp.ToolCallID)
			assert.Equal(t, "echo", resp.Name)
			assert.JSONEq(t, `{"echo":"ping"}`, resp.Content)
			return answer("pong"), nil
		},
	}
	reg := newRegistry(t)
	records := store.NewMemoryRecordStore()
	ctrl := chat.NewController(model, reg,
		executor.New(reg, nil, executor.WithRecordStore(records)))

	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierFree)
	res, err := ctrl.RunTurn(context.Background(), caller,
		[]llms.Message{llms.MessageFromTextParts(llms.RoleHuman, "ping me")})
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Content)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 2, model.calls)
	require.Len(t, res.Records, 1)
	assert.Equal(t, store.StatusSuccess, res.Records[0].Status)

	stored, err := records.List(context.Background(), "conv1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRunTurnDiagnosticHint(t *testing.T) {
	model := &fakeModel{
		respond: func(call int, messages []llms.Message, _ *llms.CallOptions) (*llms.ContentResponse, error) {
			if call == 1 {
				return callTool("call_1", "zzz_unrelated", `{}`), nil
			}
			last := messages[len(messages)-1]
			require.Equal(t, llms.RoleHuman, last.Role)
			assert.Contains(t, last.GetContent(), "not_found")
			return answer("sorry, no such tool"), nil
		},
	}
	reg := newRegistry(t)
	ctrl := chat.NewController(model, reg, executor.New(reg, nil))

	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierFree)
	res, err := ctrl.RunTurn(context.Background(), caller,
		[]llms.Message{llms.MessageFromTextParts(llms.RoleHuman, "use a tool")})
	require.NoError(t, err)
	assert.Equal(t, "sorry, no such tool", res.Content)
	assert.Equal(t, 2, model.calls)
}

func TestRunTurnCorrectionBound(t *testing.T) {
	model := &fakeModel{
		respond: func(call int, _ []llms.Message, _ *llms.CallOptions) (*llms.ContentResponse, error) {
			return callTool("call_x", "zzz_unrelated", `{}`), nil
		},
	}
	reg := newRegistry(t)
	ctrl := chat.NewController(model, reg, executor.New(reg, nil),
		chat.WithCorrectionRounds(2),
	)

	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierFree)
	res, err := ctrl.RunTurn(context.Background(), caller,
		[]llms.Message{llms.MessageFromTextParts(llms.RoleHuman, "loop forever")})
	require.NoError(t, err)

	// 1 initial + 2 corrections, never more
	assert.Equal(t, 3, model.calls)
	assert.Equal(t, 2, res.Rounds)
	// the last turn is returned as produced, unresolved calls included
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "zzz_unrelated", res.ToolCalls[0].FunctionCall.Name)
	// two executed batches of one call each
	assert.Len(t, res.Records, 2)
}

func TestRunTurnRateLimited(t *testing.T) {
	model := &fakeModel{
		respond: func(_ int, _ []llms.Message, _ *llms.CallOptions) (*llms.ContentResponse, error) {
			return answer("ok"), nil
		},
	}
	reg := newRegistry(t)
	limits := map[chatmodel.Tier]governor.Limits{
		chatmodel.TierFree: {PerMinute: 1, PerHour: 100, PerDay: 1000, TokensPerDay: 100000},
	}
	gov := governor.NewWithLimits(store.NewMemoryCounterStore(), limits)
	ctrl := chat.NewController(model, reg, executor.New(reg, nil),
		chat.WithGovernor(gov),
	)

	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierFree)
	_, err := ctrl.RunTurn(context.Background(), caller,
		[]llms.Message{llms.MessageFromTextParts(llms.RoleHuman, "one")})
	require.NoError(t, err)

	_, err = ctrl.RunTurn(context.Background(), caller,
		[]llms.Message{llms.MessageFromTextParts(llms.RoleHuman, "two")})
	require.Error(t, err)
	assert.True(t, governor.IsRejection(err))

	// the rejection happened before the model was invoked
	assert.Equal(t, 1, model.calls)
}

func TestRunTurnUpstreamError(t *testing.T) {
	model := &fakeModel{
		respond: func(_ int, _ []llms.Message, _ *llms.CallOptions) (*llms.ContentResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	reg := newRegistry(t)
	ctrl := chat.NewController(model, reg, executor.New(reg, nil))

	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierFree)
	_, err := ctrl.RunTurn(context.Background(), caller,
		[]llms.Message{llms.MessageFromTextParts(llms.RoleHuman, "hi")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, chat.ErrUpstreamUnavailable))
}

func TestRunTurnStream(t *testing.T) {
	model := &fakeModel{
		streamOut: []string{"hel", "lo"},
		respond: func(call int, _ []llms.Message, _ *llms.CallOptions) (*llms.ContentResponse, error) {
			if call == 1 {
				return callTool("call_1", "echo", `{"text":"hi"}`), nil
			}
			return answer("hello"), nil
		},
	}
	reg := newRegistry(t)
	ctrl := chat.NewController(model, reg, executor.New(reg, nil))

	caller := chatmodel.NewCallerContext("conv1", "user1", chatmodel.TierFree)
	events := ctrl.RunTurnStream(context.Background(), caller,
		[]llms.Message{llms.MessageFromTextParts(llms.RoleHuman, "hi")})

	var tokens []string
	var sawToolCall, sawToolResult bool
	var final *chat.TurnResult
	for ev := range events {
		switch ev.Type {
		case chat.EventToken:
			tokens = append(tokens, ev.Token)
		case chat.EventToolCall:
			sawToolCall = true
			assert.Equal(t, "call_1", ev.ToolCall.ID)
		case chat.EventToolResult:
			sawToolResult = true
			assert.Equal(t, store.StatusSuccess, ev.Record.Status)
		case chat.EventDone:
			final = ev.Turn
		case chat.EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	require.NotNil(t, final)
	assert.Equal(t, "hello", final.Content)
	assert.True(t, sawToolCall)
	assert.True(t, sawToolResult)
	// both model invocations streamed their fragments
	assert.Equal(t, []string{"hel", "lo", "hel", "lo"}, tokens)
}

func TestHealth(t *testing.T) {
	model := &fakeModel{
		respond: func(_ int, _ []llms.Message, _ *llms.CallOptions) (*llms.ContentResponse, error) {
			return answer("ok"), nil
		},
	}
	reg := newRegistry(t)
	ctrl := chat.NewController(model, reg, executor.New(reg, nil),
		chat.WithRemoteCatalog(staticCatalog{}),
	)
	health := ctrl.Health(context.Background())
	assert.Equal(t, map[string]bool{"server:search": true, "server:math": false}, health)
}

type staticCatalog struct{}

func (staticCatalog) Catalog(context.Context) ([]tools.Definition, error) {
	return []tools.Definition{
		{Name: "web_search", Origin: tools.RemoteOrigin("search"), InputSchema: json.RawMessage(`{"type":"object"}`)},
	}, nil
}

func (staticCatalog) HealthSnapshot() map[string]bool {
	return map[string]bool{"search": true, "math": false}
}
