// Package chat drives the tool-augmented completion loop: one caller turn
// becomes a bounded sequence of model invocations, with tool calls resolved,
// validated, executed in parallel, and their results folded back into the
// conversation until the model produces a final answer or the correction
// budget runs out.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/chatmodel"
	"github.com/effective-security/toolgate/executor"
	"github.com/effective-security/toolgate/governor"
	"github.com/effective-security/toolgate/pkg/llms"
	"github.com/effective-security/toolgate/pkg/llmutils"
	"github.com/effective-security/toolgate/pkg/metricskey"
	"github.com/effective-security/toolgate/pkg/prompts"
	"github.com/effective-security/toolgate/store"
	"github.com/effective-security/toolgate/tools"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "chat")

// DefaultCorrectionRounds bounds the self-repair loop: the initial model
// invocation plus this many correction rounds.
const DefaultCorrectionRounds = 2

// ErrUpstreamUnavailable is returned when the model capability fails.
var ErrUpstreamUnavailable = errors.New("model capability unavailable")

type state int

const (
	stateAwaitingModel state = iota
	stateExecutingCalls
	stateEvaluating
	stateDone
)

func (s state) String() string {
	switch s {
	case stateAwaitingModel:
		return "AWAITING_MODEL"
	case stateExecutingCalls:
		return "EXECUTING_CALLS"
	case stateEvaluating:
		return "EVALUATING"
	default:
		return "DONE"
	}
}

// CatalogSource provides the remote half of the combined tool catalog.
// A degraded or absent source shrinks the catalog, it never fails the turn.
type CatalogSource interface {
	Catalog(ctx context.Context) ([]tools.Definition, error)
	HealthSnapshot() map[string]bool
}

// Pinger reports reachability of the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TurnResult is the terminal assistant turn of one completion loop.
type TurnResult struct {
	ConversationID string                   `json:"conversation_id"`
	Content        string                   `json:"content"`
	ToolCalls      []llms.ToolCall          `json:"tool_calls,omitempty"`
	Records        []*store.ExecutionRecord `json:"records,omitempty"`
	Rounds         int                      `json:"rounds"`
	InputTokens    int64                    `json:"input_tokens"`
	OutputTokens   int64                    `json:"output_tokens"`
	CostUSD        float64                  `json:"cost_usd"`
}

// Callback observes the loop. All methods are optional no-ops in
// NoopCallback; implementations must not block.
type Callback interface {
	OnModelStart(ctx context.Context, conversationID string, invocation int)
	OnModelEnd(ctx context.Context, conversationID string, resp *llms.ContentResponse)
	OnToolBatch(ctx context.Context, conversationID string, records []*store.ExecutionRecord)
}

// NoopCallback discards all notifications.
type NoopCallback struct{}

func (NoopCallback) OnModelStart(context.Context, string, int)                     {}
func (NoopCallback) OnModelEnd(context.Context, string, *llms.ContentResponse)     {}
func (NoopCallback) OnToolBatch(context.Context, string, []*store.ExecutionRecord) {}

// Controller runs completion turns. Construct once at startup with explicit
// dependencies and share across conversations.
type Controller struct {
	model        llms.Model
	registry     *tools.Registry
	remote       CatalogSource
	exec         *executor.Executor
	gov          *governor.Governor
	messages     store.MessageStore
	storePing    Pinger
	callback     Callback
	systemPrompt string
	maxRounds    int
}

// Option configures the Controller.
type Option func(*Controller)

// WithRemoteCatalog attaches the remote tool source.
func WithRemoteCatalog(src CatalogSource) Option {
	return func(c *Controller) {
		c.remote = src
	}
}

// WithGovernor enables admission control.
func WithGovernor(gov *governor.Governor) Option {
	return func(c *Controller) {
		c.gov = gov
	}
}

// WithMessageStore persists conversation history across turns.
func WithMessageStore(messages store.MessageStore) Option {
	return func(c *Controller) {
		c.messages = messages
	}
}

// WithStorePinger adds the persistence backend to health reporting.
func WithStorePinger(p Pinger) Option {
	return func(c *Controller) {
		c.storePing = p
	}
}

// WithCallback attaches a loop observer.
func WithCallback(cb Callback) Option {
	return func(c *Controller) {
		c.callback = cb
	}
}

// WithSystemPrompt sets the system message prepended to every turn.
func WithSystemPrompt(prompt string) Option {
	return func(c *Controller) {
		c.systemPrompt = prompt
	}
}

// WithCorrectionRounds overrides the correction budget. The total number of
// model invocations per turn is 1 + rounds.
func WithCorrectionRounds(rounds int) Option {
	return func(c *Controller) {
		if rounds >= 0 {
			c.maxRounds = rounds
		}
	}
}

// NewController returns a Controller over the model, the local registry and
// the batch executor.
func NewController(model llms.Model, registry *tools.Registry, exec *executor.Executor, opts ...Option) *Controller {
	c := &Controller{
		model:     model,
		registry:  registry,
		exec:      exec,
		callback:  NoopCallback{},
		maxRounds: DefaultCorrectionRounds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health reports per-component availability: one entry per remote tool
// server plus the message store when configured.
func (c *Controller) Health(ctx context.Context) map[string]bool {
	health := map[string]bool{}
	if c.remote != nil {
		for id, ok := range c.remote.HealthSnapshot() {
			health["server:"+id] = ok
		}
	}
	if c.storePing != nil {
		health["store"] = c.storePing.Ping(ctx) == nil
	}
	return health
}

// catalog returns the combined local + remote tool definitions for one turn.
// The snapshot is taken once and used for every round of the turn.
func (c *Controller) catalog(ctx context.Context) []tools.Definition {
	var defs []tools.Definition
	if c.registry != nil {
		defs = append(defs, c.registry.Definitions()...)
	}
	if c.remote != nil {
		remote, err := c.remote.Catalog(ctx)
		if err != nil {
			logger.ContextKV(ctx, xlog.WARNING, "reason", "remote_catalog", "err", err.Error())
		} else {
			defs = append(defs, remote...)
		}
	}
	return defs
}

// RunTurn executes one caller turn to completion and returns the terminal
// assistant turn. Rate and quota rejections are returned before any model
// call is made; see governor.IsRejection.
func (c *Controller) RunTurn(ctx context.Context, caller chatmodel.CallerContext, messages []llms.Message) (*TurnResult, error) {
	return c.run(ctx, caller, messages, nil)
}

func (c *Controller) run(ctx context.Context, caller chatmodel.CallerContext, messages []llms.Message, emit func(Event)) (*TurnResult, error) {
	started := time.Now()
	tier := string(caller.GetTier())
	conversationID := caller.GetConversationID()
	defer metricskey.PerfTurnRun.MeasureSince(started, tier)

	if c.gov != nil {
		if err := c.gov.CheckAndIncrement(ctx, caller); err != nil {
			metricskey.StatsTurnsFailed.IncrCounter(1, tier)
			return nil, err
		}
		reserved, err := c.gov.CheckQuota(ctx, caller, estimateTokens(messages))
		if err != nil {
			metricskey.StatsTurnsFailed.IncrCounter(1, tier)
			return nil, err
		}
		// the reservation holds headroom for the turn; actual usage is
		// charged per model call, so refund the reservation on the way out
		defer c.gov.Release(ctx, caller, reserved)
	}

	history, err := c.loadHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	history = append(history, messages...)
	c.persist(ctx, conversationID, messages...)

	defs := c.catalog(ctx)
	llmTools := tools.ToLLMTools(defs)

	opts := []llms.CallOption{}
	if len(llmTools) > 0 {
		opts = append(opts, llms.WithTools(llmTools))
	}
	if emit != nil {
		opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			emit(Event{Type: EventToken, Token: string(chunk)})
			return ctx.Err()
		}))
	}
	if c.systemPrompt != "" {
		history = append([]llms.Message{
			llms.MessageFromTextParts(llms.RoleSystem, c.systemPrompt),
		}, history...)
	}

	result := &TurnResult{ConversationID: conversationID}
	maxInvocations := 1 + c.maxRounds

	for invocation := 1; ; invocation++ {
		c.transition(ctx, conversationID, stateAwaitingModel, invocation)

		c.callback.OnModelStart(ctx, conversationID, invocation)
		modelStarted := time.Now()
		resp, err := c.model.GenerateContent(ctx, history, opts...)
		if err != nil {
			metricskey.StatsTurnsFailed.IncrCounter(1, tier)
			return nil, errors.WithSecondaryError(errors.WithStack(ErrUpstreamUnavailable), err)
		}
		metricskey.PerfModelCall.MeasureSince(modelStarted, c.model.GetName())
		metricskey.StatsLLMMessagesSent.IncrCounter(1, c.model.GetName())
		c.callback.OnModelEnd(ctx, conversationID, resp)

		in, out := llmutils.CountTokens(resp)
		result.InputTokens += in
		result.OutputTokens += out
		metricskey.StatsLLMInputTokens.IncrCounter(float64(in), c.model.GetName())
		metricskey.StatsLLMOutputTokens.IncrCounter(float64(out), c.model.GetName())
		cost := governor.EstimateCost(c.model.GetName(), in, out)
		result.CostUSD += cost
		metricskey.StatsLLMCostUSD.IncrCounter(cost, c.model.GetName())
		if c.gov != nil {
			c.gov.ChargeUsage(ctx, caller, in+out)
		}

		if len(resp.Choices) == 0 {
			metricskey.StatsTurnsFailed.IncrCounter(1, tier)
			return nil, errors.WithMessage(errors.WithStack(ErrUpstreamUnavailable), "model returned no choices")
		}
		choice := resp.Choices[0]
		toolCalls := choice.ToolCalls

		// two independent exit conditions: no calls left, or budget spent
		if len(toolCalls) == 0 || invocation >= maxInvocations {
			c.transition(ctx, conversationID, stateDone, invocation)
			result.Content = choice.Content
			result.ToolCalls = toolCalls
			result.Rounds = invocation - 1
			c.finishTurn(ctx, conversationID, tier, result, choice)
			return result, nil
		}

		c.transition(ctx, conversationID, stateExecutingCalls, invocation)
		assistantMsg := assistantMessage(choice)
		history = append(history, assistantMsg)
		c.persist(ctx, conversationID, assistantMsg)

		if emit != nil {
			for i := range toolCalls {
				emit(Event{Type: EventToolCall, ToolCall: &toolCalls[i]})
			}
		}

		requests := make([]executor.CallRequest, len(toolCalls))
		for i, call := range toolCalls {
			var name, args string
			if call.FunctionCall != nil {
				name = call.FunctionCall.Name
				args = call.FunctionCall.Arguments
			}
			requests[i] = executor.CallRequest{
				ID:        call.ID,
				Name:      name,
				Arguments: args,
			}
		}
		records := c.exec.ExecuteBatch(ctx, conversationID, defs, requests)
		result.Records = append(result.Records, records...)
		c.callback.OnToolBatch(ctx, conversationID, records)

		for _, rec := range records {
			msg := toolResultMessage(rec)
			history = append(history, msg)
			c.persist(ctx, conversationID, msg)
			if emit != nil {
				emit(Event{Type: EventToolResult, Record: rec})
			}
		}

		c.transition(ctx, conversationID, stateEvaluating, invocation)
		if failed := failedRecords(records); len(failed) > 0 {
			hint := llms.MessageFromTextParts(llms.RoleHuman, prompts.FailedCallsHint(failed))
			history = append(history, hint)
			c.persist(ctx, conversationID, hint)
			metricskey.StatsCorrectionRounds.IncrCounter(1, tier)
		}
	}
}

func (c *Controller) transition(ctx context.Context, conversationID string, st state, invocation int) {
	logger.ContextKV(ctx, xlog.DEBUG,
		"conversation_id", conversationID,
		"state", st.String(),
		"invocation", invocation,
	)
}

func (c *Controller) finishTurn(ctx context.Context, conversationID, tier string, result *TurnResult, choice *llms.ContentChoice) {
	var final llms.Message
	if len(choice.ToolCalls) > 0 {
		final = assistantMessage(choice)
	} else {
		final = llms.MessageFromTextParts(llms.RoleAI, choice.Content)
	}
	c.persist(ctx, conversationID, final)
	metricskey.StatsTurnsCompleted.IncrCounter(1, tier)
	logger.ContextKV(ctx, xlog.INFO,
		"conversation_id", conversationID,
		"state", stateDone.String(),
		"rounds", result.Rounds,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
	)
}

func (c *Controller) loadHistory(ctx context.Context, conversationID string) ([]llms.Message, error) {
	if c.messages == nil {
		return nil, nil
	}
	history, err := c.messages.Messages(ctx, conversationID)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load conversation history")
	}
	return history, nil
}

func (c *Controller) persist(ctx context.Context, conversationID string, msgs ...llms.Message) {
	if c.messages == nil || len(msgs) == 0 {
		return
	}
	if err := c.messages.Add(ctx, conversationID, msgs...); err != nil {
		logger.ContextKV(ctx, xlog.ERROR,
			"reason", "persist_messages",
			"conversation_id", conversationID,
			"err", err.Error(),
		)
	}
}

// assistantMessage rebuilds the model's turn as a history entry, keeping
// both content and the issued tool calls.
func assistantMessage(choice *llms.ContentChoice) llms.Message {
	var parts []llms.ContentPart
	if choice.Content != "" {
		parts = append(parts, llms.TextContent{Text: choice.Content})
	}
	for _, call := range choice.ToolCalls {
		parts = append(parts, call)
	}
	return llms.MessageFromParts(llms.RoleAI, parts...)
}

// toolResultMessage folds one execution record back into the conversation,
// keyed by the originating call id.
func toolResultMessage(rec *store.ExecutionRecord) llms.Message {
	content := rec.Result
	if !rec.Succeeded() {
		content = fmt.Sprintf("error (%s): %s", rec.Status, rec.Error)
	}
	return llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
		ToolCallID: rec.CallID,
		Name:       values.StringsCoalesce(rec.ResolvedName, rec.RequestedName),
		Content:    content,
	})
}

func failedRecords(records []*store.ExecutionRecord) []*store.ExecutionRecord {
	var failed []*store.ExecutionRecord
	for _, rec := range records {
		if !rec.Succeeded() {
			failed = append(failed, rec)
		}
	}
	return failed
}

// estimateTokens approximates the token cost of the incoming messages for
// the upfront quota check; actual usage is charged after each model call.
func estimateTokens(messages []llms.Message) int64 {
	size := llmutils.CountMessagesContentSize(messages)
	return int64(size/4) + 1
}
