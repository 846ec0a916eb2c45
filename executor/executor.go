// Package executor fans a batch of requested tool calls out to their
// providers, local or remote, and reports one execution record per request
// in request order. A failed sibling never disturbs the others.
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/chatmodel"
	"github.com/effective-security/toolgate/mcpmux"
	"github.com/effective-security/toolgate/pkg/llmutils"
	"github.com/effective-security/toolgate/pkg/metricskey"
	"github.com/effective-security/toolgate/resolver"
	"github.com/effective-security/toolgate/store"
	"github.com/effective-security/toolgate/tools"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "executor")

// DefaultCallTimeout bounds a single tool invocation, including its retry.
const DefaultCallTimeout = 30 * time.Second

// CallRequest is one tool call requested by the model.
type CallRequest struct {
	// ID is the model-assigned call id, echoed back in the record.
	ID        string
	Name      string
	Arguments string
}

// Invoker dispatches a call to a remote tool server.
type Invoker interface {
	Invoke(ctx context.Context, serverID, toolName string, args map[string]any, timeout time.Duration) (string, error)
}

// RetryPolicy controls the single-retry behavior for transient failures.
// Only execution errors are retried; timeouts, contract violations and
// unknown tools fail immediately.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetryPolicy retries once after a fixed pause.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 1,
	Backoff:    500 * time.Millisecond,
}

// Executor runs tool call batches.
type Executor struct {
	registry    *tools.Registry
	remote      Invoker
	records     store.RecordStore
	validator   *Validator
	retry       RetryPolicy
	callTimeout time.Duration
}

// Option configures the Executor.
type Option func(*Executor)

// WithRecordStore persists one record per call as an audit trail.
func WithRecordStore(records store.RecordStore) Option {
	return func(e *Executor) {
		e.records = records
	}
}

// WithRetryPolicy overrides the default single-retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Executor) {
		e.retry = policy
	}
}

// WithCallTimeout overrides the per-call deadline.
func WithCallTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		e.callTimeout = timeout
	}
}

// New returns an Executor over the local registry and the remote invoker.
// Either may be nil when only the other kind of tool is configured.
func New(registry *tools.Registry, remote Invoker, opts ...Option) *Executor {
	e := &Executor{
		registry:    registry,
		remote:      remote,
		validator:   NewValidator(),
		retry:       DefaultRetryPolicy,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteBatch runs all requests concurrently against the given catalog and
// returns exactly one record per request, ordered as requested. Records are
// also appended to the record store when one is configured.
func (e *Executor) ExecuteBatch(ctx context.Context, conversationID string, catalog []tools.Definition, requests []CallRequest) []*store.ExecutionRecord {
	res := resolver.New(catalog)
	records := make([]*store.ExecutionRecord, len(requests))

	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(idx int, req CallRequest) {
			defer wg.Done()
			records[idx] = e.executeOne(ctx, conversationID, res, req)
		}(i, req)
	}
	wg.Wait()

	if e.records != nil {
		for _, rec := range records {
			if err := e.records.Append(ctx, rec); err != nil {
				logger.ContextKV(ctx, xlog.ERROR,
					"reason", "append_record",
					"conversation_id", conversationID,
					"call_id", rec.CallID,
					"err", err.Error(),
				)
			}
		}
	}
	return records
}

func (e *Executor) executeOne(ctx context.Context, conversationID string, res *resolver.Resolver, req CallRequest) *store.ExecutionRecord {
	started := time.Now()
	rec := &store.ExecutionRecord{
		ID:             chatmodel.NewRecordID(),
		ConversationID: conversationID,
		CallID:         req.ID,
		RequestedName:  req.Name,
		StartedAt:      started,
	}
	if rec.CallID == "" {
		rec.CallID = chatmodel.NewCallID()
	}
	defer func() {
		rec.CompletedAt = time.Now()
		rec.DurationMS = rec.CompletedAt.Sub(started).Milliseconds()
		metricskey.PerfToolCall.MeasureSince(started, rec.RequestedName)
		metricskey.StatsToolCalls.IncrCounter(1, rec.RequestedName, string(rec.Status))
	}()

	args := llmutils.CleanArguments(req.Arguments)
	rec.Arguments = args

	resolution, err := res.Resolve(req.Name)
	if err != nil {
		rec.Status = store.StatusNotFound
		rec.Error = errors.Newf("unknown tool %q", req.Name).Error()
		return rec
	}
	def := resolution.Definition
	rec.ResolvedName = def.Name
	rec.Origin = def.Origin
	rec.Fuzzy = resolution.Fuzzy
	if resolution.Fuzzy {
		metricskey.StatsToolCallsFuzzyResolved.IncrCounter(1, def.Name)
	}

	if err := e.validator.Validate(def.InputSchema, args); err != nil {
		rec.Status = store.StatusValidationError
		rec.Error = err.Error()
		return rec
	}

	result, err := e.dispatchWithRetry(ctx, def, args)
	if err != nil {
		if isTimeout(err) {
			rec.Status = store.StatusTimeout
			rec.Error = "timeout"
		} else {
			rec.Status = store.StatusExecutionError
			rec.Error = err.Error()
		}
		logger.ContextKV(ctx, xlog.WARNING,
			"reason", "tool_call_failed",
			"conversation_id", conversationID,
			"tool", def.Name,
			"status", rec.Status,
			"err", err.Error(),
		)
		return rec
	}

	rec.Status = store.StatusSuccess
	rec.Result = result
	return rec
}

func (e *Executor) dispatchWithRetry(ctx context.Context, def tools.Definition, args string) (string, error) {
	result, err := e.dispatch(ctx, def, args)
	for attempt := 0; err != nil && attempt < e.retry.MaxRetries; attempt++ {
		if isTimeout(err) || ctx.Err() != nil {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", err
		case <-time.After(e.retry.Backoff):
		}
		metricskey.StatsToolCallsRetried.IncrCounter(1, def.Name)
		result, err = e.dispatch(ctx, def, args)
	}
	return result, err
}

func (e *Executor) dispatch(ctx context.Context, def tools.Definition, args string) (string, error) {
	if def.IsRemote() {
		if e.remote == nil {
			return "", errors.New("no remote invoker configured")
		}
		var argMap map[string]any
		if args != "" {
			if err := json.Unmarshal([]byte(args), &argMap); err != nil {
				return "", errors.WithMessage(err, "arguments are not valid JSON")
			}
		}
		return e.remote.Invoke(ctx, def.ServerID(), def.Name, argMap, e.callTimeout)
	}

	if e.registry == nil {
		return "", errors.New("no local registry configured")
	}
	tool, ok := e.registry.Get(def.Name)
	if !ok {
		return "", errors.Newf("tool not registered: %s", def.Name)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	result, err := tool.Call(callCtx, args)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "", errors.WithStack(mcpmux.ErrTimeout)
		}
		return "", err
	}
	return result, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, mcpmux.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
