package chat

import (
	"context"

	"github.com/effective-security/toolgate/chatmodel"
	"github.com/effective-security/toolgate/pkg/llms"
	"github.com/effective-security/toolgate/store"
)

// EventType classifies stream events.
type EventType string

const (
	// EventToken carries one content fragment as the model produces it.
	EventToken EventType = "token"
	// EventToolCall announces a tool call the model issued.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the record of one executed tool call.
	EventToolResult EventType = "tool_result"
	// EventDone terminates the stream with the final turn.
	EventDone EventType = "done"
	// EventError terminates the stream with a failure.
	EventError EventType = "error"
)

// Event is one element of the turn stream. Exactly one payload field is set
// depending on Type; the stream always ends with a single done or error.
type Event struct {
	Type     EventType              `json:"type"`
	Token    string                 `json:"token,omitempty"`
	ToolCall *llms.ToolCall         `json:"tool_call,omitempty"`
	Record   *store.ExecutionRecord `json:"record,omitempty"`
	Turn     *TurnResult            `json:"turn,omitempty"`
	Err      error                  `json:"-"`
}

// RunTurnStream is RunTurn with incremental delivery. The returned channel
// emits token fragments, tool call activity, and a terminal done or error
// event, then closes. Cancelling ctx aborts the stream.
func (c *Controller) RunTurnStream(ctx context.Context, caller chatmodel.CallerContext, messages []llms.Message) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		emit := func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		result, err := c.run(ctx, caller, messages, emit)
		if err != nil {
			emit(Event{Type: EventError, Err: err})
			return
		}
		emit(Event{Type: EventDone, Turn: result})
	}()
	return events
}
