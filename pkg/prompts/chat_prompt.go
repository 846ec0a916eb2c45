// Package prompts builds prompt values and corrective hint messages for the
// completion loop.
package prompts

import (
	"fmt"
	"strings"

	"github.com/effective-security/toolgate/pkg/llms"
	"github.com/effective-security/toolgate/pkg/llmutils"
	"github.com/effective-security/toolgate/store"
	"github.com/effective-security/x/values"
)

// ChatPromptValue is a prompt value that is a list of chat messages.
type ChatPromptValue []llms.Message

// String returns the chat message slice as a buffer string.
func (v ChatPromptValue) String() string {
	var buf strings.Builder
	llmutils.PrintMessages(&buf, v)
	return buf.String()
}

// Messages returns the chat message slice.
func (v ChatPromptValue) Messages() []llms.Message {
	return v
}

// FailedCallsHint summarizes a batch's failed tool calls in one message so
// the model can correct names or arguments on the next invocation.
func FailedCallsHint(failed []*store.ExecutionRecord) string {
	var sb strings.Builder
	sb.WriteString("Some tool calls failed. Review the errors and correct the tool names or arguments:\n")
	for _, rec := range failed {
		name := values.StringsCoalesce(rec.ResolvedName, rec.RequestedName)
		fmt.Fprintf(&sb, "- %s (%s): %s: %s\n", name, rec.CallID, rec.Status, rec.Error)
	}
	return sb.String()
}
