package llms

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Parts is an interface slice, so messages carry an explicit type tag per
// part to survive a store round-trip.

type rawPart struct {
	Type         string            `json:"type"`
	Text         string            `json:"text,omitempty"`
	ToolCall     *ToolCall         `json:"tool_call,omitempty"`
	ToolResponse *ToolCallResponse `json:"tool_response,omitempty"`
}

type rawMessage struct {
	Role  Role      `json:"role"`
	Parts []rawPart `json:"parts"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	raw := rawMessage{
		Role:  m.Role,
		Parts: make([]rawPart, 0, len(m.Parts)),
	}
	for _, p := range m.Parts {
		switch typ := p.(type) {
		case TextContent:
			raw.Parts = append(raw.Parts, rawPart{Type: "text", Text: typ.Text})
		case ToolCall:
			tc := typ
			raw.Parts = append(raw.Parts, rawPart{Type: "tool_call", ToolCall: &tc})
		case ToolCallResponse:
			tr := typ
			raw.Parts = append(raw.Parts, rawPart{Type: "tool_response", ToolResponse: &tr})
		default:
			return nil, errors.Newf("unsupported content part: %T", p)
		}
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(bs []byte) error {
	var raw rawMessage
	if err := json.Unmarshal(bs, &raw); err != nil {
		return errors.WithStack(err)
	}
	m.Role = raw.Role
	m.Parts = make([]ContentPart, 0, len(raw.Parts))
	for _, p := range raw.Parts {
		switch p.Type {
		case "text":
			m.Parts = append(m.Parts, TextContent{Text: p.Text})
		case "tool_call":
			if p.ToolCall == nil {
				return errors.New("tool_call part without payload")
			}
			m.Parts = append(m.Parts, *p.ToolCall)
		case "tool_response":
			if p.ToolResponse == nil {
				return errors.New("tool_response part without payload")
			}
			m.Parts = append(m.Parts, *p.ToolResponse)
		default:
			return errors.Newf("unsupported content part type: %q", p.Type)
		}
	}
	return nil
}
