package tools

import (
	"encoding/json"
	"strings"

	"github.com/effective-security/toolgate/pkg/llms"
	"github.com/effective-security/toolgate/pkg/schema"
)

// OriginLocal marks a tool registered in-process.
const OriginLocal = "local"

const remotePrefix = "remote:"

// RemoteOrigin returns the origin tag for a tool advertised by the given
// remote server.
func RemoteOrigin(serverID string) string {
	return remotePrefix + serverID
}

// Definition is an immutable catalog entry advertised to the model.
// Remote entries are replaced wholesale when the catalog is re-fetched.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Origin      string          `json:"origin"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// IsRemote reports whether the definition came from a remote server.
func (d Definition) IsRemote() bool {
	return strings.HasPrefix(d.Origin, remotePrefix)
}

// ServerID returns the remote server id, or empty for local tools.
func (d Definition) ServerID() string {
	if !d.IsRemote() {
		return ""
	}
	return strings.TrimPrefix(d.Origin, remotePrefix)
}

// ToLLMTool converts the definition into the provider-agnostic tool shape.
func (d Definition) ToLLMTool() (llms.Tool, error) {
	fd := &llms.FunctionDefinition{
		Name:        d.Name,
		Description: d.Description,
	}
	if len(d.InputSchema) > 0 {
		var raw any
		if err := json.Unmarshal(d.InputSchema, &raw); err != nil {
			return llms.Tool{}, err
		}
		s, err := schema.FromAny(raw)
		if err != nil {
			return llms.Tool{}, err
		}
		fd.Parameters = s
	}
	return llms.Tool{
		Type:     "function",
		Function: fd,
	}, nil
}

// ToLLMTools converts a catalog snapshot for a model call, skipping entries
// with unparsable schemas.
func ToLLMTools(defs []Definition) []llms.Tool {
	res := make([]llms.Tool, 0, len(defs))
	for _, d := range defs {
		t, err := d.ToLLMTool()
		if err != nil {
			continue
		}
		res = append(res, t)
	}
	return res
}
