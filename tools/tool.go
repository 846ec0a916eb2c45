package tools

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/pkg/schema"
	"github.com/invopop/jsonschema"
)

// ITool is an in-process tool the model can invoke.
type ITool interface {
	// Name returns the name of the Tool.
	Name() string
	// Description returns the description of the tool, to be used in the prompt.
	// Should not exceed LLM model limit.
	Description() string
	// Parameters returns the JSON schema of the tool input.
	Parameters() *jsonschema.Schema

	// Call executes the tool with the given JSON input and returns the result.
	Call(context.Context, string) (string, error)
}

// Tool is a typed tool with a structured input and output.
type Tool[I any, O any] interface {
	ITool
	Run(context.Context, *I) (*O, error)
}

type funcTool[I any, O any] struct {
	name        string
	description string
	parameters  *jsonschema.Schema
	fn          func(context.Context, *I) (*O, error)
}

// NewFunc builds a Tool from a typed function; the input schema is derived
// by reflection over I.
func NewFunc[I any, O any](name, description string, fn func(context.Context, *I) (*O, error)) (Tool[I, O], error) {
	s, err := schema.New(reflect.TypeOf(*new(I)))
	if err != nil {
		return nil, err
	}
	return &funcTool[I, O]{
		name:        name,
		description: description,
		parameters:  s.Parameters,
		fn:          fn,
	}, nil
}

func (t *funcTool[I, O]) Name() string                   { return t.name }
func (t *funcTool[I, O]) Description() string            { return t.description }
func (t *funcTool[I, O]) Parameters() *jsonschema.Schema { return t.parameters }

func (t *funcTool[I, O]) Run(ctx context.Context, input *I) (*O, error) {
	return t.fn(ctx, input)
}

func (t *funcTool[I, O]) Call(ctx context.Context, input string) (string, error) {
	var in I
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", errors.WithMessagef(err, "failed to unmarshal input for tool %s", t.name)
	}
	out, err := t.Run(ctx, &in)
	if err != nil {
		return "", err
	}
	bs, err := json.Marshal(out)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(bs), nil
}
